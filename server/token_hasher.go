package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// TokenHash is the salted digest stored in place of a raw deployment token.
// Only the digest ever touches the database; a leaked deployment_tokens table
// is useless without the server's salt.
type TokenHash string

// TokenHasher derives deterministic deployment token digests for storage and
// lookup.
type TokenHasher struct {
	salt []byte
}

func NewTokenHasher(salt []byte) TokenHasher {
	return TokenHasher{salt: append([]byte(nil), salt...)}
}

// Hash digests a raw deployment token with salted HMAC-SHA256.
func (h TokenHasher) Hash(token string) TokenHash {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(token))
	return TokenHash(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
