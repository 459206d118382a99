package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SignedRequest carries the three authentication fields attached to every
// device-originated call, alongside the exact body bytes that were signed.
type SignedRequest struct {
	Body      []byte
	Timestamp int64
	Signature string
}

// Sign computes the hex-encoded HMAC-SHA256 of body||timestamp under the
// device secret. Callers must pass the exact bytes that go on the wire;
// signing a re-serialized copy of a parsed body is not verifiable.
func Sign(secret string, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateSignedRequest signs a request body with the current time.
func CreateSignedRequest(creds *Credentials, body []byte) *SignedRequest {
	ts := time.Now().Unix()
	return &SignedRequest{
		Body:      body,
		Timestamp: ts,
		Signature: Sign(creds.DeviceToken, body, ts),
	}
}

// VerifyTimestamp rejects timestamps outside the replay tolerance window, in
// either direction. Device clock drift beyond the window is indistinguishable
// from a replay and fails the same way.
func VerifyTimestamp(timestamp int64, now time.Time, tolerance time.Duration) error {
	drift := now.Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > tolerance {
		return fmt.Errorf("timestamp outside %s tolerance: drift %ds", tolerance, drift)
	}
	return nil
}

// VerifySignature recomputes the expected signature and compares in constant
// time. It returns the expected value so callers can record it for forensics.
func VerifySignature(secret string, body []byte, timestamp int64, signature string) (string, bool) {
	expected := Sign(secret, body, timestamp)
	return expected, hmac.Equal([]byte(expected), []byte(signature))
}
