package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	secret := "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"
	body := []byte(`{"status":"online","system_info":{"hostname":"shelf-01"}}`)
	ts := time.Now().Unix()

	sig := Sign(secret, body, ts)
	_, ok := VerifySignature(secret, body, ts, sig)
	require.True(t, ok)
}

func TestVerifyFailsOnMutatedBody(t *testing.T) {
	secret := "secret"
	body := []byte(`{"task_id":"t1","status":"completed"}`)
	ts := time.Now().Unix()
	sig := Sign(secret, body, ts)

	mutated := []byte(`{"task_id":"t2","status":"completed"}`)
	_, ok := VerifySignature(secret, mutated, ts, sig)
	require.False(t, ok)
}

func TestVerifyFailsOnWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	ts := time.Now().Unix()
	sig := Sign("right", body, ts)
	_, ok := VerifySignature("wrong", body, ts, sig)
	require.False(t, ok)
}

func TestVerifyFailsOnShiftedTimestamp(t *testing.T) {
	secret := "secret"
	body := []byte(`{}`)
	ts := time.Now().Unix()
	sig := Sign(secret, body, ts)
	_, ok := VerifySignature(secret, body, ts+1, sig)
	require.False(t, ok)
}

func TestVerifyTimestampWindow(t *testing.T) {
	now := time.Now()
	tolerance := 300 * time.Second

	require.NoError(t, VerifyTimestamp(now.Unix(), now, tolerance))
	require.NoError(t, VerifyTimestamp(now.Unix()-299, now, tolerance))
	require.NoError(t, VerifyTimestamp(now.Unix()+299, now, tolerance))
	require.Error(t, VerifyTimestamp(now.Unix()-400, now, tolerance))
	require.Error(t, VerifyTimestamp(now.Unix()+400, now, tolerance))
}

func TestCreateSignedRequestUsesRawBody(t *testing.T) {
	creds := &Credentials{DeviceID: "d1", DeviceToken: "tok"}
	body := []byte(`{"b":2,"a":1}`)

	signed := CreateSignedRequest(creds, body)
	require.Equal(t, body, signed.Body)

	_, ok := VerifySignature(creds.DeviceToken, signed.Body, signed.Timestamp, signed.Signature)
	require.True(t, ok)

	// A key-reordered serialization of the same JSON must not verify.
	_, ok = VerifySignature(creds.DeviceToken, []byte(`{"a":1,"b":2}`), signed.Timestamp, signed.Signature)
	require.False(t, ok)
}

func TestGenerateSecretLengthAndUniqueness(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)
	require.Len(t, a, 64)
	require.NotEqual(t, a, b)
}
