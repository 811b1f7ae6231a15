package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signPayload(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,s=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature(t *testing.T) {
	p := NewFedaPayProvider("https://sandbox-api.fedapay.com", "sk_test", "whsec_test", "http://localhost/return")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	payload := []byte(`{"name":"transaction.approved"}`)
	header := signPayload("whsec_test", now.Unix(), payload)
	require.NoError(t, p.VerifySignature(payload, header))

	// Wrong secret.
	bad := signPayload("whsec_other", now.Unix(), payload)
	require.Error(t, p.VerifySignature(payload, bad))

	// Tampered payload.
	require.Error(t, p.VerifySignature([]byte(`{"name":"transaction.declined"}`), header))

	// Stale timestamp.
	stale := signPayload("whsec_test", now.Add(-time.Hour).Unix(), payload)
	require.Error(t, p.VerifySignature(payload, stale))

	// Malformed header.
	require.Error(t, p.VerifySignature(payload, "garbage"))
}

func TestParseWebhook(t *testing.T) {
	p := NewFedaPayProvider("https://sandbox-api.fedapay.com", "sk_test", "whsec_test", "http://localhost/return")

	event, err := p.ParseWebhook([]byte(`{
		"name": "transaction.approved",
		"entity": {"id": 42, "reference": "trx_abc", "status": "approved", "amount": 17700}
	}`))
	require.NoError(t, err)
	require.Equal(t, "trx_abc", event.Ref)
	require.True(t, event.Approved)
	require.True(t, event.Final)

	event, err = p.ParseWebhook([]byte(`{
		"name": "transaction.declined",
		"entity": {"id": 43, "reference": "trx_def", "status": "declined", "amount": 17700}
	}`))
	require.NoError(t, err)
	require.False(t, event.Approved)
	require.True(t, event.Final)

	// Intermediate events are not final.
	event, err = p.ParseWebhook([]byte(`{
		"name": "transaction.created",
		"entity": {"id": 44, "reference": "trx_ghi", "status": "pending", "amount": 17700}
	}`))
	require.NoError(t, err)
	require.False(t, event.Final)

	_, err = p.ParseWebhook([]byte(`{"name": "transaction.approved", "entity": {}}`))
	require.Error(t, err)
}
