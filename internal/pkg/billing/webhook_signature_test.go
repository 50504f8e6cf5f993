package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func signedPayload(t *testing.T, payload string, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestVerifyStripeEvent(t *testing.T) {
	payload := storedPayload(t, "evt_sig", "customer.updated", obj{"id": "cus_1", "balance": 0})

	ev, err := VerifyStripeEvent([]byte(payload), signedPayload(t, payload, testWebhookSecret), testWebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_sig", ev.ID)
	assert.Equal(t, "customer.updated", ev.Type)
	assert.Equal(t, testNow.Unix(), ev.Created.Unix())

	c, err := ParseCustomer(ev.Data)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", c.ID)
}

func TestVerifyStripeEvent_Rejects(t *testing.T) {
	payload := storedPayload(t, "evt_sig", "customer.updated", obj{"id": "cus_1"})

	_, err := VerifyStripeEvent([]byte(payload), signedPayload(t, payload, "whsec_other"), testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyStripeEvent([]byte(payload), "", testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyStripeEvent([]byte(payload), signedPayload(t, payload, testWebhookSecret), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	tampered := payload[:len(payload)-1] + " }"
	_, err = VerifyStripeEvent([]byte(tampered), signedPayload(t, payload, testWebhookSecret), testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeStoredEvent(t *testing.T) {
	ev, err := DecodeStoredEvent(storedPayload(t, "evt_1", "invoice.paid", obj{"id": "in_1"}))
	require.NoError(t, err)
	assert.Equal(t, "invoice.paid", ev.Type)
	assert.JSONEq(t, `{"id": "in_1"}`, string(ev.Data))

	_, err = DecodeStoredEvent(`{"id": "evt_2"}`)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = DecodeStoredEvent(`not json`)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
