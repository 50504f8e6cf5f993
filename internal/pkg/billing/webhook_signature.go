package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// VerifyStripeEvent checks the Stripe-Signature header and returns the event.
// API version mismatches are accepted; the payload decoders tolerate both layouts.
func VerifyStripeEvent(payload []byte, signatureHeader, webhookSecret string) (Event, error) {
	if strings.TrimSpace(signatureHeader) == "" || strings.TrimSpace(webhookSecret) == "" {
		return Event{}, ErrInvalidSignature
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data != nil {
		out.Data = ev.Data.Raw
	}
	return out, nil
}

// DecodeStoredEvent rebuilds an Event from a payload persisted by the webhook endpoint.
// The signature was checked on receipt.
func DecodeStoredEvent(payload string) (Event, error) {
	var raw struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return Event{}, fmt.Errorf("%w: missing id or type", ErrInvalidEvent)
	}
	return Event{ID: raw.ID, Type: raw.Type, Created: unixTime(raw.Created), Data: raw.Data.Object}, nil
}
