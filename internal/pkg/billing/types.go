package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a verified provider event. Data holds the raw event object.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Data    json.RawMessage
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	ObjectID        string
	PayloadJSON     string
	SignatureValid  bool
}

// ObjectID returns the id of a raw event object, or "" when it has none.
func ObjectID(data json.RawMessage) string {
	var o struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return ""
	}
	return o.ID
}

// expandableID decodes a provider reference that is either an id string, null
// or an expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	StartDate          int64             `json:"start_date"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Schedule           expandableID      `json:"schedule"`
	LatestInvoice      expandableID      `json:"latest_invoice"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID         string `json:"id"`
				UnitAmount int64  `json:"unit_amount"`
				Recurring  *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// ParseSubscription decodes a subscription event object.
func ParseSubscription(raw json.RawMessage) (*ProviderSubscription, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", ErrInvalidEvent, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", ErrInvalidEvent)
	}
	out := &ProviderSubscription{
		ID:                p.ID,
		CustomerID:        string(p.Customer),
		Status:            p.Status,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		ScheduleID:        string(p.Schedule),
		StartDate:         unixTime(p.StartDate),
		Metadata:          p.Metadata,
		LatestInvoiceID:   string(p.LatestInvoice),
	}
	for _, it := range p.Items.Data {
		item := SubscriptionItem{
			ID:          it.ID,
			PriceID:     it.Price.ID,
			UnitAmount:  it.Price.UnitAmount,
			PeriodStart: unixTime(it.CurrentPeriodStart),
			PeriodEnd:   unixTime(it.CurrentPeriodEnd),
		}
		if it.Price.Recurring != nil {
			item.Interval = it.Price.Recurring.Interval
		}
		// Older API versions carry the period on the subscription itself.
		if item.PeriodEnd.IsZero() {
			item.PeriodStart = unixTime(p.CurrentPeriodStart)
			item.PeriodEnd = unixTime(p.CurrentPeriodEnd)
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// Invoice is the part of a provider invoice the reconciler needs.
type Invoice struct {
	ID               string
	CustomerID       string
	SubscriptionID   string
	AmountPaid       int64
	AmountDue        int64
	Currency         string
	HostedInvoiceURL string
	Lines            []InvoiceLine
}

type InvoiceLine struct {
	SubscriptionID string
	PriceID        string
	Proration      bool
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type invoicePayload struct {
	ID               string       `json:"id"`
	Customer         expandableID `json:"customer"`
	Subscription     expandableID `json:"subscription"`
	AmountPaid       int64        `json:"amount_paid"`
	AmountDue        int64        `json:"amount_due"`
	Currency         string       `json:"currency"`
	HostedInvoiceURL string       `json:"hosted_invoice_url"`
	Parent           *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Type         string       `json:"type"`
			Subscription expandableID `json:"subscription"`
			Proration    bool         `json:"proration"`
			Period       struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
			Parent *struct {
				SubscriptionItemDetails *struct {
					Subscription string `json:"subscription"`
					Proration    bool   `json:"proration"`
				} `json:"subscription_item_details"`
			} `json:"parent"`
		} `json:"data"`
	} `json:"lines"`
}

// ParseInvoice decodes an invoice event object. It accepts both the current
// parent-based layout and the older top-level subscription fields.
func ParseInvoice(raw json.RawMessage) (*Invoice, error) {
	var p invoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", ErrInvalidEvent, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: invoice without id", ErrInvalidEvent)
	}
	inv := &Invoice{
		ID:               p.ID,
		CustomerID:       string(p.Customer),
		SubscriptionID:   string(p.Subscription),
		AmountPaid:       p.AmountPaid,
		AmountDue:        p.AmountDue,
		Currency:         p.Currency,
		HostedInvoiceURL: p.HostedInvoiceURL,
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil && p.Parent.SubscriptionDetails.Subscription != "" {
		inv.SubscriptionID = string(p.Parent.SubscriptionDetails.Subscription)
	}
	for _, l := range p.Lines.Data {
		line := InvoiceLine{
			SubscriptionID: string(l.Subscription),
			Proration:      l.Proration,
			PeriodStart:    unixTime(l.Period.Start),
			PeriodEnd:      unixTime(l.Period.End),
		}
		if l.Parent != nil && l.Parent.SubscriptionItemDetails != nil {
			line.SubscriptionID = l.Parent.SubscriptionItemDetails.Subscription
			line.Proration = line.Proration || l.Parent.SubscriptionItemDetails.Proration
		}
		if line.SubscriptionID == "" && l.Type == "subscription" {
			line.SubscriptionID = inv.SubscriptionID
		}
		switch {
		case l.Pricing != nil && l.Pricing.PriceDetails != nil:
			line.PriceID = l.Pricing.PriceDetails.Price
		case l.Price != nil:
			line.PriceID = l.Price.ID
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, nil
}

// SubscriptionLine locates the line item of the subscription's billed phase:
// a non-proration line of the invoice's subscription, latest period end first.
// It falls back to any line with a period when no such line exists.
func (inv *Invoice) SubscriptionLine() (InvoiceLine, bool) {
	var best InvoiceLine
	found := false
	for _, l := range inv.Lines {
		if l.Proration || l.PeriodEnd.IsZero() || l.SubscriptionID != inv.SubscriptionID {
			continue
		}
		if !found || l.PeriodEnd.After(best.PeriodEnd) {
			best, found = l, true
		}
	}
	if found {
		return best, true
	}
	for _, l := range inv.Lines {
		if l.PeriodEnd.IsZero() {
			continue
		}
		if !found || l.PeriodEnd.After(best.PeriodEnd) {
			best, found = l, true
		}
	}
	return best, found
}

// Customer is the part of a provider customer the reconciler caches.
type Customer struct {
	ID                   string
	Deleted              bool
	Balance              int64
	DefaultPaymentMethod string
}

// ParseCustomer decodes a customer event object.
func ParseCustomer(raw json.RawMessage) (*Customer, error) {
	var p struct {
		ID              string `json:"id"`
		Deleted         bool   `json:"deleted"`
		Balance         int64  `json:"balance"`
		InvoiceSettings struct {
			DefaultPaymentMethod expandableID `json:"default_payment_method"`
		} `json:"invoice_settings"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: customer: %v", ErrInvalidEvent, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: customer without id", ErrInvalidEvent)
	}
	return &Customer{
		ID:                   p.ID,
		Deleted:              p.Deleted,
		Balance:              p.Balance,
		DefaultPaymentMethod: string(p.InvoiceSettings.DefaultPaymentMethod),
	}, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ParsePaymentIntent decodes a payment intent event object.
func ParsePaymentIntent(raw json.RawMessage) (*PaymentIntentRef, error) {
	var p struct {
		ID           string            `json:"id"`
		Status       string            `json:"status"`
		Amount       int64             `json:"amount"`
		ClientSecret string            `json:"client_secret"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: payment intent: %v", ErrInvalidEvent, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: payment intent without id", ErrInvalidEvent)
	}
	return &PaymentIntentRef{
		ID:           p.ID,
		Status:       p.Status,
		Amount:       p.Amount,
		ClientSecret: p.ClientSecret,
		Metadata:     p.Metadata,
	}, nil
}
