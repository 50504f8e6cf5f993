package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow view of the payment provider used by the billing core.
// Every method is a single side-effecting round trip without retries; callers
// invoke each mutation at most once per user action.
type Gateway interface {
	GetOrCreateCustomer(ctx context.Context, in CustomerInput) (*CustomerRef, error)
	// AttachPaymentMethod detaches the previous default and makes pmID the default.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethodRef, error)
	RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethodRef, error)
	CreateSubscription(ctx context.Context, in CreateSubscriptionParams) (*ProviderSubscription, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	ModifySubscription(ctx context.Context, subscriptionID string, in ModifySubscriptionParams) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	CreateSubscriptionSchedule(ctx context.Context, in ScheduleParams) (*ScheduleRef, error)
	ReleaseSchedule(ctx context.Context, scheduleID string) error
	CreatePaymentIntent(ctx context.Context, in PaymentIntentParams) (*PaymentIntentRef, error)
	RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntentRef, error)
}

type CustomerInput struct {
	UserID     uint
	ExistingID string
	Email      string
	Name       string
}

type CustomerRef struct {
	ID                   string
	Email                string
	DefaultPaymentMethod string
	// Balance in the smallest currency unit. Negative values are credit.
	Balance int64
}

type PaymentMethodRef struct {
	ID    string
	Brand string
	Last4 string
}

type CreateSubscriptionParams struct {
	CustomerID     string
	PriceID        string
	Metadata       map[string]string
	IdempotencyKey string
}

// ItemChange replaces the price of an existing subscription item, or adds an
// item when ID is empty.
type ItemChange struct {
	ID      string
	PriceID string
}

type ModifySubscriptionParams struct {
	CancelAtPeriodEnd     *bool
	Items                 []ItemChange
	ProrationBehavior     string
	BillingCycleAnchorNow bool
	Metadata              map[string]string
	IdempotencyKey        string
}

type SchedulePhase struct {
	PriceID    string
	Quantity   int64
	Iterations int64
	Metadata   map[string]string
}

// ScheduleParams describes a future plan change. With FromSubscription set the
// schedule takes over the running subscription and the other fields are left
// to the provider defaults (end behavior release).
type ScheduleParams struct {
	CustomerID       string
	FromSubscription string
	StartAt          time.Time
	EndBehavior      string
	Phases           []SchedulePhase
	IdempotencyKey   string
}

const ScheduleEndRelease = "release"

type ScheduleRef struct {
	ID     string
	Status string
}

type PaymentIntentParams struct {
	CustomerID      string
	PaymentMethodID string
	Amount          decimal.Decimal
	Currency        string
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

// Payment intent statuses handled by the core.
const (
	IntentSucceeded             = "succeeded"
	IntentRequiresAction        = "requires_action"
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentProcessing            = "processing"
	IntentCanceled              = "canceled"
)

type PaymentIntentRef struct {
	ID           string
	Status       string
	ClientSecret string
	// Amount in the smallest currency unit.
	Amount   int64
	Metadata map[string]string
}

// ProviderSubscription is a snapshot of a provider subscription, built either from
// an API response or from a webhook payload.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	ScheduleID        string
	StartDate         time.Time
	Items             []SubscriptionItem
	Metadata          map[string]string
	LatestInvoiceID   string
	HostedInvoiceURL  string
}

type SubscriptionItem struct {
	ID          string
	PriceID     string
	UnitAmount  int64
	Interval    string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// PrimaryItem is the item carrying the plan price.
func (p *ProviderSubscription) PrimaryItem() (SubscriptionItem, bool) {
	if len(p.Items) == 0 {
		return SubscriptionItem{}, false
	}
	best := p.Items[0]
	for _, it := range p.Items[1:] {
		if it.PeriodEnd.After(best.PeriodEnd) {
			best = it
		}
	}
	return best, true
}

// Period returns the current period of the primary item, nil when unknown.
func (p *ProviderSubscription) Period() (start, end *time.Time) {
	it, ok := p.PrimaryItem()
	if !ok {
		return nil, nil
	}
	if !it.PeriodStart.IsZero() {
		s := it.PeriodStart
		start = &s
	}
	if !it.PeriodEnd.IsZero() {
		e := it.PeriodEnd
		end = &e
	}
	return start, end
}

// Price returns the primary item's unit amount as a decimal in major units.
func (p *ProviderSubscription) Price() (decimal.Decimal, bool) {
	it, ok := p.PrimaryItem()
	if !ok {
		return decimal.Zero, false
	}
	return fromMinorUnits(it.UnitAmount), true
}

func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func toMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}
