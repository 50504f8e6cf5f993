package billing

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionschedule"

	"github.com/ManuelReschke/sbily/internal/pkg/config"
	"github.com/ManuelReschke/sbily/internal/pkg/metrics"
)

// StripeGateway implements Gateway with the Stripe API. Network retries are
// disabled; every mutation carries an idempotency key.
type StripeGateway struct {
	customers     *customer.Client
	paymentMethod *paymentmethod.Client
	subscriptions *subscription.Client
	schedules     *subscriptionschedule.Client
	intents       *paymentintent.Client
	timeout       time.Duration
}

// NewStripeGateway creates a gateway for the given secret key. baseURL overrides
// the API endpoint and is empty in production.
func NewStripeGateway(secretKey, baseURL string, timeout time.Duration) *StripeGateway {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if baseURL != "" {
		cfg.URL = stripe.String(strings.TrimRight(baseURL, "/"))
	}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	return &StripeGateway{
		customers:     &customer.Client{B: b, Key: secretKey},
		paymentMethod: &paymentmethod.Client{B: b, Key: secretKey},
		subscriptions: &subscription.Client{B: b, Key: secretKey},
		schedules:     &subscriptionschedule.Client{B: b, Key: secretKey},
		intents:       &paymentintent.Client{B: b, Key: secretKey},
		timeout:       timeout,
	}
}

// NewStripeGatewayFromConfig wires the gateway from the Stripe settings.
func NewStripeGatewayFromConfig(cfg config.StripeConfig) *StripeGateway {
	return NewStripeGateway(cfg.SecretKey, cfg.APIURL, cfg.GatewayTimeout())
}

func (g *StripeGateway) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, g.timeout)
}

func observe(op string, start time.Time, err error) error {
	metrics.GatewayCallsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	metrics.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	log.Warnf("[Stripe] %s failed: %v", op, err)
	return wrapStripeError(op, err)
}

func wrapStripeError(op string, err error) error {
	ge := &GatewayError{Op: op, Err: err}
	var se *stripe.Error
	var ne net.Error
	switch {
	case errors.As(err, &se):
		ge.Code = string(se.Code)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		ge.Code = codeTimeout
	}
	return ge
}

func (g *StripeGateway) GetOrCreateCustomer(ctx context.Context, in CustomerInput) (*CustomerRef, error) {
	if in.ExistingID != "" {
		ref, err := g.retrieveCustomer(ctx, in.ExistingID)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		log.Warnf("[Stripe] Customer %s of user %d is gone, creating a new one", in.ExistingID, in.UserID)
	}

	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.CustomerParams{
		Email: stripe.String(in.Email),
		Name:  stripe.String(in.Name),
	}
	params.Context = cctx
	params.AddMetadata("user_id", strconv.FormatUint(uint64(in.UserID), 10))
	params.SetIdempotencyKey("customer-" + strconv.FormatUint(uint64(in.UserID), 10) + "-" + in.ExistingID)

	start := time.Now()
	c, err := g.customers.New(params)
	if err := observe("customer.create", start, err); err != nil {
		return nil, err
	}
	return customerRef(c), nil
}

func (g *StripeGateway) retrieveCustomer(ctx context.Context, id string) (*CustomerRef, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.CustomerParams{}
	params.Context = cctx

	start := time.Now()
	c, err := g.customers.Get(id, params)
	if err := observe("customer.get", start, err); err != nil {
		return nil, err
	}
	if c.Deleted {
		return nil, &GatewayError{Op: "customer.get", Code: codeResourceMissing, Err: errors.New("customer deleted")}
	}
	return customerRef(c), nil
}

func customerRef(c *stripe.Customer) *CustomerRef {
	ref := &CustomerRef{ID: c.ID, Email: c.Email, Balance: c.Balance}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		ref.DefaultPaymentMethod = c.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return ref
}

// AttachPaymentMethod attaches pmID, makes it the invoice default and detaches the
// previous default.
func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethodRef, error) {
	current, err := g.retrieveCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	cctx, cancel := g.ctx(ctx)
	defer cancel()

	attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	attach.Context = cctx
	start := time.Now()
	pm, err := g.paymentMethod.Attach(paymentMethodID, attach)
	if err := observe("payment_method.attach", start, err); err != nil {
		return nil, err
	}

	update := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(pm.ID),
		},
	}
	update.Context = cctx
	start = time.Now()
	_, err = g.customers.Update(customerID, update)
	if err := observe("customer.update", start, err); err != nil {
		return nil, err
	}

	if prev := current.DefaultPaymentMethod; prev != "" && prev != pm.ID {
		detach := &stripe.PaymentMethodDetachParams{}
		detach.Context = cctx
		start = time.Now()
		_, err := g.paymentMethod.Detach(prev, detach)
		if err := observe("payment_method.detach", start, err); err != nil {
			log.Warnf("[Stripe] Previous payment method %s not detached: %v", prev, err)
		}
	}
	return paymentMethodRef(pm), nil
}

func (g *StripeGateway) RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethodRef, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.PaymentMethodParams{}
	params.Context = cctx

	start := time.Now()
	pm, err := g.paymentMethod.Get(paymentMethodID, params)
	if err := observe("payment_method.get", start, err); err != nil {
		return nil, err
	}
	return paymentMethodRef(pm), nil
}

func paymentMethodRef(pm *stripe.PaymentMethod) *PaymentMethodRef {
	ref := &PaymentMethodRef{ID: pm.ID}
	if pm.Card != nil {
		ref.Brand = string(pm.Card.Brand)
		ref.Last4 = pm.Card.Last4
	}
	return ref
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, in CreateSubscriptionParams) (*ProviderSubscription, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(in.PriceID), Quantity: stripe.Int64(1)},
		},
		PaymentBehavior: stripe.String("allow_incomplete"),
	}
	params.Context = cctx
	params.AddExpand("latest_invoice")
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	start := time.Now()
	s, err := g.subscriptions.New(params)
	if err := observe("subscription.create", start, err); err != nil {
		return nil, err
	}
	return providerSubscription(s), nil
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.SubscriptionParams{}
	params.Context = cctx

	start := time.Now()
	s, err := g.subscriptions.Get(subscriptionID, params)
	if err := observe("subscription.get", start, err); err != nil {
		return nil, err
	}
	return providerSubscription(s), nil
}

func (g *StripeGateway) ModifySubscription(ctx context.Context, subscriptionID string, in ModifySubscriptionParams) (*ProviderSubscription, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: in.CancelAtPeriodEnd}
	for _, it := range in.Items {
		item := &stripe.SubscriptionItemsParams{Price: stripe.String(it.PriceID)}
		if it.ID != "" {
			item.ID = stripe.String(it.ID)
		}
		params.Items = append(params.Items, item)
	}
	if in.ProrationBehavior != "" {
		params.ProrationBehavior = stripe.String(in.ProrationBehavior)
	}
	if in.BillingCycleAnchorNow {
		params.BillingCycleAnchorNow = stripe.Bool(true)
	}
	params.Context = cctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	start := time.Now()
	s, err := g.subscriptions.Update(subscriptionID, params)
	if err := observe("subscription.update", start, err); err != nil {
		return nil, err
	}
	return providerSubscription(s), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.SubscriptionCancelParams{}
	params.Context = cctx

	start := time.Now()
	s, err := g.subscriptions.Cancel(subscriptionID, params)
	if err := observe("subscription.cancel", start, err); err != nil {
		return nil, err
	}
	return providerSubscription(s), nil
}

func (g *StripeGateway) CreateSubscriptionSchedule(ctx context.Context, in ScheduleParams) (*ScheduleRef, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.SubscriptionScheduleParams{}
	if in.FromSubscription != "" {
		// Stripe rejects phases and end_behavior next to from_subscription.
		params.FromSubscription = stripe.String(in.FromSubscription)
	} else {
		params.Customer = stripe.String(in.CustomerID)
		params.StartDate = stripe.Int64(in.StartAt.Unix())
		params.EndBehavior = stripe.String(in.EndBehavior)
	}
	for _, ph := range in.Phases {
		phase := &stripe.SubscriptionSchedulePhaseParams{
			Items: []*stripe.SubscriptionSchedulePhaseItemParams{
				{Price: stripe.String(ph.PriceID), Quantity: stripe.Int64(ph.Quantity)},
			},
			Metadata: ph.Metadata,
		}
		if ph.Iterations > 0 {
			phase.Iterations = stripe.Int64(ph.Iterations)
		}
		params.Phases = append(params.Phases, phase)
	}
	params.Context = cctx
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	start := time.Now()
	s, err := g.schedules.New(params)
	if err := observe("subscription_schedule.create", start, err); err != nil {
		return nil, err
	}
	return &ScheduleRef{ID: s.ID, Status: string(s.Status)}, nil
}

func (g *StripeGateway) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.SubscriptionScheduleReleaseParams{}
	params.Context = cctx

	start := time.Now()
	_, err := g.schedules.Release(scheduleID, params)
	return observe("subscription_schedule.release", start, err)
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, in PaymentIntentParams) (*PaymentIntentRef, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(in.Amount)),
		Currency:      stripe.String(in.Currency),
		Customer:      stripe.String(in.CustomerID),
		PaymentMethod: stripe.String(in.PaymentMethodID),
		Description:   stripe.String(in.Description),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = cctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	start := time.Now()
	pi, err := g.intents.New(params)
	if err := observe("payment_intent.create", start, err); err != nil {
		return nil, err
	}
	return paymentIntentRef(pi), nil
}

func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntentRef, error) {
	cctx, cancel := g.ctx(ctx)
	defer cancel()
	params := &stripe.PaymentIntentParams{}
	params.Context = cctx

	start := time.Now()
	pi, err := g.intents.Get(paymentIntentID, params)
	if err := observe("payment_intent.get", start, err); err != nil {
		return nil, err
	}
	return paymentIntentRef(pi), nil
}

func paymentIntentRef(pi *stripe.PaymentIntent) *PaymentIntentRef {
	return &PaymentIntentRef{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Metadata:     pi.Metadata,
	}
}

func providerSubscription(s *stripe.Subscription) *ProviderSubscription {
	out := &ProviderSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		StartDate:         unixTime(s.StartDate),
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Schedule != nil {
		out.ScheduleID = s.Schedule.ID
	}
	if s.LatestInvoice != nil {
		out.LatestInvoiceID = s.LatestInvoice.ID
		out.HostedInvoiceURL = s.LatestInvoice.HostedInvoiceURL
	}
	if s.Items != nil {
		for _, it := range s.Items.Data {
			item := SubscriptionItem{
				ID:          it.ID,
				PeriodStart: unixTime(it.CurrentPeriodStart),
				PeriodEnd:   unixTime(it.CurrentPeriodEnd),
			}
			if it.Price != nil {
				item.PriceID = it.Price.ID
				item.UnitAmount = it.Price.UnitAmount
				if it.Price.Recurring != nil {
					item.Interval = string(it.Price.Recurring.Interval)
				}
			}
			out.Items = append(out.Items, item)
		}
	}
	return out
}
