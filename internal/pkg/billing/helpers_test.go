package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/database"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testPrices = map[string]int64{
	"price_pm": 999,
	"price_py": 9900,
	"price_bm": 1999,
	"price_by": 19900,
	"price_am": 2999,
	"price_ay": 29900,
}

func testCatalog() *Catalog {
	return NewCatalog(map[PlanKey]string{
		{entitlements.LevelPremium, entitlements.CycleMonthly}:  "price_pm",
		{entitlements.LevelPremium, entitlements.CycleYearly}:   "price_py",
		{entitlements.LevelBusiness, entitlements.CycleMonthly}: "price_bm",
		{entitlements.LevelBusiness, entitlements.CycleYearly}:  "price_by",
		{entitlements.LevelAdvanced, entitlements.CycleMonthly}: "price_am",
		{entitlements.LevelAdvanced, entitlements.CycleYearly}:  "price_ay",
	})
}

// fakeGateway is an in-memory provider that records every call.
type fakeGateway struct {
	mu  sync.Mutex
	now time.Time
	seq int

	calls         []string
	fail          map[string]error
	subStatus     string
	intentStatus  string
	subs          map[string]*ProviderSubscription
	intents       map[string]*PaymentIntentRef
	customerCalls int

	createdSubs []CreateSubscriptionParams
	modified    []ModifySubscriptionParams
	schedules   []ScheduleParams
	released    []string
	canceled    []string
	intentReqs  []PaymentIntentParams
}

func newFakeGateway(now time.Time) *fakeGateway {
	return &fakeGateway{
		now:          now,
		fail:         map[string]error{},
		subStatus:    "active",
		intentStatus: IntentSucceeded,
		subs:         map[string]*ProviderSubscription{},
		intents:      map[string]*PaymentIntentRef{},
	}
}

func (g *fakeGateway) record(op string) error {
	g.calls = append(g.calls, op)
	return g.fail[op]
}

func (g *fakeGateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *fakeGateway) called(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == op {
			n++
		}
	}
	return n
}

func notFoundErr(op string) error {
	return &GatewayError{Op: op, Code: codeResourceMissing, Err: errors.New("no such object")}
}

func periodFor(priceID string, start time.Time) time.Time {
	if strings.HasSuffix(priceID, "y") {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// addSubscription registers a provider subscription, as if created earlier.
func (g *fakeGateway) addSubscription(id, customerID, priceID string, start, end time.Time) *ProviderSubscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	ps := &ProviderSubscription{
		ID:         id,
		CustomerID: customerID,
		Status:     "active",
		StartDate:  start,
		Items: []SubscriptionItem{{
			ID: "si_" + id, PriceID: priceID, UnitAmount: testPrices[priceID],
			PeriodStart: start, PeriodEnd: end,
		}},
	}
	g.subs[id] = ps
	return ps
}

func copySub(ps *ProviderSubscription) *ProviderSubscription {
	c := *ps
	c.Items = append([]SubscriptionItem(nil), ps.Items...)
	return &c
}

func (g *fakeGateway) GetOrCreateCustomer(_ context.Context, in CustomerInput) (*CustomerRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("GetOrCreateCustomer"); err != nil {
		return nil, err
	}
	g.customerCalls++
	if in.ExistingID != "" {
		return &CustomerRef{ID: in.ExistingID, Email: in.Email}, nil
	}
	return &CustomerRef{ID: fmt.Sprintf("cus_%d", in.UserID), Email: in.Email, Balance: -250}, nil
}

func (g *fakeGateway) AttachPaymentMethod(_ context.Context, customerID, paymentMethodID string) (*PaymentMethodRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("AttachPaymentMethod"); err != nil {
		return nil, err
	}
	return &PaymentMethodRef{ID: paymentMethodID, Brand: "visa", Last4: "4242"}, nil
}

func (g *fakeGateway) RetrievePaymentMethod(_ context.Context, paymentMethodID string) (*PaymentMethodRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("RetrievePaymentMethod"); err != nil {
		return nil, err
	}
	return &PaymentMethodRef{ID: paymentMethodID, Brand: "visa", Last4: "1881"}, nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, in CreateSubscriptionParams) (*ProviderSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("CreateSubscription"); err != nil {
		return nil, err
	}
	g.createdSubs = append(g.createdSubs, in)
	id := g.nextID("sub")
	ps := &ProviderSubscription{
		ID:               id,
		CustomerID:       in.CustomerID,
		Status:           g.subStatus,
		StartDate:        g.now,
		Metadata:         in.Metadata,
		LatestInvoiceID:  "in_" + id,
		HostedInvoiceURL: "https://invoice.example/" + id,
		Items: []SubscriptionItem{{
			ID: "si_" + id, PriceID: in.PriceID, UnitAmount: testPrices[in.PriceID],
			PeriodStart: g.now, PeriodEnd: periodFor(in.PriceID, g.now),
		}},
	}
	g.subs[id] = ps
	return copySub(ps), nil
}

func (g *fakeGateway) RetrieveSubscription(_ context.Context, id string) (*ProviderSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("RetrieveSubscription"); err != nil {
		return nil, err
	}
	ps, ok := g.subs[id]
	if !ok {
		return nil, notFoundErr("retrieve_subscription")
	}
	return copySub(ps), nil
}

func (g *fakeGateway) ModifySubscription(_ context.Context, id string, in ModifySubscriptionParams) (*ProviderSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("ModifySubscription"); err != nil {
		return nil, err
	}
	g.modified = append(g.modified, in)
	ps, ok := g.subs[id]
	if !ok {
		return nil, notFoundErr("modify_subscription")
	}
	if in.CancelAtPeriodEnd != nil {
		ps.CancelAtPeriodEnd = *in.CancelAtPeriodEnd
	}
	for _, ch := range in.Items {
		for i := range ps.Items {
			if ps.Items[i].ID == ch.ID {
				ps.Items[i].PriceID = ch.PriceID
				ps.Items[i].UnitAmount = testPrices[ch.PriceID]
				if in.BillingCycleAnchorNow {
					ps.Items[i].PeriodStart = g.now
					ps.Items[i].PeriodEnd = periodFor(ch.PriceID, g.now)
				}
			}
		}
	}
	return copySub(ps), nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, id string) (*ProviderSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("CancelSubscription"); err != nil {
		return nil, err
	}
	g.canceled = append(g.canceled, id)
	ps, ok := g.subs[id]
	if !ok {
		return nil, notFoundErr("cancel_subscription")
	}
	ps.Status = "canceled"
	return copySub(ps), nil
}

func (g *fakeGateway) CreateSubscriptionSchedule(_ context.Context, in ScheduleParams) (*ScheduleRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("CreateSubscriptionSchedule"); err != nil {
		return nil, err
	}
	g.schedules = append(g.schedules, in)
	return &ScheduleRef{ID: g.nextID("sub_sched"), Status: "not_started"}, nil
}

func (g *fakeGateway) ReleaseSchedule(_ context.Context, scheduleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("ReleaseSchedule"); err != nil {
		return err
	}
	g.released = append(g.released, scheduleID)
	return nil
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, in PaymentIntentParams) (*PaymentIntentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("CreatePaymentIntent"); err != nil {
		return nil, err
	}
	g.intentReqs = append(g.intentReqs, in)
	id := g.nextID("pi")
	pi := &PaymentIntentRef{
		ID:           id,
		Status:       g.intentStatus,
		ClientSecret: id + "_secret",
		Amount:       toMinorUnits(in.Amount),
		Metadata:     in.Metadata,
	}
	g.intents[id] = pi
	c := *pi
	return &c, nil
}

func (g *fakeGateway) RetrievePaymentIntent(_ context.Context, id string) (*PaymentIntentRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("RetrievePaymentIntent"); err != nil {
		return nil, err
	}
	pi, ok := g.intents[id]
	if !ok {
		return nil, notFoundErr("retrieve_payment_intent")
	}
	c := *pi
	return &c, nil
}

type sentNotification struct {
	UserID   uint
	Template string
	Data     map[string]interface{}
	RunAt    time.Time
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, user *models.User, template string, data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: user.ID, Template: template, Data: data})
}

func (n *recordingNotifier) NotifyAt(_ context.Context, user *models.User, template string, data map[string]interface{}, runAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: user.ID, Template: template, Data: data, RunAt: runAt})
	return nil
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Template)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	gw       *fakeGateway
	notifier *recordingNotifier
	svc      *Service
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewTestDB(t)
	gw := newFakeGateway(testNow)
	n := &recordingNotifier{}
	svc := NewServiceFromDB(db, gw, testCatalog(),
		WithNotifier(n),
		WithClock(func() time.Time { return testNow }),
	)
	return &fixture{db: db, gw: gw, notifier: n, svc: svc, rec: NewReconciler(svc)}
}

func (f *fixture) createUser(t *testing.T, name string, role entitlements.Level) *models.User {
	t.Helper()
	u := &models.User{
		Username:         name,
		Email:            name + "@example.com",
		Password:         "x",
		Role:             role,
		Status:           models.STATUS_ACTIVE,
		MonthlyLinkLimit: entitlements.MonthlyQuota(role),
	}
	require.NoError(t, f.db.Create(u).Error)
	return u
}

// activeSubscription links the user to a running provider subscription.
func (f *fixture) activeSubscription(t *testing.T, u *models.User, level entitlements.Level, priceID string, start, end time.Time) *models.Subscription {
	t.Helper()
	subID := "sub_" + u.Username
	customerID := "cus_" + u.Username
	f.gw.addSubscription(subID, customerID, priceID, start, end)

	require.NoError(t, f.db.Model(u).Updates(map[string]interface{}{
		"stripe_customer_id": customerID,
		"role":               level,
		"monthly_link_limit": entitlements.MonthlyQuota(level),
	}).Error)
	u.StripeCustomerID = customerID
	u.Role = level

	sub := &models.Subscription{
		UserID:               u.ID,
		Level:                level,
		Status:               models.SubscriptionActive,
		StartDate:            &start,
		EndDate:              &end,
		IsAutoRenew:          true,
		Price:                decimal.New(testPrices[priceID], -2),
		StripeSubscriptionID: subID,
	}
	require.NoError(t, f.db.Create(sub).Error)
	return sub
}

func (f *fixture) reloadUser(t *testing.T, id uint) *models.User {
	t.Helper()
	var u models.User
	require.NoError(t, f.db.First(&u, id).Error)
	return &u
}

func (f *fixture) reloadSubscription(t *testing.T, userID uint) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.db.Where("user_id = ?", userID).First(&sub).Error)
	return &sub
}
