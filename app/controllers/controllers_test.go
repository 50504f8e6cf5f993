package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/app/repository"
	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/database"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
	"github.com/ManuelReschke/sbily/internal/pkg/jobqueue"
	"github.com/ManuelReschke/sbily/internal/pkg/quota"
	"github.com/ManuelReschke/sbily/internal/pkg/usercontext"
)

const testWebhookSecret = "whsec_controller_test"

// downGateway fails every provider call.
type downGateway struct{}

func down(op string) error {
	return &billing.GatewayError{Op: op, Err: errors.New("connection refused")}
}

func (downGateway) GetOrCreateCustomer(context.Context, billing.CustomerInput) (*billing.CustomerRef, error) {
	return nil, down("customer")
}
func (downGateway) AttachPaymentMethod(context.Context, string, string) (*billing.PaymentMethodRef, error) {
	return nil, down("attach")
}
func (downGateway) RetrievePaymentMethod(context.Context, string) (*billing.PaymentMethodRef, error) {
	return nil, down("payment method")
}
func (downGateway) CreateSubscription(context.Context, billing.CreateSubscriptionParams) (*billing.ProviderSubscription, error) {
	return nil, down("create subscription")
}
func (downGateway) RetrieveSubscription(context.Context, string) (*billing.ProviderSubscription, error) {
	return nil, down("retrieve subscription")
}
func (downGateway) ModifySubscription(context.Context, string, billing.ModifySubscriptionParams) (*billing.ProviderSubscription, error) {
	return nil, down("modify subscription")
}
func (downGateway) CancelSubscription(context.Context, string) (*billing.ProviderSubscription, error) {
	return nil, down("cancel subscription")
}
func (downGateway) CreateSubscriptionSchedule(context.Context, billing.ScheduleParams) (*billing.ScheduleRef, error) {
	return nil, down("schedule")
}
func (downGateway) ReleaseSchedule(context.Context, string) error {
	return down("release")
}
func (downGateway) CreatePaymentIntent(context.Context, billing.PaymentIntentParams) (*billing.PaymentIntentRef, error) {
	return nil, down("payment intent")
}
func (downGateway) RetrievePaymentIntent(context.Context, string) (*billing.PaymentIntentRef, error) {
	return nil, down("retrieve payment intent")
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []*jobqueue.Job
	err  error
}

func (q *recordingQueue) EnqueueJob(_ context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	job := &jobqueue.Job{ID: "job-1", Type: jobType, Payload: payload}
	q.jobs = append(q.jobs, job)
	return job, nil
}

type testEnv struct {
	app   *fiber.App
	db    *gorm.DB
	svc   *billing.Service
	rec   *billing.Reconciler
	queue *recordingQueue
}

// newTestEnv wires the handlers behind a middleware that authenticates as the
// user id given in the X-User header.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := database.NewTestDB(t)
	catalog := billing.NewCatalog(map[billing.PlanKey]string{
		{Level: entitlements.LevelPremium, Cycle: entitlements.CycleMonthly}:  "price_pm",
		{Level: entitlements.LevelBusiness, Cycle: entitlements.CycleMonthly}: "price_bm",
	})
	svc := billing.NewServiceFromDB(db, downGateway{}, catalog)
	rec := billing.NewReconciler(svc)
	q := &recordingQueue{}

	app := fiber.New()
	app.Post("/webhooks/stripe", NewStripeWebhookController(svc, rec, q, testWebhookSecret).HandleWebhook)

	api := app.Group("/api", func(c *fiber.Ctx) error {
		id, _ := strconv.ParseUint(c.Get("X-User"), 10, 64)
		usercontext.Set(c, usercontext.UserContext{UserID: uint(id), IsLoggedIn: id != 0, IsAdmin: c.Get("X-Admin") == "1"})
		return c.Next()
	})
	bc := NewBillingController(svc)
	api.Get("/billing/subscription", bc.HandleOverview)
	api.Post("/billing/checkout", bc.HandleCheckout)
	api.Post("/billing/cancel", bc.HandleCancel)
	api.Post("/billing/payment-method", bc.HandleUpdatePaymentMethod)
	api.Get("/billing/payments", bc.HandlePayments)

	enforcer := quota.NewEnforcer(db, 30*24*time.Hour)
	lc := NewLinkController(enforcer, repository.NewLinkRepository(db), "https://sbi.ly/")
	api.Get("/quota", lc.HandleQuota)
	api.Post("/links", lc.HandleCreateLink)
	api.Get("/links", lc.HandleListLinks)

	ac := NewAdminController(rec, q)
	api.Post("/admin/billing/events/:id/replay", ac.HandleReplayEvent)
	api.Post("/admin/quota/reset", ac.HandleResetQuotas)

	return &testEnv{app: app, db: db, svc: svc, rec: rec, queue: q}
}

func (e *testEnv) createUser(t *testing.T, name string, limit int) *models.User {
	t.Helper()
	u := &models.User{
		Username:         name,
		Email:            name + "@example.com",
		Password:         "x",
		Role:             entitlements.LevelFree,
		Status:           models.STATUS_ACTIVE,
		MonthlyLinkLimit: limit,
		StripeCustomerID: "cus_" + name,
	}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

type response struct {
	Status int
	Body   map[string]interface{}
}

func (e *testEnv) do(t *testing.T, method, path string, userID uint, body string, headers ...string) response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("X-User", strconv.FormatUint(uint64(userID), 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{Status: resp.StatusCode, Body: map[string]interface{}{}}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(raw, &out.Body), string(raw))
	}
	return out
}
