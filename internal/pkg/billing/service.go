package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
	"github.com/ManuelReschke/sbily/internal/pkg/metrics"
)

const ProviderStripe = "stripe"

// Action result statuses.
const (
	StatusSuccess        = "success"
	StatusRequiresAction = "requires_action"
	StatusScheduled      = "scheduled"
	StatusPending        = "pending"
	StatusError          = "error"
)

// Notifier delivers user notifications. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, user *models.User, template string, data map[string]interface{})
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *models.User, string, map[string]interface{}) {}

// PackagePricing holds the unit prices of link packages.
type PackagePricing struct {
	Permanent decimal.Decimal
	Temporary decimal.Decimal
	Currency  string
}

// ActionResult is the synchronous outcome of a billing action.
type ActionResult struct {
	Status           string                 `json:"status"`
	Message          string                 `json:"message,omitempty"`
	HostedInvoiceURL string                 `json:"hosted_invoice_url,omitempty"`
	ClientSecret     string                 `json:"client_secret,omitempty"`
	Subscription     *models.Subscription   `json:"subscription,omitempty"`
	Discount         *entitlements.Discount `json:"discount,omitempty"`
	Package          *models.LinkPackage    `json:"package,omitempty"`
}

// Service runs user initiated subscription transitions. Each operation validates,
// calls the provider, then applies the provider's answer in a locked transaction.
// When a provider call fails nothing is written locally.
type Service struct {
	repo      Repository
	gateway   Gateway
	catalog   *Catalog
	notifier  Notifier
	packages  PackagePricing
	now       func() time.Time
	customers singleflight.Group
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPackagePricing(p PackagePricing) Option {
	return func(s *Service) { s.packages = p }
}

// NewService creates a billing service from an injected repository and gateway.
func NewService(repo Repository, gateway Gateway, catalog *Catalog, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		gateway:  gateway,
		catalog:  catalog,
		notifier: nopNotifier{},
		packages: PackagePricing{
			Permanent: decimal.RequireFromString("1.00"),
			Temporary: decimal.RequireFromString("2.00"),
			Currency:  "usd",
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gateway Gateway, catalog *Catalog, opts ...Option) *Service {
	return NewService(NewRepository(db), gateway, catalog, opts...)
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// CheckoutRequest starts a new paid subscription.
type CheckoutRequest struct {
	Plan            string `json:"plan" validate:"required"`
	Cycle           string `json:"cycle" validate:"required"`
	PaymentMethodID string `json:"payment_method_id" validate:"required"`
}

// PlanChangeRequest moves an existing subscription to another plan or cycle.
type PlanChangeRequest struct {
	Plan  string `json:"plan" validate:"required"`
	Cycle string `json:"cycle" validate:"required"`
}

func (s *Service) parsePlan(plan, cycle string) (entitlements.Level, entitlements.Cycle, error) {
	level, err := entitlements.ParseLevel(plan)
	if err != nil || !(level.IsPaid() || level == entitlements.LevelFree) {
		return "", "", invalid("plan", "Invalid plan selected")
	}
	c, err := entitlements.ParseCycle(cycle)
	if err != nil {
		return "", "", invalid("cycle", "Invalid plan cycle selected")
	}
	return level, c, nil
}

func (s *Service) priceFor(level entitlements.Level, cycle entitlements.Cycle) (string, error) {
	price, ok := s.catalog.PriceRef(level, cycle)
	if !ok {
		return "", invalid("plan", "Invalid plan selected")
	}
	return price, nil
}

// Checkout creates the provider subscription for a user without an active one.
func (s *Service) Checkout(ctx context.Context, userID uint, req CheckoutRequest) (res *ActionResult, err error) {
	defer func() { s.track("checkout", res, err) }()

	level, cycle, err := s.parsePlan(req.Plan, req.Cycle)
	if err != nil {
		return nil, err
	}
	if !level.IsPaid() {
		return nil, invalid("plan", "Invalid plan selected")
	}
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return nil, invalid("payment_method_id", "A payment method is required")
	}
	price, err := s.priceFor(level, cycle)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if current, err := s.repo.GetSubscriptionByUser(ctx, userID); err == nil {
		if current.IsActive(now) {
			if current.Level == level && current.Cycle() == cycle {
				return nil, invalid("plan", "You already have this plan")
			}
			return nil, invalid("plan", "You already have an active subscription, change the plan instead")
		}
		// A past_due or incomplete subscription is still billed by the provider.
		if current.HasOpenProviderSubscription() {
			return nil, invalid("subscription", "Your current subscription has an open payment, update the payment method or cancel it first")
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	customer, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	if _, err := s.attachPaymentMethod(ctx, user, customer.ID, req.PaymentMethodID); err != nil {
		return nil, err
	}

	ps, err := s.gateway.CreateSubscription(ctx, CreateSubscriptionParams{
		CustomerID: customer.ID,
		PriceID:    price,
		Metadata: map[string]string{
			"user_id": strconv.FormatUint(uint64(user.ID), 10),
			"plan":    string(level),
			"cycle":   string(cycle),
		},
		IdempotencyKey: "checkout-" + uuid.NewString(),
	})
	if err != nil {
		log.Errorf("[Billing] Checkout for user %d failed: %v", userID, err)
		return nil, err
	}

	var sub *models.Subscription
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		sub, err = tx.LockSubscriptionByUser(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			sub = &models.Subscription{UserID: userID, Status: models.SubscriptionIncomplete}
		} else if err != nil {
			return err
		}
		sub.StripeSubscriptionID = ps.ID
		sub.StripeSubscriptionScheduleID = ""
		sub.Level = level
		sub.IsAutoRenew = !ps.CancelAtPeriodEnd
		if p, ok := ps.Price(); ok {
			sub.Price = p
		}
		start, end := ps.Period()
		if start == nil {
			start = &now
		}
		sub.SetPeriod(start, end)

		if target := MapProviderStatus(ps.Status); target == models.SubscriptionActive {
			if _, err := sub.Activate(level, start, end); err != nil {
				return err
			}
			// A new provider subscription always starts a new paid period,
			// even when the local row was already active.
			u.ChoosePlan(level, now)
		} else if _, err := sub.MarkIncomplete(); err != nil {
			log.Warnf("[Billing] Subscription %s for user %d stays %s: %v", ps.ID, userID, sub.Status, err)
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	res = &ActionResult{Status: StatusSuccess, Subscription: sub}
	switch sub.Status {
	case models.SubscriptionActive:
		res.Message = "Subscription created successfully"
	case models.SubscriptionIncomplete:
		res.Status = StatusRequiresAction
		res.Message = "Please confirm the payment to activate your subscription"
		res.HostedInvoiceURL = ps.HostedInvoiceURL
	default:
		res.Status = StatusPending
	}
	log.Infof("[Billing] Checkout user=%d plan=%s cycle=%s status=%s", userID, level, cycle, sub.Status)
	return res, nil
}

// ChangePlan upgrades immediately or schedules a downgrade / cycle change for
// the end of the paid period. Choosing free schedules the end of the
// subscription without a follow-up phase.
func (s *Service) ChangePlan(ctx context.Context, userID uint, req PlanChangeRequest) (res *ActionResult, err error) {
	defer func() { s.track("change_plan", res, err) }()

	level, cycle, err := s.parsePlan(req.Plan, req.Cycle)
	if err != nil {
		return nil, err
	}
	var price string
	if level.IsPaid() {
		if price, err = s.priceFor(level, cycle); err != nil {
			return nil, err
		}
	}
	user, sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if level == entitlements.LevelFree {
		return s.downgradeOrChangeCycle(ctx, user, sub, level, cycle, "")
	}
	if sub.Level == level && sub.Cycle() == cycle {
		return nil, invalid("plan", "You already have this plan")
	}
	if entitlements.IsUpgrade(sub.Level, level) {
		return s.upgrade(ctx, user, sub, level, cycle, price)
	}
	return s.downgradeOrChangeCycle(ctx, user, sub, level, cycle, price)
}

func (s *Service) upgrade(ctx context.Context, user *models.User, sub *models.Subscription, level entitlements.Level, cycle entitlements.Cycle, price string) (*ActionResult, error) {
	now := s.now()
	current, err := s.gateway.RetrieveSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	item, ok := current.PrimaryItem()
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s has no items", ErrInvalidEvent, current.ID)
	}
	if sub.HasPendingSchedule() {
		if err := s.releaseSchedule(ctx, sub.StripeSubscriptionScheduleID); err != nil {
			return nil, err
		}
	}

	var discount *entitlements.Discount
	if d, ok := entitlements.UnusedDiscount(sub.Price, sub.Cycle(), *sub.EndDate, now); ok {
		discount = &d
	}
	proration := entitlements.UpgradeProration(sub.Cycle(), *sub.EndDate, now)
	keep := false
	ps, err := s.gateway.ModifySubscription(ctx, sub.StripeSubscriptionID, ModifySubscriptionParams{
		CancelAtPeriodEnd:     &keep,
		Items:                 []ItemChange{{ID: item.ID, PriceID: price}},
		ProrationBehavior:     proration.Behavior,
		BillingCycleAnchorNow: proration.AnchorNow,
		Metadata:              map[string]string{"plan": string(level), "cycle": string(cycle)},
		IdempotencyKey:        "upgrade-" + uuid.NewString(),
	})
	if err != nil {
		log.Errorf("[Billing] Upgrade for user %d failed: %v", user.ID, err)
		return nil, err
	}

	var updated *models.Subscription
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		locked, err := tx.LockSubscriptionByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		u, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return err
		}
		locked.StripeSubscriptionScheduleID = ""
		locked.IsAutoRenew = !ps.CancelAtPeriodEnd
		if p, ok := ps.Price(); ok {
			locked.Price = p
		}
		locked.SetPeriod(ps.Period())
		if MapProviderStatus(ps.Status) == models.SubscriptionActive && locked.Status == models.SubscriptionActive && locked.Level != level {
			locked.Level = level
			u.ChoosePlan(level, now)
		}
		updated = locked
		if err := tx.SaveSubscription(ctx, locked); err != nil {
			return err
		}
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Upgrade user=%d to %s/%s proration=%s", user.ID, level, cycle, proration.Behavior)
	return &ActionResult{
		Status:       StatusSuccess,
		Message:      "Your plan has been upgraded",
		Subscription: updated,
		Discount:     discount,
	}, nil
}

// downgradeOrChangeCycle keeps the paid plan until the period ends and lets a
// subscription schedule start the new plan afterwards. The level never changes
// here. An empty price means free: the schedule is attached to the current
// subscription and released when it ends.
func (s *Service) downgradeOrChangeCycle(ctx context.Context, user *models.User, sub *models.Subscription, level entitlements.Level, cycle entitlements.Cycle, price string) (*ActionResult, error) {
	if sub.HasPendingSchedule() {
		if err := s.releaseSchedule(ctx, sub.StripeSubscriptionScheduleID); err != nil {
			return nil, err
		}
	}

	cancelAtEnd := true
	ps, err := s.gateway.ModifySubscription(ctx, sub.StripeSubscriptionID, ModifySubscriptionParams{
		CancelAtPeriodEnd: &cancelAtEnd,
		IdempotencyKey:    "downgrade-cancel-" + uuid.NewString(),
	})
	if err != nil {
		log.Errorf("[Billing] Downgrade for user %d failed: %v", user.ID, err)
		return nil, err
	}
	customerID := ps.CustomerID
	if customerID == "" {
		customerID = user.StripeCustomerID
	}
	params := ScheduleParams{
		CustomerID:     customerID,
		StartAt:        *sub.EndDate,
		EndBehavior:    ScheduleEndRelease,
		IdempotencyKey: "downgrade-schedule-" + uuid.NewString(),
	}
	if price == "" {
		params.FromSubscription = sub.StripeSubscriptionID
	} else {
		params.Phases = []SchedulePhase{{
			PriceID:    price,
			Quantity:   1,
			Iterations: 1,
			Metadata: map[string]string{
				"user_id": strconv.FormatUint(uint64(user.ID), 10),
				"plan":    string(level),
				"cycle":   string(cycle),
			},
		}}
	}
	sched, err := s.gateway.CreateSubscriptionSchedule(ctx, params)
	if err != nil {
		log.Errorf("[Billing] Schedule for user %d failed, restoring renewal: %v", user.ID, err)
		keep := false
		if _, rerr := s.gateway.ModifySubscription(ctx, sub.StripeSubscriptionID, ModifySubscriptionParams{
			CancelAtPeriodEnd: &keep,
			IdempotencyKey:    "downgrade-restore-" + uuid.NewString(),
		}); rerr != nil {
			log.Errorf("[Billing] Restoring renewal for %s failed: %v", sub.StripeSubscriptionID, rerr)
		}
		return nil, err
	}

	var updated *models.Subscription
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		locked, err := tx.LockSubscriptionByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		locked.StripeSubscriptionScheduleID = sched.ID
		locked.IsAutoRenew = false
		updated = locked
		return tx.SaveSubscription(ctx, locked)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Scheduled change user=%d to %s/%s at %s schedule=%s", user.ID, level, cycle, sub.EndDate.Format(time.RFC3339), sched.ID)
	msg := fmt.Sprintf("Your plan changes to %s (%s) on %s", level, cycle, sub.EndDate.Format("2006-01-02"))
	if price == "" {
		msg = fmt.Sprintf("Your subscription ends on %s, then you move to the free plan", sub.EndDate.Format("2006-01-02"))
	}
	return &ActionResult{
		Status:       StatusScheduled,
		Message:      msg,
		Subscription: updated,
	}, nil
}

// Cancel stops renewal at the end of the paid period. Status stays active until
// the provider reports the end of the subscription.
func (s *Service) Cancel(ctx context.Context, userID uint) (res *ActionResult, err error) {
	defer func() { s.track("cancel", res, err) }()

	_, sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.HasPendingSchedule() {
		if err := s.releaseSchedule(ctx, sub.StripeSubscriptionScheduleID); err != nil {
			return nil, err
		}
	}
	cancelAtEnd := true
	if _, err := s.gateway.ModifySubscription(ctx, sub.StripeSubscriptionID, ModifySubscriptionParams{
		CancelAtPeriodEnd: &cancelAtEnd,
		IdempotencyKey:    "cancel-" + uuid.NewString(),
	}); err != nil {
		log.Errorf("[Billing] Cancel for user %d failed: %v", userID, err)
		return nil, err
	}

	var updated *models.Subscription
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		locked, err := tx.LockSubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		locked.IsAutoRenew = false
		locked.StripeSubscriptionScheduleID = ""
		updated = locked
		return tx.SaveSubscription(ctx, locked)
	})
	if err != nil {
		return nil, err
	}
	return &ActionResult{
		Status:       StatusSuccess,
		Message:      "Your subscription will end at the end of the current period",
		Subscription: updated,
	}, nil
}

// CancelImmediately ends the subscription now and revokes the plan.
func (s *Service) CancelImmediately(ctx context.Context, userID uint) (res *ActionResult, err error) {
	defer func() { s.track("cancel_immediately", res, err) }()

	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid("subscription", "No subscription to cancel")
	} else if err != nil {
		return nil, err
	}
	if err := s.cancelProviderSubscription(ctx, sub); err != nil {
		return nil, err
	}

	var updated *models.Subscription
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		locked, err := tx.LockSubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.cancelLocked(ctx, tx, locked, u); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] Subscription of user %d canceled immediately", userID)
	return &ActionResult{Status: StatusSuccess, Message: "Your subscription has been canceled", Subscription: updated}, nil
}

// Resume turns renewal back on for a subscription canceled at period end.
func (s *Service) Resume(ctx context.Context, userID uint) (res *ActionResult, err error) {
	defer func() { s.track("resume", res, err) }()

	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid("subscription", "No subscription to resume")
	} else if err != nil {
		return nil, err
	}
	now := s.now()
	if sub.IsAutoRenew || sub.EndDate == nil || !now.Before(*sub.EndDate) || sub.Status != models.SubscriptionActive || sub.StripeSubscriptionID == "" {
		return nil, invalid("subscription", "This subscription cannot be resumed")
	}
	if sub.HasPendingSchedule() {
		if err := s.releaseSchedule(ctx, sub.StripeSubscriptionScheduleID); err != nil {
			return nil, err
		}
	}
	keep := false
	if _, err := s.gateway.ModifySubscription(ctx, sub.StripeSubscriptionID, ModifySubscriptionParams{
		CancelAtPeriodEnd: &keep,
		IdempotencyKey:    "resume-" + uuid.NewString(),
	}); err != nil {
		log.Errorf("[Billing] Resume for user %d failed: %v", userID, err)
		return nil, err
	}

	var updated *models.Subscription
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		locked, err := tx.LockSubscriptionByUser(ctx, userID)
		if err != nil {
			return err
		}
		locked.IsAutoRenew = true
		locked.StripeSubscriptionScheduleID = ""
		updated = locked
		return tx.SaveSubscription(ctx, locked)
	})
	if err != nil {
		return nil, err
	}
	return &ActionResult{Status: StatusSuccess, Message: "Your subscription has been resumed", Subscription: updated}, nil
}

// UpdatePaymentMethod makes pmID the customer's default payment method.
func (s *Service) UpdatePaymentMethod(ctx context.Context, userID uint, paymentMethodID string) (res *ActionResult, err error) {
	defer func() { s.track("update_payment_method", res, err) }()

	if strings.TrimSpace(paymentMethodID) == "" {
		return nil, invalid("payment_method_id", "A payment method is required")
	}
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	customer, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	if _, err := s.attachPaymentMethod(ctx, user, customer.ID, paymentMethodID); err != nil {
		return nil, err
	}
	return &ActionResult{Status: StatusSuccess, Message: "Payment method updated"}, nil
}

// Overview is what the plan page shows.
type Overview struct {
	Entitlement    entitlements.Entitlement `json:"entitlement"`
	RemainingQuota int                      `json:"remaining_quota"`
	LinksUsed      int                      `json:"links_used"`
	Subscription   *models.Subscription     `json:"subscription,omitempty"`
	Cycle          entitlements.Cycle       `json:"cycle,omitempty"`
	Discount       *entitlements.Discount   `json:"upgrade_discount,omitempty"`
	CardLastFour   string                   `json:"card_last_four_digits,omitempty"`
	Plans          []PlanKey                `json:"plans"`
}

func (s *Service) Overview(ctx context.Context, userID uint) (*Overview, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := s.now()
	ov := &Overview{
		Entitlement:    user.Entitlement(sub, now),
		RemainingQuota: user.RemainingQuota(),
		LinksUsed:      user.MonthlyLimitLinksUsed,
		CardLastFour:   user.CardLastFourDigits,
		Plans:          s.catalog.Plans(),
	}
	if sub != nil {
		ov.Subscription = sub
		ov.Cycle = sub.Cycle()
		ov.Discount = s.discountFor(sub, now)
	}
	return ov, nil
}

// PreviewUpgradeDiscount returns the advisory credit for the unused part of a
// yearly plan. The provider computes the binding proration.
func (s *Service) PreviewUpgradeDiscount(ctx context.Context, userID uint) (*entitlements.Discount, error) {
	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.discountFor(sub, s.now()), nil
}

func (s *Service) discountFor(sub *models.Subscription, now time.Time) *entitlements.Discount {
	if !sub.IsActive(now) {
		return nil
	}
	if d, ok := entitlements.UnusedDiscount(sub.Price, sub.Cycle(), *sub.EndDate, now); ok {
		return &d
	}
	return nil
}

// ListPayments returns the user's payment ledger, newest first.
func (s *Service) ListPayments(ctx context.Context, userID uint, limit int) ([]models.Payment, error) {
	return s.repo.ListPayments(ctx, userID, limit)
}

func (s *Service) activeSubscription(ctx context.Context, userID uint) (*models.User, *models.Subscription, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, invalid("subscription", "No active subscription")
	} else if err != nil {
		return nil, nil, err
	}
	if !sub.IsActive(s.now()) || sub.StripeSubscriptionID == "" {
		return nil, nil, invalid("subscription", "No active subscription")
	}
	return user, sub, nil
}

// ensureCustomer returns the provider customer of a user, creating it once.
// Concurrent calls for the same user share one provider round trip.
func (s *Service) ensureCustomer(ctx context.Context, user *models.User) (*CustomerRef, error) {
	key := strconv.FormatUint(uint64(user.ID), 10)
	v, err, _ := s.customers.Do(key, func() (interface{}, error) {
		ref, err := s.gateway.GetOrCreateCustomer(ctx, CustomerInput{
			UserID:     user.ID,
			ExistingID: user.StripeCustomerID,
			Email:      user.Email,
			Name:       user.Username,
		})
		if err != nil {
			return nil, err
		}
		if ref.ID != user.StripeCustomerID {
			err = s.repo.Transaction(ctx, func(tx Repository) error {
				u, err := tx.LockUser(ctx, user.ID)
				if err != nil {
					return err
				}
				u.StripeCustomerID = ref.ID
				u.CustomerBalance = fromMinorUnits(ref.Balance)
				return tx.UpdateUserBillingCache(ctx, u)
			})
			if err != nil {
				return nil, err
			}
		}
		return ref, nil
	})
	if err != nil {
		return nil, err
	}
	ref := v.(*CustomerRef)
	user.StripeCustomerID = ref.ID
	return ref, nil
}

func (s *Service) attachPaymentMethod(ctx context.Context, user *models.User, customerID, paymentMethodID string) (*PaymentMethodRef, error) {
	pm, err := s.gateway.AttachPaymentMethod(ctx, customerID, paymentMethodID)
	if err != nil {
		return nil, err
	}
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		u, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return err
		}
		u.CardLastFourDigits = pm.Last4
		return tx.UpdateUserBillingCache(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	user.CardLastFourDigits = pm.Last4
	return pm, nil
}

func (s *Service) releaseSchedule(ctx context.Context, scheduleID string) error {
	if err := s.gateway.ReleaseSchedule(ctx, scheduleID); err != nil && !errors.Is(err, ErrProviderNotFound) {
		return err
	}
	return nil
}

// cancelProviderSubscription releases a pending schedule and deletes the provider
// subscription. Objects the provider no longer knows count as done.
func (s *Service) cancelProviderSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.HasPendingSchedule() {
		if err := s.releaseSchedule(ctx, sub.StripeSubscriptionScheduleID); err != nil {
			return err
		}
	}
	if sub.StripeSubscriptionID == "" {
		return nil
	}
	if _, err := s.gateway.CancelSubscription(ctx, sub.StripeSubscriptionID); err != nil && !errors.Is(err, ErrProviderNotFound) {
		log.Errorf("[Billing] Cancel of provider subscription %s failed: %v", sub.StripeSubscriptionID, err)
		return err
	}
	return nil
}

// cancelLocked marks a locked subscription canceled and revokes the plan.
func (s *Service) cancelLocked(ctx context.Context, tx Repository, sub *models.Subscription, u *models.User) error {
	sub.StripeSubscriptionScheduleID = ""
	effect, err := sub.Cancel()
	if err != nil {
		log.Warnf("[Billing] Subscription %d stays %s: %v", sub.ID, sub.Status, err)
	}
	applyEffect(u, effect, sub.Level, s.now())
	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	return tx.SaveUser(ctx, u)
}

func applyEffect(u *models.User, effect models.EntitlementEffect, level entitlements.Level, now time.Time) {
	switch effect {
	case models.EffectGrant:
		u.ChoosePlan(level, now)
	case models.EffectRevoke:
		u.DowngradeToFree()
	}
}

func (s *Service) track(action string, res *ActionResult, err error) {
	status := StatusError
	switch {
	case err != nil && IsValidation(err):
		status = "invalid"
	case err == nil && res != nil:
		status = res.Status
	}
	metrics.BillingActionsTotal.WithLabelValues(action, status).Inc()
}

// MapProviderStatus translates a provider subscription status.
func MapProviderStatus(status string) models.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return models.SubscriptionActive
	case "past_due", "paused":
		return models.SubscriptionPastDue
	case "canceled":
		return models.SubscriptionCanceled
	case "incomplete_expired", "unpaid":
		return models.SubscriptionExpired
	default:
		return models.SubscriptionIncomplete
	}
}
