package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
	"github.com/ManuelReschke/sbily/internal/pkg/mail"
	"github.com/ManuelReschke/sbily/internal/pkg/metrics"
)

const eventSubscriptionDeleted = "customer.subscription.deleted"

// Reconciliation outcomes.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
)

// Result is the outcome of one provider event.
type Result struct {
	Status    string `json:"status"`
	EventType string `json:"event_type"`
}

type handlerFunc func(ctx context.Context, ev Event) (string, error)

// Reconciler applies provider events to local state. Handlers are safe to run
// concurrently and more than once for the same event.
type Reconciler struct {
	svc      *Service
	handlers map[string]handlerFunc
}

func NewReconciler(svc *Service) *Reconciler {
	r := &Reconciler{svc: svc}
	r.handlers = map[string]handlerFunc{
		"invoice.payment_succeeded":       r.invoicePaymentSucceeded,
		"invoice.paid":                    r.invoicePaymentSucceeded,
		"invoice.payment_failed":          r.invoicePaymentFailed,
		"invoice.voided":                  r.invoicePaymentFailed,
		"invoice.payment_action_required": r.invoiceActionRequired,
		"customer.subscription.created":   r.subscriptionCreated,
		"customer.subscription.updated":   r.subscriptionUpdated,
		eventSubscriptionDeleted:          r.subscriptionDeleted,
		"customer.updated":                r.customerUpdated,
		"customer.deleted":                r.customerDeleted,
		"payment_intent.succeeded":        r.paymentIntentSucceeded,
		"payment_intent.payment_failed":   r.paymentIntentFailed,
	}
	return r
}

// Handles reports whether the event type has a handler.
func (r *Reconciler) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// HandleEvent dispatches one event. Unknown local references are logged and
// ignored; only infrastructure failures are returned so the job can be retried.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	start := time.Now()
	res := Result{Status: ResultIgnored, EventType: ev.Type}

	h, ok := r.handlers[ev.Type]
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, ResultIgnored).Inc()
		return res, nil
	}

	status, err := h(ctx, ev)
	metrics.WebhookDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, ErrReconciliationConflict):
		log.Warnf("[Reconciler] %s %s skipped: %v", ev.Type, ev.ID, err)
		res.Status = ResultIgnored
		err = nil
	case err != nil:
		log.Errorf("[Reconciler] %s %s failed: %v", ev.Type, ev.ID, err)
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, StatusError).Inc()
		return res, err
	default:
		res.Status = status
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, res.Status).Inc()
	return res, nil
}

// ProcessStoredEvent replays a persisted webhook event and records the outcome.
// Undecodable payloads are recorded as failed and not returned, retrying cannot fix them.
func (r *Reconciler) ProcessStoredEvent(ctx context.Context, webhookEventID uint) (Result, error) {
	stored, err := r.svc.repo.GetWebhookEvent(ctx, webhookEventID)
	if err != nil {
		return Result{}, err
	}
	if stored.Succeeded() {
		return Result{Status: ResultDuplicate, EventType: stored.EventType}, nil
	}
	ev, err := DecodeStoredEvent(stored.PayloadJSON)
	if err != nil {
		_ = r.svc.MarkWebhookProcessed(ctx, stored.ID, err)
		log.Errorf("[Reconciler] Stored event %d is not decodable: %v", stored.ID, err)
		return Result{Status: ResultIgnored, EventType: stored.EventType}, nil
	}
	res, err := r.HandleEvent(ctx, ev)
	if markErr := r.svc.MarkWebhookProcessed(ctx, stored.ID, err); markErr != nil {
		log.Errorf("[Reconciler] Could not mark event %d processed: %v", stored.ID, markErr)
	}
	return res, err
}

// RecordWebhookEvent persists webhook payloads idempotently. It returns false and
// the stored row when the event was seen before.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		ObjectID:        in.ObjectID,
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	if event.ObjectID == "" {
		if ev, err := DecodeStoredEvent(in.PayloadJSON); err == nil {
			event.ObjectID = ObjectID(ev.Data)
		}
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}

func conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrReconciliationConflict, fmt.Sprintf(format, args...))
}

func (r *Reconciler) subscriptionCreated(ctx context.Context, ev Event) (string, error) {
	ps, err := ParseSubscription(ev.Data)
	if err != nil {
		return "", err
	}
	return r.svc.applySubscriptionSnapshot(ctx, ps, true)
}

func (r *Reconciler) subscriptionUpdated(ctx context.Context, ev Event) (string, error) {
	ps, err := ParseSubscription(ev.Data)
	if err != nil {
		return "", err
	}
	return r.svc.applySubscriptionSnapshot(ctx, ps, false)
}

// applySubscriptionSnapshot mirrors a provider subscription onto the local row.
// A subscription created on the provider side is adopted by the customer's user.
func (s *Service) applySubscriptionSnapshot(ctx context.Context, ps *ProviderSubscription, created bool) (string, error) {
	now := s.now()
	var (
		notifyUser *models.User
		effect     models.EntitlementEffect
	)
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.LockSubscriptionByProviderID(ctx, ps.ID)
		if errors.Is(err, ErrNotFound) {
			sub, err = s.adoptSubscription(ctx, tx, ps, created)
		}
		if err != nil {
			return err
		}
		u, err := tx.LockUser(ctx, sub.UserID)
		if errors.Is(err, ErrNotFound) {
			return conflict("user %d of subscription %s not found", sub.UserID, ps.ID)
		} else if err != nil {
			return err
		}

		prevLevel := sub.Level
		level := s.resolveLevel(ctx, tx, ps, sub.Level)
		target := MapProviderStatus(ps.Status)
		if target == models.SubscriptionActive {
			effect, err = sub.Activate(level, nil, nil)
		} else {
			effect, err = sub.TransitionTo(target)
		}
		if err != nil {
			return conflict("subscription %s: %v", ps.ID, err)
		}

		sub.StripeSubscriptionID = ps.ID
		if ps.ScheduleID != "" {
			sub.StripeSubscriptionScheduleID = ps.ScheduleID
		}
		sub.IsAutoRenew = !ps.CancelAtPeriodEnd
		if p, ok := ps.Price(); ok {
			sub.Price = p
		}
		start, end := ps.Period()
		if start == nil && !ps.StartDate.IsZero() {
			sd := ps.StartDate
			start = &sd
		}
		sub.SetPeriod(start, end)

		switch {
		case effect != models.EffectNone:
			applyEffect(u, effect, sub.Level, now)
		case sub.Status == models.SubscriptionActive && (created || prevLevel != sub.Level):
			u.ChoosePlan(sub.Level, now)
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		notifyUser = u
		return nil
	})
	if err != nil {
		return "", err
	}
	if effect == models.EffectRevoke {
		s.notifier.Notify(ctx, notifyUser, mail.TemplateSubscriptionCanceled, nil)
	}
	log.Infof("[Reconciler] Subscription %s mirrored for user %d (status=%s)", ps.ID, notifyUser.ID, ps.Status)
	return ResultProcessed, nil
}

// adoptSubscription finds or creates the local row for a provider subscription
// that is not linked yet. Only creation events adopt, and never a subscription
// that has already ended or was reported deleted.
func (s *Service) adoptSubscription(ctx context.Context, tx Repository, ps *ProviderSubscription, created bool) (*models.Subscription, error) {
	if !created {
		return nil, conflict("subscription %s is not linked to a user", ps.ID)
	}
	switch MapProviderStatus(ps.Status) {
	case models.SubscriptionCanceled, models.SubscriptionExpired:
		return nil, conflict("subscription %s is %s", ps.ID, ps.Status)
	}
	deleted, err := tx.HasWebhookEvent(ctx, ProviderStripe, eventSubscriptionDeleted, ps.ID)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, conflict("subscription %s was deleted", ps.ID)
	}

	userID, err := s.userForSubscription(ctx, tx, ps)
	if err != nil {
		return nil, err
	}
	sub, err := tx.LockSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		log.Infof("[Reconciler] Creating local subscription for user %d from %s", userID, ps.ID)
		return &models.Subscription{UserID: userID, Status: models.SubscriptionIncomplete, IsAutoRenew: true}, nil
	} else if err != nil {
		return nil, err
	}
	sub.StripeSubscriptionScheduleID = ps.ScheduleID
	return sub, nil
}

func (s *Service) userForSubscription(ctx context.Context, tx Repository, ps *ProviderSubscription) (uint, error) {
	if u, err := tx.GetUserByCustomerID(ctx, ps.CustomerID); err == nil {
		return u.ID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if raw := ps.Metadata["user_id"]; raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			if u, err := tx.GetUser(ctx, uint(id)); err == nil {
				return u.ID, nil
			} else if !errors.Is(err, ErrNotFound) {
				return 0, err
			}
		}
	}
	return 0, conflict("no user for customer %q of subscription %s", ps.CustomerID, ps.ID)
}

// resolveLevel derives the plan from the price id, then the plan metadata.
func (s *Service) resolveLevel(ctx context.Context, tx Repository, ps *ProviderSubscription, fallback entitlements.Level) entitlements.Level {
	if item, ok := ps.PrimaryItem(); ok && item.PriceID != "" {
		if level, ok := s.levelForPrice(ctx, tx, item.PriceID); ok {
			return level
		}
	}
	if level, err := entitlements.ParseLevel(ps.Metadata["plan"]); err == nil && level.IsPaid() {
		return level
	}
	return fallback
}

func (s *Service) levelForPrice(ctx context.Context, tx Repository, priceID string) (entitlements.Level, bool) {
	if k, ok := s.catalog.Resolve(priceID); ok {
		return k.Level, true
	}
	m, err := tx.FindActivePlanMapping(ctx, ProviderStripe, priceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warnf("[Reconciler] Plan mapping lookup for %s failed: %v", priceID, err)
		}
		return "", false
	}
	return m.Level, m.Level.IsPaid()
}

// subscriptionDeleted revokes the plan and removes the local row. The row is
// not recreated without a new checkout.
func (r *Reconciler) subscriptionDeleted(ctx context.Context, ev Event) (string, error) {
	ps, err := ParseSubscription(ev.Data)
	if err != nil {
		return "", err
	}
	var user *models.User
	err = r.svc.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.LockSubscriptionByProviderID(ctx, ps.ID)
		if errors.Is(err, ErrNotFound) {
			return conflict("deleted subscription %s has no local record", ps.ID)
		} else if err != nil {
			return err
		}
		u, err := tx.LockUser(ctx, sub.UserID)
		if err != nil {
			return err
		}
		u.DowngradeToFree()
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		user = u
		return tx.DeleteSubscription(ctx, sub)
	})
	if err != nil {
		return "", err
	}
	r.svc.notifier.Notify(ctx, user, mail.TemplateSubscriptionCanceled, nil)
	log.Infof("[Reconciler] Subscription %s deleted, user %d downgraded to free", ps.ID, user.ID)
	return ResultProcessed, nil
}

// invoicePaymentSucceeded extends the paid period once per invoice. A replayed
// invoice finds its completed payment and changes nothing.
func (r *Reconciler) invoicePaymentSucceeded(ctx context.Context, ev Event) (string, error) {
	inv, err := ParseInvoice(ev.Data)
	if err != nil {
		return "", err
	}
	if inv.SubscriptionID == "" {
		return ResultIgnored, nil
	}
	s := r.svc
	now := s.now()
	status := ResultProcessed
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.LockSubscriptionByProviderID(ctx, inv.SubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return conflict("invoice %s for unknown subscription %s", inv.ID, inv.SubscriptionID)
		} else if err != nil {
			return err
		}
		payment := invoicePayment(sub.UserID, inv, models.PaymentCompleted, eventTime(ev, now))
		created, err := tx.GetOrCreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		if !created {
			if payment.IsCompleted() {
				status = ResultDuplicate
				return nil
			}
			payment.Complete()
			payment.Amount = fromMinorUnits(inv.AmountPaid)
			if err := tx.SavePayment(ctx, payment); err != nil {
				return err
			}
		}

		u, err := tx.LockUser(ctx, sub.UserID)
		if err != nil {
			return err
		}
		level := sub.Level
		var start, end *time.Time
		if line, ok := inv.SubscriptionLine(); ok {
			start, end = &line.PeriodStart, &line.PeriodEnd
			if line.PriceID != "" {
				if l, ok := s.levelForPrice(ctx, tx, line.PriceID); ok {
					level = l
				}
			}
		}
		prevLevel := sub.Level
		effect, err := sub.Activate(level, start, end)
		if err != nil {
			return conflict("invoice %s: %v", inv.ID, err)
		}
		if effect == models.EffectGrant || prevLevel != sub.Level {
			u.ChoosePlan(sub.Level, now)
		} else {
			u.ResetMonthlyLinkLimit(now)
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// invoicePaymentFailed treats a failed invoice as terminal: the provider
// subscription is canceled and the plan revoked.
func (r *Reconciler) invoicePaymentFailed(ctx context.Context, ev Event) (string, error) {
	inv, err := ParseInvoice(ev.Data)
	if err != nil {
		return "", err
	}
	if inv.SubscriptionID == "" {
		return ResultIgnored, nil
	}
	s := r.svc
	now := s.now()

	var snapshot models.Subscription
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.LockSubscriptionByProviderID(ctx, inv.SubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return conflict("invoice %s for unknown subscription %s", inv.ID, inv.SubscriptionID)
		} else if err != nil {
			return err
		}
		payment := invoicePayment(sub.UserID, inv, models.PaymentFailed, eventTime(ev, now))
		created, err := tx.GetOrCreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		if !created && !payment.IsCompleted() && payment.Status != models.PaymentFailed {
			payment.Fail()
			if err := tx.SavePayment(ctx, payment); err != nil {
				return err
			}
		}
		snapshot = *sub
		return nil
	})
	if err != nil {
		return "", err
	}
	if snapshot.Status == models.SubscriptionCanceled || snapshot.Status == models.SubscriptionExpired {
		return ResultDuplicate, nil
	}

	if err := s.cancelProviderSubscription(ctx, &snapshot); err != nil {
		return "", err
	}

	var user *models.User
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.LockSubscriptionByProviderID(ctx, inv.SubscriptionID)
		if errors.Is(err, ErrNotFound) {
			// Deleted by a concurrent customer.subscription.deleted.
			return nil
		} else if err != nil {
			return err
		}
		u, err := tx.LockUser(ctx, sub.UserID)
		if err != nil {
			return err
		}
		user = u
		return s.cancelLocked(ctx, tx, sub, u)
	})
	if err != nil {
		return "", err
	}
	if user != nil {
		s.notifier.Notify(ctx, user, mail.TemplatePaymentFailed, map[string]interface{}{
			"InvoiceURL": inv.HostedInvoiceURL,
			"Amount":     fromMinorUnits(inv.AmountDue).StringFixed(2),
		})
	}
	log.Infof("[Reconciler] Invoice %s failed, subscription %s canceled", inv.ID, inv.SubscriptionID)
	return ResultProcessed, nil
}

// invoiceActionRequired parks the subscription until the customer confirms the
// payment. Entitlements stay as they are.
func (r *Reconciler) invoiceActionRequired(ctx context.Context, ev Event) (string, error) {
	inv, err := ParseInvoice(ev.Data)
	if err != nil {
		return "", err
	}
	if inv.SubscriptionID == "" {
		return ResultIgnored, nil
	}
	s := r.svc
	now := s.now()
	var user *models.User
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.LockSubscriptionByProviderID(ctx, inv.SubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return conflict("invoice %s for unknown subscription %s", inv.ID, inv.SubscriptionID)
		} else if err != nil {
			return err
		}
		payment := invoicePayment(sub.UserID, inv, models.PaymentPending, eventTime(ev, now))
		created, err := tx.GetOrCreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		if !created && payment.Status != models.PaymentPending {
			payment.MarkPending()
			if err := tx.SavePayment(ctx, payment); err != nil {
				return err
			}
		}
		if _, err := sub.MarkIncomplete(); err != nil {
			log.Warnf("[Reconciler] Subscription %s stays %s: %v", sub.StripeSubscriptionID, sub.Status, err)
			return nil
		}
		if u, err := tx.GetUser(ctx, sub.UserID); err == nil {
			user = u
		}
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return "", err
	}
	if user != nil {
		s.notifier.Notify(ctx, user, mail.TemplatePaymentActionRequired, map[string]interface{}{
			"InvoiceURL": inv.HostedInvoiceURL,
		})
	}
	return ResultProcessed, nil
}

func invoicePayment(userID uint, inv *Invoice, status models.PaymentStatus, at time.Time) *models.Payment {
	amount := inv.AmountPaid
	if status != models.PaymentCompleted {
		amount = inv.AmountDue
	}
	return &models.Payment{
		UserID:        userID,
		Amount:        fromMinorUnits(amount),
		Status:        status,
		PaymentType:   models.PaymentTypeSubscription,
		Description:   "Subscription invoice " + inv.ID,
		TransactionID: inv.ID,
		InvoiceURL:    inv.HostedInvoiceURL,
		PaymentDate:   at,
	}
}

func eventTime(ev Event, now time.Time) time.Time {
	if ev.Created.IsZero() {
		return now
	}
	return ev.Created
}

// customerUpdated refreshes the cached card and balance. Entitlements are never touched.
func (r *Reconciler) customerUpdated(ctx context.Context, ev Event) (string, error) {
	c, err := ParseCustomer(ev.Data)
	if err != nil {
		return "", err
	}
	s := r.svc
	user, err := s.repo.GetUserByCustomerID(ctx, c.ID)
	if errors.Is(err, ErrNotFound) {
		return "", conflict("no user for customer %s", c.ID)
	} else if err != nil {
		return "", err
	}

	last4 := ""
	if c.DefaultPaymentMethod != "" {
		pm, err := s.gateway.RetrievePaymentMethod(ctx, c.DefaultPaymentMethod)
		if err != nil {
			log.Warnf("[Reconciler] Payment method %s of customer %s not retrieved: %v", c.DefaultPaymentMethod, c.ID, err)
		} else {
			last4 = pm.Last4
		}
	}

	err = s.repo.Transaction(ctx, func(tx Repository) error {
		u, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return err
		}
		u.CustomerBalance = fromMinorUnits(c.Balance)
		if last4 != "" {
			u.CardLastFourDigits = last4
		}
		return tx.UpdateUserBillingCache(ctx, u)
	})
	if err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

func (r *Reconciler) customerDeleted(ctx context.Context, ev Event) (string, error) {
	c, err := ParseCustomer(ev.Data)
	if err != nil {
		return "", err
	}
	s := r.svc
	user, err := s.repo.GetUserByCustomerID(ctx, c.ID)
	if errors.Is(err, ErrNotFound) {
		return "", conflict("no user for customer %s", c.ID)
	} else if err != nil {
		return "", err
	}
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		u, err := tx.LockUser(ctx, user.ID)
		if err != nil {
			return err
		}
		u.StripeCustomerID = ""
		u.CardLastFourDigits = ""
		u.CustomerBalance = fromMinorUnits(0)
		return tx.UpdateUserBillingCache(ctx, u)
	})
	if err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

func (r *Reconciler) paymentIntentSucceeded(ctx context.Context, ev Event) (string, error) {
	pi, err := ParsePaymentIntent(ev.Data)
	if err != nil {
		return "", err
	}
	if pi.Metadata["type"] != packageIntentType {
		return ResultIgnored, nil
	}
	_, credited, err := r.svc.creditPackage(ctx, pi.ID)
	if errors.Is(err, ErrNotFound) {
		return "", conflict("payment intent %s has no link package", pi.ID)
	} else if err != nil {
		return "", err
	}
	if !credited {
		return ResultDuplicate, nil
	}
	return ResultProcessed, nil
}

func (r *Reconciler) paymentIntentFailed(ctx context.Context, ev Event) (string, error) {
	pi, err := ParsePaymentIntent(ev.Data)
	if err != nil {
		return "", err
	}
	if pi.Metadata["type"] != packageIntentType {
		return ResultIgnored, nil
	}
	err = r.svc.failPackagePayment(ctx, pi.ID)
	if errors.Is(err, ErrNotFound) {
		return "", conflict("payment intent %s has no payment", pi.ID)
	} else if err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

// SyncFromProvider pulls the user's provider subscription and mirrors it. A
// subscription the provider no longer knows is treated as deleted.
func (s *Service) SyncFromProvider(ctx context.Context, userID uint) (string, error) {
	sub, err := s.repo.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ResultIgnored, nil
	} else if err != nil {
		return "", err
	}
	if sub.StripeSubscriptionID == "" {
		return ResultIgnored, nil
	}
	ps, err := s.gateway.RetrieveSubscription(ctx, sub.StripeSubscriptionID)
	if errors.Is(err, ErrProviderNotFound) {
		err = s.repo.Transaction(ctx, func(tx Repository) error {
			locked, err := tx.LockSubscriptionByUser(ctx, userID)
			if err != nil {
				return err
			}
			u, err := tx.LockUser(ctx, userID)
			if err != nil {
				return err
			}
			u.DowngradeToFree()
			if err := tx.SaveUser(ctx, u); err != nil {
				return err
			}
			return tx.DeleteSubscription(ctx, locked)
		})
		if err != nil {
			return "", err
		}
		log.Infof("[Billing] Subscription %s is gone at the provider, user %d downgraded", sub.StripeSubscriptionID, userID)
		return ResultProcessed, nil
	} else if err != nil {
		return "", err
	}
	status, err := s.applySubscriptionSnapshot(ctx, ps, false)
	if errors.Is(err, ErrReconciliationConflict) {
		log.Warnf("[Billing] Sync for user %d skipped: %v", userID, err)
		return ResultIgnored, nil
	}
	return status, err
}
