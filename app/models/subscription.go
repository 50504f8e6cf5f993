package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionExpired    SubscriptionStatus = "expired"
)

var ErrInvalidTransition = errors.New("invalid subscription status transition")

// EntitlementEffect tells the caller what a status transition means for the user.
type EntitlementEffect int

const (
	EffectNone EntitlementEffect = iota
	EffectGrant
	EffectRevoke
)

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionIncomplete: {SubscriptionActive, SubscriptionCanceled, SubscriptionExpired},
	SubscriptionActive:     {SubscriptionPastDue, SubscriptionCanceled, SubscriptionExpired, SubscriptionIncomplete},
	SubscriptionPastDue:    {SubscriptionActive, SubscriptionCanceled, SubscriptionExpired, SubscriptionIncomplete},
	SubscriptionCanceled:   {SubscriptionActive, SubscriptionIncomplete},
	SubscriptionExpired:    {SubscriptionActive, SubscriptionIncomplete},
}

// ParseSubscriptionStatus validates a stored or submitted status.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	st := SubscriptionStatus(s)
	if _, ok := subscriptionTransitions[st]; !ok {
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is allowed. Staying put is always allowed.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range subscriptionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is the one-per-user billing relationship. Status only changes through
// the transition methods below; saving the row has no side effects.
type Subscription struct {
	ID                           uint               `gorm:"primaryKey" json:"id"`
	UserID                       uint               `gorm:"not null;uniqueIndex" json:"user_id"`
	Level                        entitlements.Level `gorm:"type:varchar(20);not null;default:'premium'" json:"level"`
	Status                       SubscriptionStatus `gorm:"type:varchar(20);not null;default:'incomplete';index" json:"status"`
	StartDate                    *time.Time         `gorm:"type:timestamp;default:null" json:"start_date,omitempty"`
	EndDate                      *time.Time         `gorm:"type:timestamp;default:null;index" json:"end_date,omitempty"`
	IsAutoRenew                  bool               `gorm:"not null" json:"is_auto_renew"`
	Price                        decimal.Decimal    `gorm:"type:decimal(10,2);not null;default:0" json:"price"`
	StripeSubscriptionID         string             `gorm:"type:varchar(191);default:'';index" json:"-"`
	StripeSubscriptionScheduleID string             `gorm:"type:varchar(191);default:''" json:"-"`
	CreatedAt                    time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                    time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// Cycle is yearly when the current period spans more than 35 days.
func (s *Subscription) Cycle() entitlements.Cycle {
	if s.StartDate == nil || s.EndDate == nil {
		return entitlements.CycleMonthly
	}
	return entitlements.CycleFor(*s.StartDate, *s.EndDate)
}

func (s *Subscription) IsActive(now time.Time) bool {
	return s.View().IsActive(now)
}

// View exposes the subscription to the entitlement calculator.
func (s *Subscription) View() entitlements.SubscriptionView {
	return entitlements.SubscriptionView{
		Level:   s.Level,
		Active:  s.Status == SubscriptionActive,
		EndDate: s.EndDate,
	}
}

// HasOpenProviderSubscription reports a provider subscription that is neither
// active nor ended, such as one waiting for a failed or unconfirmed payment.
func (s *Subscription) HasOpenProviderSubscription() bool {
	if s.StripeSubscriptionID == "" {
		return false
	}
	return s.Status == SubscriptionPastDue || s.Status == SubscriptionIncomplete
}

// HasPendingSchedule reports a scheduled plan or cycle change.
func (s *Subscription) HasPendingSchedule() bool {
	return s.StripeSubscriptionScheduleID != ""
}

// SetPeriod updates the paid period without touching the status.
func (s *Subscription) SetPeriod(start, end *time.Time) {
	if start != nil {
		s.StartDate = start
	}
	if end != nil {
		s.EndDate = end
	}
}

// Activate moves the subscription into active for the given plan and period.
// It grants when coming from any other status.
func (s *Subscription) Activate(level entitlements.Level, start, end *time.Time) (EntitlementEffect, error) {
	effect, err := s.transitionTo(SubscriptionActive)
	if err != nil {
		return EffectNone, err
	}
	if level != "" {
		s.Level = level
	}
	s.SetPeriod(start, end)
	return effect, nil
}

func (s *Subscription) MarkPastDue() (EntitlementEffect, error) {
	return s.transitionTo(SubscriptionPastDue)
}

func (s *Subscription) MarkIncomplete() (EntitlementEffect, error) {
	return s.transitionTo(SubscriptionIncomplete)
}

// Cancel ends the subscription and revokes the plan.
func (s *Subscription) Cancel() (EntitlementEffect, error) {
	effect, err := s.transitionTo(SubscriptionCanceled)
	if err == nil {
		s.IsAutoRenew = false
	}
	return effect, err
}

// Expire ends the subscription after an unpaid period and revokes the plan.
func (s *Subscription) Expire() (EntitlementEffect, error) {
	effect, err := s.transitionTo(SubscriptionExpired)
	if err == nil {
		s.IsAutoRenew = false
	}
	return effect, err
}

// TransitionTo routes to the transition method for the target status.
func (s *Subscription) TransitionTo(to SubscriptionStatus) (EntitlementEffect, error) {
	switch to {
	case SubscriptionActive:
		return s.Activate("", nil, nil)
	case SubscriptionPastDue:
		return s.MarkPastDue()
	case SubscriptionIncomplete:
		return s.MarkIncomplete()
	case SubscriptionCanceled:
		return s.Cancel()
	case SubscriptionExpired:
		return s.Expire()
	}
	return EffectNone, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
}

func (s *Subscription) transitionTo(to SubscriptionStatus) (EntitlementEffect, error) {
	from := s.Status
	if from == "" {
		from = SubscriptionIncomplete
	}
	if !CanTransition(from, to) {
		return EffectNone, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.Status = to
	if from == to {
		return EffectNone, nil
	}
	switch to {
	case SubscriptionActive:
		return EffectGrant, nil
	case SubscriptionCanceled, SubscriptionExpired:
		return EffectRevoke, nil
	}
	return EffectNone, nil
}
