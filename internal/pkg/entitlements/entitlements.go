package entitlements

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Level is a plan tier. It doubles as the user role.
type Level string

const (
	LevelAdmin    Level = "admin"
	LevelFree     Level = "free"
	LevelPremium  Level = "premium"
	LevelBusiness Level = "business"
	LevelAdvanced Level = "advanced"
)

// Cycle is a billing cycle.
type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

// UnboundedQuota stands in for "no limit" so quota arithmetic stays total.
const UnboundedQuota = 1 << 30

// Periods longer than yearlyThreshold bill yearly. oneMonth is the remaining-time
// cutoff for discounts and proration.
const (
	yearlyThreshold = 35 * 24 * time.Hour
	oneMonth        = 30 * 24 * time.Hour
	daysPerYear     = 365
)

var monthlyQuota = map[Level]int{
	LevelFree:     10,
	LevelPremium:  25,
	LevelBusiness: 50,
	LevelAdvanced: 100,
	LevelAdmin:    UnboundedQuota,
}

var rank = map[Level]int{
	LevelPremium:  1,
	LevelBusiness: 2,
	LevelAdvanced: 3,
}

// ParseLevel validates a tier name coming from a request, a webhook or the database.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := monthlyQuota[l]; !ok {
		return "", fmt.Errorf("unknown plan level %q", s)
	}
	return l, nil
}

// ParseCycle validates a billing cycle name.
func ParseCycle(s string) (Cycle, error) {
	switch c := Cycle(strings.ToLower(strings.TrimSpace(s))); c {
	case CycleMonthly, CycleYearly:
		return c, nil
	}
	return "", fmt.Errorf("unknown plan cycle %q", s)
}

// IsPaid reports whether the level is sold through a subscription.
func (l Level) IsPaid() bool {
	_, ok := rank[l]
	return ok
}

func (l Level) String() string { return string(l) }

func (c Cycle) String() string { return string(c) }

// MonthlyQuota returns the monthly link creation allowance for a level.
// Unknown levels get the free allowance.
func MonthlyQuota(l Level) int {
	if q, ok := monthlyQuota[l]; ok {
		return q
	}
	return monthlyQuota[LevelFree]
}

// Rank orders paid tiers: premium < business < advanced. Unpaid levels rank 0.
func Rank(l Level) int {
	return rank[l]
}

// IsUpgrade reports whether moving from current to next raises the tier.
func IsUpgrade(current, next Level) bool {
	return Rank(next) > Rank(current)
}

// SubscriptionView is the part of a subscription the calculator needs.
type SubscriptionView struct {
	Level   Level
	Active  bool // status == active
	EndDate *time.Time
}

// IsActive reports status active with an end date still in the future.
func (s SubscriptionView) IsActive(now time.Time) bool {
	return s.Active && s.EndDate != nil && s.EndDate.After(now)
}

// Entitlement is the effective plan level and quota of a user.
type Entitlement struct {
	Level        Level `json:"level"`
	MonthlyQuota int   `json:"monthly_quota"`
}

// Effective derives the entitlement from the user's role and optional subscription.
func Effective(role Level, sub *SubscriptionView, now time.Time) Entitlement {
	level := role
	if sub != nil && sub.IsActive(now) {
		level = sub.Level
	}
	if _, ok := monthlyQuota[level]; !ok {
		level = LevelFree
	}
	return Entitlement{Level: level, MonthlyQuota: MonthlyQuota(level)}
}

// CycleFor derives the billing cycle from a period.
func CycleFor(start, end time.Time) Cycle {
	if end.Sub(start) > yearlyThreshold {
		return CycleYearly
	}
	return CycleMonthly
}

// Discount is the advisory unused-time credit offered before an upgrade.
type Discount struct {
	DaysRemaining int             `json:"days_remaining"`
	UnusedPercent int             `json:"unused_percent"`
	Credit        decimal.Decimal `json:"credit"`
}

// UnusedDiscount computes the credit for the unused part of a yearly plan,
// rounded to whole currency units. ok is false for monthly plans and when one
// month or less remains.
func UnusedDiscount(price decimal.Decimal, cycle Cycle, periodEnd, now time.Time) (Discount, bool) {
	remaining := periodEnd.Sub(now)
	if cycle != CycleYearly || remaining <= oneMonth {
		return Discount{}, false
	}
	days := int(remaining / (24 * time.Hour))
	pct := int(math.Round(float64(days) * 100 / daysPerYear))
	credit := decimal.NewFromInt(int64(pct)).Mul(price).Div(decimal.NewFromInt(100)).Round(0)
	return Discount{DaysRemaining: days, UnusedPercent: pct, Credit: credit}, true
}

// Provider proration behaviors.
const (
	ProrationNone          = "none"
	ProrationAlwaysInvoice = "always_invoice"
)

// ProrationPlan tells the gateway how to bill an immediate upgrade.
type ProrationPlan struct {
	Behavior  string
	AnchorNow bool
}

// UpgradeProration rebills from now without proration for monthly plans or when the
// period is about to end; otherwise the provider prorates and invoices immediately.
func UpgradeProration(cycle Cycle, periodEnd, now time.Time) ProrationPlan {
	if cycle != CycleYearly || periodEnd.Sub(now) <= oneMonth {
		return ProrationPlan{Behavior: ProrationNone, AnchorNow: true}
	}
	return ProrationPlan{Behavior: ProrationAlwaysInvoice}
}
