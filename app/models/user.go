package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User carries the account fields the billing core reads and writes.
// Stripe fields are a cache; the provider stays the source of truth.
type User struct {
	ID                    uint               `gorm:"primaryKey" json:"id"`
	Username              string             `gorm:"type:varchar(150);uniqueIndex" json:"username" validate:"required,min=3,max=150"`
	Email                 string             `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Password              string             `gorm:"type:text" json:"-" validate:"required,min=6"`
	Role                  entitlements.Level `gorm:"type:varchar(20);default:'free';index" json:"role" validate:"oneof=admin free premium business advanced"`
	Status                string             `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	MonthlyLinkLimit      int                `gorm:"not null;default:10" json:"monthly_link_limit"`
	MonthlyLimitLinksUsed int                `gorm:"not null;default:0" json:"monthly_limit_links_used"`
	LastMonthlyLimitReset *time.Time         `gorm:"type:timestamp;default:null;index" json:"last_monthly_limit_reset,omitempty"`
	AdvancedStatistics    bool               `gorm:"default:false" json:"advanced_statistics"`
	StripeCustomerID      string             `gorm:"type:varchar(191);default:'';index" json:"-"`
	CardLastFourDigits    string             `gorm:"type:varchar(4);default:''" json:"card_last_four_digits"`
	CustomerBalance       decimal.Decimal    `gorm:"type:decimal(10,2);not null;default:0" json:"customer_balance"`
	CreatedAt             time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt     `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(username string, email string, password string) (*User, error) {
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:         username,
		Email:            email,
		Password:         pw,
		Role:             entitlements.LevelFree,
		Status:           STATUS_ACTIVE,
		MonthlyLinkLimit: entitlements.MonthlyQuota(entitlements.LevelFree),
	}

	err = u.Validate()
	if err != nil {
		return nil, err
	}

	return u, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

func (u *User) IsAdmin() bool {
	return u.Role == entitlements.LevelAdmin
}

// ChoosePlan grants a plan: role, quota and statistics permission are overwritten
// and the usage counter starts over. Calling it twice has the same result as once.
func (u *User) ChoosePlan(level entitlements.Level, now time.Time) {
	if !u.IsAdmin() {
		u.Role = level
		u.MonthlyLinkLimit = entitlements.MonthlyQuota(level)
	}
	u.AdvancedStatistics = u.IsAdmin() || level.IsPaid()
	u.ResetMonthlyLinkLimit(now)
}

// DowngradeToFree resets role and quota to the free baseline. Existing links and the
// usage counter are left alone, so usage may exceed the new limit.
func (u *User) DowngradeToFree() {
	if u.IsAdmin() {
		return
	}
	u.Role = entitlements.LevelFree
	u.MonthlyLinkLimit = entitlements.MonthlyQuota(entitlements.LevelFree)
	u.AdvancedStatistics = false
}

// ResetMonthlyLinkLimit starts a new usage window.
func (u *User) ResetMonthlyLinkLimit(now time.Time) {
	u.MonthlyLimitLinksUsed = 0
	u.LastMonthlyLimitReset = &now
}

// MonthlyResetDue reports whether the rolling usage window has elapsed.
func (u *User) MonthlyResetDue(now time.Time, interval time.Duration) bool {
	return u.LastMonthlyLimitReset == nil || !now.Before(u.LastMonthlyLimitReset.Add(interval))
}

// RemainingQuota is the number of links the user may still create this window.
func (u *User) RemainingQuota() int {
	if r := u.MonthlyLinkLimit - u.MonthlyLimitLinksUsed; r > 0 {
		return r
	}
	return 0
}

// Entitlement returns the effective plan for the user and an optional subscription.
func (u *User) Entitlement(sub *Subscription, now time.Time) entitlements.Entitlement {
	if sub == nil {
		return entitlements.Effective(u.Role, nil, now)
	}
	view := sub.View()
	return entitlements.Effective(u.Role, &view, now)
}
