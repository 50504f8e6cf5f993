package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/metrics"
	"github.com/ManuelReschke/sbily/internal/pkg/shortener"
)

var (
	ErrQuotaExceeded = errors.New("monthly link limit reached")
	ErrUserNotFound  = errors.New("user not found")
	ErrUserInactive  = errors.New("user account is not active")
	ErrSlugExhausted = errors.New("could not allocate a unique short link")
)

const (
	slugAttempts   = 5
	resetBatchSize = 500
)

// CanCreateLink reports whether the user has quota left in the current window.
func CanCreateLink(u *models.User) bool {
	return u.RemainingQuota() > 0
}

// LinkRequest is the input for a quota-gated link creation.
type LinkRequest struct {
	OriginalLink string     `json:"original_link" validate:"required,url,max=2048"`
	RemoveAt     *time.Time `json:"remove_at,omitempty"`
}

// Status describes a user's usage in the current window.
type Status struct {
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	LastReset *time.Time `json:"last_reset,omitempty"`
	NextReset *time.Time `json:"next_reset,omitempty"`
}

// Enforcer gates link creation on the monthly quota and runs the rolling reset.
type Enforcer struct {
	db         *gorm.DB
	now        func() time.Time
	slugLength int
	interval   time.Duration
}

func NewEnforcer(db *gorm.DB, interval time.Duration) *Enforcer {
	return &Enforcer{
		db:         db,
		now:        func() time.Time { return time.Now().UTC() },
		slugLength: shortener.DefaultSlugLength,
		interval:   interval,
	}
}

// WithClock replaces the time source.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Status returns the quota view for a user.
func (e *Enforcer) Status(ctx context.Context, userID uint) (*Status, error) {
	var u models.User
	if err := e.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	st := &Status{
		Limit:     u.MonthlyLinkLimit,
		Used:      u.MonthlyLimitLinksUsed,
		Remaining: u.RemainingQuota(),
		LastReset: u.LastMonthlyLimitReset,
	}
	if u.LastMonthlyLimitReset != nil && e.interval > 0 {
		next := u.LastMonthlyLimitReset.Add(e.interval)
		st.NextReset = &next
	}
	return st, nil
}

// CreateLink inserts a link and consumes one unit of quota in the same
// transaction. The user row is locked, so concurrent creations for one user
// serialize on databases that honor row locks.
func (e *Enforcer) CreateLink(ctx context.Context, userID uint, req LinkRequest) (*models.Link, error) {
	var link *models.Link
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, userID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if !u.IsActive() {
			return ErrUserInactive
		}
		if !CanCreateLink(&u) {
			return ErrQuotaExceeded
		}

		slug, err := e.uniqueSlug(tx)
		if err != nil {
			return err
		}

		link = &models.Link{
			UserID:        u.ID,
			OriginalLink:  req.OriginalLink,
			ShortenedLink: slug,
			IsActive:      true,
			RemoveAt:      req.RemoveAt,
		}
		if err := tx.Create(link).Error; err != nil {
			return fmt.Errorf("create link: %w", err)
		}

		return tx.Model(&models.User{}).
			Where("id = ?", u.ID).
			UpdateColumn("monthly_limit_links_used", gorm.Expr("monthly_limit_links_used + ?", 1)).Error
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			metrics.QuotaRejectionsTotal.Inc()
			log.Debugf("[Quota] User %d rejected: limit reached", userID)
		}
		return nil, err
	}
	return link, nil
}

func (e *Enforcer) uniqueSlug(tx *gorm.DB) (string, error) {
	for i := 0; i < slugAttempts; i++ {
		slug, err := shortener.GenerateSecureSlug(e.slugLength)
		if err != nil {
			return "", err
		}
		var count int64
		err = tx.Unscoped().Model(&models.Link{}).Where("shortened_link = ?", slug).Count(&count).Error
		if err != nil {
			return "", err
		}
		if count == 0 {
			return slug, nil
		}
	}
	return "", ErrSlugExhausted
}

// ResetDue starts a new usage window for every user whose last reset is older
// than interval or who was never reset. The reset users are returned.
func (e *Enforcer) ResetDue(ctx context.Context, now time.Time, interval time.Duration) ([]models.User, error) {
	cutoff := now.Add(-interval)
	due := func(db *gorm.DB) *gorm.DB {
		return db.Where("(last_monthly_limit_reset IS NULL OR last_monthly_limit_reset <= ?)", cutoff)
	}

	var batch []models.User
	var reset []models.User
	res := due(e.db.WithContext(ctx).Model(&models.User{})).
		FindInBatches(&batch, resetBatchSize, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				u := batch[i]
				// the due condition is repeated so overlapping sweeps reset once
				upd := due(e.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", u.ID)).
					Updates(map[string]interface{}{
						"monthly_limit_links_used": 0,
						"last_monthly_limit_reset": now,
					})
				if upd.Error != nil {
					return upd.Error
				}
				if upd.RowsAffected == 0 {
					continue
				}
				u.ResetMonthlyLinkLimit(now)
				reset = append(reset, u)
			}
			return nil
		})
	if res.Error != nil {
		return reset, fmt.Errorf("reset monthly quotas: %w", res.Error)
	}

	if len(reset) > 0 {
		metrics.QuotaResetsTotal.Add(float64(len(reset)))
		log.Infof("[Quota] Reset monthly usage for %d users", len(reset))
	}
	return reset, nil
}
