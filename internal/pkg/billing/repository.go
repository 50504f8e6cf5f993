package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/sbily/app/models"
)

// Repository provides DB operations used by the billing service. Lock* methods
// take a row lock and are meant to be called inside Transaction.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	LockUser(ctx context.Context, id uint) (*models.User, error)
	SaveUser(ctx context.Context, u *models.User) error
	UpdateUserBillingCache(ctx context.Context, u *models.User) error

	GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error)
	LockSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error)
	LockSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscription(ctx context.Context, sub *models.Subscription) error
	ListRenewingSubscriptions(ctx context.Context, from, to time.Time) ([]models.Subscription, error)

	GetOrCreatePayment(ctx context.Context, p *models.Payment) (bool, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	SavePayment(ctx context.Context, p *models.Payment) error
	ListPayments(ctx context.Context, userID uint, limit int) ([]models.Payment, error)

	CreateLinkPackage(ctx context.Context, lp *models.LinkPackage) error
	LockLinkPackageByPayment(ctx context.Context, paymentID uint) (*models.LinkPackage, error)
	SaveLinkPackage(ctx context.Context, lp *models.LinkPackage) error

	FindActivePlanMapping(ctx context.Context, provider, priceID string) (*models.BillingPlanMapping, error)

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error)
	GetWebhookEventByProviderID(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
	HasWebhookEvent(ctx context.Context, provider, eventType, objectID string) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) forUpdate(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *gormRepository) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *gormRepository) GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	var u models.User
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *gormRepository) LockUser(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := r.forUpdate(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *gormRepository) SaveUser(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Save(u).Error
}

// UpdateUserBillingCache writes only the mirrored provider fields.
func (r *gormRepository) UpdateUserBillingCache(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Model(u).
		Select("stripe_customer_id", "card_last_four_digits", "customer_balance").
		Updates(u).Error
}

func (r *gormRepository) GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (r *gormRepository) LockSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.forUpdate(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (r *gormRepository) LockSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, ErrNotFound
	}
	var sub models.Subscription
	if err := r.forUpdate(ctx).Where("stripe_subscription_id = ?", providerSubscriptionID).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) DeleteSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Delete(&models.Subscription{}, sub.ID).Error
}

// ListRenewingSubscriptions returns active auto-renewing subscriptions whose period ends in [from, to).
func (r *gormRepository) ListRenewingSubscriptions(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_auto_renew = ? AND end_date >= ? AND end_date < ?", models.SubscriptionActive, true, from, to).
		Order("end_date").
		Find(&subs).Error
	return subs, err
}

// GetOrCreatePayment inserts p unless a payment with the same transaction id exists.
// On conflict p is overwritten with the stored row and false is returned.
func (r *gormRepository) GetOrCreatePayment(ctx context.Context, p *models.Payment) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(p)
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}
	var stored models.Payment
	if err := r.db.WithContext(ctx).Where("transaction_id = ?", p.TransactionID).First(&stored).Error; err != nil {
		return false, err
	}
	*p = stored
	return false, nil
}

func (r *gormRepository) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *gormRepository) SavePayment(ctx context.Context, p *models.Payment) error {
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *gormRepository) ListPayments(ctx context.Context, userID uint, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("payment_date DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

func (r *gormRepository) CreateLinkPackage(ctx context.Context, lp *models.LinkPackage) error {
	return r.db.WithContext(ctx).Omit("Payment").Create(lp).Error
}

func (r *gormRepository) LockLinkPackageByPayment(ctx context.Context, paymentID uint) (*models.LinkPackage, error) {
	var lp models.LinkPackage
	if err := r.forUpdate(ctx).Where("payment_id = ?", paymentID).First(&lp).Error; err != nil {
		return nil, notFound(err)
	}
	return &lp, nil
}

func (r *gormRepository) SaveLinkPackage(ctx context.Context, lp *models.LinkPackage) error {
	return r.db.WithContext(ctx).Omit("Payment").Save(lp).Error
}

func (r *gormRepository) FindActivePlanMapping(ctx context.Context, provider, priceID string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_price_id = ? AND is_active = ?", provider, priceID, true).
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	stored, err := r.GetWebhookEventByProviderID(ctx, event.Provider, event.ProviderEventID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	var e models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *gormRepository) GetWebhookEventByProviderID(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error) {
	var e models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
		"attempts":         gorm.Expr("attempts + 1"),
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// HasWebhookEvent reports whether an event of the given type was received for
// the provider object.
func (r *gormRepository) HasWebhookEvent(ctx context.Context, provider, eventType, objectID string) (bool, error) {
	if objectID == "" {
		return false, nil
	}
	var n int64
	err := r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND event_type = ? AND object_id = ?", provider, eventType, objectID).
		Count(&n).Error
	return n > 0, err
}
