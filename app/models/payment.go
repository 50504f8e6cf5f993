package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type PaymentType string

const (
	PaymentTypeSubscription PaymentType = "subscription"
	PaymentTypePackage      PaymentType = "package"
)

// Payment is an append-only ledger row. TransactionID holds the provider invoice or
// payment intent id and is the idempotency key for webhook redelivery.
type Payment struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        uint            `gorm:"not null;index" json:"user_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount"`
	Status        PaymentStatus   `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PaymentType   PaymentType     `gorm:"type:varchar(20);not null;default:'subscription'" json:"payment_type"`
	Description   string          `gorm:"type:varchar(255);default:''" json:"description"`
	TransactionID string          `gorm:"type:varchar(191);not null;uniqueIndex" json:"transaction_id"`
	InvoiceURL    string          `gorm:"type:varchar(500);default:''" json:"invoice_url,omitempty"`
	PaymentDate   time.Time       `gorm:"type:timestamp;not null" json:"payment_date"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Payment) IsCompleted() bool {
	return p.Status == PaymentCompleted
}

func (p *Payment) Complete() {
	p.Status = PaymentCompleted
}

// Fail marks the payment failed unless it already settled.
func (p *Payment) Fail() {
	if p.Status != PaymentCompleted && p.Status != PaymentRefunded {
		p.Status = PaymentFailed
	}
}

// MarkPending reopens a payment awaiting customer action.
func (p *Payment) MarkPending() {
	if p.Status != PaymentCompleted && p.Status != PaymentRefunded {
		p.Status = PaymentPending
	}
}
