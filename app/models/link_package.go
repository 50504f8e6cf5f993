package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	LinkTypePermanent = "permanent"
	LinkTypeTemporary = "temporary"
)

// LinkPackage records an add-on purchase of extra links. The links are credited
// to the monthly limit once, when the linked payment completes.
type LinkPackage struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	UserID     uint            `gorm:"not null;index" json:"user_id"`
	PaymentID  uint            `gorm:"not null;index" json:"payment_id"`
	Payment    *Payment        `gorm:"foreignKey:PaymentID" json:"payment,omitempty"`
	LinkType   string          `gorm:"type:varchar(20);not null" json:"link_type" validate:"oneof=permanent temporary"`
	Quantity   int             `gorm:"not null" json:"quantity" validate:"gt=0"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"unit_price"`
	TotalPrice decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"total_price"`
	CreditedAt *time.Time      `gorm:"type:timestamp;default:null" json:"credited_at,omitempty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (lp *LinkPackage) IsCredited() bool {
	return lp.CreditedAt != nil
}
