package models

import (
	"time"

	"github.com/ManuelReschke/sbily/internal/pkg/entitlements"
)

// BillingPlanMapping maps provider price ids to a plan and cycle. It is consulted
// when a price id is not part of the configured catalog, e.g. legacy prices.
type BillingPlanMapping struct {
	ID              uint               `gorm:"primaryKey" json:"id"`
	Provider        string             `gorm:"type:varchar(20);not null;index:ux_billing_plan_mappings_ref,unique,priority:1" json:"provider"`
	ProviderPriceID string             `gorm:"type:varchar(191);not null;index:ux_billing_plan_mappings_ref,unique,priority:2" json:"provider_price_id"`
	Level           entitlements.Level `gorm:"type:varchar(20);not null;default:'free'" json:"level"`
	Cycle           entitlements.Cycle `gorm:"type:varchar(16);not null;default:'monthly'" json:"cycle"`
	IsActive        bool               `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
