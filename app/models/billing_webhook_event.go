package models

import "time"

// BillingWebhookEvent stores provider webhook payloads with deduplication
// metadata. The reconciliation job reads the payload back from here. ObjectID
// is the id of the event's data object, e.g. the subscription id.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ObjectID        string     `gorm:"type:varchar(191);not null;default:'';index" json:"object_id"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false" json:"signature_valid"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Succeeded reports an event that was processed without error.
func (e *BillingWebhookEvent) Succeeded() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}

// Failed reports an event whose last processing attempt returned an error.
func (e *BillingWebhookEvent) Failed() bool {
	return e.ProcessedAt != nil && e.ProcessingError != ""
}
