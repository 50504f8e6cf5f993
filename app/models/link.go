package models

import (
	"time"

	"gorm.io/gorm"
)

// Link is a shortened URL. Only creation is handled here; redirects and
// analytics live elsewhere.
type Link struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"not null;index" json:"user_id"`
	OriginalLink  string         `gorm:"type:text;not null" json:"original_link" validate:"required,url,max=2048"`
	ShortenedLink string         `gorm:"type:varchar(32);not null;uniqueIndex" json:"shortened_link"`
	IsActive      bool           `gorm:"default:true" json:"is_active"`
	RemoveAt      *time.Time     `gorm:"type:timestamp;default:null" json:"remove_at,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsTemporary reports a link scheduled for removal.
func (l *Link) IsTemporary() bool {
	return l.RemoveAt != nil
}
