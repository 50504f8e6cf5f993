package repository

import (
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
)

type linkRepository struct {
	db *gorm.DB
}

// NewLinkRepository creates a new link repository instance
func NewLinkRepository(db *gorm.DB) LinkRepository {
	return &linkRepository{db: db}
}

func (r *linkRepository) GetByID(id uint) (*models.Link, error) {
	var link models.Link
	if err := r.db.First(&link, id).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

// GetByShortened retrieves a link by its short code
func (r *linkRepository) GetByShortened(shortened string) (*models.Link, error) {
	var link models.Link
	if err := r.db.Where("shortened_link = ?", shortened).First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

// ListByUserID returns the user's links, newest first
func (r *linkRepository) ListByUserID(userID uint, offset, limit int) ([]models.Link, error) {
	var links []models.Link
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).Limit(limit).
		Find(&links).Error
	return links, err
}

func (r *linkRepository) CountByUserID(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Link{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
