package repository

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user in the database
func (r *userRepository) Create(user *models.User) error {
	return r.db.Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	err := r.db.First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail retrieves a user by their email address
func (r *userRepository) GetByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("email = ?", strings.TrimSpace(email)).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByUsername(username string) (*models.User, error) {
	var user models.User
	err := r.db.Where("username = ?", strings.TrimSpace(username)).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByAPIKeyHash resolves an active API key hash to its user and user settings.
func (r *userRepository) GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, nil, gorm.ErrRecordNotFound
	}
	var settings models.UserSettings
	query := r.db.Where("api_key_hash = ? AND api_key_hash <> '' AND api_key_revoked_at IS NULL", trimmed)
	if err := query.First(&settings).Error; err != nil {
		return nil, nil, err
	}
	var user models.User
	if err := r.db.First(&user, settings.UserID).Error; err != nil {
		return nil, nil, err
	}
	return &user, &settings, nil
}

// TouchAPIKeyUsage stores the last-used timestamp without rewriting the row.
// Uses within models.APIKeyTouchInterval of the stored one are not written.
func (r *userRepository) TouchAPIKeyUsage(settings *models.UserSettings) error {
	if !settings.TouchAPIKeyUsage(time.Now()) {
		return nil
	}
	return r.db.Model(&models.UserSettings{}).
		Where("id = ?", settings.ID).
		UpdateColumn("api_key_last_used_at", settings.APIKeyLastUsedAt).Error
}

// GetSettings returns the user's settings row, creating it on first access.
func (r *userRepository) GetSettings(userID uint) (*models.UserSettings, error) {
	if _, err := r.GetByID(userID); err != nil {
		return nil, err
	}
	return models.GetOrCreateUserSettings(r.db, userID)
}

func (r *userRepository) SaveSettings(settings *models.UserSettings) error {
	if settings == nil {
		return errors.New("settings are nil")
	}
	return r.db.Save(settings).Error
}

// Update updates an existing user in the database
func (r *userRepository) Update(user *models.User) error {
	return r.db.Save(user).Error
}

// Delete soft deletes a user by their ID
func (r *userRepository) Delete(id uint) error {
	return r.db.Delete(&models.User{}, id).Error
}

// List retrieves a paginated list of users
func (r *userRepository) List(offset, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

// Count returns the total number of users
func (r *userRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.User{}).Count(&count).Error
	return count, err
}

// Search searches for users by username or email
func (r *userRepository) Search(query string) ([]models.User, error) {
	var users []models.User
	searchPattern := "%" + strings.TrimSpace(query) + "%"
	err := r.db.Where("username LIKE ? OR email LIKE ?", searchPattern, searchPattern).Find(&users).Error
	return users, err
}
