package repository

import (
	"gorm.io/gorm"

	"github.com/ManuelReschke/sbily/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByUsername(username string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	TouchAPIKeyUsage(settings *models.UserSettings) error
	GetSettings(userID uint) (*models.UserSettings, error)
	SaveSettings(settings *models.UserSettings) error
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
	Search(query string) ([]models.User, error)
}

// LinkRepository defines read access to shortened links. Creation goes
// through the quota enforcer so every insert is counted.
type LinkRepository interface {
	GetByID(id uint) (*models.Link, error)
	GetByShortened(shortened string) (*models.Link, error)
	ListByUserID(userID uint, offset, limit int) ([]models.Link, error)
	CountByUserID(userID uint) (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User UserRepository
	Link LinkRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User: NewUserRepository(db),
		Link: NewLinkRepository(db),
	}
}
