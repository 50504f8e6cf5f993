package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/sbily/app/models"
	"github.com/ManuelReschke/sbily/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// Models lists every table the application owns, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.UserSettings{},
		&models.Subscription{},
		&models.Payment{},
		&models.LinkPackage{},
		&models.Link{},
		&models.BillingWebhookEvent{},
		&models.BillingPlanMapping{},
	}
}

// SetupDatabase connects to MySQL, retrying while the server comes up, and
// migrates the schema when autoMigrate is set. SQL migrations in migrations/
// remain the source of truth for production.
func SetupDatabase(cfg config.DBConfig, autoMigrate bool) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err == nil {
			if autoMigrate {
				if err = DB.AutoMigrate(Models()...); err != nil {
					return fmt.Errorf("auto migrate: %w", err)
				}
			}
			return nil
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("connect database: %w", err)
}

// GetDB returns the connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Ping checks the connection opened by SetupDatabase.
func Ping(ctx context.Context) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
