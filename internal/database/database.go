package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	applog "github.com/samblam/edgemesh/internal/logger"
	"github.com/samblam/edgemesh/internal/models"
)

// Connect opens the SQLite store at dbPath, enabling WAL and a busy timeout
// so concurrent authorization requests queue on the writer lock instead of
// failing with SQLITE_BUSY.
func Connect(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(withPragmas(dbPath)), &gorm.Config{
		Logger: logger.New(applog.ForComponent("gorm"), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access sql db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions
	// serialized without surfacing lock errors to callers.
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Migrate creates or updates every table the control plane persists.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Device{},
		&models.HealthReport{},
		&models.User{},
		&models.Connection{},
		&models.AuditRecord{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}
