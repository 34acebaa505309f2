package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

const (
	slowQueryThreshold = 500 * time.Millisecond
	connectAttempts    = 3
	connectRetryDelay  = 500 * time.Millisecond
)

// Open connects to the configured database and migrates the schema.
func Open(cfg models.StorageConfig, logger *logrus.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case "sqlite", "sqlite3", "":
		driver = "sqlite"
		dialector = sqlite.Open(cfg.DSN)
	case "postgres", "postgresql":
		driver = "postgres"
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	attempts := 1
	if driver == "postgres" {
		attempts = connectAttempts
	}
	var db *gorm.DB
	err := utils.RetryWithContext(context.Background(), attempts, connectRetryDelay, func() error {
		var oerr error
		db, oerr = gorm.Open(dialector, &gorm.Config{
			Logger: newGormLogger(logger, cfg.LogQueries),
		})
		if oerr != nil {
			logger.WithFields(logrus.Fields{
				"driver": driver,
				"dsn":    utils.MaskDSN(cfg.DSN),
				"error":  oerr,
			}).Warn("Database connection attempt failed")
		}
		return oerr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if driver == "sqlite" {
		// one writer; also keeps ":memory:" databases on a single connection
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"driver": driver,
		"dsn":    utils.MaskDSN(cfg.DSN),
	}).Info("Storage initialized")
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Domain{}, &models.CertificateCheck{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newGormLogger(logger *logrus.Logger, logQueries bool) gormlogger.Interface {
	level := gormlogger.Warn
	if logQueries {
		level = gormlogger.Info
	}
	return gormlogger.New(utils.WithComponent(logger, "storage"), gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
