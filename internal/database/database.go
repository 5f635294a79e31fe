package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/setmatch/internal/events"
	"github.com/MarcoPoloResearchLab/setmatch/internal/logging"
	"github.com/MarcoPoloResearchLab/setmatch/internal/retry"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the event store. RetryDelay defaults to the retry package's
// initial delay.
type Config struct {
	Driver          string
	DSN             string
	ConnectAttempts uint
	RetryDelay      time.Duration
}

// Open connects to the configured event store, retrying until it answers,
// and brings the schema up to date.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	dialector, err := newDialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	if cfg.ConnectAttempts > 0 {
		policy.Attempts = cfg.ConnectAttempts
	}
	if cfg.RetryDelay > 0 {
		policy.InitialDelay = cfg.RetryDelay
		policy.MaxDelay = 0
	}

	db, err := retry.Do(ctx, logger, "database.connect", policy, func(ctx context.Context) (*gorm.DB, error) {
		db, err := gorm.Open(dialector, &gorm.Config{Logger: logging.NewGormLogger(logger)})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return db, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrate(ctx, db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", cfg.Driver))
	return db, nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func migrate(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	models := append(events.Models(), &migrationRecord{})
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return applyMigrations(db.WithContext(ctx), logger)
}
