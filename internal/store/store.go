// Package store persists gateway entities with gorm. Postgres is the
// production dialect; any gorm dialector works through New.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/proxy"
)

// ErrNotFound is returned when a lookup matches no row, or matches a row
// the caller does not own.
var ErrNotFound = errors.New("store: not found")

// ErrInvalid wraps validation failures on create.
var ErrInvalid = errors.New("store: invalid")

// Options configures validation applied on create.
type Options struct {
	// UpstreamURLs validates UpstreamAPI base URLs.
	UpstreamURLs proxy.URLPolicy
	// CallbackURLs validates webhook callback URLs.
	CallbackURLs proxy.URLPolicy
}

// Store wraps a gorm handle. It is safe for concurrent use.
type Store struct {
	db   *gorm.DB
	opts Options
}

// Open connects to the configured database, applies pool limits and,
// when enabled, migrates the schema.
func Open(cfg config.DatabaseConfig, opts Options, logger *slog.Logger) (*Store, error) {
	slow, _ := config.ParseDuration(cfg.SlowQuery, 200*time.Millisecond)

	db, err := gorm.Open(postgres.Open(cfg.DSN.Value()), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		Logger:         NewGormLogger(logger, slow),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.MustParseDuration(cfg.ConnMaxLifetime, 30*time.Minute))

	s := New(db, opts)
	if cfg.AutoMigrate {
		if err := s.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an already opened gorm handle.
func New(db *gorm.DB, opts Options) *Store {
	return &Store{db: db, opts: opts}
}

// Migrate creates or updates the tables for all entities.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
