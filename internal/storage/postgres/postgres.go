// Package postgres implements PostgreSQL-backed audit storage using GORM.
// GORM usage is confined to the storage packages; audit records stay ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/officebus/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
// Zero values fall back to 25 open, 5 idle, 30m lifetime and 10m idle time.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu    sync.Mutex
	audit storage.AuditStore
}

// Open connects to PostgreSQL and configures the pool. Tables are created by Migrate.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      storage.NewGormLogger(logger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := orDefault(cfg.MaxOpenConns, 25)
	maxIdle := orDefault(cfg.MaxIdleConns, 5)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, 30*time.Minute))
	sqlDB.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, 10*time.Minute))

	logger.Info("postgres connected",
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)
	return &Store{db: db, logger: logger}, nil
}

// Migrate creates or updates the audit tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(Models()...)
}

func (s *Store) Ping(ctx context.Context) error { return storage.Ping(ctx, s.db) }

func (s *Store) Close() error { return storage.Close(s.db) }

func (s *Store) Driver() string { return storage.DriverPostgres }

// GormDB returns the underlying handle for repository constructors.
func (s *Store) GormDB() *gorm.DB { return s.db }

func (s *Store) Audit() storage.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.db)
	}
	return s.audit
}

var _ storage.Store = (*Store)(nil)
