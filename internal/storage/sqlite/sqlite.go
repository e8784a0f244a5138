// Package sqlite is the zero-config storage backend: a single database file
// under the data directory, opened through the pure-Go glebarez/sqlite driver.
// It shares table models and the audit repository with the postgres package.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/officebus/internal/storage"
	pgstore "github.com/jkaninda/officebus/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path, or ":memory:".
	JournalMode string // Default: wal.
}

// dsn appends the connection pragmas to the file path.
func (c Config) dsn() string {
	mode := c.JournalMode
	if mode == "" {
		mode = "wal"
	}
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", c.Path, mode)
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	audit storage.AuditStore
}

// Open creates the database file (and its directory) if needed.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  storage.NewGormLogger(logger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	logger.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{db: db}, nil
}

// Migrate creates the same tables as the postgres backend.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...)
}

func (s *Store) Ping(ctx context.Context) error { return storage.Ping(ctx, s.db) }

func (s *Store) Close() error { return storage.Close(s.db) }

func (s *Store) Driver() string { return storage.DriverSQLite }

// Audit reuses the postgres repository; GORM's SQLite dialect covers the
// SQL differences.
func (s *Store) Audit() storage.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = pgstore.NewAuditRepository(s.db)
	}
	return s.audit
}

var _ storage.Store = (*Store)(nil)
