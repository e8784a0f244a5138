// Package storage defines the persistence interface behind the audit trail.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/officebus/internal/audit"
)

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Audit returns the append-only audit repository.
	Audit() AuditStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// AuditStore appends lifecycle records and reads them back.
type AuditStore interface {
	audit.Store
	History(ctx context.Context, f AuditFilter) ([]audit.Record, error)
}

// AuditFilter narrows History results. Empty fields match everything.
type AuditFilter struct {
	ActionID string
	ActorID  string
	Limit    int // Default: 100.
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
