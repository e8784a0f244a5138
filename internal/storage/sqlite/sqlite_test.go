package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/officebus/internal/audit"
	"github.com/jkaninda/officebus/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "test.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_DriverAndPing(t *testing.T) {
	s := openTestStore(t)
	if got := s.Driver(); got != storage.DriverSQLite {
		t.Errorf("Driver() = %q, want %q", got, storage.DriverSQLite)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestAudit_AppendAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Audit()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []audit.Record{
		{Timestamp: base, Event: "action:submitted", ActionID: "a1", Type: "email.send", RiskTier: "RED", ActorID: "alice"},
		{Timestamp: base.Add(time.Second), Event: "confirmation:red:requested", ActionID: "a1", Type: "email.send", RiskTier: "RED", ActorID: "alice"},
		{Timestamp: base.Add(2 * time.Second), Event: "action:denied", ActionID: "a1", Type: "email.send", RiskTier: "RED", ActorID: "alice", Status: "denied", Decision: "red"},
		{Timestamp: base.Add(3 * time.Second), Event: "action:submitted", ActionID: "b1", Type: "file.read", RiskTier: "GREEN", ActorID: "bob"},
	}
	for _, r := range records {
		if err := repo.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := repo.History(ctx, storage.AuditFilter{ActionID: "a1"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	if got[0].Event != "action:submitted" {
		t.Errorf("first event = %q, want action:submitted", got[0].Event)
	}
	last := got[2]
	if last.Status != "denied" || last.Decision != "red" {
		t.Errorf("last = %+v, want status denied with decision red", last)
	}
	if !last.Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("timestamp = %v, want %v", last.Timestamp, base.Add(2*time.Second))
	}

	byActor, err := repo.History(ctx, storage.AuditFilter{ActorID: "bob"})
	if err != nil {
		t.Fatalf("History by actor: %v", err)
	}
	if len(byActor) != 1 || byActor[0].ActionID != "b1" {
		t.Errorf("actor history = %+v, want single b1 record", byActor)
	}
}

func TestAudit_HistoryLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Audit()

	for i := 0; i < 5; i++ {
		_ = repo.Append(ctx, audit.Record{Timestamp: time.Now().UTC(), Event: "action:submitted", ActionID: "x", Type: "t", RiskTier: "GREEN"})
	}
	got, err := repo.History(ctx, storage.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("records = %d, want 2", len(got))
	}
}
