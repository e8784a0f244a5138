// Package audit records every action lifecycle transition to append-only
// sinks. Receipt ids are never recorded: the audit trail is a lifecycle log,
// not a receipt store.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/officebus/internal/events"
)

// Record is a single lifecycle transition.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	ActionID  string    `json:"action_id"`
	Type      string    `json:"type"`
	RiskTier  string    `json:"risk_tier"`
	ActorID   string    `json:"actor_id,omitempty"`
	SuiteID   string    `json:"suite_id,omitempty"`
	OfficeID  string    `json:"office_id,omitempty"`
	WidgetID  string    `json:"widget_id,omitempty"`
	Status    string    `json:"status,omitempty"`   // Terminal events only.
	Decision  string    `json:"decision,omitempty"` // Tier given with approve/deny.
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// FromEvent converts a bus event into a record.
func FromEvent(ev events.Event) Record {
	r := Record{
		Timestamp: ev.Time,
		Event:     string(ev.Name),
		ActionID:  ev.Action.ID,
		Type:      ev.Action.Type,
		RiskTier:  string(ev.Action.RiskTier),
		ActorID:   ev.Action.ActorID,
		SuiteID:   ev.Action.SuiteID,
		OfficeID:  ev.Action.OfficeID,
		WidgetID:  ev.Action.WidgetID,
		Decision:  ev.Tier,
		Reason:    ev.Reason,
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if ev.Result != nil {
		r.Status = string(ev.Result.Status)
		r.Error = ev.Result.Error
	}
	return r
}

// Store is an append-only audit sink.
// No update or delete methods: immutability is enforced at the interface level.
type Store interface {
	Append(ctx context.Context, r Record) error
}

// Subscriber is the part of the bus the recorder needs.
type Subscriber interface {
	Subscribe(name events.Name, h events.Handler) func()
}

// Recorder fans lifecycle events out to every configured sink.
type Recorder struct {
	sinks  []Store
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to sinks.
func NewRecorder(logger *slog.Logger, sinks ...Store) *Recorder {
	return &Recorder{sinks: sinks, logger: logger}
}

// Attach subscribes the recorder to every lifecycle event. The returned
// function detaches it.
func (r *Recorder) Attach(s Subscriber) func() {
	unsubs := make([]func(), 0, len(events.All))
	for _, name := range events.All {
		unsubs = append(unsubs, s.Subscribe(name, r.handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// handle writes to every sink and joins the failures. A failing sink does not
// stop the others.
func (r *Recorder) handle(ctx context.Context, ev events.Event) error {
	rec := FromEvent(ev)
	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileLog writes records as append-only JSONL, one record per line.
// Safe for concurrent use.
type FileLog struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// OpenFileLog opens (or creates) the audit log in append-only mode with
// owner-only permissions.
func OpenFileLog(path string, logger *slog.Logger) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileLog{file: f, logger: logger}, nil
}

// Append marshals outside the lock; only the write is serialized.
func (l *FileLog) Append(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit record: %w", writeErr)
	}

	l.logger.DebugContext(ctx, "audit record written",
		slog.String("event", r.Event),
		slog.String("action_id", r.ActionID),
	)
	return nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
