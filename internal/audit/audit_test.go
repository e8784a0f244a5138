package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memorySink) Append(_ context.Context, r Record) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memorySink) all() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// --- FromEvent ---

func TestFromEvent_TerminalCarriesStatusNotReceipt(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res := domain.Succeeded("a1", "rcpt-secret")
	rec := FromEvent(events.Event{
		Name:   events.ActionSucceeded,
		Action: domain.Action{ID: "a1", Type: "email.send", RiskTier: risk.Yellow, ActorID: "alice"},
		Result: &res,
		Tier:   "yellow",
		Time:   ts,
	})

	if rec.Status != "succeeded" {
		t.Errorf("Status = %q, want succeeded", rec.Status)
	}
	if rec.Decision != "yellow" {
		t.Errorf("Decision = %q, want yellow", rec.Decision)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", rec.Timestamp, ts)
	}
	data, _ := json.Marshal(rec)
	if strings.Contains(string(data), "rcpt-secret") {
		t.Errorf("record leaks receipt id: %s", data)
	}
}

func TestFromEvent_ZeroTimeDefaults(t *testing.T) {
	rec := FromEvent(events.Event{Name: events.ActionSubmitted})
	if rec.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
}

// --- Recorder ---

func TestRecorder_RecordsEveryLifecycleEvent(t *testing.T) {
	ch := events.NewChannel(testLogger())
	sink := &memorySink{}
	rec := NewRecorder(testLogger(), sink)
	detach := rec.Attach(ch)

	ctx := context.Background()
	action := domain.Action{ID: "a1", Type: "file.read", RiskTier: risk.Green}
	res := domain.Succeeded("a1", "r1")
	ch.Emit(ctx, events.Event{Name: events.ActionSubmitted, Action: action})
	ch.Emit(ctx, events.Event{Name: events.ActionExecuting, Action: action})
	ch.Emit(ctx, events.Event{Name: events.ActionSucceeded, Action: action, Result: &res})

	got := sink.all()
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	want := []string{"action:submitted", "action:executing", "action:succeeded"}
	for i, w := range want {
		if got[i].Event != w {
			t.Errorf("records[%d].Event = %q, want %q", i, got[i].Event, w)
		}
	}

	detach()
	ch.Emit(ctx, events.Event{Name: events.ActionSubmitted, Action: action})
	if len(sink.all()) != 3 {
		t.Error("recorder still attached after detach")
	}
}

func TestRecorder_FailingSinkDoesNotBlockOthers(t *testing.T) {
	ch := events.NewChannel(testLogger())
	var failures int
	ch.OnHandlerError(func(events.Name, error) { failures++ })

	bad := &memorySink{err: errors.New("disk full")}
	good := &memorySink{}
	NewRecorder(testLogger(), bad, good).Attach(ch)

	ch.Emit(context.Background(), events.Event{Name: events.ActionDenied, Action: domain.Action{ID: "x"}})

	if len(good.all()) != 1 {
		t.Errorf("good sink records = %d, want 1", len(good.all()))
	}
	if failures != 1 {
		t.Errorf("handler failures = %d, want 1", failures)
	}
}

// --- FileLog ---

func TestFileLog_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "audit.jsonl")
	log, err := OpenFileLog(path, testLogger())
	if err != nil {
		t.Fatalf("OpenFileLog: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = log.Append(ctx, Record{Event: "action:submitted", ActionID: "a", Type: "t", RiskTier: "GREEN"})
		}()
	}
	wg.Wait()
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 10 {
		t.Errorf("lines = %d, want 10", lines)
	}
}

func TestFileLog_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	for i := 0; i < 2; i++ {
		log, err := OpenFileLog(path, testLogger())
		if err != nil {
			t.Fatalf("OpenFileLog: %v", err)
		}
		_ = log.Append(context.Background(), Record{Event: "action:submitted"})
		log.Close()
	}
	data, _ := os.ReadFile(path)
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("lines = %d, want 2", got)
	}
}
