package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/orchestrator"
	"github.com/jkaninda/officebus/internal/risk"
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor records every call and returns a fixed receipt.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []domain.Action
	fn    func(domain.Action) domain.ActionResult
}

func (f *fakeExecutor) Execute(_ context.Context, a domain.Action) domain.ActionResult {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(a)
	}
	return domain.Succeeded(a.ID, "rcp-001")
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestBus() (*Bus, *fakeExecutor) {
	exec := &fakeExecutor{}
	return New(exec, testLogger()), exec
}

// newOrchestratorBus wires the bus to an httptest orchestrator.
func newOrchestratorBus(t *testing.T, handler http.HandlerFunc) *Bus {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := orchestrator.NewClient(orchestrator.Config{BaseURL: srv.URL}, testLogger())
	require.NoError(t, err)
	return New(client, testLogger())
}

func receiptHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"receipt_id":"rcp-001"}`))
}

type submission struct {
	res domain.ActionResult
	err error
}

// submitAsync starts Submit and waits until the confirmation event for the
// action has been emitted.
func submitAsync(t *testing.T, b *Bus, a domain.Action) <-chan submission {
	t.Helper()
	requested := make(chan string, 1)
	name := events.YellowRequested
	if a.RiskTier == risk.Red {
		name = events.RedRequested
	}
	unsub := b.Subscribe(name, func(_ context.Context, ev events.Event) error {
		if ev.Action.ID == a.ID {
			requested <- ev.Action.ID
		}
		return nil
	})
	t.Cleanup(unsub)

	out := make(chan submission, 1)
	go func() {
		res, err := b.Submit(context.Background(), a)
		out <- submission{res, err}
	}()

	select {
	case <-requested:
	case <-time.After(waitTimeout):
		t.Fatalf("confirmation for %s was not requested", a.ID)
	}
	return out
}

func await(t *testing.T, ch <-chan submission) submission {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("submit did not return")
		return submission{}
	}
}

func assertStillWaiting(t *testing.T, ch <-chan submission) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("submit returned early: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- Scenarios ---

func TestGreenSucceeds(t *testing.T) {
	b := newOrchestratorBus(t, receiptHandler)

	res, err := b.Submit(context.Background(), domain.Action{
		RiskTier: risk.Green,
		Type:     "email.send",
		Payload:  map[string]any{"to": "ops@example.com"},
		SuiteID:  "s1",
		OfficeID: "o1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	assert.Equal(t, "rcp-001", res.ReceiptID)
	assert.NotEmpty(t, res.ActionID)
}

func TestGreenOrchestratorError(t *testing.T) {
	b := newOrchestratorBus(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	res, err := b.Submit(context.Background(), domain.Action{RiskTier: risk.Green, Type: "invoice.create"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, "Orchestrator error: 500", res.Error)
}

func TestYellowApprove(t *testing.T) {
	b := newOrchestratorBus(t, receiptHandler)
	a := domain.Action{ID: b.GenerateActionID(), RiskTier: risk.Yellow, Type: "payment.send"}

	pending := submitAsync(t, b, a)
	got, ok := b.PendingAction(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 1, b.PendingCount())

	approved, ok := b.Approve(context.Background(), a.ID, "yellow")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, approved.Status)

	s := await(t, pending)
	require.NoError(t, s.err)
	assert.Equal(t, domain.StatusSucceeded, s.res.Status)
	assert.Equal(t, "rcp-001", s.res.ReceiptID)

	_, ok = b.PendingAction(a.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, b.PendingCount())
}

func TestYellowDeny(t *testing.T) {
	b, exec := newTestBus()
	a := domain.Action{ID: "deny-me", RiskTier: risk.Yellow, Type: "email.send"}

	pending := submitAsync(t, b, a)
	require.True(t, b.Deny(context.Background(), a.ID, "yellow"))

	s := await(t, pending)
	require.NoError(t, s.err)
	assert.Equal(t, domain.StatusDenied, s.res.Status)
	assert.NotEmpty(t, s.res.Error)

	_, ok := b.PendingAction(a.ID)
	assert.False(t, ok)
	assert.Zero(t, exec.count())
}

func TestUnknownTierDenied(t *testing.T) {
	b, exec := newTestBus()
	var seen []events.Name
	for _, n := range events.All {
		b.Subscribe(n, func(_ context.Context, ev events.Event) error {
			seen = append(seen, ev.Name)
			return nil
		})
	}

	res, err := b.Submit(context.Background(), domain.Action{RiskTier: "PURPLE", Type: "payroll.run"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDenied, res.Status)
	assert.Equal(t, "Unknown risk tier: PURPLE", res.Error)
	assert.Zero(t, exec.count())
	assert.Zero(t, b.PendingCount())
	assert.Equal(t, []events.Name{events.ActionSubmitted, events.ActionDenied}, seen)
}

// --- Properties ---

func TestGreenNeverPending(t *testing.T) {
	b, _ := newTestBus()
	var pendingDuringRun []int
	b.Subscribe(events.ActionExecuting, func(context.Context, events.Event) error {
		pendingDuringRun = append(pendingDuringRun, b.PendingCount())
		return nil
	})

	_, err := b.Submit(context.Background(), domain.Action{RiskTier: risk.Green})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, pendingDuringRun)
}

func TestGreenEventOrder(t *testing.T) {
	b, _ := newTestBus()
	var seen []events.Name
	b.Events().SubscribeAll(func(_ context.Context, ev events.Event) error {
		seen = append(seen, ev.Name)
		return nil
	})

	_, err := b.Submit(context.Background(), domain.Action{RiskTier: risk.Green})
	require.NoError(t, err)
	assert.Equal(t, []events.Name{events.ActionSubmitted, events.ActionExecuting, events.ActionSucceeded}, seen)
}

func TestRedRequestsAuthorization(t *testing.T) {
	b, _ := newTestBus()
	a := domain.Action{ID: "red-1", RiskTier: risk.Red, Type: "payroll.run"}

	var carried domain.Action
	b.Subscribe(events.RedRequested, func(_ context.Context, ev events.Event) error {
		carried = ev.Action
		return nil
	})
	pending := submitAsync(t, b, a)
	assert.Equal(t, "payroll.run", carried.Type)
	assert.False(t, carried.Timestamp.IsZero())

	_, ok := b.Approve(context.Background(), a.ID, "red")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, await(t, pending).res.Status)
}

func TestApproveDoesNotAffectOtherPending(t *testing.T) {
	b, _ := newTestBus()
	a := domain.Action{ID: "A", RiskTier: risk.Yellow}
	other := domain.Action{ID: "B", RiskTier: risk.Red}

	pa := submitAsync(t, b, a)
	pb := submitAsync(t, b, other)

	_, ok := b.Approve(context.Background(), "A", "yellow")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, await(t, pa).res.Status)

	assertStillWaiting(t, pb)
	_, ok = b.PendingAction("B")
	assert.True(t, ok)
	assert.Equal(t, 1, b.PendingCount())

	require.True(t, b.Deny(context.Background(), "B", "red"))
	assert.Equal(t, domain.StatusDenied, await(t, pb).res.Status)
}

func TestDecisionsOnUnknownIDAreNoOps(t *testing.T) {
	b, exec := newTestBus()

	_, ok := b.Approve(context.Background(), "missing", "yellow")
	assert.False(t, ok)
	assert.False(t, b.Deny(context.Background(), "missing", "yellow"))

	a := domain.Action{ID: "once", RiskTier: risk.Yellow}
	pending := submitAsync(t, b, a)
	require.True(t, b.Deny(context.Background(), a.ID, "yellow"))
	await(t, pending)

	_, ok = b.Approve(context.Background(), a.ID, "yellow")
	assert.False(t, ok)
	assert.False(t, b.Deny(context.Background(), a.ID, "yellow"))
	assert.Zero(t, exec.count())
}

func TestConcurrentDecisionsExecuteOnce(t *testing.T) {
	b, exec := newTestBus()
	a := domain.Action{ID: "race", RiskTier: risk.Yellow}
	pending := submitAsync(t, b, a)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, ok := b.Approve(context.Background(), a.ID, "yellow"); ok {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if b.Deny(context.Background(), a.ID, "yellow") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.LessOrEqual(t, exec.count(), 1)
	await(t, pending)
}

func TestResetClearsPendingAndSubscriptions(t *testing.T) {
	b, _ := newTestBus()
	p1 := submitAsync(t, b, domain.Action{ID: "r1", RiskTier: risk.Yellow})
	p2 := submitAsync(t, b, domain.Action{ID: "r2", RiskTier: risk.Red})
	require.Equal(t, 2, b.PendingCount())

	calls := 0
	b.Subscribe(events.ActionSubmitted, func(context.Context, events.Event) error { calls++; return nil })

	b.Reset()
	assert.Zero(t, b.PendingCount())
	for _, p := range []<-chan submission{p1, p2} {
		s := await(t, p)
		assert.True(t, errors.Is(s.err, ErrReset))
	}
	for _, n := range events.All {
		assert.Zero(t, b.Events().Count(n), "subscriptions for %s", n)
	}

	_, err := b.Submit(context.Background(), domain.Action{RiskTier: risk.Green})
	require.NoError(t, err)
	assert.Zero(t, calls)

	_, ok := b.Approve(context.Background(), "r1", "yellow")
	assert.False(t, ok)
}

func TestOnResetHookRuns(t *testing.T) {
	b, _ := newTestBus()
	calls := 0
	b.OnReset(func() {
		b.Subscribe(events.ActionSubmitted, func(context.Context, events.Event) error { calls++; return nil })
	})
	b.Reset()

	_, err := b.Submit(context.Background(), domain.Action{RiskTier: risk.Green})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestFailingHandlerDoesNotChangeResult(t *testing.T) {
	b, _ := newTestBus()
	ran := false
	b.Subscribe(events.ActionSucceeded, func(context.Context, events.Event) error { panic("observer crashed") })
	b.Subscribe(events.ActionSucceeded, func(context.Context, events.Event) error { return errors.New("observer error") })
	b.Subscribe(events.ActionSucceeded, func(context.Context, events.Event) error { ran = true; return nil })
	b.Subscribe(events.ActionSubmitted, func(context.Context, events.Event) error { panic("early crash") })

	res, err := b.Submit(context.Background(), domain.Action{RiskTier: risk.Green})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	assert.True(t, ran)
}

func TestCanceledSubmitLeavesActionPending(t *testing.T) {
	b, _ := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	requested := make(chan struct{})
	b.Subscribe(events.YellowRequested, func(context.Context, events.Event) error {
		close(requested)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, domain.Action{ID: "c1", RiskTier: risk.Yellow})
		done <- err
	}()
	<-requested
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("submit did not return after cancel")
	}
	_, ok := b.PendingAction("c1")
	assert.True(t, ok)

	res, ok := b.Approve(context.Background(), "c1", "yellow")
	assert.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	assert.Zero(t, b.PendingCount())
}

func TestApproveFromConfirmationHandler(t *testing.T) {
	b, _ := newTestBus()
	b.Subscribe(events.YellowRequested, func(ctx context.Context, ev events.Event) error {
		b.Approve(ctx, ev.Action.ID, "yellow")
		return nil
	})

	res, err := b.Submit(context.Background(), domain.Action{RiskTier: risk.Yellow})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
}

func TestDuplicatePendingID(t *testing.T) {
	b, _ := newTestBus()
	pending := submitAsync(t, b, domain.Action{ID: "dup", RiskTier: risk.Yellow})

	var mu sync.Mutex
	var seen []events.Name
	b.Events().SubscribeAll(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		seen = append(seen, ev.Name)
		mu.Unlock()
		return nil
	})

	_, err := b.Submit(context.Background(), domain.Action{ID: "dup", RiskTier: risk.Yellow})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, b.PendingCount())
	mu.Lock()
	assert.Empty(t, seen, "rejected duplicate must not reach observers")
	mu.Unlock()

	b.Deny(context.Background(), "dup", "yellow")
	assert.Equal(t, domain.StatusDenied, await(t, pending).res.Status)
}

func TestPendingIDCollisionAcrossTiers(t *testing.T) {
	b, exec := newTestBus()
	pending := submitAsync(t, b, domain.Action{ID: "x", Type: "email.send", RiskTier: risk.Yellow})

	var mu sync.Mutex
	var terminal []events.Name
	b.Events().SubscribeAll(func(_ context.Context, ev events.Event) error {
		if ev.Action.ID == "x" && ev.Name.Terminal() {
			mu.Lock()
			terminal = append(terminal, ev.Name)
			mu.Unlock()
		}
		return nil
	})

	for _, tier := range []risk.Tier{"PURPLE", risk.Green, risk.Red} {
		_, err := b.Submit(context.Background(), domain.Action{ID: "x", Type: "file.read", RiskTier: tier})
		assert.ErrorIs(t, err, ErrDuplicateID, "tier %s", tier)
	}
	assert.Zero(t, exec.count())
	assert.Equal(t, 1, b.PendingCount())

	_, ok := b.Approve(context.Background(), "x", "yellow")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, await(t, pending).res.Status)
	assert.Equal(t, 1, exec.count())
	assert.Equal(t, "email.send", exec.calls[0].Type)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Name{events.ActionSucceeded}, terminal)
}

func TestIDReusableAfterTerminal(t *testing.T) {
	b, exec := newTestBus()
	pending := submitAsync(t, b, domain.Action{ID: "again", RiskTier: risk.Red})
	b.Deny(context.Background(), "again", "red")
	await(t, pending)

	res, err := b.Submit(context.Background(), domain.Action{ID: "again", RiskTier: risk.Green})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	assert.Equal(t, 1, exec.count())
}

func TestMismatchedDecisionTierIsPermissive(t *testing.T) {
	b, _ := newTestBus()
	pending := submitAsync(t, b, domain.Action{ID: "m1", RiskTier: risk.Red})

	_, ok := b.Approve(context.Background(), "m1", "yellow")
	assert.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, await(t, pending).res.Status)
}

func TestExecutingEventCarriesDecisionTier(t *testing.T) {
	b, _ := newTestBus()
	var tier string
	b.Subscribe(events.ActionExecuting, func(_ context.Context, ev events.Event) error {
		tier = ev.Tier
		return nil
	})
	pending := submitAsync(t, b, domain.Action{ID: "t1", RiskTier: risk.Yellow})
	b.Approve(context.Background(), "t1", "yellow")
	await(t, pending)
	assert.Equal(t, "yellow", tier)
}

func TestGenerateActionIDUnique(t *testing.T) {
	b, _ := newTestBus()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := b.GenerateActionID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	b, exec := newTestBus()
	const n = 50
	ids := make([]string, n)
	results := make(chan submission, n)
	started := make(chan struct{}, n)
	b.Subscribe(events.YellowRequested, func(context.Context, events.Event) error {
		started <- struct{}{}
		return nil
	})

	for i := 0; i < n; i++ {
		ids[i] = b.GenerateActionID()
		go func(id string) {
			res, err := b.Submit(context.Background(), domain.Action{ID: id, RiskTier: risk.Yellow})
			results <- submission{res, err}
		}(ids[i])
	}
	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(waitTimeout):
			t.Fatalf("only %d of %d submissions pending", i, n)
		}
	}
	require.Equal(t, n, b.PendingCount())

	for i, id := range ids {
		if i%2 == 0 {
			b.Approve(context.Background(), id, "yellow")
		} else {
			b.Deny(context.Background(), id, "yellow")
		}
	}
	var succeeded, denied int
	for i := 0; i < n; i++ {
		s := <-results
		require.NoError(t, s.err)
		switch s.res.Status {
		case domain.StatusSucceeded:
			succeeded++
		case domain.StatusDenied:
			denied++
		}
	}
	assert.Equal(t, n/2, succeeded)
	assert.Equal(t, n/2, denied)
	assert.Equal(t, n/2, exec.count())
	assert.Zero(t, b.PendingCount())
}
