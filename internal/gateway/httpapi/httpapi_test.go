package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/officebus/internal/bus"
	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/gateway"
	"github.com/jkaninda/officebus/internal/ratelimit"
	"github.com/jkaninda/officebus/internal/risk"
)

type okExecutor struct{}

func (okExecutor) Execute(_ context.Context, a domain.Action) domain.ActionResult {
	return domain.Succeeded(a.ID, "rcpt-"+a.ID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg Config) (*Gateway, *bus.Bus) {
	t.Helper()
	b := bus.New(okExecutor{}, testLogger())
	t.Cleanup(b.Reset)
	return NewGateway(cfg, b, ratelimit.NewLimiter(ratelimit.Config{}), testLogger()), b
}

func waitPending(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.PendingCount() == n }, 2*time.Second, 5*time.Millisecond)
}

// --- prepare ---

func TestPrepare_FillsDefaults(t *testing.T) {
	g, _ := newTestGateway(t, Config{})

	a := domain.Action{Type: "email.send", RiskTier: risk.Yellow}
	require.Empty(t, g.prepare(&a, "alice", "suite-1", "office-9"))

	assert.Equal(t, "alice", a.ActorID)
	assert.Equal(t, "suite-1", a.SuiteID)
	assert.Equal(t, "office-9", a.OfficeID)
	assert.NotEmpty(t, a.ID)
}

func TestPrepare_KeepsBodyValues(t *testing.T) {
	g, _ := newTestGateway(t, Config{})

	a := domain.Action{ID: "given", Type: "email.send", ActorID: "bob", SuiteID: "s"}
	require.Empty(t, g.prepare(&a, "alice", "other", ""))

	assert.Equal(t, "given", a.ID)
	assert.Equal(t, "bob", a.ActorID)
	assert.Equal(t, "s", a.SuiteID)
}

func TestPrepare_RequiresType(t *testing.T) {
	g, _ := newTestGateway(t, Config{})
	a := domain.Action{Type: "  "}
	assert.Equal(t, "type is required", g.prepare(&a, "alice", "", ""))
}

func TestPrepare_NormalizesTier(t *testing.T) {
	g, _ := newTestGateway(t, Config{})

	for in, want := range map[risk.Tier]risk.Tier{"green": risk.Green, " red ": risk.Red, "purple": "PURPLE"} {
		a := domain.Action{Type: "file.read", RiskTier: in}
		require.Empty(t, g.prepare(&a, "alice", "", ""))
		assert.Equal(t, want, a.RiskTier)
	}

	a := domain.Action{ID: "lc", Type: "file.read", RiskTier: "green"}
	require.Empty(t, g.prepare(&a, "alice", "", ""))
	status, body := g.submit(context.Background(), a, false)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusSucceeded, body.(domain.ActionResult).Status)
}

// --- submit ---

func TestSubmit_GreenReturnsResult(t *testing.T) {
	g, _ := newTestGateway(t, Config{})

	status, body := g.submit(context.Background(), domain.Action{ID: "g1", Type: "file.read", RiskTier: risk.Green}, false)
	require.Equal(t, http.StatusOK, status)
	res, ok := body.(domain.ActionResult)
	require.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	assert.Equal(t, "rcpt-g1", res.ReceiptID)
}

func TestSubmit_UnknownTierDenied(t *testing.T) {
	g, _ := newTestGateway(t, Config{})

	status, body := g.submit(context.Background(), domain.Action{ID: "x", Type: "t", RiskTier: "PURPLE"}, false)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusDenied, body.(domain.ActionResult).Status)
}

func TestSubmit_YellowAnswersPendingThenApproves(t *testing.T) {
	g, b := newTestGateway(t, Config{})

	status, body := g.submit(context.Background(), domain.Action{ID: "y1", Type: "calendar.create", RiskTier: risk.Yellow}, false)
	require.Equal(t, http.StatusAccepted, status)
	p := body.(PendingResponse)
	assert.Equal(t, "y1", p.ActionID)
	assert.Equal(t, "pending", p.Status)
	assert.Equal(t, risk.Yellow, p.RiskTier)
	waitPending(t, b, 1)

	status, body = g.decide(context.Background(), "y1", "approve", "yellow")
	require.Equal(t, http.StatusOK, status)
	d := body.(DecisionResponse)
	require.NotNil(t, d.Result)
	assert.Equal(t, domain.StatusSucceeded, d.Result.Status)
	assert.Equal(t, 0, b.PendingCount())
}

func TestSubmit_DuplicateIDConflicts(t *testing.T) {
	g, b := newTestGateway(t, Config{})
	a := domain.Action{ID: "dup", Type: "email.send", RiskTier: risk.Red}

	status, _ := g.submit(context.Background(), a, false)
	require.Equal(t, http.StatusAccepted, status)
	waitPending(t, b, 1)

	status, body := g.submit(context.Background(), a, false)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, ErrorBody{Error: "action id already pending"}, body)
}

func TestSubmit_GreenWithPendingIDConflicts(t *testing.T) {
	g, b := newTestGateway(t, Config{})

	status, _ := g.submit(context.Background(), domain.Action{ID: "shared", Type: "email.send", RiskTier: risk.Yellow}, false)
	require.Equal(t, http.StatusAccepted, status)
	waitPending(t, b, 1)

	status, _ = g.submit(context.Background(), domain.Action{ID: "shared", Type: "file.read", RiskTier: risk.Green}, false)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, 1, b.PendingCount())
}

func TestSubmit_WaitReturnsDecision(t *testing.T) {
	g, b := newTestGateway(t, Config{MaxWait: 2 * time.Second})

	go func() {
		for !b.Deny(context.Background(), "r1", "red") {
			time.Sleep(5 * time.Millisecond)
		}
	}()

	status, body := g.submit(context.Background(), domain.Action{ID: "r1", Type: "payment.send", RiskTier: risk.Red}, true)
	require.Equal(t, http.StatusOK, status)
	res := body.(domain.ActionResult)
	assert.Equal(t, domain.StatusDenied, res.Status)
	assert.Equal(t, "Action denied by approver", res.Error)
}

func TestSubmit_WaitTimeoutLeavesActionPending(t *testing.T) {
	g, b := newTestGateway(t, Config{MaxWait: 20 * time.Millisecond})

	status, body := g.submit(context.Background(), domain.Action{ID: "slow", Type: "email.send", RiskTier: risk.Yellow}, true)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "slow", body.(PendingResponse).ActionID)
	assert.Equal(t, 1, b.PendingCount())
}

// --- decide / pending ---

func TestDecide_UnknownActionNotFound(t *testing.T) {
	g, _ := newTestGateway(t, Config{})
	status, _ := g.decide(context.Background(), "ghost", "deny", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDecide_InvalidDecision(t *testing.T) {
	g, _ := newTestGateway(t, Config{})
	status, _ := g.decide(context.Background(), "x", "maybe", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPending_ReturnsStoredAction(t *testing.T) {
	g, b := newTestGateway(t, Config{})

	status, _ := g.pending("p1")
	assert.Equal(t, http.StatusNotFound, status)

	g.submit(context.Background(), domain.Action{ID: "p1", Type: "doc.share", RiskTier: risk.Yellow, ActorID: "alice"}, false)
	waitPending(t, b, 1)

	status, body := g.pending("p1")
	require.Equal(t, http.StatusOK, status)
	p := body.(PendingResponse)
	require.NotNil(t, p.Action)
	assert.Equal(t, "doc.share", p.Action.Type)
	assert.Equal(t, "alice", p.Action.ActorID)
}

// --- stream ---

func TestStream_GreenLifecycle(t *testing.T) {
	g, _ := newTestGateway(t, Config{})

	var got []string
	for ev := range g.stream(context.Background(), domain.Action{ID: "s1", Type: "file.read", RiskTier: risk.Green}) {
		got = append(got, ev.Event)
		if ev.Event == "result" {
			require.NotNil(t, ev.Result)
			assert.Equal(t, "rcpt-s1", ev.Result.ReceiptID)
		}
	}
	assert.Equal(t, []string{
		string(events.ActionSubmitted),
		string(events.ActionExecuting),
		string(events.ActionSucceeded),
		"result",
	}, got)
}

func TestStream_PendingUntilDenied(t *testing.T) {
	g, b := newTestGateway(t, Config{})

	ch := g.stream(context.Background(), domain.Action{ID: "s2", Type: "email.send", RiskTier: risk.Red})
	assert.Equal(t, string(events.ActionSubmitted), (<-ch).Event)
	assert.Equal(t, string(events.RedRequested), (<-ch).Event)

	require.True(t, b.Deny(context.Background(), "s2", "red"))

	denied := <-ch
	assert.Equal(t, string(events.ActionDenied), denied.Event)
	assert.Equal(t, "red", denied.Tier)
	final := <-ch
	assert.Equal(t, "result", final.Event)
	assert.Equal(t, domain.StatusDenied, final.Result.Status)

	_, open := <-ch
	assert.False(t, open)
}

func TestStream_CanceledClientLeavesActionPending(t *testing.T) {
	g, b := newTestGateway(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	ch := g.stream(ctx, domain.Action{ID: "s3", Type: "email.send", RiskTier: risk.Yellow})
	<-ch
	<-ch
	cancel()
	for range ch {
	}
	assert.Equal(t, 1, b.PendingCount())
}

// --- auth / errors ---

func TestActorForKey(t *testing.T) {
	g, _ := newTestGateway(t, Config{APIKeys: map[string]string{"key-a": "alice", "key-b": "bob"}})

	actor, ok := g.actorForKey("key-b")
	assert.True(t, ok)
	assert.Equal(t, "bob", actor)

	_, ok = g.actorForKey("key-")
	assert.False(t, ok)
	_, ok = g.actorForKey("")
	assert.False(t, ok)
}

func TestBusErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: a1", bus.ErrDuplicateID), http.StatusConflict},
		{bus.ErrReset, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := busErrorStatus(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	assert.Equal(t, int64(defaultMaxRequestSize), c.maxRequestSize())
	assert.Equal(t, 5*time.Minute, c.maxWait())
}

func TestRequireKey(t *testing.T) {
	g, _ := newTestGateway(t, Config{APIKeys: map[string]string{"key-a": "alice"}})

	var seen string
	h := g.requireKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = gateway.ActorFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer key-a")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", seen)
}
