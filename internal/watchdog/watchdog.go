// Package watchdog denies pending confirmations that outlive their tier
// timeout. The bus itself never times out a pending action; the watchdog is
// an optional caller-level policy that goes through the public Deny path, so
// submitters observe an ordinary denial.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/officebus/internal/config"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/risk"
)

// Bus is the part of the action bus the watchdog needs.
type Bus interface {
	Subscribe(name events.Name, h events.Handler) func()
	Deny(ctx context.Context, id, tier string) bool
}

type deadline struct {
	at   time.Time
	tier risk.Tier
}

// Watchdog tracks confirmation deadlines and denies overdue actions on a
// cron schedule.
type Watchdog struct {
	bus      Bus
	yellow   time.Duration
	red      time.Duration
	schedule string
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	deadlines map[string]deadline
}

// New creates a Watchdog from config. A zero tier timeout disables expiry
// for that tier.
func New(b Bus, cfg *config.WatchdogConfig, metrics *Metrics, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		bus:       b,
		yellow:    time.Duration(cfg.YellowTimeoutSeconds) * time.Second,
		red:       time.Duration(cfg.RedTimeoutSeconds) * time.Second,
		schedule:  cfg.SweepSchedule(),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		deadlines: make(map[string]deadline),
	}
}

// Attach subscribes to confirmation requests and terminal events.
// The returned function detaches every handler.
func (w *Watchdog) Attach() func() {
	forget := func(_ context.Context, ev events.Event) error {
		w.mu.Lock()
		delete(w.deadlines, ev.Action.ID)
		w.mu.Unlock()
		return nil
	}
	unsubs := []func(){
		w.bus.Subscribe(events.YellowRequested, w.track),
		w.bus.Subscribe(events.RedRequested, w.track),
		w.bus.Subscribe(events.ActionSucceeded, forget),
		w.bus.Subscribe(events.ActionFailed, forget),
		w.bus.Subscribe(events.ActionDenied, forget),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (w *Watchdog) track(_ context.Context, ev events.Event) error {
	timeout := w.timeoutFor(ev.Action.RiskTier)
	if timeout <= 0 {
		return nil
	}
	w.mu.Lock()
	w.deadlines[ev.Action.ID] = deadline{at: w.now().Add(timeout), tier: ev.Action.RiskTier}
	w.mu.Unlock()
	return nil
}

func (w *Watchdog) timeoutFor(t risk.Tier) time.Duration {
	switch t {
	case risk.Yellow:
		return w.yellow
	case risk.Red:
		return w.red
	default:
		return 0
	}
}

// Start schedules sweeps. Returns a stop function that waits for a running
// sweep to finish.
func (w *Watchdog) Start(ctx context.Context) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(w.schedule, func() { w.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("scheduling watchdog sweep %q: %w", w.schedule, err)
	}
	c.Start()

	w.logger.InfoContext(ctx, "confirmation watchdog started",
		slog.String("schedule", w.schedule),
		slog.Duration("yellow_timeout", w.yellow),
		slog.Duration("red_timeout", w.red),
	)

	return func() {
		<-c.Stop().Done()
		w.logger.Info("confirmation watchdog stopped")
	}, nil
}

// Sweep denies every tracked action whose deadline has passed and returns
// how many denials took effect. Deny runs outside the lock: it emits
// action:denied, which re-enters the watchdog's handlers.
func (w *Watchdog) Sweep(ctx context.Context) int {
	start := time.Now()
	now := w.now()

	w.mu.Lock()
	overdue := make(map[string]risk.Tier)
	for id, d := range w.deadlines {
		if !now.Before(d.at) {
			overdue[id] = d.tier
			delete(w.deadlines, id)
		}
	}
	w.mu.Unlock()

	denied := 0
	for id, tier := range overdue {
		if !w.bus.Deny(ctx, id, tier.Lower()) {
			continue
		}
		denied++
		w.logger.WarnContext(ctx, "confirmation timed out, action denied",
			slog.String("action_id", id),
			slog.String("risk_tier", string(tier)),
		)
		if w.metrics != nil {
			w.metrics.Expired.WithLabelValues(tier.Lower()).Inc()
		}
	}

	if w.metrics != nil {
		w.metrics.Sweeps.Inc()
		w.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	return denied
}

// Tracked returns the number of actions with a running deadline.
func (w *Watchdog) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.deadlines)
}

// Clear forgets every deadline. Called when the bus is reset.
func (w *Watchdog) Clear() {
	w.mu.Lock()
	w.deadlines = make(map[string]deadline)
	w.mu.Unlock()
}
