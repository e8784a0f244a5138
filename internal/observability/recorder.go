package observability

import (
	"context"

	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/risk"
)

// Subscriber is the part of the bus observers need.
type Subscriber interface {
	Subscribe(name events.Name, h events.Handler) func()
}

// Attach records lifecycle counters from bus events. The returned function
// detaches every handler.
func (m *MetricsCollector) Attach(s Subscriber) func() {
	if m == nil {
		return func() {}
	}

	resolved := func(_ context.Context, ev events.Event) error {
		status := "unknown"
		if ev.Result != nil {
			status = string(ev.Result.Status)
		}
		m.ActionsResolvedTotal.WithLabelValues(tierLabel(ev.Action.RiskTier), status).Inc()
		return nil
	}
	requested := func(_ context.Context, ev events.Event) error {
		m.ConfirmationsRequestedTotal.WithLabelValues(tierLabel(ev.Action.RiskTier)).Inc()
		return nil
	}

	unsubs := []func(){
		s.Subscribe(events.ActionSubmitted, func(_ context.Context, ev events.Event) error {
			m.ActionsSubmittedTotal.WithLabelValues(tierLabel(ev.Action.RiskTier)).Inc()
			return nil
		}),
		s.Subscribe(events.YellowRequested, requested),
		s.Subscribe(events.RedRequested, requested),
		s.Subscribe(events.ActionSucceeded, resolved),
		s.Subscribe(events.ActionFailed, resolved),
		s.Subscribe(events.ActionDenied, resolved),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// CountHandlerFailures hooks the channel's failure callback.
func (m *MetricsCollector) CountHandlerFailures(ch *events.Channel) {
	if m == nil || ch == nil {
		return
	}
	ch.OnHandlerError(func(name events.Name, _ error) {
		m.HandlerFailuresTotal.WithLabelValues(string(name)).Inc()
	})
}

// tierLabel bounds label cardinality: unrecognized tiers share one label.
func tierLabel(t risk.Tier) string {
	if !t.Valid() {
		return "unknown"
	}
	return t.Lower()
}
