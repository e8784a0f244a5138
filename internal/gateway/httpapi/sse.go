package httpapi

import (
	"context"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/orchestrator"
	"github.com/jkaninda/officebus/internal/risk"
)

// SSEEvent represents a lifecycle step streamed to the submitter.
type SSEEvent struct {
	Event    string               `json:"event"` // Bus event name, "result" or "error".
	ActionID string               `json:"action_id"`
	RiskTier risk.Tier            `json:"risk_tier,omitempty"`
	Tier     string               `json:"tier,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Result   *domain.ActionResult `json:"result,omitempty"`
	Time     time.Time            `json:"time,omitzero"`
}

// handleSubmitStream handles POST /v1/actions/stream. Every lifecycle event
// of the submitted action is sent as it happens, followed by the result.
// Disconnecting releases the stream only; a pending action stays pending.
func (g *Gateway) handleSubmitStream(c *okapi.Context) error {
	actorID := c.GetString("actorID")
	if err := g.allow(c, actorID); err != nil {
		return err
	}

	var action domain.Action
	if err := c.Bind(&action); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if msg := g.prepare(&action, actorID, c.Header(orchestrator.HeaderSuiteID), c.Header(orchestrator.HeaderOfficeID)); msg != "" {
		return c.AbortBadRequest(msg)
	}

	for ev := range g.stream(c.Context(), action) {
		c.SSEvent(ev.Event, ev)
	}
	return nil
}

// stream submits action and returns its lifecycle as a channel closed after
// the terminal "result" or "error" entry. Bus handlers only enqueue; the
// caller is the single writer.
func (g *Gateway) stream(ctx context.Context, action domain.Action) <-chan SSEEvent {
	// A lifecycle emits at most five events before the result.
	lifecycle := make(chan SSEEvent, len(events.All)+1)
	onEvent := func(_ context.Context, ev events.Event) error {
		if ev.Action.ID != action.ID {
			return nil
		}
		select {
		case lifecycle <- SSEEvent{
			Event:    string(ev.Name),
			ActionID: ev.Action.ID,
			RiskTier: ev.Action.RiskTier,
			Tier:     ev.Tier,
			Reason:   ev.Reason,
			Time:     ev.Time,
		}:
		default:
		}
		return nil
	}
	unsubs := make([]func(), 0, len(events.All))
	for _, name := range events.All {
		unsubs = append(unsubs, g.bus.Subscribe(name, onEvent))
	}

	out := make(chan SSEEvent)
	go func() {
		defer close(out)
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()

		type outcome struct {
			res domain.ActionResult
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := g.bus.Submit(ctx, action)
			done <- outcome{res, err}
		}()

		send := func(ev SSEEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case ev := <-lifecycle:
				if !send(ev) {
					return
				}
			case o := <-done:
				// Drain what was emitted before Submit returned.
				for {
					select {
					case ev := <-lifecycle:
						if !send(ev) {
							return
						}
						continue
					default:
					}
					break
				}
				if o.err != nil {
					send(SSEEvent{Event: "error", ActionID: action.ID, Reason: o.err.Error()})
					return
				}
				send(SSEEvent{Event: "result", ActionID: action.ID, Result: &o.res})
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
