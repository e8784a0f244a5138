// Package events implements the lifecycle event channel of the action bus.
// Handlers are isolated from each other and from the emitter: a handler that
// returns an error or panics is logged and skipped.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/officebus/internal/domain"
)

// Name identifies a lifecycle event.
type Name string

const (
	ActionSubmitted Name = "action:submitted"
	ActionExecuting Name = "action:executing"
	ActionSucceeded Name = "action:succeeded"
	ActionFailed    Name = "action:failed"
	ActionDenied    Name = "action:denied"
	YellowRequested Name = "confirmation:yellow:requested"
	RedRequested    Name = "confirmation:red:requested"
)

// All lists every event the bus emits, in lifecycle order.
var All = []Name{
	ActionSubmitted,
	YellowRequested,
	RedRequested,
	ActionExecuting,
	ActionSucceeded,
	ActionFailed,
	ActionDenied,
}

// Terminal reports whether n ends an action's lifecycle.
func (n Name) Terminal() bool {
	return n == ActionSucceeded || n == ActionFailed || n == ActionDenied
}

// Event is the payload delivered to handlers.
type Event struct {
	Name   Name                 `json:"name"`
	Action domain.Action        `json:"action"`
	Result *domain.ActionResult `json:"result,omitempty"` // Set on terminal events.
	Tier   string               `json:"tier,omitempty"`   // Decision tier given to approve/deny.
	Reason string               `json:"reason,omitempty"`
	Time   time.Time            `json:"time"`
}

// Handler receives events. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Channel is a publish/subscribe registry keyed by event name.
// Safe for concurrent use.
type Channel struct {
	mu     sync.RWMutex
	subs   map[Name][]subscription
	nextID uint64
	logger *slog.Logger

	onHandlerError func(name Name, err error)
}

// NewChannel creates an empty channel.
func NewChannel(logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		subs:   make(map[Name][]subscription),
		logger: logger,
	}
}

// OnHandlerError registers a callback invoked whenever a handler fails.
// Used to count contained failures.
func (c *Channel) OnHandlerError(fn func(name Name, err error)) {
	c.mu.Lock()
	c.onHandlerError = fn
	c.mu.Unlock()
}

// Subscribe registers h for name and returns a function removing exactly
// this registration. Calling it more than once is harmless.
func (c *Channel) Subscribe(name Name, h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[name] = append(c.subs[name], subscription{id: id, handler: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(name, id) })
	}
}

// SubscribeAll registers h for every lifecycle event.
func (c *Channel) SubscribeAll(h Handler) func() {
	unsubs := make([]func(), 0, len(All))
	for _, name := range All {
		unsubs = append(unsubs, c.Subscribe(name, h))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *Channel) remove(name Name, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subs[name]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Copy so that in-flight Emit snapshots stay intact.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(c.subs, name)
		} else {
			c.subs[name] = next
		}
		return
	}
}

// Emit delivers ev to every handler registered for ev.Name, in registration
// order. Handlers run outside the registry lock so they may subscribe or
// unsubscribe.
func (c *Channel) Emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	c.mu.RLock()
	subs := c.subs[ev.Name]
	onErr := c.onHandlerError
	c.mu.RUnlock()

	for i, s := range subs {
		if err := c.dispatch(ctx, s.handler, ev); err != nil {
			c.logger.ErrorContext(ctx, "event handler failed",
				slog.String("event", string(ev.Name)),
				slog.String("action_id", ev.Action.ID),
				slog.Int("handler", i),
				slog.String("error", err.Error()),
			)
			if onErr != nil {
				onErr(ev.Name, err)
			}
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Count returns the number of handlers registered for name.
func (c *Channel) Count(name Name) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[name])
}

// Reset drops every subscription.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.subs = make(map[Name][]subscription)
	c.mu.Unlock()
}
