// Package bus implements the action authorization bus. Every state-changing
// action is routed by its risk tier: GREEN executes immediately, YELLOW and
// RED wait in the pending store for an explicit decision, and anything else
// is denied without reaching the orchestrator.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/officebus/internal/approval"
	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/orchestrator"
	"github.com/jkaninda/officebus/internal/risk"
)

// ErrReset is returned to submitters whose pending action was dropped by Reset.
var ErrReset = errors.New("action bus reset")

// ErrDuplicateID is returned when an action id is already pending.
var ErrDuplicateID = errors.New("action id already pending")

// deniedByApprover is the reason attached to human denials.
const deniedByApprover = "Action denied by approver"

// Bus owns the pending store and the event channel. Construct one per
// process (or per test) and share it by reference.
type Bus struct {
	store    *approval.Store
	events   *events.Channel
	executor orchestrator.Executor
	logger   *slog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	onReset []func()
}

// New creates a bus that executes authorized actions through executor.
func New(executor orchestrator.Executor, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:    approval.NewStore(logger),
		events:   events.NewChannel(logger),
		executor: executor,
		logger:   logger,
		tracer:   trace.NewNoopTracerProvider().Tracer(""),
	}
}

// WithTracer sets the tracer used for submit and decision spans.
func (b *Bus) WithTracer(t trace.Tracer) *Bus {
	if t != nil {
		b.tracer = t
	}
	return b
}

// Events exposes the channel for observers that need handler failure hooks.
func (b *Bus) Events() *events.Channel { return b.events }

// GenerateActionID returns a new unique action identifier.
func (b *Bus) GenerateActionID() string {
	return uuid.NewString()
}

// Submit routes an action by its risk tier and returns its terminal result.
// For YELLOW and RED the call blocks until Approve, Deny or Reset. A canceled
// ctx releases only this caller: the action stays pending. The returned
// error is non-nil only for ctx cancellation, Reset or a duplicate id.
func (b *Bus) Submit(ctx context.Context, action domain.Action) (domain.ActionResult, error) {
	if action.ID == "" {
		action.ID = b.GenerateActionID()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}

	ctx, span := b.tracer.Start(ctx, "bus.submit",
		trace.WithAttributes(
			attribute.String("action.id", action.ID),
			attribute.String("action.type", action.Type),
			attribute.String("action.risk_tier", string(action.RiskTier)),
		))
	defer span.End()

	handling, routeErr := risk.Route(action.RiskTier)

	// A pending id is rejected for every tier before any event is emitted.
	var entry *approval.Entry
	if routeErr == nil && (handling == risk.HandlingConfirm || handling == risk.HandlingAuthorize) {
		var err error
		if entry, err = b.store.Add(action); err != nil {
			return b.duplicate(ctx, span, action)
		}
	} else if _, pending := b.store.Get(action.ID); pending {
		return b.duplicate(ctx, span, action)
	}

	b.logger.InfoContext(ctx, "action submitted",
		slog.String("action_id", action.ID),
		slog.String("type", action.Type),
		slog.String("risk", string(action.RiskTier)),
		slog.String("actor_id", action.ActorID),
		slog.String("widget_id", action.WidgetID),
	)
	b.emit(ctx, events.Event{Name: events.ActionSubmitted, Action: action})

	if routeErr != nil {
		return b.deny(ctx, span, action, routeErr.Error()), nil
	}

	switch handling {
	case risk.HandlingExecute:
		res := b.execute(ctx, action, "")
		span.SetAttributes(attribute.String("action.status", string(res.Status)))
		return res, nil
	case risk.HandlingConfirm, risk.HandlingAuthorize:
		return b.await(ctx, span, action, entry)
	default:
		return b.deny(ctx, span, action, (&risk.UnknownTierError{Tier: string(action.RiskTier)}).Error()), nil
	}
}

func (b *Bus) duplicate(ctx context.Context, span trace.Span, action domain.Action) (domain.ActionResult, error) {
	err := fmt.Errorf("%w: %s", ErrDuplicateID, action.ID)
	b.logger.WarnContext(ctx, "action rejected, id already pending",
		slog.String("action_id", action.ID),
		slog.String("risk", string(action.RiskTier)),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, ErrDuplicateID.Error())
	return domain.ActionResult{ActionID: action.ID}, err
}

func (b *Bus) deny(ctx context.Context, span trace.Span, action domain.Action, reason string) domain.ActionResult {
	res := domain.Denied(action.ID, reason)
	b.logger.WarnContext(ctx, "action denied by policy",
		slog.String("action_id", action.ID),
		slog.String("reason", reason),
	)
	span.SetAttributes(attribute.String("action.status", string(res.Status)))
	b.emit(ctx, events.Event{Name: events.ActionDenied, Action: action, Result: &res, Reason: reason})
	return res
}

func (b *Bus) await(ctx context.Context, span trace.Span, action domain.Action, entry *approval.Entry) (domain.ActionResult, error) {
	name := events.YellowRequested
	if action.RiskTier == risk.Red {
		name = events.RedRequested
	}
	b.emit(ctx, events.Event{Name: name, Action: action})

	select {
	case out := <-entry.Done():
		if out.Dropped {
			span.SetStatus(codes.Error, ErrReset.Error())
			return domain.ActionResult{ActionID: action.ID}, ErrReset
		}
		span.SetAttributes(attribute.String("action.status", string(out.Result.Status)))
		return out.Result, nil
	case <-ctx.Done():
		b.logger.InfoContext(ctx, "submitter stopped waiting, action remains pending",
			slog.String("action_id", action.ID),
		)
		return domain.ActionResult{ActionID: action.ID}, ctx.Err()
	}
}

// execute emits executing, calls the orchestrator and emits the terminal event.
func (b *Bus) execute(ctx context.Context, action domain.Action, tier string) domain.ActionResult {
	b.emit(ctx, events.Event{Name: events.ActionExecuting, Action: action, Tier: tier})

	ctx, span := b.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(attribute.String("action.id", action.ID)))
	res := b.executor.Execute(ctx, action)
	if res.ActionID == "" {
		res.ActionID = action.ID
	}
	if res.Status == domain.StatusFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()

	name := events.ActionSucceeded
	if res.Status != domain.StatusSucceeded {
		name = events.ActionFailed
	}
	b.logger.InfoContext(ctx, "action executed",
		slog.String("action_id", action.ID),
		slog.String("status", string(res.Status)),
		slog.String("receipt_id", res.ReceiptID),
		slog.String("error", res.Error),
	)
	b.emit(ctx, events.Event{Name: name, Action: action, Result: &res, Tier: tier, Reason: res.Error})
	return res
}

// Approve executes a pending action and resolves its submitter. tier is
// recorded on events but not checked against the action's own tier.
// It reports false, doing nothing, when id is not pending.
func (b *Bus) Approve(ctx context.Context, id, tier string) (domain.ActionResult, bool) {
	entry, err := b.store.Claim(id)
	if err != nil {
		b.logger.DebugContext(ctx, "approve ignored",
			slog.String("action_id", id),
			slog.String("reason", err.Error()),
		)
		return domain.ActionResult{}, false
	}
	b.checkTier(ctx, entry.Action, tier)

	ctx, span := b.tracer.Start(ctx, "bus.approve",
		trace.WithAttributes(
			attribute.String("action.id", id),
			attribute.String("decision.tier", tier),
		))
	defer span.End()

	// The claim is final; the execution is not tied to the approver's request.
	res := b.execute(context.WithoutCancel(ctx), entry.Action, tier)
	b.store.Complete(entry, res)
	return res, true
}

// Deny resolves a pending action as denied. It reports false, doing nothing,
// when id is not pending.
func (b *Bus) Deny(ctx context.Context, id, tier string) bool {
	entry, err := b.store.Claim(id)
	if err != nil {
		b.logger.DebugContext(ctx, "deny ignored",
			slog.String("action_id", id),
			slog.String("reason", err.Error()),
		)
		return false
	}
	b.checkTier(ctx, entry.Action, tier)

	ctx, span := b.tracer.Start(ctx, "bus.deny",
		trace.WithAttributes(
			attribute.String("action.id", id),
			attribute.String("decision.tier", tier),
		))
	defer span.End()

	res := domain.Denied(id, deniedByApprover)
	b.logger.InfoContext(ctx, "action denied",
		slog.String("action_id", id),
		slog.String("tier", tier),
	)
	b.emit(ctx, events.Event{Name: events.ActionDenied, Action: entry.Action, Result: &res, Tier: tier, Reason: deniedByApprover})
	b.store.Complete(entry, res)
	return true
}

func (b *Bus) checkTier(ctx context.Context, action domain.Action, tier string) {
	if tier == "" || strings.EqualFold(tier, string(action.RiskTier)) {
		return
	}
	b.logger.WarnContext(ctx, "decision tier does not match action tier",
		slog.String("action_id", action.ID),
		slog.String("action_tier", string(action.RiskTier)),
		slog.String("decision_tier", tier),
	)
}

// Subscribe registers h for name and returns its unsubscribe function.
func (b *Bus) Subscribe(name events.Name, h events.Handler) func() {
	return b.events.Subscribe(name, h)
}

// PendingAction returns the action stored under id, if any.
func (b *Bus) PendingAction(id string) (domain.Action, bool) {
	return b.store.Get(id)
}

// PendingCount returns the number of actions awaiting a decision.
func (b *Bus) PendingCount() int {
	return b.store.Count()
}

// OnReset registers fn to run after every Reset. Long-lived observers use it
// to subscribe again.
func (b *Bus) OnReset(fn func()) {
	b.mu.Lock()
	b.onReset = append(b.onReset, fn)
	b.mu.Unlock()
}

// Reset drops every pending action without a decision and removes every
// subscription. Waiting submitters return ErrReset.
func (b *Bus) Reset() {
	dropped := b.store.Clear()
	b.events.Reset()
	b.logger.Warn("action bus reset", slog.Int("dropped", dropped))

	b.mu.Lock()
	hooks := append([]func(){}, b.onReset...)
	b.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (b *Bus) emit(ctx context.Context, ev events.Event) {
	b.events.Emit(ctx, ev)
}
