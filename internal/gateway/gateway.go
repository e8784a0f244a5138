// Package gateway defines the interface for the bus's network entry points
// and the decision routing they share.
package gateway

import (
	"context"
	"fmt"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
)

// Gateway is a network-facing entry point (HTTP API, WebSocket stream).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// Bus is the part of the action bus the gateways drive.
type Bus interface {
	Submit(ctx context.Context, action domain.Action) (domain.ActionResult, error)
	Approve(ctx context.Context, id, tier string) (domain.ActionResult, bool)
	Deny(ctx context.Context, id, tier string) bool
	Subscribe(name events.Name, h events.Handler) func()
	PendingAction(id string) (domain.Action, bool)
	PendingCount() int
	GenerateActionID() string
	Reset()
}

// Decision values accepted by every gateway.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// Decide routes an approve or deny decision to the bus. applied is false when
// no pending action had the id; result is set only for applied approvals.
func Decide(ctx context.Context, b Bus, actionID, decision, tier string) (result *domain.ActionResult, applied bool, err error) {
	switch decision {
	case DecisionApprove:
		res, ok := b.Approve(ctx, actionID, tier)
		if !ok {
			return nil, false, nil
		}
		return &res, true, nil
	case DecisionDeny:
		return nil, b.Deny(ctx, actionID, tier), nil
	default:
		return nil, false, fmt.Errorf("decision must be %q or %q, got %q", DecisionApprove, DecisionDeny, decision)
	}
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying the authenticated actor ID.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the actor ID stored by WithActor, or "".
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}
