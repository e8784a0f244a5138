// Package risk defines the three-tier authorization policy applied to every
// state-changing action before it may reach the orchestrator.
package risk

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTier is returned for any tier outside GREEN, YELLOW and RED.
var ErrUnknownTier = errors.New("unknown risk tier")

// Tier is the declared risk classification of an action.
// Only the three constants below are valid; matching is exact. Outer
// surfaces normalize client input with Parse first.
type Tier string

const (
	Green  Tier = "GREEN"
	Yellow Tier = "YELLOW"
	Red    Tier = "RED"
)

// Parse trims and upper-cases a client-supplied tier. Values outside the
// known tiers are returned normalized and still fail Route.
func Parse(s string) Tier {
	return Tier(strings.ToUpper(strings.TrimSpace(s)))
}

// Handling is the routing decision for a tier.
type Handling int

const (
	// HandlingDeny rejects the action without contacting the orchestrator.
	HandlingDeny Handling = iota
	// HandlingExecute executes immediately.
	HandlingExecute
	// HandlingConfirm waits for one human confirmation.
	HandlingConfirm
	// HandlingAuthorize waits for an elevated authorization.
	HandlingAuthorize
)

func (h Handling) String() string {
	switch h {
	case HandlingExecute:
		return "execute"
	case HandlingConfirm:
		return "confirm"
	case HandlingAuthorize:
		return "authorize"
	default:
		return "deny"
	}
}

// RequiresDecision reports whether the action must wait in the pending store.
func (h Handling) RequiresDecision() bool {
	return h == HandlingConfirm || h == HandlingAuthorize
}

// Route maps a tier to its handling. Anything other than the three known
// tiers yields HandlingDeny and an error wrapping ErrUnknownTier.
func Route(t Tier) (Handling, error) {
	switch t {
	case Green:
		return HandlingExecute, nil
	case Yellow:
		return HandlingConfirm, nil
	case Red:
		return HandlingAuthorize, nil
	default:
		return HandlingDeny, &UnknownTierError{Tier: string(t)}
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, err := Route(t)
	return err == nil
}

// Lower returns the lowercase form used in event names ("yellow", "red").
func (t Tier) Lower() string {
	switch t {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Red:
		return "red"
	default:
		return string(t)
	}
}

// UnknownTierError carries the rejected value. Its message is the denial
// reason surfaced to callers.
type UnknownTierError struct {
	Tier string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("Unknown risk tier: %s", e.Tier)
}

func (e *UnknownTierError) Unwrap() error { return ErrUnknownTier }
