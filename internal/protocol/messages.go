// Package protocol defines the WebSocket message types of the lifecycle
// event stream. All messages are JSON-encoded and wrapped in an Envelope for
// uniform routing.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
)

// MessageType identifies the kind of message in the WebSocket protocol.
// Lifecycle events use their event name as the message type.
type MessageType string

const (
	// Client → Gateway
	MsgDecision MessageType = "decision"
	MsgPong     MessageType = "stream.pong"

	// Gateway → Client
	MsgWelcome        MessageType = "stream.welcome"
	MsgPing           MessageType = "stream.ping"
	MsgDecisionResult MessageType = "decision.result"

	// Bidirectional
	MsgError MessageType = "error"
)

// EventType returns the message type for a lifecycle event.
func EventType(name events.Name) MessageType {
	return MessageType(name)
}

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation and deduplication.
	ActionID  string          `json:"action_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FromEvent wraps a lifecycle event. The envelope timestamp is the event time.
func FromEvent(ev events.Event) (*Envelope, error) {
	env, err := NewEnvelope(EventType(ev.Name), EventPayload{
		Action: ev.Action,
		Result: ev.Result,
		Tier:   ev.Tier,
		Reason: ev.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Name, err)
	}
	env.ActionID = ev.Action.ID
	if !ev.Time.IsZero() {
		env.Timestamp = ev.Time
	}
	return env, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Gateway → Client payloads ---

// EventPayload carries a lifecycle event.
type EventPayload struct {
	Action domain.Action        `json:"action"`
	Result *domain.ActionResult `json:"result,omitempty"`
	Tier   string               `json:"tier,omitempty"`
	Reason string               `json:"reason,omitempty"`
}

// WelcomePayload is sent once after the connection is accepted.
type WelcomePayload struct {
	ClientID string `json:"client_id"`
	Pending  int    `json:"pending"`
}

// DecisionResultPayload answers a MsgDecision.
type DecisionResultPayload struct {
	ActionID string               `json:"action_id"`
	Applied  bool                 `json:"applied"` // False when no pending action had this id.
	Result   *domain.ActionResult `json:"result,omitempty"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Client → Gateway payloads ---

// DecisionPayload is sent with MsgDecision to resolve a pending action.
type DecisionPayload struct {
	ActionID string `json:"action_id"`
	Decision string `json:"decision"` // "approve" or "deny"
	Tier     string `json:"tier"`
}

// Validate checks the required fields.
func (d DecisionPayload) Validate() error {
	if d.ActionID == "" {
		return fmt.Errorf("action_id is required")
	}
	if d.Decision != "approve" && d.Decision != "deny" {
		return fmt.Errorf("decision must be \"approve\" or \"deny\", got %q", d.Decision)
	}
	return nil
}
