// Package domain defines the entity types shared by the bus, its transports
// and its observers.
package domain

import (
	"time"

	"github.com/jkaninda/officebus/internal/risk"
)

// Action is a request from a widget or agent to perform a side-effecting
// operation. Type and Payload are opaque to the bus.
type Action struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"` // Dotted operation name, e.g. "email.send".
	WidgetID  string         `json:"widget_id,omitempty"`
	RiskTier  risk.Tier      `json:"risk_tier"`
	Payload   map[string]any `json:"payload,omitempty"`
	SuiteID   string         `json:"suite_id,omitempty"`
	OfficeID  string         `json:"office_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
}

// Status is the terminal outcome of an action.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDenied    Status = "denied"
)

// ActionResult is delivered exactly once to the submitter of an action.
type ActionResult struct {
	ActionID  string `json:"action_id"`
	Status    Status `json:"status"`
	ReceiptID string `json:"receipt_id,omitempty"` // Set on success.
	Error     string `json:"error,omitempty"`      // Set on failure or denial.
}

// Succeeded builds a successful result.
func Succeeded(actionID, receiptID string) ActionResult {
	return ActionResult{ActionID: actionID, Status: StatusSucceeded, ReceiptID: receiptID}
}

// Failed builds a failed result.
func Failed(actionID, msg string) ActionResult {
	return ActionResult{ActionID: actionID, Status: StatusFailed, Error: msg}
}

// Denied builds a denied result. reason may be empty for a human denial.
func Denied(actionID, reason string) ActionResult {
	return ActionResult{ActionID: actionID, Status: StatusDenied, Error: reason}
}
