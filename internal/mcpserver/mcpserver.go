// Package mcpserver exposes the action bus to agents as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/gateway"
	"github.com/jkaninda/officebus/internal/risk"
)

// Tool names.
const (
	ToolSubmit  = "submit_action"
	ToolApprove = "approve_action"
	ToolDeny    = "deny_action"
	ToolPending = "pending_action"
)

// Server wraps an MCP server whose tools drive the bus.
type Server struct {
	bus    gateway.Bus
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates the MCP server and registers the bus tools.
func New(b gateway.Bus, version string, logger *slog.Logger) *Server {
	s := &Server{
		bus:    b,
		logger: logger,
		mcp: server.NewMCPServer("officebus", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	s.mcp.AddTool(mcp.NewTool(ToolSubmit,
		mcp.WithDescription("Submit an action for authorization. GREEN actions execute immediately; "+
			"YELLOW and RED actions return as pending until an approver decides."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Dotted operation name, e.g. email.send")),
		mcp.WithString("risk_tier", mcp.Required(), mcp.Enum(string(risk.Green), string(risk.Yellow), string(risk.Red))),
		mcp.WithObject("payload", mcp.Description("Operation parameters forwarded to the orchestrator")),
		mcp.WithString("id", mcp.Description("Client-chosen action ID; generated when empty")),
		mcp.WithString("widget_id"),
		mcp.WithString("suite_id"),
		mcp.WithString("office_id"),
	), s.handleSubmit)

	s.mcp.AddTool(mcp.NewTool(ToolApprove,
		mcp.WithDescription("Approve a pending action and return its execution result."),
		mcp.WithString("action_id", mcp.Required()),
		mcp.WithString("tier", mcp.Description("Tier being approved: yellow or red")),
	), s.handleDecision(gateway.DecisionApprove))

	s.mcp.AddTool(mcp.NewTool(ToolDeny,
		mcp.WithDescription("Deny a pending action."),
		mcp.WithString("action_id", mcp.Required()),
		mcp.WithString("tier", mcp.Description("Tier being denied: yellow or red")),
	), s.handleDecision(gateway.DecisionDeny))

	s.mcp.AddTool(mcp.NewTool(ToolPending,
		mcp.WithDescription("Look up a pending action by ID."),
		mcp.WithString("action_id", mcp.Required()),
	), s.handlePending)

	return s
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Handler returns the streamable HTTP transport for mounting on the gateway.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return gateway.WithActor(ctx, gateway.ActorFromContext(r.Context()))
		}),
	)
}

// handleSubmit does not wait for a decision: an agent blocked on a human
// would hold the MCP request open indefinitely.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tier, err := req.RequireString("risk_tier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	action := domain.Action{
		ID:       req.GetString("id", ""),
		Type:     actionType,
		RiskTier: risk.Parse(tier),
		WidgetID: req.GetString("widget_id", ""),
		SuiteID:  req.GetString("suite_id", ""),
		OfficeID: req.GetString("office_id", ""),
		ActorID:  gateway.ActorFromContext(ctx),
	}
	if p, ok := req.GetArguments()["payload"].(map[string]any); ok {
		action.Payload = p
	}
	if action.ID == "" {
		action.ID = s.bus.GenerateActionID()
	}

	s.logger.InfoContext(ctx, "mcp submit",
		slog.String("action_id", action.ID),
		slog.String("type", action.Type),
		slog.String("actor_id", action.ActorID),
	)

	handling, err := risk.Route(action.RiskTier)
	if err != nil || !handling.RequiresDecision() {
		res, err := s.bus.Submit(ctx, action)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
	return s.submitPending(ctx, action)
}

func (s *Server) submitPending(ctx context.Context, action domain.Action) (*mcp.CallToolResult, error) {
	failed := make(chan error, 1)
	requested := make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub := s.onRequested(action.ID, requested)
	defer unsub()

	go func() {
		if _, err := s.bus.Submit(context.WithoutCancel(ctx), action); err != nil {
			failed <- err
		}
	}()

	select {
	case <-requested:
		return jsonResult(map[string]any{
			"action_id": action.ID,
			"risk_tier": action.RiskTier,
			"status":    "pending",
		})
	case err := <-failed:
		return mcp.NewToolResultError(err.Error()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onRequested closes ch once the confirmation request for id is emitted.
func (s *Server) onRequested(id string, ch chan struct{}) func() {
	var once sync.Once
	h := func(_ context.Context, ev events.Event) error {
		if ev.Action.ID == id {
			once.Do(func() { close(ch) })
		}
		return nil
	}
	unsubY := s.bus.Subscribe(events.YellowRequested, h)
	unsubR := s.bus.Subscribe(events.RedRequested, h)
	return func() {
		unsubY()
		unsubR()
	}
}

func (s *Server) handleDecision(decision string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("action_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tier := req.GetString("tier", "")

		s.logger.InfoContext(ctx, "mcp decision",
			slog.String("action_id", id),
			slog.String("decision", decision),
			slog.String("actor_id", gateway.ActorFromContext(ctx)),
		)
		result, applied, err := gateway.Decide(context.WithoutCancel(ctx), s.bus, id, decision, tier)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !applied {
			return mcp.NewToolResultError(fmt.Sprintf("no pending action %q", id)), nil
		}
		out := map[string]any{"action_id": id, "decision": decision}
		if result != nil {
			out["result"] = result
		}
		return jsonResult(out)
	}
}

func (s *Server) handlePending(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("action_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action, ok := s.bus.PendingAction(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no pending action %q", id)), nil
	}
	return jsonResult(action)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
