// Package httpapi implements the HTTP API gateway of the action bus: widgets
// and agents submit actions, approvers resolve pending ones.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-actor rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/officebus/internal/bus"
	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/events"
	"github.com/jkaninda/officebus/internal/gateway"
	"github.com/jkaninda/officebus/internal/observability"
	"github.com/jkaninda/officebus/internal/orchestrator"
	"github.com/jkaninda/officebus/internal/ratelimit"
	"github.com/jkaninda/officebus/internal/risk"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → actor ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	MaxWait        time.Duration     // Upper bound for ?wait=true. 0 = 5 minutes.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxWait() time.Duration {
	if c.MaxWait > 0 {
		return c.MaxWait
	}
	return 5 * time.Minute
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	bus     gateway.Bus
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (WebSocket stream, MCP).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway over the bus.
func NewGateway(cfg Config, b gateway.Bus, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		bus:     b,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "officebus",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler at the given pattern.
// Used for the WebSocket event stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{method: http.MethodGet, pattern: pattern, handler: handler})
	return g
}

// WithStreamableHandler mounts an API-key protected handler for GET, POST and
// DELETE, as the MCP streamable HTTP transport requires. The actor ID is
// available to the handler through gateway.ActorFromContext.
func (g *Gateway) WithStreamableHandler(pattern string, handler http.Handler) *Gateway {
	protected := g.requireKey(handler)
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		g.extraRoutes = append(g.extraRoutes, extraRoute{method: m, pattern: pattern, handler: protected})
	}
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	maxBody := g.config.maxRequestSize()
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/actions", g.handleSubmit,
		okapi.DocSummary("Submit an action for authorization"),
		okapi.DocTags("Actions"),
		okapi.DocRequestBody(domain.Action{}),
		okapi.DocResponse(domain.ActionResult{}),
		okapi.DocResponse(http.StatusAccepted, PendingResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/actions/stream", g.handleSubmitStream,
		okapi.DocSummary("Submit an action and stream its lifecycle via SSE"),
		okapi.DocTags("Actions"),
		okapi.DocRequestBody(domain.Action{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/actions/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a pending action"),
		okapi.DocTags("Decisions"),
		okapi.DocPathParam("id", "string", "Action ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/actions/{id}/deny", g.handleDeny,
		okapi.DocSummary("Deny a pending action"),
		okapi.DocTags("Decisions"),
		okapi.DocPathParam("id", "string", "Action ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/actions/pending", g.handlePendingCount,
		okapi.DocSummary("Count pending actions"),
		okapi.DocTags("Decisions"),
		okapi.DocResponse(PendingCountResponse{}),
	)
	g.group.Get("/actions/pending/{id}", g.handlePendingGet,
		okapi.DocSummary("Get a pending action"),
		okapi.DocTags("Decisions"),
		okapi.DocPathParam("id", "string", "Action ID"),
		okapi.DocResponse(PendingResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/admin/reset", g.handleReset,
		okapi.DocSummary("Drop every pending action; server observers re-attach"),
		okapi.DocTags("Admin"),
		okapi.DocResponse(okapi.M{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Extra handlers (WebSocket stream, MCP).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(er.method, er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: ?wait=true and SSE hold the response until a decision.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// PendingResponse is returned with HTTP 202 while an action awaits a decision,
// and by GET /v1/actions/pending/{id}.
type PendingResponse struct {
	ActionID string         `json:"action_id"`
	RiskTier risk.Tier      `json:"risk_tier"`
	Status   string         `json:"status"` // Always "pending".
	Action   *domain.Action `json:"action,omitempty"`
}

// PendingCountResponse is the JSON response for GET /v1/actions/pending.
type PendingCountResponse struct {
	Pending int `json:"pending"`
}

// DecisionRequest is the JSON body for approve and deny.
type DecisionRequest struct {
	Tier string `json:"tier"` // Informational: "yellow" or "red".
}

// DecisionResponse is the JSON response after a decision.
type DecisionResponse struct {
	ActionID string               `json:"action_id"`
	Decision string               `json:"decision"`
	Result   *domain.ActionResult `json:"result,omitempty"` // Set for approvals.
}

// HealthResponse is the JSON response for health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
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

	wait := c.Request().URL.Query().Get("wait") == "true"
	status, body := g.submit(c.Context(), action, wait)
	return c.JSON(status, body)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	return g.handleDecision(c, gateway.DecisionApprove)
}

func (g *Gateway) handleDeny(c *okapi.Context) error {
	return g.handleDecision(c, gateway.DecisionDeny)
}

func (g *Gateway) handleDecision(c *okapi.Context, decision string) error {
	actorID := c.GetString("actorID")
	if err := g.allow(c, actorID); err != nil {
		return err
	}

	var req DecisionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.AbortBadRequest("invalid request body")
		}
	}

	id := c.Param("id")
	g.logger.InfoContext(c.Context(), "http decision",
		slog.String("actor_id", actorID),
		slog.String("action_id", id),
		slog.String("decision", decision),
	)
	status, body := g.decide(c.Context(), id, decision, req.Tier)
	return c.JSON(status, body)
}

func (g *Gateway) handlePendingCount(c *okapi.Context) error {
	return c.OK(PendingCountResponse{Pending: g.bus.PendingCount()})
}

func (g *Gateway) handlePendingGet(c *okapi.Context) error {
	status, body := g.pending(c.Param("id"))
	return c.JSON(status, body)
}

func (g *Gateway) handleReset(c *okapi.Context) error {
	g.logger.WarnContext(c.Context(), "bus reset requested", slog.String("actor_id", c.GetString("actorID")))
	g.bus.Reset()
	return c.OK(okapi.M{"status": "reset"})
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Request handling ---

// prepare fills defaults from the caller and validates the action. Returns a
// client-facing message when the action is unusable.
func (g *Gateway) prepare(action *domain.Action, actorID, suiteID, officeID string) string {
	if strings.TrimSpace(action.Type) == "" {
		return "type is required"
	}
	action.RiskTier = risk.Parse(string(action.RiskTier))
	if action.ActorID == "" {
		action.ActorID = actorID
	}
	if action.SuiteID == "" {
		action.SuiteID = suiteID
	}
	if action.OfficeID == "" {
		action.OfficeID = officeID
	}
	if action.ID == "" {
		action.ID = g.bus.GenerateActionID()
	}
	return ""
}

// submit runs an action through the bus. Actions that need a decision answer
// 202 as soon as they are pending unless wait is set; with wait the request
// blocks until the decision or the wait limit, and only the HTTP caller is
// released on timeout.
func (g *Gateway) submit(ctx context.Context, action domain.Action, wait bool) (int, any) {
	handling, err := risk.Route(action.RiskTier)
	if err != nil || !handling.RequiresDecision() {
		res, err := g.bus.Submit(ctx, action)
		if err != nil {
			return busErrorStatus(err)
		}
		return http.StatusOK, res
	}

	if wait {
		return g.submitAndWait(ctx, action)
	}
	return g.submitAsync(ctx, action)
}

func (g *Gateway) submitAndWait(ctx context.Context, action domain.Action) (int, any) {
	waitCtx, cancel := context.WithTimeout(ctx, g.config.maxWait())
	defer cancel()

	res, err := g.bus.Submit(waitCtx, action)
	if err == nil {
		return http.StatusOK, res
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusAccepted, pendingBody(action)
	}
	return busErrorStatus(err)
}

func (g *Gateway) submitAsync(ctx context.Context, action domain.Action) (int, any) {
	requested := make(chan struct{}, 1)
	onRequest := func(_ context.Context, ev events.Event) error {
		if ev.Action.ID == action.ID {
			select {
			case requested <- struct{}{}:
			default:
			}
		}
		return nil
	}
	unsubY := g.bus.Subscribe(events.YellowRequested, onRequest)
	unsubR := g.bus.Subscribe(events.RedRequested, onRequest)
	defer unsubY()
	defer unsubR()

	failed := make(chan error, 1)
	go func() {
		res, err := g.bus.Submit(context.WithoutCancel(ctx), action)
		if err != nil {
			failed <- err
			g.logger.Warn("async action dropped",
				slog.String("action_id", action.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		g.logger.Info("async action resolved",
			slog.String("action_id", action.ID),
			slog.String("status", string(res.Status)),
		)
	}()

	select {
	case <-requested:
		return http.StatusAccepted, pendingBody(action)
	case err := <-failed:
		return busErrorStatus(err)
	case <-ctx.Done():
		return http.StatusAccepted, pendingBody(action)
	}
}

func (g *Gateway) decide(ctx context.Context, id, decision, tier string) (int, any) {
	// Approval outlives a disconnecting approver: the submitter still waits.
	result, applied, err := gateway.Decide(context.WithoutCancel(ctx), g.bus, id, decision, tier)
	if err != nil {
		return http.StatusBadRequest, ErrorBody{Error: err.Error()}
	}
	if !applied {
		return http.StatusNotFound, ErrorBody{Error: "pending action not found"}
	}
	return http.StatusOK, DecisionResponse{ActionID: id, Decision: decision, Result: result}
}

func (g *Gateway) pending(id string) (int, any) {
	action, ok := g.bus.PendingAction(id)
	if !ok {
		return http.StatusNotFound, ErrorBody{Error: "pending action not found"}
	}
	body := pendingBody(action)
	body.Action = &action
	return http.StatusOK, body
}

func pendingBody(action domain.Action) PendingResponse {
	return PendingResponse{ActionID: action.ID, RiskTier: action.RiskTier, Status: "pending"}
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped actor ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		actorID, ok := g.actorForKey(strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("actorID", actorID)
		return next(c)
	}
}

// requireKey is the net/http form of authenticate for mounted handlers.
func (g *Gateway) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		actorID, ok := "", false
		if strings.HasPrefix(authHeader, "Bearer ") {
			actorID, ok = g.actorForKey(strings.TrimPrefix(authHeader, "Bearer "))
		}
		if !ok {
			http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(gateway.WithActor(r.Context(), actorID)))
	})
}

// actorForKey compares against every key so timing does not reveal which
// prefix matched.
func (g *Gateway) actorForKey(apiKey string) (string, bool) {
	actorID := ""
	for key, actor := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			actorID = actor
		}
	}
	return actorID, actorID != ""
}

// allow applies the per-actor rate limit and sets the remaining-quota header.
func (g *Gateway) allow(c *okapi.Context, actorID string) error {
	if g.limiter == nil || g.limiter.Unlimited() {
		return nil
	}
	if err := g.limiter.Allow(actorID); err != nil {
		secs := int(g.limiter.RetryAfter(actorID).Seconds()) + 1
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(g.limiter.Remaining(actorID)))
	return nil
}

// --- Helpers ---

// busErrorStatus maps bus errors to HTTP responses.
func busErrorStatus(err error) (int, any) {
	switch {
	case errors.Is(err, bus.ErrDuplicateID):
		return http.StatusConflict, ErrorBody{Error: "action id already pending"}
	case errors.Is(err, bus.ErrReset):
		return http.StatusServiceUnavailable, ErrorBody{Error: "action dropped by bus reset"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "submission failed"}
	}
}
