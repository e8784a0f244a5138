// Package orchestrator is the execution client: it turns an authorized action
// into exactly one request to the external orchestrator and normalizes the
// outcome. No retries are performed here.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/jkaninda/officebus/internal/domain"
)

const (
	HeaderSuiteID       = "X-Suite-Id"
	HeaderOfficeID      = "X-Office-Id"
	HeaderCorrelationID = "X-Correlation-Id"

	defaultExecutePath = "/v1/execute"
	defaultTimeout     = 30 * time.Second
)

// Executor executes an authorized action. Implementations never return a Go
// error: transport and application failures become failed results.
type Executor interface {
	Execute(ctx context.Context, action domain.Action) domain.ActionResult
}

// Config configures the HTTP client.
type Config struct {
	BaseURL     string
	ExecutePath string        // Default: /v1/execute.
	Token       string        // Optional bearer token.
	Timeout     time.Duration // Default: 30s.
	UserAgent   string
}

// Request is the execution request body.
type Request struct {
	RiskTier      string         `json:"risk_tier"`
	CorrelationID string         `json:"correlation_id"`
	TaskType      string         `json:"task_type"`
	ActorID       string         `json:"actor_id"`
	Payload       map[string]any `json:"payload"`
}

// Response is the success body returned by the orchestrator.
type Response struct {
	ReceiptID string `json:"receipt_id"`
}

// Client posts actions to the orchestrator execution endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	userAgent  string
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
}

var _ Executor = (*Client)(nil)

// NewClient creates an orchestrator client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("orchestrator base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid orchestrator URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("orchestrator URL scheme must be http or https, got %q", base.Scheme)
	}

	path := cfg.ExecutePath
	if path == "" {
		path = defaultExecutePath
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "officebus/1.0"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			// Execution requests are not replayed against a redirect target.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		endpoint:  strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		token:     cfg.Token,
		userAgent: ua,
		logger:    logger,
	}, nil
}

// WithPropagator forwards trace context on every request.
func (c *Client) WithPropagator(p propagation.TextMapPropagator) *Client {
	c.propagator = p
	return c
}

// Endpoint returns the resolved execution URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Execute performs a single POST for the action.
func (c *Client) Execute(ctx context.Context, action domain.Action) domain.ActionResult {
	payload := action.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(Request{
		RiskTier:      string(action.RiskTier),
		CorrelationID: action.ID,
		TaskType:      action.Type,
		ActorID:       action.ActorID,
		Payload:       payload,
	})
	if err != nil {
		return domain.Failed(action.ID, fmt.Sprintf("encoding request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Failed(action.ID, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderSuiteID, action.SuiteID)
	req.Header.Set(HeaderOfficeID, action.OfficeID)
	req.Header.Set(HeaderCorrelationID, action.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.propagator != nil {
		c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "orchestrator request failed",
			slog.String("action_id", action.ID),
			slog.String("error", err.Error()),
		)
		return domain.Failed(action.ID, transportMessage(err))
	}
	defer resp.Body.Close()

	return c.parseResponse(ctx, action.ID, resp)
}

func (c *Client) parseResponse(ctx context.Context, actionID string, resp *http.Response) domain.ActionResult {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.WarnContext(ctx, "orchestrator rejected action",
			slog.String("action_id", actionID),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return domain.Failed(actionID, fmt.Sprintf("Orchestrator error: %d", resp.StatusCode))
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return domain.Failed(actionID, fmt.Sprintf("decoding orchestrator response: %v", err))
	}
	if out.ReceiptID == "" {
		return domain.Failed(actionID, "Orchestrator response missing receipt_id")
	}
	return domain.Succeeded(actionID, out.ReceiptID)
}

// transportMessage returns the underlying error text, without the
// method and URL prefix added by net/http.
func transportMessage(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err.Error()
	}
	return err.Error()
}
