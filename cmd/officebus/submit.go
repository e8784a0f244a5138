package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/risk"
)

// Exit codes for the submit and decide commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitNotApproved = 2 // Denied, still pending, or rejected by the gateway.
	ExitUnavailable = 3
)

var (
	submitType       string
	submitTier       string
	submitPayload    string
	submitID         string
	submitWidgetID   string
	submitWait       bool
	submitStream     bool
	submitTimeout    int
	clientGatewayURL string
	clientAPIKey     string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an action to the gateway",
	Long: `Submit an action to the officebus HTTP gateway.
GREEN actions execute immediately. YELLOW and RED actions are reported as
pending unless --wait or --stream is given, in which case the command blocks
until an approver decides.

Examples:
  officebus submit -t file.read -r GREEN
  officebus submit -t email.send -r YELLOW -p '{"to":"a@b.c"}' --wait
  officebus submit -t payment.send -r RED --stream

Exit codes:
  0  succeeded
  1  failed
  2  denied or still pending
  3  gateway unavailable`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitType, "type", "t", "", "action type, e.g. email.send (required)")
	submitCmd.Flags().StringVarP(&submitTier, "risk", "r", "GREEN", "risk tier: GREEN, YELLOW or RED")
	submitCmd.Flags().StringVarP(&submitPayload, "payload", "p", "", "JSON object forwarded to the orchestrator")
	submitCmd.Flags().StringVar(&submitID, "id", "", "action ID (generated by the gateway when empty)")
	submitCmd.Flags().StringVar(&submitWidgetID, "widget-id", "", "originating widget")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "block until the action is decided")
	submitCmd.Flags().BoolVar(&submitStream, "stream", false, "stream lifecycle events via SSE")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 300, "timeout in seconds")
	_ = submitCmd.MarkFlagRequired("type")

	for _, cmd := range []*cobra.Command{submitCmd, decideCmd} {
		cmd.Flags().StringVar(&clientGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or OFFICEBUS_GATEWAY_URL env)")
		cmd.Flags().StringVar(&clientAPIKey, "api-key", "", "API key for gateway authentication (or OFFICEBUS_API_KEY env)")
	}
}

func runSubmit(_ *cobra.Command, _ []string) error {
	action := domain.Action{
		ID:       submitID,
		Type:     submitType,
		RiskTier: risk.Parse(submitTier),
		WidgetID: submitWidgetID,
	}
	if submitPayload != "" {
		if err := json.Unmarshal([]byte(submitPayload), &action.Payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	gc := newGatewayClient()
	if gc.apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set OFFICEBUS_API_KEY)")
		os.Exit(ExitNotApproved)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(submitTimeout)*time.Second)
	defer cancel()

	if submitStream {
		os.Exit(gc.submitStream(ctx, action, os.Stdout, os.Stderr))
	}
	os.Exit(gc.submit(ctx, action, submitWait, os.Stdout, os.Stderr))
	return nil
}

// gatewayClient talks to the HTTP gateway on behalf of the CLI.
type gatewayClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newGatewayClient() *gatewayClient {
	return &gatewayClient{
		baseURL: strings.TrimRight(goutils.Env("OFFICEBUS_GATEWAY_URL", clientGatewayURL), "/"),
		apiKey:  goutils.Env("OFFICEBUS_API_KEY", clientAPIKey),
		http:    http.DefaultClient,
	}
}

func (gc *gatewayClient) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gc.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+gc.apiKey)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return gc.http.Do(req)
}

// submit posts the action and prints the outcome. Returns the exit code.
func (gc *gatewayClient) submit(ctx context.Context, action domain.Action, wait bool, stdout, stderr io.Writer) int {
	path := "/v1/actions"
	if wait {
		path += "?wait=true"
	}
	resp, err := gc.post(ctx, path, action, "")
	if err != nil {
		fmt.Fprintf(stderr, "Error: cannot reach gateway at %s: %v\n", gc.baseURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var res domain.ActionResult
		if err := json.Unmarshal(respBody, &res); err != nil {
			fmt.Fprintf(stderr, "Error: invalid gateway response: %v\n", err)
			return ExitFailure
		}
		return printResult(res, stdout, stderr)

	case http.StatusAccepted:
		var pending struct {
			ActionID string `json:"action_id"`
			RiskTier string `json:"risk_tier"`
		}
		_ = json.Unmarshal(respBody, &pending)
		fmt.Fprintf(stderr, "Pending %s decision\n  action_id: %s\n", pending.RiskTier, pending.ActionID)
		fmt.Fprintln(stdout, pending.ActionID)
		return ExitNotApproved

	default:
		return statusExit(resp.StatusCode, respBody, stderr)
	}
}

// submitStream posts to the SSE endpoint and prints each lifecycle event.
func (gc *gatewayClient) submitStream(ctx context.Context, action domain.Action, stdout, stderr io.Writer) int {
	resp, err := gc.post(ctx, "/v1/actions/stream", action, "text/event-stream")
	if err != nil {
		fmt.Fprintf(stderr, "Error: cannot reach gateway at %s: %v\n", gc.baseURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusExit(resp.StatusCode, body, stderr)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev struct {
			Event    string               `json:"event"`
			ActionID string               `json:"action_id"`
			Tier     string               `json:"tier"`
			Reason   string               `json:"reason"`
			Result   *domain.ActionResult `json:"result"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Event {
		case "result":
			if ev.Result == nil {
				return ExitFailure
			}
			return printResult(*ev.Result, stdout, stderr)
		case "error":
			fmt.Fprintf(stderr, "Error: %s\n", ev.Reason)
			return ExitFailure
		default:
			fmt.Fprintf(stderr, "[%s] %s\n", ev.Event, ev.ActionID)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "Error: stream interrupted: %v\n", err)
		return ExitFailure
	}
	// Stream ended without a result: the action is still pending.
	return ExitNotApproved
}

// printResult prints a terminal result and maps it to an exit code.
func printResult(res domain.ActionResult, stdout, stderr io.Writer) int {
	switch res.Status {
	case domain.StatusSucceeded:
		fmt.Fprintln(stdout, res.ReceiptID)
		fmt.Fprintf(stderr, "[action_id=%s status=succeeded]\n", res.ActionID)
		return ExitSuccess
	case domain.StatusDenied:
		fmt.Fprintf(stderr, "Denied: %s\n", res.Error)
		return ExitNotApproved
	default:
		fmt.Fprintf(stderr, "Failed: %s\n", res.Error)
		return ExitFailure
	}
}

// statusExit reports a non-success gateway status.
func statusExit(code int, body []byte, stderr io.Writer) int {
	switch code {
	case http.StatusUnauthorized:
		fmt.Fprintln(stderr, "Error: unauthorized (check API key)")
		return ExitNotApproved
	case http.StatusTooManyRequests:
		fmt.Fprintln(stderr, "Error: rate limited, try again later")
		return ExitNotApproved
	case http.StatusNotFound:
		fmt.Fprintln(stderr, "Error: no pending action with that ID")
		return ExitFailure
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(stderr, "Error: gateway unavailable (%d)\n", code)
		return ExitUnavailable
	default:
		fmt.Fprintf(stderr, "Error: gateway returned %d: %s\n", code, string(body))
		return ExitFailure
	}
}
