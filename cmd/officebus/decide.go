package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/gateway"
)

var (
	decideTier    string
	decideTimeout int
)

var decideCmd = &cobra.Command{
	Use:   "decide <approve|deny> <action-id>",
	Short: "Approve or deny a pending action",
	Long: `Approve or deny a pending YELLOW or RED action through the HTTP gateway.
An approval returns once the orchestrator has executed the action.

Examples:
  officebus decide approve 3f2c... --tier yellow
  officebus decide deny 3f2c...`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{gateway.DecisionApprove, gateway.DecisionDeny},
	RunE:      runDecide,
}

func init() {
	decideCmd.Flags().StringVar(&decideTier, "tier", "", "tier being decided: yellow or red")
	decideCmd.Flags().IntVar(&decideTimeout, "timeout", 60, "timeout in seconds")
}

func runDecide(_ *cobra.Command, args []string) error {
	decision := strings.ToLower(args[0])
	if decision != gateway.DecisionApprove && decision != gateway.DecisionDeny {
		return fmt.Errorf("decision must be %q or %q, got %q", gateway.DecisionApprove, gateway.DecisionDeny, args[0])
	}

	gc := newGatewayClient()
	if gc.apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set OFFICEBUS_API_KEY)")
		os.Exit(ExitNotApproved)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(decideTimeout)*time.Second)
	defer cancel()

	os.Exit(gc.decide(ctx, args[1], decision, decideTier, os.Stdout, os.Stderr))
	return nil
}

// decide posts a decision for a pending action. Returns the exit code.
func (gc *gatewayClient) decide(ctx context.Context, actionID, decision, tier string, stdout, stderr io.Writer) int {
	path := "/v1/actions/" + url.PathEscape(actionID) + "/" + decision
	resp, err := gc.post(ctx, path, map[string]string{"tier": tier}, "")
	if err != nil {
		fmt.Fprintf(stderr, "Error: cannot reach gateway at %s: %v\n", gc.baseURL, err)
		return ExitUnavailable
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return statusExit(resp.StatusCode, body, stderr)
	}

	var out struct {
		ActionID string               `json:"action_id"`
		Decision string               `json:"decision"`
		Result   *domain.ActionResult `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		fmt.Fprintf(stderr, "Error: invalid gateway response: %v\n", err)
		return ExitFailure
	}
	if out.Result != nil {
		return printResult(*out.Result, stdout, stderr)
	}
	fmt.Fprintf(stderr, "[action_id=%s decision=%s]\n", out.ActionID, out.Decision)
	return ExitSuccess
}
