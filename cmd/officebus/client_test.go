package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/officebus/internal/audit"
	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/risk"
)

func testClient(t *testing.T, h http.HandlerFunc) *gatewayClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &gatewayClient{baseURL: srv.URL, apiKey: "k1", http: srv.Client()}
}

func TestSubmit_ExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   int
	}{
		{"succeeded", http.StatusOK, domain.Succeeded("a1", "r1"), ExitSuccess},
		{"failed", http.StatusOK, domain.Failed("a1", "boom"), ExitFailure},
		{"denied", http.StatusOK, domain.Denied("a1", ""), ExitNotApproved},
		{"pending", http.StatusAccepted, map[string]string{"action_id": "a1", "risk_tier": "RED", "status": "pending"}, ExitNotApproved},
		{"unauthorized", http.StatusUnauthorized, map[string]string{"error": "unauthorized"}, ExitNotApproved},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"error": "slow down"}, ExitNotApproved},
		{"unavailable", http.StatusServiceUnavailable, map[string]string{"error": "reset"}, ExitUnavailable},
		{"conflict", http.StatusConflict, map[string]string{"error": "duplicate"}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gc := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			})
			var stdout, stderr bytes.Buffer
			got := gc.submit(context.Background(), domain.Action{Type: "email.send", RiskTier: risk.Yellow}, false, &stdout, &stderr)
			assert.Equal(t, tt.want, got, stderr.String())
		})
	}
}

func TestSubmit_SendsActionAndKey(t *testing.T) {
	var gotAuth, gotQuery string
	var gotAction domain.Action
	gc := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotAction)
		_ = json.NewEncoder(w).Encode(domain.Succeeded("a1", "rcpt-1"))
	})

	var stdout, stderr bytes.Buffer
	code := gc.submit(context.Background(), domain.Action{
		ID:       "a1",
		Type:     "email.send",
		RiskTier: risk.Yellow,
		Payload:  map[string]any{"to": "x@y.z"},
	}, true, &stdout, &stderr)

	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "Bearer k1", gotAuth)
	assert.Equal(t, "wait=true", gotQuery)
	assert.Equal(t, "email.send", gotAction.Type)
	assert.Equal(t, "x@y.z", gotAction.Payload["to"])
	assert.Equal(t, "rcpt-1\n", stdout.String())
}

func TestSubmit_GatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gc := &gatewayClient{baseURL: url, apiKey: "k1", http: http.DefaultClient}
	var stdout, stderr bytes.Buffer
	assert.Equal(t, ExitUnavailable, gc.submit(context.Background(), domain.Action{Type: "x"}, false, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "cannot reach gateway")
}

func sseWrite(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func TestSubmitStream(t *testing.T) {
	tests := []struct {
		name   string
		events []map[string]any
		want   int
	}{
		{
			name: "approved then succeeded",
			events: []map[string]any{
				{"event": "yellow_confirmation_requested", "action_id": "s1"},
				{"event": "action_approved", "action_id": "s1", "tier": "yellow"},
				{"event": "result", "action_id": "s1", "result": domain.Succeeded("s1", "r1")},
			},
			want: ExitSuccess,
		},
		{
			name: "denied",
			events: []map[string]any{
				{"event": "red_confirmation_requested", "action_id": "s1"},
				{"event": "result", "action_id": "s1", "result": domain.Denied("s1", "")},
			},
			want: ExitNotApproved,
		},
		{
			name:   "bus error",
			events: []map[string]any{{"event": "error", "action_id": "s1", "reason": "bus reset"}},
			want:   ExitFailure,
		},
		{
			name:   "closed while pending",
			events: []map[string]any{{"event": "red_confirmation_requested", "action_id": "s1"}},
			want:   ExitNotApproved,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gc := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/actions/stream", r.URL.Path)
				assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
				w.Header().Set("Content-Type", "text/event-stream")
				for _, ev := range tt.events {
					sseWrite(w, ev["event"].(string), ev)
				}
			})
			var stdout, stderr bytes.Buffer
			got := gc.submitStream(context.Background(), domain.Action{ID: "s1", Type: "x", RiskTier: risk.Red}, &stdout, &stderr)
			assert.Equal(t, tt.want, got, stderr.String())
		})
	}
}

func TestDecide(t *testing.T) {
	var gotPath, gotTier string
	gc := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotTier = body["tier"]
		if strings.HasSuffix(r.URL.Path, "/missing/deny") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		res := domain.Succeeded("d1", "r9")
		_ = json.NewEncoder(w).Encode(map[string]any{"action_id": "d1", "decision": "approve", "result": res})
	})

	var stdout, stderr bytes.Buffer
	code := gc.decide(context.Background(), "d1", "approve", "yellow", &stdout, &stderr)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "/v1/actions/d1/approve", gotPath)
	assert.Equal(t, "yellow", gotTier)
	assert.Equal(t, "r9\n", stdout.String())

	code = gc.decide(context.Background(), "missing", "deny", "", &stdout, &stderr)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr.String(), "no pending action")
}

func TestWriteRecords(t *testing.T) {
	var buf bytes.Buffer
	err := writeRecords(&buf, []audit.Record{
		{Event: "action_submitted", ActionID: "a1"},
		{Event: "action_executed", ActionID: "a1", Status: "succeeded"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var r audit.Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &r))
	assert.Equal(t, "succeeded", r.Status)
}
