package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates readiness of the bus dependencies and reports
// how many actions are waiting for a decision.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	pending func() int
	logger  *slog.Logger
}

// HealthStatus is the JSON body of /readyz.
type HealthStatus struct {
	Status  string                 `json:"status"` // "ok" or "degraded"
	Pending *int                   `json:"pending,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Status   string `json:"status"` // "ok" or "fail"
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), logger: logger}
}

// AddCheck registers a check. A later check with the same name replaces it.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// ReportPending includes fn's value in every readiness response.
func (h *HealthChecker) ReportPending(fn func() int) {
	h.mu.Lock()
	h.pending = fn
	h.mu.Unlock()
}

// CheckReady runs every check concurrently under a shared timeout.
// The status is "ok" only if all checks pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	pending := h.pending
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok"}
	if pending != nil {
		n := pending()
		status.Pending = &n
	}
	if len(checks) == 0 {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	status.Checks = make(map[string]CheckResult, len(checks))
	for name, check := range checks {
		wg.Go(func() {
			start := time.Now()
			err := check(ctx)
			res := CheckResult{Status: "ok", Duration: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", name),
						slog.String("error", err.Error()),
					)
				}
			}
			mu.Lock()
			status.Checks[name] = res
			if err != nil {
				status.Status = "degraded"
			}
			mu.Unlock()
		})
	}
	wg.Wait()
	return status
}

// ReachabilityCheck succeeds when url answers with any status below 500.
// It sends HEAD and never posts to the execution endpoint.
func ReachabilityCheck(url string) CheckFunc {
	client := &http.Client{Timeout: healthCheckTimeout}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}
