package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/officebus/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	defaultMinSamples    = 5
)

// AnomalyDetector watches orchestrator failure rates per task type using
// sliding windows and warns when the rate crosses the configured threshold.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	alerting      map[string]bool // Task types currently above threshold.
	taskTypes     *taskTypeSet
	threshold     float64
	minSamples    float64
	window        time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	minSamples := defaultMinSamples
	if cfg.MinSamples > 0 {
		minSamples = cfg.MinSamples
	}

	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		alerting:      make(map[string]bool),
		taskTypes:     newTaskTypeSet(cfg.MaxTaskTypes),
		threshold:     cfg.ErrorRateThreshold,
		minSamples:    float64(minSamples),
		window:        window,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed execution for anomaly tracking.
func (a *AnomalyDetector) RecordError(taskType string) {
	if a == nil {
		return
	}
	taskType = a.taskTypes.admit(taskType)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, taskType).add(a.now(), 1)
	a.checkErrorRate(taskType)
}

// RecordSuccess records a successful execution.
func (a *AnomalyDetector) RecordSuccess(taskType string) {
	if a == nil {
		return
	}
	taskType = a.taskTypes.admit(taskType)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, taskType).add(a.now(), 1)
	a.checkErrorRate(taskType)
}

// ErrorRate returns the failure rate within the window, and whether enough
// samples exist for it to be meaningful.
func (a *AnomalyDetector) ErrorRate(taskType string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	taskType = a.taskTypes.lookup(taskType)
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, total := a.rate(taskType)
	return rate, total >= a.minSamples
}

// Alerting reports whether taskType is currently above the threshold.
func (a *AnomalyDetector) Alerting(taskType string) bool {
	if a == nil {
		return false
	}
	taskType = a.taskTypes.lookup(taskType)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerting[taskType]
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(taskType string) (rate, total float64) {
	now := a.now()
	var errs, successes float64
	if w, ok := a.errorCounts[taskType]; ok {
		errs = w.sum(now)
	}
	if w, ok := a.successCounts[taskType]; ok {
		successes = w.sum(now)
	}
	total = errs + successes
	if total == 0 {
		return 0, 0
	}
	return errs / total, total
}

// checkErrorRate logs once when the rate crosses the threshold and once
// when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(taskType string) {
	if a.threshold <= 0 {
		return
	}

	rate, total := a.rate(taskType)
	if total < a.minSamples {
		return // Not enough data.
	}

	above := rate > a.threshold
	if above == a.alerting[taskType] {
		return
	}
	a.alerting[taskType] = above
	if a.logger == nil {
		return
	}
	if above {
		a.logger.Warn("anomaly detected: high orchestrator failure rate",
			slog.String("task_type", taskType),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("total", total),
		)
	} else {
		a.logger.Info("orchestrator failure rate recovered",
			slog.String("task_type", taskType),
			slog.Float64("error_rate", rate),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
