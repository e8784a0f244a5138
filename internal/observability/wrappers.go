package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/officebus/internal/domain"
	"github.com/jkaninda/officebus/internal/orchestrator"
)

// InstrumentedExecutor wraps an orchestrator.Executor with metrics, tracing,
// and anomaly detection.
type InstrumentedExecutor struct {
	inner   orchestrator.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

var _ orchestrator.Executor = (*InstrumentedExecutor)(nil)

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner orchestrator.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, action domain.Action) domain.ActionResult {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "orchestrator.request",
			trace.WithAttributes(
				attribute.String("action.id", action.ID),
				attribute.String("action.type", action.Type),
			))
		defer span.End()
	}

	start := time.Now()
	res := e.inner.Execute(ctx, action)
	duration := time.Since(start).Seconds()

	if res.Status != domain.StatusSucceeded && e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetStatus(codes.Error, res.Error)
	}

	if e.metrics != nil {
		taskType := e.metrics.TaskTypeLabel(action.Type)
		e.metrics.ExecutionsTotal.WithLabelValues(taskType, string(res.Status)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(taskType).Observe(duration)
	}

	if e.anomaly != nil {
		if res.Status == domain.StatusSucceeded {
			e.anomaly.RecordSuccess(action.Type)
		} else {
			e.anomaly.RecordError(action.Type)
		}
	}

	return res
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
