package otel

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/helmsman-dev/helmsman/internal/port/audit"
)

// MetricsSink implements audit.Sink by translating audit events into
// metric increments. It is composed with the other sinks via audit.Multi,
// so instrumentation rides the same event stream as the audit trail.
type MetricsSink struct {
	m *Metrics
}

// NewMetricsSink creates a sink feeding the given instruments.
func NewMetricsSink(m *Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

// Record implements audit.Sink.
func (s *MetricsSink) Record(ctx context.Context, ev audit.Event) {
	switch ev.Type {
	case audit.TypeSpawnStarted:
		s.m.TasksDispatched.Add(ctx, 1, kindAttr(ev))
	case audit.TypeTaskStatus:
		switch ev.Details["status"] {
		case "completed":
			s.m.TasksCompleted.Add(ctx, 1)
		case "failed":
			s.m.TasksFailed.Add(ctx, 1)
		}
	case audit.TypeIterationDone:
		if ev.Details["success"] == "false" {
			s.m.GateFailures.Add(ctx, 1)
		}
		if secs, err := strconv.ParseFloat(ev.Details["duration_seconds"], 64); err == nil {
			s.m.AttemptDuration.Record(ctx, secs,
				metric.WithAttributes(attribute.String("kind", ev.Details["kind"])))
		}
	case audit.TypeBudgetViolation:
		s.m.BudgetViolations.Add(ctx, 1, kindAttr(ev))
	case audit.TypeBreakerOpened, audit.TypeBreakerClosed:
		s.m.BreakerTransitions.Add(ctx, 1,
			metric.WithAttributes(attribute.String("state", stateFor(ev.Type))))
	case audit.TypeRateLimited:
		s.m.RateRejections.Add(ctx, 1, kindAttr(ev))
	}
}

func kindAttr(ev audit.Event) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", ev.Details["kind"]))
}

func stateFor(t audit.Type) string {
	if t == audit.TypeBreakerOpened {
		return "open"
	}
	return "closed"
}
