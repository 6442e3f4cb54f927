// Package otel provides OpenTelemetry metric instruments and provider setup.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "helmsman"

// Metrics holds all Helmsman metric instruments.
type Metrics struct {
	TasksDispatched    metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	GateFailures       metric.Int64Counter
	BudgetViolations   metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	RateRejections     metric.Int64Counter
	AttemptDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("helmsman.tasks.dispatched",
		metric.WithDescription("Number of task attempts dispatched"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("helmsman.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("helmsman.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.GateFailures, err = meter.Int64Counter("helmsman.gates.failed",
		metric.WithDescription("Number of quality gate failures"))
	if err != nil {
		return nil, err
	}

	m.BudgetViolations, err = meter.Int64Counter("helmsman.budget.violations",
		metric.WithDescription("Number of budget ceiling violations"))
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("helmsman.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	m.RateRejections, err = meter.Int64Counter("helmsman.ratelimit.rejections",
		metric.WithDescription("Number of rate limiter rejections"))
	if err != nil {
		return nil, err
	}

	m.AttemptDuration, err = meter.Float64Histogram("helmsman.attempt.duration_seconds",
		metric.WithDescription("Task attempt duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
