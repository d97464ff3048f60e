package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pipewright"

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	RunsStarted     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsAborted     metric.Int64Counter
	RunsSuspended   metric.Int64Counter
	GateDecisions   metric.Int64Counter
	ToolInvocations metric.Int64Counter
	StageDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments against the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("pipewright.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("pipewright.runs.completed",
		metric.WithDescription("Number of runs that reached the terminal stage"))
	if err != nil {
		return nil, err
	}

	m.RunsAborted, err = meter.Int64Counter("pipewright.runs.aborted",
		metric.WithDescription("Number of runs aborted before completion"))
	if err != nil {
		return nil, err
	}

	m.RunsSuspended, err = meter.Int64Counter("pipewright.runs.suspended",
		metric.WithDescription("Number of suspensions awaiting human resolution"))
	if err != nil {
		return nil, err
	}

	m.GateDecisions, err = meter.Int64Counter("pipewright.gate.decisions",
		metric.WithDescription("Number of gate decisions by stage and outcome"))
	if err != nil {
		return nil, err
	}

	m.ToolInvocations, err = meter.Int64Counter("pipewright.tool.invocations",
		metric.WithDescription("Number of brokered capability invocations"))
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("pipewright.stage.duration_seconds",
		metric.WithDescription("Stage attempt duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
