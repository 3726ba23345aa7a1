package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's metric instruments.
type Metrics struct {
	// Command metrics
	CommandsProcessed metric.Int64Counter
	CommandsRejected  metric.Int64Counter
	CommandDuration   metric.Float64Histogram

	// Journal metrics
	EventsAppended  metric.Int64Counter
	EventsPublished metric.Int64Counter
	JournalLatency  metric.Float64Histogram

	// Entity runtime metrics
	EntityActivations  metric.Int64Counter
	EntityPassivations metric.Int64Counter
	RecoveryFailures   metric.Int64Counter

	// Workflow metrics
	TransfersResolved    metric.Int64Counter
	BreakerState         metric.Int64Gauge
	BillingCyclesStarted metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandsProcessed, err = meter.Int64Counter(
		"bankengine.commands.processed",
		metric.WithDescription("Commands accepted and journaled"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.processed: %w", err)
	}

	m.CommandsRejected, err = meter.Int64Counter(
		"bankengine.commands.rejected",
		metric.WithDescription("Commands refused by domain validation"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.rejected: %w", err)
	}

	m.CommandDuration, err = meter.Float64Histogram(
		"bankengine.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"bankengine.events.appended",
		metric.WithDescription("Events appended to the journal"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"bankengine.events.published",
		metric.WithDescription("Event notifications published on the egress bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.JournalLatency, err = meter.Float64Histogram(
		"bankengine.journal.latency",
		metric.WithDescription("Journal operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating journal.latency: %w", err)
	}

	m.EntityActivations, err = meter.Int64Counter(
		"bankengine.entities.activations",
		metric.WithDescription("Entity activations (first message or restart)"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating entities.activations: %w", err)
	}

	m.EntityPassivations, err = meter.Int64Counter(
		"bankengine.entities.passivations",
		metric.WithDescription("Entities passivated after idle timeout or removal"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating entities.passivations: %w", err)
	}

	m.RecoveryFailures, err = meter.Int64Counter(
		"bankengine.entities.recovery_failures",
		metric.WithDescription("Entity activations that failed during replay"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating entities.recovery_failures: %w", err)
	}

	m.TransfersResolved, err = meter.Int64Counter(
		"bankengine.transfers.resolved",
		metric.WithDescription("Transfers that reached a terminal state, by kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transfers.resolved: %w", err)
	}

	m.BreakerState, err = meter.Int64Gauge(
		"bankengine.breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=half-open, 2=open)"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating breaker.state: %w", err)
	}

	m.BillingCyclesStarted, err = meter.Int64Counter(
		"bankengine.billing.cycles_started",
		metric.WithDescription("StartBillingCycle commands emitted by the fan-out"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating billing.cycles_started: %w", err)
	}

	return m, nil
}

// RecordCommand records one processed or rejected command with its duration.
func (m *Metrics) RecordCommand(ctx context.Context, aggregateType, commandType string, rejected bool, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("aggregate", aggregateType),
		attribute.String("command", commandType),
	)
	if rejected {
		m.CommandsRejected.Add(ctx, 1, attrs)
	} else {
		m.CommandsProcessed.Add(ctx, 1, attrs)
	}
	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAppend records one journal append and its latency.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType string, events int, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("aggregate", aggregateType))
	m.EventsAppended.Add(ctx, int64(events), attrs)
	m.JournalLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordPublished records event notifications handed to the egress bus.
func (m *Metrics) RecordPublished(ctx context.Context, aggregateType string, events int) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, int64(events), metric.WithAttributes(
		attribute.String("aggregate", aggregateType),
	))
}

// RecordEntityActivated records one entity activation in a region.
func (m *Metrics) RecordEntityActivated(ctx context.Context, region string) {
	if m == nil {
		return
	}
	m.EntityActivations.Add(ctx, 1, metric.WithAttributes(attribute.String("region", region)))
}

// RecordEntityPassivated records one entity passivation in a region.
func (m *Metrics) RecordEntityPassivated(ctx context.Context, region string) {
	if m == nil {
		return
	}
	m.EntityPassivations.Add(ctx, 1, metric.WithAttributes(attribute.String("region", region)))
}

// RecordRecoveryFailure records one entity activation that failed replay.
func (m *Metrics) RecordRecoveryFailure(ctx context.Context, region string) {
	if m == nil {
		return
	}
	m.RecoveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("region", region)))
}

// RecordBillingCycles records the StartBillingCycle commands emitted by one
// fan-out sweep.
func (m *Metrics) RecordBillingCycles(ctx context.Context, emitted int) {
	if m == nil {
		return
	}
	m.BillingCyclesStarted.Add(ctx, int64(emitted))
}

// RecordTransferResolved records one transfer reaching a terminal state.
func (m *Metrics) RecordTransferResolved(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.TransfersResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordBreakerState records a breaker transition target state.
func (m *Metrics) RecordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil {
		return
	}
	m.BreakerState.Record(ctx, state, metric.WithAttributes(
		attribute.String("breaker", name),
	))
}
