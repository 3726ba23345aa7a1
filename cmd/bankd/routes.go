package main

import (
	"context"
	"time"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/bank/employee"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
	"github.com/plaenen/bankengine/pkg/observability"
	"github.com/plaenen/bankengine/pkg/runtime"
)

// accountRoute decodes account commands off the ingress, runs them through
// the region and answers with the outcome. The wait is bounded: a caller
// that hears nothing within the ask timeout gets a retryable failure and
// keeps the retry obligation.
func accountRoute(region *runtime.Region, askTimeout time.Duration, metrics *observability.Metrics) natspkg.RouteFunc {
	return func(ctx context.Context, wire eventsourcing.WireCommand, respond func(natspkg.CommandResult)) {
		cmd, err := account.DecodeCommand(wire)
		if err != nil {
			respond(natspkg.CommandResult{Message: err.Error()})
			return
		}

		start := eventsourcing.Now()
		outcome := make(chan account.CommandOutcome, 1)
		region.Tell(wire.Metadata.EntityID, account.StateChange{
			Meta:    wire.Metadata,
			Cmd:     cmd,
			Outcome: outcome,
		})

		select {
		case out := <-outcome:
			result := commandResult(out.Err, out.Version, wire.Metadata, eventTypeOf(out.Event))
			metrics.RecordCommand(ctx, account.AggregateType, wire.CommandType,
				result.Rejection != nil, time.Since(start))
			respond(result)
		case <-time.After(askTimeout):
			respond(natspkg.ResultRetry("command outcome timed out"))
		case <-ctx.Done():
			respond(natspkg.ResultRetry("node shutting down"))
		}
	}
}

// employeeRoute is the employee counterpart of accountRoute.
func employeeRoute(region *runtime.Region, askTimeout time.Duration, metrics *observability.Metrics) natspkg.RouteFunc {
	return func(ctx context.Context, wire eventsourcing.WireCommand, respond func(natspkg.CommandResult)) {
		cmd, err := employee.DecodeCommand(wire)
		if err != nil {
			respond(natspkg.CommandResult{Message: err.Error()})
			return
		}

		start := eventsourcing.Now()
		outcome := make(chan employee.CommandOutcome, 1)
		region.Tell(wire.Metadata.EntityID, employee.StateChange{
			Meta:    wire.Metadata,
			Cmd:     cmd,
			Outcome: outcome,
		})

		select {
		case out := <-outcome:
			var eventType string
			if out.Event != nil {
				eventType = out.Event.EventType()
			}
			result := commandResult(out.Err, out.Version, wire.Metadata, eventType)
			metrics.RecordCommand(ctx, employee.AggregateType, wire.CommandType,
				result.Rejection != nil, time.Since(start))
			respond(result)
		case <-time.After(askTimeout):
			respond(natspkg.ResultRetry("command outcome timed out"))
		case <-ctx.Done():
			respond(natspkg.ResultRetry("node shutting down"))
		}
	}
}

// commandResult maps a command outcome onto the wire reply. Domain
// rejections are final; anything else that failed may be resent with the
// same command id.
func commandResult(err error, version int64, meta eventsourcing.CommandMetadata, eventType string) natspkg.CommandResult {
	if err == nil {
		var eventID string
		if eventType != "" {
			eventID = eventsourcing.GenerateDeterministicEventID(meta.CommandID, meta.EntityID, int(version))
		}
		return natspkg.ResultOK(version, eventID, eventType)
	}
	if verr, ok := bank.AsValidation(err); ok {
		return natspkg.ResultRejected(verr)
	}
	return natspkg.ResultRetry(err.Error())
}

func eventTypeOf(evt account.Event) string {
	if evt == nil {
		return ""
	}
	return evt.EventType()
}
