package employee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	"github.com/plaenen/bankengine/pkg/observability"
	"github.com/plaenen/bankengine/pkg/runtime"
)

// StateChange asks the aggregate to run one command. Outcome, when set,
// receives the result exactly once; it must be buffered.
type StateChange struct {
	Meta    eventsourcing.CommandMetadata
	Cmd     Command
	Outcome chan<- CommandOutcome
}

// CommandOutcome reports how a command ended.
type CommandOutcome struct {
	Event   Event
	Version int64
	Err     error
}

// GetState reads the current state. Reply must be buffered.
type GetState struct {
	Reply chan<- StateResult
}

type StateResult struct {
	State   State
	Version int64
}

// persistFailed is the self-message an actor enqueues when an append
// failed. It is broadcast and logged; state never changes.
type persistFailed struct {
	CommandType string
	Err         error
}

// Effects is everything the employee actor pushes into the rest of the
// system after an event persisted. Implementations must not block the
// calling goroutine.
type Effects interface {
	RequestDebit(ctx context.Context, req bank.DebitRequest)
	SendEmail(ctx context.Context, msg bank.EmailMessage)
	BroadcastRejection(ctx context.Context, rejection bank.ErrorBroadcast)
	BroadcastPersistFailure(ctx context.Context, employeeID, orgID string, err error)
}

// ActorDeps wires an employee actor to its infrastructure. Metrics may be
// nil; the recording helpers no-op on a nil receiver.
type ActorDeps struct {
	Journal   eventsourcing.EventStore
	Snapshots eventsourcing.SnapshotStore
	Strategy  eventsourcing.SnapshotStrategy
	Bus       eventsourcing.EventBus
	Effects   Effects
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// NewHandlerFactory builds employee actors for the entity runtime.
func NewHandlerFactory(deps ActorDeps) runtime.HandlerFactory {
	return func(entityID string, self runtime.Teller) runtime.Handler {
		log := deps.Logger
		if log == nil {
			log = slog.Default()
		}
		return &Actor{
			id:   entityID,
			self: self,
			deps: deps,
			log:  log.With("aggregate", AggregateType, "entity", entityID),
		}
	}
}

// Actor owns one employee aggregate. Same shape as the account actor:
// recover, decide, persist, publish, dispatch; single-threaded by the
// entity runtime.
type Actor struct {
	id   string
	self runtime.Teller
	deps ActorDeps
	log  *slog.Logger

	state           State
	version         int64
	snapshotVersion int64
}

// Activate recovers state from the latest snapshot plus the events after
// it. Recovery never runs side effects.
func (a *Actor) Activate(ctx context.Context) error {
	snap, err := a.deps.Snapshots.GetLatestSnapshot(a.id)
	if err != nil && !errors.Is(err, eventsourcing.ErrSnapshotNotFound) {
		return err
	}
	if snap != nil {
		state, uerr := UnmarshalState(snap.Data)
		if uerr != nil {
			return uerr
		}
		a.state = state
		a.version = snap.Version
		a.snapshotVersion = snap.Version
	}

	events, err := a.deps.Journal.LoadEvents(a.id, a.version)
	if err != nil {
		return err
	}
	for _, evt := range events {
		payload, derr := DecodeEvent(evt)
		if derr != nil {
			return derr
		}
		a.state = Apply(a.state, payload)
		a.version = evt.Version
	}
	a.log.Debug("employee recovered", "version", a.version, "status", a.state.Status)
	return nil
}

func (a *Actor) Handle(ctx context.Context, env runtime.Envelope) runtime.Directive {
	switch m := env.Msg.(type) {
	case StateChange:
		a.handleCommand(ctx, env, m)
	case GetState:
		m.Reply <- StateResult{State: a.state.clone(), Version: a.version}
		env.Ack()
	case persistFailed:
		a.deps.Effects.BroadcastPersistFailure(ctx, a.id, a.state.OrgID, m.Err)
		env.Ack()
	default:
		a.log.Warn("unexpected message", "type", fmt.Sprintf("%T", env.Msg))
		env.Ack()
	}
	return runtime.Continue
}

// Deactivate takes a final snapshot before the entity retires.
func (a *Actor) Deactivate(ctx context.Context) {
	if a.version == 0 || a.version == a.snapshotVersion {
		return
	}
	if err := a.saveSnapshot(); err != nil {
		a.log.Warn("passivation snapshot failed", "error", err)
	}
}

func (a *Actor) handleCommand(ctx context.Context, env runtime.Envelope, m StateChange) {
	evt, err := Decide(a.state, m.Cmd, m.Meta)
	if err != nil {
		if verr, ok := bank.AsValidation(err); ok {
			a.handleValidationError(ctx, m, verr)
		} else {
			a.log.Error("decide failed", "command", m.Cmd.CommandType(), "error", err)
		}
		deliverOutcome(m.Outcome, CommandOutcome{Err: err})
		env.Ack()
		return
	}

	record, err := a.toRecord(evt, m.Meta, a.version+1)
	if err != nil {
		a.log.Error("encode event failed", "event", evt.EventType(), "error", err)
		deliverOutcome(m.Outcome, CommandOutcome{Err: err})
		env.Fail(err)
		return
	}
	start := time.Now()
	newVersion, err := a.deps.Journal.AppendEvents(a.id, a.version, []*eventsourcing.Event{record})
	if err != nil {
		a.log.Error("persist failed", "command", m.Cmd.CommandType(), "error", err)
		deliverOutcome(m.Outcome, CommandOutcome{Err: err})
		env.Fail(err)
		a.self.Tell(persistFailed{CommandType: m.Cmd.CommandType(), Err: err})
		return
	}
	a.deps.Metrics.RecordAppend(ctx, AggregateType, 1, time.Since(start))

	a.state = Apply(a.state, evt)
	a.version = newVersion
	a.maybeSnapshot()
	a.publish(ctx, record)
	deliverOutcome(m.Outcome, CommandOutcome{Event: evt, Version: newVersion})
	env.Ack()
	a.dispatchEffects(ctx, evt)
}

// handleValidationError mirrors the account policy minus the debit decline
// leg, which only runs in the account-to-employee direction.
func (a *Actor) handleValidationError(ctx context.Context, m StateChange, verr *bank.ValidationError) {
	if verr.NoOp() {
		a.log.Debug("command superseded", "command", m.Cmd.CommandType(), "code", verr.Code)
		return
	}
	a.log.Info("command rejected", "command", m.Cmd.CommandType(), "code", verr.Code)
	a.deps.Effects.BroadcastRejection(ctx, bank.ErrorBroadcast{
		EntityID:    a.id,
		EntityType:  AggregateType,
		OrgID:       a.state.OrgID,
		CommandType: m.Cmd.CommandType(),
		Error:       verr,
		OccurredAt:  m.Meta.Timestamp,
	})
}

// dispatchEffects runs the post-persist side effects of one event. Effects
// run after the acknowledgement, never during recovery.
func (a *Actor) dispatchEffects(ctx context.Context, evt Event) {
	switch e := evt.(type) {
	case *Invited:
		a.sendInvite(ctx, e.Token)
	case *InviteRefreshed:
		a.sendInvite(ctx, e.Token)

	case *PurchaseRequested:
		p := e.Purchase
		a.deps.Effects.RequestDebit(ctx, bank.DebitRequest{
			PurchaseID:      p.PurchaseID,
			AccountID:       a.state.AccountID,
			OrgID:           a.state.OrgID,
			EmployeeID:      a.id,
			CardID:          p.CardID,
			CardNumberLast4: a.state.Cards[p.CardID].NumberLast4,
			Amount:          p.Amount,
			Merchant:        p.Merchant,
			OccurredAt:      p.RequestedAt,
		})

	case *PurchaseDeclined:
		reason := ""
		if e.Reason != nil {
			reason = e.Reason.Error()
		}
		a.deps.Effects.SendEmail(ctx, bank.EmailMessage{
			OrgID:    a.state.OrgID,
			To:       a.state.Email,
			Template: "purchase-declined",
			Data: map[string]string{
				"name":   a.state.Name,
				"amount": e.Amount.String(),
				"reason": reason,
			},
		})
	}
}

func (a *Actor) sendInvite(ctx context.Context, token string) {
	a.deps.Effects.SendEmail(ctx, bank.EmailMessage{
		OrgID:    a.state.OrgID,
		To:       a.state.Email,
		Template: "employee-invite",
		Data: map[string]string{
			"name":  a.state.Name,
			"token": token,
		},
	})
}

func (a *Actor) toRecord(evt Event, meta eventsourcing.CommandMetadata, version int64) (*eventsourcing.Event, error) {
	data, err := EncodeEvent(evt)
	if err != nil {
		return nil, err
	}
	return &eventsourcing.Event{
		ID:            eventsourcing.GenerateDeterministicEventID(meta.CommandID, a.id, int(version)),
		AggregateID:   a.id,
		AggregateType: AggregateType,
		EventType:     evt.EventType(),
		Version:       version,
		Timestamp:     meta.Timestamp,
		Data:          data,
		Metadata:      meta.EventMetadata(),
		Tags:          []string{"org:" + meta.OrgID},
	}, nil
}

func (a *Actor) maybeSnapshot() {
	if a.deps.Strategy == nil {
		return
	}
	if !a.deps.Strategy.ShouldCreateSnapshot(a.version, a.version-a.snapshotVersion) {
		return
	}
	if err := a.saveSnapshot(); err != nil {
		a.log.Warn("snapshot failed", "version", a.version, "error", err)
	}
}

func (a *Actor) saveSnapshot() error {
	data, err := MarshalState(a.state)
	if err != nil {
		return err
	}
	err = a.deps.Snapshots.SaveSnapshot(&eventsourcing.Snapshot{
		AggregateID:   a.id,
		AggregateType: AggregateType,
		Version:       a.version,
		Data:          data,
		CreatedAt:     eventsourcing.Now(),
	})
	if err != nil {
		return err
	}
	a.snapshotVersion = a.version
	return nil
}

func (a *Actor) publish(ctx context.Context, records ...*eventsourcing.Event) {
	if a.deps.Bus == nil {
		return
	}
	stateData, err := MarshalState(a.state)
	if err != nil {
		a.log.Error("state encode for publish failed", "error", err)
		return
	}
	notes := make([]*eventsourcing.EventNotification, 0, len(records))
	for _, record := range records {
		notes = append(notes, &eventsourcing.EventNotification{Event: record, State: stateData})
	}
	if err := a.deps.Bus.Publish(notes); err != nil {
		a.log.Error("event publish failed", "events", len(records), "error", err)
		return
	}
	a.deps.Metrics.RecordPublished(ctx, AggregateType, len(records))
}

func deliverOutcome(ch chan<- CommandOutcome, outcome CommandOutcome) {
	if ch == nil {
		return
	}
	select {
	case ch <- outcome:
	default:
	}
}
