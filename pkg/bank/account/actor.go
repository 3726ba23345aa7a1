package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	"github.com/plaenen/bankengine/pkg/idgen"
	"github.com/plaenen/bankengine/pkg/observability"
	"github.com/plaenen/bankengine/pkg/runtime"
)

// ErrNotDrained is returned to the closure finalizer while in-flight
// transfers still hold money on a closed account.
var ErrNotDrained = errors.New("account still has in-flight transfers")

// StateChange asks the aggregate to run one command. Outcome, when set,
// receives the result exactly once; it must be buffered.
type StateChange struct {
	Meta    eventsourcing.CommandMetadata
	Cmd     Command
	Outcome chan<- CommandOutcome
}

// StateChangeBatch runs several commands atomically against a shadow state.
type StateChangeBatch struct {
	Requests []Request
	Outcome  chan<- CommandOutcome
}

// CommandOutcome reports how a command (or batch) ended.
type CommandOutcome struct {
	// Event is the persisted payload; the last one for batches. Nil when
	// the command was rejected.
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

// EvaluateAutoTransfers runs the auto-transfer rules for one frequency.
// The scheduler proxy sends the daily and twice-monthly ticks; the actor
// sends itself the per-transaction one.
type EvaluateAutoTransfers struct {
	Frequency bank.AutoTransferFrequency
}

// DeleteJournal deletes the aggregate's events once the account reached
// ReadyForDelete. Reply must be buffered.
type DeleteJournal struct {
	Reply chan<- error
}

// persistFailed is the self-message an actor enqueues when an append
// failed. It is broadcast and logged; state never changes.
type persistFailed struct {
	CommandType string
	Err         error
}

// Effects is everything the account actor pushes into the rest of the
// system after an event persisted. Implementations must not block the
// calling goroutine; delivery guarantees come from the confirmable command
// flow, not from these calls.
type Effects interface {
	ApproveDebit(ctx context.Context, approval bank.DebitApproval)
	DeclineDebit(ctx context.Context, decline bank.DebitDecline)
	RequestInternalTransfer(ctx context.Context, req bank.TransferRequest)
	RequestDomesticTransfer(ctx context.Context, call bank.DomesticTransferCall)
	EnqueueScheduled(ctx context.Context, st bank.ScheduledTransfer)
	RegisterClosure(ctx context.Context, reg bank.ClosureRegistration)
	AppendStatement(ctx context.Context, stmt bank.BillingStatement)
	SendEmail(ctx context.Context, msg bank.EmailMessage)
	TellAccount(accountID string, change StateChange)
	BroadcastRejection(ctx context.Context, rejection bank.ErrorBroadcast)
	BroadcastPersistFailure(ctx context.Context, accountID, orgID string, err error)
}

// ActorDeps wires an account actor to its infrastructure. Metrics may be
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

// NewHandlerFactory builds account actors for the entity runtime.
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

// Actor owns one account aggregate: it recovers state, runs commands
// through Decide, persists the results, publishes them, and dispatches
// side effects. The entity runtime guarantees single-threaded access.
type Actor struct {
	id   string
	self runtime.Teller
	deps ActorDeps
	log  *slog.Logger

	state           State
	version         int64
	snapshotVersion int64
	removed         bool
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
	a.log.Debug("account recovered", "version", a.version, "status", a.state.Status)
	return nil
}

func (a *Actor) Handle(ctx context.Context, env runtime.Envelope) runtime.Directive {
	switch m := env.Msg.(type) {
	case StateChange:
		a.handleCommand(ctx, env, m)
	case StateChangeBatch:
		a.handleBatch(ctx, env, m)
	case GetState:
		m.Reply <- StateResult{State: a.state.clone(), Version: a.version}
		env.Ack()
	case EvaluateAutoTransfers:
		a.handleEvaluateRules(m)
		env.Ack()
	case DeleteJournal:
		return a.handleDelete(env, m)
	case persistFailed:
		a.deps.Effects.BroadcastPersistFailure(ctx, a.id, a.state.OrgID, m.Err)
		env.Ack()
	default:
		a.log.Warn("unexpected message", "type", fmt.Sprintf("%T", env.Msg))
		env.Ack()
	}
	return runtime.Continue
}

// Deactivate takes a final snapshot before the entity retires. Removed
// entities skip it: a snapshot would resurrect data the deletion erased.
func (a *Actor) Deactivate(ctx context.Context) {
	if a.removed || a.version == 0 || a.version == a.snapshotVersion {
		return
	}
	if err := a.saveSnapshot(); err != nil {
		a.log.Warn("passivation snapshot failed", "error", err)
	}
}

func (a *Actor) handleCommand(ctx context.Context, env runtime.Envelope, m StateChange) {
	// System-issued commands (billing fan-out, scheduler ticks) address the
	// entity without knowing its org; the aggregate fills it in.
	if m.Meta.OrgID == "" {
		m.Meta.OrgID = a.state.OrgID
	}
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

func (a *Actor) handleBatch(ctx context.Context, env runtime.Envelope, m StateChangeBatch) {
	if len(m.Requests) == 0 {
		deliverOutcome(m.Outcome, CommandOutcome{Version: a.version})
		env.Ack()
		return
	}
	events, next, err := DecideAll(a.state, m.Requests)
	if err != nil {
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			if verr, ok := bank.AsValidation(batchErr.Err); ok {
				req := m.Requests[batchErr.Index]
				a.handleValidationError(ctx, StateChange{Meta: req.Meta, Cmd: req.Cmd}, verr)
			}
		}
		deliverOutcome(m.Outcome, CommandOutcome{Err: err})
		env.Ack()
		return
	}

	records := make([]*eventsourcing.Event, 0, len(events))
	for i, evt := range events {
		record, rerr := a.toRecord(evt, m.Requests[i].Meta, a.version+int64(i)+1)
		if rerr != nil {
			a.log.Error("encode event failed", "event", evt.EventType(), "error", rerr)
			deliverOutcome(m.Outcome, CommandOutcome{Err: rerr})
			env.Fail(rerr)
			return
		}
		records = append(records, record)
	}
	start := time.Now()
	newVersion, err := a.deps.Journal.AppendEvents(a.id, a.version, records)
	if err != nil {
		a.log.Error("batch persist failed", "commands", len(m.Requests), "error", err)
		deliverOutcome(m.Outcome, CommandOutcome{Err: err})
		env.Fail(err)
		a.self.Tell(persistFailed{CommandType: "batch", Err: err})
		return
	}
	a.deps.Metrics.RecordAppend(ctx, AggregateType, len(records), time.Since(start))

	a.state = next
	a.version = newVersion
	a.maybeSnapshot()
	a.publish(ctx, records...)
	deliverOutcome(m.Outcome, CommandOutcome{Event: events[len(events)-1], Version: newVersion})
	env.Ack()
	for _, evt := range events {
		a.dispatchEffects(ctx, evt)
	}
}

// handleValidationError implements the rejection policy: no-op codes are
// logged quietly, card debit rejections answer the employee aggregate, and
// everything else is broadcast for clients.
func (a *Actor) handleValidationError(ctx context.Context, m StateChange, verr *bank.ValidationError) {
	if verr.NoOp() {
		a.log.Debug("command superseded", "command", m.Cmd.CommandType(), "code", verr.Code)
		return
	}
	a.log.Info("command rejected", "command", m.Cmd.CommandType(), "code", verr.Code)

	if debit, ok := m.Cmd.(*Debit); ok {
		a.deps.Effects.DeclineDebit(ctx, bank.DebitDecline{
			PurchaseID: debit.PurchaseID,
			EmployeeID: debit.EmployeeID,
			OrgID:      a.state.OrgID,
			CardID:     debit.CardID,
			Amount:     debit.Amount,
			Reason:     verr,
		})
	}
	a.deps.Effects.BroadcastRejection(ctx, bank.ErrorBroadcast{
		EntityID:    a.id,
		EntityType:  AggregateType,
		OrgID:       a.state.OrgID,
		CommandType: m.Cmd.CommandType(),
		Error:       verr,
		OccurredAt:  m.Meta.Timestamp,
	})
}

func (a *Actor) handleEvaluateRules(m EvaluateAutoTransfers) {
	if !a.state.Active() {
		return
	}
	// Outgoing legs persist as one batch: the allocations were computed
	// against a single balance, so either all of them fit the balance at
	// decide time or none of them are journaled.
	var outgoing []Request
	for _, tr := range ComputeAutoTransfers(a.state, m.Frequency) {
		transferID := idgen.MustGenerateSortableID()
		switch tr.Direction {
		case bank.AutoTransferOut:
			outgoing = append(outgoing, Request{
				Meta: a.systemMeta(a.id, a.state.OrgID, transferID),
				Cmd: &InternalAutoTransfer{
					TransferID: transferID,
					RuleID:     tr.RuleID,
					Amount:     tr.Amount,
					Recipient:  tr.Counterparty,
				},
			})
		case bank.AutoTransferIn:
			// Top-ups are funded by the counterparty, so the command goes
			// to the counterparty's mailbox with this account as recipient.
			a.deps.Effects.TellAccount(tr.Counterparty.AccountID, StateChange{
				Meta: a.systemMeta(tr.Counterparty.AccountID, tr.Counterparty.OrgID, transferID),
				Cmd: &InternalAutoTransfer{
					TransferID: transferID,
					RuleID:     tr.RuleID,
					Amount:     tr.Amount,
					Recipient:  a.state.senderParty(),
				},
			})
		}
	}
	if len(outgoing) > 0 {
		a.self.Tell(StateChangeBatch{Requests: outgoing})
	}
}

func (a *Actor) handleDelete(env runtime.Envelope, m DeleteJournal) runtime.Directive {
	if a.state.Status != bank.AccountReadyForDelete {
		m.Reply <- ErrNotDrained
		env.Ack()
		return runtime.Continue
	}
	if err := a.deps.Journal.DeleteEventsUpTo(a.id, a.version); err != nil {
		a.log.Error("journal deletion failed", "error", err)
		m.Reply <- err
		env.Ack()
		return runtime.Continue
	}
	if err := a.deps.Snapshots.DeleteOldSnapshots(a.id, a.version+1); err != nil {
		a.log.Warn("snapshot deletion failed", "error", err)
	}
	a.log.Info("account journal deleted", "version", a.version)
	a.removed = true
	m.Reply <- nil
	env.Ack()
	return runtime.Remove
}

// dispatchEffects runs the post-persist side effects of one event. Effects
// run after the acknowledgement, never during recovery.
func (a *Actor) dispatchEffects(ctx context.Context, evt Event) {
	switch e := evt.(type) {
	case *Created:
		a.deps.Effects.SendEmail(ctx, bank.EmailMessage{
			OrgID:    a.state.OrgID,
			To:       a.state.Owner.Email,
			Template: "account-opened",
			Data: map[string]string{
				"name":     a.state.Owner.FullName(),
				"currency": a.state.Currency,
			},
		})

	case *Debited:
		a.deps.Effects.ApproveDebit(ctx, bank.DebitApproval{
			PurchaseID: e.PurchaseID,
			EmployeeID: e.EmployeeID,
			OrgID:      a.state.OrgID,
			CardID:     e.CardID,
			Amount:     e.Amount,
		})
		a.evaluatePerTransaction()

	case *Deposited:
		a.evaluatePerTransaction()

	case *InternalTransferWithinOrgPending:
		a.deps.Effects.RequestInternalTransfer(ctx, transferRequest(e.Transfer))
	case *InternalTransferBetweenOrgsPending:
		a.deps.Effects.RequestInternalTransfer(ctx, transferRequest(e.Transfer))
	case *InternalAutoTransferPending:
		a.deps.Effects.RequestInternalTransfer(ctx, transferRequest(e.Transfer))

	case *InternalTransferBetweenOrgsScheduled:
		a.deps.Effects.EnqueueScheduled(ctx, bank.ScheduledTransfer{
			DueAt:   e.DueAt,
			Request: transferRequest(e.Transfer),
		})
	case *DomesticTransferScheduled:
		a.deps.Effects.EnqueueScheduled(ctx, bank.ScheduledTransfer{
			DueAt:               e.DueAt,
			Request:             transferRequest(e.Transfer),
			DomesticRecipientID: e.Transfer.RecipientID,
		})

	case *DomesticTransferPending:
		a.deps.Effects.RequestDomesticTransfer(ctx, bank.DomesticTransferCall{
			TransferID:  e.Transfer.TransferID,
			Sender:      e.Transfer.Sender,
			Recipient:   a.state.Recipients[e.Transfer.RecipientID],
			Amount:      e.Transfer.Amount,
			Memo:        e.Transfer.Memo,
			InitiatedAt: e.Transfer.InitiatedAt,
			Attempt:     1,
		})

	case *DomesticRecipientEdited:
		a.retryFailedDomestic(e.Recipient.ID)

	case *InternalTransferWithinOrgDeposited:
		a.evaluatePerTransaction()
	case *InternalTransferBetweenOrgsDeposited:
		// Only cross-org deposits notify the owner; within-org moves are
		// the org shuffling its own money.
		a.deps.Effects.SendEmail(ctx, bank.EmailMessage{
			OrgID:    a.state.OrgID,
			To:       a.state.Owner.Email,
			Template: "transfer-deposited",
			Data:     map[string]string{"amount": e.Amount.String(), "from": e.Sender.Name},
		})
		a.evaluatePerTransaction()
	case *InternalAutoTransferDeposited:
		a.evaluatePerTransaction()
	case *PlatformPaymentDeposited:
		a.evaluatePerTransaction()

	case *PlatformPaymentPaid:
		payee := e.Payment.Payee
		a.deps.Effects.TellAccount(payee.AccountID, StateChange{
			Meta: a.systemMeta(payee.AccountID, payee.OrgID, e.Payment.PaymentID),
			Cmd:  &DepositPlatformPayment{Payment: e.Payment},
		})

	case *AutoTransferRuleConfigured:
		// A fresh per-transaction rule acts on the current balance right
		// away instead of waiting for the next movement.
		if e.Rule.Frequency == bank.FrequencyPerTransaction {
			a.evaluatePerTransaction()
		}

	case *BillingCycleStarted:
		a.assessMaintenanceFee(e)
	case *MaintenanceFeeDebited:
		a.recordStatement(ctx, e.Period, decimal.NewNullDecimal(e.Amount), "")
	case *MaintenanceFeeSkipped:
		a.recordStatement(ctx, e.Period, decimal.NullDecimal{}, string(e.Reason))

	case *AccountClosed:
		a.deps.Effects.RegisterClosure(ctx, bank.ClosureRegistration{
			AccountID: a.id,
			OrgID:     a.state.OrgID,
			Reference: e.Reference,
			ClosedAt:  e.OccurredAt,
		})
		a.deps.Effects.SendEmail(ctx, bank.EmailMessage{
			OrgID:    a.state.OrgID,
			To:       a.state.Owner.Email,
			Template: "account-closed",
			Data:     map[string]string{"name": a.state.Owner.FullName()},
		})
	}
}

// assessMaintenanceFee turns the prior cycle's criteria into the fee
// decision and feeds it back through the mailbox as a regular command.
// Redeliveries are harmless: the decider refuses a second fee for the
// same period.
func (a *Actor) assessMaintenanceFee(e *BillingCycleStarted) {
	meta := a.systemMeta(a.id, a.state.OrgID, "")
	if e.PriorCriteria.Waives() {
		reason := FeeSkipBalanceHeld
		if e.PriorCriteria.QualifyingDepositFound {
			reason = FeeSkipQualifyingDeposit
		}
		a.self.Tell(StateChange{Meta: meta, Cmd: &SkipMaintenanceFee{Period: e.PriorPeriod, Reason: reason}})
		return
	}
	a.self.Tell(StateChange{Meta: meta, Cmd: &MaintenanceFeeDebit{
		Period: e.PriorPeriod,
		Amount: a.state.FeeSchedule.Amount,
	}})
}

// recordStatement completes the period's statement with the fee outcome and
// queues the billing notification. The store ignores rewrites of the same
// account and period, so a redelivered fee command cannot duplicate rows.
func (a *Actor) recordStatement(ctx context.Context, period bank.BillingPeriod, fee decimal.NullDecimal, skipReason string) {
	draft := a.state.PendingStatement
	if draft.Period != period {
		a.log.Warn("no statement draft for fee period", "period", period.Key(), "draft", draft.Period.Key())
		return
	}
	a.deps.Effects.AppendStatement(ctx, bank.BillingStatement{
		AccountID:      a.id,
		OrgID:          a.state.OrgID,
		Period:         period,
		OpeningBalance: draft.OpeningBalance,
		ClosingBalance: draft.ClosingBalance,
		FeeApplied:     fee,
		FeeSkipReason:  skipReason,
	})
	a.deps.Effects.SendEmail(ctx, bank.EmailMessage{
		OrgID:    a.state.OrgID,
		To:       a.state.Owner.Email,
		Template: "billing-statement",
		Data: map[string]string{
			"period":         period.Key(),
			"closingBalance": draft.ClosingBalance.String(),
		},
	})
}

// retryFailedDomestic requeues the transfers parked on an invalid recipient
// after its details were corrected. The original transfer ids are kept so
// the processor sees a retry, not a new transfer.
func (a *Actor) retryFailedDomestic(recipientID string) {
	for _, failed := range a.state.FailedDomesticTransfers {
		if failed.RecipientID != recipientID {
			continue
		}
		a.self.Tell(StateChange{
			Meta: a.systemMeta(a.id, a.state.OrgID, failed.TransferID),
			Cmd: &DomesticTransfer{
				TransferID:  failed.TransferID,
				RecipientID: failed.RecipientID,
				Amount:      failed.Amount,
			},
		})
	}
}

func (a *Actor) evaluatePerTransaction() {
	if len(a.state.AutoTransferRules) == 0 {
		return
	}
	a.self.Tell(EvaluateAutoTransfers{Frequency: bank.FrequencyPerTransaction})
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
		Tags:          eventTags(meta.OrgID, evt),
	}, nil
}

// eventTags labels events for the cross-aggregate tag streams: every event
// carries its org, billing events additionally feed the statement builder.
func eventTags(orgID string, evt Event) []string {
	tags := []string{"org:" + orgID}
	switch evt.(type) {
	case *BillingCycleStarted, *MaintenanceFeeDebited, *MaintenanceFeeSkipped:
		tags = append(tags, "billing")
	}
	return tags
}

func transferRequest(t bank.InFlightTransfer) bank.TransferRequest {
	return bank.TransferRequest{
		TransferID:  t.TransferID,
		Kind:        t.Kind,
		Sender:      t.Sender,
		Recipient:   t.Recipient,
		Amount:      t.Amount,
		Memo:        t.Memo,
		RuleID:      t.RuleID,
		InitiatedAt: t.InitiatedAt,
	}
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

func (a *Actor) systemMeta(entityID, orgID, correlationID string) eventsourcing.CommandMetadata {
	return eventsourcing.CommandMetadata{
		CommandID:     eventsourcing.GenerateID(),
		EntityID:      entityID,
		OrgID:         orgID,
		CorrelationID: correlationID,
		InitiatedByID: "system",
		Timestamp:     eventsourcing.Now(),
	}
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
