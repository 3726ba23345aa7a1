package main

import (
	"context"
	"log/slog"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/bank/employee"
	"github.com/plaenen/bankengine/pkg/closure"
	"github.com/plaenen/bankengine/pkg/email"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
	"github.com/plaenen/bankengine/pkg/runtime"
	"github.com/plaenen/bankengine/pkg/scheduler"
	"github.com/plaenen/bankengine/pkg/sqlite"
	"github.com/plaenen/bankengine/pkg/transfer"
)

// Region keys in the node registry.
const (
	keyAccounts  runtime.ServiceKey = "accounts"
	keyEmployees runtime.ServiceKey = "employees"
)

// engineEffects dispatches actor side effects into the rest of the node.
// The regions resolve through the registry because actors and regions are
// built in a cycle; every other field is assigned in buildNode before
// anything starts.
type engineEffects struct {
	registry    *runtime.Registry
	coordinator *transfer.Coordinator
	worker      *transfer.Worker // nil when the gateway is not configured
	sched       scheduler.Scheduler
	emails      email.Sender
	finalizer   *closure.Finalizer
	statements  *sqlite.StatementStore
	broadcaster *natspkg.Broadcaster
	logger      *slog.Logger
}

func (e *engineEffects) forAccounts() account.Effects   { return &accountEffects{e} }
func (e *engineEffects) forEmployees() employee.Effects { return &employeeEffects{e} }

func (e *engineEffects) ApproveDebit(ctx context.Context, approval bank.DebitApproval) {
	e.registry.Region(keyEmployees).Tell(approval.EmployeeID, employee.StateChange{
		Meta: e.systemMeta(approval.EmployeeID, approval.OrgID, approval.PurchaseID),
		Cmd:  &employee.RecordDebitApproval{Approval: approval},
	})
}

func (e *engineEffects) DeclineDebit(ctx context.Context, decline bank.DebitDecline) {
	e.registry.Region(keyEmployees).Tell(decline.EmployeeID, employee.StateChange{
		Meta: e.systemMeta(decline.EmployeeID, decline.OrgID, decline.PurchaseID),
		Cmd:  &employee.RecordDebitDecline{Decline: decline},
	})
}

func (e *engineEffects) RequestDebit(ctx context.Context, req bank.DebitRequest) {
	e.registry.Region(keyAccounts).Tell(req.AccountID, account.StateChange{
		Meta: e.systemMeta(req.AccountID, req.OrgID, req.PurchaseID),
		Cmd: &account.Debit{
			PurchaseID:      req.PurchaseID,
			Amount:          req.Amount,
			Merchant:        req.Merchant,
			EmployeeID:      req.EmployeeID,
			CardID:          req.CardID,
			CardNumberLast4: req.CardNumberLast4,
		},
	})
}

func (e *engineEffects) RequestInternalTransfer(ctx context.Context, req bank.TransferRequest) {
	e.coordinator.Begin(req)
}

func (e *engineEffects) RequestDomesticTransfer(ctx context.Context, call bank.DomesticTransferCall) {
	if e.worker == nil {
		e.logger.Error("domestic transfer dropped, gateway not configured",
			"transfer", call.TransferID, "sender", call.Sender.AccountID)
		return
	}
	e.worker.Enqueue(call)
}

func (e *engineEffects) EnqueueScheduled(ctx context.Context, st bank.ScheduledTransfer) {
	if err := e.sched.EnqueueTransfer(ctx, st); err != nil {
		e.logger.Error("scheduled transfer enqueue failed",
			"transfer", st.Request.TransferID, "error", err)
	}
}

func (e *engineEffects) RegisterClosure(ctx context.Context, reg bank.ClosureRegistration) {
	if err := e.finalizer.Register(ctx, reg); err != nil {
		e.logger.Error("closure registration failed", "account", reg.AccountID, "error", err)
	}
}

func (e *engineEffects) AppendStatement(ctx context.Context, stmt bank.BillingStatement) {
	err := e.statements.Append(sqlite.Statement{
		AccountID:      stmt.AccountID,
		OrgID:          stmt.OrgID,
		Period:         stmt.Period,
		OpeningBalance: stmt.OpeningBalance,
		ClosingBalance: stmt.ClosingBalance,
		FeeApplied:     stmt.FeeApplied,
		FeeSkipReason:  stmt.FeeSkipReason,
		CreatedAt:      eventsourcing.Now(),
	})
	if err != nil {
		e.logger.Error("statement append failed",
			"account", stmt.AccountID, "period", stmt.Period.Key(), "error", err)
	}
}

func (e *engineEffects) SendEmail(ctx context.Context, msg bank.EmailMessage) {
	if err := e.emails.Send(ctx, msg); err != nil {
		e.logger.Error("email enqueue failed", "template", msg.Template, "error", err)
	}
}

func (e *engineEffects) TellAccount(accountID string, change account.StateChange) {
	e.registry.Region(keyAccounts).Tell(accountID, change)
}

func (e *engineEffects) BroadcastRejection(ctx context.Context, rejection bank.ErrorBroadcast) {
	e.broadcaster.PublishRejection(rejection)
}

func (e *engineEffects) systemMeta(entityID, orgID, correlationID string) eventsourcing.CommandMetadata {
	return eventsourcing.CommandMetadata{
		CommandID:     eventsourcing.GenerateID(),
		EntityID:      entityID,
		OrgID:         orgID,
		CorrelationID: correlationID,
		InitiatedByID: "system",
		Timestamp:     eventsourcing.Now(),
	}
}

// accountEffects and employeeEffects pin the entity type on persist-failure
// notices; everything else promotes from the shared dispatcher.
type accountEffects struct{ *engineEffects }

func (e *accountEffects) BroadcastPersistFailure(ctx context.Context, accountID, orgID string, err error) {
	e.broadcaster.PublishPersistFailure(natspkg.PersistFailureNotice{
		EntityType: account.AggregateType,
		EntityID:   accountID,
		OrgID:      orgID,
		Error:      err.Error(),
		OccurredAt: eventsourcing.Now(),
	})
}

type employeeEffects struct{ *engineEffects }

func (e *employeeEffects) BroadcastPersistFailure(ctx context.Context, employeeID, orgID string, err error) {
	e.broadcaster.PublishPersistFailure(natspkg.PersistFailureNotice{
		EntityType: employee.AggregateType,
		EntityID:   employeeID,
		OrgID:      orgID,
		Error:      err.Error(),
		OccurredAt: eventsourcing.Now(),
	})
}
