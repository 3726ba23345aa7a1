// Package scheduler is the outbound proxy for the external persistent
// scheduler. The engine only enqueues and cancels obligations here; the
// scheduler delivers due work back as ordinary commands on the ingress.
package scheduler

import (
	"context"

	"github.com/plaenen/bankengine/pkg/bank"
)

// Subjects the NATS proxy publishes on. The external scheduler consumes
// these; nothing inside the engine subscribes to them.
const (
	SubjectEnqueueTransfer   = "scheduler.transfer.enqueue"
	SubjectBillingFanout     = "scheduler.billing.fanout"
	SubjectDeregisterAccount = "scheduler.account.deregister"
)

// Subjects the external scheduler publishes on when work comes due. The
// node subscribes to these; transfers themselves come back through the
// command ingress instead, because they need a reply.
const (
	SubjectFireBillingFanout = "scheduler.billing.fire"
	SubjectFireAutoTransfers = "scheduler.autotransfer.fire"
)

// BillingFanoutSchedule asks the scheduler to fire the billing fan-out on a
// cron spec.
type BillingFanoutSchedule struct {
	Spec string `json:"spec"`
}

// AutoTransferTick tells one account to evaluate its auto-transfer rules
// for a frequency. The external scheduler emits the Daily and TwiceMonthly
// ticks; the per-transaction evaluation never leaves the aggregate.
type AutoTransferTick struct {
	AccountID string                     `json:"accountId"`
	Frequency bank.AutoTransferFrequency `json:"frequency"`
}

// AccountDeregistration cancels every scheduled obligation of one account:
// parked transfers and its recurring billing participation.
type AccountDeregistration struct {
	AccountID string `json:"accountId"`
	OrgID     string `json:"orgId,omitempty"`
}

// Scheduler enqueues obligations with the external scheduler.
type Scheduler interface {
	// EnqueueTransfer parks a scheduled transfer until it is due. The
	// scheduler then sends the concrete transfer command back through the
	// command ingress.
	EnqueueTransfer(ctx context.Context, st bank.ScheduledTransfer) error

	// ScheduleBillingFanout registers the recurring billing fan-out tick.
	ScheduleBillingFanout(ctx context.Context, spec string) error

	// DeregisterAccount cancels all scheduled obligations of an account.
	// Used by the closure finalizer before the aggregate is forgotten.
	DeregisterAccount(ctx context.Context, dereg AccountDeregistration) error
}
