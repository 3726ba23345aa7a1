package billing

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	"github.com/plaenen/bankengine/pkg/sqlite"
)

// Accounts is the slice of the read model the projection writes.
type Accounts interface {
	Save(row sqlite.AccountRow) error
	MarkBillingCycle(accountID string, at time.Time) error
}

// Projection keeps the accounts read model current from the egress bus.
// Every account notification carries the post-event state, so the handler
// upserts blindly instead of folding events; at-least-once delivery then
// costs nothing but a rewrite of the same row.
type Projection struct {
	bus      eventsourcing.EventBus
	accounts Accounts
	logger   *slog.Logger

	sub eventsourcing.Subscription
}

// NewProjection builds the read-model projection.
func NewProjection(bus eventsourcing.EventBus, accounts Accounts, logger *slog.Logger) *Projection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{
		bus:      bus,
		accounts: accounts,
		logger:   logger.With("component", "accounts-projection"),
	}
}

// Start subscribes to account notifications. The durable name pins the
// consumer position across restarts.
func (p *Projection) Start() error {
	sub, err := p.bus.Subscribe(
		eventsourcing.EventFilter{AggregateTypes: []string{account.AggregateType}},
		p.handle,
	)
	if err != nil {
		return fmt.Errorf("subscribe accounts projection: %w", err)
	}
	p.sub = sub
	return nil
}

// Stop unsubscribes.
func (p *Projection) Stop() error {
	if p.sub == nil {
		return nil
	}
	return p.sub.Unsubscribe()
}

// handle applies one notification. Returning an error nacks the message so
// the bus redelivers it; the upsert makes that safe.
func (p *Projection) handle(note *eventsourcing.EventNotification) error {
	state, err := account.UnmarshalState(note.State)
	if err != nil {
		// The state snapshot is produced by this codebase; failure to
		// decode it will not heal on redelivery.
		p.logger.Error("undecodable account state in notification",
			"event", note.Event.EventType,
			"aggregate", note.Event.AggregateID,
			"error", err,
		)
		return nil
	}

	row := sqlite.AccountRow{
		ID:      note.Event.AggregateID,
		OrgID:   state.OrgID,
		Status:  state.Status,
		Balance: state.Balance,
	}
	if err := p.accounts.Save(row); err != nil {
		return err
	}

	if note.Event.EventType == account.EventTypeBillingCycleStarted {
		if err := p.accounts.MarkBillingCycle(note.Event.AggregateID, note.Event.Timestamp); err != nil {
			return err
		}
	}
	return nil
}
