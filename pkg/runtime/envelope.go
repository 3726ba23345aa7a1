// Package runtime hosts sharded entity mailboxes: one FIFO queue and one
// consumer goroutine per entity id, with activation on first message, idle
// passivation, and a persisted index of live entities so they reactivate
// after a restart.
package runtime

import "context"

// Envelope carries one message to one entity. Confirm, when set, is called
// exactly once after the entity has durably processed the message; a nil
// error acknowledges it, anything else asks the transport to redeliver.
type Envelope struct {
	EntityID string
	Msg      any
	Confirm  func(err error)
}

// Ack confirms the envelope if it is confirmable.
func (e Envelope) Ack() {
	if e.Confirm != nil {
		e.Confirm(nil)
	}
}

// Fail reports a processing failure to the sender if the envelope is
// confirmable.
func (e Envelope) Fail(err error) {
	if e.Confirm != nil {
		e.Confirm(err)
	}
}

// Directive tells the region what to do with the entity after a message.
type Directive int

const (
	// Continue keeps the entity active.
	Continue Directive = iota
	// Passivate stops the entity after a final snapshot; it stays in the
	// entity index and reactivates on the next message or restart.
	Passivate
	// Remove stops the entity and drops it from the entity index. Used
	// after an aggregate's journal has been deleted.
	Remove
)

// Teller enqueues messages to one specific entity. Handlers receive a
// Teller for their own mailbox so follow-up work keeps FIFO semantics.
type Teller interface {
	Tell(msg any)
}

// Handler processes one entity's messages, strictly in order.
type Handler interface {
	// Activate recovers entity state before the first message. It runs
	// side-effect free: recovery must not resend emails or transfers.
	Activate(ctx context.Context) error
	// Handle processes one envelope, confirming it once its effects are
	// durable, and steers the entity lifecycle through the directive.
	Handle(ctx context.Context, env Envelope) Directive
	// Deactivate runs when the entity stops, whatever the reason.
	Deactivate(ctx context.Context)
}

// HandlerFactory builds the handler for one entity id. self enqueues to the
// entity's own mailbox.
type HandlerFactory func(entityID string, self Teller) Handler

// EntityIndex persists which entity ids are live in a region so a restart
// can reactivate them without waiting for traffic.
type EntityIndex interface {
	Remember(ctx context.Context, region, entityID string) error
	Forget(ctx context.Context, region, entityID string) error
	List(ctx context.Context, region string) ([]string, error)
}
