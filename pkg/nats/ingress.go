package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// Command subjects. Commands are requests, not stream entries: the caller
// holds the retry obligation until it has a reply in hand.
const (
	AccountCommandSubject  = "cmd.account"
	EmployeeCommandSubject = "cmd.employee"
)

// CommandResult is the reply to a command request.
type CommandResult struct {
	// OK is true when the command was accepted and journaled (or was a
	// recognized no-op).
	OK bool `json:"ok"`

	// Version is the aggregate version after the command.
	Version int64 `json:"version,omitempty"`

	// EventID and EventType describe the persisted event, when one was.
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`

	// Rejection carries the domain rejection for a refused command.
	// Resending the same command will not help.
	Rejection *bank.ValidationError `json:"rejection,omitempty"`

	// Retryable marks infrastructure failures. The command was not
	// journaled and may be resent with the same command ID.
	Retryable bool   `json:"retryable,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ResultOK builds the reply for an accepted command.
func ResultOK(version int64, eventID, eventType string) CommandResult {
	return CommandResult{OK: true, Version: version, EventID: eventID, EventType: eventType}
}

// ResultRejected builds the reply for a domain rejection.
func ResultRejected(rejection *bank.ValidationError) CommandResult {
	return CommandResult{Rejection: rejection}
}

// ResultRetry builds the reply for a transient infrastructure failure.
func ResultRetry(message string) CommandResult {
	return CommandResult{Retryable: true, Message: message}
}

// RouteFunc dispatches one decoded command envelope, then calls respond
// exactly once. Implementations must bound their own wait on the aggregate.
type RouteFunc func(ctx context.Context, wire eventsourcing.WireCommand, respond func(CommandResult))

// Ingress receives command requests over NATS and routes them to the entity
// regions. It is the write-side front door of a node: everything behind it
// speaks mailbox messages, everything in front of it speaks JSON.
type Ingress struct {
	nc     *nats.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewIngress builds an ingress on an existing connection.
func NewIngress(nc *nats.Conn, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingress{nc: nc, logger: logger, ctx: ctx, cancel: cancel}
}

// Route subscribes the ingress to a command subject. The queue group lets
// several nodes share a subject; one of them receives each request.
func (s *Ingress) Route(subject, queue string, route RouteFunc) error {
	sub, err := s.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		// Dispatch blocks on the aggregate, so it runs off the
		// subscription goroutine to keep unrelated entities parallel.
		go s.dispatch(msg, route)
	})
	if err != nil {
		return fmt.Errorf("route %s: %w", subject, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *Ingress) dispatch(msg *nats.Msg, route RouteFunc) {
	var wire eventsourcing.WireCommand
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		s.deadLetter(msg, fmt.Sprintf("undecodable command envelope: %v", err))
		return
	}
	if wire.CommandType == "" || wire.Metadata.CommandID == "" || wire.Metadata.EntityID == "" {
		s.deadLetter(msg, "command envelope missing command_type, command_id or entity_id")
		return
	}

	route(s.ctx, wire, func(result CommandResult) {
		s.reply(msg, result)
	})
}

// deadLetter handles an envelope that can never be processed. It is logged
// and answered with a non-retryable failure; there is nothing to requeue.
func (s *Ingress) deadLetter(msg *nats.Msg, reason string) {
	s.logger.Error("dead letter on command subject",
		"subject", msg.Subject,
		"reason", reason,
	)
	s.reply(msg, CommandResult{Message: reason})
}

func (s *Ingress) reply(msg *nats.Msg, result CommandResult) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("marshal command result", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("command reply dropped", "subject", msg.Subject, "error", err)
	}
}

// Close stops routing. Inflight dispatches observe the cancelled context.
func (s *Ingress) Close() error {
	s.cancel()

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

// CommandBus is the client side of the ingress.
type CommandBus struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewCommandBus builds a command client. The timeout applies when the
// caller's context has no deadline of its own.
func NewCommandBus(nc *nats.Conn, timeout time.Duration) *CommandBus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandBus{nc: nc, timeout: timeout}
}

// Send submits a command and waits for the node's reply.
func (c *CommandBus) Send(ctx context.Context, subject string, wire eventsourcing.WireCommand) (CommandResult, error) {
	data, err := json.Marshal(wire)
	if err != nil {
		return CommandResult{}, fmt.Errorf("marshal command: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return CommandResult{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var result CommandResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return CommandResult{}, fmt.Errorf("unmarshal command result: %w", err)
	}
	return result, nil
}

// Err converts a result into an error for callers that only care whether
// the command landed.
func (r CommandResult) Err() error {
	switch {
	case r.OK:
		return nil
	case r.Rejection != nil:
		return r.Rejection
	case r.Retryable:
		return fmt.Errorf("command not journaled: %s", r.Message)
	default:
		return errors.New(r.Message)
	}
}
