package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// Config holds the event bus configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream that retains committed events.
	StreamName string

	// StreamSubjects are the subjects captured by the stream.
	StreamSubjects []string

	// MaxAge bounds how long events are retained for subscribers.
	MaxAge time.Duration

	// MaxBytes bounds the stream size.
	MaxBytes int64

	// Logger receives subscription errors. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the standard event bus configuration.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "EVENTS",
		StreamSubjects: []string{"events.>"},
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024, // 1GB
	}
}

// EventBus is a NATS JetStream implementation of eventsourcing.EventBus.
//
// Notifications are published to events.<aggregateType>.<aggregateID>, so a
// subscriber interested in a single entity receives nothing else. Publishes
// carry the event ID as the JetStream message ID, which deduplicates the
// retried publish after a node crashes between journal commit and publish.
type EventBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
	logger     *slog.Logger
	ownsConn   bool

	mu   sync.Mutex
	subs []*busSubscription
}

// NewEventBus connects to NATS and ensures the event stream exists.
func NewEventBus(cfg Config) (*EventBus, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	bus, err := NewEventBusWithConn(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	bus.ownsConn = true
	return bus, nil
}

// NewEventBusWithConn builds an event bus on an existing connection. The
// caller keeps ownership of the connection.
func NewEventBusWithConn(nc *nats.Conn, cfg Config) (*EventBus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := &EventBus{
		nc:         nc,
		js:         js,
		streamName: cfg.StreamName,
		logger:     logger,
	}
	if err := bus.ensureStream(cfg); err != nil {
		return nil, err
	}
	return bus, nil
}

func (b *EventBus) ensureStream(cfg Config) error {
	streamCfg := &nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.StreamSubjects,
		Retention: nats.InterestPolicy,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	_, err := b.js.StreamInfo(cfg.StreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := b.js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info %s: %w", cfg.StreamName, err)
	}
	if _, err := b.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("update stream %s: %w", cfg.StreamName, err)
	}
	return nil
}

// Publish publishes notifications for committed events. The journal is the
// source of truth; a publish failure is reported but the caller's events
// stay committed, and the event ID based message ID makes republish safe.
func (b *EventBus) Publish(notes []*eventsourcing.EventNotification) error {
	for _, note := range notes {
		if note.Event == nil {
			return fmt.Errorf("notification without event")
		}

		data, err := json.Marshal(note)
		if err != nil {
			return fmt.Errorf("marshal notification %s: %w", note.Event.ID, err)
		}

		subject := eventSubject(note.Event.AggregateType, note.Event.AggregateID)
		if _, err := b.js.Publish(subject, data, nats.MsgId(note.Event.ID)); err != nil {
			return fmt.Errorf("publish %s to %s: %w", note.Event.ID, subject, err)
		}
	}
	return nil
}

// Subscribe subscribes to notifications matching the filter. Each
// subscription is a durable queue consumer: redeliveries after a nack or a
// crashed handler land on one member of the queue group.
func (b *EventBus) Subscribe(filter eventsourcing.EventFilter, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	return b.SubscribeDurable("sub_"+eventsourcing.GenerateID()[:8], filter, handler)
}

// SubscribeDurable subscribes with a caller-chosen durable name, so a
// restarted subscriber resumes from its last acknowledged event instead of
// re-reading the stream.
func (b *EventBus) SubscribeDurable(name string, filter eventsourcing.EventFilter, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	sub := &busSubscription{bus: b}
	for i, subject := range subjectsFor(filter) {
		durable := fmt.Sprintf("%s_%d", name, i)
		inner, err := b.js.QueueSubscribe(subject, durable, b.wrap(handler),
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckExplicit(),
		)
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		sub.inner = append(sub.inner, inner)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *EventBus) wrap(handler eventsourcing.EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var note eventsourcing.EventNotification
		if err := json.Unmarshal(msg.Data, &note); err != nil || note.Event == nil {
			// Redelivering a malformed message cannot help, so it is
			// terminated rather than nacked.
			b.logger.Error("dropping undecodable event notification",
				"subject", msg.Subject,
				"error", err,
			)
			_ = msg.Term()
			return
		}

		if err := handler(&note); err != nil {
			b.logger.Warn("event handler failed, requeueing",
				"subject", msg.Subject,
				"event_id", note.Event.ID,
				"error", err,
			)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}
}

// Close unsubscribes all subscriptions and closes the connection if the bus
// owns it.
func (b *EventBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.unsubscribeInner()
	}
	if b.ownsConn {
		b.nc.Close()
	}
	return nil
}

// eventSubject returns the subject a committed event is published on.
func eventSubject(aggregateType, aggregateID string) string {
	return fmt.Sprintf("events.%s.%s", aggregateType, aggregateID)
}

// subjectsFor expands a filter into concrete NATS subjects. An empty filter
// becomes events.>, a type-only filter events.<type>.>, and ids multiply
// out against the requested types.
func subjectsFor(filter eventsourcing.EventFilter) []string {
	if len(filter.AggregateTypes) == 0 && len(filter.AggregateIDs) == 0 {
		return []string{"events.>"}
	}

	types := filter.AggregateTypes
	if len(types) == 0 {
		types = []string{"*"}
	}

	var subjects []string
	for _, typ := range types {
		if len(filter.AggregateIDs) == 0 {
			subjects = append(subjects, fmt.Sprintf("events.%s.>", typ))
			continue
		}
		for _, id := range filter.AggregateIDs {
			subjects = append(subjects, eventSubject(typ, id))
		}
	}
	return subjects
}

type busSubscription struct {
	bus   *EventBus
	inner []*nats.Subscription
}

// Unsubscribe stops delivery on all underlying consumers.
func (s *busSubscription) Unsubscribe() error {
	s.unsubscribeInner()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *busSubscription) unsubscribeInner() {
	for _, sub := range s.inner {
		_ = sub.Unsubscribe()
	}
	s.inner = nil
}
