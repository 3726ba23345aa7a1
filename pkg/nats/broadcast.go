package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/bank"
)

// BreakerTransition reports a circuit breaker state change.
type BreakerTransition struct {
	Name       string    `json:"name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PersistFailureNotice reports an aggregate whose accepted command could not
// be journaled. The entity keeps retrying; operators see the notice.
type PersistFailureNotice struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	OrgID      string    `json:"org_id"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BillingCycleFinished reports the end of one billing fan-out sweep.
type BillingCycleFinished struct {
	Emitted    int       `json:"emitted"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Broadcaster publishes operator-facing signals over core NATS. Broadcasts
// are best effort: a UI that is not connected right now simply misses them,
// the journal and the rejection log in the event stream stay authoritative.
type Broadcaster struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewBroadcaster builds a broadcaster on an existing connection.
func NewBroadcaster(nc *nats.Conn, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{nc: nc, logger: logger}
}

// PublishRejection announces a rejected command on the owning org's subject.
func (b *Broadcaster) PublishRejection(rejection bank.ErrorBroadcast) {
	b.publish(rejectionSubject(rejection.OrgID), rejection)
}

// PublishBreakerTransition announces a circuit breaker state change.
func (b *Broadcaster) PublishBreakerTransition(t BreakerTransition) {
	b.publish(fmt.Sprintf("broadcast.breaker.%s", t.Name), t)
}

// PublishPersistFailure announces a journaling failure on the owning org's
// subject.
func (b *Broadcaster) PublishPersistFailure(notice PersistFailureNotice) {
	b.publish(persistFailureSubject(notice.OrgID), notice)
}

// PublishBillingCycleFinished announces that a billing sweep completed.
func (b *Broadcaster) PublishBillingCycleFinished(done BillingCycleFinished) {
	b.publish(billingFinishedSubject, done)
}

func (b *Broadcaster) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshal broadcast", "subject", subject, "error", err)
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn("broadcast dropped", "subject", subject, "error", err)
	}
}

// SubscribeRejections delivers rejection broadcasts for one org, or for all
// orgs when orgID is empty.
func SubscribeRejections(nc *nats.Conn, orgID string, fn func(bank.ErrorBroadcast)) (*nats.Subscription, error) {
	if orgID == "" {
		orgID = "*"
	}
	return nc.Subscribe(rejectionSubject(orgID), func(msg *nats.Msg) {
		var rejection bank.ErrorBroadcast
		if err := json.Unmarshal(msg.Data, &rejection); err != nil {
			return
		}
		fn(rejection)
	})
}

// SubscribeBreakerTransitions delivers breaker transitions for one breaker,
// or for all breakers when name is empty.
func SubscribeBreakerTransitions(nc *nats.Conn, name string, fn func(BreakerTransition)) (*nats.Subscription, error) {
	if name == "" {
		name = "*"
	}
	return nc.Subscribe(fmt.Sprintf("broadcast.breaker.%s", name), func(msg *nats.Msg) {
		var t BreakerTransition
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return
		}
		fn(t)
	})
}

// SubscribePersistFailures delivers persist failure notices for one org, or
// for all orgs when orgID is empty.
func SubscribePersistFailures(nc *nats.Conn, orgID string, fn func(PersistFailureNotice)) (*nats.Subscription, error) {
	if orgID == "" {
		orgID = "*"
	}
	return nc.Subscribe(persistFailureSubject(orgID), func(msg *nats.Msg) {
		var notice PersistFailureNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			return
		}
		fn(notice)
	})
}

// SubscribeBillingCycleFinished delivers billing sweep completions.
func SubscribeBillingCycleFinished(nc *nats.Conn, fn func(BillingCycleFinished)) (*nats.Subscription, error) {
	return nc.Subscribe(billingFinishedSubject, func(msg *nats.Msg) {
		var done BillingCycleFinished
		if err := json.Unmarshal(msg.Data, &done); err != nil {
			return
		}
		fn(done)
	})
}

const billingFinishedSubject = "broadcast.billing.finished"

func rejectionSubject(orgID string) string {
	return fmt.Sprintf("broadcast.rejections.%s", orgID)
}

func persistFailureSubject(orgID string) string {
	return fmt.Sprintf("broadcast.persist_failures.%s", orgID)
}
