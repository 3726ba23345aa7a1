package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/bank"
)

// NATSScheduler publishes scheduler commands over NATS. Publication is
// fire-and-forget; durability is the external scheduler's side of the
// contract once it consumed the subject.
type NATSScheduler struct {
	nc *nats.Conn
}

// NewNATSScheduler builds a scheduler proxy on an existing connection.
func NewNATSScheduler(nc *nats.Conn) *NATSScheduler {
	return &NATSScheduler{nc: nc}
}

func (s *NATSScheduler) EnqueueTransfer(ctx context.Context, st bank.ScheduledTransfer) error {
	return s.publish(SubjectEnqueueTransfer, st)
}

func (s *NATSScheduler) ScheduleBillingFanout(ctx context.Context, spec string) error {
	return s.publish(SubjectBillingFanout, BillingFanoutSchedule{Spec: spec})
}

func (s *NATSScheduler) DeregisterAccount(ctx context.Context, dereg AccountDeregistration) error {
	return s.publish(SubjectDeregisterAccount, dereg)
}

func (s *NATSScheduler) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal scheduler command: %w", err)
	}
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
