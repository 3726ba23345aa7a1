package email

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/bank"
)

// SubjectPrefix namespaces outbound email subjects; the template name is
// the last token so a mailer can subscribe per template.
const SubjectPrefix = "email.outbound"

// NATSSender publishes email messages for the external mailer.
type NATSSender struct {
	nc *nats.Conn
}

// NewNATSSender builds an email proxy on an existing connection.
func NewNATSSender(nc *nats.Conn) *NATSSender {
	return &NATSSender{nc: nc}
}

func (s *NATSSender) Send(ctx context.Context, msg bank.EmailMessage) error {
	if msg.Template == "" {
		return fmt.Errorf("email message without template")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email message: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, msg.Template)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
