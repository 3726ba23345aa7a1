package email

import (
	"context"
	"sync"

	"github.com/plaenen/bankengine/pkg/bank"
)

// Memory is an in-process Sender for tests and runs without a mailer.
type Memory struct {
	mu   sync.Mutex
	sent []bank.EmailMessage
}

// NewMemory creates an empty in-memory sender.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Send(ctx context.Context, msg bank.EmailMessage) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

// Sent returns every message queued so far.
func (m *Memory) Sent() []bank.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bank.EmailMessage(nil), m.sent...)
}

// SentTo returns the messages queued for one recipient.
func (m *Memory) SentTo(to string) []bank.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bank.EmailMessage
	for _, msg := range m.sent {
		if msg.To == to {
			out = append(out, msg)
		}
	}
	return out
}
