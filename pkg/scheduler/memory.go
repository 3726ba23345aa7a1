package scheduler

import (
	"context"
	"sync"

	"github.com/plaenen/bankengine/pkg/bank"
)

// Memory is an in-process Scheduler for tests and single-node runs without
// an external scheduler attached.
type Memory struct {
	mu        sync.Mutex
	transfers []bank.ScheduledTransfer
	fanouts   []string
	deregs    []AccountDeregistration
}

// NewMemory creates an empty in-memory scheduler.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) EnqueueTransfer(ctx context.Context, st bank.ScheduledTransfer) error {
	m.mu.Lock()
	m.transfers = append(m.transfers, st)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ScheduleBillingFanout(ctx context.Context, spec string) error {
	m.mu.Lock()
	m.fanouts = append(m.fanouts, spec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeregisterAccount(ctx context.Context, dereg AccountDeregistration) error {
	m.mu.Lock()
	m.deregs = append(m.deregs, dereg)
	// A deregistered account's parked transfers are dropped.
	kept := m.transfers[:0]
	for _, st := range m.transfers {
		if st.Request.Sender.AccountID != dereg.AccountID {
			kept = append(kept, st)
		}
	}
	m.transfers = kept
	m.mu.Unlock()
	return nil
}

// Transfers returns the currently parked transfers.
func (m *Memory) Transfers() []bank.ScheduledTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bank.ScheduledTransfer(nil), m.transfers...)
}

// Fanouts returns the registered billing fan-out specs.
func (m *Memory) Fanouts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fanouts...)
}

// Deregistrations returns the accounts deregistered so far.
func (m *Memory) Deregistrations() []AccountDeregistration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AccountDeregistration(nil), m.deregs...)
}
