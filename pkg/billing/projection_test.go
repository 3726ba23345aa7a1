package billing_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/billing"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
	"github.com/plaenen/bankengine/pkg/sqlite"
)

type memoryAccounts struct {
	mu     sync.Mutex
	rows   map[string]sqlite.AccountRow
	cycles map[string]time.Time
	saved  chan string
}

func newMemoryAccounts() *memoryAccounts {
	return &memoryAccounts{
		rows:   map[string]sqlite.AccountRow{},
		cycles: map[string]time.Time{},
		saved:  make(chan string, 16),
	}
}

func (m *memoryAccounts) Save(row sqlite.AccountRow) error {
	m.mu.Lock()
	m.rows[row.ID] = row
	m.mu.Unlock()
	m.saved <- row.ID
	return nil
}

func (m *memoryAccounts) MarkBillingCycle(accountID string, at time.Time) error {
	m.mu.Lock()
	m.cycles[accountID] = at
	m.mu.Unlock()
	return nil
}

func (m *memoryAccounts) row(id string) (sqlite.AccountRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	return row, ok
}

func TestProjectionMaintainsReadModel(t *testing.T) {
	srv, err := natspkg.StartEmbeddedServer(natspkg.WithStoreDir(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := natspkg.DefaultConfig()
	cfg.URL = srv.URL()
	bus, err := natspkg.NewEventBus(cfg)
	if err != nil {
		t.Fatalf("failed to create event bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	accounts := newMemoryAccounts()
	proj := billing.NewProjection(bus, accounts, nil)
	if err := proj.Start(); err != nil {
		t.Fatalf("start projection: %v", err)
	}
	t.Cleanup(func() { proj.Stop() })

	state := account.State{
		AccountID: "acc-1",
		OrgID:     "org-1",
		Status:    bank.AccountActive,
		Balance:   decimal.NewFromInt(750),
		Currency:  "USD",
	}
	stateData, err := account.MarshalState(state)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}

	cycleAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	note := &eventsourcing.EventNotification{
		Event: &eventsourcing.Event{
			ID:            "evt-1",
			AggregateID:   "acc-1",
			AggregateType: account.AggregateType,
			EventType:     account.EventTypeBillingCycleStarted,
			Version:       7,
			Timestamp:     cycleAt,
		},
		State: stateData,
	}
	if err := bus.Publish([]*eventsourcing.EventNotification{note}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-accounts.saved:
	case <-time.After(5 * time.Second):
		t.Fatal("projection did not process the notification")
	}

	row, ok := accounts.row("acc-1")
	if !ok {
		t.Fatal("no row for acc-1")
	}
	if row.OrgID != "org-1" || row.Status != bank.AccountActive || !row.Balance.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("row = %+v", row)
	}

	accounts.mu.Lock()
	marked := accounts.cycles["acc-1"]
	accounts.mu.Unlock()
	if !marked.Equal(cycleAt) {
		t.Fatalf("billing cycle marked at %v, want %v", marked, cycleAt)
	}
}
