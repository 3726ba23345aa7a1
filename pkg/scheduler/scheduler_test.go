package scheduler_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
	"github.com/plaenen/bankengine/pkg/scheduler"
)

func scheduledTransfer(sender string) bank.ScheduledTransfer {
	return bank.ScheduledTransfer{
		DueAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Request: bank.TransferRequest{
			TransferID: "tr-1",
			Kind:       bank.TransferInternalBetweenOrgs,
			Sender:     bank.Party{AccountID: sender, OrgID: "org-1", Name: "Sender"},
			Recipient:  bank.Party{AccountID: "acc-2", OrgID: "org-2", Name: "Recipient"},
			Amount:     decimal.NewFromInt(150),
		},
	}
}

func TestMemorySchedulerDeregisterDropsParkedTransfers(t *testing.T) {
	ctx := context.Background()
	m := scheduler.NewMemory()

	if err := m.EnqueueTransfer(ctx, scheduledTransfer("acc-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.EnqueueTransfer(ctx, scheduledTransfer("acc-9")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.ScheduleBillingFanout(ctx, "0 0 1 * *"); err != nil {
		t.Fatalf("schedule fanout: %v", err)
	}

	if err := m.DeregisterAccount(ctx, scheduler.AccountDeregistration{AccountID: "acc-1", OrgID: "org-1"}); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	transfers := m.Transfers()
	if len(transfers) != 1 || transfers[0].Request.Sender.AccountID != "acc-9" {
		t.Fatalf("expected only acc-9's transfer to survive, got %+v", transfers)
	}
	if got := m.Deregistrations(); len(got) != 1 || got[0].AccountID != "acc-1" {
		t.Fatalf("deregistrations = %+v", got)
	}
	if got := m.Fanouts(); len(got) != 1 || got[0] != "0 0 1 * *" {
		t.Fatalf("fanouts = %+v", got)
	}
}

func TestNATSSchedulerPublishes(t *testing.T) {
	srv, err := natspkg.StartEmbeddedServer(natspkg.WithStoreDir(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	nc, err := srv.Connect()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(nc.Close)

	transfers := make(chan bank.ScheduledTransfer, 1)
	deregs := make(chan scheduler.AccountDeregistration, 1)

	subTransfer, err := nc.Subscribe(scheduler.SubjectEnqueueTransfer, func(msg *nats.Msg) {
		var st bank.ScheduledTransfer
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Errorf("unmarshal transfer: %v", err)
			return
		}
		transfers <- st
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subTransfer.Unsubscribe()

	subDereg, err := nc.Subscribe(scheduler.SubjectDeregisterAccount, func(msg *nats.Msg) {
		var d scheduler.AccountDeregistration
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			t.Errorf("unmarshal deregistration: %v", err)
			return
		}
		deregs <- d
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subDereg.Unsubscribe()

	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	s := scheduler.NewNATSScheduler(nc)
	if err := s.EnqueueTransfer(ctx, scheduledTransfer("acc-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.DeregisterAccount(ctx, scheduler.AccountDeregistration{AccountID: "acc-1"}); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	select {
	case st := <-transfers:
		if st.Request.TransferID != "tr-1" || !st.Request.Amount.Equal(decimal.NewFromInt(150)) {
			t.Fatalf("transfer round trip mangled: %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled transfer not delivered")
	}

	select {
	case d := <-deregs:
		if d.AccountID != "acc-1" {
			t.Fatalf("deregistration = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deregistration not delivered")
	}
}
