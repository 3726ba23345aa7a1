package nats_test

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/bank"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
)

func startCoreNATS(t *testing.T) *nats.Conn {
	t.Helper()

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
	return nc
}

func TestBroadcaster(t *testing.T) {
	nc := startCoreNATS(t)
	b := natspkg.NewBroadcaster(nc, nil)

	t.Run("RejectionsScopedToOrg", func(t *testing.T) {
		received := make(chan bank.ErrorBroadcast, 4)
		sub, err := natspkg.SubscribeRejections(nc, "org-1", func(r bank.ErrorBroadcast) {
			received <- r
		})
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		time.Sleep(50 * time.Millisecond)

		b.PublishRejection(bank.ErrorBroadcast{
			EntityID:    "acc-other",
			EntityType:  "account",
			OrgID:       "org-2",
			CommandType: "account.Debit",
			Error:       bank.NewAccountNotActive(),
			OccurredAt:  time.Now().UTC(),
		})
		b.PublishRejection(bank.ErrorBroadcast{
			EntityID:    "acc-1",
			EntityType:  "account",
			OrgID:       "org-1",
			CommandType: "account.Debit",
			Error:       bank.NewAccountCardLocked(),
			OccurredAt:  time.Now().UTC(),
		})

		select {
		case r := <-received:
			if r.OrgID != "org-1" {
				t.Fatalf("org filter leaked: %+v", r)
			}
			if r.Error == nil || r.Error.Code != bank.CodeAccountCardLocked {
				t.Fatalf("rejection payload mangled: %+v", r.Error)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for rejection")
		}

		select {
		case r := <-received:
			t.Fatalf("unexpected cross-org delivery: %+v", r)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("BreakerTransitions", func(t *testing.T) {
		received := make(chan natspkg.BreakerTransition, 1)
		sub, err := natspkg.SubscribeBreakerTransitions(nc, "", func(tr natspkg.BreakerTransition) {
			received <- tr
		})
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		time.Sleep(50 * time.Millisecond)

		b.PublishBreakerTransition(natspkg.BreakerTransition{
			Name:       "domestic-gateway",
			From:       "closed",
			To:         "open",
			OccurredAt: time.Now().UTC(),
		})

		select {
		case tr := <-received:
			if tr.Name != "domestic-gateway" || tr.To != "open" {
				t.Fatalf("transition mangled: %+v", tr)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for transition")
		}
	})

	t.Run("BillingCycleFinished", func(t *testing.T) {
		received := make(chan natspkg.BillingCycleFinished, 1)
		sub, err := natspkg.SubscribeBillingCycleFinished(nc, func(done natspkg.BillingCycleFinished) {
			received <- done
		})
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		time.Sleep(50 * time.Millisecond)

		b.PublishBillingCycleFinished(natspkg.BillingCycleFinished{
			Emitted:    42,
			OccurredAt: time.Now().UTC(),
		})

		select {
		case done := <-received:
			if done.Emitted != 42 {
				t.Fatalf("completion mangled: %+v", done)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for completion")
		}
	})

	t.Run("PersistFailures", func(t *testing.T) {
		received := make(chan natspkg.PersistFailureNotice, 1)
		sub, err := natspkg.SubscribePersistFailures(nc, "", func(n natspkg.PersistFailureNotice) {
			received <- n
		})
		if err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}
		defer sub.Unsubscribe()

		time.Sleep(50 * time.Millisecond)

		b.PublishPersistFailure(natspkg.PersistFailureNotice{
			EntityType: "account",
			EntityID:   "acc-9",
			OrgID:      "org-1",
			Error:      "disk full",
			OccurredAt: time.Now().UTC(),
		})

		select {
		case n := <-received:
			if n.EntityID != "acc-9" || n.Error != "disk full" {
				t.Fatalf("notice mangled: %+v", n)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for notice")
		}
	})
}
