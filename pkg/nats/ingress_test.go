package nats_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func depositWire(commandID, accountID string) eventsourcing.WireCommand {
	return eventsourcing.WireCommand{
		Metadata: eventsourcing.CommandMetadata{
			CommandID:     commandID,
			EntityID:      accountID,
			OrgID:         "org-1",
			CorrelationID: "corr-1",
			InitiatedByID: "user-1",
			Timestamp:     time.Now().UTC(),
		},
		CommandType: "account.Deposit",
		Data:        json.RawMessage(`{"amount":"25"}`),
	}
}

func TestIngress(t *testing.T) {
	nc := startCoreNATS(t)

	ingress := natspkg.NewIngress(nc, discardLogger())
	t.Cleanup(func() { ingress.Close() })

	err := ingress.Route(natspkg.AccountCommandSubject, "accounts", func(ctx context.Context, wire eventsourcing.WireCommand, respond func(natspkg.CommandResult)) {
		switch wire.Metadata.EntityID {
		case "acc-reject":
			respond(natspkg.ResultRejected(bank.NewAccountNotActive()))
		case "acc-retry":
			respond(natspkg.ResultRetry("journal unavailable"))
		default:
			respond(natspkg.ResultOK(3, "evt-1", "account.Deposited"))
		}
	})
	if err != nil {
		t.Fatalf("failed to route: %v", err)
	}

	client := natspkg.NewCommandBus(nc, 2*time.Second)

	t.Run("AcceptedCommand", func(t *testing.T) {
		result, err := client.Send(context.Background(), natspkg.AccountCommandSubject, depositWire("cmd-1", "acc-1"))
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if !result.OK {
			t.Fatalf("expected accepted result, got %+v", result)
		}
		if result.Version != 3 || result.EventID != "evt-1" || result.EventType != "account.Deposited" {
			t.Fatalf("result mangled: %+v", result)
		}
		if result.Err() != nil {
			t.Fatalf("accepted result reported error: %v", result.Err())
		}
	})

	t.Run("RejectedCommand", func(t *testing.T) {
		result, err := client.Send(context.Background(), natspkg.AccountCommandSubject, depositWire("cmd-2", "acc-reject"))
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if result.OK {
			t.Fatalf("expected rejection, got %+v", result)
		}
		if result.Rejection == nil || result.Rejection.Code != bank.CodeAccountNotActive {
			t.Fatalf("rejection lost in transit: %+v", result)
		}

		var verr *bank.ValidationError
		if !errors.As(result.Err(), &verr) {
			t.Fatalf("Err() did not surface the rejection: %v", result.Err())
		}
	})

	t.Run("RetryableFailure", func(t *testing.T) {
		result, err := client.Send(context.Background(), natspkg.AccountCommandSubject, depositWire("cmd-3", "acc-retry"))
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if result.OK || !result.Retryable {
			t.Fatalf("expected retryable failure, got %+v", result)
		}
		if result.Err() == nil {
			t.Fatal("retryable result must report an error")
		}
	})

	t.Run("UndecodableEnvelope", func(t *testing.T) {
		msg, err := nc.Request(natspkg.AccountCommandSubject, []byte("not json"), 2*time.Second)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}

		var result natspkg.CommandResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			t.Fatalf("reply not a command result: %v", err)
		}
		if result.OK || result.Retryable {
			t.Fatalf("dead letter must be a terminal failure, got %+v", result)
		}
		if result.Message == "" {
			t.Fatal("dead letter reply carries no reason")
		}
	})

	t.Run("MissingEntityID", func(t *testing.T) {
		wire := depositWire("cmd-4", "")
		data, err := json.Marshal(wire)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		msg, err := nc.Request(natspkg.AccountCommandSubject, data, 2*time.Second)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}

		var result natspkg.CommandResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			t.Fatalf("reply not a command result: %v", err)
		}
		if result.OK || result.Message == "" {
			t.Fatalf("expected terminal failure, got %+v", result)
		}
	})

	t.Run("UnroutedSubjectTimesOut", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		_, err := client.Send(ctx, "cmd.unknown", depositWire("cmd-5", "acc-1"))
		if err == nil {
			t.Fatal("expected error on unrouted subject")
		}
	})
}

func TestCommandResultErr(t *testing.T) {
	ok := natspkg.ResultOK(1, "evt", "account.Deposited")
	if ok.Err() != nil {
		t.Fatalf("ok result produced error: %v", ok.Err())
	}

	rejected := natspkg.ResultRejected(bank.NewEmployeeNotActive())
	var verr *bank.ValidationError
	if !errors.As(rejected.Err(), &verr) || verr.Code != bank.CodeEmployeeNotActive {
		t.Fatalf("rejection err mangled: %v", rejected.Err())
	}

	retry := natspkg.ResultRetry("store closed")
	if retry.Err() == nil {
		t.Fatal("retryable result must error")
	}

	dead := natspkg.CommandResult{Message: "bad envelope"}
	if dead.Err() == nil {
		t.Fatal("dead letter result must error")
	}
}
