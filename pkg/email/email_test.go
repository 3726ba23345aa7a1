package email_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/email"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
)

func TestMemorySender(t *testing.T) {
	m := email.NewMemory()
	ctx := context.Background()

	msgs := []bank.EmailMessage{
		{OrgID: "org-1", To: "a@example.com", Template: email.TemplateAccountOpened},
		{OrgID: "org-1", To: "b@example.com", Template: email.TemplateBillingStatement},
		{OrgID: "org-1", To: "a@example.com", Template: email.TemplateAccountClosed},
	}
	for _, msg := range msgs {
		if err := m.Send(ctx, msg); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if got := len(m.Sent()); got != 3 {
		t.Fatalf("sent %d messages, want 3", got)
	}
	toA := m.SentTo("a@example.com")
	if len(toA) != 2 || toA[1].Template != email.TemplateAccountClosed {
		t.Fatalf("SentTo = %+v", toA)
	}
}

func TestNATSSenderSubjectPerTemplate(t *testing.T) {
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

	received := make(chan bank.EmailMessage, 1)
	sub, err := nc.Subscribe(email.SubjectPrefix+"."+email.TemplateBillingStatement, func(msg *nats.Msg) {
		var em bank.EmailMessage
		if err := json.Unmarshal(msg.Data, &em); err != nil {
			t.Errorf("unmarshal email: %v", err)
			return
		}
		received <- em
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	time.Sleep(50 * time.Millisecond)

	sender := email.NewNATSSender(nc)
	err = sender.Send(context.Background(), bank.EmailMessage{
		OrgID:    "org-1",
		To:       "owner@example.com",
		Template: email.TemplateBillingStatement,
		Data:     map[string]string{"period": "2026-02"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// A different template must not land on this subject.
	if err := sender.Send(context.Background(), bank.EmailMessage{
		To:       "owner@example.com",
		Template: email.TemplateAccountOpened,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.To != "owner@example.com" || msg.Data["period"] != "2026-02" {
			t.Fatalf("message round trip mangled: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("billing statement email not delivered")
	}

	select {
	case msg := <-received:
		t.Fatalf("unexpected message on billing subject: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	if err := sender.Send(context.Background(), bank.EmailMessage{To: "x@example.com"}); err == nil {
		t.Fatal("send without template must fail")
	}
}
