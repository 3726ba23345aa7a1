package transfer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

type sentCommand struct {
	AccountID string
	Meta      eventsourcing.CommandMetadata
	Cmd       account.Command
}

// fakeAccounts plays the account region: scripted state replies for asks,
// scripted outcomes for commands, and a recording of everything sent.
type fakeAccounts struct {
	mu       sync.Mutex
	states   map[string]account.StateResult
	dropAsks int
	outcomes map[string]error
	sent     []sentCommand
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		states:   make(map[string]account.StateResult),
		outcomes: make(map[string]error),
	}
}

func (f *fakeAccounts) Tell(id string, msg any) {
	switch m := msg.(type) {
	case account.GetState:
		f.mu.Lock()
		if f.dropAsks > 0 {
			f.dropAsks--
			f.mu.Unlock()
			return
		}
		res := f.states[id]
		f.mu.Unlock()
		m.Reply <- res

	case account.StateChange:
		f.mu.Lock()
		f.sent = append(f.sent, sentCommand{AccountID: id, Meta: m.Meta, Cmd: m.Cmd})
		err := f.outcomes[m.Meta.CommandID]
		f.mu.Unlock()
		if m.Outcome != nil {
			if err != nil {
				m.Outcome <- account.CommandOutcome{Err: err}
			} else {
				m.Outcome <- account.CommandOutcome{Version: 1}
			}
		}
	}
}

func (f *fakeAccounts) commands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.sent...)
}

func (f *fakeAccounts) remainingDrops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropAsks
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastCoordinator(accounts AccountTeller) *Coordinator {
	return NewCoordinator(accounts, CoordinatorConfig{
		AskTimeout: 50 * time.Millisecond,
		Retries:    3,
		Backoff:    5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Logger:     testLogger(),
	})
}

func testTransfer() bank.TransferRequest {
	return bank.TransferRequest{
		TransferID:  "tr-1",
		Kind:        bank.TransferInternalBetweenOrgs,
		Sender:      bank.Party{AccountID: "acc-send", OrgID: "org-1", Name: "Hazel's Hardware"},
		Recipient:   bank.Party{AccountID: "acc-recv", OrgID: "org-2", Name: "Granite Supply"},
		Amount:      decimal.RequireFromString("40"),
		Memo:        "invoice 7",
		InitiatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func awaitCommands(t *testing.T, f *fakeAccounts, n int) []sentCommand {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.commands()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return f.commands()
}

func TestCoordinatorSettlesTransfer(t *testing.T) {
	f := newFakeAccounts()
	f.states["acc-recv"] = account.StateResult{
		State:   account.State{OrgID: "org-2", Status: bank.AccountActive},
		Version: 4,
	}
	c := fastCoordinator(f)

	req := testTransfer()
	c.Begin(req)

	cmds := awaitCommands(t, f, 2)
	require.Len(t, cmds, 2)

	require.Equal(t, "acc-send", cmds[0].AccountID)
	approve, ok := cmds[0].Cmd.(*account.ApproveInternalTransfer)
	require.True(t, ok, "first command should approve the sender, got %T", cmds[0].Cmd)
	assert.Equal(t, "tr-1", approve.TransferID)
	assert.Equal(t, "tr-1-approve", cmds[0].Meta.CommandID)
	assert.Equal(t, "tr-1", cmds[0].Meta.CorrelationID)
	assert.Equal(t, "org-1", cmds[0].Meta.OrgID)

	require.Equal(t, "acc-recv", cmds[1].AccountID)
	deposit, ok := cmds[1].Cmd.(*account.DepositInternalTransfer)
	require.True(t, ok, "second command should deposit the recipient, got %T", cmds[1].Cmd)
	assert.Equal(t, "tr-1", deposit.TransferID)
	assert.Equal(t, bank.TransferInternalBetweenOrgs, deposit.Kind)
	assert.True(t, deposit.Amount.Equal(req.Amount))
	assert.Equal(t, req.Sender, deposit.Sender)
	assert.Equal(t, "invoice 7", deposit.Memo)
	assert.Equal(t, "tr-1", cmds[1].Meta.CorrelationID)
	assert.Equal(t, "org-2", cmds[1].Meta.OrgID)

	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinatorRejectsMissingRecipient(t *testing.T) {
	f := newFakeAccounts()
	c := fastCoordinator(f)

	c.Begin(testTransfer())

	cmds := awaitCommands(t, f, 1)
	require.Len(t, cmds, 1)
	require.Equal(t, "acc-send", cmds[0].AccountID)
	reject, ok := cmds[0].Cmd.(*account.RejectInternalTransfer)
	require.True(t, ok, "got %T", cmds[0].Cmd)
	assert.Equal(t, bank.RejectedInvalidAccountInfo, reject.Reason)
	assert.Equal(t, "tr-1-reject", cmds[0].Meta.CommandID)

	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinatorReportsResolvedOutcomes(t *testing.T) {
	f := newFakeAccounts()
	f.states["acc-recv"] = account.StateResult{
		State:   account.State{OrgID: "org-2", Status: bank.AccountActive},
		Version: 4,
	}

	var mu sync.Mutex
	var outcomes []string
	c := NewCoordinator(f, CoordinatorConfig{
		AskTimeout: 50 * time.Millisecond,
		Retries:    3,
		Backoff:    5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		OnResolved: func(outcome string) {
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		},
		Logger: testLogger(),
	})

	c.Begin(testTransfer())
	awaitCommands(t, f, 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"approved"}, outcomes)
	mu.Unlock()

	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinatorRejectsClosedRecipient(t *testing.T) {
	for _, status := range []bank.AccountStatus{bank.AccountClosed, bank.AccountReadyForDelete} {
		t.Run(string(status), func(t *testing.T) {
			f := newFakeAccounts()
			f.states["acc-recv"] = account.StateResult{
				State: account.State{OrgID: "org-2", Status: status},
			}
			c := fastCoordinator(f)

			c.Begin(testTransfer())

			cmds := awaitCommands(t, f, 1)
			require.Len(t, cmds, 1)
			reject, ok := cmds[0].Cmd.(*account.RejectInternalTransfer)
			require.True(t, ok, "got %T", cmds[0].Cmd)
			assert.Equal(t, bank.RejectedAccountClosed, reject.Reason)

			require.NoError(t, c.Stop(context.Background()))
		})
	}
}

func TestCoordinatorRetriesAskBeforeSettling(t *testing.T) {
	f := newFakeAccounts()
	f.states["acc-recv"] = account.StateResult{
		State: account.State{OrgID: "org-2", Status: bank.AccountActive},
	}
	f.dropAsks = 2
	c := fastCoordinator(f)

	c.Begin(testTransfer())

	cmds := awaitCommands(t, f, 2)
	_, ok := cmds[0].Cmd.(*account.ApproveInternalTransfer)
	require.True(t, ok, "got %T", cmds[0].Cmd)
	_, ok = cmds[1].Cmd.(*account.DepositInternalTransfer)
	require.True(t, ok, "got %T", cmds[1].Cmd)

	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinatorGivesUpAfterRetries(t *testing.T) {
	f := newFakeAccounts()
	f.states["acc-recv"] = account.StateResult{
		State: account.State{OrgID: "org-2", Status: bank.AccountActive},
	}
	f.dropAsks = 10
	c := fastCoordinator(f)

	c.Begin(testTransfer())

	cmds := awaitCommands(t, f, 1)
	require.Len(t, cmds, 1)
	reject, ok := cmds[0].Cmd.(*account.RejectInternalTransfer)
	require.True(t, ok, "got %T", cmds[0].Cmd)
	assert.Equal(t, bank.RejectedUnknown, reject.Reason)

	// One initial ask plus three retries.
	assert.Equal(t, 6, f.remainingDrops())

	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinatorStopsWhenApproveSuperseded(t *testing.T) {
	f := newFakeAccounts()
	f.states["acc-recv"] = account.StateResult{
		State: account.State{OrgID: "org-2", Status: bank.AccountActive},
	}
	f.outcomes["tr-1-approve"] = bank.NewTransferAlreadyProgressed("tr-1")
	c := fastCoordinator(f)

	c.Begin(testTransfer())

	cmds := awaitCommands(t, f, 1)
	_, ok := cmds[0].Cmd.(*account.ApproveInternalTransfer)
	require.True(t, ok, "got %T", cmds[0].Cmd)

	// The earlier run owns the terminal path; no deposit may follow.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.commands(), 1)

	require.NoError(t, c.Stop(context.Background()))
}
