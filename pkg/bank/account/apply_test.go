package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/bankengine/pkg/bank"
)

// journalFixture decides a realistic command sequence and returns the
// events it produced.
func journalFixture(t *testing.T) []Event {
	t.Helper()
	var events []Event
	s := State{}
	at := testOpened

	emit := func(cmd Command) {
		t.Helper()
		evt, err := Decide(s, cmd, metaAt(at))
		require.NoError(t, err)
		events = append(events, evt)
		s = Apply(s, evt)
		at = at.Add(time.Minute)
	}

	emit(&CreateAccount{
		Owner:          bank.AccountOwner{FirstName: "Ada", LastName: "Byron", Email: "ada@example.com"},
		Currency:       "USD",
		InitialDeposit: dec("2000"),
		FeeSchedule:    testSchedule(),
	})
	emit(&RegisterInternalRecipient{AccountID: "acc-2", Name: "Operating"})
	emit(&DepositCash{Amount: dec("300"), Origin: "wire"})
	emit(&Debit{PurchaseID: "p-1", Amount: dec("125.25"), Merchant: "Cafe", EmployeeID: "emp-1", CardID: "card-1"})
	emit(&InternalTransfer{TransferID: "t-1", RecipientID: "acc-2", Amount: dec("500")})
	emit(&UpdateDailyDebitLimit{Limit: decimal.NullDecimal{Decimal: dec("1000"), Valid: true}})
	emit(&RejectInternalTransfer{TransferID: "t-1", Reason: bank.RejectedUnknown})
	emit(&StartBillingCycle{Month: 4, Year: 2025})
	emit(&CloseAccount{Reference: "fixture"})

	return events
}

func replay(events []Event) State {
	s := State{}
	for _, evt := range events {
		s = Apply(s, evt)
	}
	return s
}

func TestReplayReproducesState(t *testing.T) {
	events := journalFixture(t)

	first := replay(events)
	second := replay(events)

	a, err := MarshalState(first)
	require.NoError(t, err)
	b, err := MarshalState(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b), "replay must be deterministic")

	assert.Equal(t, bank.AccountReadyForDelete, second.Status)
	assert.True(t, second.Balance.Equal(dec("2174.75")))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := replay(journalFixture(t))

	data, err := MarshalState(s)
	require.NoError(t, err)
	restored, err := UnmarshalState(data)
	require.NoError(t, err)

	again, err := MarshalState(restored)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
	assert.True(t, restored.Balance.Equal(s.Balance))
	assert.Equal(t, s.Status, restored.Status)
	assert.Len(t, restored.Recipients, len(s.Recipients))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := openAccount(t, "1000")
	s = registerInternalRecipient(t, s, "acc-2", "Second")
	s = step(t, s, &InternalTransfer{TransferID: "t-1", RecipientID: "acc-2", Amount: dec("100")},
		testOpened.Add(time.Hour))

	before, err := MarshalState(s)
	require.NoError(t, err)

	_ = Apply(s, &InternalTransferWithinOrgApproved{TransferID: "t-1", Amount: dec("100")})
	_ = Apply(s, &Deposited{Amount: dec("50"), OccurredAt: testOpened})
	_ = Apply(s, &CardsLocked{})

	after, err := MarshalState(s)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "Apply must not mutate its input")
}

func TestApplyIgnoresUnknownEvent(t *testing.T) {
	s := openAccount(t, "100")
	next := Apply(s, nil)
	assert.True(t, next.Balance.Equal(s.Balance))
	assert.Equal(t, s.Status, next.Status)
}

func TestComputeFeeCriteria(t *testing.T) {
	schedule := testSchedule() // balance threshold 1500, deposit threshold 250

	t.Run("balance held all cycle", func(t *testing.T) {
		criteria := computeFeeCriteria(schedule, dec("2000"), []Event{
			&Debited{PurchaseID: "p-1", Amount: dec("100"), OccurredAt: testOpened},
			&Debited{PurchaseID: "p-2", Amount: dec("200"), OccurredAt: testOpened},
		})
		assert.True(t, criteria.BalanceHeld)
		assert.False(t, criteria.QualifyingDepositFound)
		assert.True(t, criteria.Waives())
	})

	t.Run("balance dips below threshold", func(t *testing.T) {
		criteria := computeFeeCriteria(schedule, dec("2000"), []Event{
			&Debited{PurchaseID: "p-1", Amount: dec("600"), OccurredAt: testOpened},
			&Deposited{Amount: dec("5000"), OccurredAt: testOpened},
		})
		assert.False(t, criteria.BalanceHeld, "a single dip breaks the criterion for the cycle")
		assert.True(t, criteria.QualifyingDepositFound)
	})

	t.Run("qualifying deposit short circuits", func(t *testing.T) {
		criteria := computeFeeCriteria(schedule, dec("100"), []Event{
			&Deposited{Amount: dec("250"), OccurredAt: testOpened},
			// Anything after the outcome is fixed is never scanned.
			&Debited{PurchaseID: "p-1", Amount: dec("10000"), OccurredAt: testOpened},
		})
		assert.True(t, criteria.QualifyingDepositFound)
		assert.True(t, criteria.Waives())
	})

	t.Run("refunds are not qualifying deposits", func(t *testing.T) {
		criteria := computeFeeCriteria(schedule, dec("100"), []Event{
			&InternalTransferWithinOrgRejected{TransferID: "t-1", Amount: dec("900")},
		})
		assert.False(t, criteria.QualifyingDepositFound)
		assert.False(t, criteria.BalanceHeld)
		assert.False(t, criteria.Waives())
	})

	t.Run("small deposits do not qualify", func(t *testing.T) {
		criteria := computeFeeCriteria(schedule, dec("2000"), []Event{
			&Deposited{Amount: dec("249.99"), OccurredAt: testOpened},
		})
		assert.False(t, criteria.QualifyingDepositFound)
		assert.True(t, criteria.BalanceHeld)
	})
}

func TestComputeAutoTransfersRunningBalance(t *testing.T) {
	s := openAccount(t, "1000")
	at := testOpened.Add(time.Hour)

	s = step(t, s, &ConfigureAutoTransferRule{Rule: bank.AutoTransferRule{
		ID:        "a-distribute",
		Kind:      bank.RulePercentDistribution,
		Frequency: bank.FrequencyDaily,
		Allocations: []bank.PercentAllocation{
			{Recipient: bank.Party{AccountID: "acc-tax", OrgID: "org-1"}, Percent: dec("20")},
		},
	}}, at)
	s = step(t, s, &ConfigureAutoTransferRule{Rule: bank.AutoTransferRule{
		ID:        "b-sweep",
		Kind:      bank.RuleZeroBalance,
		Frequency: bank.FrequencyDaily,
		Target:    bank.Party{AccountID: "acc-sweep", OrgID: "org-1"},
	}}, at)

	transfers := ComputeAutoTransfers(s, bank.FrequencyDaily)
	require.Len(t, transfers, 2)

	// Rule ids order the evaluation: distribution first, then the sweep
	// over what remains.
	assert.Equal(t, "a-distribute", transfers[0].RuleID)
	assert.True(t, transfers[0].Amount.Equal(dec("200")))
	assert.Equal(t, "b-sweep", transfers[1].RuleID)
	assert.True(t, transfers[1].Amount.Equal(dec("800")))

	assert.Empty(t, ComputeAutoTransfers(s, bank.FrequencyTwiceMonthly))
}

func TestAutoTransferRuleLifecycle(t *testing.T) {
	s := openAccount(t, "500")
	at := testOpened.Add(time.Hour)

	rule := bank.AutoTransferRule{
		ID:            "r-1",
		Kind:          bank.RuleTargetBalance,
		Frequency:     bank.FrequencyTwiceMonthly,
		Target:        bank.Party{AccountID: "acc-partner", OrgID: "org-1"},
		TargetBalance: dec("400"),
	}
	s = step(t, s, &ConfigureAutoTransferRule{Rule: rule}, at)
	require.Contains(t, s.AutoTransferRules, "r-1")

	// Rules pointing back at the account itself are refused.
	bad := rule
	bad.ID = "r-2"
	bad.Target = bank.Party{AccountID: s.AccountID}
	reject(t, s, &ConfigureAutoTransferRule{Rule: bad}, at, bank.CodeValidationFailure)

	s = step(t, s, &DeleteAutoTransferRule{RuleID: "r-1"}, at.Add(time.Minute))
	assert.Empty(t, s.AutoTransferRules)

	verr := reject(t, s, &DeleteAutoTransferRule{RuleID: "r-1"}, at, bank.CodeAutoTransferRuleNotFound)
	assert.True(t, verr.NoOp())
}
