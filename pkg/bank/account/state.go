package account

import (
	"encoding/json"
	"maps"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// dedupeRetention bounds how long processed purchase and deposit ids are
// kept for duplicate suppression. Pruning is driven by event timestamps so
// replay reproduces it exactly.
const dedupeRetention = 7 * 24 * time.Hour

// State is the full materialized state of one account aggregate. It is
// rebuilt by folding Apply over the journal and must stay JSON-serializable
// for snapshots and state egress.
type State struct {
	AccountID string             `json:"accountId"`
	OrgID     string             `json:"orgId"`
	Owner     bank.AccountOwner  `json:"owner"`
	Currency  string             `json:"currency"`
	Status    bank.AccountStatus `json:"status"`
	Balance   decimal.Decimal    `json:"balance"`
	OpenedAt  time.Time          `json:"openedAt"`

	ClosedAt         time.Time `json:"closedAt,omitempty"`
	ClosureReference string    `json:"closureReference,omitempty"`

	CardsLocked bool `json:"cardsLocked"`

	// OverdraftAllowance extends the debitable balance below zero. Zero
	// means the balance may never go negative.
	OverdraftAllowance decimal.Decimal `json:"overdraftAllowance"`

	DailyDebitLimit     decimal.NullDecimal `json:"dailyDebitLimit"`
	MonthlyDebitLimit   decimal.NullDecimal `json:"monthlyDebitLimit"`
	DailyDebitAccrued   decimal.Decimal     `json:"dailyDebitAccrued"`
	MonthlyDebitAccrued decimal.Decimal     `json:"monthlyDebitAccrued"`
	LastDebitDay        string              `json:"lastDebitDay,omitempty"`
	LastDebitMonth      string              `json:"lastDebitMonth,omitempty"`

	Recipients              map[string]bank.TransferRecipient      `json:"recipients,omitempty"`
	InFlight                map[string]bank.InFlightTransfer       `json:"inFlight,omitempty"`
	FailedDomesticTransfers map[string]bank.FailedDomesticTransfer `json:"failedDomesticTransfers,omitempty"`
	AutoTransferRules       map[string]bank.AutoTransferRule       `json:"autoTransferRules,omitempty"`
	PendingPlatformPayments map[string]bank.PlatformPayment        `json:"pendingPlatformPayments,omitempty"`

	// Duplicate suppression for redelivered card debits and deposits.
	ProcessedPurchases map[string]time.Time `json:"processedPurchases,omitempty"`
	ProcessedDeposits  map[string]time.Time `json:"processedDeposits,omitempty"`

	FeeSchedule   bank.FeeSchedule   `json:"feeSchedule"`
	FeeCriteria   bank.FeeCriteria   `json:"feeCriteria"`
	BillingPeriod bank.BillingPeriod `json:"billingPeriod"`
	LastFeePeriod bank.BillingPeriod `json:"lastFeePeriod"`

	// PeriodOpeningBalance is the balance when the current billing period
	// started; the next cycle turns it into the statement's opening column.
	PeriodOpeningBalance decimal.Decimal `json:"periodOpeningBalance"`
	// PendingStatement is the balance span of the period that just ended,
	// consumed by the fee decision's statement append.
	PendingStatement bank.StatementDraft `json:"pendingStatement"`
}

// Opened reports whether the account exists.
func (s State) Opened() bool {
	return s.Status != ""
}

// Active reports whether the account accepts the full command set.
func (s State) Active() bool {
	return s.Status == bank.AccountActive
}

// DebitableBalance is the amount available for debits.
func (s State) DebitableBalance() decimal.Decimal {
	return bank.DebitableBalance(s.Balance, s.OverdraftAllowance)
}

// ActiveInFlight counts in-flight transfers that still hold money, the ones
// the closure finalizer must wait out.
func (s State) ActiveInFlight() int {
	n := 0
	for _, tr := range s.InFlight {
		switch tr.Status {
		case bank.TransferPending, bank.TransferInProgress:
			n++
		}
	}
	return n
}

// DailyDebitFor returns the debit total already accrued for the given day.
func (s State) DailyDebitFor(day string) decimal.Decimal {
	if s.LastDebitDay == day {
		return s.DailyDebitAccrued
	}
	return decimal.Zero
}

// MonthlyDebitFor returns the debit total already accrued for the given month.
func (s State) MonthlyDebitFor(month string) decimal.Decimal {
	if s.LastDebitMonth == month {
		return s.MonthlyDebitAccrued
	}
	return decimal.Zero
}

// RulesForFrequency returns the auto-transfer rules for one evaluation
// frequency in deterministic order.
func (s State) RulesForFrequency(freq bank.AutoTransferFrequency) []bank.AutoTransferRule {
	var ids []string
	for id, rule := range s.AutoTransferRules {
		if rule.Frequency == freq {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]bank.AutoTransferRule, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.AutoTransferRules[id])
	}
	return out
}

// clone returns a copy safe to mutate without aliasing the receiver's maps.
func (s State) clone() State {
	c := s
	c.Recipients = maps.Clone(s.Recipients)
	c.InFlight = maps.Clone(s.InFlight)
	c.FailedDomesticTransfers = maps.Clone(s.FailedDomesticTransfers)
	c.AutoTransferRules = maps.Clone(s.AutoTransferRules)
	c.PendingPlatformPayments = maps.Clone(s.PendingPlatformPayments)
	c.ProcessedPurchases = maps.Clone(s.ProcessedPurchases)
	c.ProcessedDeposits = maps.Clone(s.ProcessedDeposits)
	return c
}

// MarshalState renders the state for snapshots and egress notifications.
func MarshalState(s State) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState restores a state from its snapshot form.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, err
	}
	return s, nil
}
