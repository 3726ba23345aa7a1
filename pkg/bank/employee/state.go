package employee

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// dedupeRetention bounds how long settled purchase ids are kept for
// duplicate suppression. Pruning is driven by event timestamps so replay
// reproduces it exactly.
const dedupeRetention = 7 * 24 * time.Hour

// Card is one debit card issued to the employee. The spend accrual window
// mirrors the account's debit counters: the accrued figure is only valid
// for the day or month key it was last written under.
type Card struct {
	ID           string              `json:"id"`
	NumberLast4  string              `json:"numberLast4"`
	Virtual      bool                `json:"virtual"`
	Status       bank.CardStatus     `json:"status"`
	DailyLimit   decimal.NullDecimal `json:"dailyLimit"`
	MonthlyLimit decimal.NullDecimal `json:"monthlyLimit"`

	DailySpendAccrued   decimal.Decimal `json:"dailySpendAccrued"`
	MonthlySpendAccrued decimal.Decimal `json:"monthlySpendAccrued"`
	LastSpendDay        string          `json:"lastSpendDay,omitempty"`
	LastSpendMonth      string          `json:"lastSpendMonth,omitempty"`
}

// Locked reports whether purchases on the card are blocked.
func (c Card) Locked() bool {
	return c.Status == bank.CardLocked
}

// DailySpendFor returns the spend already accrued for the given day.
func (c Card) DailySpendFor(day string) decimal.Decimal {
	if c.LastSpendDay == day {
		return c.DailySpendAccrued
	}
	return decimal.Zero
}

// MonthlySpendFor returns the spend already accrued for the given month.
func (c Card) MonthlySpendFor(month string) decimal.Decimal {
	if c.LastSpendMonth == month {
		return c.MonthlySpendAccrued
	}
	return decimal.Zero
}

// Purchase is one card purchase awaiting account settlement.
type Purchase struct {
	PurchaseID  string              `json:"purchaseId"`
	CardID      string              `json:"cardId"`
	Amount      decimal.Decimal     `json:"amount"`
	Merchant    string              `json:"merchant"`
	Status      bank.PurchaseStatus `json:"status"`
	RequestedAt time.Time           `json:"requestedAt"`
}

// State is the full materialized state of one employee aggregate. It is
// rebuilt by folding Apply over the journal and must stay JSON-serializable
// for snapshots and state egress.
type State struct {
	EmployeeID string              `json:"employeeId"`
	OrgID      string              `json:"orgId"`
	AccountID  string              `json:"accountId"`
	Name       string              `json:"name"`
	Email      string              `json:"email"`
	Role       bank.EmployeeRole   `json:"role"`
	Status     bank.EmployeeStatus `json:"status"`
	InvitedAt  time.Time           `json:"invitedAt"`

	InviteToken     string    `json:"inviteToken,omitempty"`
	InviteExpiresAt time.Time `json:"inviteExpiresAt,omitempty"`

	// PasswordHash is the bcrypt hash set when the invite was confirmed.
	PasswordHash string `json:"passwordHash,omitempty"`

	Cards map[string]Card `json:"cards,omitempty"`

	PendingPurchases map[string]Purchase `json:"pendingPurchases,omitempty"`

	// Duplicate suppression for redelivered purchase round trips.
	ProcessedPurchases map[string]time.Time `json:"processedPurchases,omitempty"`
}

// Invited reports whether the aggregate exists.
func (s State) Invited() bool {
	return s.Status != ""
}

// Active reports whether the employee confirmed the invite and may hold
// and use cards.
func (s State) Active() bool {
	return s.Status == bank.EmployeeActive
}

// clone returns a copy safe to mutate without aliasing the receiver's maps.
func (s State) clone() State {
	c := s
	c.Cards = maps.Clone(s.Cards)
	c.PendingPurchases = maps.Clone(s.PendingPurchases)
	c.ProcessedPurchases = maps.Clone(s.ProcessedPurchases)
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
