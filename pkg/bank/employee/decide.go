package employee

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	"github.com/plaenen/bankengine/pkg/password"
	"github.com/plaenen/bankengine/pkg/validators"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// inviteTTL is how long an invitation token stays redeemable. RefreshInvite
// restarts the window with a new token.
const inviteTTL = 7 * 24 * time.Hour

// Decide validates a command against current state and produces at most one
// event. Timestamps come from the command metadata, as in the account
// decider. One caveat: ConfirmInvite hashes the password here, so the hash
// in the event is not reproducible across deliveries. The status gate
// absorbs duplicate confirms before hashing, so the journal still records
// one hash per confirmation.
func Decide(s State, cmd Command, meta eventsourcing.CommandMetadata) (Event, error) {
	if c, ok := cmd.(*InviteEmployee); ok {
		return decideInvite(s, c, meta)
	}
	if !s.Invited() {
		return nil, bank.NewEmployeeNotActive()
	}

	// Invite maintenance runs before activation; debit settlements are
	// resolution commands and stay valid after deactivation.
	switch c := cmd.(type) {
	case *RefreshInvite:
		return decideRefreshInvite(s, meta)
	case *CancelInvite:
		return decideCancelInvite(s, meta)
	case *ConfirmInvite:
		return decideConfirmInvite(s, c, meta)
	case *RecordDebitApproval:
		return decideDebitApproval(s, c, meta)
	case *RecordDebitDecline:
		return decideDebitDecline(s, c, meta)
	}

	if !s.Active() {
		return nil, bank.NewEmployeeNotActive()
	}

	switch c := cmd.(type) {
	case *IssueCard:
		return decideIssueCard(s, c, meta)
	case *UpdateCardLimits:
		return decideUpdateCardLimits(s, c, meta)
	case *LockCard:
		if _, ok := s.Cards[c.CardID]; !ok {
			return nil, bank.NewCardNotFound(c.CardID)
		}
		return &CardLocked{CardID: c.CardID, LockedAt: meta.Timestamp}, nil
	case *UnlockCard:
		if _, ok := s.Cards[c.CardID]; !ok {
			return nil, bank.NewCardNotFound(c.CardID)
		}
		return &CardUnlocked{CardID: c.CardID, UnlockedAt: meta.Timestamp}, nil
	case *RequestPurchase:
		return decideRequestPurchase(s, c, meta)
	case *ChangeRole:
		if c.Role != bank.RoleAdmin && c.Role != bank.RoleMember {
			return nil, bank.NewValidationFailure("role", "unknown role "+string(c.Role))
		}
		return &RoleChanged{Role: c.Role, ChangedAt: meta.Timestamp}, nil
	case *DeactivateEmployee:
		return &Deactivated{Reason: c.Reason, DeactivatedAt: meta.Timestamp}, nil
	}
	return nil, bank.NewValidationFailure("command", fmt.Sprintf("unsupported command %s", cmd.CommandType()))
}

func decideInvite(s State, c *InviteEmployee, meta eventsourcing.CommandMetadata) (Event, error) {
	if s.Invited() {
		return nil, bank.NewEmployeeAlreadyActive()
	}
	if c.Name == "" {
		return nil, bank.NewValidationFailure("name", "employee name is required")
	}
	if !validators.IsValidEmail(c.Email) {
		return nil, bank.NewValidationFailure("email", "employee email is not a valid address")
	}
	if c.AccountID == "" {
		return nil, bank.NewValidationFailure("accountId", "backing account id is required")
	}
	role := c.Role
	if role == "" {
		role = bank.RoleMember
	}
	if role != bank.RoleAdmin && role != bank.RoleMember {
		return nil, bank.NewValidationFailure("role", "unknown role "+string(role))
	}
	return &Invited{
		EmployeeID: meta.EntityID,
		OrgID:      meta.OrgID,
		AccountID:  c.AccountID,
		Name:       c.Name,
		Email:      c.Email,
		Role:       role,
		Token:      meta.CommandID,
		ExpiresAt:  meta.Timestamp.Add(inviteTTL),
		InvitedAt:  meta.Timestamp,
	}, nil
}

func decideRefreshInvite(s State, meta eventsourcing.CommandMetadata) (Event, error) {
	if s.Status == bank.EmployeeActive {
		return nil, bank.NewEmployeeAlreadyActive()
	}
	if s.Status != bank.EmployeePendingInvite {
		return nil, bank.NewEmployeeNotActive()
	}
	return &InviteRefreshed{
		Token:       meta.CommandID,
		ExpiresAt:   meta.Timestamp.Add(inviteTTL),
		RefreshedAt: meta.Timestamp,
	}, nil
}

func decideCancelInvite(s State, meta eventsourcing.CommandMetadata) (Event, error) {
	if s.Status == bank.EmployeeActive {
		// The confirm won the race; cancelling now means deactivation.
		return nil, bank.NewEmployeeAlreadyActive()
	}
	if s.Status != bank.EmployeePendingInvite {
		return nil, bank.NewEmployeeNotActive()
	}
	return &InviteCancelled{CancelledAt: meta.Timestamp}, nil
}

func decideConfirmInvite(s State, c *ConfirmInvite, meta eventsourcing.CommandMetadata) (Event, error) {
	if s.Status == bank.EmployeeActive {
		return nil, bank.NewEmployeeAlreadyActive()
	}
	if s.Status != bank.EmployeePendingInvite {
		return nil, bank.NewEmployeeNotActive()
	}
	if c.Token == "" || c.Token != s.InviteToken {
		return nil, bank.NewInviteTokenInvalid()
	}
	if meta.Timestamp.After(s.InviteExpiresAt) {
		return nil, bank.NewInviteExpired()
	}
	if err := password.ValidateStrength(c.Password); err != nil {
		return nil, bank.NewValidationFailure("password", err.Error())
	}
	hash, err := password.Hash(c.Password)
	if err != nil {
		return nil, bank.NewValidationFailure("password", err.Error())
	}
	return &InviteConfirmed{PasswordHash: hash, ConfirmedAt: meta.Timestamp}, nil
}

func decideIssueCard(s State, c *IssueCard, meta eventsourcing.CommandMetadata) (Event, error) {
	cardID := c.CardID
	if cardID == "" {
		cardID = meta.CommandID
	}
	if _, ok := s.Cards[cardID]; ok {
		return nil, bank.NewCardAlreadyIssued(cardID)
	}
	if len(c.NumberLast4) != 4 {
		return nil, bank.NewValidationFailure("numberLast4", "must be the last four digits of the card number")
	}
	if err := validateLimits(c.DailyLimit, c.MonthlyLimit); err != nil {
		return nil, err
	}
	return &CardIssued{
		Card: Card{
			ID:           cardID,
			NumberLast4:  c.NumberLast4,
			Virtual:      c.Virtual,
			Status:       bank.CardActive,
			DailyLimit:   c.DailyLimit,
			MonthlyLimit: c.MonthlyLimit,
		},
		IssuedAt: meta.Timestamp,
	}, nil
}

func decideUpdateCardLimits(s State, c *UpdateCardLimits, meta eventsourcing.CommandMetadata) (Event, error) {
	if _, ok := s.Cards[c.CardID]; !ok {
		return nil, bank.NewCardNotFound(c.CardID)
	}
	if err := validateLimits(c.DailyLimit, c.MonthlyLimit); err != nil {
		return nil, err
	}
	return &CardLimitsUpdated{
		CardID:       c.CardID,
		DailyLimit:   c.DailyLimit,
		MonthlyLimit: c.MonthlyLimit,
		UpdatedAt:    meta.Timestamp,
	}, nil
}

func validateLimits(daily, monthly decimal.NullDecimal) error {
	if daily.Valid && !daily.Decimal.IsPositive() {
		return bank.NewValidationFailure("dailyLimit", "daily spend limit must be positive")
	}
	if monthly.Valid && !monthly.Decimal.IsPositive() {
		return bank.NewValidationFailure("monthlyLimit", "monthly spend limit must be positive")
	}
	return nil
}

func decideRequestPurchase(s State, c *RequestPurchase, meta eventsourcing.CommandMetadata) (Event, error) {
	if c.PurchaseID == "" {
		return nil, bank.NewValidationFailure("purchaseId", "purchase id is required")
	}
	if _, pending := s.PendingPurchases[c.PurchaseID]; pending {
		return nil, bank.NewPurchaseAlreadyProcessed(c.PurchaseID)
	}
	if _, done := s.ProcessedPurchases[c.PurchaseID]; done {
		return nil, bank.NewPurchaseAlreadyProcessed(c.PurchaseID)
	}
	card, ok := s.Cards[c.CardID]
	if !ok {
		return nil, bank.NewCardNotFound(c.CardID)
	}
	if card.Locked() {
		return nil, bank.NewAccountCardLocked()
	}
	if !bank.Positive(c.Amount) {
		return nil, bank.NewDebitAmountNotPositive(c.Amount)
	}
	day := meta.Timestamp.UTC().Format(dayLayout)
	if card.DailyLimit.Valid {
		accrued := card.DailySpendFor(day)
		if accrued.Add(c.Amount).GreaterThan(card.DailyLimit.Decimal) {
			return nil, bank.NewExceededDailyDebit(card.DailyLimit.Decimal, accrued, c.Amount)
		}
	}
	month := meta.Timestamp.UTC().Format(monthLayout)
	if card.MonthlyLimit.Valid {
		accrued := card.MonthlySpendFor(month)
		if accrued.Add(c.Amount).GreaterThan(card.MonthlyLimit.Decimal) {
			return nil, bank.NewExceededMonthlyDebit(card.MonthlyLimit.Decimal, accrued, c.Amount)
		}
	}
	return &PurchaseRequested{Purchase: Purchase{
		PurchaseID:  c.PurchaseID,
		CardID:      c.CardID,
		Amount:      c.Amount,
		Merchant:    c.Merchant,
		Status:      bank.PurchasePending,
		RequestedAt: meta.Timestamp,
	}}, nil
}

func decideDebitApproval(s State, c *RecordDebitApproval, meta eventsourcing.CommandMetadata) (Event, error) {
	p, err := pendingPurchase(s, c.Approval.PurchaseID)
	if err != nil {
		return nil, err
	}
	return &PurchaseApproved{
		PurchaseID: p.PurchaseID,
		CardID:     p.CardID,
		Amount:     p.Amount,
		ApprovedAt: meta.Timestamp,
	}, nil
}

func decideDebitDecline(s State, c *RecordDebitDecline, meta eventsourcing.CommandMetadata) (Event, error) {
	p, err := pendingPurchase(s, c.Decline.PurchaseID)
	if err != nil {
		return nil, err
	}
	return &PurchaseDeclined{
		PurchaseID: p.PurchaseID,
		CardID:     p.CardID,
		Amount:     p.Amount,
		Reason:     c.Decline.Reason,
		DeclinedAt: meta.Timestamp,
	}, nil
}

func pendingPurchase(s State, purchaseID string) (Purchase, error) {
	if p, ok := s.PendingPurchases[purchaseID]; ok {
		return p, nil
	}
	if _, done := s.ProcessedPurchases[purchaseID]; done {
		return Purchase{}, bank.NewPurchaseAlreadyProcessed(purchaseID)
	}
	return Purchase{}, bank.NewValidationFailure("purchaseId", "no pending purchase "+purchaseID)
}
