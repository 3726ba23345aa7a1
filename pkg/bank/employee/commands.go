// Package employee implements the employee aggregate: the card holders of
// an organisation. An employee is invited, confirms the invitation with a
// password, and from then on carries debit cards whose purchases settle
// against the organisation's account aggregate through the debit round
// trip in pkg/bank.
package employee

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// AggregateType tags employee events and journal rows.
const AggregateType = "employee"

// Command is a state-change request addressed to one employee aggregate.
// Commands are validated by Decide against current state and either produce
// exactly one event or a *bank.ValidationError.
type Command interface {
	CommandType() string
}

const (
	CommandTypeInviteEmployee      = "employee.InviteEmployee"
	CommandTypeRefreshInvite       = "employee.RefreshInvite"
	CommandTypeCancelInvite        = "employee.CancelInvite"
	CommandTypeConfirmInvite       = "employee.ConfirmInvite"
	CommandTypeIssueCard           = "employee.IssueCard"
	CommandTypeUpdateCardLimits    = "employee.UpdateCardLimits"
	CommandTypeLockCard            = "employee.LockCard"
	CommandTypeUnlockCard          = "employee.UnlockCard"
	CommandTypeRequestPurchase     = "employee.RequestPurchase"
	CommandTypeRecordDebitApproval = "employee.RecordDebitApproval"
	CommandTypeRecordDebitDecline  = "employee.RecordDebitDecline"
	CommandTypeChangeRole          = "employee.ChangeRole"
	CommandTypeDeactivateEmployee  = "employee.DeactivateEmployee"
)

// InviteEmployee opens the aggregate in the PendingInvite state. The
// invitation token is the command id, so a redelivered invite reproduces
// the same token instead of minting a second secret.
type InviteEmployee struct {
	OrgID     string            `json:"orgId"`
	AccountID string            `json:"accountId"`
	Name      string            `json:"name"`
	Email     string            `json:"email"`
	Role      bank.EmployeeRole `json:"role"`
}

func (InviteEmployee) CommandType() string { return CommandTypeInviteEmployee }

// RefreshInvite reissues the invitation token with a fresh expiry window.
type RefreshInvite struct{}

func (RefreshInvite) CommandType() string { return CommandTypeRefreshInvite }

// CancelInvite withdraws a pending invitation. The aggregate ends up
// deactivated; a fresh hire needs a fresh employee id.
type CancelInvite struct{}

func (CancelInvite) CommandType() string { return CommandTypeCancelInvite }

// ConfirmInvite accepts the invitation and sets the employee's password.
// The raw password travels only in the command; the journal sees the hash.
type ConfirmInvite struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (ConfirmInvite) CommandType() string { return CommandTypeConfirmInvite }

// IssueCard adds a debit card. CardID falls back to the command id when
// empty, so a redelivered issue hits the duplicate check instead of
// minting a second card.
type IssueCard struct {
	CardID       string              `json:"cardId,omitempty"`
	NumberLast4  string              `json:"numberLast4"`
	Virtual      bool                `json:"virtual"`
	DailyLimit   decimal.NullDecimal `json:"dailyLimit"`
	MonthlyLimit decimal.NullDecimal `json:"monthlyLimit"`
}

func (IssueCard) CommandType() string { return CommandTypeIssueCard }

// UpdateCardLimits replaces both spend limits on a card. A null limit
// removes the cap.
type UpdateCardLimits struct {
	CardID       string              `json:"cardId"`
	DailyLimit   decimal.NullDecimal `json:"dailyLimit"`
	MonthlyLimit decimal.NullDecimal `json:"monthlyLimit"`
}

func (UpdateCardLimits) CommandType() string { return CommandTypeUpdateCardLimits }

// LockCard blocks purchases on one card.
type LockCard struct {
	CardID string `json:"cardId"`
}

func (LockCard) CommandType() string { return CommandTypeLockCard }

// UnlockCard re-enables purchases on one card.
type UnlockCard struct {
	CardID string `json:"cardId"`
}

func (UnlockCard) CommandType() string { return CommandTypeUnlockCard }

// RequestPurchase records a card purchase attempt. The purchase stays
// pending until the account debit round trip approves or declines it.
type RequestPurchase struct {
	PurchaseID string          `json:"purchaseId"`
	CardID     string          `json:"cardId"`
	Amount     decimal.Decimal `json:"amount"`
	Merchant   string          `json:"merchant"`
}

func (RequestPurchase) CommandType() string { return CommandTypeRequestPurchase }

// RecordDebitApproval settles a pending purchase after the account debited
// it. Sent by the account actor's post-persist effects.
type RecordDebitApproval struct {
	Approval bank.DebitApproval `json:"approval"`
}

func (RecordDebitApproval) CommandType() string { return CommandTypeRecordDebitApproval }

// RecordDebitDecline voids a pending purchase the account refused.
type RecordDebitDecline struct {
	Decline bank.DebitDecline `json:"decline"`
}

func (RecordDebitDecline) CommandType() string { return CommandTypeRecordDebitDecline }

// ChangeRole updates the employee's role.
type ChangeRole struct {
	Role bank.EmployeeRole `json:"role"`
}

func (ChangeRole) CommandType() string { return CommandTypeChangeRole }

// DeactivateEmployee retires the employee. Cards stop working immediately;
// in-flight purchases still settle.
type DeactivateEmployee struct {
	Reason string `json:"reason,omitempty"`
}

func (DeactivateEmployee) CommandType() string { return CommandTypeDeactivateEmployee }

var commandFactories = map[string]func() Command{
	CommandTypeInviteEmployee:      func() Command { return &InviteEmployee{} },
	CommandTypeRefreshInvite:       func() Command { return &RefreshInvite{} },
	CommandTypeCancelInvite:        func() Command { return &CancelInvite{} },
	CommandTypeConfirmInvite:       func() Command { return &ConfirmInvite{} },
	CommandTypeIssueCard:           func() Command { return &IssueCard{} },
	CommandTypeUpdateCardLimits:    func() Command { return &UpdateCardLimits{} },
	CommandTypeLockCard:            func() Command { return &LockCard{} },
	CommandTypeUnlockCard:          func() Command { return &UnlockCard{} },
	CommandTypeRequestPurchase:     func() Command { return &RequestPurchase{} },
	CommandTypeRecordDebitApproval: func() Command { return &RecordDebitApproval{} },
	CommandTypeRecordDebitDecline:  func() Command { return &RecordDebitDecline{} },
	CommandTypeChangeRole:          func() Command { return &ChangeRole{} },
	CommandTypeDeactivateEmployee:  func() Command { return &DeactivateEmployee{} },
}

// DecodeCommand reconstructs a typed command from its wire form.
func DecodeCommand(wire eventsourcing.WireCommand) (Command, error) {
	factory, ok := commandFactories[wire.CommandType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventsourcing.ErrUnknownCommandType, wire.CommandType)
	}
	cmd := factory()
	if err := json.Unmarshal(wire.Data, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", wire.CommandType, err)
	}
	return cmd, nil
}

// EncodeCommand renders a typed command into its wire form.
func EncodeCommand(meta eventsourcing.CommandMetadata, cmd Command) (eventsourcing.WireCommand, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return eventsourcing.WireCommand{}, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return eventsourcing.WireCommand{
		Metadata:    meta,
		CommandType: cmd.CommandType(),
		Data:        data,
	}, nil
}
