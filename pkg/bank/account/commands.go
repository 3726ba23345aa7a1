// Package account implements the bank account aggregate: its command and
// event vocabulary, the pure decide/apply transition functions, and the
// mailbox actor that persists events and runs post-persist side effects.
package account

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// AggregateType tags account events and journal rows.
const AggregateType = "account"

// Command is a state-change request addressed to one account aggregate.
// Commands are validated by Decide against current state and either produce
// exactly one event or a *bank.ValidationError.
type Command interface {
	CommandType() string
}

const (
	CommandTypeCreateAccount             = "account.CreateAccount"
	CommandTypeDepositCash               = "account.DepositCash"
	CommandTypeDebit                     = "account.Debit"
	CommandTypeMaintenanceFeeDebit       = "account.MaintenanceFeeDebit"
	CommandTypeSkipMaintenanceFee        = "account.SkipMaintenanceFee"
	CommandTypeUpdateDailyDebitLimit     = "account.UpdateDailyDebitLimit"
	CommandTypeUpdateMonthlyDebitLimit   = "account.UpdateMonthlyDebitLimit"
	CommandTypeLockCards                 = "account.LockCards"
	CommandTypeUnlockCards               = "account.UnlockCards"
	CommandTypeRegisterInternalRecipient = "account.RegisterInternalRecipient"
	CommandTypeRegisterDomesticRecipient = "account.RegisterDomesticRecipient"
	CommandTypeEditDomesticRecipient     = "account.EditDomesticRecipient"
	CommandTypeInternalTransfer          = "account.InternalTransfer"
	CommandTypeDomesticTransfer          = "account.DomesticTransfer"
	CommandTypeApproveInternalTransfer   = "account.ApproveInternalTransfer"
	CommandTypeRejectInternalTransfer    = "account.RejectInternalTransfer"
	CommandTypeDepositInternalTransfer   = "account.DepositInternalTransfer"
	CommandTypeUpdateDomesticProgress    = "account.UpdateDomesticTransferProgress"
	CommandTypeApproveDomesticTransfer   = "account.ApproveDomesticTransfer"
	CommandTypeRejectDomesticTransfer    = "account.RejectDomesticTransfer"
	CommandTypeInternalAutoTransfer      = "account.InternalAutoTransfer"
	CommandTypeConfigureAutoTransferRule = "account.ConfigureAutoTransferRule"
	CommandTypeDeleteAutoTransferRule    = "account.DeleteAutoTransferRule"
	CommandTypeRequestPlatformPayment    = "account.RequestPlatformPayment"
	CommandTypePayPlatformPayment        = "account.PayPlatformPayment"
	CommandTypeDeclinePlatformPayment    = "account.DeclinePlatformPayment"
	CommandTypeDepositPlatformPayment    = "account.DepositPlatformPayment"
	CommandTypeStartBillingCycle         = "account.StartBillingCycle"
	CommandTypeCloseAccount              = "account.CloseAccount"
)

// CreateAccount opens the account. The fee schedule is fixed at creation
// from the organisation's terms.
type CreateAccount struct {
	Owner          bank.AccountOwner `json:"owner"`
	Currency       string            `json:"currency"`
	InitialDeposit decimal.Decimal   `json:"initialDeposit"`
	FeeSchedule    bank.FeeSchedule  `json:"feeSchedule"`
}

func (CreateAccount) CommandType() string { return CommandTypeCreateAccount }

// DepositCash credits the balance from an external cash origin.
type DepositCash struct {
	Amount decimal.Decimal `json:"amount"`
	Origin string          `json:"origin,omitempty"`
}

func (DepositCash) CommandType() string { return CommandTypeDepositCash }

// Debit charges a card purchase made by an employee against the balance.
type Debit struct {
	PurchaseID      string          `json:"purchaseId"`
	Amount          decimal.Decimal `json:"amount"`
	Merchant        string          `json:"merchant"`
	EmployeeID      string          `json:"employeeId"`
	CardID          string          `json:"cardId"`
	CardNumberLast4 string          `json:"cardNumberLast4"`
}

func (Debit) CommandType() string { return CommandTypeDebit }

// MaintenanceFeeDebit charges the cycle maintenance fee. Issued by the
// aggregate to itself after a billing cycle starts with no waiver criterion
// met.
type MaintenanceFeeDebit struct {
	Period bank.BillingPeriod `json:"period"`
	Amount decimal.Decimal    `json:"amount"`
}

func (MaintenanceFeeDebit) CommandType() string { return CommandTypeMaintenanceFeeDebit }

// SkipMaintenanceFee records that the cycle fee was waived and why.
type SkipMaintenanceFee struct {
	Period bank.BillingPeriod `json:"period"`
	Reason FeeSkipReason      `json:"reason"`
}

func (SkipMaintenanceFee) CommandType() string { return CommandTypeSkipMaintenanceFee }

// UpdateDailyDebitLimit sets or clears the daily card debit limit.
type UpdateDailyDebitLimit struct {
	Limit decimal.NullDecimal `json:"limit"`
}

func (UpdateDailyDebitLimit) CommandType() string { return CommandTypeUpdateDailyDebitLimit }

// UpdateMonthlyDebitLimit sets or clears the monthly card debit limit.
type UpdateMonthlyDebitLimit struct {
	Limit decimal.NullDecimal `json:"limit"`
}

func (UpdateMonthlyDebitLimit) CommandType() string { return CommandTypeUpdateMonthlyDebitLimit }

// LockCards blocks card debits account-wide.
type LockCards struct {
	Reference string `json:"reference,omitempty"`
}

func (LockCards) CommandType() string { return CommandTypeLockCards }

// UnlockCards lifts an account-wide card lock.
type UnlockCards struct {
	Reference string `json:"reference,omitempty"`
}

func (UnlockCards) CommandType() string { return CommandTypeUnlockCards }

// RegisterInternalRecipient registers another platform account as a
// transfer recipient. An empty OrgID, or one equal to the account's own,
// registers a within-org recipient; anything else a between-orgs one.
type RegisterInternalRecipient struct {
	AccountID string `json:"accountId"`
	OrgID     string `json:"orgId,omitempty"`
	Name      string `json:"name"`
}

func (RegisterInternalRecipient) CommandType() string { return CommandTypeRegisterInternalRecipient }

// RegisterDomesticRecipient registers an external account reachable over a
// domestic payment network.
type RegisterDomesticRecipient struct {
	Name           string              `json:"name"`
	AccountNumber  string              `json:"accountNumber"`
	RoutingNumber  string              `json:"routingNumber"`
	Depository     bank.Depository     `json:"depository"`
	PaymentNetwork bank.PaymentNetwork `json:"paymentNetwork"`
}

func (RegisterDomesticRecipient) CommandType() string { return CommandTypeRegisterDomesticRecipient }

// EditDomesticRecipient corrects a domestic recipient's details. Editing
// resets the recipient to Confirmed so failed transfers can be retried.
type EditDomesticRecipient struct {
	RecipientID    string              `json:"recipientId"`
	Name           string              `json:"name"`
	AccountNumber  string              `json:"accountNumber"`
	RoutingNumber  string              `json:"routingNumber"`
	Depository     bank.Depository     `json:"depository"`
	PaymentNetwork bank.PaymentNetwork `json:"paymentNetwork"`
}

func (EditDomesticRecipient) CommandType() string { return CommandTypeEditDomesticRecipient }

// InternalTransfer moves money to a registered internal recipient. A zero
// ScheduledAt sends immediately; a future one parks the transfer with the
// scheduler (between-orgs recipients only).
type InternalTransfer struct {
	TransferID  string          `json:"transferId"`
	RecipientID string          `json:"recipientId"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt,omitempty"`
}

func (InternalTransfer) CommandType() string { return CommandTypeInternalTransfer }

// DomesticTransfer moves money to a registered domestic recipient through
// the transfer processor. A future ScheduledAt parks it until due.
type DomesticTransfer struct {
	TransferID  string          `json:"transferId"`
	RecipientID string          `json:"recipientId"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt,omitempty"`
}

func (DomesticTransfer) CommandType() string { return CommandTypeDomesticTransfer }

// ApproveInternalTransfer resolves a pending internal transfer after the
// recipient deposit was confirmed. Issued by the transfer coordinator.
type ApproveInternalTransfer struct {
	TransferID string `json:"transferId"`
}

func (ApproveInternalTransfer) CommandType() string { return CommandTypeApproveInternalTransfer }

// RejectInternalTransfer resolves a pending internal transfer that could
// not be deposited. The amount returns to the balance.
type RejectInternalTransfer struct {
	TransferID string                       `json:"transferId"`
	Reason     bank.TransferRejectionReason `json:"reason"`
}

func (RejectInternalTransfer) CommandType() string { return CommandTypeRejectInternalTransfer }

// DepositInternalTransfer credits an incoming internal transfer on the
// recipient account. Issued by the transfer coordinator.
type DepositInternalTransfer struct {
	TransferID string            `json:"transferId"`
	Kind       bank.TransferKind `json:"kind"`
	Amount     decimal.Decimal   `json:"amount"`
	Sender     bank.Party        `json:"sender"`
	Memo       string            `json:"memo,omitempty"`
	RuleID     string            `json:"ruleId,omitempty"`
}

func (DepositInternalTransfer) CommandType() string { return CommandTypeDepositInternalTransfer }

// UpdateDomesticTransferProgress records a progress note from the transfer
// processor for an in-flight domestic transfer.
type UpdateDomesticTransferProgress struct {
	TransferID string `json:"transferId"`
	Detail     string `json:"detail"`
}

func (UpdateDomesticTransferProgress) CommandType() string { return CommandTypeUpdateDomesticProgress }

// ApproveDomesticTransfer settles an in-flight domestic transfer.
type ApproveDomesticTransfer struct {
	TransferID             string `json:"transferId"`
	ProcessorTransactionID string `json:"processorTransactionId,omitempty"`
}

func (ApproveDomesticTransfer) CommandType() string { return CommandTypeApproveDomesticTransfer }

// RejectDomesticTransfer fails an in-flight domestic transfer. The amount
// returns to the balance; invalid-account rejections also park the transfer
// for retry after the recipient is fixed.
type RejectDomesticTransfer struct {
	TransferID string                       `json:"transferId"`
	Reason     bank.TransferRejectionReason `json:"reason"`
}

func (RejectDomesticTransfer) CommandType() string { return CommandTypeRejectDomesticTransfer }

// InternalAutoTransfer starts a rule-driven transfer with this account as
// the sender. For transfer-ins the managing partner account receives this
// command with the rule owner as recipient.
type InternalAutoTransfer struct {
	TransferID string          `json:"transferId"`
	RuleID     string          `json:"ruleId"`
	Amount     decimal.Decimal `json:"amount"`
	Recipient  bank.Party      `json:"recipient"`
}

func (InternalAutoTransfer) CommandType() string { return CommandTypeInternalAutoTransfer }

// ConfigureAutoTransferRule adds or replaces an auto-transfer rule.
type ConfigureAutoTransferRule struct {
	Rule bank.AutoTransferRule `json:"rule"`
}

func (ConfigureAutoTransferRule) CommandType() string { return CommandTypeConfigureAutoTransferRule }

// DeleteAutoTransferRule removes an auto-transfer rule.
type DeleteAutoTransferRule struct {
	RuleID string `json:"ruleId"`
}

func (DeleteAutoTransferRule) CommandType() string { return CommandTypeDeleteAutoTransferRule }

// RequestPlatformPayment records a payment request on the paying account.
// The payee must be a registered recipient of the payer.
type RequestPlatformPayment struct {
	Payment bank.PlatformPayment `json:"payment"`
}

func (RequestPlatformPayment) CommandType() string { return CommandTypeRequestPlatformPayment }

// PayPlatformPayment fulfils a previously requested platform payment.
type PayPlatformPayment struct {
	PaymentID string `json:"paymentId"`
}

func (PayPlatformPayment) CommandType() string { return CommandTypePayPlatformPayment }

// DeclinePlatformPayment refuses a previously requested platform payment.
type DeclinePlatformPayment struct {
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason,omitempty"`
}

func (DeclinePlatformPayment) CommandType() string { return CommandTypeDeclinePlatformPayment }

// DepositPlatformPayment credits a paid platform payment on the payee.
type DepositPlatformPayment struct {
	Payment bank.PlatformPayment `json:"payment"`
}

func (DepositPlatformPayment) CommandType() string { return CommandTypeDepositPlatformPayment }

// StartBillingCycle opens the billing cycle for the given period. Delivered
// at least once by the billing fan-out; duplicates for an already started
// period are no-ops.
type StartBillingCycle struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

func (StartBillingCycle) CommandType() string { return CommandTypeStartBillingCycle }

// CloseAccount closes the account. In-flight transfers keep resolving while
// the closure finalizer drains the aggregate.
type CloseAccount struct {
	Reference string `json:"reference,omitempty"`
}

func (CloseAccount) CommandType() string { return CommandTypeCloseAccount }

var commandFactories = map[string]func() Command{
	CommandTypeCreateAccount:             func() Command { return &CreateAccount{} },
	CommandTypeDepositCash:               func() Command { return &DepositCash{} },
	CommandTypeDebit:                     func() Command { return &Debit{} },
	CommandTypeMaintenanceFeeDebit:       func() Command { return &MaintenanceFeeDebit{} },
	CommandTypeSkipMaintenanceFee:        func() Command { return &SkipMaintenanceFee{} },
	CommandTypeUpdateDailyDebitLimit:     func() Command { return &UpdateDailyDebitLimit{} },
	CommandTypeUpdateMonthlyDebitLimit:   func() Command { return &UpdateMonthlyDebitLimit{} },
	CommandTypeLockCards:                 func() Command { return &LockCards{} },
	CommandTypeUnlockCards:               func() Command { return &UnlockCards{} },
	CommandTypeRegisterInternalRecipient: func() Command { return &RegisterInternalRecipient{} },
	CommandTypeRegisterDomesticRecipient: func() Command { return &RegisterDomesticRecipient{} },
	CommandTypeEditDomesticRecipient:     func() Command { return &EditDomesticRecipient{} },
	CommandTypeInternalTransfer:          func() Command { return &InternalTransfer{} },
	CommandTypeDomesticTransfer:          func() Command { return &DomesticTransfer{} },
	CommandTypeApproveInternalTransfer:   func() Command { return &ApproveInternalTransfer{} },
	CommandTypeRejectInternalTransfer:    func() Command { return &RejectInternalTransfer{} },
	CommandTypeDepositInternalTransfer:   func() Command { return &DepositInternalTransfer{} },
	CommandTypeUpdateDomesticProgress:    func() Command { return &UpdateDomesticTransferProgress{} },
	CommandTypeApproveDomesticTransfer:   func() Command { return &ApproveDomesticTransfer{} },
	CommandTypeRejectDomesticTransfer:    func() Command { return &RejectDomesticTransfer{} },
	CommandTypeInternalAutoTransfer:      func() Command { return &InternalAutoTransfer{} },
	CommandTypeConfigureAutoTransferRule: func() Command { return &ConfigureAutoTransferRule{} },
	CommandTypeDeleteAutoTransferRule:    func() Command { return &DeleteAutoTransferRule{} },
	CommandTypeRequestPlatformPayment:    func() Command { return &RequestPlatformPayment{} },
	CommandTypePayPlatformPayment:        func() Command { return &PayPlatformPayment{} },
	CommandTypeDeclinePlatformPayment:    func() Command { return &DeclinePlatformPayment{} },
	CommandTypeDepositPlatformPayment:    func() Command { return &DepositPlatformPayment{} },
	CommandTypeStartBillingCycle:         func() Command { return &StartBillingCycle{} },
	CommandTypeCloseAccount:              func() Command { return &CloseAccount{} },
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
