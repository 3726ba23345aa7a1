package account

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// Event is a persisted fact about one account aggregate. Apply folds events
// into state; the set of event types is closed and versioned by name.
type Event interface {
	EventType() string
}

const (
	EventTypeCreated                  = "account.Created"
	EventTypeDeposited                = "account.Deposited"
	EventTypeDebited                  = "account.Debited"
	EventTypeMaintenanceFeeDebited    = "account.MaintenanceFeeDebited"
	EventTypeMaintenanceFeeSkipped    = "account.MaintenanceFeeSkipped"
	EventTypeDailyDebitLimitUpdated   = "account.DailyDebitLimitUpdated"
	EventTypeMonthlyDebitLimitUpdated = "account.MonthlyDebitLimitUpdated"
	EventTypeCardsLocked              = "account.CardsLocked"
	EventTypeCardsUnlocked            = "account.CardsUnlocked"

	EventTypeInternalRecipientRegistered = "account.InternalRecipientRegistered"
	EventTypeDomesticRecipientRegistered = "account.DomesticRecipientRegistered"
	EventTypeDomesticRecipientEdited     = "account.DomesticRecipientEdited"

	EventTypeInternalTransferWithinOrgPending   = "account.InternalTransferWithinOrgPending"
	EventTypeInternalTransferWithinOrgApproved  = "account.InternalTransferWithinOrgApproved"
	EventTypeInternalTransferWithinOrgRejected  = "account.InternalTransferWithinOrgRejected"
	EventTypeInternalTransferWithinOrgDeposited = "account.InternalTransferWithinOrgDeposited"

	EventTypeInternalTransferBetweenOrgsPending   = "account.InternalTransferBetweenOrgsPending"
	EventTypeInternalTransferBetweenOrgsApproved  = "account.InternalTransferBetweenOrgsApproved"
	EventTypeInternalTransferBetweenOrgsRejected  = "account.InternalTransferBetweenOrgsRejected"
	EventTypeInternalTransferBetweenOrgsDeposited = "account.InternalTransferBetweenOrgsDeposited"
	EventTypeInternalTransferBetweenOrgsScheduled = "account.InternalTransferBetweenOrgsScheduled"

	EventTypeInternalAutoTransferPending   = "account.InternalAutomatedTransferPending"
	EventTypeInternalAutoTransferApproved  = "account.InternalAutomatedTransferApproved"
	EventTypeInternalAutoTransferRejected  = "account.InternalAutomatedTransferRejected"
	EventTypeInternalAutoTransferDeposited = "account.InternalAutomatedTransferDeposited"

	EventTypeDomesticTransferPending         = "account.DomesticTransferPending"
	EventTypeDomesticTransferScheduled       = "account.DomesticTransferScheduled"
	EventTypeDomesticTransferProgressUpdated = "account.DomesticTransferProgressUpdated"
	EventTypeDomesticTransferApproved        = "account.DomesticTransferApproved"
	EventTypeDomesticTransferRejected        = "account.DomesticTransferRejected"

	EventTypeAutoTransferRuleConfigured = "account.AutoTransferRuleConfigured"
	EventTypeAutoTransferRuleDeleted    = "account.AutoTransferRuleDeleted"

	EventTypePlatformPaymentRequested = "account.PlatformPaymentRequested"
	EventTypePlatformPaymentPaid      = "account.PlatformPaymentPaid"
	EventTypePlatformPaymentDeclined  = "account.PlatformPaymentDeclined"
	EventTypePlatformPaymentDeposited = "account.PlatformPaymentDeposited"

	EventTypeBillingCycleStarted = "account.BillingCycleStarted"
	EventTypeAccountClosed       = "account.AccountClosed"
)

// FeeSkipReason says why a billing cycle's maintenance fee was waived.
type FeeSkipReason string

const (
	FeeSkipQualifyingDeposit   FeeSkipReason = "QualifyingDepositFound"
	FeeSkipBalanceHeld         FeeSkipReason = "BalanceHeld"
	FeeSkipInsufficientBalance FeeSkipReason = "InsufficientBalance"
)

type Created struct {
	AccountID      string            `json:"accountId"`
	OrgID          string            `json:"orgId"`
	Owner          bank.AccountOwner `json:"owner"`
	Currency       string            `json:"currency"`
	InitialDeposit decimal.Decimal   `json:"initialDeposit"`
	FeeSchedule    bank.FeeSchedule  `json:"feeSchedule"`
	OpenedAt       time.Time         `json:"openedAt"`
}

func (Created) EventType() string { return EventTypeCreated }

type Deposited struct {
	Amount     decimal.Decimal `json:"amount"`
	Origin     string          `json:"origin,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (Deposited) EventType() string { return EventTypeDeposited }

type Debited struct {
	PurchaseID      string          `json:"purchaseId"`
	Amount          decimal.Decimal `json:"amount"`
	Merchant        string          `json:"merchant"`
	EmployeeID      string          `json:"employeeId"`
	CardID          string          `json:"cardId"`
	CardNumberLast4 string          `json:"cardNumberLast4"`
	OccurredAt      time.Time       `json:"occurredAt"`
}

func (Debited) EventType() string { return EventTypeDebited }

type MaintenanceFeeDebited struct {
	Period     bank.BillingPeriod `json:"period"`
	Amount     decimal.Decimal    `json:"amount"`
	OccurredAt time.Time          `json:"occurredAt"`
}

func (MaintenanceFeeDebited) EventType() string { return EventTypeMaintenanceFeeDebited }

type MaintenanceFeeSkipped struct {
	Period bank.BillingPeriod `json:"period"`
	Reason FeeSkipReason      `json:"reason"`
}

func (MaintenanceFeeSkipped) EventType() string { return EventTypeMaintenanceFeeSkipped }

type DailyDebitLimitUpdated struct {
	Limit decimal.NullDecimal `json:"limit"`
}

func (DailyDebitLimitUpdated) EventType() string { return EventTypeDailyDebitLimitUpdated }

type MonthlyDebitLimitUpdated struct {
	Limit decimal.NullDecimal `json:"limit"`
}

func (MonthlyDebitLimitUpdated) EventType() string { return EventTypeMonthlyDebitLimitUpdated }

type CardsLocked struct {
	Reference string `json:"reference,omitempty"`
}

func (CardsLocked) EventType() string { return EventTypeCardsLocked }

type CardsUnlocked struct {
	Reference string `json:"reference,omitempty"`
}

func (CardsUnlocked) EventType() string { return EventTypeCardsUnlocked }

type InternalRecipientRegistered struct {
	Recipient bank.TransferRecipient `json:"recipient"`
}

func (InternalRecipientRegistered) EventType() string { return EventTypeInternalRecipientRegistered }

type DomesticRecipientRegistered struct {
	Recipient bank.TransferRecipient `json:"recipient"`
}

func (DomesticRecipientRegistered) EventType() string { return EventTypeDomesticRecipientRegistered }

type DomesticRecipientEdited struct {
	Recipient bank.TransferRecipient `json:"recipient"`
}

func (DomesticRecipientEdited) EventType() string { return EventTypeDomesticRecipientEdited }

// TransferPending events share one payload: the full in-flight record the
// balance was debited for.
type InternalTransferWithinOrgPending struct {
	Transfer bank.InFlightTransfer `json:"transfer"`
}

func (InternalTransferWithinOrgPending) EventType() string {
	return EventTypeInternalTransferWithinOrgPending
}

type InternalTransferWithinOrgApproved struct {
	TransferID string          `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
}

func (InternalTransferWithinOrgApproved) EventType() string {
	return EventTypeInternalTransferWithinOrgApproved
}

type InternalTransferWithinOrgRejected struct {
	TransferID string                       `json:"transferId"`
	Amount     decimal.Decimal              `json:"amount"`
	Reason     bank.TransferRejectionReason `json:"reason"`
}

func (InternalTransferWithinOrgRejected) EventType() string {
	return EventTypeInternalTransferWithinOrgRejected
}

type InternalTransferWithinOrgDeposited struct {
	TransferID string          `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
	Sender     bank.Party      `json:"sender"`
	Memo       string          `json:"memo,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (InternalTransferWithinOrgDeposited) EventType() string {
	return EventTypeInternalTransferWithinOrgDeposited
}

type InternalTransferBetweenOrgsPending struct {
	Transfer bank.InFlightTransfer `json:"transfer"`
}

func (InternalTransferBetweenOrgsPending) EventType() string {
	return EventTypeInternalTransferBetweenOrgsPending
}

type InternalTransferBetweenOrgsApproved struct {
	TransferID string          `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
}

func (InternalTransferBetweenOrgsApproved) EventType() string {
	return EventTypeInternalTransferBetweenOrgsApproved
}

type InternalTransferBetweenOrgsRejected struct {
	TransferID string                       `json:"transferId"`
	Amount     decimal.Decimal              `json:"amount"`
	Reason     bank.TransferRejectionReason `json:"reason"`
}

func (InternalTransferBetweenOrgsRejected) EventType() string {
	return EventTypeInternalTransferBetweenOrgsRejected
}

type InternalTransferBetweenOrgsDeposited struct {
	TransferID string          `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
	Sender     bank.Party      `json:"sender"`
	Memo       string          `json:"memo,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (InternalTransferBetweenOrgsDeposited) EventType() string {
	return EventTypeInternalTransferBetweenOrgsDeposited
}

type InternalTransferBetweenOrgsScheduled struct {
	Transfer bank.InFlightTransfer `json:"transfer"`
	DueAt    time.Time             `json:"dueAt"`
}

func (InternalTransferBetweenOrgsScheduled) EventType() string {
	return EventTypeInternalTransferBetweenOrgsScheduled
}

type InternalAutoTransferPending struct {
	Transfer bank.InFlightTransfer `json:"transfer"`
}

func (InternalAutoTransferPending) EventType() string { return EventTypeInternalAutoTransferPending }

type InternalAutoTransferApproved struct {
	TransferID string          `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
	RuleID     string          `json:"ruleId,omitempty"`
}

func (InternalAutoTransferApproved) EventType() string { return EventTypeInternalAutoTransferApproved }

type InternalAutoTransferRejected struct {
	TransferID string                       `json:"transferId"`
	Amount     decimal.Decimal              `json:"amount"`
	Reason     bank.TransferRejectionReason `json:"reason"`
	RuleID     string                       `json:"ruleId,omitempty"`
}

func (InternalAutoTransferRejected) EventType() string { return EventTypeInternalAutoTransferRejected }

type InternalAutoTransferDeposited struct {
	TransferID string          `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
	Sender     bank.Party      `json:"sender"`
	RuleID     string          `json:"ruleId,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (InternalAutoTransferDeposited) EventType() string {
	return EventTypeInternalAutoTransferDeposited
}

type DomesticTransferPending struct {
	Transfer bank.InFlightTransfer `json:"transfer"`
}

func (DomesticTransferPending) EventType() string { return EventTypeDomesticTransferPending }

type DomesticTransferScheduled struct {
	Transfer bank.InFlightTransfer `json:"transfer"`
	DueAt    time.Time             `json:"dueAt"`
}

func (DomesticTransferScheduled) EventType() string { return EventTypeDomesticTransferScheduled }

type DomesticTransferProgressUpdated struct {
	TransferID string `json:"transferId"`
	Detail     string `json:"detail"`
}

func (DomesticTransferProgressUpdated) EventType() string {
	return EventTypeDomesticTransferProgressUpdated
}

type DomesticTransferApproved struct {
	TransferID             string          `json:"transferId"`
	Amount                 decimal.Decimal `json:"amount"`
	ProcessorTransactionID string          `json:"processorTransactionId,omitempty"`
}

func (DomesticTransferApproved) EventType() string { return EventTypeDomesticTransferApproved }

type DomesticTransferRejected struct {
	TransferID  string                       `json:"transferId"`
	Amount      decimal.Decimal              `json:"amount"`
	Reason      bank.TransferRejectionReason `json:"reason"`
	RecipientID string                       `json:"recipientId,omitempty"`
}

func (DomesticTransferRejected) EventType() string { return EventTypeDomesticTransferRejected }

type AutoTransferRuleConfigured struct {
	Rule bank.AutoTransferRule `json:"rule"`
}

func (AutoTransferRuleConfigured) EventType() string { return EventTypeAutoTransferRuleConfigured }

type AutoTransferRuleDeleted struct {
	RuleID string `json:"ruleId"`
}

func (AutoTransferRuleDeleted) EventType() string { return EventTypeAutoTransferRuleDeleted }

type PlatformPaymentRequested struct {
	Payment bank.PlatformPayment `json:"payment"`
}

func (PlatformPaymentRequested) EventType() string { return EventTypePlatformPaymentRequested }

type PlatformPaymentPaid struct {
	Payment    bank.PlatformPayment `json:"payment"`
	OccurredAt time.Time            `json:"occurredAt"`
}

func (PlatformPaymentPaid) EventType() string { return EventTypePlatformPaymentPaid }

type PlatformPaymentDeclined struct {
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason,omitempty"`
}

func (PlatformPaymentDeclined) EventType() string { return EventTypePlatformPaymentDeclined }

type PlatformPaymentDeposited struct {
	Payment    bank.PlatformPayment `json:"payment"`
	OccurredAt time.Time            `json:"occurredAt"`
}

func (PlatformPaymentDeposited) EventType() string { return EventTypePlatformPaymentDeposited }

// BillingCycleStarted opens a new cycle and snapshots the outcome of the
// one that just ended, so the fee decision and the billing statement can be
// derived from this single event.
type BillingCycleStarted struct {
	Period         bank.BillingPeriod `json:"period"`
	PriorPeriod    bank.BillingPeriod `json:"priorPeriod"`
	PriorCriteria  bank.FeeCriteria   `json:"priorCriteria"`
	BalanceAtStart decimal.Decimal    `json:"balanceAtStart"`
}

func (BillingCycleStarted) EventType() string { return EventTypeBillingCycleStarted }

type AccountClosed struct {
	Reference  string    `json:"reference,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (AccountClosed) EventType() string { return EventTypeAccountClosed }

var eventFactories = map[string]func() Event{
	EventTypeCreated:                  func() Event { return &Created{} },
	EventTypeDeposited:                func() Event { return &Deposited{} },
	EventTypeDebited:                  func() Event { return &Debited{} },
	EventTypeMaintenanceFeeDebited:    func() Event { return &MaintenanceFeeDebited{} },
	EventTypeMaintenanceFeeSkipped:    func() Event { return &MaintenanceFeeSkipped{} },
	EventTypeDailyDebitLimitUpdated:   func() Event { return &DailyDebitLimitUpdated{} },
	EventTypeMonthlyDebitLimitUpdated: func() Event { return &MonthlyDebitLimitUpdated{} },
	EventTypeCardsLocked:              func() Event { return &CardsLocked{} },
	EventTypeCardsUnlocked:            func() Event { return &CardsUnlocked{} },

	EventTypeInternalRecipientRegistered: func() Event { return &InternalRecipientRegistered{} },
	EventTypeDomesticRecipientRegistered: func() Event { return &DomesticRecipientRegistered{} },
	EventTypeDomesticRecipientEdited:     func() Event { return &DomesticRecipientEdited{} },

	EventTypeInternalTransferWithinOrgPending:   func() Event { return &InternalTransferWithinOrgPending{} },
	EventTypeInternalTransferWithinOrgApproved:  func() Event { return &InternalTransferWithinOrgApproved{} },
	EventTypeInternalTransferWithinOrgRejected:  func() Event { return &InternalTransferWithinOrgRejected{} },
	EventTypeInternalTransferWithinOrgDeposited: func() Event { return &InternalTransferWithinOrgDeposited{} },

	EventTypeInternalTransferBetweenOrgsPending:   func() Event { return &InternalTransferBetweenOrgsPending{} },
	EventTypeInternalTransferBetweenOrgsApproved:  func() Event { return &InternalTransferBetweenOrgsApproved{} },
	EventTypeInternalTransferBetweenOrgsRejected:  func() Event { return &InternalTransferBetweenOrgsRejected{} },
	EventTypeInternalTransferBetweenOrgsDeposited: func() Event { return &InternalTransferBetweenOrgsDeposited{} },
	EventTypeInternalTransferBetweenOrgsScheduled: func() Event { return &InternalTransferBetweenOrgsScheduled{} },

	EventTypeInternalAutoTransferPending:   func() Event { return &InternalAutoTransferPending{} },
	EventTypeInternalAutoTransferApproved:  func() Event { return &InternalAutoTransferApproved{} },
	EventTypeInternalAutoTransferRejected:  func() Event { return &InternalAutoTransferRejected{} },
	EventTypeInternalAutoTransferDeposited: func() Event { return &InternalAutoTransferDeposited{} },

	EventTypeDomesticTransferPending:         func() Event { return &DomesticTransferPending{} },
	EventTypeDomesticTransferScheduled:       func() Event { return &DomesticTransferScheduled{} },
	EventTypeDomesticTransferProgressUpdated: func() Event { return &DomesticTransferProgressUpdated{} },
	EventTypeDomesticTransferApproved:        func() Event { return &DomesticTransferApproved{} },
	EventTypeDomesticTransferRejected:        func() Event { return &DomesticTransferRejected{} },

	EventTypeAutoTransferRuleConfigured: func() Event { return &AutoTransferRuleConfigured{} },
	EventTypeAutoTransferRuleDeleted:    func() Event { return &AutoTransferRuleDeleted{} },

	EventTypePlatformPaymentRequested: func() Event { return &PlatformPaymentRequested{} },
	EventTypePlatformPaymentPaid:      func() Event { return &PlatformPaymentPaid{} },
	EventTypePlatformPaymentDeclined:  func() Event { return &PlatformPaymentDeclined{} },
	EventTypePlatformPaymentDeposited: func() Event { return &PlatformPaymentDeposited{} },

	EventTypeBillingCycleStarted: func() Event { return &BillingCycleStarted{} },
	EventTypeAccountClosed:       func() Event { return &AccountClosed{} },
}

// DecodeEvent reconstructs the typed payload of a journal event.
func DecodeEvent(evt *eventsourcing.Event) (Event, error) {
	factory, ok := eventFactories[evt.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventsourcing.ErrUnknownEventType, evt.EventType)
	}
	payload := factory()
	if err := json.Unmarshal(evt.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", evt.EventType, err)
	}
	return payload, nil
}

// EncodeEvent renders a typed payload for the journal.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return data, nil
}
