package bank

import (
	"time"

	"github.com/shopspring/decimal"
)

// Messages exchanged between aggregates and the workflow components. They
// are plain data: delivery happens through the entity runtime or a worker
// mailbox, never by direct calls between aggregate packages.

// DebitRequest asks an account to debit a card purchase made by an employee.
type DebitRequest struct {
	PurchaseID      string          `json:"purchaseId"`
	AccountID       string          `json:"accountId"`
	OrgID           string          `json:"orgId"`
	EmployeeID      string          `json:"employeeId"`
	CardID          string          `json:"cardId"`
	CardNumberLast4 string          `json:"cardNumberLast4"`
	Amount          decimal.Decimal `json:"amount"`
	Merchant        string          `json:"merchant"`
	OccurredAt      time.Time       `json:"occurredAt"`
}

// DebitApproval tells the employee aggregate a card purchase was debited.
type DebitApproval struct {
	PurchaseID string          `json:"purchaseId"`
	EmployeeID string          `json:"employeeId"`
	OrgID      string          `json:"orgId"`
	CardID     string          `json:"cardId"`
	Amount     decimal.Decimal `json:"amount"`
}

// DebitDecline tells the employee aggregate a card purchase was refused.
type DebitDecline struct {
	PurchaseID string           `json:"purchaseId"`
	EmployeeID string           `json:"employeeId"`
	OrgID      string           `json:"orgId"`
	CardID     string           `json:"cardId"`
	Amount     decimal.Decimal  `json:"amount"`
	Reason     *ValidationError `json:"reason"`
}

// TransferRequest hands a pending internal transfer to the coordinator.
// TransferID doubles as the workflow correlation id on both accounts.
type TransferRequest struct {
	TransferID  string          `json:"transferId"`
	Kind        TransferKind    `json:"kind"`
	Sender      Party           `json:"sender"`
	Recipient   Party           `json:"recipient"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
	RuleID      string          `json:"ruleId,omitempty"`
	InitiatedAt time.Time       `json:"initiatedAt"`
}

// DomesticTransferCall hands a pending domestic transfer to the processor
// worker. Recipient carries the external routing details.
type DomesticTransferCall struct {
	TransferID  string            `json:"transferId"`
	Sender      Party             `json:"sender"`
	Recipient   TransferRecipient `json:"recipient"`
	Amount      decimal.Decimal   `json:"amount"`
	Memo        string            `json:"memo,omitempty"`
	InitiatedAt time.Time         `json:"initiatedAt"`
	// Attempt counts deliveries of this call, starting at 1.
	Attempt int `json:"attempt"`
}

// ScheduledTransfer parks a transfer with the scheduling proxy until DueAt.
type ScheduledTransfer struct {
	DueAt   time.Time       `json:"dueAt"`
	Request TransferRequest `json:"request"`
	// DomesticRecipientID is set instead of Request.Recipient for
	// scheduled domestic transfers.
	DomesticRecipientID string `json:"domesticRecipientId,omitempty"`
}

// ClosureRegistration registers a closed account with the closure finalizer.
type ClosureRegistration struct {
	AccountID string    `json:"accountId"`
	OrgID     string    `json:"orgId"`
	Reference string    `json:"reference,omitempty"`
	ClosedAt  time.Time `json:"closedAt"`
}

// PlatformPayment is a payment request between two platform accounts.
type PlatformPayment struct {
	PaymentID string          `json:"paymentId"`
	Payer     Party           `json:"payer"`
	Payee     Party           `json:"payee"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	DueAt     time.Time       `json:"dueAt"`
}

// BillingStatement is handed to the statement store once a billing cycle's
// fee decision persisted. FeeApplied is unset when the fee was skipped;
// FeeSkipReason then says why.
type BillingStatement struct {
	AccountID      string              `json:"accountId"`
	OrgID          string              `json:"orgId"`
	Period         BillingPeriod       `json:"period"`
	OpeningBalance decimal.Decimal     `json:"openingBalance"`
	ClosingBalance decimal.Decimal     `json:"closingBalance"`
	FeeApplied     decimal.NullDecimal `json:"feeApplied"`
	FeeSkipReason  string              `json:"feeSkipReason,omitempty"`
}

// EmailMessage is queued to the email proxy after selected events persist.
type EmailMessage struct {
	OrgID    string            `json:"orgId"`
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

// ErrorBroadcast is the payload published on the error stream when a
// command is rejected.
type ErrorBroadcast struct {
	EntityID    string           `json:"entityId"`
	EntityType  string           `json:"entityType"`
	OrgID       string           `json:"orgId"`
	CommandType string           `json:"commandType"`
	Error       *ValidationError `json:"error"`
	OccurredAt  time.Time        `json:"occurredAt"`
}
