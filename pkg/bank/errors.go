package bank

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Code classifies a command rejection. Codes are stable identifiers carried
// on the error broadcast stream, so clients can switch on them.
type Code string

const (
	CodeAccountNotActive           Code = "AccountNotActive"
	CodeAccountCardLocked          Code = "AccountCardLocked"
	CodeInsufficientBalance        Code = "InsufficientBalance"
	CodeExceededDailyDebit         Code = "ExceededDailyDebit"
	CodeExceededMonthlyDebit       Code = "ExceededMonthlyDebit"
	CodeRecipientNotRegistered     Code = "RecipientNotRegistered"
	CodeRecipientDeactivated       Code = "RecipientDeactivated"
	CodeTransferAlreadyProgressed  Code = "TransferAlreadyProgressedToApprovedOrRejected"
	CodeTransferProgressNoChange   Code = "TransferProgressNoChange"
	CodeAccountNotReadyToActivate  Code = "AccountNotReadyToActivate"
	CodeDepositTooSmall            Code = "DepositTooSmall"
	CodeDebitAmountNotPositive     Code = "DebitAmountNotPositive"
	CodeDateNotDefault             Code = "DateNotDefault"
	CodeSenderRegistrationRequired Code = "SenderRegistrationRequired"
	CodeValidationFailure          Code = "ValidationFailure"
	CodePurchaseAlreadyProcessed   Code = "PurchaseAlreadyProcessed"
	CodeFeeAlreadyAssessed         Code = "MaintenanceFeeAlreadyAssessed"
	CodeBillingCycleAlreadyStarted Code = "BillingCycleAlreadyStarted"
	CodeAutoTransferRuleNotFound   Code = "AutoTransferRuleNotFound"
	CodeEmployeeNotActive          Code = "EmployeeNotActive"
	CodeEmployeeAlreadyActive      Code = "EmployeeAlreadyActive"
	CodeCardNotFound               Code = "CardNotFound"
	CodeCardAlreadyIssued          Code = "CardAlreadyIssued"
	CodeInviteTokenInvalid         Code = "InviteTokenInvalid"
	CodeInviteExpired              Code = "InviteExpired"
)

// AmountDetail carries the money figures behind a balance or limit rejection.
type AmountDetail struct {
	Balance   decimal.Decimal `json:"balance"`
	Requested decimal.Decimal `json:"requested"`
	Limit     decimal.Decimal `json:"limit"`
	Accrued   decimal.Decimal `json:"accrued"`
}

// ValidationError is a command rejection produced by an aggregate decide
// function. Rejections never mutate state; they are returned to the caller
// and, depending on the code, broadcast or logged by the aggregate actor.
type ValidationError struct {
	Code   Code          `json:"code"`
	Field  string        `json:"field,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Detail *AmountDetail `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeInsufficientBalance:
		return fmt.Sprintf("insufficient balance: available %s, requested %s",
			e.Detail.Balance, e.Detail.Requested)
	case CodeExceededDailyDebit:
		return fmt.Sprintf("daily debit limit exceeded: limit %s, accrued %s, requested %s",
			e.Detail.Limit, e.Detail.Accrued, e.Detail.Requested)
	case CodeExceededMonthlyDebit:
		return fmt.Sprintf("monthly debit limit exceeded: limit %s, accrued %s, requested %s",
			e.Detail.Limit, e.Detail.Accrued, e.Detail.Requested)
	case CodeValidationFailure:
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return string(e.Code)
}

// NoOp reports whether the rejection is an expected consequence of message
// redelivery or workflow races. No-op rejections are logged at debug level
// and never broadcast.
func (e *ValidationError) NoOp() bool {
	switch e.Code {
	case CodeTransferProgressNoChange,
		CodeTransferAlreadyProgressed,
		CodeAccountNotReadyToActivate,
		CodePurchaseAlreadyProcessed,
		CodeFeeAlreadyAssessed,
		CodeBillingCycleAlreadyStarted,
		CodeAutoTransferRuleNotFound,
		CodeEmployeeAlreadyActive,
		CodeCardAlreadyIssued:
		return true
	}
	return false
}

// AsValidation unwraps err into a *ValidationError when it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

func NewAccountNotActive() *ValidationError {
	return &ValidationError{Code: CodeAccountNotActive}
}

func NewAccountCardLocked() *ValidationError {
	return &ValidationError{Code: CodeAccountCardLocked}
}

func NewInsufficientBalance(balance, requested decimal.Decimal) *ValidationError {
	return &ValidationError{
		Code:   CodeInsufficientBalance,
		Detail: &AmountDetail{Balance: balance, Requested: requested},
	}
}

func NewExceededDailyDebit(limit, accrued, requested decimal.Decimal) *ValidationError {
	return &ValidationError{
		Code:   CodeExceededDailyDebit,
		Detail: &AmountDetail{Limit: limit, Accrued: accrued, Requested: requested},
	}
}

func NewExceededMonthlyDebit(limit, accrued, requested decimal.Decimal) *ValidationError {
	return &ValidationError{
		Code:   CodeExceededMonthlyDebit,
		Detail: &AmountDetail{Limit: limit, Accrued: accrued, Requested: requested},
	}
}

func NewRecipientNotRegistered(recipientID string) *ValidationError {
	return &ValidationError{Code: CodeRecipientNotRegistered, Field: "recipientId", Reason: recipientID}
}

func NewRecipientDeactivated(recipientID string) *ValidationError {
	return &ValidationError{Code: CodeRecipientDeactivated, Field: "recipientId", Reason: recipientID}
}

func NewTransferAlreadyProgressed(transferID string) *ValidationError {
	return &ValidationError{Code: CodeTransferAlreadyProgressed, Field: "transferId", Reason: transferID}
}

func NewTransferProgressNoChange(transferID string) *ValidationError {
	return &ValidationError{Code: CodeTransferProgressNoChange, Field: "transferId", Reason: transferID}
}

func NewAccountNotReadyToActivate() *ValidationError {
	return &ValidationError{Code: CodeAccountNotReadyToActivate}
}

func NewDepositTooSmall(minimum, requested decimal.Decimal) *ValidationError {
	return &ValidationError{
		Code:   CodeDepositTooSmall,
		Detail: &AmountDetail{Limit: minimum, Requested: requested},
	}
}

func NewDebitAmountNotPositive(requested decimal.Decimal) *ValidationError {
	return &ValidationError{
		Code:   CodeDebitAmountNotPositive,
		Detail: &AmountDetail{Requested: requested},
	}
}

func NewDateNotDefault(field string) *ValidationError {
	return &ValidationError{Code: CodeDateNotDefault, Field: field}
}

func NewSenderRegistrationRequired(senderAccountID string) *ValidationError {
	return &ValidationError{Code: CodeSenderRegistrationRequired, Field: "sender", Reason: senderAccountID}
}

func NewValidationFailure(field, reason string) *ValidationError {
	return &ValidationError{Code: CodeValidationFailure, Field: field, Reason: reason}
}

func NewPurchaseAlreadyProcessed(purchaseID string) *ValidationError {
	return &ValidationError{Code: CodePurchaseAlreadyProcessed, Field: "purchaseId", Reason: purchaseID}
}

func NewFeeAlreadyAssessed(month, year int) *ValidationError {
	return &ValidationError{Code: CodeFeeAlreadyAssessed, Reason: fmt.Sprintf("%d-%02d", year, month)}
}

func NewBillingCycleAlreadyStarted(month, year int) *ValidationError {
	return &ValidationError{Code: CodeBillingCycleAlreadyStarted, Reason: fmt.Sprintf("%d-%02d", year, month)}
}

func NewAutoTransferRuleNotFound(ruleID string) *ValidationError {
	return &ValidationError{Code: CodeAutoTransferRuleNotFound, Field: "ruleId", Reason: ruleID}
}

func NewEmployeeNotActive() *ValidationError {
	return &ValidationError{Code: CodeEmployeeNotActive}
}

func NewEmployeeAlreadyActive() *ValidationError {
	return &ValidationError{Code: CodeEmployeeAlreadyActive}
}

func NewCardNotFound(cardID string) *ValidationError {
	return &ValidationError{Code: CodeCardNotFound, Field: "cardId", Reason: cardID}
}

func NewCardAlreadyIssued(cardID string) *ValidationError {
	return &ValidationError{Code: CodeCardAlreadyIssued, Field: "cardId", Reason: cardID}
}

func NewInviteTokenInvalid() *ValidationError {
	return &ValidationError{Code: CodeInviteTokenInvalid}
}

func NewInviteExpired() *ValidationError {
	return &ValidationError{Code: CodeInviteExpired}
}
