package bank

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle status of an account aggregate.
type AccountStatus string

const (
	// AccountActive accepts the full command set.
	AccountActive AccountStatus = "Active"
	// AccountClosed accepts only in-flight transfer resolutions while the
	// closure finalizer drains the aggregate.
	AccountClosed AccountStatus = "Closed"
	// AccountReadyForDelete is terminal. Only journal deletion is accepted.
	AccountReadyForDelete AccountStatus = "ReadyForDelete"
)

// EmployeeStatus is the lifecycle status of an employee aggregate.
type EmployeeStatus string

const (
	EmployeePendingInvite EmployeeStatus = "PendingInvite"
	EmployeeActive        EmployeeStatus = "Active"
	EmployeeDeactivated   EmployeeStatus = "Deactivated"
)

// EmployeeRole sets what an employee may do within the organisation.
type EmployeeRole string

const (
	RoleAdmin  EmployeeRole = "Admin"
	RoleMember EmployeeRole = "Member"
)

// CardStatus is the status of a debit card issued to an employee.
type CardStatus string

const (
	CardActive CardStatus = "Active"
	CardLocked CardStatus = "Locked"
)

// PurchaseStatus is the progress of a card purchase on the employee side.
type PurchaseStatus string

const (
	PurchasePending  PurchaseStatus = "Pending"
	PurchaseApproved PurchaseStatus = "Approved"
	PurchaseDeclined PurchaseStatus = "Declined"
)

// TransferKind discriminates the money movement workflows an account can run.
type TransferKind string

const (
	TransferInternalWithinOrg   TransferKind = "InternalWithinOrg"
	TransferInternalBetweenOrgs TransferKind = "InternalBetweenOrgs"
	TransferDomestic            TransferKind = "Domestic"
	TransferInternalAutomated   TransferKind = "InternalAutomated"
)

// TransferStatus is the progress of an in-flight transfer on the sender side.
type TransferStatus string

const (
	TransferPending    TransferStatus = "Pending"
	TransferInProgress TransferStatus = "InProgress"
	TransferApproved   TransferStatus = "Approved"
	TransferRejected   TransferStatus = "Rejected"
	TransferDeposited  TransferStatus = "Deposited"
	TransferScheduled  TransferStatus = "Scheduled"
)

// TransferRejectionReason explains a rejected transfer.
type TransferRejectionReason string

const (
	RejectedInvalidAccountInfo  TransferRejectionReason = "InvalidAccountInfo"
	RejectedAccountClosed       TransferRejectionReason = "AccountClosed"
	RejectedInsufficientBalance TransferRejectionReason = "InsufficientBalance"
	RejectedCorruptData         TransferRejectionReason = "CorruptData"
	RejectedNetworkFailure      TransferRejectionReason = "NetworkFailure"
	RejectedUnknown             TransferRejectionReason = "Unknown"
)

// Party identifies one side of a money movement.
type Party struct {
	AccountID string `json:"accountId"`
	OrgID     string `json:"orgId"`
	Name      string `json:"name"`
}

// AccountOwner is the person or organisation an account is created for.
type AccountOwner struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// FullName joins the owner names for display and email templating.
func (o AccountOwner) FullName() string {
	if o.FirstName == "" {
		return o.LastName
	}
	if o.LastName == "" {
		return o.FirstName
	}
	return o.FirstName + " " + o.LastName
}

// FeeSchedule captures the maintenance fee terms fixed at account creation.
// The fee for a billing cycle is waived when either criterion held during
// the cycle: a single qualifying deposit of at least DepositThreshold, or a
// balance that never dropped below BalanceThreshold.
type FeeSchedule struct {
	Amount           decimal.Decimal `json:"amount"`
	BalanceThreshold decimal.Decimal `json:"balanceThreshold"`
	DepositThreshold decimal.Decimal `json:"depositThreshold"`
}

// FeeCriteria tracks, within the current billing cycle, whether either
// fee-waiver criterion still holds. QualifyingDepositFound is monotone up,
// BalanceHeld monotone down, so once the pair reaches (true, false) the
// cycle outcome is fixed.
type FeeCriteria struct {
	QualifyingDepositFound bool `json:"qualifyingDepositFound"`
	BalanceHeld            bool `json:"balanceHeld"`
}

// Waives reports whether the cycle's maintenance fee is waived.
func (c FeeCriteria) Waives() bool {
	return c.QualifyingDepositFound || c.BalanceHeld
}

// Settled reports whether no further event can change the cycle outcome.
func (c FeeCriteria) Settled() bool {
	return c.QualifyingDepositFound && !c.BalanceHeld
}

// BillingPeriod identifies one billing cycle.
type BillingPeriod struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// PeriodOf returns the billing period the given instant falls in.
func PeriodOf(t time.Time) BillingPeriod {
	return BillingPeriod{Month: int(t.Month()), Year: t.Year()}
}

// Key formats the period as "YYYY-MM" for storage and log keys.
func (p BillingPeriod) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Zero reports whether the period is unset.
func (p BillingPeriod) Zero() bool {
	return p.Month == 0 && p.Year == 0
}

// StatementDraft is the balance span of a finished billing period, held on
// the account until the fee decision turns it into a statement.
type StatementDraft struct {
	Period         BillingPeriod   `json:"period"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
	ClosingBalance decimal.Decimal `json:"closingBalance"`
}

// InFlightTransfer is a sender-side record of a transfer that has left the
// balance but has not reached a terminal status. Keyed by the workflow
// correlation id in account state.
type InFlightTransfer struct {
	TransferID string          `json:"transferId"`
	Kind       TransferKind    `json:"kind"`
	Status     TransferStatus  `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Sender     Party           `json:"sender"`
	Recipient  Party           `json:"recipient"`
	// RecipientID is the key of the registered recipient used, when any.
	RecipientID string    `json:"recipientId,omitempty"`
	Memo        string    `json:"memo,omitempty"`
	InitiatedAt time.Time `json:"initiatedAt"`
	// ProgressDetail is the last progress note from the transfer processor.
	ProgressDetail string `json:"progressDetail,omitempty"`
	// RuleID is set for automated transfers computed from a rule.
	RuleID string `json:"ruleId,omitempty"`
}

// FailedDomesticTransfer is retained after a domestic transfer is rejected
// for invalid account details, so the owner can fix the recipient and retry.
type FailedDomesticTransfer struct {
	TransferID  string                  `json:"transferId"`
	RecipientID string                  `json:"recipientId"`
	Amount      decimal.Decimal         `json:"amount"`
	Reason      TransferRejectionReason `json:"reason"`
	FailedAt    time.Time               `json:"failedAt"`
}
