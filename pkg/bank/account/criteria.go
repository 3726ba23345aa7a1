package account

import (
	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// computeFeeCriteria folds one billing cycle's events into the fee-waiver
// criteria, independent of full state. BalanceHeld starts from the opening
// balance and can only degrade; QualifyingDepositFound can only be set. The
// fold stops early once the outcome is fixed.
//
// It is the reference for the incremental criteria tracking in Apply:
// refunds from rejected transfers restore the balance but never count as
// qualifying deposits. The tests cross-check both against each other.
func computeFeeCriteria(schedule bank.FeeSchedule, openingBalance decimal.Decimal, events []Event) bank.FeeCriteria {
	criteria := bank.FeeCriteria{
		BalanceHeld: openingBalance.GreaterThanOrEqual(schedule.BalanceThreshold),
	}
	balance := openingBalance
	for _, evt := range events {
		deposit, refund, debit := balanceDelta(evt)
		if deposit.IsPositive() {
			balance = balance.Add(deposit)
			if deposit.GreaterThanOrEqual(schedule.DepositThreshold) {
				criteria.QualifyingDepositFound = true
			}
		}
		balance = balance.Add(refund).Sub(debit)
		if balance.LessThan(schedule.BalanceThreshold) {
			criteria.BalanceHeld = false
		}
		if criteria.Settled() {
			break
		}
	}
	return criteria
}

// balanceDelta splits an event's balance effect into deposit credits,
// refund credits, and debits. Events without a balance effect return zeros.
func balanceDelta(evt Event) (deposit, refund, debit decimal.Decimal) {
	switch e := evt.(type) {
	case *Deposited:
		deposit = e.Amount
	case *InternalTransferWithinOrgDeposited:
		deposit = e.Amount
	case *InternalTransferBetweenOrgsDeposited:
		deposit = e.Amount
	case *InternalAutoTransferDeposited:
		deposit = e.Amount
	case *PlatformPaymentDeposited:
		deposit = e.Payment.Amount

	case *Debited:
		debit = e.Amount
	case *MaintenanceFeeDebited:
		debit = e.Amount
	case *PlatformPaymentPaid:
		debit = e.Payment.Amount
	case *InternalTransferWithinOrgPending:
		debit = e.Transfer.Amount
	case *InternalTransferBetweenOrgsPending:
		debit = e.Transfer.Amount
	case *InternalAutoTransferPending:
		debit = e.Transfer.Amount
	case *DomesticTransferPending:
		debit = e.Transfer.Amount

	case *InternalTransferWithinOrgRejected:
		refund = e.Amount
	case *InternalTransferBetweenOrgsRejected:
		refund = e.Amount
	case *InternalAutoTransferRejected:
		refund = e.Amount
	case *DomesticTransferRejected:
		refund = e.Amount
	}
	return deposit, refund, debit
}
