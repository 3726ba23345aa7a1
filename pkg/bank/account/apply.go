package account

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/bankengine/pkg/bank"
)

// Apply folds one event into state and returns the next state. It is pure
// and total: every persisted event applies cleanly, unknown events leave
// state untouched, and the receiver is never mutated. Replaying the journal
// through Apply reproduces state exactly.
func Apply(s State, evt Event) State {
	c := s.clone()
	switch e := evt.(type) {
	case *Created:
		return applyCreated(e)
	case *Deposited:
		c.credit(e.Amount)
	case *Debited:
		c.applyDebited(e)
	case *MaintenanceFeeDebited:
		c.debit(e.Amount)
		c.LastFeePeriod = e.Period
	case *MaintenanceFeeSkipped:
		c.LastFeePeriod = e.Period
	case *DailyDebitLimitUpdated:
		c.DailyDebitLimit = e.Limit
	case *MonthlyDebitLimitUpdated:
		c.MonthlyDebitLimit = e.Limit
	case *CardsLocked:
		c.CardsLocked = true
	case *CardsUnlocked:
		c.CardsLocked = false

	case *InternalRecipientRegistered:
		c.putRecipient(e.Recipient)
	case *DomesticRecipientRegistered:
		c.putRecipient(e.Recipient)
	case *DomesticRecipientEdited:
		c.putRecipient(e.Recipient)

	case *InternalTransferWithinOrgPending:
		c.applyTransferPending(e.Transfer)
	case *InternalTransferBetweenOrgsPending:
		c.applyTransferPending(e.Transfer)
	case *InternalAutoTransferPending:
		c.applyTransferPending(e.Transfer)
	case *DomesticTransferPending:
		c.applyTransferPending(e.Transfer)
		delete(c.FailedDomesticTransfers, e.Transfer.TransferID)

	case *InternalTransferBetweenOrgsScheduled:
		c.putInFlight(e.Transfer)
	case *DomesticTransferScheduled:
		c.putInFlight(e.Transfer)

	case *InternalTransferWithinOrgApproved:
		c.applyTransferApproved(e.TransferID)
	case *InternalTransferBetweenOrgsApproved:
		c.applyTransferApproved(e.TransferID)
	case *InternalAutoTransferApproved:
		c.applyTransferApproved(e.TransferID)
	case *DomesticTransferApproved:
		c.applyTransferApproved(e.TransferID)

	case *InternalTransferWithinOrgRejected:
		c.applyTransferRejected(e.TransferID, e.Amount, e.Reason)
	case *InternalTransferBetweenOrgsRejected:
		c.applyTransferRejected(e.TransferID, e.Amount, e.Reason)
	case *InternalAutoTransferRejected:
		c.applyTransferRejected(e.TransferID, e.Amount, e.Reason)
	case *DomesticTransferRejected:
		c.applyDomesticRejected(e)

	case *DomesticTransferProgressUpdated:
		if tr, ok := c.InFlight[e.TransferID]; ok {
			tr.Status = bank.TransferInProgress
			tr.ProgressDetail = e.Detail
			c.InFlight[e.TransferID] = tr
		}

	case *InternalTransferWithinOrgDeposited:
		c.applyDeposited(e.TransferID, e.Amount, e.OccurredAt)
	case *InternalTransferBetweenOrgsDeposited:
		c.applyDeposited(e.TransferID, e.Amount, e.OccurredAt)
	case *InternalAutoTransferDeposited:
		c.applyDeposited(e.TransferID, e.Amount, e.OccurredAt)

	case *AutoTransferRuleConfigured:
		if c.AutoTransferRules == nil {
			c.AutoTransferRules = make(map[string]bank.AutoTransferRule)
		}
		c.AutoTransferRules[e.Rule.ID] = e.Rule
	case *AutoTransferRuleDeleted:
		delete(c.AutoTransferRules, e.RuleID)

	case *PlatformPaymentRequested:
		if c.PendingPlatformPayments == nil {
			c.PendingPlatformPayments = make(map[string]bank.PlatformPayment)
		}
		c.PendingPlatformPayments[e.Payment.PaymentID] = e.Payment
	case *PlatformPaymentPaid:
		c.debit(e.Payment.Amount)
		delete(c.PendingPlatformPayments, e.Payment.PaymentID)
	case *PlatformPaymentDeclined:
		delete(c.PendingPlatformPayments, e.PaymentID)
	case *PlatformPaymentDeposited:
		c.applyDeposited(e.Payment.PaymentID, e.Payment.Amount, e.OccurredAt)

	case *BillingCycleStarted:
		c.PendingStatement = bank.StatementDraft{
			Period:         e.PriorPeriod,
			OpeningBalance: c.PeriodOpeningBalance,
			ClosingBalance: e.BalanceAtStart,
		}
		c.PeriodOpeningBalance = e.BalanceAtStart
		c.BillingPeriod = e.Period
		c.FeeCriteria = bank.FeeCriteria{
			QualifyingDepositFound: false,
			BalanceHeld:            c.Balance.GreaterThanOrEqual(c.FeeSchedule.BalanceThreshold),
		}

	case *AccountClosed:
		c.applyClosed(e)
	}
	return c
}

func applyCreated(e *Created) State {
	s := State{
		AccountID:            e.AccountID,
		OrgID:                e.OrgID,
		Owner:                e.Owner,
		Currency:             e.Currency,
		Status:               bank.AccountActive,
		Balance:              e.InitialDeposit,
		OpenedAt:             e.OpenedAt,
		FeeSchedule:          e.FeeSchedule,
		BillingPeriod:        bank.PeriodOf(e.OpenedAt),
		PeriodOpeningBalance: e.InitialDeposit,
	}
	s.FeeCriteria = bank.FeeCriteria{
		QualifyingDepositFound: e.InitialDeposit.GreaterThanOrEqual(e.FeeSchedule.DepositThreshold) && e.InitialDeposit.IsPositive(),
		BalanceHeld:            e.InitialDeposit.GreaterThanOrEqual(e.FeeSchedule.BalanceThreshold),
	}
	return s
}

// credit adds to the balance and tracks the qualifying-deposit criterion.
func (s *State) credit(amount decimal.Decimal) {
	s.Balance = s.Balance.Add(amount)
	if amount.GreaterThanOrEqual(s.FeeSchedule.DepositThreshold) && amount.IsPositive() {
		s.FeeCriteria.QualifyingDepositFound = true
	}
}

// debit subtracts from the balance and downgrades the balance-held
// criterion when the balance falls below the threshold.
func (s *State) debit(amount decimal.Decimal) {
	s.Balance = s.Balance.Sub(amount)
	if s.Balance.LessThan(s.FeeSchedule.BalanceThreshold) {
		s.FeeCriteria.BalanceHeld = false
	}
}

func (s *State) applyDebited(e *Debited) {
	s.debit(e.Amount)

	day := e.OccurredAt.UTC().Format(dayLayout)
	if s.LastDebitDay == day {
		s.DailyDebitAccrued = s.DailyDebitAccrued.Add(e.Amount)
	} else {
		s.LastDebitDay = day
		s.DailyDebitAccrued = e.Amount
	}
	month := e.OccurredAt.UTC().Format(monthLayout)
	if s.LastDebitMonth == month {
		s.MonthlyDebitAccrued = s.MonthlyDebitAccrued.Add(e.Amount)
	} else {
		s.LastDebitMonth = month
		s.MonthlyDebitAccrued = e.Amount
	}

	if s.ProcessedPurchases == nil {
		s.ProcessedPurchases = make(map[string]time.Time)
	}
	s.ProcessedPurchases[e.PurchaseID] = e.OccurredAt
	pruneBefore(s.ProcessedPurchases, e.OccurredAt.Add(-dedupeRetention))
}

func (s *State) putRecipient(r bank.TransferRecipient) {
	if s.Recipients == nil {
		s.Recipients = make(map[string]bank.TransferRecipient)
	}
	s.Recipients[r.ID] = r
}

func (s *State) putInFlight(tr bank.InFlightTransfer) {
	if s.InFlight == nil {
		s.InFlight = make(map[string]bank.InFlightTransfer)
	}
	s.InFlight[tr.TransferID] = tr
}

// applyTransferPending debits the balance and records the in-flight
// transfer. A scheduled transfer coming due replaces its parked record.
func (s *State) applyTransferPending(tr bank.InFlightTransfer) {
	s.debit(tr.Amount)
	s.putInFlight(tr)
}

func (s *State) applyTransferApproved(transferID string) {
	delete(s.InFlight, transferID)
	s.maybeReadyForDelete()
}

func (s *State) applyTransferRejected(transferID string, amount decimal.Decimal, reason bank.TransferRejectionReason) {
	tr, ok := s.InFlight[transferID]
	delete(s.InFlight, transferID)
	// The money never reached the recipient; it returns to the balance.
	s.Balance = s.Balance.Add(amount)
	if ok && tr.RecipientID != "" && reason == bank.RejectedAccountClosed {
		if r, found := s.Recipients[tr.RecipientID]; found {
			r.Status = bank.RecipientClosed
			s.Recipients[tr.RecipientID] = r
		}
	}
	s.maybeReadyForDelete()
}

func (s *State) applyDomesticRejected(e *DomesticTransferRejected) {
	delete(s.InFlight, e.TransferID)
	s.Balance = s.Balance.Add(e.Amount)
	if e.Reason == bank.RejectedInvalidAccountInfo && e.RecipientID != "" {
		if r, found := s.Recipients[e.RecipientID]; found {
			r.Status = bank.RecipientInvalidAccount
			s.Recipients[e.RecipientID] = r
		}
		if s.FailedDomesticTransfers == nil {
			s.FailedDomesticTransfers = make(map[string]bank.FailedDomesticTransfer)
		}
		s.FailedDomesticTransfers[e.TransferID] = bank.FailedDomesticTransfer{
			TransferID:  e.TransferID,
			RecipientID: e.RecipientID,
			Amount:      e.Amount,
			Reason:      e.Reason,
		}
	}
	s.maybeReadyForDelete()
}

// applyDeposited credits an incoming transfer or payment and records its id
// for duplicate suppression.
func (s *State) applyDeposited(id string, amount decimal.Decimal, at time.Time) {
	s.credit(amount)
	if s.ProcessedDeposits == nil {
		s.ProcessedDeposits = make(map[string]time.Time)
	}
	s.ProcessedDeposits[id] = at
	pruneBefore(s.ProcessedDeposits, at.Add(-dedupeRetention))
}

func (s *State) applyClosed(e *AccountClosed) {
	s.Status = bank.AccountClosed
	s.ClosedAt = e.OccurredAt
	s.ClosureReference = e.Reference
	// Parked transfers never debited the balance; closing cancels them.
	for id, tr := range s.InFlight {
		if tr.Status == bank.TransferScheduled {
			delete(s.InFlight, id)
		}
	}
	// Standing instructions stop with the account.
	s.AutoTransferRules = nil
	s.PendingPlatformPayments = nil
	s.maybeReadyForDelete()
}

// maybeReadyForDelete moves a closed account to its terminal status once
// the last in-flight transfer resolves.
func (s *State) maybeReadyForDelete() {
	if s.Status == bank.AccountClosed && s.ActiveInFlight() == 0 {
		s.Status = bank.AccountReadyForDelete
	}
}

func pruneBefore(m map[string]time.Time, cutoff time.Time) {
	for id, at := range m {
		if at.Before(cutoff) {
			delete(m, id)
		}
	}
}
