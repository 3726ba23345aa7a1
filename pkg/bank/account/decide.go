package account

import (
	"fmt"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	"github.com/plaenen/bankengine/pkg/validators"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Decide validates a command against current state and produces at most one
// event. It is pure: no clocks, no IO, no mutation. Timestamps come from
// the command metadata so replays and tests are deterministic. A non-nil
// error is always a *bank.ValidationError.
func Decide(s State, cmd Command, meta eventsourcing.CommandMetadata) (Event, error) {
	if c, ok := cmd.(*CreateAccount); ok {
		return decideCreate(s, c, meta)
	}
	if !s.Opened() {
		return nil, bank.NewAccountNotActive()
	}
	if s.Status == bank.AccountReadyForDelete {
		return nil, bank.NewAccountNotActive()
	}
	if s.Status == bank.AccountClosed && !resolutionCommand(cmd) {
		return nil, bank.NewAccountNotActive()
	}

	switch c := cmd.(type) {
	case *DepositCash:
		return decideDeposit(s, c, meta)
	case *Debit:
		return decideDebit(s, c, meta)
	case *MaintenanceFeeDebit:
		return decideMaintenanceFee(s, c, meta)
	case *SkipMaintenanceFee:
		return decideSkipFee(s, c)
	case *UpdateDailyDebitLimit:
		return decideDailyLimit(c)
	case *UpdateMonthlyDebitLimit:
		return decideMonthlyLimit(c)
	case *LockCards:
		return &CardsLocked{Reference: c.Reference}, nil
	case *UnlockCards:
		return &CardsUnlocked{Reference: c.Reference}, nil
	case *RegisterInternalRecipient:
		return decideRegisterInternal(s, c, meta)
	case *RegisterDomesticRecipient:
		return decideRegisterDomestic(c, meta)
	case *EditDomesticRecipient:
		return decideEditDomestic(s, c)
	case *InternalTransfer:
		return decideInternalTransfer(s, c, meta)
	case *DomesticTransfer:
		return decideDomesticTransfer(s, c, meta)
	case *ApproveInternalTransfer:
		return decideApproveInternal(s, c)
	case *RejectInternalTransfer:
		return decideRejectInternal(s, c)
	case *DepositInternalTransfer:
		return decideDepositInternal(s, c, meta)
	case *UpdateDomesticTransferProgress:
		return decideDomesticProgress(s, c)
	case *ApproveDomesticTransfer:
		return decideApproveDomestic(s, c)
	case *RejectDomesticTransfer:
		return decideRejectDomestic(s, c)
	case *InternalAutoTransfer:
		return decideAutoTransfer(s, c, meta)
	case *ConfigureAutoTransferRule:
		return decideConfigureRule(s, c, meta)
	case *DeleteAutoTransferRule:
		return decideDeleteRule(s, c)
	case *RequestPlatformPayment:
		return decideRequestPayment(s, c, meta)
	case *PayPlatformPayment:
		return decidePayPayment(s, c, meta)
	case *DeclinePlatformPayment:
		return decideDeclinePayment(s, c)
	case *DepositPlatformPayment:
		return decideDepositPayment(s, c, meta)
	case *StartBillingCycle:
		return decideStartBillingCycle(s, c)
	case *CloseAccount:
		return &AccountClosed{Reference: c.Reference, OccurredAt: meta.Timestamp}, nil
	}
	return nil, bank.NewValidationFailure("command", fmt.Sprintf("unsupported command %s", cmd.CommandType()))
}

// Request pairs a command with the metadata it arrived under.
type Request struct {
	Meta eventsourcing.CommandMetadata
	Cmd  Command
}

// BatchError reports the first rejected command of an atomic batch.
type BatchError struct {
	Index       int
	CommandType string
	Err         error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch command %d (%s) rejected: %v", e.Index, e.CommandType, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// DecideAll folds a batch of commands over a shadow state so later commands
// see the effects of earlier ones. The batch is atomic: the first rejection
// aborts it and no events are produced.
func DecideAll(s State, reqs []Request) ([]Event, State, error) {
	events := make([]Event, 0, len(reqs))
	shadow := s
	for i, r := range reqs {
		evt, err := Decide(shadow, r.Cmd, r.Meta)
		if err != nil {
			return nil, s, &BatchError{Index: i, CommandType: r.Cmd.CommandType(), Err: err}
		}
		events = append(events, evt)
		shadow = Apply(shadow, evt)
	}
	return events, shadow, nil
}

// resolutionCommand reports whether a command resolves an in-flight
// transfer. Only these stay accepted while the account is closed and the
// closure finalizer waits for the drain.
func resolutionCommand(cmd Command) bool {
	switch cmd.(type) {
	case *ApproveInternalTransfer, *RejectInternalTransfer,
		*UpdateDomesticTransferProgress, *ApproveDomesticTransfer,
		*RejectDomesticTransfer:
		return true
	}
	return false
}

func decideCreate(s State, c *CreateAccount, meta eventsourcing.CommandMetadata) (Event, error) {
	if s.Opened() {
		return nil, bank.NewAccountNotReadyToActivate()
	}
	if c.Owner.FirstName == "" && c.Owner.LastName == "" {
		return nil, bank.NewValidationFailure("owner", "owner name is required")
	}
	if !validators.IsValidEmail(c.Owner.Email) {
		return nil, bank.NewValidationFailure("email", "owner email is not a valid address")
	}
	if !bank.ValidCurrency(c.Currency) {
		return nil, bank.NewValidationFailure("currency", "unknown ISO 4217 currency "+c.Currency)
	}
	if c.InitialDeposit.IsNegative() {
		return nil, bank.NewValidationFailure("initialDeposit", "initial deposit cannot be negative")
	}
	if c.FeeSchedule.Amount.IsNegative() ||
		c.FeeSchedule.BalanceThreshold.IsNegative() ||
		c.FeeSchedule.DepositThreshold.IsNegative() {
		return nil, bank.NewValidationFailure("feeSchedule", "fee schedule amounts cannot be negative")
	}
	return &Created{
		AccountID:      meta.EntityID,
		OrgID:          meta.OrgID,
		Owner:          c.Owner,
		Currency:       c.Currency,
		InitialDeposit: c.InitialDeposit,
		FeeSchedule:    c.FeeSchedule,
		OpenedAt:       meta.Timestamp,
	}, nil
}

func decideDeposit(s State, c *DepositCash, meta eventsourcing.CommandMetadata) (Event, error) {
	if c.Amount.LessThan(bank.MinimumDeposit) {
		return nil, bank.NewDepositTooSmall(bank.MinimumDeposit, c.Amount)
	}
	return &Deposited{Amount: c.Amount, Origin: c.Origin, OccurredAt: meta.Timestamp}, nil
}

func decideDebit(s State, c *Debit, meta eventsourcing.CommandMetadata) (Event, error) {
	if c.PurchaseID == "" {
		return nil, bank.NewValidationFailure("purchaseId", "purchase id is required")
	}
	if _, done := s.ProcessedPurchases[c.PurchaseID]; done {
		return nil, bank.NewPurchaseAlreadyProcessed(c.PurchaseID)
	}
	if s.CardsLocked {
		return nil, bank.NewAccountCardLocked()
	}
	if !bank.Positive(c.Amount) {
		return nil, bank.NewDebitAmountNotPositive(c.Amount)
	}
	available := s.DebitableBalance()
	if c.Amount.GreaterThan(available) {
		return nil, bank.NewInsufficientBalance(available, c.Amount)
	}
	day := meta.Timestamp.UTC().Format(dayLayout)
	if s.DailyDebitLimit.Valid {
		accrued := s.DailyDebitFor(day)
		if accrued.Add(c.Amount).GreaterThan(s.DailyDebitLimit.Decimal) {
			return nil, bank.NewExceededDailyDebit(s.DailyDebitLimit.Decimal, accrued, c.Amount)
		}
	}
	month := meta.Timestamp.UTC().Format(monthLayout)
	if s.MonthlyDebitLimit.Valid {
		accrued := s.MonthlyDebitFor(month)
		if accrued.Add(c.Amount).GreaterThan(s.MonthlyDebitLimit.Decimal) {
			return nil, bank.NewExceededMonthlyDebit(s.MonthlyDebitLimit.Decimal, accrued, c.Amount)
		}
	}
	return &Debited{
		PurchaseID:      c.PurchaseID,
		Amount:          c.Amount,
		Merchant:        c.Merchant,
		EmployeeID:      c.EmployeeID,
		CardID:          c.CardID,
		CardNumberLast4: c.CardNumberLast4,
		OccurredAt:      meta.Timestamp,
	}, nil
}

func decideMaintenanceFee(s State, c *MaintenanceFeeDebit, meta eventsourcing.CommandMetadata) (Event, error) {
	if s.LastFeePeriod == c.Period {
		return nil, bank.NewFeeAlreadyAssessed(c.Period.Month, c.Period.Year)
	}
	available := s.DebitableBalance()
	if !available.IsPositive() {
		// Nothing left to charge. Record the skip so the cycle is
		// still assessed exactly once.
		return &MaintenanceFeeSkipped{Period: c.Period, Reason: FeeSkipInsufficientBalance}, nil
	}
	amount := c.Amount
	if amount.GreaterThan(available) {
		amount = available
	}
	return &MaintenanceFeeDebited{Period: c.Period, Amount: amount, OccurredAt: meta.Timestamp}, nil
}

func decideSkipFee(s State, c *SkipMaintenanceFee) (Event, error) {
	if s.LastFeePeriod == c.Period {
		return nil, bank.NewFeeAlreadyAssessed(c.Period.Month, c.Period.Year)
	}
	return &MaintenanceFeeSkipped{Period: c.Period, Reason: c.Reason}, nil
}

func decideDailyLimit(c *UpdateDailyDebitLimit) (Event, error) {
	if c.Limit.Valid && !c.Limit.Decimal.IsPositive() {
		return nil, bank.NewValidationFailure("limit", "daily debit limit must be positive")
	}
	return &DailyDebitLimitUpdated{Limit: c.Limit}, nil
}

func decideMonthlyLimit(c *UpdateMonthlyDebitLimit) (Event, error) {
	if c.Limit.Valid && !c.Limit.Decimal.IsPositive() {
		return nil, bank.NewValidationFailure("limit", "monthly debit limit must be positive")
	}
	return &MonthlyDebitLimitUpdated{Limit: c.Limit}, nil
}

func decideRegisterInternal(s State, c *RegisterInternalRecipient, meta eventsourcing.CommandMetadata) (Event, error) {
	if c.AccountID == "" {
		return nil, bank.NewValidationFailure("accountId", "recipient account id is required")
	}
	if c.AccountID == s.AccountID {
		return nil, bank.NewValidationFailure("accountId", "cannot register the account as its own recipient")
	}
	if c.Name == "" {
		return nil, bank.NewValidationFailure("name", "recipient name is required")
	}
	kind := bank.RecipientInternalWithinOrg
	orgID := s.OrgID
	if c.OrgID != "" && c.OrgID != s.OrgID {
		kind = bank.RecipientInternalBetweenOrgs
		orgID = c.OrgID
	}
	return &InternalRecipientRegistered{Recipient: bank.TransferRecipient{
		ID:        c.AccountID,
		Kind:      kind,
		Status:    bank.RecipientConfirmed,
		Name:      c.Name,
		AccountID: c.AccountID,
		OrgID:     orgID,
	}}, nil
}

func decideRegisterDomestic(c *RegisterDomesticRecipient, meta eventsourcing.CommandMetadata) (Event, error) {
	if verr := validateDomesticDetails(c.Name, c.AccountNumber, c.RoutingNumber, c.Depository, c.PaymentNetwork); verr != nil {
		return nil, verr
	}
	return &DomesticRecipientRegistered{Recipient: bank.TransferRecipient{
		ID:             meta.CommandID,
		Kind:           bank.RecipientDomestic,
		Status:         bank.RecipientConfirmed,
		Name:           c.Name,
		AccountNumber:  c.AccountNumber,
		RoutingNumber:  c.RoutingNumber,
		Depository:     c.Depository,
		PaymentNetwork: c.PaymentNetwork,
	}}, nil
}

func decideEditDomestic(s State, c *EditDomesticRecipient) (Event, error) {
	existing, ok := s.Recipients[c.RecipientID]
	if !ok || existing.Kind != bank.RecipientDomestic {
		return nil, bank.NewRecipientNotRegistered(c.RecipientID)
	}
	if verr := validateDomesticDetails(c.Name, c.AccountNumber, c.RoutingNumber, c.Depository, c.PaymentNetwork); verr != nil {
		return nil, verr
	}
	return &DomesticRecipientEdited{Recipient: bank.TransferRecipient{
		ID:             c.RecipientID,
		Kind:           bank.RecipientDomestic,
		Status:         bank.RecipientConfirmed,
		Name:           c.Name,
		AccountNumber:  c.AccountNumber,
		RoutingNumber:  c.RoutingNumber,
		Depository:     c.Depository,
		PaymentNetwork: c.PaymentNetwork,
	}}, nil
}

func validateDomesticDetails(name, accountNumber, routingNumber string, depository bank.Depository, network bank.PaymentNetwork) *bank.ValidationError {
	if name == "" {
		return bank.NewValidationFailure("name", "recipient name is required")
	}
	if !validators.IsValidAccountNumber(accountNumber) {
		return bank.NewValidationFailure("accountNumber", "account number must be 4 to 17 digits")
	}
	if !validators.IsValidRoutingNumber(routingNumber) {
		return bank.NewValidationFailure("routingNumber", "routing number failed the ABA checksum")
	}
	switch depository {
	case bank.DepositoryChecking, bank.DepositorySavings:
	default:
		return bank.NewValidationFailure("depository", "unknown depository "+string(depository))
	}
	switch network {
	case bank.PaymentNetworkACH:
	default:
		return bank.NewValidationFailure("paymentNetwork", "unknown payment network "+string(network))
	}
	return nil
}

func (s State) senderParty() bank.Party {
	return bank.Party{AccountID: s.AccountID, OrgID: s.OrgID, Name: s.Owner.FullName()}
}

func decideInternalTransfer(s State, c *InternalTransfer, meta eventsourcing.CommandMetadata) (Event, error) {
	if !bank.Positive(c.Amount) {
		return nil, bank.NewDebitAmountNotPositive(c.Amount)
	}
	recipient, ok := s.Recipients[c.RecipientID]
	if !ok {
		return nil, bank.NewRecipientNotRegistered(c.RecipientID)
	}
	if !recipient.Internal() {
		return nil, bank.NewValidationFailure("recipientId", "recipient is not an internal account")
	}
	if !recipient.Transferable() {
		return nil, bank.NewRecipientDeactivated(c.RecipientID)
	}

	transferID := c.TransferID
	if transferID == "" {
		transferID = meta.CommandID
	}
	kind := bank.TransferInternalWithinOrg
	if recipient.Kind == bank.RecipientInternalBetweenOrgs {
		kind = bank.TransferInternalBetweenOrgs
	}

	if existing, inFlight := s.InFlight[transferID]; inFlight {
		if existing.Status != bank.TransferScheduled || !c.ScheduledAt.IsZero() {
			return nil, bank.NewTransferAlreadyProgressed(transferID)
		}
		// Scheduled transfer coming due: fall through to the balance
		// check and emit the pending event.
	}

	if !c.ScheduledAt.IsZero() {
		if kind != bank.TransferInternalBetweenOrgs {
			return nil, bank.NewDateNotDefault("scheduledAt")
		}
		if !c.ScheduledAt.After(meta.Timestamp) {
			return nil, bank.NewValidationFailure("scheduledAt", "scheduled date must be in the future")
		}
		return &InternalTransferBetweenOrgsScheduled{
			Transfer: bank.InFlightTransfer{
				TransferID:  transferID,
				Kind:        kind,
				Status:      bank.TransferScheduled,
				Amount:      c.Amount,
				Sender:      s.senderParty(),
				Recipient:   recipient.Party(),
				RecipientID: recipient.ID,
				Memo:        c.Memo,
				InitiatedAt: meta.Timestamp,
			},
			DueAt: c.ScheduledAt,
		}, nil
	}

	available := s.DebitableBalance()
	if c.Amount.GreaterThan(available) {
		return nil, bank.NewInsufficientBalance(available, c.Amount)
	}
	record := bank.InFlightTransfer{
		TransferID:  transferID,
		Kind:        kind,
		Status:      bank.TransferPending,
		Amount:      c.Amount,
		Sender:      s.senderParty(),
		Recipient:   recipient.Party(),
		RecipientID: recipient.ID,
		Memo:        c.Memo,
		InitiatedAt: meta.Timestamp,
	}
	if kind == bank.TransferInternalWithinOrg {
		return &InternalTransferWithinOrgPending{Transfer: record}, nil
	}
	return &InternalTransferBetweenOrgsPending{Transfer: record}, nil
}

func decideDomesticTransfer(s State, c *DomesticTransfer, meta eventsourcing.CommandMetadata) (Event, error) {
	if !bank.Positive(c.Amount) {
		return nil, bank.NewDebitAmountNotPositive(c.Amount)
	}
	recipient, ok := s.Recipients[c.RecipientID]
	if !ok || recipient.Kind != bank.RecipientDomestic {
		return nil, bank.NewRecipientNotRegistered(c.RecipientID)
	}
	if !recipient.Transferable() {
		return nil, bank.NewRecipientDeactivated(c.RecipientID)
	}

	transferID := c.TransferID
	if transferID == "" {
		transferID = meta.CommandID
	}
	if existing, inFlight := s.InFlight[transferID]; inFlight {
		if existing.Status != bank.TransferScheduled || !c.ScheduledAt.IsZero() {
			return nil, bank.NewTransferAlreadyProgressed(transferID)
		}
	}

	if !c.ScheduledAt.IsZero() {
		if !c.ScheduledAt.After(meta.Timestamp) {
			return nil, bank.NewValidationFailure("scheduledAt", "scheduled date must be in the future")
		}
		return &DomesticTransferScheduled{
			Transfer: bank.InFlightTransfer{
				TransferID:  transferID,
				Kind:        bank.TransferDomestic,
				Status:      bank.TransferScheduled,
				Amount:      c.Amount,
				Sender:      s.senderParty(),
				Recipient:   bank.Party{Name: recipient.Name},
				RecipientID: recipient.ID,
				Memo:        c.Memo,
				InitiatedAt: meta.Timestamp,
			},
			DueAt: c.ScheduledAt,
		}, nil
	}

	available := s.DebitableBalance()
	if c.Amount.GreaterThan(available) {
		return nil, bank.NewInsufficientBalance(available, c.Amount)
	}
	return &DomesticTransferPending{Transfer: bank.InFlightTransfer{
		TransferID:  transferID,
		Kind:        bank.TransferDomestic,
		Status:      bank.TransferPending,
		Amount:      c.Amount,
		Sender:      s.senderParty(),
		Recipient:   bank.Party{Name: recipient.Name},
		RecipientID: recipient.ID,
		Memo:        c.Memo,
		InitiatedAt: meta.Timestamp,
	}}, nil
}

func decideApproveInternal(s State, c *ApproveInternalTransfer) (Event, error) {
	tr, ok := s.InFlight[c.TransferID]
	if !ok || tr.Status == bank.TransferScheduled {
		return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
	}
	switch tr.Kind {
	case bank.TransferInternalWithinOrg:
		return &InternalTransferWithinOrgApproved{TransferID: tr.TransferID, Amount: tr.Amount}, nil
	case bank.TransferInternalBetweenOrgs:
		return &InternalTransferBetweenOrgsApproved{TransferID: tr.TransferID, Amount: tr.Amount}, nil
	case bank.TransferInternalAutomated:
		return &InternalAutoTransferApproved{TransferID: tr.TransferID, Amount: tr.Amount, RuleID: tr.RuleID}, nil
	}
	return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
}

func decideRejectInternal(s State, c *RejectInternalTransfer) (Event, error) {
	tr, ok := s.InFlight[c.TransferID]
	if !ok || tr.Status == bank.TransferScheduled {
		return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
	}
	reason := c.Reason
	if reason == "" {
		reason = bank.RejectedUnknown
	}
	switch tr.Kind {
	case bank.TransferInternalWithinOrg:
		return &InternalTransferWithinOrgRejected{TransferID: tr.TransferID, Amount: tr.Amount, Reason: reason}, nil
	case bank.TransferInternalBetweenOrgs:
		return &InternalTransferBetweenOrgsRejected{TransferID: tr.TransferID, Amount: tr.Amount, Reason: reason}, nil
	case bank.TransferInternalAutomated:
		return &InternalAutoTransferRejected{TransferID: tr.TransferID, Amount: tr.Amount, Reason: reason, RuleID: tr.RuleID}, nil
	}
	return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
}

func decideDepositInternal(s State, c *DepositInternalTransfer, meta eventsourcing.CommandMetadata) (Event, error) {
	if !bank.Positive(c.Amount) {
		return nil, bank.NewDebitAmountNotPositive(c.Amount)
	}
	if c.TransferID == "" {
		return nil, bank.NewValidationFailure("transferId", "transfer id is required")
	}
	if _, done := s.ProcessedDeposits[c.TransferID]; done {
		return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
	}
	switch c.Kind {
	case bank.TransferInternalWithinOrg:
		return &InternalTransferWithinOrgDeposited{
			TransferID: c.TransferID, Amount: c.Amount, Sender: c.Sender,
			Memo: c.Memo, OccurredAt: meta.Timestamp,
		}, nil
	case bank.TransferInternalBetweenOrgs:
		return &InternalTransferBetweenOrgsDeposited{
			TransferID: c.TransferID, Amount: c.Amount, Sender: c.Sender,
			Memo: c.Memo, OccurredAt: meta.Timestamp,
		}, nil
	case bank.TransferInternalAutomated:
		return &InternalAutoTransferDeposited{
			TransferID: c.TransferID, Amount: c.Amount, Sender: c.Sender,
			RuleID: c.RuleID, OccurredAt: meta.Timestamp,
		}, nil
	}
	return nil, bank.NewValidationFailure("kind", "unknown internal transfer kind "+string(c.Kind))
}

func decideDomesticProgress(s State, c *UpdateDomesticTransferProgress) (Event, error) {
	tr, ok := s.InFlight[c.TransferID]
	if !ok || tr.Kind != bank.TransferDomestic || tr.Status == bank.TransferScheduled {
		return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
	}
	if tr.ProgressDetail == c.Detail {
		return nil, bank.NewTransferProgressNoChange(c.TransferID)
	}
	return &DomesticTransferProgressUpdated{TransferID: c.TransferID, Detail: c.Detail}, nil
}

func decideApproveDomestic(s State, c *ApproveDomesticTransfer) (Event, error) {
	tr, ok := s.InFlight[c.TransferID]
	if !ok || tr.Kind != bank.TransferDomestic || tr.Status == bank.TransferScheduled {
		return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
	}
	return &DomesticTransferApproved{
		TransferID:             tr.TransferID,
		Amount:                 tr.Amount,
		ProcessorTransactionID: c.ProcessorTransactionID,
	}, nil
}

func decideRejectDomestic(s State, c *RejectDomesticTransfer) (Event, error) {
	tr, ok := s.InFlight[c.TransferID]
	if !ok || tr.Kind != bank.TransferDomestic || tr.Status == bank.TransferScheduled {
		return nil, bank.NewTransferAlreadyProgressed(c.TransferID)
	}
	reason := c.Reason
	if reason == "" {
		reason = bank.RejectedUnknown
	}
	return &DomesticTransferRejected{
		TransferID:  tr.TransferID,
		Amount:      tr.Amount,
		Reason:      reason,
		RecipientID: tr.RecipientID,
	}, nil
}

func decideAutoTransfer(s State, c *InternalAutoTransfer, meta eventsourcing.CommandMetadata) (Event, error) {
	if !bank.Positive(c.Amount) {
		return nil, bank.NewDebitAmountNotPositive(c.Amount)
	}
	if c.Recipient.AccountID == "" {
		return nil, bank.NewValidationFailure("recipient", "recipient account id is required")
	}
	transferID := c.TransferID
	if transferID == "" {
		transferID = meta.CommandID
	}
	if _, inFlight := s.InFlight[transferID]; inFlight {
		return nil, bank.NewTransferAlreadyProgressed(transferID)
	}
	available := s.DebitableBalance()
	if c.Amount.GreaterThan(available) {
		return nil, bank.NewInsufficientBalance(available, c.Amount)
	}
	return &InternalAutoTransferPending{Transfer: bank.InFlightTransfer{
		TransferID:  transferID,
		Kind:        bank.TransferInternalAutomated,
		Status:      bank.TransferPending,
		Amount:      c.Amount,
		Sender:      s.senderParty(),
		Recipient:   c.Recipient,
		RuleID:      c.RuleID,
		InitiatedAt: meta.Timestamp,
	}}, nil
}

func decideConfigureRule(s State, c *ConfigureAutoTransferRule, meta eventsourcing.CommandMetadata) (Event, error) {
	rule := c.Rule
	if rule.ID == "" {
		rule.ID = meta.CommandID
	}
	if err := rule.Validate(); err != nil {
		verr, _ := bank.AsValidation(err)
		return nil, verr
	}
	if rule.Target.AccountID == s.AccountID {
		return nil, bank.NewValidationFailure("target", "rule target cannot be the account itself")
	}
	for _, alloc := range rule.Allocations {
		if alloc.Recipient.AccountID == s.AccountID {
			return nil, bank.NewValidationFailure("allocations", "allocation recipient cannot be the account itself")
		}
	}
	return &AutoTransferRuleConfigured{Rule: rule}, nil
}

func decideDeleteRule(s State, c *DeleteAutoTransferRule) (Event, error) {
	if _, ok := s.AutoTransferRules[c.RuleID]; !ok {
		return nil, bank.NewAutoTransferRuleNotFound(c.RuleID)
	}
	return &AutoTransferRuleDeleted{RuleID: c.RuleID}, nil
}

func decideRequestPayment(s State, c *RequestPlatformPayment, meta eventsourcing.CommandMetadata) (Event, error) {
	payment := c.Payment
	if payment.PaymentID == "" {
		payment.PaymentID = meta.CommandID
	}
	if !bank.Positive(payment.Amount) {
		return nil, bank.NewDebitAmountNotPositive(payment.Amount)
	}
	if payment.Payee.AccountID == "" {
		return nil, bank.NewValidationFailure("payee", "payee account id is required")
	}
	recipient, registered := s.Recipients[payment.Payee.AccountID]
	if !registered || !recipient.Internal() {
		return nil, bank.NewSenderRegistrationRequired(payment.Payee.AccountID)
	}
	if _, pending := s.PendingPlatformPayments[payment.PaymentID]; pending {
		return nil, bank.NewTransferAlreadyProgressed(payment.PaymentID)
	}
	payment.Payer = s.senderParty()
	return &PlatformPaymentRequested{Payment: payment}, nil
}

func decidePayPayment(s State, c *PayPlatformPayment, meta eventsourcing.CommandMetadata) (Event, error) {
	payment, ok := s.PendingPlatformPayments[c.PaymentID]
	if !ok {
		return nil, bank.NewTransferAlreadyProgressed(c.PaymentID)
	}
	available := s.DebitableBalance()
	if payment.Amount.GreaterThan(available) {
		return nil, bank.NewInsufficientBalance(available, payment.Amount)
	}
	return &PlatformPaymentPaid{Payment: payment, OccurredAt: meta.Timestamp}, nil
}

func decideDeclinePayment(s State, c *DeclinePlatformPayment) (Event, error) {
	if _, ok := s.PendingPlatformPayments[c.PaymentID]; !ok {
		return nil, bank.NewTransferAlreadyProgressed(c.PaymentID)
	}
	return &PlatformPaymentDeclined{PaymentID: c.PaymentID, Reason: c.Reason}, nil
}

func decideDepositPayment(s State, c *DepositPlatformPayment, meta eventsourcing.CommandMetadata) (Event, error) {
	if c.Payment.PaymentID == "" {
		return nil, bank.NewValidationFailure("paymentId", "payment id is required")
	}
	if !bank.Positive(c.Payment.Amount) {
		return nil, bank.NewDebitAmountNotPositive(c.Payment.Amount)
	}
	if _, done := s.ProcessedDeposits[c.Payment.PaymentID]; done {
		return nil, bank.NewTransferAlreadyProgressed(c.Payment.PaymentID)
	}
	return &PlatformPaymentDeposited{Payment: c.Payment, OccurredAt: meta.Timestamp}, nil
}

func decideStartBillingCycle(s State, c *StartBillingCycle) (Event, error) {
	if c.Month < 1 || c.Month > 12 {
		return nil, bank.NewValidationFailure("month", "month must be between 1 and 12")
	}
	if c.Year < 2000 {
		return nil, bank.NewValidationFailure("year", "year is out of range")
	}
	period := bank.BillingPeriod{Month: c.Month, Year: c.Year}
	if !periodAfter(period, s.BillingPeriod) {
		return nil, bank.NewBillingCycleAlreadyStarted(c.Month, c.Year)
	}
	return &BillingCycleStarted{
		Period:         period,
		PriorPeriod:    s.BillingPeriod,
		PriorCriteria:  s.FeeCriteria,
		BalanceAtStart: s.Balance,
	}, nil
}

func periodAfter(a, b bank.BillingPeriod) bool {
	if a.Year != b.Year {
		return a.Year > b.Year
	}
	return a.Month > b.Month
}
