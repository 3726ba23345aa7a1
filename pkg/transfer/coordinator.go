// Package transfer carries the money-movement workflows that live outside
// the account aggregate: the internal transfer coordinator and the domestic
// transfer worker with its gateway circuit breaker. Both drive accounts
// exclusively through mailbox commands, so every state change still flows
// through the aggregate's decide rules.
package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

var errRecipientUnavailable = errors.New("recipient account unavailable")

// AccountTeller is the slice of the account region the transfer components
// use.
type AccountTeller interface {
	Tell(entityID string, msg any)
}

// CoordinatorConfig holds the coordinator's timing knobs.
type CoordinatorConfig struct {
	// AskTimeout bounds each recipient snapshot ask and each command
	// outcome wait.
	AskTimeout time.Duration

	// Retries is how many times an unavailable recipient is asked again
	// before the transfer is rejected as Unknown.
	Retries int

	// Backoff is the delay before the first retry; it doubles per retry
	// up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnResolved observes each transfer reaching a terminal state; outcome
	// is "approved" or the rejection reason.
	OnResolved func(outcome string)

	Logger *slog.Logger
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.AskTimeout <= 0 {
		c.AskTimeout = 5 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator resolves pending internal transfers. Each transfer runs as
// its own short-lived task: it inspects the recipient account, then either
// approves the sender and deposits the recipient under the transfer's
// correlation id, or rejects the sender with the reason it found.
type Coordinator struct {
	accounts AccountTeller
	cfg      CoordinatorConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator builds a coordinator over the account region.
func NewCoordinator(accounts AccountTeller, cfg CoordinatorConfig) *Coordinator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		accounts: accounts,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "transfer-coordinator"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Name identifies the coordinator to the service runner.
func (c *Coordinator) Name() string { return "transfer-coordinator" }

// Start satisfies the service lifecycle; tasks spawn on demand.
func (c *Coordinator) Start(ctx context.Context) error { return nil }

// Stop interrupts waiting tasks and drains running ones. An interrupted
// task leaves its transfer pending rather than guessing a terminal state.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Begin starts the resolution task for one pending transfer.
func (c *Coordinator) Begin(req bank.TransferRequest) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(req)
	}()
}

func (c *Coordinator) run(req bank.TransferRequest) {
	log := c.logger.With("transfer", req.TransferID, "kind", req.Kind)

	res, err := c.askRecipient(log, req.Recipient.AccountID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("transfer resolution abandoned by shutdown")
			return
		}
		log.Warn("recipient unreachable, rejecting transfer", "error", err)
		c.reject(log, req, bank.RejectedUnknown)
		return
	}

	switch res.State.Status {
	case bank.AccountClosed, bank.AccountReadyForDelete:
		log.Info("recipient closed, rejecting transfer")
		c.reject(log, req, bank.RejectedAccountClosed)
	case bank.AccountActive:
		c.settle(log, req)
	default:
		// Zero status: the ask activated an account that has no events.
		log.Info("recipient does not exist, rejecting transfer")
		c.reject(log, req, bank.RejectedInvalidAccountInfo)
	}
}

// askRecipient reads the recipient's state, retrying with exponential
// backoff while the ask times out.
func (c *Coordinator) askRecipient(log *slog.Logger, accountID string) (account.StateResult, error) {
	backoff := c.cfg.Backoff
	for attempt := 0; ; attempt++ {
		reply := make(chan account.StateResult, 1)
		c.accounts.Tell(accountID, account.GetState{Reply: reply})

		select {
		case res := <-reply:
			return res, nil
		case <-time.After(c.cfg.AskTimeout):
		case <-c.ctx.Done():
			return account.StateResult{}, c.ctx.Err()
		}

		if attempt == c.cfg.Retries {
			return account.StateResult{}, errRecipientUnavailable
		}
		log.Warn("recipient snapshot ask timed out", "attempt", attempt+1, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return account.StateResult{}, c.ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// settle approves the sender and deposits the recipient. The deposit is
// only sent after the sender's approval persisted; if the approval turns
// out to be superseded, an earlier run of this transfer already owns the
// terminal path and this run must not risk a second deposit.
func (c *Coordinator) settle(log *slog.Logger, req bank.TransferRequest) {
	out, err := c.send(req.Sender.AccountID,
		workflowMeta(req.Sender.AccountID, req.Sender.OrgID, req.TransferID, "approve"),
		&account.ApproveInternalTransfer{TransferID: req.TransferID},
	)
	if err != nil {
		log.Error("sender approval unconfirmed", "error", err)
		return
	}
	if out.Err != nil {
		if verr, ok := bank.AsValidation(out.Err); ok && verr.NoOp() {
			log.Debug("transfer already resolved", "code", verr.Code)
		} else {
			log.Error("sender approval refused", "error", out.Err)
		}
		return
	}
	if c.cfg.OnResolved != nil {
		c.cfg.OnResolved("approved")
	}

	out, err = c.send(req.Recipient.AccountID,
		workflowMeta(req.Recipient.AccountID, req.Recipient.OrgID, req.TransferID, "deposit"),
		&account.DepositInternalTransfer{
			TransferID: req.TransferID,
			Kind:       req.Kind,
			Amount:     req.Amount,
			Sender:     req.Sender,
			Memo:       req.Memo,
			RuleID:     req.RuleID,
		},
	)
	switch {
	case err != nil:
		log.Error("recipient deposit unconfirmed", "error", err)
	case out.Err != nil:
		log.Error("recipient deposit refused", "error", out.Err)
	default:
		log.Info("transfer settled", "amount", req.Amount)
	}
}

func (c *Coordinator) reject(log *slog.Logger, req bank.TransferRequest, reason bank.TransferRejectionReason) {
	out, err := c.send(req.Sender.AccountID,
		workflowMeta(req.Sender.AccountID, req.Sender.OrgID, req.TransferID, "reject"),
		&account.RejectInternalTransfer{TransferID: req.TransferID, Reason: reason},
	)
	if err != nil {
		log.Error("sender rejection unconfirmed", "reason", reason, "error", err)
		return
	}
	if out.Err != nil {
		log.Warn("sender rejection refused", "reason", reason, "error", out.Err)
		return
	}
	if c.cfg.OnResolved != nil {
		c.cfg.OnResolved(string(reason))
	}
}

// send runs one command on an account and waits for its outcome.
func (c *Coordinator) send(accountID string, meta eventsourcing.CommandMetadata, cmd account.Command) (account.CommandOutcome, error) {
	return sendCommand(c.ctx, c.accounts, c.cfg.AskTimeout, accountID, meta, cmd)
}

func sendCommand(ctx context.Context, accounts AccountTeller, timeout time.Duration, accountID string, meta eventsourcing.CommandMetadata, cmd account.Command) (account.CommandOutcome, error) {
	outcome := make(chan account.CommandOutcome, 1)
	accounts.Tell(accountID, account.StateChange{Meta: meta, Cmd: cmd, Outcome: outcome})
	select {
	case out := <-outcome:
		return out, nil
	case <-time.After(timeout):
		return account.CommandOutcome{}, errRecipientUnavailable
	case <-ctx.Done():
		return account.CommandOutcome{}, ctx.Err()
	}
}

// workflowMeta builds the metadata for a coordinator- or worker-issued
// command. Command ids derive from the transfer id, so a redelivered
// workflow step produces the same events as the first delivery.
func workflowMeta(entityID, orgID, transferID, step string) eventsourcing.CommandMetadata {
	return eventsourcing.CommandMetadata{
		CommandID:     transferID + "-" + step,
		EntityID:      entityID,
		OrgID:         orgID,
		CorrelationID: transferID,
		InitiatedByID: "transfer-workflow",
		Timestamp:     eventsourcing.Now(),
	}
}
