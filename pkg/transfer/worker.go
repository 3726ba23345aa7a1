package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
)

// WorkerConfig holds the domestic worker's breaker and timing knobs.
type WorkerConfig struct {
	// FailureThreshold is how many consecutive gateway failures open the
	// breaker.
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before letting one
	// probe call through.
	Cooldown time.Duration

	// CallTimeout bounds each gateway call.
	CallTimeout time.Duration

	// SubmitAttempts is how many gateway failures one submission absorbs
	// before the transfer is rejected as a network failure. Breaker
	// refusals do not count; the worker waits those out.
	SubmitAttempts int

	// RetryBackoff is the delay before re-calling the gateway after a
	// failure; it doubles per attempt up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// PollInterval is the delay between progress checks for a transfer
	// the processor reported as in flight.
	PollInterval time.Duration

	// OutcomeTimeout bounds the wait for an account command outcome.
	OutcomeTimeout time.Duration

	// OnTransition observes breaker state changes, e.g. to broadcast them.
	OnTransition func(name, from, to string)

	// OnResolved observes each transfer reaching a terminal state; outcome
	// is "approved" or the rejection reason.
	OnResolved func(outcome string)

	Logger *slog.Logger
}

func (c *WorkerConfig) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.OutcomeTimeout <= 0 {
		c.OutcomeTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Worker processes domestic transfers against the external gateway, one at
// a time. A circuit breaker governs every gateway call: after
// FailureThreshold consecutive failures the worker stops calling out for
// Cooldown, then probes with a single call before resuming.
//
// Run one worker per deployment; a second worker would double-submit any
// transfer redelivered to both.
type Worker struct {
	accounts AccountTeller
	gateway  Gateway
	cfg      WorkerConfig
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	queue  []workItem
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds the domestic transfer worker.
func NewWorker(accounts AccountTeller, gateway Gateway, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		accounts: accounts,
		gateway:  gateway,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "domestic-transfer-worker"),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	settings := gobreaker.Settings{
		Name:        "domestic-gateway",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	if cfg.OnTransition != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnTransition(name, from.String(), to.String())
		}
	}
	w.breaker = gobreaker.NewCircuitBreaker(settings)
	return w
}

// Name identifies the worker to the service runner.
func (w *Worker) Name() string { return "domestic-transfer-worker" }

// Start launches the processing loop.
func (w *Worker) Start(ctx context.Context) error {
	go w.loop()
	return nil
}

// Stop interrupts the loop. An interrupted transfer keeps its in-flight
// state on the sender account; resubmission is a retry the processor
// recognizes by transfer id.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workItem is one unit of loop work: a fresh submission, or a progress
// check for an in-flight transfer that comes due at notBefore. Progress
// checks requeue themselves, so a slow processor never blocks the
// submissions waiting behind it.
type workItem struct {
	call          bank.DomesticTransferCall
	transactionID string
	lastDetail    string
	notBefore     time.Time
}

// Enqueue queues a transfer call. It never blocks the calling actor.
func (w *Worker) Enqueue(call bank.DomesticTransferCall) {
	w.push(workItem{call: call})
}

func (w *Worker) push(item workItem) {
	w.mu.Lock()
	w.queue = append(w.queue, item)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// QueueLen reports the number of waiting items, scheduled progress checks
// included.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		item, wait, ok := w.next()
		if !ok {
			if wait <= 0 {
				select {
				case <-w.notify:
					continue
				case <-w.ctx.Done():
					return
				}
			}
			select {
			case <-time.After(wait):
			case <-w.notify:
			case <-w.ctx.Done():
				return
			}
			continue
		}
		if item.transactionID == "" {
			w.submit(item.call)
		} else {
			w.checkProgress(item)
		}

		select {
		case <-w.ctx.Done():
			return
		default:
		}
	}
}

// next removes the oldest item that is due. When everything queued is a
// progress check still waiting out its interval, it reports how long until
// the earliest one comes due.
func (w *Worker) next() (workItem, time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	var wait time.Duration
	for i, item := range w.queue {
		if d := item.notBefore.Sub(now); d > 0 {
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		w.queue = append(w.queue[:i], w.queue[i+1:]...)
		if len(w.queue) == 0 {
			w.queue = nil
		}
		return item, 0, true
	}
	return workItem{}, wait, false
}

func (w *Worker) submit(call bank.DomesticTransferCall) {
	log := w.logger.With("transfer", call.TransferID, "attempt", call.Attempt)

	resp, err := w.callGateway(log, func(ctx context.Context) (GatewayResponse, error) {
		return w.gateway.SubmitTransfer(ctx, GatewayRequest{
			TransferID:     call.TransferID,
			Amount:         call.Amount,
			Memo:           call.Memo,
			Sender:         call.Sender,
			RecipientName:  call.Recipient.Name,
			AccountNumber:  call.Recipient.AccountNumber,
			RoutingNumber:  call.Recipient.RoutingNumber,
			Depository:     call.Recipient.Depository,
			PaymentNetwork: call.Recipient.PaymentNetwork,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("transfer submission abandoned by shutdown")
			return
		}
		log.Error("gateway unreachable, rejecting transfer", "error", err)
		w.reject(log, call, bank.RejectedNetworkFailure)
		return
	}

	w.resolve(log, call, resp, "")
}

// resolve acts on one gateway response. Non-terminal responses record a
// progress note and schedule a progress check.
func (w *Worker) resolve(log *slog.Logger, call bank.DomesticTransferCall, resp GatewayResponse, lastDetail string) {
	switch resp.Status {
	case GatewayComplete:
		w.approve(log, call, resp.TransactionID)
	case GatewayInvalidAccount:
		log.Info("gateway refused recipient details", "detail", resp.Detail)
		w.reject(log, call, bank.RejectedInvalidAccountInfo)
	case GatewayFailed:
		log.Warn("gateway failed transfer", "detail", resp.Detail)
		w.reject(log, call, bank.RejectedUnknown)
	case GatewayPending, GatewayProcessing:
		if detail := progressDetail(resp); detail != lastDetail {
			w.tellSender(log, call, "progress", &account.UpdateDomesticTransferProgress{
				TransferID: call.TransferID,
				Detail:     detail,
			})
			lastDetail = detail
		}
		w.schedulePoll(call, resp.TransactionID, lastDetail)
	default:
		log.Error("gateway returned unknown status", "status", resp.Status)
		w.reject(log, call, bank.RejectedCorruptData)
	}
}

// schedulePoll requeues the transfer as a progress check due one poll
// interval from now, behind whatever submissions are already waiting.
func (w *Worker) schedulePoll(call bank.DomesticTransferCall, transactionID, lastDetail string) {
	w.push(workItem{
		call:          call,
		transactionID: transactionID,
		lastDetail:    lastDetail,
		notBefore:     time.Now().Add(w.cfg.PollInterval),
	})
}

// checkProgress runs one progress check against the processor. Check
// failures are tolerated indefinitely: the money is at the processor, and
// inventing a terminal state here could contradict it.
func (w *Worker) checkProgress(item workItem) {
	log := w.logger.With("transfer", item.call.TransferID, "attempt", item.call.Attempt, "transaction", item.transactionID)

	resp, err := w.callGateway(log, func(ctx context.Context) (GatewayResponse, error) {
		return w.gateway.CheckProgress(ctx, item.transactionID)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("progress polling abandoned by shutdown")
			return
		}
		log.Warn("progress check failed, will poll again", "error", err)
		w.schedulePoll(item.call, item.transactionID, item.lastDetail)
		return
	}

	if resp.Status.Terminal() {
		w.resolve(log, item.call, resp, item.lastDetail)
		return
	}
	if detail := progressDetail(resp); detail != item.lastDetail {
		w.tellSender(log, item.call, "progress", &account.UpdateDomesticTransferProgress{
			TransferID: item.call.TransferID,
			Detail:     detail,
		})
		item.lastDetail = detail
	}
	w.schedulePoll(item.call, item.transactionID, item.lastDetail)
}

// callGateway runs one logical gateway call through the breaker, retrying
// failures with backoff. While the breaker is open the worker waits instead
// of burning attempts.
func (w *Worker) callGateway(log *slog.Logger, fn func(ctx context.Context) (GatewayResponse, error)) (GatewayResponse, error) {
	backoff := w.cfg.RetryBackoff
	attempt := 0
	for {
		if err := w.awaitBreaker(); err != nil {
			return GatewayResponse{}, err
		}

		result, err := w.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(w.ctx, w.cfg.CallTimeout)
			defer cancel()
			return fn(ctx)
		})
		if err == nil {
			return result.(GatewayResponse), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Refused locally, the gateway never saw it.
			continue
		}
		if w.ctx.Err() != nil {
			return GatewayResponse{}, w.ctx.Err()
		}

		attempt++
		if attempt >= w.cfg.SubmitAttempts {
			return GatewayResponse{}, err
		}
		log.Warn("gateway call failed", "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return GatewayResponse{}, w.ctx.Err()
		}
		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

// awaitBreaker blocks while the breaker is open.
func (w *Worker) awaitBreaker() error {
	for w.breaker.State() == gobreaker.StateOpen {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-w.ctx.Done():
			return w.ctx.Err()
		}
	}
	return nil
}

func (w *Worker) approve(log *slog.Logger, call bank.DomesticTransferCall, transactionID string) {
	w.tellSender(log, call, "approve", &account.ApproveDomesticTransfer{
		TransferID:             call.TransferID,
		ProcessorTransactionID: transactionID,
	})
	log.Info("domestic transfer settled", "amount", call.Amount, "transaction", transactionID)
	if w.cfg.OnResolved != nil {
		w.cfg.OnResolved("approved")
	}
}

func (w *Worker) reject(log *slog.Logger, call bank.DomesticTransferCall, reason bank.TransferRejectionReason) {
	w.tellSender(log, call, "reject", &account.RejectDomesticTransfer{
		TransferID: call.TransferID,
		Reason:     reason,
	})
	if w.cfg.OnResolved != nil {
		w.cfg.OnResolved(string(reason))
	}
}

func (w *Worker) tellSender(log *slog.Logger, call bank.DomesticTransferCall, step string, cmd account.Command) {
	out, err := sendCommand(w.ctx, w.accounts, w.cfg.OutcomeTimeout,
		call.Sender.AccountID,
		workflowMeta(call.Sender.AccountID, call.Sender.OrgID, call.TransferID, step),
		cmd,
	)
	if err != nil {
		log.Error("sender command unconfirmed", "step", step, "error", err)
		return
	}
	if out.Err != nil {
		if verr, ok := bank.AsValidation(out.Err); ok && verr.NoOp() {
			log.Debug("sender command superseded", "step", step, "code", verr.Code)
		} else {
			log.Error("sender command refused", "step", step, "error", out.Err)
		}
	}
}

func progressDetail(resp GatewayResponse) string {
	if resp.Detail != "" {
		return resp.Detail
	}
	return string(resp.Status)
}
