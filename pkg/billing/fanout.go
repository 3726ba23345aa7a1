// Package billing runs the monthly billing machinery: the fan-out that
// throttles StartBillingCycle commands across every billable account, and
// the projection that keeps the accounts read model the fan-out sweeps.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
)

// Source streams billable account ids out of the read model.
type Source interface {
	// ListBillable returns ids of active accounts whose last billing cycle
	// started before cutoff (or never), id-ordered, paged by afterID.
	ListBillable(cutoff time.Time, afterID string, limit int) ([]string, error)
}

// AccountTeller routes commands into the account region.
type AccountTeller interface {
	Tell(entityID string, msg any)
}

// Throttle is the fan-out's token bucket: Count commands per Per, with
// bursts up to Burst.
type Throttle struct {
	Burst int
	Count int
	Per   time.Duration
}

func (t Throttle) limiter() *rate.Limiter {
	count := t.Count
	if count <= 0 {
		count = 50
	}
	per := t.Per
	if per <= 0 {
		per = time.Second
	}
	burst := t.Burst
	if burst <= 0 {
		burst = count
	}
	return rate.NewLimiter(rate.Limit(float64(count)/per.Seconds()), burst)
}

// FanoutConfig holds the fan-out's knobs.
type FanoutConfig struct {
	Throttle Throttle

	// Lookback guards against double cycles: accounts whose last cycle
	// started after now-Lookback are skipped.
	Lookback time.Duration

	// PageSize bounds each read-model query.
	PageSize int

	// Senders is how many workers drain the id stream concurrently. The
	// shared token bucket still bounds the aggregate rate.
	Senders int

	// OnFinished observes the end of a cycle sweep, e.g. for tests or a
	// completion broadcast. Called with how many commands were emitted.
	OnFinished func(emitted int)

	Logger *slog.Logger
}

func (c *FanoutConfig) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = 25 * 24 * time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Senders <= 0 {
		c.Senders = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fanout is the billing-cycle singleton. Each trigger sweeps the read
// model once and emits one StartBillingCycle per billable account through
// the sharded account route, paced by the token bucket. Redundant triggers
// while a sweep runs coalesce into at most one follow-up sweep.
//
// Run one fan-out per deployment; the per-period guard in the account
// decider makes a second one harmless but wasteful.
type Fanout struct {
	source   Source
	accounts AccountTeller
	cfg      FanoutConfig
	logger   *slog.Logger
	limiter  *rate.Limiter

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFanout builds the billing fan-out.
func NewFanout(source Source, accounts AccountTeller, cfg FanoutConfig) *Fanout {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		source:   source,
		accounts: accounts,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "billing-fanout"),
		limiter:  cfg.Throttle.limiter(),
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Name implements runner.Service.
func (f *Fanout) Name() string { return "billing-fanout" }

// Start launches the trigger loop.
func (f *Fanout) Start(ctx context.Context) error {
	go f.run()
	return nil
}

// Stop halts the loop; a sweep in progress stops at the next page or
// token wait.
func (f *Fanout) Stop(ctx context.Context) error {
	f.cancel()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests one sweep. The external scheduler calls this monthly;
// operators can call it for a catch-up run.
func (f *Fanout) Trigger() {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

func (f *Fanout) run() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.trigger:
		}

		emitted, err := f.sweep(f.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error("billing sweep failed", "emitted", emitted, "error", err)
			continue
		}
		f.logger.Info("billing cycle fan-out finished", "emitted", emitted)
		if f.cfg.OnFinished != nil {
			f.cfg.OnFinished(emitted)
		}
	}
}

// sweep pages billable ids out of the read model and fans the cycle
// command out under the token bucket.
func (f *Fanout) sweep(ctx context.Context) (int, error) {
	now := eventsourcing.Now()
	cutoff := now.Add(-f.cfg.Lookback)
	period := bank.PeriodOf(now)

	ids := make(chan string)
	emitted := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(ids)
		afterID := ""
		for {
			page, err := f.source.ListBillable(cutoff, afterID, f.cfg.PageSize)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return nil
			}
			for _, id := range page {
				select {
				case ids <- id:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			afterID = page[len(page)-1]
		}
	})

	for i := 0; i < f.cfg.Senders; i++ {
		g.Go(func() error {
			for id := range ids {
				if err := f.limiter.Wait(gctx); err != nil {
					return err
				}
				f.accounts.Tell(id, account.StateChange{
					Meta: eventsourcing.CommandMetadata{
						CommandID:     eventsourcing.GenerateID(),
						EntityID:      id,
						InitiatedByID: "system",
						Timestamp:     eventsourcing.Now(),
					},
					Cmd: &account.StartBillingCycle{Month: period.Month, Year: period.Year},
				})
				select {
				case emitted <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- g.Wait()
		close(emitted)
	}()

	count := 0
	for range emitted {
		count++
	}
	return count, <-waitErr
}
