// Package closure finalizes closed accounts: it parks a record for each
// closure, cancels the account's scheduled obligations, then drains the
// aggregate and deletes its journal so the entity can be forgotten. The
// record outlives node crashes, so unfinished closures resume on restart.
package closure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/bankengine/pkg/bank"
	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/scheduler"
	"github.com/plaenen/bankengine/pkg/sqlite"
)

// Store persists closure records until finalization completes.
type Store interface {
	Put(rec sqlite.ClosureRecord) error
	Delete(accountID string) error
	List() ([]sqlite.ClosureRecord, error)
}

// Accounts removes a forgotten account from the read model.
type Accounts interface {
	Delete(accountID string) error
}

// AccountTeller routes messages into the account region.
type AccountTeller interface {
	Tell(entityID string, msg any)
}

// Config holds the finalizer's timing knobs.
type Config struct {
	// DrainInterval is the delay between deletion attempts while the
	// account still holds in-flight transfers.
	DrainInterval time.Duration

	// ReplyTimeout bounds each wait for the aggregate's deletion reply.
	ReplyTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Finalizer is the closure singleton. Each registered account runs as its
// own task: deregister scheduled obligations, then ask the aggregate to
// delete its journal until the in-flight transfers have drained.
type Finalizer struct {
	store     Store
	accounts  AccountTeller
	readModel Accounts
	sched     scheduler.Scheduler
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFinalizer builds the closure finalizer.
func NewFinalizer(store Store, accounts AccountTeller, readModel Accounts, sched scheduler.Scheduler, cfg Config) *Finalizer {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Finalizer{
		store:     store,
		accounts:  accounts,
		readModel: readModel,
		sched:     sched,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "closure-finalizer"),
		pending:   map[string]bool{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Name implements runner.Service.
func (f *Finalizer) Name() string { return "closure-finalizer" }

// Start resumes the closures a previous run left unfinished.
func (f *Finalizer) Start(ctx context.Context) error {
	recs, err := f.store.List()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		f.spawn(rec)
	}
	if len(recs) > 0 {
		f.logger.Info("resumed unfinished closures", "count", len(recs))
	}
	return nil
}

// Stop halts the finalize tasks; unfinished closures stay recorded and
// resume on the next start.
func (f *Finalizer) Stop(ctx context.Context) error {
	f.cancel()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register records a closed account and starts finalizing it. Idempotent;
// the account actor calls this on every AccountClosed effect, including
// redelivered ones.
func (f *Finalizer) Register(ctx context.Context, reg bank.ClosureRegistration) error {
	rec := sqlite.ClosureRecord{
		AccountID: reg.AccountID,
		OrgID:     reg.OrgID,
		Reference: reg.Reference,
		ClosedAt:  reg.ClosedAt,
	}
	if err := f.store.Put(rec); err != nil {
		return err
	}
	f.spawn(rec)
	return nil
}

// spawn launches the finalize task unless one is already running for the
// account.
func (f *Finalizer) spawn(rec sqlite.ClosureRecord) {
	f.mu.Lock()
	if f.pending[rec.AccountID] {
		f.mu.Unlock()
		return
	}
	f.pending[rec.AccountID] = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			delete(f.pending, rec.AccountID)
			f.mu.Unlock()
		}()
		f.finalize(rec)
	}()
}

func (f *Finalizer) finalize(rec sqlite.ClosureRecord) {
	log := f.logger.With("account", rec.AccountID)

	// Scheduled obligations go first: a parked transfer that fired after
	// journal deletion would resurrect the aggregate.
	for {
		err := f.sched.DeregisterAccount(f.ctx, scheduler.AccountDeregistration{
			AccountID: rec.AccountID,
			OrgID:     rec.OrgID,
		})
		if err == nil {
			break
		}
		log.Warn("deregistration failed, retrying", "error", err)
		if !f.sleep(f.cfg.DrainInterval) {
			return
		}
	}

	for {
		err := f.requestDeletion(rec.AccountID)
		switch {
		case err == nil:
			if derr := f.store.Delete(rec.AccountID); derr != nil {
				log.Error("closure record removal failed", "error", derr)
			}
			if f.readModel != nil {
				if derr := f.readModel.Delete(rec.AccountID); derr != nil {
					log.Error("read model removal failed", "error", derr)
				}
			}
			log.Info("account closure finalized")
			return

		case errors.Is(err, account.ErrNotDrained):
			log.Debug("account not drained yet, waiting")

		case errors.Is(err, context.Canceled):
			return

		default:
			log.Warn("journal deletion failed, retrying", "error", err)
		}

		if !f.sleep(f.cfg.DrainInterval) {
			return
		}
	}
}

// requestDeletion sends one DeleteJournal and waits for the aggregate's
// answer.
func (f *Finalizer) requestDeletion(accountID string) error {
	reply := make(chan error, 1)
	f.accounts.Tell(accountID, account.DeleteJournal{Reply: reply})

	timer := time.NewTimer(f.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.C:
		return errors.New("deletion reply timed out")
	case <-f.ctx.Done():
		return context.Canceled
	}
}

// sleep waits d, returning false when the finalizer is shutting down.
func (f *Finalizer) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-f.ctx.Done():
		return false
	}
}
