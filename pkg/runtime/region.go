package runtime

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultShardCount  = 32
	defaultIdleTimeout = 2 * time.Minute
)

// Region manages the live entities of one aggregate type. Messages to the
// same entity id are processed strictly in order by a single goroutine;
// entities activate on first message, passivate when idle, and reactivate
// from the entity index after a restart.
type Region struct {
	name        string
	factory     HandlerFactory
	index       EntityIndex
	observer    Observer
	log         *slog.Logger
	idleTimeout time.Duration
	shardCount  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shards []*regionShard
}

type regionShard struct {
	mu       sync.Mutex
	entities map[string]*entity
}

type entity struct {
	id string
	mb *mailbox
}

// RegionOption configures a Region.
type RegionOption func(*Region)

// WithIdleTimeout sets how long an entity may sit without messages before
// it passivates.
func WithIdleTimeout(d time.Duration) RegionOption {
	return func(r *Region) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithEntityIndex persists live entity ids so they reactivate on restart.
func WithEntityIndex(index EntityIndex) RegionOption {
	return func(r *Region) { r.index = index }
}

// Observer receives entity lifecycle signals. Implementations must not
// block; the calling goroutine is the entity's consumer.
type Observer interface {
	EntityActivated(region string)
	EntityPassivated(region string)
	RecoveryFailed(region string)
}

// WithObserver reports entity lifecycle events, e.g. to metrics.
func WithObserver(obs Observer) RegionOption {
	return func(r *Region) { r.observer = obs }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) RegionOption {
	return func(r *Region) {
		if log != nil {
			r.log = log
		}
	}
}

// WithShardCount sets how many locks partition the entity table.
func WithShardCount(n int) RegionOption {
	return func(r *Region) {
		if n > 0 {
			r.shardCount = n
		}
	}
}

// NewRegion creates a region for one aggregate type.
func NewRegion(name string, factory HandlerFactory, opts ...RegionOption) *Region {
	r := &Region{
		name:        name,
		factory:     factory,
		log:         slog.Default(),
		idleTimeout: defaultIdleTimeout,
		shardCount:  defaultShardCount,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.shards = make([]*regionShard, r.shardCount)
	for i := range r.shards {
		r.shards[i] = &regionShard{entities: make(map[string]*entity)}
	}
	return r
}

// Name returns the region name, which also namespaces the entity index.
func (r *Region) Name() string { return r.name }

// Start reactivates the entities recorded in the index. Safe to call with
// no index configured.
func (r *Region) Start(ctx context.Context) error {
	if r.index == nil {
		return nil
	}
	ids, err := r.index.List(ctx, r.name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.ensure(id)
	}
	r.log.Info("region started", "region", r.name, "reactivated", len(ids))
	return nil
}

// Stop retires every entity and waits for their final snapshots, bounded by
// the context deadline.
func (r *Region) Stop(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tell delivers a fire-and-forget message.
func (r *Region) Tell(entityID string, msg any) {
	r.Deliver(Envelope{EntityID: entityID, Msg: msg})
}

// TellConfirmable delivers a message whose sender wants an acknowledgement
// once the effects are durable.
func (r *Region) TellConfirmable(entityID string, msg any, confirm func(error)) {
	r.Deliver(Envelope{EntityID: entityID, Msg: msg, Confirm: confirm})
}

// Deliver routes an envelope to its entity, activating it if needed.
func (r *Region) Deliver(env Envelope) {
	for {
		e := r.ensure(env.EntityID)
		if e.mb.push(env) {
			return
		}
		// The entity closed its mailbox between lookup and push; drop
		// the stale record and route to a fresh one.
		r.detach(e)
	}
}

// EntityCount reports how many entities are currently live.
func (r *Region) EntityCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.entities)
		sh.mu.Unlock()
	}
	return n
}

func (r *Region) shardFor(entityID string) *regionShard {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return r.shards[h.Sum32()%uint32(r.shardCount)]
}

// ensure returns the live entity for the id, spawning its consumer if none
// exists.
func (r *Region) ensure(entityID string) *entity {
	sh := r.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entities[entityID]; ok {
		return e
	}
	e := &entity{id: entityID, mb: newMailbox()}
	sh.entities[entityID] = e
	r.wg.Add(1)
	go r.runEntity(e)
	return e
}

// detach removes the entity from the table if it is still the current one.
func (r *Region) detach(e *entity) {
	sh := r.shardFor(e.id)
	sh.mu.Lock()
	if cur, ok := sh.entities[e.id]; ok && cur == e {
		delete(sh.entities, e.id)
	}
	sh.mu.Unlock()
}

type entityTeller struct {
	region   *Region
	entityID string
}

func (t entityTeller) Tell(msg any) {
	t.region.Tell(t.entityID, msg)
}

func (r *Region) runEntity(e *entity) {
	defer r.wg.Done()
	ctx := r.ctx

	handler := r.factory(e.id, entityTeller{region: r, entityID: e.id})
	if err := handler.Activate(ctx); err != nil {
		r.log.Error("entity activation failed",
			"region", r.name, "entity", e.id, "error", err)
		if r.observer != nil {
			r.observer.RecoveryFailed(r.name)
		}
		r.detach(e)
		for _, env := range e.mb.close() {
			env.Fail(err)
		}
		return
	}
	if r.observer != nil {
		r.observer.EntityActivated(r.name)
	}
	if r.index != nil {
		if err := r.index.Remember(ctx, r.name, e.id); err != nil {
			r.log.Warn("remember entity failed",
				"region", r.name, "entity", e.id, "error", err)
		}
	}

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		if env, ok := e.mb.pop(); ok {
			switch handler.Handle(ctx, env) {
			case Passivate:
				r.retire(ctx, e, handler, false)
				return
			case Remove:
				r.retire(ctx, e, handler, true)
				return
			}
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(r.idleTimeout)

		select {
		case <-e.mb.notify:
		case <-idle.C:
			if e.mb.tryClose() {
				r.detach(e)
				handler.Deactivate(ctx)
				if r.observer != nil {
					r.observer.EntityPassivated(r.name)
				}
				return
			}
		case <-ctx.Done():
			r.detach(e)
			for _, env := range e.mb.close() {
				env.Fail(ctx.Err())
			}
			handler.Deactivate(ctx)
			if r.observer != nil {
				r.observer.EntityPassivated(r.name)
			}
			return
		}
	}
}

// retire stops an entity on a handler directive. Whatever is still queued
// is rerouted so a fresh activation decides its fate.
func (r *Region) retire(ctx context.Context, e *entity, handler Handler, remove bool) {
	r.detach(e)
	rest := e.mb.close()
	if remove && r.index != nil {
		if err := r.index.Forget(ctx, r.name, e.id); err != nil {
			r.log.Warn("forget entity failed",
				"region", r.name, "entity", e.id, "error", err)
		}
	}
	handler.Deactivate(ctx)
	if r.observer != nil {
		r.observer.EntityPassivated(r.name)
	}
	for _, env := range rest {
		r.Deliver(env)
	}
}
