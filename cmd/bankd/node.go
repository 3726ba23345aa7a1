package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/bankengine/pkg/bank/account"
	"github.com/plaenen/bankengine/pkg/bank/employee"
	"github.com/plaenen/bankengine/pkg/billing"
	"github.com/plaenen/bankengine/pkg/closure"
	"github.com/plaenen/bankengine/pkg/config"
	"github.com/plaenen/bankengine/pkg/email"
	"github.com/plaenen/bankengine/pkg/eventsourcing"
	natspkg "github.com/plaenen/bankengine/pkg/nats"
	"github.com/plaenen/bankengine/pkg/observability"
	"github.com/plaenen/bankengine/pkg/runner"
	"github.com/plaenen/bankengine/pkg/runtime"
	"github.com/plaenen/bankengine/pkg/scheduler"
	"github.com/plaenen/bankengine/pkg/sqlite"
	"github.com/plaenen/bankengine/pkg/transfer"
)

// node is one assembled engine process: the full component graph plus the
// service list in start order. Stop runs in reverse, so the backbone
// (journal, NATS, telemetry) outlives the components draining onto it.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	services []runner.Service
}

func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     "bankengine",
		ServiceVersion:  version,
		Environment:     cfg.Telemetry.Environment,
		TraceSampleRate: cfg.Telemetry.SampleRate,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	var metrics *observability.Metrics
	if cfg.Telemetry.Enabled {
		metrics = tel.Metrics
	}

	var srv *natspkg.EmbeddedServer
	var nc *nats.Conn
	if cfg.NATS.Embedded {
		srv, err = natspkg.StartEmbeddedServer(
			natspkg.WithPort(cfg.NATS.Port),
			natspkg.WithStoreDir(filepath.Join(cfg.Node.DataDir, "nats")),
		)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		nc, err = srv.Connect()
	} else {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("bankd-"+cfg.Node.ID))
	}
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	busCfg := natspkg.DefaultConfig()
	busCfg.MaxAge = cfg.NATS.StreamMaxAge
	busCfg.Logger = logger
	bus, err := natspkg.NewEventBusWithConn(nc, busCfg)
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	store, err := sqlite.NewEventStore(
		sqlite.WithDSN(cfg.Journal.DSN),
		sqlite.WithWALMode(cfg.Journal.WALMode),
	)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	snapshots := sqlite.NewSnapshotStore(store.DB())
	index := sqlite.NewEntityIndex(store.DB())
	closures := sqlite.NewClosureStore(store.DB())
	readModel, err := sqlite.NewAccountReadModel(store.DB())
	if err != nil {
		return nil, fmt.Errorf("open account read model: %w", err)
	}
	statements, err := sqlite.NewStatementStore(store.DB())
	if err != nil {
		return nil, fmt.Errorf("open statement store: %w", err)
	}

	broadcaster := natspkg.NewBroadcaster(nc, logger)
	sched := scheduler.NewNATSScheduler(nc)
	emails := email.NewNATSSender(nc)

	registry := runtime.NewRegistry()
	effects := &engineEffects{
		registry:    registry,
		sched:       sched,
		emails:      emails,
		statements:  statements,
		broadcaster: broadcaster,
		logger:      logger,
	}

	strategy := eventsourcing.NewIntervalSnapshotStrategy(cfg.Journal.SnapshotInterval)

	// The account region remembers its entities so scheduled work can
	// reach an account that was passivated in between.
	accounts := runtime.NewRegion(account.AggregateType,
		account.NewHandlerFactory(account.ActorDeps{
			Journal:   store,
			Snapshots: snapshots,
			Strategy:  strategy,
			Bus:       bus,
			Effects:   effects.forAccounts(),
			Metrics:   metrics,
			Logger:    logger,
		}),
		runtime.WithShardCount(cfg.Runtime.ShardCount),
		runtime.WithIdleTimeout(cfg.Runtime.IdleTimeout),
		runtime.WithEntityIndex(index),
		runtime.WithObserver(regionMetrics{metrics}),
		runtime.WithLogger(logger),
	)
	employees := runtime.NewRegion(employee.AggregateType,
		employee.NewHandlerFactory(employee.ActorDeps{
			Journal:   store,
			Snapshots: snapshots,
			Strategy:  strategy,
			Bus:       bus,
			Effects:   effects.forEmployees(),
			Metrics:   metrics,
			Logger:    logger,
		}),
		runtime.WithShardCount(cfg.Runtime.ShardCount),
		runtime.WithIdleTimeout(cfg.Runtime.IdleTimeout),
		runtime.WithObserver(regionMetrics{metrics}),
		runtime.WithLogger(logger),
	)
	registry.Register(keyAccounts, accounts)
	registry.Register(keyEmployees, employees)

	effects.coordinator = transfer.NewCoordinator(accounts, transfer.CoordinatorConfig{
		AskTimeout: cfg.Runtime.AskTimeout,
		OnResolved: func(outcome string) {
			metrics.RecordTransferResolved(context.Background(), "internal", outcome)
		},
		Logger: logger,
	})

	if cfg.Gateway.BaseURL != "" {
		tokens, terr := gatewayTokens(ctx, cfg.Gateway)
		if terr != nil {
			return nil, terr
		}
		gateway := transfer.NewHTTPGateway(cfg.Gateway.BaseURL, tokens)
		effects.worker = transfer.NewWorker(accounts, gateway, transfer.WorkerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
			CallTimeout:      cfg.Gateway.CallTimeout,
			OutcomeTimeout:   cfg.Runtime.AskTimeout,
			OnTransition: func(name, from, to string) {
				broadcaster.PublishBreakerTransition(natspkg.BreakerTransition{
					Name:       name,
					From:       from,
					To:         to,
					OccurredAt: eventsourcing.Now(),
				})
				metrics.RecordBreakerState(context.Background(), name, breakerStateValue(to))
			},
			OnResolved: func(outcome string) {
				metrics.RecordTransferResolved(context.Background(), "domestic", outcome)
			},
			Logger: logger,
		})
	} else {
		logger.Warn("gateway.base_url unset, domestic transfers are disabled")
	}

	effects.finalizer = closure.NewFinalizer(closures, accounts, readModel, sched, closure.Config{
		DrainInterval: cfg.Closure.DrainInterval,
		Logger:        logger,
	})

	fanout := billing.NewFanout(readModel, accounts, billing.FanoutConfig{
		Throttle: billing.Throttle{
			Burst: cfg.Billing.Burst,
			Count: cfg.Billing.Count,
			Per:   cfg.Billing.Per,
		},
		Lookback: time.Duration(cfg.Billing.LookbackDays) * 24 * time.Hour,
		PageSize: cfg.Billing.PageSize,
		OnFinished: func(emitted int) {
			broadcaster.PublishBillingCycleFinished(natspkg.BillingCycleFinished{
				Emitted:    emitted,
				OccurredAt: eventsourcing.Now(),
			})
			metrics.RecordBillingCycles(context.Background(), emitted)
		},
		Logger: logger,
	})
	projection := billing.NewProjection(bus, readModel, logger)

	ingress := natspkg.NewIngress(nc, logger)

	services := []runner.Service{
		runner.NewService("telemetry", nil, tel.Shutdown),
		runner.NewService("journal", nil, func(context.Context) error {
			return store.Close()
		}),
		runner.NewService("nats", nil, func(context.Context) error {
			berr := bus.Close()
			nc.Close()
			if srv != nil {
				srv.Shutdown()
			}
			return berr
		}),
		accounts,
		employees,
		runner.NewService("accounts-projection",
			func(context.Context) error { return projection.Start() },
			func(context.Context) error { return projection.Stop() },
		),
		effects.coordinator,
	}
	if effects.worker != nil {
		services = append(services, effects.worker)
	}
	services = append(services,
		fanout,
		effects.finalizer,
		schedulerTicksService(nc, sched, accounts, fanout, cfg.Billing.Cron, logger),
		runner.NewService("command-ingress",
			func(context.Context) error {
				if err := ingress.Route(natspkg.AccountCommandSubject, "bankd",
					accountRoute(accounts, cfg.Runtime.AskTimeout, metrics)); err != nil {
					return err
				}
				return ingress.Route(natspkg.EmployeeCommandSubject, "bankd",
					employeeRoute(employees, cfg.Runtime.AskTimeout, metrics))
			},
			func(context.Context) error { return ingress.Close() },
		),
	)

	return &node{cfg: cfg, logger: logger, services: services}, nil
}

// schedulerTicksService subscribes to the subjects the external scheduler
// fires on, and registers the recurring billing fan-out on start.
func schedulerTicksService(nc *nats.Conn, sched scheduler.Scheduler, accounts *runtime.Region, fanout *billing.Fanout, cronSpec string, logger *slog.Logger) runner.Service {
	var subs []*nats.Subscription
	return runner.NewService("scheduler-ticks",
		func(ctx context.Context) error {
			sub, err := nc.Subscribe(scheduler.SubjectFireBillingFanout, func(*nats.Msg) {
				fanout.Trigger()
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", scheduler.SubjectFireBillingFanout, err)
			}
			subs = append(subs, sub)

			sub, err = nc.Subscribe(scheduler.SubjectFireAutoTransfers, func(msg *nats.Msg) {
				var tick scheduler.AutoTransferTick
				if err := json.Unmarshal(msg.Data, &tick); err != nil || tick.AccountID == "" {
					logger.Error("undecodable auto-transfer tick", "error", err)
					return
				}
				accounts.Tell(tick.AccountID, account.EvaluateAutoTransfers{Frequency: tick.Frequency})
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", scheduler.SubjectFireAutoTransfers, err)
			}
			subs = append(subs, sub)

			return sched.ScheduleBillingFanout(ctx, cronSpec)
		},
		func(context.Context) error {
			for _, sub := range subs {
				_ = sub.Unsubscribe()
			}
			subs = nil
			return nil
		},
	)
}

// regionMetrics reports entity lifecycle events to the metric instruments.
// A nil Metrics makes every call a no-op, so the adapter is always safe to
// attach.
type regionMetrics struct {
	m *observability.Metrics
}

func (r regionMetrics) EntityActivated(region string) {
	r.m.RecordEntityActivated(context.Background(), region)
}

func (r regionMetrics) EntityPassivated(region string) {
	r.m.RecordEntityPassivated(context.Background(), region)
}

func (r regionMetrics) RecoveryFailed(region string) {
	r.m.RecordRecoveryFailure(context.Background(), region)
}

func breakerStateValue(state string) int64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

// gatewayTokens picks the static token or the keeper-backed source.
func gatewayTokens(ctx context.Context, cfg config.GatewayConfig) (transfer.TokenSource, error) {
	if cfg.Token != "" {
		return transfer.StaticToken(cfg.Token), nil
	}
	if cfg.KeeperURL == "" {
		return nil, fmt.Errorf("gateway.base_url is set but no token source is configured")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(cfg.TokenCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decode gateway.token_ciphertext: %w", err)
	}
	return transfer.NewKeeperTokenSource(ctx, cfg.KeeperURL, ciphertext, cfg.TokenTTL)
}
