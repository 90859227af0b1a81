package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/groundcrew/groundcrew/pkg/config"
	"github.com/groundcrew/groundcrew/pkg/orchestrator"
	"github.com/groundcrew/groundcrew/pkg/policy"
	"github.com/groundcrew/groundcrew/pkg/runner"
	"github.com/groundcrew/groundcrew/pkg/stores"
	"github.com/groundcrew/groundcrew/pkg/sweep"
	"github.com/groundcrew/groundcrew/pkg/telemetry"
	"github.com/groundcrew/groundcrew/pkg/vault"
	"github.com/groundcrew/groundcrew/pkg/workspace"
)

// app bundles the composed subsystems for the long-running commands.
type app struct {
	cfg      *config.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
	store    *stores.SQLiteStore
	vault    *vault.Vault
	enforcer *policy.Enforcer
	loader   *policy.Loader
	orch     *orchestrator.Orchestrator
	sweeper  *sweep.Sweeper
}

// openStore opens and initializes the record store for admin commands.
func openStore(ctx context.Context) (*stores.SQLiteStore, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

// buildApp composes the full engine: telemetry, store, vault, policy,
// runner, orchestrator and sweeper.
func buildApp(ctx context.Context, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tc := cfg.TelemetryConfig(version)
	logger, err := telemetry.NewLogger(tc.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tc.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(tc.Tracing, tc.ServiceName, tc.ServiceVersion, tc.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracer: %w", err)
	}
	events, err := telemetry.NewEventPublisher(tc.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to build event publisher: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	v := vault.New(logger.Zerolog())

	enforcer := policy.NewEnforcer(logger.Zerolog())
	loader := policy.NewLoader(logger.Zerolog())
	if len(cfg.Policy.RulesPaths) > 0 {
		if cfg.Policy.Watch {
			if err := loader.Watch(ctx, cfg.Policy.RulesPaths, enforcer); err != nil {
				return nil, fmt.Errorf("failed to watch policy rules: %w", err)
			}
		} else {
			rules, err := loader.Load(ctx, cfg.Policy.RulesPaths)
			if err != nil {
				return nil, fmt.Errorf("failed to load policy rules: %w", err)
			}
			enforcer.SetRules(rules)
		}
	}

	exec := runner.New(cfg.RunnerConfig(), logger.Zerolog())
	workspaces := workspace.NewManager(cfg.Workspace.BaseDir)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Vault:      v,
		Executor:   exec,
		Policy:     enforcer,
		Workspaces: workspaces,
		Logger:     logger,
		Metrics:    metrics,
		Events:     events,
		Tracer:     tracer,
	})
	if err != nil {
		return nil, err
	}

	sweeper := sweep.New(logger.Zerolog(), metrics)
	sweeper.Register(sweep.Task{
		Name:     "expired_sessions",
		Interval: cfg.Sweep.SessionInterval,
		Run:      orch.SweepExpiredSessions,
	})
	sweeper.Register(sweep.Task{
		Name:     "expired_capsules",
		Interval: cfg.Sweep.CapsuleInterval,
		Run: func(ctx context.Context) (int, error) {
			return store.DeleteExpiredCapsules(ctx, time.Now().UTC())
		},
	})
	sweeper.Register(sweep.Task{
		Name:     "vault_entries",
		Interval: cfg.Sweep.VaultInterval,
		Run: func(context.Context) (int, error) {
			removed := v.SweepExpired(time.Now().UTC())
			metrics.SetVaultEntries(float64(v.Len()))
			return removed, nil
		},
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		events:   events,
		store:    store,
		vault:    v,
		enforcer: enforcer,
		loader:   loader,
		orch:     orch,
		sweeper:  sweeper,
	}, nil
}

// shutdown releases resources in reverse dependency order.
func (a *app) shutdown(ctx context.Context) {
	if a.loader != nil {
		_ = a.loader.Close()
	}
	if a.events != nil {
		_ = a.events.Shutdown(ctx)
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
