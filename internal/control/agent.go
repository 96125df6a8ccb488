package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/remediator/internal/core/config"
	"github.com/vietddude/remediator/internal/core/retry"
	"github.com/vietddude/remediator/internal/core/worker"
	"github.com/vietddude/remediator/internal/health"
	"github.com/vietddude/remediator/internal/infra/llm"
	"github.com/vietddude/remediator/internal/infra/mail"
	"github.com/vietddude/remediator/internal/infra/platform"
	redisclient "github.com/vietddude/remediator/internal/infra/redis"
	"github.com/vietddude/remediator/internal/infra/retrieval"
	"github.com/vietddude/remediator/internal/infra/storage"
	"github.com/vietddude/remediator/internal/infra/storage/sqlstore"
	"github.com/vietddude/remediator/internal/metrics"
	"github.com/vietddude/remediator/internal/remediation/approval"
	"github.com/vietddude/remediator/internal/remediation/coordinator"
	"github.com/vietddude/remediator/internal/remediation/decision"
	"github.com/vietddude/remediator/internal/remediation/executor"
	"github.com/vietddude/remediator/internal/remediation/notify"
	"github.com/vietddude/remediator/internal/remediation/poller"
)

// Agent runs the poll and remediation loop.
type Agent struct {
	poller     Poller
	remediator Remediator
	health     HealthRecorder
	interval   time.Duration
	workers    int

	store        storage.StateStore
	sql          *sqlstore.Store
	pruner       *worker.Pruner
	redisClient  *redisclient.Client
	healthServer *health.Server
	grpcServer   *health.GRPCServer

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

// NewAgent creates an Agent with all dependencies initialized.
func NewAgent(ctx context.Context, cfg *config.AppConfig) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	threshold := cfg.Retry.Budget()

	// 1. Storage
	store, sqlStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 2. Platform
	creds, err := platform.NewCredentials(cfg.Credentials, cfg.Platform.Timeout)
	if err != nil {
		_ = store.Close()
		return nil, &config.ConfigurationError{Problems: []string{err.Error()}}
	}
	adf := platform.NewClient(cfg.Platform, creds)

	// 3. Decision
	oracle := llm.NewOpenAIClient(cfg.Oracle.Config)
	var retriever decision.Retriever
	if cfg.Retrieval.BaseURL != "" {
		retriever = retrieval.NewClient(cfg.Retrieval)
	} else {
		slog.Warn("No retrieval service configured, decisions will run without documentation")
	}
	maker := decision.NewMaker(oracle, retriever, decision.Config{
		Model:   oracle.Model(),
		Timeout: cfg.Oracle.Timeout,
		Policy: retry.Policy{
			MaxAttempts: cfg.Oracle.MaxAttempts,
			Delay:       cfg.Oracle.RetryDelay,
		},
	})
	solver := decision.NewSolver(oracle, oracle.Model(), cfg.Oracle.Timeout)

	// 4. Notifications and approvals
	var transport mail.Transport = &mail.LogTransport{}
	if cfg.Notify.SMTPEnabled() {
		transport = mail.NewSMTPTransport(mail.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.Username,
			Password: cfg.Notify.Password,
			From:     cfg.Notify.From,
			Timeout:  cfg.Notify.Timeout,
		})
	} else {
		slog.Warn("SMTP not configured, notifications will only be logged")
	}
	dispatcher := notify.NewDispatcher(transport, cfg.Notify.Recipients)

	var channel approval.Channel = approval.NoChannel{}
	if cfg.Approval.Mode == "file" {
		fc, err := approval.NewFileChannel(cfg.Approval.Dir)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		channel = fc
	}
	policy, err := approval.ParsePolicy(cfg.Approval.Default)
	if err != nil {
		_ = store.Close()
		return nil, &config.ConfigurationError{Problems: []string{err.Error()}}
	}
	gate := approval.NewGate(dispatcher, channel, cfg.Approval.Timeout, policy)

	// 5. Optional distributed lock
	var redisClient *redisclient.Client
	deps := coordinator.Deps{
		Store:    store,
		Decider:  maker,
		Solver:   solver,
		Gate:     gate,
		Alerter:  dispatcher,
		Executor: executor.New(adf, store),
	}
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using in-process locks only", "error", err)
		} else {
			deps.Locker = redisClient
			slog.Info("Using Redis run locks")
		}
	}
	coord := coordinator.New(deps, coordinator.Config{Threshold: threshold})

	// 6. Poller
	p := poller.New(adf, store, coord, poller.Config{
		Lookback:  cfg.Poll.Lookback,
		Threshold: threshold,
	})

	// 7. Health
	mon := health.NewMonitor(cfg.Poll.Interval)
	if sqlStore != nil {
		mon.AddDependency("store", sqlStore.DB(), true)
	}
	if redisClient != nil {
		mon.AddDependency("redis", health.PingFunc(redisClient.Ping), false)
	}
	a := newAgent(p, coord, mon, cfg.Poll.Interval, cfg.Poll.Workers)
	a.store = store
	a.sql = sqlStore
	a.pruner = worker.NewPruner(store, cfg.Poll.Retention)
	a.redisClient = redisClient
	a.healthServer = health.NewServer(mon, store, cfg.Server.Port)
	if cfg.Server.GRPCPort != 0 {
		a.grpcServer = health.NewGRPCServer(mon, cfg.Server.GRPCPort)
	}

	slog.Info("Agent initialized",
		"factory", cfg.Platform.FactoryName,
		"threshold", threshold,
		"interval", cfg.Poll.Interval,
		"workers", cfg.Poll.Workers,
		"retention", cfg.Poll.Retention,
		"approval", cfg.Approval.Mode,
	)
	return a, nil
}

func newAgent(p Poller, r Remediator, h HealthRecorder, interval time.Duration, workers int) *Agent {
	if workers < 1 {
		workers = 1
	}
	return &Agent{
		poller:     p,
		remediator: r,
		health:     h,
		interval:   interval,
		workers:    workers,
		done:       make(chan struct{}),
		log:        slog.Default().With("component", "agent"),
	}
}

// Start starts the health endpoints and the poll loop. It does not block.
func (a *Agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.healthServer != nil {
		go func() {
			if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Health server failed", "error", err)
			}
		}()
	}
	if a.grpcServer != nil {
		go func() {
			if err := a.grpcServer.Start(ctx); err != nil {
				a.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}
	if a.sql != nil {
		a.sql.DB().StartMetricsCollector(ctx)
	}
	if a.pruner != nil {
		go a.pruner.Start(ctx)
	}

	go a.loop(ctx)
	return nil
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.done)
	for {
		// A started cycle runs to completion even during shutdown.
		if err := a.RunCycle(context.WithoutCancel(ctx)); err != nil {
			a.log.Error("Poll cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.interval):
		}
	}
}

// RunCycle polls once and remediates every eligible failure. Per-run errors
// do not stop sibling runs; they are joined into the returned error.
func (a *Agent) RunCycle(ctx context.Context) error {
	start := time.Now()
	log := a.log.With("cycle_id", uuid.NewString())
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	failures, err := a.poller.Poll(ctx)
	if err != nil {
		a.finish(err)
		return fmt.Errorf("poll: %w", err)
	}
	log.Info("Remediating failures", "count", len(failures))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(a.workers)
	for _, fc := range failures {
		g.Go(func() error {
			if err := a.remediator.Remediate(ctx, fc); err != nil {
				log.Error("Remediation failed", "run_id", fc.RunID, "pipeline", fc.PipelineName, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("run %s: %w", fc.RunID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err = errors.Join(errs...)
	a.finish(err)
	log.Info("Cycle complete", "failures", len(failures), "errors", len(errs), "duration", time.Since(start).Round(time.Millisecond))
	return err
}

func (a *Agent) finish(err error) {
	result := "ok"
	var qe *platform.QueryError
	switch {
	case err == nil:
	case errors.As(err, &qe):
		result = "query_error"
	case errors.Is(err, storage.ErrStorage):
		result = "storage_error"
	default:
		result = "error"
	}
	metrics.PollCyclesTotal.WithLabelValues(result).Inc()
	if a.health != nil {
		a.health.RecordCycle(err)
	}
}

// Stop stops the loop, waiting for the current cycle until ctx expires,
// then releases every resource.
func (a *Agent) Stop(ctx context.Context) error {
	a.log.Info("Stopping agent...")
	if a.cancel != nil {
		a.cancel()
	}

	var waitErr error
	if a.cancel != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("cycle still running at shutdown: %w", ctx.Err())
		}
	}

	var errs []error
	a.once.Do(func() {
		if a.grpcServer != nil {
			a.grpcServer.Stop()
		}
		if a.healthServer != nil {
			if err := a.healthServer.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.redisClient != nil {
			if err := a.redisClient.Close(); err != nil {
				a.log.Warn("Failed to close Redis", "error", err)
			}
		}
		// The store stays open while a cycle may still be writing.
		if a.store != nil && waitErr == nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(append(errs, waitErr)...)
}

var (
	_ Poller         = (*poller.Poller)(nil)
	_ Remediator     = (*coordinator.Coordinator)(nil)
	_ HealthRecorder = (*health.Monitor)(nil)
)
