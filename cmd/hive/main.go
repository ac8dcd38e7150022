package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-hive/internal/agent"
	"github.com/nidhogg/nuka-hive/internal/api"
	"github.com/nidhogg/nuka-hive/internal/audit"
	"github.com/nidhogg/nuka-hive/internal/config"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/metrics"
	"github.com/nidhogg/nuka-hive/internal/policy"
	"github.com/nidhogg/nuka-hive/internal/retry"
	pgstore "github.com/nidhogg/nuka-hive/internal/store"
	"github.com/nidhogg/nuka-hive/internal/sweep"
	"github.com/nidhogg/nuka-hive/internal/task"
	"github.com/nidhogg/nuka-hive/internal/transport"
	"github.com/nidhogg/nuka-hive/internal/voting"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/hive.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Nuka Hive leader...", zap.String("config", cfgPath), zap.String("agent", cfg.Agent.ID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("leader stopped", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	collector := metrics.NewCollector("hive", logger)

	// Transport
	publishRetry, _ := retry.Preset(cfg.Transport.PublishRetry)
	broker, err := transport.Connect(ctx, transport.Config{
		URL:             cfg.Database.Redis.URL,
		Prefix:          cfg.Transport.Prefix,
		MaxQueueLength:  cfg.Transport.MaxQueueLength,
		MessageTTL:      cfg.Transport.MessageTTL.Std(),
		MaxRedeliveries: cfg.Transport.MaxRedeliveries,
		PollInterval:    cfg.Transport.PollInterval.Std(),
		ReclaimIdle:     cfg.Transport.ReclaimIdle.Std(),
		ReclaimInterval: cfg.Transport.ReclaimInterval.Std(),
		Publish:         publishRetry,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer broker.Close()
	broker.SetMetrics(collector)
	logger.Info("Transport connected", zap.String("prefix", cfg.Transport.Prefix))

	checks := map[string]api.Check{"redis": broker.Ping}

	// Persistence: PostgreSQL when configured, otherwise tasks stay in memory
	// and audit chains live in Redis.
	var (
		taskStore  task.Store = task.NewMemoryStore()
		auditStore audit.Store = audit.NewRedisStore(broker.Client(), cfg.Transport.Prefix)
		pg         *pgstore.Store
	)
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without durable task storage", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx); mErr != nil {
				ps.Close()
				return fmt.Errorf("migrate: %w", mErr)
			}
			defer ps.Close()
			pg = ps
			taskStore = ps
			auditStore = ps.Audit()
			checks["postgres"] = ps.Ping
		}
	}

	// Directory
	dir := agent.NewDirectory(agent.DirectoryConfig{
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Std(),
		OfflineMultiplier: cfg.Agent.OfflineMultiplier,
		EvictAfter:        cfg.Agent.EvictAfter.Std(),
	}, logger)
	dir.SetMetrics(collector)
	if pg != nil {
		dir.SetPersister(pg)
		restoreAgents(ctx, pg, dir, logger)
	}

	var authz policy.Authorizer = policy.AllowAll{}
	if cfg.Auth.Mode == "roles" {
		authz = policy.NewRoleAuthorizer(dir, policy.DefaultRules(), logger)
	}

	// Task engine
	storeRetry, _ := retry.Preset(cfg.Tasks.StoreRetry)
	tasks := task.NewEngine(broker, taskStore, task.Config{
		AgentID:           cfg.Agent.ID,
		Queue:             cfg.Tasks.Queue,
		DefaultTimeout:    cfg.Tasks.DefaultTimeout.Std(),
		QueueTimeout:      cfg.Tasks.QueueTimeout.Std(),
		DefaultMaxRetries: *cfg.Tasks.DefaultMaxRetries,
		MaxRetriesCap:     cfg.Tasks.MaxRetriesCap,
		PriorityBump:      cfg.Tasks.PriorityBump,
		Retention:         cfg.Tasks.Retention.Std(),
		StoreRetry:        storeRetry,
	}, logger)
	tasks.SetAuthorizer(authz)
	tasks.SetMetrics(collector)

	dir.OnOffline(tasks.ReassignAgent)
	dir.OnWorking(tasks.MarkRunning)

	// Voting engine and audit trail
	trail := audit.NewTrail(auditStore, logger)
	votes := voting.NewEngine(broker, trail, voting.Config{AgentID: cfg.Agent.ID}, logger)
	votes.SetAuthorizer(authz)
	votes.SetExpertise(dir)
	votes.SetMetrics(collector)

	// Leader runtime
	rt, err := agent.NewRuntime(broker, agent.Config{
		ID:                cfg.Agent.ID,
		Role:              message.Role(cfg.Agent.Role),
		Capabilities:      cfg.Agent.Capabilities,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Std(),
	}, logger)
	if err != nil {
		return err
	}
	if err := agent.BindLeader(rt, cfg.Agent.Inbox, 0, agent.LeaderComponents{
		Tasks:     tasks,
		Votes:     votes,
		Directory: dir,
	}); err != nil {
		return err
	}

	// Sweeper
	clock := sweep.NewClock(cfg.Server.SweepInterval.Std(), logger)
	clock.AddListener(tasks)
	clock.AddListener(dir)

	// REST API
	handler := api.NewHandler(api.Deps{
		Tasks:       tasks,
		Votes:       votes,
		Trail:       trail,
		Directory:   dir,
		DeadLetters: broker,
		Metrics:     collector.Handler(),
		Checks:      checks,
	}, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error {
		select {
		case <-rt.Ready():
		case <-gctx.Done():
			return nil
		}
		clock.Start(gctx)
		<-gctx.Done()
		clock.Stop()
		return nil
	})
	g.Go(func() error {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// restoreAgents re-registers persisted agents so that ones which never come
// back are detected offline and their tasks reassigned.
func restoreAgents(ctx context.Context, pg *pgstore.Store, dir *agent.Directory, logger *zap.Logger) {
	agents, err := pg.ListAgents(ctx)
	if err != nil {
		logger.Warn("failed to load agents from DB", zap.Error(err))
		return
	}
	for _, a := range agents {
		if err := dir.Register(ctx, a.ID, a.Role, a.Capabilities, agent.StatusIdle); err != nil {
			logger.Warn("skipping persisted agent", zap.String("agent", a.ID), zap.Error(err))
		}
	}
	logger.Info("Loaded agents from DB", zap.Int("count", len(agents)))
}
