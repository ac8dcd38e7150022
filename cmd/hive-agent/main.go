package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/nuka-hive/internal/agent"
	"github.com/nidhogg/nuka-hive/internal/config"
	"github.com/nidhogg/nuka-hive/internal/message"
	"github.com/nidhogg/nuka-hive/internal/retry"
	"github.com/nidhogg/nuka-hive/internal/transport"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// globalFlags are shared by every role subcommand.
type globalFlags struct {
	configPath   string
	id           string
	capabilities []string
	inbox        string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:          "hive-agent",
		Short:        "Nuka Hive agent process",
		Long:         "Runs one agent of the hive (worker, collaborator, coordinator or monitor) against the shared Redis transport.",
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/hive.json"
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultConfig, "path to hive config file")
	cmd.PersistentFlags().StringVar(&g.id, "id", "", "agent id (defaults to <role>-<hostname>)")
	cmd.PersistentFlags().StringSliceVar(&g.capabilities, "capability", nil, "capability tag, repeatable")
	cmd.PersistentFlags().StringVar(&g.inbox, "inbox", "", "leader inbox queue (defaults to the config value)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newWorkerCmd(g))
	cmd.AddCommand(newCollaboratorCmd(g))
	cmd.AddCommand(newCoordinatorCmd(g))
	cmd.AddCommand(newMonitorCmd(g))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hive-agent %s (commit: %s)\n", Version, Commit)
		},
	}
}

// session is everything a role command needs once connected.
type session struct {
	cfg    *config.Config
	broker *transport.Broker
	rt     *agent.Runtime
	inbox  string
	logger *zap.Logger
}

func (s *session) Close() {
	s.broker.Close()
	s.logger.Sync()
}

// connect loads config, builds the logger, dials Redis and creates a runtime
// for role. The runtime has no bindings yet.
func connect(ctx context.Context, g *globalFlags, role message.Role) (*session, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}

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
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	id := g.id
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", role, host)
	}
	inbox := g.inbox
	if inbox == "" {
		inbox = cfg.Agent.Inbox
	}

	rt, err := agent.NewRuntime(broker, agent.Config{
		ID:                id,
		Role:              role,
		Capabilities:      g.capabilities,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Std(),
	}, logger)
	if err != nil {
		broker.Close()
		return nil, err
	}
	return &session{cfg: cfg, broker: broker, rt: rt, inbox: inbox, logger: logger}, nil
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

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
