package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/logger"
	"github.com/courierhq/courier/internal/observability"
	"github.com/courierhq/courier/internal/tracing"
	"github.com/courierhq/courier/pkg/agent"
	"github.com/courierhq/courier/pkg/crashguard"
	"github.com/courierhq/courier/pkg/credentials"
	"github.com/courierhq/courier/pkg/dispatch"
	"github.com/courierhq/courier/pkg/gateway"
	"github.com/courierhq/courier/pkg/plugins"
	"github.com/courierhq/courier/pkg/queue"
	"github.com/courierhq/courier/pkg/router"
	"github.com/courierhq/courier/pkg/store"
	"github.com/courierhq/courier/pkg/ticker"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Courier daemon",
	Long: `Start the Courier daemon in the foreground.
The daemon accepts provider webhooks, dispatches queued work to agents
and fires scheduled items until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	if err := writePID(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	return runDaemon(cfg)
}

func runDaemon(cfg *config.Config) error {
	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	log := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry("courier", version); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracing.ShutdownOpenTelemetry(ctx)
	}()

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}
	defer observability.GetAuditLogger().Close()

	st, err := store.Open(store.Config{
		DBPath: filepath.Join(cfg.DataDir, "courier.db"),
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	guard, err := crashguard.New(crashguard.Options{
		Threshold: cfg.CrashGuard.Threshold,
		Window:    cfg.CrashGuard.Window,
		Persister: st,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create crash guard: %w", err)
	}
	defer guard.Close()

	// Re-arm containment decisions that survived the last run.
	for _, inst := range cfg.PluginInstances {
		state, err := st.GetPluginState(inst.ID)
		if err != nil {
			log.Warn().Err(err).Str("plugin_id", inst.ID).Msg("Failed to read plugin state")
			continue
		}
		if state != nil && !state.Enabled {
			guard.SeedDisabled(inst.ID)
		}
	}

	creds, err := credentials.NewProvider(credentials.Options{
		Minter: &credentials.HTTPMinter{
			BaseURL: cfg.Credentials.MinterURL,
			AppToken: func() (string, error) {
				token := os.Getenv("COURIER_APP_TOKEN")
				if token == "" {
					return "", fmt.Errorf("COURIER_APP_TOKEN is not set")
				}
				return token, nil
			},
		},
		DefaultTTL: cfg.Credentials.DefaultTTL,
		SkewBuffer: cfg.Credentials.SkewBuffer,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to create credential provider: %w", err)
	}

	registry := plugins.NewRegistry()
	for _, h := range []plugins.Handler{
		plugins.NewTelegramHandler(log),
		plugins.NewSlackHandler(log, cfg.Webhook.ClockSkew),
		plugins.NewDiscordHandler(log),
		plugins.NewGitHubHandler(log, creds),
	} {
		if err := registry.RegisterHandler(h); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", h.Type(), err)
		}
	}
	for _, inst := range cfg.PluginInstances {
		if err := registry.AddInstance(inst); err != nil {
			return fmt.Errorf("failed to add plugin instance %q: %w", inst.ID, err)
		}
	}

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw, err = gateway.NewServer(gateway.ServerOptions{
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
	}

	// The dispatcher and the queue manager reference each other through
	// the ingestor, so the manager gets a late-bound dispatch function.
	var dispatcher *dispatch.Dispatcher
	mgr, err := queue.NewManager(queue.Options{
		Store: st,
		Dispatcher: func(ctx context.Context, d *queue.Dispatch) error {
			return dispatcher.Dispatch(ctx, d)
		},
		Defaults: cfg.Queue,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}

	var ingestBroadcaster router.Broadcaster
	if gw != nil {
		ingestBroadcaster = gw
	}
	ingestor, err := router.NewIngestor(router.IngestorOptions{
		Store:       st,
		Enqueuer:    mgr,
		Guard:       guard,
		Agents:      cfg.Agents,
		Broadcaster: ingestBroadcaster,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestor: %w", err)
	}

	var dispatchBroadcaster dispatch.Broadcaster
	if gw != nil {
		dispatchBroadcaster = gw
	}
	dispatcher, err = dispatch.New(dispatch.Options{
		Runner:      idleRunner(),
		Store:       st,
		Registry:    registry,
		Guard:       guard,
		Handoffer:   ingestor,
		Agents:      cfg.Agents,
		Broadcaster: dispatchBroadcaster,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	// Pending messages persisted by the previous process go back into
	// their lanes before new traffic arrives.
	if _, err := mgr.Rebuffer(context.Background(), st, cfg.Agents, ticker.SchedulerLaneOptions); err != nil {
		log.Warn().Err(err).Msg("Failed to re-buffer pending queue messages")
	}

	srv, err := router.NewServer(router.ServerOptions{
		Host:               cfg.Webhook.Host,
		Port:               cfg.Webhook.Port,
		RateLimitPerMinute: cfg.Webhook.RateLimitPerMinute,
	}, ingestor, registry, log)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	tk, err := ticker.New(ticker.Options{
		Store:          st,
		Enqueuer:       mgr,
		Agents:         cfg.Agents,
		Logger:         log,
		Interval:       cfg.Scheduler.TickInterval,
		StaleThreshold: cfg.Scheduler.StaleThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler ticker: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()
	if gw != nil {
		go func() {
			if err := gw.Start(); err != nil {
				errCh <- fmt.Errorf("gateway: %w", err)
			}
		}()
	}
	if err := tk.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler ticker: %w", err)
	}

	log.Info().Str("version", version).Msg("Courier daemon started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("Component failed")
	}

	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("Webhook server shutdown failed")
	}
	if err := tk.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler ticker shutdown failed")
	}
	if err := mgr.Close(); err != nil {
		log.Error().Err(err).Msg("Queue manager shutdown failed")
	}
	if gw != nil {
		if err := gw.Stop(); err != nil {
			log.Error().Err(err).Msg("Gateway shutdown failed")
		}
	}

	log.Info().Msg("Courier daemon stopped")
	return nil
}

// idleRunner stands in until an agent execution collaborator is wired
// up. It drains steered input and produces no response, so queued work
// completes without posting anything back.
func idleRunner() agent.Runner {
	return agent.RunnerFunc(func(ctx context.Context, agentID, workItemID string, opts agent.RunOptions) (*agent.RunResult, error) {
		if opts.Steer != nil {
			for range opts.Steer {
			}
		}
		return &agent.RunResult{}, nil
	})
}

func writePID(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/courier.pid"
	}
	return filepath.Join(home, ".courier", "courier.pid")
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so probe with signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
