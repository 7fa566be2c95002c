package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scriptserver/internal/api"
	"scriptserver/internal/broker"
	"scriptserver/internal/config"
	"scriptserver/internal/connections"
	"scriptserver/internal/execution"
	"scriptserver/internal/logging"
	scriptservermcp "scriptserver/internal/mcp"
	"scriptserver/internal/notify"
	"scriptserver/internal/process"
	"scriptserver/internal/schedule"
	"scriptserver/internal/scripts"
	"scriptserver/internal/store"
	"scriptserver/internal/timer"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptserverd",
		Short:         "Run scripts on demand and on schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfg := config.Load()
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and/or MCP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Finalize(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cfg.BindFlags(serve)

	root.AddCommand(serve, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func newLogger(cfg *config.Config) *slog.Logger {
	// stdout carries the MCP stdio transport
	if cfg.Mode != config.ModeHTTP {
		return slog.New(logging.NewHandler(os.Stderr, cfg.Log.Level, cfg.Log.Format))
	}
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	if bark := cfg.Notification.Bark; bark.Enabled && bark.URL != "" {
		n, err := notify.NewBarkNotifier(bark.URL)
		if err != nil {
			return nil, errors.Wrap(err, "bark notifier")
		}
		notifiers = append(notifiers, n)
	}
	if len(notifiers) == 0 {
		return &notify.NoOpNotifier{}, nil
	}
	return notify.NewMultiNotifier(notifiers...), nil
}

func executionOptions(cfg *config.Config, history *store.Store, notifier notify.Notifier, logger *slog.Logger) []execution.Option {
	opts := []execution.Option{
		execution.WithHistory(history),
		execution.WithNotifier(notifier),
		execution.WithLogger(logger),
		execution.WithKeepFinished(cfg.Execution.KeepFinished),
	}
	if cfg.Execution.ConnectionsFile != "" {
		injector := connections.NewInjector(cfg.Execution.ConnectionsFile, filepath.Join(cfg.StateDir, "tmp"), logger)
		opts = append(opts, execution.WithInjector(injector.Inject))
	}

	var brokerOpts []broker.Option
	if cfg.Execution.BacklogBytes > 0 {
		brokerOpts = append(brokerOpts, broker.WithBacklogLimit(cfg.Execution.BacklogBytes))
	}
	if cfg.Execution.QueueBytes > 0 {
		brokerOpts = append(brokerOpts, broker.WithQueueLimit(cfg.Execution.QueueBytes))
	}
	if len(brokerOpts) > 0 {
		opts = append(opts, execution.WithProcessOptions(process.WithBrokerOptions(brokerOpts...)))
	}
	return opts
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	history, err := store.Open(ctx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer history.Close()

	catalog, err := scripts.Open(cfg.Execution.ScriptsDir, cfg.Server.AdminUsers, logger)
	if err != nil {
		return errors.Wrap(err, "load scripts")
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}
	executions := execution.NewService(catalog, catalog, executionOptions(cfg, history, notifier, logger)...)

	location := time.Local
	if cfg.Schedule.UseUTC {
		location = time.UTC
	}

	wheel := timer.New(clockwork.NewRealClock(), logger)
	wheel.Start(ctx)
	schedules := schedule.NewService(history, executions, wheel,
		schedule.WithLocation(location),
		schedule.WithDefaultRetention(cfg.Schedule.OneTimeRetention),
		schedule.WithLogger(logger),
	)
	if err := schedules.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}

	mcpServer := scriptservermcp.NewMCPServer(executions, schedules, catalog, history, logger, location, cfg.MCPUser)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Mode == config.ModeHTTP || cfg.Mode == config.ModeBoth {
		server := api.NewServer(api.Options{
			Addr:       cfg.Server.Addr,
			AuthToken:  cfg.Server.AuthToken,
			UserHeader: cfg.Server.UserHeader,
			Executions: executions,
			Schedules:  schedules,
			Catalog:    catalog,
			History:    history,
			MCP:        mcpServer.HTTPHandler(),
			Logger:     logger,
			Location:   location,
		})
		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "http server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownGrace)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		g.Go(func() error {
			err := mcpServer.Run(gctx)
			if cfg.Mode == config.ModeMCP && err == nil {
				// stdin closed, nothing left to serve
				return context.Canceled
			}
			return errors.Wrap(err, "mcp server")
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	logger.Info("shutting down")

	schedules.Stop()
	if err := wheel.Stop(); err != nil {
		logger.Warn("timer stop", "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancel()
	if err := executions.Shutdown(shutdownCtx); err != nil {
		logger.Error("stop executions", "err", err)
	}
	logger.Info("shutdown complete")
	return runErr
}
