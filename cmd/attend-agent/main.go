package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tdrlabs/attendance-offline/internal/config"
	"github.com/tdrlabs/attendance-offline/internal/connectivity"
	"github.com/tdrlabs/attendance-offline/internal/coordinator"
	"github.com/tdrlabs/attendance-offline/internal/events"
	"github.com/tdrlabs/attendance-offline/internal/logging"
	"github.com/tdrlabs/attendance-offline/internal/metrics"
	"github.com/tdrlabs/attendance-offline/internal/queue"
	"github.com/tdrlabs/attendance-offline/internal/server"
	"github.com/tdrlabs/attendance-offline/internal/status"
	"github.com/tdrlabs/attendance-offline/internal/store"
	"github.com/tdrlabs/attendance-offline/internal/syncer"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "attend-agent",
		Short: "Local attendance sync agent",
		Long: "attend-agent queues attendance submissions in a local SQLite store while the " +
			"school server is unreachable and replays them in order once connectivity returns.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("server-base-url", "", "Attendance server base URL")
	cmd.PersistentFlags().String("server-endpoint", defaults.GetString("server.endpoint"), "Default attendance save endpoint")
	cmd.PersistentFlags().String("probe-url", "", "Connectivity probe URL (defaults to the server base URL)")
	cmd.PersistentFlags().String("token-header", defaults.GetString("token.header"), "Header carrying the security token")
	cmd.PersistentFlags().String("token", "", "Security token attached to queued submissions")
	cmd.PersistentFlags().Duration("heartbeat", defaults.GetDuration("connectivity.heartbeat"), "Connectivity probe interval")
	cmd.PersistentFlags().Duration("debounce", defaults.GetDuration("connectivity.debounce"), "Connectivity debounce window")
	cmd.PersistentFlags().Duration("cache-ttl", defaults.GetDuration("cache.ttl"), "Reference-data cache TTL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (console, json)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "server.base_url", "server-base-url")
	bindFlag(cmd, "server.endpoint", "server-endpoint")
	bindFlag(cmd, "connectivity.probe_url", "probe-url")
	bindFlag(cmd, "token.header", "token-header")
	bindFlag(cmd, "token.value", "token")
	bindFlag(cmd, "connectivity.heartbeat", "heartbeat")
	bindFlag(cmd, "connectivity.debounce", "debounce")
	bindFlag(cmd, "cache.ttl", "cache-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	handle, err := store.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer handle.Close() //nolint:errcheck

	bus := events.NewBus()

	probeURL := appConfig.ProbeURL
	if probeURL == "" {
		probeURL = appConfig.ServerBaseURL
	}
	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		Bus:               bus,
		Prober:            connectivity.NewHTTPProber(probeURL, 0),
		HeartbeatInterval: appConfig.Heartbeat,
		DebounceWindow:    appConfig.Debounce,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	var tokens queue.TokenSource
	if appConfig.Token != "" {
		tokens = queue.StaticTokenSource{
			HeaderName: appConfig.TokenHeader,
			Token:      appConfig.Token,
		}
	}

	submissionQueue, err := queue.New(queue.ServiceConfig{
		Store:           handle,
		Bus:             bus,
		Tokens:          tokens,
		DefaultEndpoint: appConfig.Endpoint,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Store:          handle,
		Bus:            bus,
		BaseURL:        appConfig.ServerBaseURL,
		Connectivity:   monitor,
		RequestTimeout: appConfig.RequestTimeout,
		SettleDelay:    appConfig.SettleDelay,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	bridge, err := coordinator.New(coordinator.Config{
		Sync:           engine,
		Pending:        handle,
		Cache:          handle,
		RequestTimeout: appConfig.WorkerTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	presenter, err := status.New(status.Config{
		Bus:     bus,
		Toasts:  status.LogSink{Logger: logger},
		Sync:    engine,
		Pending: handle,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queue:       submissionQueue,
		Coordinator: bridge,
		Monitor:     monitor,
		Bridge:      server.NewEventBridge(bus, logger),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(signalCtx)
	bridge.StartWorker(signalCtx)
	engine.Start(signalCtx)
	presenter.Start(signalCtx)
	go sweepCacheLoop(signalCtx, handle, appConfig.CacheTTL, logger)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("server", appConfig.ServerBaseURL))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sweepCacheLoop drops stale kv-cache rows. Pending submissions are never
// subject to the TTL; only reference data ages out.
func sweepCacheLoop(ctx context.Context, handle *store.Store, ttl time.Duration, logger *zap.Logger) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := handle.SweepCache(ctx, time.Now().Add(-ttl))
			if err != nil {
				logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			metrics.CacheSweeps.Inc()
			if removed > 0 {
				logger.Info("cache sweep removed stale entries", zap.Int64("removed", removed))
			}
		}
	}
}
