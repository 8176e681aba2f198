// Tagauthd daemon -- local authentication by RFID/NFC tag presence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tagauth/tagauthd/internal/config"
	"github.com/tagauth/tagauthd/internal/coord"
	"github.com/tagauth/tagauthd/internal/credstore"
	"github.com/tagauth/tagauthd/internal/locker"
	tagmetrics "github.com/tagauth/tagauthd/internal/metrics"
	"github.com/tagauth/tagauthd/internal/reader"
	"github.com/tagauth/tagauthd/internal/server"
	appversion "github.com/tagauth/tagauthd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	// Credential-writer children re-exec this binary with a hidden argv
	// mode. They must never touch daemon initialization.
	if len(os.Args) == 3 && os.Args[1] == credstore.WriterMode {
		if err := credstore.RunWriter(os.Stdin, os.Args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		return
	}

	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("tagauthd"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tagauthd starting",
		slog.String("version", appversion.Version),
		slog.String("socket", cfg.Server.SocketPath),
		slog.String("creds_file", cfg.Creds.File),
	)

	// 4. Run the daemon components.
	if err := runDaemon(cfg, logger, *configPath, logLevel); err != nil {
		logger.Error("tagauthd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("tagauthd stopped")
	return 0
}

// runDaemon wires the coordinator, reader backends, socket server and
// metrics endpoint into an errgroup with a signal-aware context.
func runDaemon(
	cfg *config.Config,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	// Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := tagmetrics.NewCollector(reg)

	// Coordinator owns the credential store, the merged active set and
	// every client session.
	c := coord.New(credstore.New(cfg.Creds.File),
		coord.WithLogger(logger),
		coord.WithMetrics(collector),
		coord.WithTranslation(cfg.UIDs.Translation),
		coord.WithMaxWait(cfg.Server.MaxAuthRequestWait),
		coord.WithVoidTimeout(cfg.Server.ClientForceCloseSocketTimeout),
	)

	// The session-lock observer must subscribe before the coordinator
	// starts.
	var lk *locker.Locker

	if cfg.Lock.Enabled {
		var err error

		lk, err = locker.New(c.Subscribe(), locker.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("create session locker: %w", err)
		}
	}

	srv, err := server.New(cfg.Server, c, cfg.Creds.File,
		server.WithLogger(logger),
		server.WithMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("create socket server: %w", err)
	}

	readers := reader.FromConfig(&cfg.Readers, c, logger)
	if len(readers) == 0 {
		return errors.New("no reader backends enabled")
	}

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Run(gCtx)
	})

	for _, r := range readers {
		logger.Info("reader backend starting", slog.String("backend", r.Name()))

		g.Go(func() error {
			return r.Run(gCtx)
		})
	}

	g.Go(func() error {
		return srv.Run(gCtx)
	})

	if lk != nil {
		g.Go(func() error {
			return lk.Run(gCtx)
		})
	}

	metricsSrv := startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}

	return nil
}

// startMetricsServer registers the Prometheus endpoint goroutine.
// Returns nil when the metrics listener is disabled.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) *http.Server {
	if cfg.Addr == "" {
		logger.Debug("metrics endpoint disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)

		ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
		}

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve on %s: %w", cfg.Addr, err)
		}

		return nil
	})

	return srv
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// Only the log level is applied dynamically; socket, reader and
// credential paths need a restart. Credential file content is picked up
// continuously by the coordinator and needs no signal at all.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and
// updates the dynamic log level. Errors during reload are logged but do
// not stop the daemon -- the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the metrics HTTP server.
// The socket server and reader backends unwind via context cancellation.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if metricsSrv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}

	return nil
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
