// Command engine runs the Apps Script Studio workflow execution engine: it
// ingests trigger webhooks, admits runs under organization quotas, executes
// workflow graphs against SaaS connectors, and meters usage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/appscript-studio/engine/internal/api"
	"github.com/appscript-studio/engine/internal/config"
	"github.com/appscript-studio/engine/internal/connector"
	"github.com/appscript-studio/engine/internal/connector/providers"
	"github.com/appscript-studio/engine/internal/dedup"
	"github.com/appscript-studio/engine/internal/events"
	"github.com/appscript-studio/engine/internal/registry"
	"github.com/appscript-studio/engine/internal/runner"
	"github.com/appscript-studio/engine/internal/scheduler"
	"github.com/appscript-studio/engine/internal/store"
	"github.com/appscript-studio/engine/internal/usage"
)

func main() {
	configPath := flag.String("config", "engine.toml", "path to TOML config")
	dev := flag.Bool("dev", false, "human-readable logs")
	flag.Parse()

	if err := run(*configPath, *dev); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run(configPath string, dev bool) error {
	mgr, err := config.NewManager(config.ExpandHome(configPath))
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	logger := newLogger(cfg.General.LogLevel, dev)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(config.ExpandHome(cfg.General.StateDB))
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := registry.New(ctx, st, registry.Catalog(), logger)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := events.NewMetrics(promReg)
	bus.Subscribe(metrics.Handle)

	httpClient := &http.Client{Timeout: cfg.HTTP.OperationTimeout.Duration}
	creds := connector.NewCredentialManager(st, httpClient, cfg.HTTP.RefreshSkew.Duration, logger)
	rates := connector.NewRateTracker(st, logger)
	client := connector.NewClient(providers.All(), connector.Options{
		HTTPClient:  httpClient,
		Credentials: creds,
		Rates:       rates,
		Retry: connector.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration,
			MaxDelay:    cfg.Retry.MaxDelay.Duration,
		},
		OperationTimeout: cfg.HTTP.OperationTimeout.Duration,
		ProviderConfig:   cfg.Providers,
		Logger:           logger,
	})

	var dedupStore dedup.Store
	switch cfg.Dedup.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Dedup.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Dedup.RedisAddr, err)
		}
		defer rdb.Close()
		dedupStore = dedup.NewRedis(rdb)
	default:
		dedupStore = dedup.NewSQLite(st)
	}

	ledger := usage.New(usage.Options{
		Store:        st,
		Bus:          bus,
		Logger:       logger,
		ThresholdPct: cfg.Usage.ThresholdPct,
		AlertBucket:  cfg.Usage.AlertBucket.Duration,
	})
	bus.Subscribe(ledger.Handle)

	run := runner.New(runner.Options{
		Store:              st,
		Registry:           reg,
		Client:             client,
		Bus:                bus,
		Logger:             logger,
		RateCard:           cfg.RateCard,
		MaxNodeParallelism: cfg.Scheduler.NodeParallelism,
		HeartbeatInterval:  cfg.General.HeartbeatInterval.Duration,
	})

	sched := scheduler.New(scheduler.Options{
		Store:            st,
		Runner:           run,
		Bus:              bus,
		Logger:           logger,
		Workers:          cfg.General.Workers,
		QueueDepth:       cfg.Scheduler.QueueDepth,
		QueueWaitTimeout: cfg.Scheduler.QueueWaitTimeout.Duration,
		ExecutionTimeout: cfg.Scheduler.ExecutionTimeout.Duration,
		InterruptWindow:  cfg.General.InterruptWindow.Duration,
		Defaults:         cfg.Defaults,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	go ledger.RunSweeper(ctx, cfg.Usage.SweepInterval.Duration, dedupStore.Sweep)

	_, mux := api.New(api.Options{
		Store:           st,
		Registry:        reg,
		Scheduler:       sched,
		Ledger:          ledger,
		Dedup:           dedupStore,
		Credentials:     creds,
		Client:          client,
		Logger:          logger,
		DedupDefaultTTL: cfg.Dedup.DefaultTTL.Duration,
		OAuth:           cfg.OAuth,
		Prometheus:      promReg,
	})

	srv := &http.Server{
		Addr:              cfg.API.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go reloadOnSIGHUP(ctx, mgr, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.API.Bind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// reloadOnSIGHUP re-reads the config file. Fields that require a restart
// (state_db, api.bind) are rejected by the manager; hot fields take effect
// for components that read through it.
func reloadOnSIGHUP(ctx context.Context, mgr *config.Manager, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := mgr.Reload(); err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			logger.Info("config reloaded")
		}
	}
}

func newLogger(level string, dev bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
