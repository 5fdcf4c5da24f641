package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mpataki/neuron/internal/config"
	"github.com/mpataki/neuron/internal/executor"
	"github.com/mpataki/neuron/internal/lua"
	"github.com/mpataki/neuron/internal/queue"
	"github.com/mpataki/neuron/internal/scheduler"
	"github.com/mpataki/neuron/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, err := newLogger(cfg.Settings.LogLevel, cfg.Settings.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// A second signal terminates immediately.
		stop()
	}()

	return startWorker(ctx, cfg, logger)
}

func startWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting neuron",
		"version", version,
		"config", cfg.Source,
		"server_url", cfg.Settings.ServerURL,
		"agent", cfg.Agent.Type,
		"max_concurrent", cfg.Settings.MaxConcurrent,
	)

	var journal scheduler.Journal
	if cfg.Settings.JournalPath != "" {
		store, err := openJournal(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		journal = store
	}

	var script *lua.ArgBuilder
	if cfg.Agent.Script != "" {
		var err error
		script, err = lua.Load(cfg.Agent.Script)
		if err != nil {
			return fmt.Errorf("failed to load agent script: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tracker := stats.NewTracker(stats.MustNewMetrics(reg))

	exe := executor.New(executor.Options{
		AllowDangerous: cfg.Settings.AllowDangerous,
		DefaultWorkDir: cfg.Settings.DefaultWorkDir,
		DefaultTimeout: cfg.DefaultTimeout(),
		NoiseMarkers:   cfg.Settings.NoiseMarkers,
		Script:         script,
	}, logger)

	client := queue.NewClient(cfg.Settings.ServerURL, cfg.Token)

	hostname, _ := os.Hostname()
	id, err := scheduler.Register(ctx, client, queue.RegisterRequest{
		Wallet:   cfg.Wallet,
		Token:    cfg.Token,
		Skills:   cfg.Skills,
		Agent:    cfg.Agent.Type,
		Hostname: hostname,
	}, scheduler.RegisterOptions{
		Base: cfg.PollInterval(),
		Max:  cfg.MaxRegisterBackoff(),
	}, logger)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("shutdown before registration completed")
			return nil
		}
		return err
	}

	sched := scheduler.New(scheduler.Options{
		MaxConcurrent:  cfg.Settings.MaxConcurrent,
		PollBase:       cfg.PollInterval(),
		PollMax:        cfg.MaxPollBackoff(),
		SubmitAttempts: cfg.Settings.SubmitAttempts,
		SubmitMetadata: cfg.Settings.SubmitMetadata,
		Profile:        cfg.Agent,
		Journal:        journal,
	}, client, exe, tracker, logger)
	aggregator := stats.NewAggregator(tracker, cfg.StatsInterval(), logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		aggregator.Run(gctx)
		return nil
	})

	if cfg.Settings.MetricsAddr != "" {
		srv := newMetricsServer(cfg.Settings.MetricsAddr, reg)
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return sched.Run(gctx, id)
	})

	err = g.Wait()
	aggregator.Emit()
	if err != nil {
		return err
	}
	logger.Info("neuron stopped")
	return nil
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
