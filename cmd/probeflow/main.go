package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"probeflow/internal/api"
	"probeflow/internal/backend"
	"probeflow/internal/config"
	"probeflow/internal/control"
	"probeflow/internal/events"
	"probeflow/internal/logging"
	"probeflow/internal/metrics"
	"probeflow/internal/orchestrator"
	"probeflow/internal/report"
	"probeflow/internal/scheduler"
	"probeflow/internal/store"
)

func main() {
	envErr := godotenv.Load()

	defaultConfig := "probeflow.yaml"
	if v := os.Getenv("PROBEFLOW_CONFIG"); v != "" {
		defaultConfig = v
	}
	var (
		configPath = flag.String("config", defaultConfig, "YAML config path")
		addr       = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath     = flag.String("db", "", "SQLite DB path (overrides config)")
		debug      = flag.Bool("debug", false, "expose pprof routes")
	)
	flag.Parse()

	cfg, cfgErr := config.Load(*configPath)
	cfg.ApplyEnv()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logCloser := logging.Setup(cfg.Log, os.Stdout)
	defer logCloser.Close()
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn().Err(envErr).Msg("load .env")
	}
	if cfgErr != nil {
		log.Warn().Err(cfgErr).Msg("configuration adjusted")
	}

	if err := run(cfg, *debug); err != nil {
		log.Error().Err(err).Msg("probeflow exited")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, debug bool) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	results := store.NewSQLiteStore(db)
	agg := report.NewAggregator(results)
	bus := events.NewBus(256)
	defer bus.Close()

	be := backend.New(nil, cfg.DefaultTimeout(), filepath.Join(cfg.ReportsDir, "artifacts"))
	registerRunners(be, cfg)
	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		DefaultMaxRetries:  cfg.DefaultMaxRetries,
		RetryDelay:         cfg.RetryDelay,
		MaxQueued:          cfg.MaxQueued,
	}, be, agg, bus)

	sched := scheduler.NewService(orch, cfg.Schedule)
	m := metrics.New(orch.Stats)
	hub := control.NewHub(orch, func(ctx context.Context) (any, error) {
		return agg.Status(ctx, orch)
	}, bus, cfg.Control.RatePerSecond, cfg.Control.Burst)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Orchestrator: orch,
			Reports:      agg,
			Results:      results,
			Schedules:    sched,
			Metrics:      m.Handler(),
			Control:      hub,
			ReportsDir:   cfg.ReportsDir,
			Debug:        debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	orch.Start(gctx)
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error {
		m.Run(gctx, bus)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		orch.StopAll()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	orch.Wait()
	return err
}
