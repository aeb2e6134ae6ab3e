package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/steprun/orchestrator/internal/api"
	"github.com/steprun/orchestrator/internal/config"
	"github.com/steprun/orchestrator/internal/db"
	"github.com/steprun/orchestrator/internal/docker"
	"github.com/steprun/orchestrator/internal/eventlog"
	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/js"
	"github.com/steprun/orchestrator/internal/lua"
	"github.com/steprun/orchestrator/internal/metrics"
	"github.com/steprun/orchestrator/internal/orchestrator"
	"github.com/steprun/orchestrator/internal/profile"
	"github.com/steprun/orchestrator/internal/retention"
	"github.com/steprun/orchestrator/internal/wasm"
	"github.com/steprun/orchestrator/internal/workunit"
	"github.com/steprun/orchestrator/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides CONFIG_FILE)")
	flag.Parse()

	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "steprun",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogFormat == "json",
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger hclog.Logger) (retErr error) {
	logger.Info("starting orchestrator node", "node_id", cfg.NodeID, "store", cfg.Store, "work_unit", cfg.WorkUnit)

	store, events, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			retErr = multierror.Append(retErr, fmt.Errorf("close store: %w", err))
		}
	}()

	units, closeUnits, err := buildUnits(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeUnits()

	profiles, err := cfg.ProfileSet()
	if err != nil {
		return err
	}

	hub := ws.NewHub(logger)
	col := metrics.New()

	orch, err := orchestrator.New(store, units,
		orchestrator.WithCapacity(cfg.MaxConcurrentJobs),
		orchestrator.WithMaxTargetCount(cfg.MaxTargetCount),
		orchestrator.WithGracePeriod(cfg.StopGracePeriod),
		orchestrator.WithTeardownTimeout(cfg.TeardownTimeout),
		orchestrator.WithProfiles(profiles),
		orchestrator.WithSampler(profile.NewSampler(uint64(time.Now().UnixNano()))),
		orchestrator.WithLogger(logger),
		orchestrator.WithObserver(hub),
		orchestrator.WithObserver(col),
		orchestrator.WithObserver(eventlog.NewRecorder(events, logger)),
	)
	if err != nil {
		return err
	}
	col.WatchActive(orch.Active)

	recovered, err := orch.Reconcile(context.Background())
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		logger.Warn("jobs interrupted by previous shutdown marked stopped", "count", len(recovered))
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	sweeper := retention.NewSweeper(store, events, cfg.RetentionWindow(), cfg.RetentionInterval, logger)
	go sweeper.Run(bgCtx)

	router := api.NewRouter(api.Deps{
		NodeID:       cfg.NodeID,
		WorkUnit:     cfg.WorkUnit,
		Orchestrator: orch,
		Hub:          hub,
		Metrics:      col,
		Events:       events,
		Sweeper:      sweeper,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-done:
		logger.Info("shutting down")
	case err := <-serverErr:
		retErr = multierror.Append(retErr, fmt.Errorf("server: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Close()
	if err := server.Shutdown(ctx); err != nil {
		retErr = multierror.Append(retErr, fmt.Errorf("server shutdown: %w", err))
	}
	stopBackground()
	if err := orch.Shutdown(ctx); err != nil {
		retErr = multierror.Append(retErr, err)
	}

	logger.Info("orchestrator stopped")
	return retErr
}

// openStore returns the job store and the event log. Both share one
// database; closing the job store closes it.
func openStore(cfg *config.Config, logger hclog.Logger) (job.JobStore, eventlog.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return job.NewMemoryStore(), eventlog.NewMemoryStore(), nil
	default:
		dbStore, err := db.NewStore(cfg.DataDir, db.Options{Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("open job store: %w", err)
		}
		return job.NewPersistentStore(dbStore), eventlog.NewPersistentStore(dbStore), nil
	}
}

// buildUnits returns the work unit factory selected by WORK_UNIT and a
// function releasing its resources.
func buildUnits(ctx context.Context, cfg *config.Config, logger hclog.Logger) (workunit.Factory, func(), error) {
	noop := func() {}
	switch cfg.WorkUnit {
	case config.UnitContainer:
		f, err := docker.NewUnitFactory(cfg.ContainerImage, cfg.ContainerCommand, cfg.StepTimeout)
		return f, noop, err
	case config.UnitLua:
		code, err := os.ReadFile(cfg.ScriptFile)
		if err != nil {
			return nil, noop, fmt.Errorf("read script: %w", err)
		}
		f, err := lua.NewUnitFactory(cfg.ScriptFile, string(code))
		return f, noop, err
	case config.UnitJS:
		code, err := os.ReadFile(cfg.ScriptFile)
		if err != nil {
			return nil, noop, fmt.Errorf("read script: %w", err)
		}
		f, err := js.NewUnitFactory(cfg.ScriptFile, string(code))
		return f, noop, err
	case config.UnitWasm:
		b, err := loadModule(ctx, cfg.WasmModule)
		if err != nil {
			return nil, noop, err
		}
		f, err := wasm.NewUnitFactory(ctx, b)
		if err != nil {
			return nil, noop, err
		}
		return f, func() {
			if err := f.Close(context.Background()); err != nil {
				logger.Warn("close wasm cache", "error", err)
			}
		}, nil
	default:
		if cfg.StepFailureRate > 0 {
			logger.Info("simulated steps will fail at random", "rate", cfg.StepFailureRate)
		}
		return workunit.SimulatedFactory{FailureRate: cfg.StepFailureRate}, noop, nil
	}
}

func loadModule(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		fctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		return wasm.FetchModule(fctx, location)
	}
	b, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return b, nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "steprun - step job orchestrator\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration is read from the environment (HTTP_PORT, STORE, WORK_UNIT, ...).\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  STORE=memory %s                      # Simulated steps, in-memory store\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  WORK_UNIT=lua SCRIPT_FILE=unit.lua %s\n", os.Args[0])
	}
}
