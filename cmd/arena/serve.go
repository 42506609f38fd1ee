package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/arena/internal/challenge"
	"github.com/jkaninda/arena/internal/config"
	"github.com/jkaninda/arena/internal/gateway"
	"github.com/jkaninda/arena/internal/gateway/httpapi"
	"github.com/jkaninda/arena/internal/observability"
	"github.com/jkaninda/arena/internal/pipeline"
	"github.com/jkaninda/arena/internal/ratelimit"
	"github.com/jkaninda/arena/internal/sandbox"
	"github.com/jkaninda/arena/internal/storage"
	pgstore "github.com/jkaninda/arena/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/arena/internal/storage/sqlite"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveAddr       string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arena HTTP server and evaluation pipeline",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `arena --config path` and `arena serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "expose OpenAPI docs")
	}
}

// runServe starts the arena: storage, challenge catalog, sandbox
// runner, evaluation pipeline, janitor, and the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("ARENA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting arena",
		slog.String("addr", cfg.Server.ListenAddr()),
		slog.String("storage", cfg.StorageDriverName()),
		slog.String("data_dir", cfg.ResolvedDataDir()),
	)

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}

	// Built-in challenge: generate the dataset on first run, register
	// the definition, and verify the digest on load.
	ch, err := challenge.EnsureDefault(cfg.ChallengesDir())
	if err != nil {
		return fmt.Errorf("preparing default challenge: %w", err)
	}
	if err := store.Challenges().Upsert(ctx, ch); err != nil {
		return fmt.Errorf("registering default challenge: %w", err)
	}
	catalog := challenge.NewCatalog()
	logger.Info("challenge ready",
		slog.String("challenge_id", ch.ID),
		slog.Int64("input_size", ch.InputSize),
	)

	// Sandbox runner.
	limits := sandbox.Limits{
		CPUSeconds:     int(cfg.Sandbox.ExecutionTimeout().Seconds()),
		MemoryMB:       cfg.Sandbox.MemoryMB(),
		Timeout:        cfg.Sandbox.ExecutionTimeout(),
		GracePeriod:    cfg.Sandbox.GracePeriod(),
		MaxOutputBytes: cfg.Sandbox.OutputBytes(),
	}
	var runner sandbox.Runner = sandbox.NewPythonRunner(sandbox.Config{
		PythonBin:     cfg.Sandbox.Python(),
		DefaultLimits: limits,
		SpawnRetries:  cfg.Sandbox.SpawnRetries,
	}, logger)
	if obs.Metrics() != nil || obs.TracerOrNil() != nil {
		runner = observability.NewInstrumentedRunner(runner, obs.Metrics(), obs.TracerOrNil())
	}

	// Rate limiter.
	limiter := ratelimit.New(ratelimit.Config{
		SubmissionsPerWindow: cfg.RateLimit.PerWindow(),
		Window:               cfg.RateLimit.Window(),
	})

	// Evaluation pipeline.
	pipe := pipeline.New(pipeline.Config{
		Workers:    cfg.Pipeline.Workers,
		QueueSize:  cfg.Pipeline.QueueSize,
		StaleAfter: cfg.Pipeline.StaleAfter(),
		Limits:     limits,
	}, store, catalog, runner, limiter, obs, logger)
	if err := pipe.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	// Janitor: reap stuck processing rows, prune limiter history.
	janitor, err := pipeline.NewJanitor(store, limiter, "", cfg.Pipeline.StaleAfter(), logger)
	if err != nil {
		return fmt.Errorf("creating janitor: %w", err)
	}
	cancelJanitor := janitor.Start(ctx)
	defer cancelJanitor()

	// Readiness probes.
	if hc := obs.HealthOrNil(); hc != nil && cfg.Observability != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			hc.AddCheck("database", store.Ping)
		}
		if cfg.Observability.Health.IncludePython {
			pythonBin := cfg.Sandbox.Python()
			hc.AddCheck("python", func(context.Context) error {
				_, err := exec.LookPath(pythonBin)
				return err
			})
		}
	}

	// HTTP gateway.
	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.ListenAddr(),
		AuthToken:     cfg.Server.AuthToken,
		EnableDocs:    serveDocs,
		HealthChecker: obs.HealthOrNil(),
		Metrics:       obs.Metrics(),
	}
	if m := obs.Metrics(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if ts := obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	var gw gateway.Gateway = httpapi.NewGateway(gwCfg, pipe, store, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	stop()
	pipe.Wait()
	obs.Shutdown(shutdownCtx)

	return nil
}

// initStore creates the storage backend selected by config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		if pg == nil {
			return nil, fmt.Errorf("storage.postgres section is required for the postgres driver")
		}
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	case storage.DriverSQLite:
		path := cfg.DatabasePath()
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        path,
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
