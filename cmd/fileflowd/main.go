package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryuqq/fileflow/internal/cache"
	"github.com/ryuqq/fileflow/internal/common"
	"github.com/ryuqq/fileflow/internal/dispatcher"
	"github.com/ryuqq/fileflow/internal/ingest"
	"github.com/ryuqq/fileflow/internal/metrics"
	"github.com/ryuqq/fileflow/internal/orchestrator"
	"github.com/ryuqq/fileflow/internal/pipeline"
	"github.com/ryuqq/fileflow/internal/policy"
	"github.com/ryuqq/fileflow/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if err := store.HealthCheck(ctx); err != nil {
		logger.Error("db health check failed", "error", err)
		os.Exit(1)
	}
	if err := store.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap schema", "error", err)
		os.Exit(1)
	}

	jobs := repository.NewJobRepository(store, logger)
	outbox := repository.NewOutboxRepository(store, logger)
	grants := cache.NewGrantCache(repository.NewGrantRepository(store, logger), logger)
	settings := cache.NewSettingsCache(repository.NewSettingsRepository(store, logger), logger)
	assets := repository.NewAssetRepository(store, logger)

	evaluator, err := policy.NewEvaluator(cfg.Policy.EvalTimeout, logger)
	if err != nil {
		logger.Error("construct policy evaluator", "error", err)
		os.Exit(1)
	}
	if err := evaluator.RegisterRule(orchestrator.ExecuteRule, cfg.Policy.ExecuteRule); err != nil {
		logger.Error("register entry rule", "error", err)
		os.Exit(1)
	}

	blobs := pipeline.NewDirBlobStore(cfg.Pipeline.BlobDir)
	validate, err := pipeline.NewValidateStage(settings, logger)
	if err != nil {
		logger.Error("construct validate stage", "error", err)
		os.Exit(1)
	}
	orch := orchestrator.New(
		jobs,
		outbox,
		evaluator,
		grants,
		blobs,
		orchestrator.Config{
			StageTimeout:   cfg.Pipeline.StageTimeout,
			AttemptBudget:  cfg.Pipeline.AttemptBudget,
			InitialBackoff: cfg.Dispatcher.InitialBackoff,
			MaxBackoff:     cfg.Dispatcher.MaxBackoff,
		},
		logger,
		validate,
		pipeline.NewMetadataStage(logger),
		pipeline.NewOCRStage(nil, settings, cfg.Pipeline.TesseractBin, "", logger),
		pipeline.NewConvertStage(cfg.Pipeline.MaxImageEdge, logger),
		pipeline.NewPersistStage(assets, logger),
	)

	disp := dispatcher.New(outbox, orch, cfg.Dispatcher, logger)

	// Debug/metrics listener.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		logger.Info("metrics listener started", "addr", cfg.Metrics.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "error", err)
		}
	}()

	// Drop-directory ingestion is optional; without roots the daemon only
	// works jobs that arrive through the outbox.
	if len(cfg.Ingest.Roots) > 0 {
		paths, watchErrs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
			Roots:       cfg.Ingest.Roots,
			InitialScan: cfg.Ingest.InitialScan,
			Debounce:    cfg.Ingest.Debounce,
		}, logger)
		if err != nil {
			logger.Error("start ingest watcher", "error", err)
			os.Exit(1)
		}
		ing := ingest.NewIngestor(blobs, orch, cfg.Ingest.TenantID, cfg.Ingest.ActorID, logger)
		go ing.Run(ctx, paths)
		go func() {
			for err := range watchErrs {
				logger.Warn("ingest watcher error", "error", err)
			}
		}()
	}

	logger.Info("fileflowd started",
		"workers", cfg.Dispatcher.Workers,
		"poll_interval", cfg.Dispatcher.PollInterval.String(),
		"driver", cfg.Database.Driver,
	)
	if err := disp.Run(ctx); err != nil {
		logger.Error("dispatcher exited", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown", "error", err)
	}
	logger.Info("fileflowd stopped")
}

func openStore(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repository.Store, error) {
	if cfg.Database.Driver == "sqlite" {
		return repository.OpenSQLite(cfg.Database.DSN, logger)
	}
	return repository.Open(ctx, cfg.Database, logger)
}
