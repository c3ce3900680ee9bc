package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"listing-history/config"
	"listing-history/metrics"
	"listing-history/models"
	"listing-history/services"
	"listing-history/storage"
	"listing-history/utils"
)

// Exit codes read by the scheduler.
const (
	exitOK           = 0
	exitQualityIssue = 1
	exitSetupError   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitSetupError
	}

	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	logger.Info("=== Listing history loader starting ===")
	logger.Info("Config: store=%s | csv=%s | concurrency=%d | retries=%d | unit timeout=%v",
		cfg.Store, cfg.CleanedCSV, cfg.MaxConcurrency, cfg.MaxRetries, cfg.UnitTimeout())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open %s store: %v", cfg.Store, err)
		return exitSetupError
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to prepare schema: %v", err)
		return exitSetupError
	}

	src, err := storage.NewCSVReader(cfg.CleanedCSV, time.Now())
	if err != nil {
		logger.Error("Failed to open cleaned CSV: %v", err)
		return exitSetupError
	}
	defer src.Close()

	orchestrator := services.NewOrchestrator(store, logger, m, services.IngestOptions{
		MaxConcurrency:  cfg.MaxConcurrency,
		MaxRetries:      cfg.MaxRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay(),
		UnitTimeout:     cfg.UnitTimeout(),
		DescriptionLang: cfg.DescriptionLang,
	})
	loader := services.NewLoader(store,
		orchestrator,
		services.NewRefresher(store, logger, m),
		services.NewQualityGate(store, cfg.Quality, logger, m),
		logger)

	res, err := loader.Run(ctx, src, time.Now())
	services.PrintSummary(os.Stdout, res)
	if err != nil {
		if errors.Is(err, models.ErrRefreshFailure) {
			logger.Error("Current projection is stale: %v", err)
		} else {
			logger.Error("Load failed: %v", err)
		}
		return exitSetupError
	}
	if !res.Quality.Passed() {
		return exitQualityIssue
	}
	return exitOK
}

func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.Store, error) {
	if cfg.Store == "memory" {
		logger.Warn("Using the in-memory store: nothing will be persisted")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, cfg.DSN(), cfg.MaxConcurrency+2, logger)
}

func startMetricsServer(addr string, m *metrics.Metrics, logger *utils.Logger) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped: %v", err)
		}
	}()
	return srv
}
