package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/soundleaf/offline_sync/internal/analytics"
	"github.com/soundleaf/offline_sync/internal/blob"
	"github.com/soundleaf/offline_sync/internal/catalog"
	"github.com/soundleaf/offline_sync/internal/cleanup"
	"github.com/soundleaf/offline_sync/internal/config"
	"github.com/soundleaf/offline_sync/internal/http/rest"
	"github.com/soundleaf/offline_sync/internal/logctx"
	"github.com/soundleaf/offline_sync/internal/playback"
	"github.com/soundleaf/offline_sync/internal/queue"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/smart"
	"github.com/soundleaf/offline_sync/internal/storage/sqlite"
	"github.com/soundleaf/offline_sync/internal/telemetry"
	"github.com/soundleaf/offline_sync/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "offline_sync"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("offline sync engine starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     true,
		ServiceName: serviceName,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer tel.Shutdown(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	queues := sqlite.NewInstrumentedQueueRepository(database, tel)
	limits := sqlite.NewDeviceLimitRepository(database)
	sessions := sqlite.NewSessionRepository(database)
	predictions := sqlite.NewPredictionRepository(database)

	// =========================================================================
	// Start Services
	files := blob.NewLocal(cfg.DownloadDir)
	quotaSvc := quota.NewService(limits, quota.NewStaticPlanResolver())

	httpClient := &http.Client{
		Timeout:   10 * time.Minute,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	tc := transfer.NewInstrumentedClient(transfer.NewHTTPClient(cfg.CDNBaseURL, httpClient), tel)

	processor := queue.NewProcessor(
		downloads,
		queues,
		quotaSvc,
		catalog.NewHTTPResolver(cfg.CatalogBaseURL),
		tc,
		files,
		tel,
		queue.Config{
			MaxConcurrent:        cfg.MaxConcurrentDownloads,
			MaxRetries:           cfg.MaxRetries,
			RetryInitialInterval: 500 * time.Millisecond,
			LeaseTTL:             cfg.LeaseTTL,
			ProgressInterval:     512 * 1024,
		},
	)

	var sink analytics.Sink = analytics.SlogSink{}
	if cfg.AnalyticsURL != "" {
		sink = &analytics.WebhookSink{URL: cfg.AnalyticsURL}
	}

	metrics := smart.NewMetrics(predictions, sink, tel, cfg.PlayAttributionWindow)
	playbackSvc := playback.NewService(downloads, sessions, files, metrics)
	cleanupSvc := cleanup.NewService(downloads, limits, quotaSvc, files, tel)

	personalization := smart.NewHTTPClient(cfg.RecommenderBaseURL)
	smartSvc := smart.NewService(
		smart.NewCachedPreferences(personalization, cfg.PrefsCacheTTL),
		quotaSvc,
		downloads,
		personalization,
		personalization,
		personalization,
		processor,
		metrics,
		sink,
		tel,
		smart.Config{HeadroomPercent: cfg.StorageHeadroomPercent, DefaultMaxSongs: 10},
	)

	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue processor: %w", err)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, rest.NewDownloadHandler(processor, playbackSvc, quotaSvc, cleanupSvc, smartSvc, metrics))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Background Sweeps
	go runCleanupSweep(ctx, cfg, limits, cleanupSvc)
	go runSmartSweep(ctx, cfg, limits, smartSvc)

	logger.Info("waiting for download requests...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrentDownloads,
		"cleanup_interval", cfg.CleanupInterval.String(),
		"smart_interval", cfg.SmartDownloadInterval.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the ops endpoints and the device API.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, handler *rest.DownloadHandler) *http.Server {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/v1", otelhttp.NewHandler(handler.Routes(), "api"))

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// runCleanupSweep periodically enforces quotas on every active device and
// logs any storage warnings it finds.
func runCleanupSweep(ctx context.Context, cfg *config.Config, limits *sqlite.DeviceLimitRepository, svc *cleanup.Service) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup sweep shutting down.")

			return
		case <-ticker.C:
			active, err := limits.ListActiveDeviceLimits(ctx)
			if err != nil {
				logger.Error("failed to list active devices for cleanup", "err", err)

				continue
			}

			for _, limit := range active {
				result, err := svc.EnforceStorageLimits(ctx, limit.UserID, limit.DeviceID)
				if err != nil {
					logger.Error("cleanup failed", "user_id", limit.UserID, "device_id", limit.DeviceID, "err", err)

					continue
				}

				if result.CleanedFiles > 0 {
					logger.Info("evicted downloads",
						"user_id", limit.UserID,
						"device_id", limit.DeviceID,
						"cleaned_files", result.CleanedFiles,
						"freed_space", result.FreedSpace,
					)
				}

				warning, err := svc.CheckStorageWarnings(ctx, limit.UserID, limit.DeviceID)
				if err != nil {
					logger.Error("warning check failed", "user_id", limit.UserID, "device_id", limit.DeviceID, "err", err)

					continue
				}

				if warning != nil {
					logger.Warn("storage warning",
						"user_id", limit.UserID,
						"device_id", limit.DeviceID,
						"type", warning.Type,
						"message", warning.Message,
					)
				}
			}
		}
	}
}

// runSmartSweep periodically runs a prefetch cycle for every active device.
// Failures are logged and never interrupt the sweep.
func runSmartSweep(ctx context.Context, cfg *config.Config, limits *sqlite.DeviceLimitRepository, svc *smart.Service) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.SmartDownloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("smart download sweep shutting down.")

			return
		case <-ticker.C:
			active, err := limits.ListActiveDeviceLimits(ctx)
			if err != nil {
				logger.Error("failed to list active devices for smart downloads", "err", err)

				continue
			}

			for _, limit := range active {
				result, err := svc.PredictAndDownload(ctx, limit.UserID, limit.DeviceID, smart.Options{})
				if err != nil {
					logger.Error("smart download cycle failed", "user_id", limit.UserID, "device_id", limit.DeviceID, "err", err)

					continue
				}

				if len(result.DownloadedSongs) > 0 {
					logger.Info("smart downloads admitted",
						"user_id", limit.UserID,
						"device_id", limit.DeviceID,
						"count", len(result.DownloadedSongs),
					)
				}
			}
		}
	}
}
