package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/javi11/metafs/internal/api"
	"github.com/javi11/metafs/internal/cachefs"
	"github.com/javi11/metafs/internal/config"
	"github.com/javi11/metafs/internal/content"
	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/health"
	"github.com/javi11/metafs/internal/slogutil"
	"github.com/javi11/metafs/internal/webdav"
)

const shutdownTimeout = 30 * time.Second

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the metafs server",
		Long:  `Start the metafs API and WebDAV server using configuration from YAML file.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration first (using default logger for config loading errors)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	// Setup log rotation with the loaded configuration
	logger, leveler := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("Starting metafs server with log rotation configured",
		"log_file", cfg.Log.File,
		"log_level", cfg.Log.Level,
		"max_size_mb", cfg.Log.MaxSize,
		"max_age_days", cfg.Log.MaxAge,
		"max_backups", cfg.Log.MaxBackups,
		"compress", cfg.Log.Compress)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create config manager for dynamic configuration updates
	configManager := config.NewManager(cfg, configFile)

	store, closeStore, err := openEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open metadata engine", "err", err)
		return err
	}
	defer closeStore()

	cache, pop, err := setupCache(cfg, store)
	if err != nil {
		logger.Error("failed to create cache", "err", err)
		return err
	}

	contentStore, err := content.NewOsStore(cfg.Content.RootPath)
	if err != nil {
		logger.Error("failed to open content store", "err", err)
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		fscache.NewCollector(cache, "metafs"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	healthWorker := health.NewWorker(cache, health.WorkerConfig{
		Schedule: cfg.Maintenance.RepairSchedule,
	}, logger)

	components := config.NewComponentRegistry(logger)
	components.RegisterCache(cache)
	components.RegisterLogging(leveler)

	// Create WebDAV handler over the read-only cache view
	var webdavHandler *webdav.Handler
	if cfg.GetWebDAVEnabled() {
		webdavHandler, err = webdav.NewHandler(webdav.NewConfig(cfg.WebDAV), cachefs.New(cache, pop, contentStore))
		if err != nil {
			logger.Error("failed to create webdav handler", "err", err)
			return err
		}
		components.RegisterWebDAV(webdav.NewAuthUpdater(webdavHandler.GetAuthCredentials()))
		logger.Info("WebDAV enabled", "prefix", cfg.WebDAV.Prefix)
	} else {
		logger.Info("WebDAV is disabled in configuration")
	}

	configManager.OnConfigChange(components.ApplyUpdates)
	if err := configManager.WatchConfig(func(err error) {
		logger.Warn("Configuration reload rejected", "err", err)
	}); err != nil {
		logger.Warn("Configuration file watching disabled", "err", err)
	}

	app := createFiberApp(cfg, logger)
	deps := api.Dependencies{
		Cache:         cache,
		Populator:     pop,
		Store:         store,
		Content:       contentStore,
		ConfigManager: configManager,
		HealthWorker:  healthWorker,
		Gatherer:      registry,
	}
	if webdavHandler != nil {
		deps.WebDAV = webdavHandler
	}
	apiServer := api.NewServer(&api.Config{Prefix: cfg.API.Prefix}, deps)
	apiServer.SetupRoutes(app)
	logger.Info("API server enabled", "prefix", cfg.API.Prefix)

	// Add simple liveness endpoint for Docker health checks
	app.Get("/live", handleFiberHealth)

	server := createHTTPServer(app, webdavHandler, cfg.WebDAV.Prefix, cfg.API.Port)

	if err := cache.Start(ctx); err != nil {
		logger.Error("failed to start sweeper", "err", err)
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("Failed to stop sweeper", "err", err)
		}
	}()

	if err := healthWorker.Start(ctx); err != nil {
		logger.Error("Failed to start health worker", "error", err)
		return err
	}
	defer func() {
		if healthWorker.IsRunning() {
			_ = healthWorker.Stop()
		}
	}()

	logger.Info("Starting metafs server",
		"port", cfg.API.Port,
		"engine", cfg.Metadata.Engine,
		"views", len(cfg.Views),
		"high_water_mark", cfg.Cache.HighWaterMark,
		"low_water_mark", cfg.Cache.LowWaterMark)

	g, gctx := errgroup.WithContext(ctx)

	// Warm-up failures are logged; directories load on demand afterwards
	g.Go(func() error {
		start := time.Now()
		listed, err := pop.Warm(gctx, cfg.Cache.WarmDepth)
		if err != nil {
			logger.WarnContext(gctx, "Cache warm-up incomplete", "listed", listed, "err", err)
			return nil
		}
		logger.InfoContext(gctx, "Cache warmed",
			"listed", listed,
			"nodes", cache.Size(),
			"duration", time.Since(start))
		return nil
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		logger.Info("metafs server shutting down gracefully")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "err", err)
		return err
	}

	return nil
}
