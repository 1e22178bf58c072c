package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fLogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/javi11/metafs/internal/api"
	"github.com/javi11/metafs/internal/config"
	"github.com/javi11/metafs/internal/database"
	"github.com/javi11/metafs/internal/database/postgres"
	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/metadata"
	"github.com/javi11/metafs/internal/populator"
	"github.com/javi11/metafs/internal/webdav"
)

// openEngine opens the configured metadata engine. The returned function
// releases it.
func openEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metadata.Store, func(), error) {
	switch cfg.Metadata.Engine {
	case config.EngineSQLite:
		db, err := database.NewDB(database.Config{DatabasePath: cfg.Metadata.DatabasePath})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite engine: %w", err)
		}
		logger.Info("Metadata engine ready", "engine", cfg.Metadata.Engine, "path", cfg.Metadata.DatabasePath)
		return db.Repository, func() {
			if err := db.Close(); err != nil {
				logger.Error("Failed to close database", "err", err)
			}
		}, nil

	case config.EnginePostgres:
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.Metadata.PostgresDSN})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres engine: %w", err)
		}
		logger.Info("Metadata engine ready", "engine", cfg.Metadata.Engine)
		return store, store.Close, nil

	case config.EngineMemory:
		logger.Warn("Using the in-memory metadata engine, records are lost on exit")
		return metadata.NewMemorySource(), func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown metadata engine %q", cfg.Metadata.Engine)
}

// setupCache builds the cache and the populator that feeds it from source.
func setupCache(cfg *config.Config, source metadata.Source) (*fscache.Cache, *populator.Populator, error) {
	cache, err := fscache.New(cfg.ToCacheConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cache: %w", err)
	}

	pop, err := populator.New(cache, source, cfg.ToPopulatorConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create populator: %w", err)
	}

	return cache, pop, nil
}

// createFiberApp creates and configures the Fiber application
func createFiberApp(cfg *config.Config, logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          api.ErrorHandler(logger),
	})

	app.Use(recover.New())

	// Conditional Fiber request logging - only in debug mode
	debugMode := cfg.Log.Level == "debug"

	fiberLogger := fLogger.New()
	app.Use(func(c *fiber.Ctx) error {
		if debugMode {
			return fiberLogger(c)
		}
		return c.Next()
	})

	return app
}

// handleFiberHealth provides a lightweight liveness check endpoint
func handleFiberHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// createHTTPServer creates the HTTP server with routing
func createHTTPServer(app *fiber.App, webdavHandler *webdav.Handler, webdavPrefix string, port int) *http.Server {
	// Convert Fiber app to HTTP handler for all other routes
	fiberHTTPHandler := adaptor.FiberApp(app)

	webdavPrefix = "/" + strings.Trim(webdavPrefix, "/")

	// Create a handler that routes between WebDAV and Fiber
	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Route WebDAV requests directly to WebDAV handler
		if webdavHandler != nil && strings.HasPrefix(r.URL.Path, webdavPrefix) {
			webdavHandler.GetHTTPHandler().ServeHTTP(w, r)
			return
		}

		// Route all other requests to Fiber handler
		fiberHTTPHandler.ServeHTTP(w, r)
	})

	// Create and configure the HTTP server
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mainHandler,
		IdleTimeout:  time.Minute * 5,
		WriteTimeout: time.Minute * 30,
		ReadTimeout:  time.Minute * 5,
	}
}
