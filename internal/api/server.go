package api

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javi11/metafs/internal/content"
	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/health"
	"github.com/javi11/metafs/internal/metadata"
	"github.com/javi11/metafs/internal/populator"
	"github.com/javi11/metafs/internal/webdav"
)

// Config represents API server configuration
type Config struct {
	Prefix string // API path prefix (default: "/api")
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Prefix: "/api",
	}
}

// WebDAVStats is implemented by the WebDAV handler.
type WebDAVStats interface {
	Stats() webdav.Stats
}

// Dependencies bundles what the API serves. Only Cache and Populator are
// required; routes backed by a missing dependency are not registered.
type Dependencies struct {
	Cache         *fscache.Cache
	Populator     *populator.Populator
	Store         metadata.Store
	Content       *content.Store
	ConfigManager ConfigManager
	WebDAV        WebDAVStats
	HealthWorker  *health.Worker
	Gatherer      prometheus.Gatherer
}

// Server represents the API server
type Server struct {
	config        *Config
	cache         *fscache.Cache
	pop           *populator.Populator
	store         metadata.Store
	content       *content.Store
	configManager ConfigManager
	webdav        WebDAVStats
	healthWorker  *health.Worker
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	startTime     time.Time
}

// NewServer creates a new API server
func NewServer(config *Config, deps Dependencies) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	return &Server{
		config:        config,
		cache:         deps.Cache,
		pop:           deps.Populator,
		store:         deps.Store,
		content:       deps.Content,
		configManager: deps.ConfigManager,
		webdav:        deps.WebDAV,
		healthWorker:  deps.HealthWorker,
		gatherer:      deps.Gatherer,
		logger:        slog.Default(),
		startTime:     time.Now(),
	}
}

// SetupRoutes registers every API route on app under the configured prefix.
func (s *Server) SetupRoutes(app *fiber.App) {
	s.RegisterRoutes(app.Group(s.config.Prefix))
}

// RegisterRoutes registers the API routes on an existing router group
func (s *Server) RegisterRoutes(api fiber.Router) {
	// Cache endpoints
	api.Get("/cache/stats", s.handleGetCacheStats)
	api.Post("/cache/check", s.handleCheckCache)
	api.Post("/cache/sweep", s.handleSweepCache)
	api.Get("/cache/locations/:oid", s.handleGetLocations)

	// Filesystem endpoints
	api.Get("/fs/stat", s.handleStat)
	api.Get("/fs/list", s.handleList)
	api.Delete("/fs/entries", s.handleRemoveEntry)
	api.Delete("/fs/objects/:oid", s.handleRemoveObject)
	if s.content != nil {
		api.Get("/fs/content", s.handleGetContent)
	}

	if s.healthWorker != nil {
		api.Get("/health/worker/status", s.handleGetHealthWorkerStatus)
	}

	// System endpoints
	api.Get("/system/status", s.handleGetSystemStatus)

	// Configuration endpoints (if config manager is available)
	if s.configManager != nil {
		api.Get("/config", s.handleGetConfig)
		api.Post("/config/reload", s.handleReloadConfig)
		api.Post("/config/validate", s.handleValidateConfig)
	}

	if s.gatherer != nil {
		api.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// handleGetSystemStatus handles GET /api/system/status
func (s *Server) handleGetSystemStatus(c *fiber.Ctx) error {
	views := s.pop.Views()
	names := make([]string, len(views))
	for i, v := range views {
		names[i] = v.Name
	}

	resp := SystemStatusResponse{
		Status:        "ok",
		StartTime:     s.startTime,
		Uptime:        time.Since(s.startTime).Truncate(time.Second).String(),
		GoVersion:     runtime.Version(),
		Cache:         s.cache.Stats(),
		Views:         names,
		SweeperActive: s.cache.Sweeper().IsRunning(),
	}
	if s.webdav != nil {
		stats := s.webdav.Stats()
		resp.WebDAV = &stats
	}

	return RespondSuccess(c, resp)
}

// handleGetHealthWorkerStatus handles GET /api/health/worker/status
func (s *Server) handleGetHealthWorkerStatus(c *fiber.Ctx) error {
	return RespondSuccess(c, s.healthWorker.GetStats())
}
