package config

import (
	"log/slog"
	"time"
)

// CacheUpdater applies runtime-changeable cache settings
type CacheUpdater interface {
	SetWaterMarks(high, low int) error
	SetCoherencyWindow(d time.Duration)
	SetParanoid(enabled bool)
}

// AuthUpdater interface for components that can update authentication
type AuthUpdater interface {
	UpdateAuth(username, password string) error
}

// LoggingUpdater interface for components that can change the log level
type LoggingUpdater interface {
	UpdateLevel(level string) error
}

// ComponentRegistry holds references to updatable components
type ComponentRegistry struct {
	Cache   CacheUpdater
	WebDAV  AuthUpdater
	Logging LoggingUpdater
	logger  *slog.Logger
}

// NewComponentRegistry creates a new component registry
func NewComponentRegistry(logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	return &ComponentRegistry{
		logger: logger,
	}
}

// RegisterCache registers the cache updater
func (r *ComponentRegistry) RegisterCache(updater CacheUpdater) {
	r.Cache = updater
}

// RegisterWebDAV registers a WebDAV auth updater
func (r *ComponentRegistry) RegisterWebDAV(updater AuthUpdater) {
	r.WebDAV = updater
}

// RegisterLogging registers a logging updater
func (r *ComponentRegistry) RegisterLogging(updater LoggingUpdater) {
	r.Logging = updater
}

// ApplyUpdates applies configuration updates to all registered components.
// It has the ChangeCallback signature so it can be passed to OnConfigChange.
func (r *ComponentRegistry) ApplyUpdates(oldConfig, newConfig *Config) {
	if oldConfig == nil || newConfig == nil {
		return
	}

	if r.Logging != nil && oldConfig.Log.Level != newConfig.Log.Level {
		if err := r.Logging.UpdateLevel(newConfig.Log.Level); err != nil {
			r.logger.Error("Failed to update log level", "err", err)
		} else {
			r.logger.Info("Log level updated successfully",
				"old", oldConfig.Log.Level,
				"new", newConfig.Log.Level)
		}
	}

	if r.Cache != nil {
		if oldConfig.Cache.HighWaterMark != newConfig.Cache.HighWaterMark ||
			oldConfig.Cache.LowWaterMark != newConfig.Cache.LowWaterMark {
			if err := r.Cache.SetWaterMarks(newConfig.Cache.HighWaterMark, newConfig.Cache.LowWaterMark); err != nil {
				r.logger.Error("Failed to update water marks", "err", err)
			} else {
				r.logger.Info("Water marks updated successfully",
					"high", newConfig.Cache.HighWaterMark,
					"low", newConfig.Cache.LowWaterMark)
			}
		}

		if oldConfig.Cache.CoherencyWindowSeconds != newConfig.Cache.CoherencyWindowSeconds {
			r.Cache.SetCoherencyWindow(newConfig.GetCoherencyWindow())
			r.logger.Info("Coherency window updated successfully",
				"old", oldConfig.GetCoherencyWindow(),
				"new", newConfig.GetCoherencyWindow())
		}

		if oldConfig.GetParanoidChecking() != newConfig.GetParanoidChecking() {
			r.Cache.SetParanoid(newConfig.GetParanoidChecking())
			r.logger.Info("Paranoid checking updated successfully",
				"enabled", newConfig.GetParanoidChecking())
		}
	}

	if r.WebDAV != nil &&
		(oldConfig.WebDAV.User != newConfig.WebDAV.User || oldConfig.WebDAV.Password != newConfig.WebDAV.Password) {
		if err := r.WebDAV.UpdateAuth(newConfig.WebDAV.User, newConfig.WebDAV.Password); err != nil {
			r.logger.Error("Failed to update WebDAV authentication", "err", err)
		} else {
			r.logger.Info("WebDAV authentication updated successfully")
		}
	}
}
