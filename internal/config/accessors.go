package config

import (
	"time"

	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/populator"
)

// Config accessor methods with default fallbacks.

// GetCoherencyWindow returns the maximum listing age. Zero turns staleness off.
func (c *Config) GetCoherencyWindow() time.Duration {
	if c.Cache.CoherencyWindowSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Cache.CoherencyWindowSeconds) * time.Second
}

// GetSweepInterval returns the sweeper period. Zero disables the sweeper.
func (c *Config) GetSweepInterval() time.Duration {
	if c.Cache.SweepIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Cache.SweepIntervalSeconds) * time.Second
}

// GetParanoidChecking returns whether mutations are re-verified, defaulting to true.
func (c *Config) GetParanoidChecking() bool {
	if c.Cache.ParanoidChecking == nil {
		return true
	}
	return *c.Cache.ParanoidChecking
}

// GetNegativeTTL returns how long absent paths are remembered with a default fallback.
func (c *Config) GetNegativeTTL() time.Duration {
	if c.Cache.NegativeTTLSeconds <= 0 {
		return 30 * time.Second // Default: 30 seconds
	}
	return time.Duration(c.Cache.NegativeTTLSeconds) * time.Second
}

// GetQueryTimeout returns the per-attempt query timeout with a default fallback.
func (c *Config) GetQueryTimeout() time.Duration {
	if c.Metadata.QueryTimeoutSeconds <= 0 {
		return 30 * time.Second // Default: 30 seconds
	}
	return time.Duration(c.Metadata.QueryTimeoutSeconds) * time.Second
}

// GetPageSize returns the number of nodes applied per lock acquisition with a default fallback.
func (c *Config) GetPageSize() int {
	if c.Metadata.PageSize <= 0 {
		return 500 // Default: 500 nodes
	}
	return c.Metadata.PageSize
}

// GetWarmConcurrency returns the number of views warmed in parallel with a default fallback.
func (c *Config) GetWarmConcurrency() int {
	if c.Metadata.WarmConcurrency <= 0 {
		return 4 // Default: 4 views
	}
	return c.Metadata.WarmConcurrency
}

// GetWebDAVEnabled returns whether the WebDAV surface is served, defaulting to true.
func (c *Config) GetWebDAVEnabled() bool {
	if c.WebDAV.Enabled == nil {
		return true
	}
	return *c.WebDAV.Enabled
}

// ToViews converts the configured views to populator views.
func (c *Config) ToViews() []populator.View {
	views := make([]populator.View, 0, len(c.Views))
	for _, v := range c.Views {
		view := populator.View{Name: v.Name}
		for _, a := range v.Attributes {
			view.Attributes = append(view.Attributes, populator.Attribute{Name: a.Name, Type: a.Type})
		}
		views = append(views, view)
	}
	return views
}

// ToCacheConfig converts the cache section to an fscache configuration.
func (c *Config) ToCacheConfig() fscache.Config {
	cfg := fscache.DefaultConfig()
	cfg.RootPath = c.Cache.RootPath
	cfg.HighWaterMark = c.Cache.HighWaterMark
	cfg.LowWaterMark = c.Cache.LowWaterMark
	cfg.CoherencyWindow = c.GetCoherencyWindow()
	cfg.SweepInterval = c.GetSweepInterval()
	cfg.ParanoidChecking = c.GetParanoidChecking()
	return cfg
}

// ToPopulatorConfig converts the metadata and view sections to a populator configuration.
func (c *Config) ToPopulatorConfig() populator.Config {
	cfg := populator.DefaultConfig()
	cfg.Views = c.ToViews()
	cfg.QueryTimeout = c.GetQueryTimeout()
	if c.Metadata.QueryRetries >= 0 {
		cfg.QueryRetries = uint(c.Metadata.QueryRetries)
	}
	cfg.PageSize = c.GetPageSize()
	cfg.WarmConcurrency = c.GetWarmConcurrency()
	cfg.NegativeTTL = c.GetNegativeTTL()
	if c.Cache.NegativeCacheSize > 0 {
		cfg.NegativeCacheSize = c.Cache.NegativeCacheSize
	}
	return cfg
}
