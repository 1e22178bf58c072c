package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/jinzhu/copier"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/javi11/metafs/internal/populator"
)

// Config represents the complete application configuration
type Config struct {
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache" json:"cache"`
	Metadata    MetadataConfig    `yaml:"metadata" mapstructure:"metadata" json:"metadata"`
	Views       []ViewConfig      `yaml:"views" mapstructure:"views" json:"views"`
	Content     ContentConfig     `yaml:"content" mapstructure:"content" json:"content"`
	API         APIConfig         `yaml:"api" mapstructure:"api" json:"api"`
	WebDAV      WebDAVConfig      `yaml:"webdav" mapstructure:"webdav" json:"webdav"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance" json:"maintenance"`
	Log         LogConfig         `yaml:"log" mapstructure:"log" json:"log"`
}

// CacheConfig represents the filesystem metadata cache configuration
type CacheConfig struct {
	Backend                string `yaml:"backend" mapstructure:"backend" json:"backend"`
	RootPath               string `yaml:"root_path" mapstructure:"root_path" json:"root_path"`
	HighWaterMark          int    `yaml:"high_water_mark" mapstructure:"high_water_mark" json:"high_water_mark"`
	LowWaterMark           int    `yaml:"low_water_mark" mapstructure:"low_water_mark" json:"low_water_mark"`
	CoherencyWindowSeconds int    `yaml:"coherency_window_seconds" mapstructure:"coherency_window_seconds" json:"coherency_window_seconds"`
	SweepIntervalSeconds   int    `yaml:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	ParanoidChecking       *bool  `yaml:"paranoid_checking" mapstructure:"paranoid_checking" json:"paranoid_checking"`
	NegativeCacheSize      int    `yaml:"negative_cache_size" mapstructure:"negative_cache_size" json:"negative_cache_size"`
	NegativeTTLSeconds     int    `yaml:"negative_ttl_seconds" mapstructure:"negative_ttl_seconds" json:"negative_ttl_seconds"`
	WarmDepth              int    `yaml:"warm_depth" mapstructure:"warm_depth" json:"warm_depth"`
}

// MetadataConfig represents the metadata query engine configuration
type MetadataConfig struct {
	Engine              string `yaml:"engine" mapstructure:"engine" json:"engine"`
	DatabasePath        string `yaml:"database_path" mapstructure:"database_path" json:"database_path"`
	PostgresDSN         string `yaml:"postgres_dsn" mapstructure:"postgres_dsn" json:"-"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds" mapstructure:"query_timeout_seconds" json:"query_timeout_seconds"`
	QueryRetries        int    `yaml:"query_retries" mapstructure:"query_retries" json:"query_retries"`
	PageSize            int    `yaml:"page_size" mapstructure:"page_size" json:"page_size"`
	WarmConcurrency     int    `yaml:"warm_concurrency" mapstructure:"warm_concurrency" json:"warm_concurrency"`
}

// ViewConfig represents one attribute hierarchy under the cache root
type ViewConfig struct {
	Name       string            `yaml:"name" mapstructure:"name" json:"name"`
	Attributes []AttributeConfig `yaml:"attributes" mapstructure:"attributes" json:"attributes"`
}

// AttributeConfig represents one level of a view
type AttributeConfig struct {
	Name string `yaml:"name" mapstructure:"name" json:"name"`
	Type string `yaml:"type" mapstructure:"type" json:"type"`
}

// ContentConfig represents the content store configuration
type ContentConfig struct {
	RootPath string `yaml:"root_path" mapstructure:"root_path" json:"root_path"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Port   int    `yaml:"port" mapstructure:"port" json:"port"`
	Prefix string `yaml:"prefix" mapstructure:"prefix" json:"prefix"`
}

// WebDAVConfig represents WebDAV server configuration
type WebDAVConfig struct {
	Enabled  *bool  `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix" json:"prefix"`
	User     string `yaml:"user" mapstructure:"user" json:"user"`
	Password string `yaml:"password" mapstructure:"password" json:"-"`
}

// MaintenanceConfig represents scheduled maintenance configuration
type MaintenanceConfig struct {
	RepairSchedule string `yaml:"repair_schedule" mapstructure:"repair_schedule" json:"repair_schedule"` // cron spec, empty disables
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file" json:"file"`                      // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level" json:"level"`                   // Log level (debug, info, warn, error)
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size" json:"max_size"`          // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age" json:"max_age"`             // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress" json:"compress"`          // Compress old log files
}

const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineMemory   = "memory"

	BackendMemory = "memory"
)

// DeepCopy returns a deep copy of the configuration
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	copyCfg := &Config{}
	if err := copier.CopyWithOption(copyCfg, c, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched types, which cannot happen here
		panic(fmt.Sprintf("failed to copy config: %v", err))
	}

	return copyCfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cache.Backend != BackendMemory {
		return fmt.Errorf("cache backend must be %q", BackendMemory)
	}

	if !strings.HasPrefix(c.Cache.RootPath, "/") {
		return fmt.Errorf("cache root_path must be absolute")
	}

	if c.Cache.HighWaterMark <= 0 {
		return fmt.Errorf("cache high_water_mark must be greater than 0")
	}

	if c.Cache.LowWaterMark < 0 || c.Cache.LowWaterMark >= c.Cache.HighWaterMark {
		return fmt.Errorf("cache low_water_mark must be between 0 and high_water_mark")
	}

	if c.Cache.CoherencyWindowSeconds < 0 {
		return fmt.Errorf("cache coherency_window_seconds must be non-negative")
	}

	if c.Cache.SweepIntervalSeconds < 0 {
		return fmt.Errorf("cache sweep_interval_seconds must be non-negative")
	}

	if c.Cache.NegativeCacheSize < 0 {
		return fmt.Errorf("cache negative_cache_size must be non-negative")
	}

	if c.Cache.WarmDepth < 0 {
		return fmt.Errorf("cache warm_depth must be non-negative")
	}

	switch c.Metadata.Engine {
	case EngineSQLite:
		if c.Metadata.DatabasePath == "" {
			return fmt.Errorf("metadata database_path cannot be empty for the sqlite engine")
		}
	case EnginePostgres:
		if c.Metadata.PostgresDSN == "" {
			return fmt.Errorf("metadata postgres_dsn cannot be empty for the postgres engine")
		}
	case EngineMemory:
	default:
		return fmt.Errorf("metadata engine must be one of: sqlite, postgres, memory")
	}

	if c.Metadata.QueryRetries < 0 {
		return fmt.Errorf("metadata query_retries must be non-negative")
	}

	if c.Metadata.PageSize < 0 {
		return fmt.Errorf("metadata page_size must be non-negative")
	}

	if err := populator.ValidateViews(c.ToViews()); err != nil {
		return fmt.Errorf("views: %w", err)
	}

	if c.Content.RootPath == "" {
		return fmt.Errorf("content root_path cannot be empty")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api port must be between 1 and 65535")
	}

	if c.GetWebDAVEnabled() {
		prefix := "/" + strings.Trim(c.WebDAV.Prefix, "/")
		if prefix == "/" {
			return fmt.Errorf("webdav prefix cannot be the server root")
		}
		if prefix == "/"+strings.Trim(c.API.Prefix, "/") {
			return fmt.Errorf("webdav prefix must differ from the api prefix")
		}
	}

	if c.Maintenance.RepairSchedule != "" {
		if _, err := cron.ParseStandard(c.Maintenance.RepairSchedule); err != nil {
			return fmt.Errorf("maintenance repair_schedule is invalid: %w", err)
		}
	}

	if c.Log.Level != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		isValid := false
		for _, level := range validLevels {
			if c.Log.Level == level {
				isValid = true
				break
			}
		}
		if !isValid {
			return fmt.Errorf("log.level must be one of: debug, info, warn, error")
		}
	}

	if c.Log.MaxSize < 0 {
		return fmt.Errorf("log.max_size must be non-negative")
	}

	if c.Log.MaxAge < 0 {
		return fmt.Errorf("log.max_age must be non-negative")
	}

	if c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups must be non-negative")
	}

	return nil
}

// ChangeCallback represents a function called when configuration changes
type ChangeCallback func(oldConfig, newConfig *Config)

// ConfigGetter represents a function that returns the current configuration
type ConfigGetter func() *Config

// Manager manages configuration state and persistence
type Manager struct {
	current    *Config
	configFile string
	mutex      sync.RWMutex
	callbacks  []ChangeCallback
}

// NewManager creates a new configuration manager
func NewManager(config *Config, configFile string) *Manager {
	return &Manager{
		current:    config,
		configFile: configFile,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// GetConfigGetter returns a function that provides the current configuration
func (m *Manager) GetConfigGetter() ConfigGetter {
	return m.GetConfig
}

// UpdateConfig updates the current configuration (thread-safe)
func (m *Manager) UpdateConfig(config *Config) error {
	m.mutex.Lock()
	// Take a deep copy of the old config so callbacks get an immutable snapshot
	var oldConfig *Config
	if m.current != nil {
		oldConfig = m.current.DeepCopy()
	}
	m.current = config
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mutex.Unlock()

	// Notify callbacks after releasing the lock
	for _, callback := range callbacks {
		callback(oldConfig, config)
	}
	return nil
}

// OnConfigChange registers a callback to be called when configuration changes
func (m *Manager) OnConfigChange(callback ChangeCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ValidateConfigUpdate validates configuration updates with additional restrictions.
// Only the water marks, coherency window, paranoid flag, log level and WebDAV
// credentials can change on a running server.
func (m *Manager) ValidateConfigUpdate(newConfig *Config) error {
	// First run standard validation
	if err := newConfig.Validate(); err != nil {
		return err
	}

	// Get current config for comparison
	m.mutex.RLock()
	currentConfig := m.current
	m.mutex.RUnlock()

	if currentConfig == nil {
		return nil
	}

	if newConfig.Cache.Backend != currentConfig.Cache.Backend ||
		newConfig.Cache.RootPath != currentConfig.Cache.RootPath {
		return fmt.Errorf("cache backend and root_path cannot be changed at runtime - requires server restart")
	}

	if newConfig.Cache.SweepIntervalSeconds != currentConfig.Cache.SweepIntervalSeconds ||
		newConfig.Cache.NegativeCacheSize != currentConfig.Cache.NegativeCacheSize ||
		newConfig.Cache.NegativeTTLSeconds != currentConfig.Cache.NegativeTTLSeconds {
		return fmt.Errorf("cache sweep and negative cache settings cannot be changed at runtime - requires server restart")
	}

	if newConfig.Metadata != currentConfig.Metadata {
		return fmt.Errorf("metadata settings cannot be changed at runtime - requires server restart")
	}

	if !viewsEqual(newConfig.Views, currentConfig.Views) {
		return fmt.Errorf("views cannot be changed at runtime - requires server restart")
	}

	if newConfig.Content != currentConfig.Content {
		return fmt.Errorf("content root_path cannot be changed at runtime - requires server restart")
	}

	if newConfig.API != currentConfig.API {
		return fmt.Errorf("api settings cannot be changed at runtime - requires server restart")
	}

	if newConfig.GetWebDAVEnabled() != currentConfig.GetWebDAVEnabled() ||
		newConfig.WebDAV.Prefix != currentConfig.WebDAV.Prefix {
		return fmt.Errorf("webdav enabled and prefix cannot be changed at runtime - requires server restart")
	}

	if newConfig.Maintenance != currentConfig.Maintenance {
		return fmt.Errorf("maintenance schedule cannot be changed at runtime - requires server restart")
	}

	if newConfig.Log.File != currentConfig.Log.File {
		return fmt.Errorf("log file cannot be changed at runtime - requires server restart")
	}

	return nil
}

func viewsEqual(a, b []ViewConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].Attributes) != len(b[i].Attributes) {
			return false
		}
		for j := range a[i].Attributes {
			if a[i].Attributes[j] != b[i].Attributes[j] {
				return false
			}
		}
	}
	return true
}

// ValidateConfig validates the configuration using existing validation logic
func (m *Manager) ValidateConfig(config *Config) error {
	return config.Validate()
}

// ReloadConfig reloads configuration from file and applies it when only
// runtime-changeable settings differ.
func (m *Manager) ReloadConfig() error {
	config, err := LoadConfig(m.configFile)
	if err != nil {
		return err
	}

	if err := m.ValidateConfigUpdate(config); err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}

	return m.UpdateConfig(config)
}

// WatchConfig reloads the configuration whenever the file changes. Reload
// failures are passed to onError and leave the current configuration in place.
func (m *Manager) WatchConfig(onError func(error)) error {
	if m.configFile == "" {
		return fmt.Errorf("no config file to watch")
	}

	v := viper.New()
	v.SetConfigFile(m.configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", m.configFile, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.ReloadConfig(); err != nil && onError != nil {
			onError(err)
		}
	})
	v.WatchConfig()

	return nil
}

// SaveConfig saves the current configuration to file
func (m *Manager) SaveConfig() error {
	m.mutex.RLock()
	config := m.current
	m.mutex.RUnlock()

	if config == nil {
		return fmt.Errorf("no configuration to save")
	}

	return SaveToFile(config, m.configFile)
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	paranoid := true
	webdavEnabled := true

	return &Config{
		Cache: CacheConfig{
			Backend:                BackendMemory,
			RootPath:               "/",
			HighWaterMark:          100000,
			LowWaterMark:           80000,
			CoherencyWindowSeconds: 300,
			SweepIntervalSeconds:   60,
			ParanoidChecking:       &paranoid,
			NegativeCacheSize:      10000,
			NegativeTTLSeconds:     30,
			WarmDepth:              1,
		},
		Metadata: MetadataConfig{
			Engine:              EngineSQLite,
			DatabasePath:        "metafs.db",
			QueryTimeoutSeconds: 30,
			QueryRetries:        2,
			PageSize:            500,
			WarmConcurrency:     4,
		},
		Views: []ViewConfig{
			{
				Name: "all",
				Attributes: []AttributeConfig{
					{Name: "name", Type: "string"},
				},
			},
		},
		Content: ContentConfig{
			RootPath: "./objects",
		},
		API: APIConfig{
			Port:   8080,
			Prefix: "/api",
		},
		WebDAV: WebDAVConfig{
			Enabled:  &webdavEnabled,
			Prefix:   "/webdav",
			User:     "metafs",
			Password: "metafs",
		},
		Maintenance: MaintenanceConfig{
			RepairSchedule: "@every 1h",
		},
		Log: LogConfig{
			File:       "",     // Empty = console only
			Level:      "info", // Default log level
			MaxSize:    100,    // 100MB max size
			MaxAge:     30,     // Keep for 30 days
			MaxBackups: 10,     // Keep 10 old files
			Compress:   true,   // Compress old files
		},
	}
}

// SaveToFile saves a configuration to a YAML file
func SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	// Ensure the directory exists
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfig loads configuration from file and merges with defaults.
// METAFS_* environment variables override file values, e.g.
// METAFS_CACHE_HIGH_WATER_MARK.
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("metafs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Look for config file in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/metafs")
	}

	// Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if configFile != "" {
			// If a specific config file was provided but couldn't be read, return error
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		// No config file found - return helpful error
		return nil, fmt.Errorf("no configuration file found. Please create config.yaml or use --config flag")
	}

	// Configured views replace the default view instead of merging into it
	if v.IsSet("views") {
		config.Views = nil
	}

	// Unmarshal the config
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}
