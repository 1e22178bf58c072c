package webdav

import "github.com/javi11/metafs/internal/config"

type Config struct {
	// User is the user to access the webdav server
	User string `yaml:"username" json:"-" mapstructure:"username"`
	// Pass is the password to access the webdav server
	Pass string `yaml:"password" json:"-" mapstructure:"password"`
	// Prefix is the URL path prefix for the WebDAV server
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// NewConfig builds the handler configuration from the application config.
func NewConfig(cfg config.WebDAVConfig) *Config {
	return &Config{
		User:   cfg.User,
		Pass:   cfg.Password,
		Prefix: cfg.Prefix,
	}
}
