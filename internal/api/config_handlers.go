package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/javi11/metafs/internal/config"
)

// ConfigManager interface defines methods needed for configuration management
type ConfigManager interface {
	GetConfig() *config.Config
	ValidateConfig(config *config.Config) error
	ReloadConfig() error
}

// handleGetConfig returns the current configuration
func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	cfg := s.configManager.GetConfig()
	if cfg == nil {
		return RespondInternalError(c, "Configuration not available", "CONFIG_NOT_FOUND")
	}

	return RespondSuccess(c, ToConfigAPIResponse(cfg))
}

// handleReloadConfig reloads configuration from file
func (s *Server) handleReloadConfig(c *fiber.Ctx) error {
	if err := s.configManager.ReloadConfig(); err != nil {
		return RespondValidationError(c, "Failed to reload configuration", err.Error())
	}

	return RespondSuccess(c, ToConfigAPIResponse(s.configManager.GetConfig()))
}

type validationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// handleValidateConfig validates configuration without applying changes
func (s *Server) handleValidateConfig(c *fiber.Ctx) error {
	// Start from the running config so that a partial body only overrides the
	// fields it names
	cfg := s.configManager.GetConfig().DeepCopy()
	if err := c.BodyParser(cfg); err != nil {
		return RespondValidationError(c, "Invalid JSON in request body", err.Error())
	}

	result := validationResult{Valid: true}
	if err := s.configManager.ValidateConfig(cfg); err != nil {
		result = validationResult{Valid: false, Error: err.Error()}
	}
	return RespondSuccess(c, result)
}
