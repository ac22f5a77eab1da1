package config

import "errors"

// APIConfig contains the catalog API server configuration. The API reads
// the catalog database configured under catalog.database.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// Validate checks the API settings.
func (a *APIConfig) Validate() error {
	if a.Server.Listen == "" {
		return errors.New("server.listen is required")
	}

	if a.Server.RateLimit.Enabled && a.Server.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("server.rate_limit.requests_per_minute must be positive")
	}

	return nil
}
