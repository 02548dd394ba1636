// Package config loads agentgate's configuration from environment
// variables via github.com/caarlos0/env. Required values that would leave
// the gateway unable to protect credentials (the encryption key, the
// session secret) abort startup with a config_error rather than falling
// back to an insecure default.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/wisbric/agentgate/internal/cryptobox"
	"github.com/wisbric/agentgate/internal/gwerr"
)

// Config holds all application configuration, loaded from environment
// variables once at startup.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3000"`

	// EncryptionKey seeds the credential vault's AEAD box. Required:
	// accepted as hex or standard base64, must decode to 32 bytes.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// SessionSecret is required at startup but is not read by any other
	// component; session ids are opaque CSPRNG tokens and are not signed.
	SessionSecret  string `env:"SESSION_SECRET"`
	SessionTTLSecs int    `env:"SESSION_TTL_SECS" envDefault:"3600"`

	ServicesConfigPath string `env:"SERVICES_CONFIG_PATH" envDefault:"config/services.json"`
	CredentialsPath    string `env:"CREDENTIALS_PATH" envDefault:"data/credentials.json"`
	UsersPath          string `env:"USERS_PATH" envDefault:"data/users.json"`
	AgentsPath         string `env:"AGENTS_PATH" envDefault:"data/agents.json"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	RateLimitDefaultMax        int `env:"RATE_LIMIT_DEFAULT_MAX" envDefault:"200"`
	RateLimitDefaultWindowSecs int `env:"RATE_LIMIT_DEFAULT_WINDOW_SECS" envDefault:"60"`
	RefreshThresholdSecs       int `env:"REFRESH_THRESHOLD_SECS" envDefault:"60"`
	RefreshDefaultLifetimeSecs int `env:"REFRESH_DEFAULT_LIFETIME_SECS" envDefault:"3600"`
	UpstreamTimeoutSecs        int `env:"UPSTREAM_TIMEOUT_SECS" envDefault:"30"`
	RefreshTimeoutSecs         int `env:"REFRESH_TIMEOUT_SECS" envDefault:"15"`

	// Slack (optional — absence disables the notifier, never fatal).
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`
}

// Load reads configuration from environment variables and validates the
// required security material.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, gwerr.NewConfigError("parsing config from env: %v", err)
	}

	if cfg.EncryptionKey == "" {
		return nil, gwerr.NewConfigError("ENCRYPTION_KEY is required")
	}
	if _, err := cfg.DecodedEncryptionKey(); err != nil {
		return nil, gwerr.NewConfigError("ENCRYPTION_KEY: %v", err)
	}
	if cfg.SessionSecret == "" {
		return nil, gwerr.NewConfigError("SESSION_SECRET is required")
	}

	return cfg, nil
}

// DecodedEncryptionKey decodes EncryptionKey as hex or standard base64 and
// validates it is exactly cryptobox.KeySize bytes.
func (c *Config) DecodedEncryptionKey() ([]byte, error) {
	if key, err := hex.DecodeString(c.EncryptionKey); err == nil && len(key) == cryptobox.KeySize {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(c.EncryptionKey); err == nil && len(key) == cryptobox.KeySize {
		return key, nil
	}
	return nil, fmt.Errorf("must decode (hex or base64) to %d bytes", cryptobox.KeySize)
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSecs) * time.Second
}

func (c *Config) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdSecs) * time.Second
}

func (c *Config) RefreshDefaultLifetime() time.Duration {
	return time.Duration(c.RefreshDefaultLifetimeSecs) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSecs) * time.Second
}

func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSecs) * time.Second
}

func (c *Config) RateLimitDefaultWindow() time.Duration {
	return time.Duration(c.RateLimitDefaultWindowSecs) * time.Second
}
