package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIBaseURL       string `mapstructure:"API_BASE_URL"`
	WSURL            string `mapstructure:"WS_URL"`
	AuthToken        string `mapstructure:"AUTH_TOKEN"`
	Env              string `mapstructure:"ENV"`
	HTTPTimeoutSecs  int    `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	StreamIdleSecs   int    `mapstructure:"STREAM_IDLE_TIMEOUT_SECONDS"`
	WSMaxBackoffSecs int    `mapstructure:"WS_MAX_BACKOFF_SECONDS"`
	MessagePageSize  int    `mapstructure:"MESSAGE_PAGE_SIZE"`
	SandboxPort      string `mapstructure:"SANDBOX_PORT"`
	SandboxAuthToken string `mapstructure:"SANDBOX_AUTH_TOKEN"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("API_BASE_URL", "http://localhost:8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 30)
	v.SetDefault("STREAM_IDLE_TIMEOUT_SECONDS", 120)
	v.SetDefault("WS_MAX_BACKOFF_SECONDS", 30)
	v.SetDefault("MESSAGE_PAGE_SIZE", 20)
	v.SetDefault("SANDBOX_PORT", "8090")
	v.SetDefault("SANDBOX_AUTH_TOKEN", "sandbox-token")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("API_BASE_URL")
	v.BindEnv("WS_URL")
	v.BindEnv("AUTH_TOKEN")
	v.BindEnv("ENV")
	v.BindEnv("HTTP_TIMEOUT_SECONDS")
	v.BindEnv("STREAM_IDLE_TIMEOUT_SECONDS")
	v.BindEnv("WS_MAX_BACKOFF_SECONDS")
	v.BindEnv("MESSAGE_PAGE_SIZE")
	v.BindEnv("SANDBOX_PORT")
	v.BindEnv("SANDBOX_AUTH_TOKEN")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.WSURL == "" {
		ws, err := deriveWSURL(cfg.APIBaseURL)
		if err != nil {
			return nil, err
		}
		cfg.WSURL = ws
	}

	return cfg, nil
}

// deriveWSURL maps the REST base URL onto the gateway's websocket endpoint
// when WS_URL is not set explicitly.
func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("API_BASE_URL is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("API_BASE_URL must be http or https, got %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the client is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HTTPTimeout is the per-request timeout for REST calls. Streaming requests
// are exempt.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// StreamIdleTimeout is how long a chat stream may go without any event before
// the turn is failed.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleSecs) * time.Second
}

// WSMaxBackoff caps the websocket reconnect delay.
func (c *Config) WSMaxBackoff() time.Duration {
	return time.Duration(c.WSMaxBackoffSecs) * time.Second
}

// Validate checks that the configuration is safe to run. In production a real
// bearer token must be provided; the sandbox default would silently fail every
// request against a real gateway.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if _, err := url.Parse(c.WSURL); err != nil {
		return fmt.Errorf("WS_URL is not a valid URL: %w", err)
	}
	if c.IsProduction() && c.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required in production")
	}
	if c.HTTPTimeoutSecs <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be positive, got %d", c.HTTPTimeoutSecs)
	}
	if c.StreamIdleSecs <= 0 {
		return fmt.Errorf("STREAM_IDLE_TIMEOUT_SECONDS must be positive, got %d", c.StreamIdleSecs)
	}
	if c.WSMaxBackoffSecs <= 0 {
		return fmt.Errorf("WS_MAX_BACKOFF_SECONDS must be positive, got %d", c.WSMaxBackoffSecs)
	}
	return nil
}
