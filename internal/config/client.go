package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/liftsync/liftsync/internal/retry"
	"github.com/spf13/viper"
)

const (
	defaultServerURL          = "http://localhost:8080"
	defaultQueuePath          = "liftsync-queue.db"
	defaultHTTPTimeoutSeconds = 30
	defaultProbeSeconds       = 15
)

// ClientConfig captures runtime configuration for the device client.
type ClientConfig struct {
	ServerURL     string
	QueuePath     string
	UserID        string
	AuthToken     string
	AuthExpiresAt time.Time
	HTTPTimeout   time.Duration
	ProbeInterval time.Duration
	RetryPolicy   retry.Policy
	LogLevel      string
}

// NewClientViper returns a viper instance with client defaults and env bindings.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// ApplyClientDefaults configures client defaults and env bindings.
func ApplyClientDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	policy := retry.DefaultPolicy()
	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("queue.path", defaultQueuePath)
	configViper.SetDefault("user.id", "")
	configViper.SetDefault("auth.token", "")
	configViper.SetDefault("auth.expires_at", "")
	configViper.SetDefault("http.timeout_seconds", defaultHTTPTimeoutSeconds)
	configViper.SetDefault("connectivity.probe_seconds", defaultProbeSeconds)
	configViper.SetDefault("retry.initial_interval_ms", policy.InitialInterval.Milliseconds())
	configViper.SetDefault("retry.max_interval_ms", policy.MaxInterval.Milliseconds())
	configViper.SetDefault("retry.max_attempts", policy.MaxAttempts)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	policy := retry.DefaultPolicy()
	policy.InitialInterval = time.Duration(configViper.GetInt64("retry.initial_interval_ms")) * time.Millisecond
	policy.MaxInterval = time.Duration(configViper.GetInt64("retry.max_interval_ms")) * time.Millisecond
	policy.MaxAttempts = configViper.GetInt("retry.max_attempts")

	cfg := ClientConfig{
		ServerURL:     strings.TrimSpace(configViper.GetString("server.url")),
		QueuePath:     configViper.GetString("queue.path"),
		UserID:        strings.TrimSpace(configViper.GetString("user.id")),
		AuthToken:     strings.TrimSpace(configViper.GetString("auth.token")),
		HTTPTimeout:   time.Duration(configViper.GetInt("http.timeout_seconds")) * time.Second,
		ProbeInterval: time.Duration(configViper.GetInt("connectivity.probe_seconds")) * time.Second,
		RetryPolicy:   policy,
		LogLevel:      configViper.GetString("log.level"),
	}

	if raw := strings.TrimSpace(configViper.GetString("auth.expires_at")); raw != "" {
		expiresAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("auth.expires_at must be RFC3339: %w", err)
		}
		cfg.AuthExpiresAt = expiresAt
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute URL, got %q", c.ServerURL)
	}
	if strings.TrimSpace(c.QueuePath) == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http.timeout_seconds must be positive")
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	return nil
}
