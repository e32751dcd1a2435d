package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/florianilch/chatdesk/internal/observability"
	"github.com/florianilch/chatdesk/internal/realtime"
	"github.com/florianilch/chatdesk/internal/session"
	"github.com/florianilch/chatdesk/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents the different storage types supported for session credentials.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeRedis   TokenStorageType = "redis"
	TokenStorageTypeMemory  TokenStorageType = "memory"
)

// keyringService is the keyring entry name credentials are stored under.
const keyringService = "chatdesk"

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigAPIBaseURL        = "http://localhost:5001/api/v1"
	DefaultConfigRealtimeURL       = "http://localhost:5001"
	DefaultConfigHandshakeTimeout  = realtime.DefaultHandshakeTimeout
	DefaultConfigAuthStorage       = TokenStorageTypeFile
	DefaultConfigAuthRedisAddr     = "localhost:6379"
	DefaultConfigAuthRedisKey      = "chatdesk:session"
	DefaultConfigRefreshTimeout    = session.DefaultRefreshTimeout
	DefaultConfigTelemetryExporter = observability.ExporterNone
	DefaultConfigShutdownTimeout   = 5 * time.Second
)

// APIConfig holds REST backend configuration.
type APIConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
	// Timeout bounds each HTTP attempt. Zero disables it.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// RealtimeConfig holds realtime endpoint configuration.
type RealtimeConfig struct {
	URL              string        `json:"url" validate:"required,url"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" validate:"gte=0"`
}

// AuthConfig describes where session credentials are kept and how refreshes behave.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file keyring redis memory"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File         string `json:"file,omitempty"`          // For file storage: path to credentials file
	KeyringUser  string `json:"keyring_user,omitempty"`  // For keyring storage: user identifier
	RedisAddr    string `json:"redis_addr,omitempty"`    // For redis storage: server address
	RedisKey     string `json:"redis_key,omitempty"`     // For redis storage: key holding the session
	AccessToken  string `json:"access_token,omitempty"`  // For memory storage: optional seed
	RefreshToken string `json:"refresh_token,omitempty"` // For memory storage: optional seed

	RefreshTimeout time.Duration `json:"refresh_timeout" validate:"gte=0"`
}

// NewTokenStore creates a TokenStore from the authentication configuration.
// The returned close func releases backend connections.
func (a *AuthConfig) NewTokenStore() (tokenstore.TokenStore, func() error, error) {
	noop := func() error { return nil }

	switch a.Storage {
	case TokenStorageTypeFile:
		store, err := tokenstore.NewFileStore(a.File)
		return store, noop, err
	case TokenStorageTypeKeyring:
		store, err := tokenstore.NewKeyringStore(keyringService, a.KeyringUser)
		return store, noop, err
	case TokenStorageTypeRedis:
		client := redis.NewClient(&redis.Options{Addr: a.RedisAddr})
		store, err := tokenstore.NewRedisStore(client, a.RedisKey)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	case TokenStorageTypeMemory:
		store, err := tokenstore.NewMemoryStore(tokenstore.Credentials{
			AccessToken:  a.AccessToken,
			RefreshToken: a.RefreshToken,
		})
		return store, noop, err
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// MetricsConfig holds the diagnostics server configuration.
type MetricsConfig struct {
	// Address to serve /metrics and /healthz on. Empty disables the server.
	Address string `json:"address" validate:"omitempty,hostname_port"`
}

// TelemetryConfig selects an OpenTelemetry log exporter.
type TelemetryConfig struct {
	Exporter string `json:"exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json"`
	API       APIConfig       `json:"api"`
	Realtime  RealtimeConfig  `json:"realtime"`
	Auth      AuthConfig      `json:"auth"`
	Metrics   MetricsConfig   `json:"metrics"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.Realtime.URL == "" {
		c.Realtime.URL = DefaultConfigRealtimeURL
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultConfigHandshakeTimeout
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.RefreshTimeout == 0 {
		c.Auth.RefreshTimeout = DefaultConfigRefreshTimeout
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = DefaultConfigTelemetryExporter
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "chatdesk", "session.json")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeRedis:
		if c.Auth.RedisAddr == "" {
			c.Auth.RedisAddr = DefaultConfigAuthRedisAddr
		}
		if c.Auth.RedisKey == "" {
			c.Auth.RedisKey = DefaultConfigAuthRedisKey
		}
	case TokenStorageTypeMemory:
		// seed tokens are optional; an empty store starts unauthenticated
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	case TokenStorageTypeRedis:
		if c.Auth.RedisAddr == "" || c.Auth.RedisKey == "" {
			return errors.New("redis_addr and redis_key required for redis storage")
		}
	case TokenStorageTypeMemory:
		if (c.Auth.AccessToken == "") != (c.Auth.RefreshToken == "") {
			return errors.New("access_token and refresh_token must be seeded together for memory storage")
		}
	}

	if c.Telemetry.Endpoint != "" && c.Telemetry.Exporter != observability.ExporterOTLPHTTP && c.Telemetry.Exporter != observability.ExporterOTLPGRPC {
		return errors.New("telemetry endpoint requires an otlp exporter")
	}

	return nil
}
