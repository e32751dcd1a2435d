package app

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.API.BaseURL != DefaultConfigAPIBaseURL || cfg.Realtime.HandshakeTimeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.Auth.File, filepath.Join("chatdesk", "session.json")) {
		t.Fatalf("auth.file = %q", cfg.Auth.File)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Auth.Storage = "env" },
			wantErr: "Storage",
		},
		{
			name: "memory seed with one token",
			mutate: func(c *Config) {
				c.Auth.Storage = TokenStorageTypeMemory
				c.Auth.AccessToken = "access"
			},
			wantErr: "seeded together",
		},
		{
			name:    "bad base url",
			mutate:  func(c *Config) { c.API.BaseURL = "not a url" },
			wantErr: "BaseURL",
		},
		{
			name:    "bad exporter",
			mutate:  func(c *Config) { c.Telemetry.Exporter = "kafka" },
			wantErr: "Exporter",
		},
		{
			name: "endpoint without otlp",
			mutate: func(c *Config) {
				c.Telemetry.Endpoint = "http://collector:4318"
			},
			wantErr: "otlp exporter",
		},
		{
			name:    "bad metrics address",
			mutate:  func(c *Config) { c.Metrics.Address = "localhost" },
			wantErr: "Address",
		},
		{
			name: "redis with defaults",
			mutate: func(c *Config) {
				c.Auth.Storage = TokenStorageTypeRedis
				_ = c.ApplyDefaults()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewTokenStoreMemorySeed(t *testing.T) {
	a := AuthConfig{Storage: TokenStorageTypeMemory, AccessToken: "a", RefreshToken: "r"}
	store, closeStore, err := a.NewTokenStore()
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()

	creds, err := store.Read(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if creds.AccessToken != "a" || creds.RefreshToken != "r" {
		t.Fatalf("creds = %+v", creds)
	}
}

func TestNewTokenStoreFile(t *testing.T) {
	a := AuthConfig{Storage: TokenStorageTypeFile, File: filepath.Join(t.TempDir(), "session.json")}
	store, closeStore, err := a.NewTokenStore()
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	if store == nil {
		t.Fatal("nil store")
	}
}
