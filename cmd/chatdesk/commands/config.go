package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/chatdesk/internal/app"
)

// envPrefix is stripped from environment variables during config loading (e.g., CHATDESK_API__BASE_URL → api.base_url)
const envPrefix = "CHATDESK_"

// configFileName is looked up in the user config directory when --config is not given.
const configFileName = "config.toml"

// loadConfig loads application configuration from various sources with precedence:
// config file → environment variables → CLI flags → defaults
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	// 1. Load from config file, explicit or discovered
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath()
	}
	if configPath != "" {
		err := k.Load(file.Provider(configPath), toml.Parser())
		switch {
		case err == nil:
		case !explicit && errors.Is(err, fs.ErrNotExist):
			// no config file in the default location is fine
		default:
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			if key == envPrefix+"CONFIG" {
				return "", nil
			}
			stripped := strings.TrimPrefix(key, envPrefix)
			return strings.ToLower(strings.ReplaceAll(stripped, "__", ".")), value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		if err := k.Load(confmap.Provider(flagValues(cmd), "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultConfigPath returns <user config dir>/chatdesk/config.toml, or "" if
// the directory cannot be determined.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatdesk", configFileName)
}

// flagValues maps explicitly set flags onto config keys, parent command flags
// included. Only flags whose name maps to a config key are relevant; the rest
// are ignored by the unmarshaler. Examples: --api--base-url → api.base_url,
// --log-level → log_level.
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	for _, name := range cmd.FlagNames() {
		// Skip unset flags to preserve precedence from earlier config sources
		if !cmd.IsSet(name) || name == "config" {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}
