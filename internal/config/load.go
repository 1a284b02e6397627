package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config. Unknown keys are fatal errors with "did you
// mean?" suggestions — silently ignoring a typo in a config file leads
// to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise
// returns a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the final configuration after the override chain, with
// the selected backend picked out and store paths filled in.
type Resolved struct {
	Config

	// Backend is the selected backend's id.
	Backend string
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The precedence order ensures CLI flags always win, matching user
// expectations for one-off overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.RelayURL != "" {
		cfg.Relay.BaseURL = env.RelayURL
	}

	if cfg.Relay.BaseURL == "" {
		return nil, errors.New("no relay configured: set relay.base_url or CLOUDAUTH_RELAY_URL")
	}

	backendID := cfg.DefaultBackend
	if env.Backend != "" {
		backendID = env.Backend
	}

	if cli.Backend != "" {
		backendID = cli.Backend
	}

	if backendID == "" {
		if len(cfg.Backends) == 1 {
			for id := range cfg.Backends {
				backendID = id
			}
		} else {
			return nil, errors.New("no backend selected: set default_backend, CLOUDAUTH_BACKEND, or --backend")
		}
	}

	if _, ok := cfg.Backends[backendID]; !ok {
		return nil, fmt.Errorf("backend %q is not configured", backendID)
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = DefaultCredentialsDir()
	}

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = DefaultSQLitePath()
	}

	return &Resolved{Config: *cfg, Backend: backendID}, nil
}
