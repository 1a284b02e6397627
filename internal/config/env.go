package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "CLOUDAUTH_CONFIG"
	EnvBackend  = "CLOUDAUTH_BACKEND"
	EnvRelayURL = "CLOUDAUTH_RELAY_URL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CLOUDAUTH_CONFIG: override config file path
	Backend    string // CLOUDAUTH_BACKEND: backend to operate on
	RelayURL   string // CLOUDAUTH_RELAY_URL: relay base URL override
}

// ReadEnvOverrides reads environment variables and returns any
// overrides found. This does not modify the Config; callers apply the
// relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Backend:    os.Getenv(EnvBackend),
		RelayURL:   os.Getenv(EnvRelayURL),
	}
}
