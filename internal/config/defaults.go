package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file, except for backend
// sections which have no sensible defaults and must be configured.
const (
	defaultStoreEngine  = "file"
	defaultCallbackHost = "127.0.0.1:0"
	defaultCallbackPath = "/callback"
	defaultRelayTimeout = "30s"
	defaultLogLevel     = "info"
	defaultLogFormat    = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// Used both as the starting point for TOML decoding (so unset fields
// retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Timeout: defaultRelayTimeout,
		},
		Callback: CallbackConfig{
			Listen: defaultCallbackHost,
			Path:   defaultCallbackPath,
		},
		Store: StoreConfig{
			Engine: defaultStoreEngine,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Backends: make(map[string]BackendConfig),
	}
}
