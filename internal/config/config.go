// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cloudauth-go. It supports a
// three-layer override chain (defaults -> config file -> environment ->
// CLI flags) and strict unknown-key detection with "did you mean?"
// suggestions.
package config

// Config is the top-level configuration structure parsed from a TOML
// file. Backend sections ([backend.gdrive], [backend.dropbox]) describe
// the remote storage backends available for authentication.
type Config struct {
	// DefaultBackend is the backend used when no --backend flag or
	// environment override is given.
	DefaultBackend string `toml:"default_backend"`

	Relay    RelayConfig              `toml:"relay"`
	Callback CallbackConfig           `toml:"callback"`
	Store    StoreConfig              `toml:"store"`
	Logging  LoggingConfig            `toml:"logging"`
	Backends map[string]BackendConfig `toml:"backend"`
}

// RelayConfig points at the remote token-exchange relay. The relay
// holds the OAuth client secrets; this process never does.
type RelayConfig struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// CallbackConfig controls the localhost listener that receives the
// browser redirect at the end of an authorization flow.
type CallbackConfig struct {
	// Listen is the host:port the callback server binds. Port 0 picks
	// a free port.
	Listen string `toml:"listen"`

	// Path is the URL path the redirect arrives on.
	Path string `toml:"path"`
}

// StoreConfig selects and locates the credential store.
type StoreConfig struct {
	// Engine is "file" or "sqlite".
	Engine string `toml:"engine"`

	// Dir is the file engine's root directory. Empty means the
	// platform data directory.
	Dir string `toml:"dir"`

	// SQLitePath is the sqlite engine's database file. Empty means the
	// platform data directory.
	SQLitePath string `toml:"sqlite_path"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// BackendConfig describes one remote storage backend. The authorize
// URL is a template with a literal "{state}" placeholder; the actual
// OAuth client id and redirect URI live in the relay's configuration,
// not here.
type BackendConfig struct {
	AuthorizeURL    string `toml:"authorize_url"`
	UserInfoURL     string `toml:"user_info_url"`
	RequiredScopes  string `toml:"required_scopes"`
	RequestedScopes string `toml:"requested_scopes"`
	Revocable       bool   `toml:"revocable"`
}

// CLIOverrides holds values from CLI flags that override config file
// and environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	Backend    string // --backend flag (empty = use default)
}
