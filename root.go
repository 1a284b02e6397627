package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudauth-go/internal/backend"
	"github.com/tonimelisma/cloudauth-go/internal/config"
	"github.com/tonimelisma/cloudauth-go/internal/credstore"
	"github.com/tonimelisma/cloudauth-go/internal/lifecycle"
	"github.com/tonimelisma/cloudauth-go/internal/relay"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagBackend    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. It is available to all subcommands after the root
// pre-run phase completes.
var resolvedCfg *config.Resolved

// httpClientTimeout is the default timeout for HTTP requests.
// Prevents hung connections from blocking CLI commands indefinitely.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudauth",
		Short:   "OAuth account manager for remote storage backends",
		Long:    "Authenticates, refreshes, and manages OAuth accounts for remote storage backends through a token-exchange relay.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "backend to operate on (e.g. gdrive)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override
// chain and stores the result in resolvedCfg for use by subcommands.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		Backend:    flagBackend,
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. Config-file log level provides the baseline; --verbose
// and --quiet override it because CLI flags always win. The "auto" log
// format picks text on a terminal and JSON otherwise.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	format := "auto"

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		if resolvedCfg.Logging.LogFormat != "" {
			format = resolvedCfg.Logging.LogFormat
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			format = "text"
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openStore builds the configured credential store engine.
func openStore(logger *slog.Logger) (credstore.Store, func(), error) {
	switch resolvedCfg.Store.Engine {
	case "sqlite":
		s, err := credstore.NewSQLiteStore(resolvedCfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}

		return s, func() { _ = s.Close() }, nil
	default:
		s, err := credstore.NewFileStore(resolvedCfg.Store.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening file store: %w", err)
		}

		return s, func() { _ = s.Close() }, nil
	}
}

// buildAdapter registers every configured backend and returns the
// selected one.
func buildAdapter(logger *slog.Logger) (backend.Adapter, error) {
	registry := backend.NewRegistry()

	for name, bc := range resolvedCfg.Backends {
		a, err := backend.NewHTTPAdapter(backend.Config{
			Name:            name,
			AuthorizeURL:    bc.AuthorizeURL,
			UserInfoURL:     bc.UserInfoURL,
			RequiredScopes:  bc.RequiredScopes,
			RequestedScopes: bc.RequestedScopes,
			Revocable:       bc.Revocable,
		}, defaultHTTPClient(), logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}

		registry.Register(a)
	}

	return registry.Lookup(resolvedCfg.Backend)
}

// relayHTTPClient applies the configured relay timeout.
func relayHTTPClient() *http.Client {
	timeout := httpClientTimeout

	if resolvedCfg.Relay.Timeout != "" {
		if d, err := time.ParseDuration(resolvedCfg.Relay.Timeout); err == nil {
			timeout = d
		}
	}

	return &http.Client{Timeout: timeout}
}

// buildManager wires store, adapter, relay, and flow into a lifecycle
// manager. The returned cleanup closes the manager and the store.
func buildManager(logger *slog.Logger) (*lifecycle.Manager, *managerEnv, error) {
	store, closeStore, err := openStore(logger)
	if err != nil {
		return nil, nil, err
	}

	adapter, err := buildAdapter(logger)
	if err != nil {
		closeStore()

		return nil, nil, err
	}

	relayClient := relay.NewClient(resolvedCfg.Relay.BaseURL, relayHTTPClient(), logger)
	flow := newLoginFlow(adapter, relayClient, logger)

	m := lifecycle.NewManager(store, adapter, flow, relayClient, logger)

	env := &managerEnv{
		store:   store,
		adapter: adapter,
		flow:    flow,
		cleanup: func() {
			_ = m.Close()
			closeStore()
		},
	}

	return m, env, nil
}

// managerEnv bundles the collaborators a command may need alongside
// the manager, plus the cleanup to defer.
type managerEnv struct {
	store   credstore.Store
	adapter backend.Adapter
	flow    *loginFlow
	cleanup func()
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
