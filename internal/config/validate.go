package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Valid store engines.
var validEngines = map[string]bool{
	"file":   true,
	"sqlite": true,
}

// Valid log levels and formats.
var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks a parsed Config for internally inconsistent or
// malformed values. All problems are reported at once rather than one
// per run.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Relay.BaseURL != "" {
		if err := validateHTTPURL("relay.base_url", cfg.Relay.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Relay.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Relay.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("relay.timeout %q is not a duration", cfg.Relay.Timeout))
		}
	}

	if !validEngines[cfg.Store.Engine] {
		errs = append(errs, fmt.Errorf("store.engine %q is not one of: file, sqlite", cfg.Store.Engine))
	}

	if !validLogLevels[cfg.Logging.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of: debug, info, warn, error", cfg.Logging.LogLevel))
	}

	if !validLogFormats[cfg.Logging.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format %q is not one of: auto, text, json", cfg.Logging.LogFormat))
	}

	if cfg.Callback.Path != "" && !strings.HasPrefix(cfg.Callback.Path, "/") {
		errs = append(errs, fmt.Errorf("callback.path %q must start with /", cfg.Callback.Path))
	}

	if cfg.DefaultBackend != "" {
		if _, ok := cfg.Backends[cfg.DefaultBackend]; !ok {
			errs = append(errs, fmt.Errorf("default_backend %q has no [backend.%s] section", cfg.DefaultBackend, cfg.DefaultBackend))
		}
	}

	for id, b := range cfg.Backends {
		errs = append(errs, validateBackend(id, b)...)
	}

	return errors.Join(errs...)
}

func validateBackend(id string, b BackendConfig) []error {
	var errs []error

	if b.AuthorizeURL == "" {
		errs = append(errs, fmt.Errorf("backend %q: authorize_url is required", id))
	} else {
		if err := validateHTTPURL(fmt.Sprintf("backend %q authorize_url", id), b.AuthorizeURL); err != nil {
			errs = append(errs, err)
		}

		if !strings.Contains(b.AuthorizeURL, "{state}") {
			errs = append(errs, fmt.Errorf("backend %q: authorize_url must contain a {state} placeholder", id))
		}
	}

	if b.UserInfoURL == "" {
		errs = append(errs, fmt.Errorf("backend %q: user_info_url is required", id))
	} else if err := validateHTTPURL(fmt.Sprintf("backend %q user_info_url", id), b.UserInfoURL); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(b.RequiredScopes) == "" {
		errs = append(errs, fmt.Errorf("backend %q: required_scopes is required", id))
	}

	return errs
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL", field, raw)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must use http or https", field, raw)
	}

	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}

	return nil
}
