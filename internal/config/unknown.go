package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you
// mean?" suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid keys in the config file, qualified by their
// section. Backend sections are matched with a "backend." prefix since
// the backend id itself is user-chosen.
var knownKeys = map[string]bool{
	"default_backend": true,
	// Relay settings
	"relay.base_url": true, "relay.timeout": true,
	// Callback settings
	"callback.listen": true, "callback.path": true,
	// Store settings
	"store.engine": true, "store.dir": true, "store.sqlite_path": true,
	// Logging settings
	"logging.log_level": true, "logging.log_format": true,
}

// knownBackendKeys are the valid keys inside a [backend.<id>] section.
var knownBackendKeys = map[string]bool{
	"authorize_url": true, "user_info_url": true,
	"required_scopes": true, "requested_scopes": true, "revocable": true,
}

// knownKeysList and knownBackendKeysList are the sorted slice forms for
// Levenshtein matching. Sorted for deterministic suggestions when two
// candidates have the same edit distance.
var (
	knownKeysList        = sortedKeyList(knownKeys)
	knownBackendKeysList = sortedKeyList(knownBackendKeys)
)

func sortedKeyList(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and
// returns an error with "did you mean?" suggestions for each unknown
// key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key.String()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown key,
// optionally suggesting the closest known key.
func buildKeyError(keyStr string) error {
	if strings.HasPrefix(keyStr, "backend.") {
		return buildBackendKeyError(keyStr)
	}

	suggestion := closestMatch(keyStr, knownKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q — did you mean %q?", keyStr, suggestion)
	}

	return fmt.Errorf("unknown config key %q", keyStr)
}

// buildBackendKeyError handles keys under a [backend.<id>] section,
// where the middle path element is the user-chosen backend id.
func buildBackendKeyError(keyStr string) error {
	parts := strings.SplitN(keyStr, ".", 3)
	if len(parts) < 3 {
		// A bare [backend.<id>] table with no keys decodes cleanly;
		// anything shorter here is already covered by TOML parsing.
		return fmt.Errorf("unknown config key %q", keyStr)
	}

	backendID, field := parts[1], parts[2]

	suggestion := closestMatch(field, knownBackendKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown key %q in backend %q — did you mean %q?", field, backendID, suggestion)
	}

	return fmt.Errorf("unknown key %q in backend %q", field, backendID)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
