package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudauth-go/internal/credential"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active account and its authentication state",
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Backend   string    `json:"backend"`
	State     string    `json:"state"`
	UserID    string    `json:"user_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	m, env, err := buildManager(logger)
	if err != nil {
		return err
	}
	defer env.cleanup()

	rec, state, err := m.InitializeFromStorage(ctx)
	if err != nil {
		return err
	}

	out := statusOutput{
		Backend: resolvedCfg.Backend,
		State:   state.String(),
	}

	if rec != nil {
		out.UserID = rec.UserID
		out.Name = rec.Profile.Name
		out.Email = rec.Profile.Email
		out.ExpiresAt = rec.ExpiresAt()
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printStatusText(out, state)

	return nil
}

func printStatusText(out statusOutput, state credential.AuthState) {
	statusf(false, "Backend: %s\n", out.Backend)
	statusf(false, "State:   %s\n", out.State)

	if out.UserID == "" {
		statusf(false, "No account connected. Run 'cloudauth login' to get started.\n")

		return
	}

	who := out.Name
	if who == "" {
		who = out.UserID
	}

	if out.Email != "" {
		who += " <" + out.Email + ">"
	}

	statusf(false, "Account: %s\n", who)

	if !out.ExpiresAt.IsZero() {
		statusf(false, "Expires: %s\n", formatTime(out.ExpiresAt))
	}

	switch state {
	case credential.NeedsReauth:
		statusf(false, "Action:  run 'cloudauth login' to reauthorize this account.\n")
	case credential.NeedsRefresh:
		statusf(false, "Note:    the access token has expired and will refresh on next use.\n")
	default:
	}
}
