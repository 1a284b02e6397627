package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudauth-go/internal/credential"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage stored accounts",
	}

	cmd.AddCommand(newAccountsLsCmd())
	cmd.AddCommand(newAccountsSwitchCmd())
	cmd.AddCommand(newAccountsRmCmd())

	return cmd
}

func newAccountsLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List stored accounts for the backend",
		RunE:  runAccountsLs,
	}
}

func newAccountsSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <user-id>",
		Short: "Make a stored account the active one",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccountsSwitch,
	}
}

func newAccountsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <user-id>",
		Short: "Remove a stored account and revoke its tokens",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccountsRm,
	}
}

// accountOutput is the JSON schema for `accounts ls --json`.
type accountOutput struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	State     string    `json:"state"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func runAccountsLs(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	m, env, err := buildManager(logger)
	if err != nil {
		return err
	}
	defer env.cleanup()

	recs, err := m.Accounts(ctx)
	if err != nil {
		return err
	}

	activeID, err := env.store.ActiveUser(ctx, resolvedCfg.Backend)
	if err != nil {
		return err
	}

	if flagJSON {
		return printAccountsJSON(recs, activeID)
	}

	printAccountsTable(recs, activeID)

	return nil
}

func printAccountsJSON(recs []*credential.Record, activeID string) error {
	out := make([]accountOutput, 0, len(recs))

	now := time.Now()

	for _, rec := range recs {
		out = append(out, accountOutput{
			UserID:    rec.UserID,
			Name:      rec.Profile.Name,
			Email:     rec.Profile.Email,
			State:     credential.StateFor(rec, now).String(),
			Active:    rec.UserID == activeID,
			ExpiresAt: rec.ExpiresAt(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printAccountsTable(recs []*credential.Record, activeID string) {
	if len(recs) == 0 {
		statusf(flagQuiet, "No accounts stored for %s. Run 'cloudauth login' to add one.\n", resolvedCfg.Backend)

		return
	}

	now := time.Now()
	rows := make([][]string, 0, len(recs))

	for _, rec := range recs {
		marker := ""
		if rec.UserID == activeID {
			marker = "*"
		}

		rows = append(rows, []string{
			marker,
			rec.UserID,
			rec.Profile.Name,
			rec.Profile.Email,
			credential.StateFor(rec, now).String(),
		})
	}

	printTable(os.Stdout, []string{"", "USER", "NAME", "EMAIL", "STATE"}, rows)
}

func runAccountsSwitch(_ *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := context.Background()
	userID := args[0]

	m, env, err := buildManager(logger)
	if err != nil {
		return err
	}
	defer env.cleanup()

	state, ok, err := m.SwitchAccount(ctx, userID)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("account %q has no usable credentials — run 'cloudauth login' instead", userID)
	}

	statusf(flagQuiet, "Switched to %s (%s).\n", userID, state)

	if state == credential.NeedsReauth {
		statusf(flagQuiet, "This account needs reauthorization; run 'cloudauth login' to repair it.\n")
	}

	return nil
}

func runAccountsRm(_ *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := context.Background()
	userID := args[0]

	m, env, err := buildManager(logger)
	if err != nil {
		return err
	}
	defer env.cleanup()

	if _, _, err := m.InitializeFromStorage(ctx); err != nil {
		return err
	}

	if err := m.DeleteAccount(ctx, userID); err != nil {
		return err
	}

	statusf(flagQuiet, "Removed %s.\n", userID)

	return nil
}
