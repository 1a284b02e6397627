package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out the active account and revoke its tokens",
		RunE:  runLogout,
	}
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	m, env, err := buildManager(logger)
	if err != nil {
		return err
	}
	defer env.cleanup()

	if _, _, err := m.InitializeFromStorage(ctx); err != nil {
		return err
	}

	if err := m.Logout(ctx); err != nil {
		return err
	}

	statusf(flagQuiet, "Logged out of %s.\n", resolvedCfg.Backend)

	return nil
}
