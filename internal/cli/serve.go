// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/kbsync/internal/app"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
	configCmd.AddCommand(showCmd)

	RootCmd.AddCommand(serveCmd, configCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.ListenAndServe(cmd.Context())
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), cfg.Redacted())
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
	return err
}
