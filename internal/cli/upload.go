// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/kbsync/internal/app"
)

func init() {
	cmd := &cobra.Command{
		Use:   "upload <knowledge-id> <dir>",
		Short: "Import a local directory into a knowledge base",
		Long:  "Imports every non-hidden file under dir as loose files, writing straight to the configured store. With --watch it keeps importing changes until interrupted.",
		Args:  cobra.ExactArgs(2),
		RunE:  runUpload,
	}
	cmd.Flags().Bool("watch", false, "Keep importing changes under dir")
	cmd.Flags().Duration("debounce", 0, "Quiet period before a changed file is imported (default 2s)")
	RootCmd.AddCommand(cmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	debounce, _ := cmd.Flags().GetDuration("debounce")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if watch {
		return a.Uploader.Watch(cmd.Context(), args[0], args[1], debounce)
	}
	res, err := a.Uploader.UploadDir(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d uploaded, %d unchanged, %d failed\n", res.Uploaded, res.Unchanged, len(res.Failed))
	for _, f := range res.Failed {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s (%s)\n", f.Filename, f.ErrorType, f.ErrorMessage)
	}
	return nil
}
