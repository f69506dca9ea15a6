// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/tracker"
)

func init() {
	syncCmd := &cobra.Command{
		Use:   "sync <knowledge-id>",
		Short: "Sync a drive folder or file into a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE:  runSync,
	}
	syncCmd.Flags().String("drive", "", "Drive id (required)")
	syncCmd.Flags().String("item", "", "Item id (required)")
	syncCmd.Flags().String("name", "", "Display name of the item")
	syncCmd.Flags().String("path", "", "Item path, e.g. /Team/Q3")
	syncCmd.Flags().Bool("file", false, "The item is a single file rather than a folder")
	syncCmd.Flags().String("access-token", "", "Data-access token (default: the token held by the service)")
	syncCmd.Flags().Bool("follow", true, "Follow progress until the sync finishes")
	syncCmd.MarkFlagRequired("drive")
	syncCmd.MarkFlagRequired("item")

	resyncCmd := &cobra.Command{
		Use:   "resync <knowledge-id>",
		Short: "Re-run every stored source of a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE:  runResync,
	}
	resyncCmd.Flags().String("access-token", "", "Data-access token (default: the token held by the service)")
	resyncCmd.Flags().Bool("follow", true, "Follow progress until the sync finishes")

	statusCmd := &cobra.Command{
		Use:   "status <knowledge-id>",
		Short: "Show the current sync session",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	cancelCmd := &cobra.Command{
		Use:   "cancel <knowledge-id>",
		Short: "Stop scheduling files for a running sync",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	watchCmd := &cobra.Command{
		Use:   "watch <knowledge-id>",
		Short: "Follow a running sync until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}

	RootCmd.AddCommand(syncCmd, resyncCmd, statusCmd, cancelCmd, watchCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	drive, _ := cmd.Flags().GetString("drive")
	item, _ := cmd.Flags().GetString("item")
	name, _ := cmd.Flags().GetString("name")
	path, _ := cmd.Flags().GetString("path")
	isFile, _ := cmd.Flags().GetBool("file")
	token, _ := cmd.Flags().GetString("access-token")
	follow, _ := cmd.Flags().GetBool("follow")

	kind := model.SourceTypeFolder
	if isFile {
		kind = model.SourceTypeFile
	}
	items := []model.SyncItem{{Type: kind, DriveID: drive, ItemID: item, Name: name, ItemPath: path}}

	client, err := newClient()
	if err != nil {
		return err
	}
	tr, err := newTracker(cmd.Context(), client, args[0], cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := tr.Start(cmd.Context(), items, token); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sync started for %s\n", args[0])
	if !follow {
		return nil
	}
	return finish(cmd, tr)
}

func runResync(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("access-token")
	follow, _ := cmd.Flags().GetBool("follow")
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Resync(cmd.Context(), args[0], token); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resync started for %s\n", args[0])
	if !follow {
		return nil
	}
	return watch(cmd, client, args[0])
}

func runWatch(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	return watch(cmd, client, args[0])
}

func watch(cmd *cobra.Command, client *tracker.Client, knowledgeID string) error {
	tr, err := newTracker(cmd.Context(), client, knowledgeID, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	tr.Follow()
	return finish(cmd, tr)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	sess, err := client.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), sess)
	}
	printSession(cmd.OutOrStdout(), sess)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
	return nil
}

// newTracker follows knowledgeID over the event stream when it connects and
// by polling either way.
func newTracker(ctx context.Context, client *tracker.Client, knowledgeID string, out io.Writer) (*tracker.Tracker, error) {
	evs, err := client.Events(ctx, knowledgeID)
	if err != nil {
		fmt.Fprintf(out, "event stream unavailable, polling: %v\n", err)
		evs = nil
	}
	poll := tracker.DefaultPollInterval
	if cfg, err := loadConfig(); err == nil {
		poll = cfg.Sync.PollInterval
	}
	last := ""
	return tracker.New(client, knowledgeID, evs, tracker.Options{
		PollInterval: poll,
		OnWarning:    func(msg string) { fmt.Fprintf(out, "warning: %s\n", msg) },
		OnUpdate: func(st tracker.State) {
			line := progressLine(&st.Session)
			if jsonOutput() || line == last {
				return
			}
			last = line
			fmt.Fprintln(out, line)
		},
	}), nil
}

func finish(cmd *cobra.Command, tr *tracker.Tracker) error {
	st, err := tr.Run(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), st.Session)
	}
	printSession(cmd.OutOrStdout(), &st.Session)
	if st.Session.Status == model.StatusFailed {
		return fmt.Errorf("sync failed: %s", st.Session.Error)
	}
	return nil
}

func progressLine(s *model.SyncSession) string {
	if s.ProgressTotal == 0 {
		return string(s.Status)
	}
	return fmt.Sprintf("%s %d/%d", s.Status, s.ProgressCurrent, s.ProgressTotal)
}

func printSession(w io.Writer, s *model.SyncSession) {
	fmt.Fprintf(w, "status:    %s\n", s.Status)
	if s.ProgressTotal > 0 {
		fmt.Fprintf(w, "progress:  %d/%d\n", s.ProgressCurrent, s.ProgressTotal)
	}
	if s.Status.IsTerminal() {
		fmt.Fprintf(w, "processed: %d  failed: %d  deleted: %d\n", s.FilesProcessed, s.FilesFailed, s.DeletedCount)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "error:     %s\n", s.Error)
	}
	for _, f := range s.FailedFiles {
		fmt.Fprintf(w, "  %s: %s (%s)\n", f.Filename, f.ErrorType, f.ErrorMessage)
	}
}
