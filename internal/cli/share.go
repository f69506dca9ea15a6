// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/kbsync/internal/acl"
	"github.com/hyper-ai-inc/kbsync/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "validate-share <knowledge-id>",
		Short: "Check a sharing change against source permissions",
		Long:  "With no users and no groups the change makes the knowledge base public. Pass --apply to commit the change with one of the offered actions.",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidateShare,
	}
	cmd.Flags().StringSlice("user", nil, "User ids to grant read access")
	cmd.Flags().StringSlice("group", nil, "Group ids to grant read access")
	cmd.Flags().StringSlice("write-group", nil, "Group ids to grant write access")
	cmd.Flags().String("apply", "", "Commit with this action (proceed, share_anyway, share_eligible_only, acknowledge_public, cancel)")
	RootCmd.AddCommand(cmd)
}

func runValidateShare(cmd *cobra.Command, args []string) error {
	users, _ := cmd.Flags().GetStringSlice("user")
	groups, _ := cmd.Flags().GetStringSlice("group")
	writeGroups, _ := cmd.Flags().GetStringSlice("write-group")
	action, _ := cmd.Flags().GetString("apply")

	req := acl.ShareRequest{KnowledgeID: args[0], UserIDs: users, GroupIDs: groups, WriteGroupIDs: writeGroups}
	client, err := newClient()
	if err != nil {
		return err
	}

	res, err := client.ValidateShare(cmd.Context(), req)
	if err != nil {
		return err
	}
	if jsonOutput() {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printValidation(cmd.OutOrStdout(), res)
	}
	if action == "" {
		return nil
	}

	kb, err := client.ApplyShare(cmd.Context(), req, model.ShareAction(action))
	if err != nil {
		return err
	}
	if kb.AccessControl == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "applied: knowledge base is public")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied: read users %v, read groups %v, write groups %v\n",
		kb.AccessControl.Read.UserIDs, kb.AccessControl.Read.GroupIDs, kb.AccessControl.Write.GroupIDs)
	return nil
}

func printValidation(w io.Writer, res *model.ShareValidationResult) {
	switch {
	case res.Unavailable:
		fmt.Fprintln(w, "source permissions could not be checked")
	case !res.SourceRestricted:
		fmt.Fprintln(w, "no external files: nothing to reconcile")
	case res.Blocked:
		fmt.Fprintln(w, "BLOCKED")
	}
	if res.KBIsPublic {
		fmt.Fprintln(w, "target is public")
	}
	if len(res.CanShareToUsers) > 0 {
		fmt.Fprintf(w, "eligible users:   %v\n", res.CanShareToUsers)
	}
	if len(res.CannotShareToUsers) > 0 {
		fmt.Fprintf(w, "ineligible users: %v\n", res.CannotShareToUsers)
	}
	for _, r := range res.Recommendations {
		fmt.Fprintf(w, "  %s: %s\n", r.UserID, r.Message)
		if r.GrantAccessURL != "" {
			fmt.Fprintf(w, "    grant at %s\n", r.GrantAccessURL)
		}
	}
	for _, g := range res.GroupConflicts {
		kind := "read"
		if g.Write {
			kind = "write"
		}
		fmt.Fprintf(w, "group %s (%s): members without access %v\n", g.GroupID, kind, g.MembersBlocked)
	}
	fmt.Fprintf(w, "actions: %v\n", res.Actions)
}
