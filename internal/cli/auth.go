// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cli

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/tokens"
	"github.com/hyper-ai-inc/kbsync/internal/tracker"
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "token-status <knowledge-id>",
		Short: "Show the data-access token held for a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE:  runTokenStatus,
	}
	revokeCmd := &cobra.Command{
		Use:   "revoke <knowledge-id>",
		Short: "Delete the held data-access token",
		Args:  cobra.ExactArgs(1),
		RunE:  runRevoke,
	}
	authorizeCmd := &cobra.Command{
		Use:   "authorize <knowledge-id>",
		Short: "Grant the service access to your drive for a knowledge base",
		Long:  "Prints a consent URL to open in a browser, then waits until the service reports the stored token.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuthorize,
	}
	authorizeCmd.Flags().Bool("personal", false, "Use a personal Microsoft account")
	authorizeCmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for consent")
	RootCmd.AddCommand(statusCmd, revokeCmd, authorizeCmd)
}

func runTokenStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	st, err := client.TokenStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), st)
	}
	out := cmd.OutOrStdout()
	if !st.HasToken {
		fmt.Fprintln(out, "no token stored")
		return nil
	}
	fmt.Fprintf(out, "stored:       %s\n", st.TokenStoredAt.Format(time.RFC3339))
	fmt.Fprintf(out, "expired:      %v\n", st.IsExpired)
	fmt.Fprintf(out, "needs reauth: %v\n", st.NeedsReauth)
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	revoked, err := client.Revoke(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if revoked {
		fmt.Fprintln(cmd.OutOrStdout(), "token revoked")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "no token was stored")
	}
	return nil
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	personal, _ := cmd.Flags().GetBool("personal")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	knowledgeID := args[0]

	base, token, err := endpoint()
	if err != nil {
		return err
	}
	client := tracker.NewClient(base, token, userID)
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	channelID := tokens.NewChannelID()
	evs, err := client.Events(ctx, knowledgeID)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "event stream unavailable, polling: %v\n", err)
		evs = nil
	}

	u := client.InitiateURL(knowledgeID, channelID)
	q := url.Values{"token": {token}, "user_id": {userID}}
	if personal {
		q.Set("account_type", string(model.AccountPersonal))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to grant access:\n\n  %s&%s\n\n", u, q.Encode())

	status := func(ctx context.Context) (model.TokenStatus, error) {
		return client.TokenStatus(ctx, knowledgeID)
	}
	if err := tokens.AwaitAuthorization(ctx, evs, channelID, status, 2*time.Second); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "authorized")
	return nil
}
