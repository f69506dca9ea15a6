// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/kbsync/internal/tree"
)

func init() {
	kbCmd := &cobra.Command{
		Use:   "kb",
		Short: "Create and inspect knowledge bases",
	}
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE:  runKBCreate,
	}
	createCmd.Flags().String("description", "", "Description")
	showCmd := &cobra.Command{
		Use:   "show <knowledge-id>",
		Short: "Show a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE:  runKBShow,
	}
	kbCmd.AddCommand(createCmd, showCmd)

	treeCmd := &cobra.Command{
		Use:   "tree <knowledge-id>",
		Short: "Show files grouped by source folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runTree,
	}
	collectionsCmd := &cobra.Command{
		Use:   "collections",
		Short: "List knowledge bases fed from external sources",
		Args:  cobra.NoArgs,
		RunE:  runCollections,
	}

	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage synced sources",
	}
	rmCmd := &cobra.Command{
		Use:   "rm <knowledge-id> <drive-id> <item-id>",
		Short: "Stop syncing a source and delete its files",
		Args:  cobra.ExactArgs(3),
		RunE:  runSourcesRm,
	}
	sourcesCmd.AddCommand(rmCmd)

	RootCmd.AddCommand(kbCmd, treeCmd, collectionsCmd, sourcesCmd)
}

func runKBCreate(cmd *cobra.Command, args []string) error {
	desc, _ := cmd.Flags().GetString("description")
	client, err := newClient()
	if err != nil {
		return err
	}
	kb, err := client.CreateKnowledge(cmd.Context(), args[0], desc)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), kb)
	}
	fmt.Fprintln(cmd.OutOrStdout(), kb.ID)
	return nil
}

func runKBShow(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	kb, err := client.Knowledge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), kb)
}

func runTree(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	t, err := client.Tree(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), t)
	}
	printTree(cmd.OutOrStdout(), t)
	return nil
}

func printTree(w io.Writer, t *tree.Tree) {
	type frame struct {
		node  *tree.FolderNode
		depth int
	}
	for _, root := range t.Roots {
		stack := []frame{{root, 0}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			indent := strings.Repeat("  ", f.depth)
			fmt.Fprintf(w, "%s%s/ (%d)\n", indent, f.node.Name, f.node.FileCount())
			for _, file := range f.node.Files {
				fmt.Fprintf(w, "%s  %s\n", indent, file.Name)
			}
			// Reverse so children print in sorted order.
			for i := len(f.node.Children) - 1; i >= 0; i-- {
				stack = append(stack, frame{f.node.Children[i], f.depth + 1})
			}
		}
	}
	for _, file := range t.Loose {
		fmt.Fprintln(w, file.Name)
	}
	fmt.Fprintf(w, "%d files\n", t.FileCount())
}

func runCollections(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	cols, err := client.SyncedCollections(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), cols)
	}
	for _, c := range cols {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d files\t%d sources\n",
			c.ID, c.Name, c.SyncInfo.Status, c.SyncInfo.FileCount, len(c.SyncInfo.Sources))
	}
	return nil
}

func runSourcesRm(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	n, err := client.RemoveSource(cmd.Context(), args[0], args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed source %s, deleted %d files\n", args[2], n)
	return nil
}
