// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package cli implements the kbsync CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/kbsync/internal/config"
	"github.com/hyper-ai-inc/kbsync/internal/tracker"
)

var (
	configPath string
	serverURL  string
	apiToken   string
	userID     string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "kbsync",
	Short:         "Sync external drives into knowledge bases",
	Long:          "kbsync runs the sync service and drives it: start and follow syncs, inspect folder trees, manage tokens and check sharing changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("KBSYNC_CONFIG"), "YAML config file (default: $KBSYNC_CONFIG)")
	RootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Service URL (default: server.public_url)")
	RootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("KBSYNC_TOKEN"), "API token (default: $KBSYNC_TOKEN or server.internal_token)")
	RootCmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser(), "User id sent as X-User-ID")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "text", "Output format: json or text")
}

func defaultUser() string {
	if u := os.Getenv("KBSYNC_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// endpoint resolves the service URL and token from flags, falling back to
// the config.
func endpoint() (url, token string, err error) {
	url, token = serverURL, apiToken
	if url == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return "", "", err
		}
		if url == "" {
			url = cfg.Server.PublicURL
		}
		if token == "" {
			token = cfg.Server.InternalToken
		}
	}
	return url, token, nil
}

func newClient() (*tracker.Client, error) {
	url, token, err := endpoint()
	if err != nil {
		return nil, err
	}
	return tracker.NewClient(url, token, userID), nil
}

func jsonOutput() bool { return formatFlag == "json" }

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
