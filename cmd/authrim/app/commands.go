// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authrim command-line
// application.
package app

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:               "authrim",
	DisableAutoGenTag: true,
	Short:             "Authrim is a multi-tenant OIDC/OAuth 2.0 authorization server",
	Long: `Authrim is a multi-tenant OpenID Connect / OAuth 2.0 authorization server.

All mutable protocol state (sessions, authorization codes, refresh token
families, signing keys) lives in single-writer sharded state stores, so the
protocol handlers themselves scale horizontally without coordination.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		_ = cmd.Help()
	},
}

// NewRootCmd creates a new root command for the authrim CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file (environment variables win)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
