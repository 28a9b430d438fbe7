// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authrim authorization server.
package main

import (
	"os"

	"github.com/authrim/authrim/cmd/authrim/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
