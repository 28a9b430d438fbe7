// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/server"
)

var clientsFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	Long: `Run the authorization server until interrupted.

Configuration comes from environment variables, optionally overlaid on a
YAML file given with --config. Statically registered clients are read from
the JSON file given with --clients.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&clientsFile, "clients", "", "Path to a JSON file of statically registered clients")
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Initialize(cfg.LogFormat, cfg.LogLevel)

	static, err := loadStaticClients(clientsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	system := actor.NewSystem(backend)
	defer func() {
		if err := system.Close(); err != nil {
			logger.Errorw("failed to close actor system", "error", err)
		}
	}()

	var auditLog *audit.Logger
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(ctx, cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer func() {
			if err := auditLog.Close(); err != nil {
				logger.Errorw("failed to close audit log", "error", err)
			}
		}()
	}

	srv := server.New(cfg, system, static, auditLog)
	logger.Infow("starting authorization server",
		"issuer", cfg.IssuerURL,
		"addr", cfg.ListenAddr,
		"tenant", cfg.Tenant,
		"storage", cfg.Storage,
		"static_clients", len(static),
	)
	return srv.ListenAndServe(ctx)
}

func buildBackend(ctx context.Context, cfg *config.Config) (actor.Backend, error) {
	switch cfg.Storage {
	case "redis":
		backend, err := actor.NewRedisBackend(ctx, actor.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			KeyPrefix: "authrim:",
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return backend, nil
	default:
		return actor.NewMemoryBackend(), nil
	}
}

func loadStaticClients(path string) ([]*clients.Client, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clients file: %w", err)
	}
	var static []*clients.Client
	if err := json.Unmarshal(data, &static); err != nil {
		return nil, fmt.Errorf("parse clients file: %w", err)
	}
	for _, c := range static {
		if c.ID == "" {
			return nil, fmt.Errorf("clients file: every client needs a client_id")
		}
	}
	return static, nil
}
