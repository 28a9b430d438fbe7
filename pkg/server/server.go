// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP surface of the authorization engine: the OIDC
// protocol endpoints and the wiring between them and the state-store
// actors. Handlers are massively parallel; every piece of mutable state
// they touch lives behind an actor instance resolved per request.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/authcode"
	"github.com/authrim/authrim/pkg/challenge"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/consent"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/refresh"
	"github.com/authrim/authrim/pkg/routing"
	"github.com/authrim/authrim/pkg/session"
	"github.com/authrim/authrim/pkg/tokens"
)

// SessionCookie is the session cookie name.
const SessionCookie = "authrim_session"

// Deadlines per path class.
const (
	userFacingTimeout = 5 * time.Second
	adminTimeout      = 30 * time.Second
)

// Server owns the protocol handlers and the actor system behind them.
type Server struct {
	cfg      *config.Config
	system   *actor.System
	shards   *routing.ConfigStore
	registry *clients.Registry
	keyMgr   *keys.Manager
	minter   *tokens.Minter
	auditLog *audit.Logger

	now func() time.Time
}

// New wires a server over the given actor system. static is the list of
// statically configured clients; auditLog may be nil.
func New(cfg *config.Config, system *actor.System, static []*clients.Client, auditLog *audit.Logger) *Server {
	shardStoreName := routing.SingletonInstanceName(cfg.Tenant, "shard-config")
	shards := routing.NewConfigStore(
		system.Backend().ForInstance(shardStoreName),
		cfg.RefreshTokenShardCacheTTL,
		routing.ShardConfig{CurrentGeneration: 1, CurrentShardCount: cfg.RefreshTokenDefaultShardCount},
	)

	keyName := routing.SingletonInstanceName(cfg.Tenant, routing.KindKeys)
	keyMgr := actor.Resolve(system, keyName, func(name string, store actor.Store) *keys.Manager {
		return keys.New(name, store, keys.Config{
			Algorithm:        cfg.SigningAlgorithm,
			RotationInterval: cfg.KeyRotationInterval,
			Retention:        cfg.KeyRetention,
		})
	})

	registryName := routing.SingletonInstanceName(cfg.Tenant, "clients")
	registry := actor.Resolve(system, registryName, func(name string, store actor.Store) *clients.Registry {
		return clients.NewRegistry(name, store, static)
	})

	minter := tokens.NewMinter(tokens.Config{
		Issuer:            cfg.IssuerURL,
		AccessTTL:         cfg.AccessTokenTTL,
		IDTokenTTL:        cfg.IDTokenTTL,
		RefreshTTL:        cfg.RefreshTokenTTL,
		PairwiseSalt:      cfg.PairwiseSalt,
		RBACIDTokenClaims: cfg.RBACIDTokenClaims,
	}, keyMgr)

	return &Server{
		cfg:      cfg,
		system:   system,
		shards:   shards,
		registry: registry,
		keyMgr:   keyMgr,
		minter:   minter,
		auditLog: auditLog,
		now:      time.Now,
	}
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// record emits an audit event when durable auditing is configured.
func (s *Server) record(event audit.Event) {
	if s.auditLog == nil {
		return
	}
	event.Tenant = s.cfg.Tenant
	s.auditLog.Record(event)
}

// Actor instance accessors. Instances are resolved by name through the
// system so each name has exactly one live instance.

func (s *Server) sessionStoreForID(sessionID string) (*session.Store, error) {
	shard, ok := routing.ParseSessionID(sessionID)
	if !ok {
		return nil, fmt.Errorf("malformed session id")
	}
	return s.sessionStore(shard), nil
}

func (s *Server) sessionStore(shard int) *session.Store {
	name := routing.SessionInstanceName(s.cfg.Tenant, shard)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *session.Store {
		return session.New(name, store, shard)
	})
}

func (s *Server) sessionShardFor(userID string) int {
	return routing.SessionShard(userID, s.cfg.SessionShardCount)
}

func (s *Server) codeStore() *authcode.Store {
	name := routing.SingletonInstanceName(s.cfg.Tenant, routing.KindAuthCode)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *authcode.Store {
		return authcode.New(name, store, s.cfg.AllowPlainPKCE)
	})
}

// rotatorForPin routes by the (generation, shard) embedded in an issued
// token. Legacy tokens go to the generation-0 singleton instance.
func (s *Server) rotatorForPin(clientID string, pin routing.TokenPin) *refresh.Rotator {
	var name string
	if pin.Legacy {
		name = routing.LegacyRefreshInstanceName(s.cfg.Tenant, clientID)
	} else {
		name = routing.RefreshInstanceName(s.cfg.Tenant, clientID, pin.Generation, pin.Shard)
	}
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *refresh.Rotator {
		return refresh.New(name, store)
	})
}

// rotatorForNewFamily routes a new family by the current shard config.
func (s *Server) rotatorForNewFamily(ctx context.Context, userID, clientID string) (*refresh.Rotator, routing.TokenPin, error) {
	cfg, err := s.shards.Current(ctx)
	if err != nil {
		return nil, routing.TokenPin{}, err
	}
	pin := routing.TokenPin{
		Generation: cfg.CurrentGeneration,
		Shard:      routing.RefreshShard(userID, clientID, cfg.CurrentShardCount),
	}
	return s.rotatorForPin(clientID, pin), pin, nil
}

func (s *Server) challengeStore() *challenge.Store {
	name := routing.SingletonInstanceName(s.cfg.Tenant, routing.KindChallenge)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *challenge.Store {
		return challenge.NewStore(name, store)
	})
}

func (s *Server) consentStore() *consent.Store {
	name := routing.SingletonInstanceName(s.cfg.Tenant, routing.KindConsent)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *consent.Store {
		return consent.New(name, store)
	})
}

func (s *Server) dpopStore() *challenge.DPoPJTIStore {
	name := routing.SingletonInstanceName(s.cfg.Tenant, routing.KindDPoP)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *challenge.DPoPJTIStore {
		return challenge.NewDPoPJTIStore(name, store)
	})
}

func (s *Server) revocationStore() *challenge.TokenRevocationStore {
	name := routing.SingletonInstanceName(s.cfg.Tenant, routing.KindRevocation)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *challenge.TokenRevocationStore {
		return challenge.NewTokenRevocationStore(name, store)
	})
}

func (s *Server) deviceStore() *challenge.DeviceCodeStore {
	name := routing.SingletonInstanceName(s.cfg.Tenant, routing.KindDevice)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *challenge.DeviceCodeStore {
		return challenge.NewDeviceCodeStore(name, store)
	})
}

func (s *Server) cibaStore() *challenge.CIBAStore {
	name := routing.SingletonInstanceName(s.cfg.Tenant, routing.KindCIBA)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *challenge.CIBAStore {
		return challenge.NewCIBAStore(name, store)
	})
}

func (s *Server) rateLimiter(clientIP string) *challenge.RateLimiter {
	shard := routing.RateLimitShard(clientIP, s.cfg.RateLimitShardCount)
	name := routing.RateLimitInstanceName(s.cfg.Tenant, shard)
	return actor.Resolve(s.system, name, func(name string, store actor.Store) *challenge.RateLimiter {
		return challenge.NewRateLimiter(name, store, 0)
	})
}
