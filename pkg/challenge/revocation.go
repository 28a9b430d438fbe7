// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package challenge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/authrim/authrim/pkg/actor"
)

// RevokedToken is one entry on the revocation list.
type RevokedToken struct {
	JTI       string    `json:"jti"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revocationState struct {
	Version int                      `json:"version"`
	Revoked map[string]*RevokedToken `json:"revoked"`
}

// TokenRevocationStore tracks revoked jtis until the original token would
// have expired anyway. Within that window IsRevoked is false-negative-free.
type TokenRevocationStore struct {
	actor.Base

	now         func() time.Time
	initialized bool
	state       revocationState
}

// NewTokenRevocationStore creates the revocation list instance.
func NewTokenRevocationStore(name string, store actor.Store) *TokenRevocationStore {
	s := &TokenRevocationStore{
		Base: actor.NewBase(name, store),
		now:  time.Now,
	}
	s.StartAlarm(actor.DefaultCleanupInterval, s.sweep)
	return s
}

func (s *TokenRevocationStore) initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	found, err := s.LoadState(ctx, &s.state)
	if err != nil {
		return err
	}
	if !found {
		s.state = revocationState{Version: 1, Revoked: make(map[string]*RevokedToken)}
	} else if s.state.Revoked == nil {
		s.state.Revoked = make(map[string]*RevokedToken)
	}
	s.initialized = true
	return nil
}

// Revoke records the jti as revoked until expiresAt. Idempotent: revoking
// an already-revoked token keeps the earlier entry.
func (s *TokenRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time, reason string) error {
	if jti == "" {
		return errors.New("challenge: jti cannot be empty")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	if _, ok := s.state.Revoked[jti]; ok {
		return nil
	}

	s.state.Revoked[jti] = &RevokedToken{
		JTI:       jti,
		Reason:    reason,
		RevokedAt: s.now(),
		ExpiresAt: expiresAt,
	}
	if err := s.SaveState(ctx, &s.state); err != nil {
		delete(s.state.Revoked, jti)
		return err
	}
	return nil
}

// IsRevoked reports whether jti is on the list and the original token is
// still inside its lifetime.
func (s *TokenRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return false, err
	}

	entry, ok := s.state.Revoked[jti]
	if !ok {
		return false, nil
	}
	return s.now().Before(entry.ExpiresAt), nil
}

// sweep evicts entries whose original token has expired: a verifier
// rejects those on the exp claim alone.
func (s *TokenRevocationStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		slog.Error("revocation sweep: initialize failed", "instance", s.Name(), "error", err)
		return
	}

	now := s.now()
	removed := make(map[string]*RevokedToken)
	for jti, entry := range s.state.Revoked {
		if !now.Before(entry.ExpiresAt) {
			removed[jti] = entry
			delete(s.state.Revoked, jti)
		}
	}
	if len(removed) == 0 {
		return
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for jti, entry := range removed {
			s.state.Revoked[jti] = entry
		}
		slog.Error("revocation sweep: save failed", "instance", s.Name(), "error", err)
	}
}
