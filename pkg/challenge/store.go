// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package challenge implements the single-use and counter actors: one-shot
// challenges (PAR requests, magic links, passkey challenges, session
// tokens, consent and logout tickets), the DPoP proof-replay guard, the
// token revocation list, and the per-IP rate limiter.
//
// Everything here shares one property: the decision (consume, replay,
// over-limit) is made under a single instance lock and persisted before it
// is answered, so concurrent callers get exactly one winner.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/authrim/authrim/pkg/actor"
)

// Challenge types. The type is part of the consume key: consuming a PAR
// request as a magic link misses.
const (
	TypePAR          = "par"
	TypeMagicLink    = "magic_link"
	TypePasskey      = "passkey"
	TypeSessionToken = "session_token"
	TypeConsent      = "consent"
	TypeLogout       = "logout"
)

// ErrChallengeExists is returned when creating a challenge under an id
// that is already live.
var ErrChallengeExists = errors.New("challenge: id already exists")

type challengeRecord struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
	Consumed  bool            `json:"consumed"`
}

type challengeState struct {
	Version    int                         `json:"version"`
	Challenges map[string]*challengeRecord `json:"challenges"`
}

// Store holds one-shot challenges of all types for a tenant.
type Store struct {
	actor.Base

	now         func() time.Time
	initialized bool
	state       challengeState
}

// NewStore creates the challenge store instance.
func NewStore(name string, store actor.Store) *Store {
	s := &Store{
		Base: actor.NewBase(name, store),
		now:  time.Now,
	}
	s.StartAlarm(actor.DefaultCleanupInterval, s.sweep)
	return s
}

func (s *Store) initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	found, err := s.LoadState(ctx, &s.state)
	if err != nil {
		return err
	}
	if !found {
		s.state = challengeState{Version: 1, Challenges: make(map[string]*challengeRecord)}
	} else if s.state.Challenges == nil {
		s.state.Challenges = make(map[string]*challengeRecord)
	}
	s.initialized = true
	return nil
}

// Create stores a challenge payload under id for at most ttl.
func (s *Store) Create(ctx context.Context, id, challengeType string, payload json.RawMessage, ttl time.Duration) error {
	if id == "" || challengeType == "" {
		return errors.New("challenge: id and type are required")
	}
	if ttl <= 0 {
		return errors.New("challenge: ttl must be positive")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	if existing, ok := s.state.Challenges[id]; ok && s.now().Before(existing.ExpiresAt) {
		return ErrChallengeExists
	}

	record := &challengeRecord{
		Type:      challengeType,
		Payload:   append(json.RawMessage(nil), payload...),
		ExpiresAt: s.now().Add(ttl),
	}
	prev := s.state.Challenges[id]
	s.state.Challenges[id] = record
	if err := s.SaveState(ctx, &s.state); err != nil {
		if prev != nil {
			s.state.Challenges[id] = prev
		} else {
			delete(s.state.Challenges, id)
		}
		return err
	}
	return nil
}

// Consume atomically redeems the challenge. It returns the payload on the
// first consume and nil on a miss, a type mismatch, expiry, or any
// subsequent consume. Concurrent consumes of one id have exactly one
// winner.
func (s *Store) Consume(ctx context.Context, id, challengeType string) (json.RawMessage, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	record, ok := s.state.Challenges[id]
	if !ok || record.Type != challengeType || record.Consumed {
		return nil, nil
	}
	if !s.now().Before(record.ExpiresAt) {
		delete(s.state.Challenges, id)
		if err := s.SaveState(ctx, &s.state); err != nil {
			s.state.Challenges[id] = record
			slog.Warn("failed to purge expired challenge", "instance", s.Name(), "error", err)
		}
		return nil, nil
	}

	record.Consumed = true
	if err := s.SaveState(ctx, &s.state); err != nil {
		record.Consumed = false
		return nil, err
	}
	return append(json.RawMessage(nil), record.Payload...), nil
}

// sweep drops expired and consumed challenges.
func (s *Store) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		slog.Error("challenge sweep: initialize failed", "instance", s.Name(), "error", err)
		return
	}

	now := s.now()
	removed := make(map[string]*challengeRecord)
	for id, record := range s.state.Challenges {
		if record.Consumed || !now.Before(record.ExpiresAt) {
			removed[id] = record
			delete(s.state.Challenges, id)
		}
	}
	if len(removed) == 0 {
		return
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for id, record := range removed {
			s.state.Challenges[id] = record
		}
		slog.Error("challenge sweep: save failed", "instance", s.Name(), "error", err)
	}
}
