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

type dpopState struct {
	Version int                  `json:"version"`
	Seen    map[string]time.Time `json:"seen"` // jti -> expiry
}

// DPoPJTIStore records DPoP proof jtis for their TTL so a proof can be
// accepted at most once.
type DPoPJTIStore struct {
	actor.Base

	now         func() time.Time
	initialized bool
	state       dpopState
}

// NewDPoPJTIStore creates the proof-replay guard instance.
func NewDPoPJTIStore(name string, store actor.Store) *DPoPJTIStore {
	s := &DPoPJTIStore{
		Base: actor.NewBase(name, store),
		now:  time.Now,
	}
	s.StartAlarm(actor.DefaultCleanupInterval, s.sweep)
	return s
}

func (s *DPoPJTIStore) initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	found, err := s.LoadState(ctx, &s.state)
	if err != nil {
		return err
	}
	if !found {
		s.state = dpopState{Version: 1, Seen: make(map[string]time.Time)}
	} else if s.state.Seen == nil {
		s.state.Seen = make(map[string]time.Time)
	}
	s.initialized = true
	return nil
}

// CheckAndStore returns true exactly once per jti within its TTL. False
// means replay.
func (s *DPoPJTIStore) CheckAndStore(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, errors.New("challenge: dpop jti cannot be empty")
	}
	if ttl <= 0 {
		return false, errors.New("challenge: dpop ttl must be positive")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return false, err
	}

	now := s.now()
	if expiry, seen := s.state.Seen[jti]; seen && now.Before(expiry) {
		return false, nil
	}

	prev, had := s.state.Seen[jti]
	s.state.Seen[jti] = now.Add(ttl)
	if err := s.SaveState(ctx, &s.state); err != nil {
		if had {
			s.state.Seen[jti] = prev
		} else {
			delete(s.state.Seen, jti)
		}
		return false, err
	}
	return true, nil
}

func (s *DPoPJTIStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		slog.Error("dpop sweep: initialize failed", "instance", s.Name(), "error", err)
		return
	}

	now := s.now()
	removed := make(map[string]time.Time)
	for jti, expiry := range s.state.Seen {
		if !now.Before(expiry) {
			removed[jti] = expiry
			delete(s.state.Seen, jti)
		}
	}
	if len(removed) == 0 {
		return
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for jti, expiry := range removed {
			s.state.Seen[jti] = expiry
		}
		slog.Error("dpop sweep: save failed", "instance", s.Name(), "error", err)
	}
}
