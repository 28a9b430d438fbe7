// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package consent stores the scopes a user has granted to a client. Grants
// accumulate: approving a request unions its scopes into the existing grant,
// and a later request is covered when every requested scope is already
// granted.
package consent

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/authrim/authrim/pkg/actor"
)

// Grant is the recorded consent of one user for one client.
type Grant struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     []string  `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type storeState struct {
	Version int               `json:"version"`
	Grants  map[string]*Grant `json:"grants"`
}

// Store is the per-tenant consent record actor.
type Store struct {
	actor.Base

	now         func() time.Time
	initialized bool
	state       storeState
}

// New creates the consent store instance.
func New(name string, store actor.Store) *Store {
	return &Store{
		Base: actor.NewBase(name, store),
		now:  time.Now,
	}
}

func grantKey(userID, clientID string) string {
	return userID + "\x00" + clientID
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
		s.state = storeState{Version: 1, Grants: make(map[string]*Grant)}
	} else if s.state.Grants == nil {
		s.state.Grants = make(map[string]*Grant)
	}
	s.initialized = true
	return nil
}

// Grant records the user's approval of scope for clientID, unioned into any
// existing grant.
func (s *Store) Grant(ctx context.Context, userID, clientID string, scope []string) error {
	if userID == "" || clientID == "" {
		return errors.New("consent: user id and client id cannot be empty")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	key := grantKey(userID, clientID)
	prev := s.state.Grants[key]
	now := s.now()

	next := &Grant{UserID: userID, ClientID: clientID, GrantedAt: now, UpdatedAt: now}
	if prev != nil {
		next.GrantedAt = prev.GrantedAt
		next.Scope = slices.Clone(prev.Scope)
	}
	for _, sc := range scope {
		if sc != "" && !slices.Contains(next.Scope, sc) {
			next.Scope = append(next.Scope, sc)
		}
	}

	s.state.Grants[key] = next
	if err := s.SaveState(ctx, &s.state); err != nil {
		if prev != nil {
			s.state.Grants[key] = prev
		} else {
			delete(s.state.Grants, key)
		}
		return err
	}
	return nil
}

// Covers reports whether the user's grant for clientID already includes
// every requested scope. An empty request is covered by any grant.
func (s *Store) Covers(ctx context.Context, userID, clientID string, scope []string) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return false, err
	}

	grant, ok := s.state.Grants[grantKey(userID, clientID)]
	if !ok {
		return false, nil
	}
	for _, sc := range scope {
		if !slices.Contains(grant.Scope, sc) {
			return false, nil
		}
	}
	return true, nil
}

// Revoke removes the user's grant for clientID. Removing a missing grant is
// not an error.
func (s *Store) Revoke(ctx context.Context, userID, clientID string) error {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	key := grantKey(userID, clientID)
	prev, ok := s.state.Grants[key]
	if !ok {
		return nil
	}

	delete(s.state.Grants, key)
	if err := s.SaveState(ctx, &s.state); err != nil {
		s.state.Grants[key] = prev
		return err
	}
	return nil
}
