// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the sharded session store.
//
// Sessions are owned by the shard encoded in their identifier; the store
// never recomputes routing for an existing session, so sessions created
// before a re-shard keep being served from their original instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/routing"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session: not found")

// Data carries the authentication context attached to a session.
type Data struct {
	AMR        []string  `json:"amr,omitempty"`
	ACR        string    `json:"acr,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"ua,omitempty"`
	AuthTime   time.Time `json:"auth_time"`
}

// Session is one authenticated user session.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Data      Data      `json:"data"`
}

// expired reports whether the session is past its TTL. expiresAt == now
// counts as expired.
func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	out := *s
	out.Data.AMR = append([]string(nil), s.Data.AMR...)
	return &out
}

type storeState struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"`
}

// Store is one session store shard.
type Store struct {
	actor.Base

	shard       int
	now         func() time.Time
	initialized bool
	state       storeState
}

// New creates the session store instance for the given shard.
func New(name string, store actor.Store, shard int) *Store {
	s := &Store{
		Base:  actor.NewBase(name, store),
		shard: shard,
		now:   time.Now,
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
		s.state = storeState{Version: 1, Sessions: make(map[string]*Session)}
	} else if s.state.Sessions == nil {
		s.state.Sessions = make(map[string]*Session)
	}
	s.initialized = true
	return nil
}

// Create mints a new session for userID with the given TTL. The id carries
// this instance's shard index.
func (s *Store) Create(ctx context.Context, userID string, ttl time.Duration, data Data) (*Session, error) {
	if userID == "" {
		return nil, errors.New("session: user id cannot be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	sess := &Session{
		ID:        routing.NewSessionID(s.shard),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Data:      data,
	}

	// Session ids are random UUIDs; a collision would mean two sessions
	// with one id, which the store must never allow.
	if _, exists := s.state.Sessions[sess.ID]; exists {
		slog.Error("session id collision", "instance", s.Name())
		return nil, fmt.Errorf("session: id collision on %s", s.Name())
	}

	s.state.Sessions[sess.ID] = sess
	if err := s.SaveState(ctx, &s.state); err != nil {
		delete(s.state.Sessions, sess.ID)
		return nil, err
	}
	return sess.clone(), nil
}

// Get returns the session if it exists and has not expired. Expired entries
// are purged on access.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	sess, ok := s.state.Sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.expired(s.now()) {
		delete(s.state.Sessions, id)
		if err := s.SaveState(ctx, &s.state); err != nil {
			// Purge failure is not the caller's problem; the sweep will retry.
			s.state.Sessions[id] = sess
			slog.Warn("failed to purge expired session", "instance", s.Name(), "error", err)
		}
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

// Extend pushes the session expiry forward by add. Returns the updated
// session, or ErrNotFound if the session is gone or expired.
func (s *Store) Extend(ctx context.Context, id string, add time.Duration) (*Session, error) {
	if add <= 0 {
		return nil, errors.New("session: extension must be positive")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	sess, ok := s.state.Sessions[id]
	if !ok || sess.expired(s.now()) {
		return nil, ErrNotFound
	}

	prev := sess.ExpiresAt
	sess.ExpiresAt = sess.ExpiresAt.Add(add)
	if err := s.SaveState(ctx, &s.state); err != nil {
		sess.ExpiresAt = prev
		return nil, err
	}
	return sess.clone(), nil
}

// Invalidate removes the session. Returns true if a live session was
// removed. Once Invalidate returns, Get on the same id returns ErrNotFound
// until the end of time; ids are never reused.
func (s *Store) Invalidate(ctx context.Context, id string) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return false, err
	}

	sess, ok := s.state.Sessions[id]
	if !ok {
		return false, nil
	}
	live := !sess.expired(s.now())

	delete(s.state.Sessions, id)
	if err := s.SaveState(ctx, &s.state); err != nil {
		s.state.Sessions[id] = sess
		return false, err
	}
	return live, nil
}

// ListUser returns all live sessions of userID on this shard.
func (s *Store) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var out []*Session
	for _, sess := range s.state.Sessions {
		if sess.UserID == userID && !sess.expired(now) {
			out = append(out, sess.clone())
		}
	}
	return out, nil
}

// DeleteBatch removes every listed session in a single persisted write and
// returns the number actually removed.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) (int, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return 0, err
	}

	removed := make(map[string]*Session, len(ids))
	for _, id := range ids {
		if sess, ok := s.state.Sessions[id]; ok {
			removed[id] = sess
			delete(s.state.Sessions, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for id, sess := range removed {
			s.state.Sessions[id] = sess
		}
		return 0, err
	}
	return len(removed), nil
}

// sweep is the periodic expiry alarm.
func (s *Store) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		slog.Error("session sweep: initialize failed", "instance", s.Name(), "error", err)
		return
	}

	now := s.now()
	removed := make(map[string]*Session)
	for id, sess := range s.state.Sessions {
		if sess.expired(now) {
			removed[id] = sess
			delete(s.state.Sessions, id)
		}
	}
	if len(removed) == 0 {
		return
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for id, sess := range removed {
			s.state.Sessions[id] = sess
		}
		slog.Error("session sweep: save failed", "instance", s.Name(), "error", err)
		return
	}
	slog.Debug("session sweep removed expired sessions",
		"instance", s.Name(),
		"removed", len(removed),
	)
}
