// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/actor"
)

const (
	cibaStatusPending  = "pending"
	cibaStatusApproved = "approved"
	cibaStatusDenied   = "denied"
	cibaStatusRedeemed = "redeemed"
)

// CIBARequest is the result of starting a backchannel authentication.
type CIBARequest struct {
	AuthReqID string
	Interval  time.Duration
	ExpiresAt time.Time
}

// CIBAApproval is the one-time result of a successful poll.
type CIBAApproval struct {
	UserID   string
	ClientID string
	Scope    []string
}

type cibaRecord struct {
	ClientID  string    `json:"client_id"`
	LoginHint string    `json:"login_hint"`
	Scope     []string  `json:"scope"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id,omitempty"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type cibaState struct {
	Version  int                    `json:"version"`
	Requests map[string]*cibaRecord `json:"requests"` // auth_req_id -> record
}

// CIBAStore drives OIDC client-initiated backchannel authentication in
// poll mode. The shape mirrors the device flow: the client polls the token
// endpoint with auth_req_id until the user decides out of band.
type CIBAStore struct {
	actor.Base

	interval    time.Duration
	now         func() time.Time
	initialized bool
	state       cibaState
}

// NewCIBAStore creates the backchannel authentication instance.
func NewCIBAStore(name string, store actor.Store) *CIBAStore {
	s := &CIBAStore{
		Base:     actor.NewBase(name, store),
		interval: DefaultPollInterval,
		now:      time.Now,
	}
	s.StartAlarm(actor.DefaultCleanupInterval, s.sweep)
	return s
}

func (s *CIBAStore) initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	found, err := s.LoadState(ctx, &s.state)
	if err != nil {
		return err
	}
	if !found {
		s.state = cibaState{Version: 1, Requests: make(map[string]*cibaRecord)}
	} else if s.state.Requests == nil {
		s.state.Requests = make(map[string]*cibaRecord)
	}
	s.initialized = true
	return nil
}

// Start registers a backchannel authentication request for the user named
// by loginHint.
func (s *CIBAStore) Start(ctx context.Context, clientID, loginHint string, scope []string, ttl time.Duration) (*CIBARequest, error) {
	if clientID == "" || loginHint == "" {
		return nil, errors.New("challenge: client id and login hint are required")
	}
	if ttl <= 0 {
		return nil, errors.New("challenge: ttl must be positive")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	authReqID := uuid.NewString()
	s.state.Requests[authReqID] = &cibaRecord{
		ClientID:  clientID,
		LoginHint: loginHint,
		Scope:     append([]string(nil), scope...),
		Status:    cibaStatusPending,
		ExpiresAt: s.now().Add(ttl),
	}
	if err := s.SaveState(ctx, &s.state); err != nil {
		delete(s.state.Requests, authReqID)
		return nil, err
	}

	return &CIBARequest{
		AuthReqID: authReqID,
		Interval:  s.interval,
		ExpiresAt: s.state.Requests[authReqID].ExpiresAt,
	}, nil
}

// Poll checks the request state. Approval redeems exactly once.
func (s *CIBAStore) Poll(ctx context.Context, authReqID, clientID string) (*CIBAApproval, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	record, ok := s.state.Requests[authReqID]
	if !ok || record.ClientID != clientID {
		return nil, ErrExpiredToken
	}

	now := s.now()
	if !now.Before(record.ExpiresAt) || record.Status == cibaStatusRedeemed {
		return nil, ErrExpiredToken
	}

	switch record.Status {
	case cibaStatusDenied:
		return nil, ErrAccessDenied
	case cibaStatusPending:
		prevPoll := record.LastPoll
		record.LastPoll = now
		if err := s.SaveState(ctx, &s.state); err != nil {
			record.LastPoll = prevPoll
			return nil, err
		}
		if !prevPoll.IsZero() && now.Sub(prevPoll) < s.interval {
			return nil, ErrSlowDown
		}
		return nil, ErrAuthorizationPending
	case cibaStatusApproved:
		record.Status = cibaStatusRedeemed
		if err := s.SaveState(ctx, &s.state); err != nil {
			record.Status = cibaStatusApproved
			return nil, err
		}
		return &CIBAApproval{
			UserID:   record.UserID,
			ClientID: record.ClientID,
			Scope:    append([]string(nil), record.Scope...),
		}, nil
	default:
		return nil, fmt.Errorf("challenge: corrupt ciba record status %q", record.Status)
	}
}

// Approve resolves the request with the authenticated user.
func (s *CIBAStore) Approve(ctx context.Context, authReqID, userID string) error {
	return s.decide(ctx, authReqID, cibaStatusApproved, userID)
}

// Deny rejects the request.
func (s *CIBAStore) Deny(ctx context.Context, authReqID string) error {
	return s.decide(ctx, authReqID, cibaStatusDenied, "")
}

func (s *CIBAStore) decide(ctx context.Context, authReqID, status, userID string) error {
	if status == cibaStatusApproved && userID == "" {
		return errors.New("challenge: approval requires a user id")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	record, ok := s.state.Requests[authReqID]
	if !ok || !s.now().Before(record.ExpiresAt) {
		return ErrExpiredToken
	}
	if record.Status != cibaStatusPending {
		return fmt.Errorf("challenge: ciba request already %s", record.Status)
	}

	prevStatus, prevUser := record.Status, record.UserID
	record.Status = status
	record.UserID = userID
	if err := s.SaveState(ctx, &s.state); err != nil {
		record.Status = prevStatus
		record.UserID = prevUser
		return err
	}
	return nil
}

func (s *CIBAStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		slog.Error("ciba sweep: initialize failed", "instance", s.Name(), "error", err)
		return
	}

	now := s.now()
	removed := make(map[string]*cibaRecord)
	for id, record := range s.state.Requests {
		if !now.Before(record.ExpiresAt) || record.Status == cibaStatusRedeemed {
			removed[id] = record
			delete(s.state.Requests, id)
		}
	}
	if len(removed) == 0 {
		return
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for id, record := range removed {
			s.state.Requests[id] = record
		}
		slog.Error("ciba sweep: save failed", "instance", s.Name(), "error", err)
	}
}
