// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authcode implements the one-time authorization code store.
//
// A code moves absent -> stored -> consumed; consuming a consumed code is a
// replay, which is a security event: the caller receives the stored record
// (including the refresh families derived from the code) so it can cascade
// revocation. Single-writer actor semantics make the consume decision
// deterministic under concurrency: exactly one consume wins.
package authcode

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/routing"
)

// Challenge methods per RFC 7636.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// Sentinel errors. Handlers map these to RFC 6749 responses at the edge.
var (
	// ErrInvalidGrant covers missing, expired, and mismatched codes.
	ErrInvalidGrant = errors.New("authcode: invalid grant")

	// ErrReplayed means the code was already consumed successfully. The
	// record returned alongside carries the derived family ids to revoke.
	ErrReplayed = errors.New("authcode: code replayed")

	// ErrCodeExists means Store was called with an already-known code.
	ErrCodeExists = errors.New("authcode: code already exists")

	// ErrPKCEMismatch means the verifier does not match the challenge.
	ErrPKCEMismatch = errors.New("authcode: pkce verification failed")

	// ErrPlainPKCEForbidden means the plain method is disabled by policy.
	ErrPlainPKCEForbidden = errors.New("authcode: plain pkce method forbidden")
)

// Record is the payload bound to an authorization code.
type Record struct {
	ClientID            string     `json:"client_id"`
	RedirectURI         string     `json:"redirect_uri"`
	UserID              string     `json:"user_id"`
	Scope               []string   `json:"scope"`
	CodeChallenge       string     `json:"code_challenge,omitempty"`
	CodeChallengeMethod string     `json:"code_challenge_method,omitempty"`
	Nonce               string     `json:"nonce,omitempty"`
	State               string     `json:"state,omitempty"`
	SessionID           string     `json:"session_id,omitempty"`
	ACR                 string     `json:"acr,omitempty"`
	AMR                 []string   `json:"amr,omitempty"`
	AuthTime            time.Time  `json:"auth_time"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	Used                bool       `json:"used"`
	UsedAt              *time.Time `json:"used_at,omitempty"`

	// FamilyIDs are the refresh-token families created from this code,
	// linked after token issuance so replay can cascade-revoke them.
	FamilyIDs []string `json:"family_ids,omitempty"`
}

func (r *Record) clone() *Record {
	out := *r
	out.Scope = append([]string(nil), r.Scope...)
	out.AMR = append([]string(nil), r.AMR...)
	out.FamilyIDs = append([]string(nil), r.FamilyIDs...)
	if r.UsedAt != nil {
		usedAt := *r.UsedAt
		out.UsedAt = &usedAt
	}
	return &out
}

type storeState struct {
	Version int                `json:"version"`
	Codes   map[string]*Record `json:"codes"`
}

// Store is the per-tenant authorization code actor.
type Store struct {
	actor.Base

	allowPlain  bool
	now         func() time.Time
	initialized bool
	state       storeState
}

// New creates the code store instance. allowPlain enables the "plain" PKCE
// method; S256 is always accepted.
func New(name string, store actor.Store, allowPlain bool) *Store {
	s := &Store{
		Base:       actor.NewBase(name, store),
		allowPlain: allowPlain,
		now:        time.Now,
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
		s.state = storeState{Version: 1, Codes: make(map[string]*Record)}
	} else if s.state.Codes == nil {
		s.state.Codes = make(map[string]*Record)
	}
	s.initialized = true
	return nil
}

// Put stores a new code. Fails with ErrCodeExists if the code is already
// known, including as a consumed record still inside its TTL.
func (s *Store) Put(ctx context.Context, code string, record Record) error {
	if !routing.ValidAuthorizationCode(code) {
		return fmt.Errorf("%w: malformed code", ErrInvalidGrant)
	}
	if record.ClientID == "" || record.UserID == "" || record.RedirectURI == "" {
		return errors.New("authcode: client id, user id and redirect uri are required")
	}
	if record.ExpiresAt.IsZero() {
		return errors.New("authcode: expiry is required")
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	if _, exists := s.state.Codes[code]; exists {
		return ErrCodeExists
	}

	stored := record.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.state.Codes[code] = stored
	if err := s.SaveState(ctx, &s.state); err != nil {
		delete(s.state.Codes, code)
		return err
	}
	return nil
}

// Consume atomically redeems a code. Exactly one Consume per code ever
// succeeds. A second consume after a success returns ErrReplayed together
// with the record so the caller can revoke everything derived from it.
func (s *Store) Consume(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*Record, error) {
	if !routing.ValidAuthorizationCode(code) {
		return nil, fmt.Errorf("%w: malformed code", ErrInvalidGrant)
	}

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	record, ok := s.state.Codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: unknown code", ErrInvalidGrant)
	}

	now := s.now()
	if !now.Before(record.ExpiresAt) {
		// Purge on access; the sweep would get it eventually.
		delete(s.state.Codes, code)
		if err := s.SaveState(ctx, &s.state); err != nil {
			s.state.Codes[code] = record
			slog.Warn("failed to purge expired code", "instance", s.Name(), "error", err)
		}
		return nil, fmt.Errorf("%w: code expired", ErrInvalidGrant)
	}

	if record.Used {
		slog.Warn("authorization code replay detected",
			"instance", s.Name(),
			"client_id", record.ClientID,
			"user_id", record.UserID,
			"derived_families", len(record.FamilyIDs),
		)
		return record.clone(), ErrReplayed
	}

	if subtle.ConstantTimeCompare([]byte(record.ClientID), []byte(clientID)) != 1 {
		return nil, fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}
	if record.RedirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect uri mismatch", ErrInvalidGrant)
	}

	if record.CodeChallenge != "" {
		if err := s.verifyPKCE(record, codeVerifier); err != nil {
			return nil, err
		}
	}

	record.Used = true
	usedAt := now
	record.UsedAt = &usedAt
	if err := s.SaveState(ctx, &s.state); err != nil {
		record.Used = false
		record.UsedAt = nil
		return nil, err
	}
	return record.clone(), nil
}

func (s *Store) verifyPKCE(record *Record, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("%w: code verifier required", ErrInvalidGrant)
	}

	switch record.CodeChallengeMethod {
	case ChallengeMethodS256, "":
		computed := oauth2.S256ChallengeFromVerifier(verifier)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(record.CodeChallenge)) != 1 {
			return ErrPKCEMismatch
		}
	case ChallengeMethodPlain:
		if !s.allowPlain {
			return ErrPlainPKCEForbidden
		}
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(record.CodeChallenge)) != 1 {
			return ErrPKCEMismatch
		}
	default:
		return fmt.Errorf("%w: unsupported challenge method %q", ErrInvalidGrant, record.CodeChallengeMethod)
	}
	return nil
}

// LinkFamily records that a refresh family was created from the consumed
// code. The link is what replay cascade revocation walks.
func (s *Store) LinkFamily(ctx context.Context, code, familyID string) error {
	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	record, ok := s.state.Codes[code]
	if !ok {
		return fmt.Errorf("%w: unknown code", ErrInvalidGrant)
	}
	if !record.Used {
		return errors.New("authcode: cannot link family to unconsumed code")
	}

	record.FamilyIDs = append(record.FamilyIDs, familyID)
	if err := s.SaveState(ctx, &s.state); err != nil {
		record.FamilyIDs = record.FamilyIDs[:len(record.FamilyIDs)-1]
		return err
	}
	return nil
}

// sweep removes codes past their TTL. Consumed codes are kept until expiry
// so post-success replays within the window are still detected.
func (s *Store) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Lock()
	defer s.Unlock()

	if err := s.initialize(ctx); err != nil {
		slog.Error("authcode sweep: initialize failed", "instance", s.Name(), "error", err)
		return
	}

	now := s.now()
	removed := make(map[string]*Record)
	for code, record := range s.state.Codes {
		if !now.Before(record.ExpiresAt) {
			removed[code] = record
			delete(s.state.Codes, code)
		}
	}
	if len(removed) == 0 {
		return
	}

	if err := s.SaveState(ctx, &s.state); err != nil {
		for code, record := range removed {
			s.state.Codes[code] = record
		}
		slog.Error("authcode sweep: save failed", "instance", s.Name(), "error", err)
	}
}
