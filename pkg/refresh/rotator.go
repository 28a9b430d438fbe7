// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package refresh implements refresh-token families with rotation and
// theft detection.
//
// A family is the set of refresh tokens that are rotations of one another
// and the unit of invalidation: any presentation of a superseded token
// revokes the whole family in the same round-trip. Instances are sharded
// per client and generation; the (generation, shard) pair embedded in each
// JTI pins the owning instance forever, so re-sharding never strands an
// issued token.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/routing"
)

// maxPreviousJTIs bounds the superseded-token history kept per family.
// Older entries fall out of theft detection but the version check still
// catches them: a stale token carries a stale rtv claim.
const maxPreviousJTIs = 10

// Sentinel errors.
var (
	// ErrInvalidGrant covers unknown, expired, and revoked tokens.
	ErrInvalidGrant = errors.New("refresh: invalid grant")

	// ErrScopeEscalation means the requested scope exceeds the scope the
	// family was created with.
	ErrScopeEscalation = errors.New("refresh: requested scope exceeds allowed scope")

	// ErrFamilyNotFound is returned by the diagnostic and revocation
	// operations for an unknown family id.
	ErrFamilyNotFound = errors.New("refresh: family not found")
)

// TheftError reports reuse of a superseded refresh token. By the time the
// caller sees it the family is already revoked locally; the caller owes the
// cascade (sessions, revocation list, audit).
type TheftError struct {
	FamilyID string
	UserID   string
	ClientID string
	Reason   string
}

func (e *TheftError) Error() string {
	return fmt.Sprintf("refresh: theft detected on family %s (%s)", e.FamilyID, e.Reason)
}

// Unwrap lets errors.Is(err, ErrInvalidGrant) hold: the wire answer for
// theft is invalid_grant, only the side effects differ.
func (e *TheftError) Unwrap() error { return ErrInvalidGrant }

// TokenFamily is the persisted state of one rotation chain.
type TokenFamily struct {
	ID           string    `json:"id"`
	CurrentJTI   string    `json:"current_jti"`
	PreviousJTIs []string  `json:"previous_jtis,omitempty"`
	Version      int       `json:"version"`
	UserID       string    `json:"user_id"`
	ClientID     string    `json:"client_id"`
	AllowedScope []string  `json:"allowed_scope"`
	Generation   int       `json:"generation"`
	Shard        int       `json:"shard"`
	CreatedAt    time.Time `json:"created_at"`
	LastRotation time.Time `json:"last_rotation"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (f *TokenFamily) clone() *TokenFamily {
	out := *f
	out.PreviousJTIs = append([]string(nil), f.PreviousJTIs...)
	out.AllowedScope = append([]string(nil), f.AllowedScope...)
	return &out
}

func (f *TokenFamily) expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Rotation is the successful result of a rotate call.
type Rotation struct {
	NewJTI    string
	UserID    string
	Scope     []string
	Version   int
	ExpiresAt time.Time
}

// JTILookup is the read-only answer for introspection by jti.
type JTILookup struct {
	Family  *TokenFamily
	Current bool
}

type rotatorState struct {
	Version       int                     `json:"version"`
	Families      map[string]*TokenFamily `json:"families"`
	TokenToFamily map[string]string       `json:"token_to_family"`
}

// Rotator is one refresh-token shard instance.
type Rotator struct {
	actor.Base

	now         func() time.Time
	initialized bool
	state       rotatorState
}

// New creates the rotator instance.
func New(name string, store actor.Store) *Rotator {
	r := &Rotator{
		Base: actor.NewBase(name, store),
		now:  time.Now,
	}
	r.StartAlarm(actor.DefaultCleanupInterval, r.sweep)
	return r
}

func (r *Rotator) initialize(ctx context.Context) error {
	if r.initialized {
		return nil
	}
	found, err := r.LoadState(ctx, &r.state)
	if err != nil {
		return err
	}
	if !found {
		r.state = rotatorState{
			Version:       1,
			Families:      make(map[string]*TokenFamily),
			TokenToFamily: make(map[string]string),
		}
	} else {
		if r.state.Families == nil {
			r.state.Families = make(map[string]*TokenFamily)
		}
		if r.state.TokenToFamily == nil {
			r.state.TokenToFamily = make(map[string]string)
		}
	}
	r.initialized = true
	return nil
}

// CreateFamily registers a new family at version 0 around initialJTI. The
// (generation, shard) pin is read off the JTI itself; legacy rt_ tokens pin
// to generation 0.
func (r *Rotator) CreateFamily(ctx context.Context, userID, clientID string, allowedScope []string, initialJTI string, ttl time.Duration) (string, error) {
	if userID == "" || clientID == "" {
		return "", errors.New("refresh: user id and client id are required")
	}
	if ttl <= 0 {
		return "", errors.New("refresh: ttl must be positive")
	}
	pin, err := routing.ParseRefreshJTI(initialJTI)
	if err != nil {
		return "", fmt.Errorf("refresh: bad initial jti: %w", err)
	}

	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return "", err
	}
	if _, taken := r.state.TokenToFamily[initialJTI]; taken {
		return "", fmt.Errorf("refresh: jti %s already belongs to a family", initialJTI)
	}

	now := r.now()
	family := &TokenFamily{
		ID:           routing.NewFamilyID(),
		CurrentJTI:   initialJTI,
		Version:      0,
		UserID:       userID,
		ClientID:     clientID,
		AllowedScope: append([]string(nil), allowedScope...),
		Generation:   pin.Generation,
		Shard:        pin.Shard,
		CreatedAt:    now,
		LastRotation: now,
		ExpiresAt:    now.Add(ttl),
	}

	r.state.Families[family.ID] = family
	r.state.TokenToFamily[initialJTI] = family.ID
	if err := r.SaveState(ctx, &r.state); err != nil {
		delete(r.state.Families, family.ID)
		delete(r.state.TokenToFamily, initialJTI)
		return "", err
	}
	return family.ID, nil
}

// Rotate exchanges currentJTI for a successor. tokenVersion is the rtv
// claim carried by the presented token; a persisted version ahead of it
// means the token is stale even when the jti still matches.
//
// Theft is terminal: the family is removed before the error returns, so a
// race between two holders of the same token resolves with at most one
// winner and no further rotations.
func (r *Rotator) Rotate(ctx context.Context, currentJTI string, tokenVersion int, requestedScope []string) (*Rotation, error) {
	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return nil, err
	}

	familyID, ok := r.state.TokenToFamily[currentJTI]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrInvalidGrant)
	}
	family, ok := r.state.Families[familyID]
	if !ok {
		// Index entry without a family should never happen; treat as gone.
		delete(r.state.TokenToFamily, currentJTI)
		return nil, fmt.Errorf("%w: unknown token", ErrInvalidGrant)
	}

	now := r.now()
	if family.expired(now) {
		if err := r.removeFamilyLocked(ctx, family); err != nil {
			slog.Warn("failed to purge expired family", "instance", r.Name(), "family_id", family.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: family expired", ErrInvalidGrant)
	}

	if family.CurrentJTI != currentJTI {
		// The jti resolves to the family but is no longer current: a
		// superseded token is being replayed.
		return nil, r.theftLocked(ctx, family, "superseded token reuse")
	}
	if family.Version > tokenVersion {
		// Same jti, stale version claim. The token was minted before a
		// rotation this store has already persisted.
		return nil, r.theftLocked(ctx, family, "stale token version")
	}

	scope := family.AllowedScope
	if len(requestedScope) > 0 {
		for _, s := range requestedScope {
			if !slices.Contains(family.AllowedScope, s) {
				return nil, fmt.Errorf("%w: %q", ErrScopeEscalation, s)
			}
		}
		scope = requestedScope
	}

	prev := family.clone()
	newJTI := routing.NewRefreshJTI(family.Generation, family.Shard)

	family.PreviousJTIs = append(family.PreviousJTIs, family.CurrentJTI)
	if len(family.PreviousJTIs) > maxPreviousJTIs {
		dropped := family.PreviousJTIs[:len(family.PreviousJTIs)-maxPreviousJTIs]
		for _, jti := range dropped {
			delete(r.state.TokenToFamily, jti)
		}
		family.PreviousJTIs = slices.Clone(family.PreviousJTIs[len(family.PreviousJTIs)-maxPreviousJTIs:])
	}
	family.CurrentJTI = newJTI
	family.Version++
	family.LastRotation = now
	r.state.TokenToFamily[newJTI] = family.ID

	if err := r.SaveState(ctx, &r.state); err != nil {
		*family = *prev
		delete(r.state.TokenToFamily, newJTI)
		for _, jti := range prev.PreviousJTIs {
			r.state.TokenToFamily[jti] = family.ID
		}
		r.state.TokenToFamily[prev.CurrentJTI] = family.ID
		return nil, err
	}

	return &Rotation{
		NewJTI:    newJTI,
		UserID:    family.UserID,
		Scope:     append([]string(nil), scope...),
		Version:   family.Version,
		ExpiresAt: family.ExpiresAt,
	}, nil
}

// theftLocked revokes the family and returns the typed theft error.
func (r *Rotator) theftLocked(ctx context.Context, family *TokenFamily, reason string) error {
	slog.Warn("refresh token theft detected",
		"instance", r.Name(),
		"family_id", family.ID,
		"user_id", family.UserID,
		"client_id", family.ClientID,
		"reason", reason,
	)
	theft := &TheftError{
		FamilyID: family.ID,
		UserID:   family.UserID,
		ClientID: family.ClientID,
		Reason:   reason,
	}
	if err := r.removeFamilyLocked(ctx, family); err != nil {
		// Persisting the revocation failed; surface the save error so the
		// caller retries rather than believing the family is gone.
		return fmt.Errorf("revoke family after theft: %w", err)
	}
	return theft
}

// removeFamilyLocked deletes the family and every index entry in one write.
func (r *Rotator) removeFamilyLocked(ctx context.Context, family *TokenFamily) error {
	delete(r.state.Families, family.ID)
	delete(r.state.TokenToFamily, family.CurrentJTI)
	for _, jti := range family.PreviousJTIs {
		delete(r.state.TokenToFamily, jti)
	}

	if err := r.SaveState(ctx, &r.state); err != nil {
		r.state.Families[family.ID] = family
		r.state.TokenToFamily[family.CurrentJTI] = family.ID
		for _, jti := range family.PreviousJTIs {
			r.state.TokenToFamily[jti] = family.ID
		}
		return err
	}
	return nil
}

// RevokeFamily removes the family and all its tokens. Returns false if the
// family does not exist.
func (r *Rotator) RevokeFamily(ctx context.Context, familyID, reason string) (bool, error) {
	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return false, err
	}

	family, ok := r.state.Families[familyID]
	if !ok {
		return false, nil
	}
	if err := r.removeFamilyLocked(ctx, family); err != nil {
		return false, err
	}
	slog.Info("refresh family revoked",
		"instance", r.Name(),
		"family_id", familyID,
		"reason", reason,
	)
	return true, nil
}

// RevokeUserClient removes every family of (userID, clientID) on this shard
// in a single persisted write. Returns the number of families revoked.
func (r *Rotator) RevokeUserClient(ctx context.Context, userID, clientID, reason string) (int, error) {
	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return 0, err
	}

	removed := make(map[string]*TokenFamily)
	for id, family := range r.state.Families {
		if family.UserID == userID && (clientID == "" || family.ClientID == clientID) {
			removed[id] = family
			delete(r.state.Families, id)
			delete(r.state.TokenToFamily, family.CurrentJTI)
			for _, jti := range family.PreviousJTIs {
				delete(r.state.TokenToFamily, jti)
			}
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if err := r.SaveState(ctx, &r.state); err != nil {
		for id, family := range removed {
			r.state.Families[id] = family
			r.state.TokenToFamily[family.CurrentJTI] = id
			for _, jti := range family.PreviousJTIs {
				r.state.TokenToFamily[jti] = id
			}
		}
		return 0, err
	}
	slog.Info("refresh families revoked for user",
		"instance", r.Name(),
		"user_id", userID,
		"client_id", clientID,
		"count", len(removed),
		"reason", reason,
	)
	return len(removed), nil
}

// GetFamilyInfo returns a read-only snapshot of the family.
func (r *Rotator) GetFamilyInfo(ctx context.Context, familyID string) (*TokenFamily, error) {
	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return nil, err
	}
	family, ok := r.state.Families[familyID]
	if !ok {
		return nil, ErrFamilyNotFound
	}
	return family.clone(), nil
}

// LookupJTI resolves a jti for introspection. Current reports whether the
// token is the family's live head; superseded tokens resolve with
// Current=false and must introspect as inactive.
func (r *Rotator) LookupJTI(ctx context.Context, jti string) (*JTILookup, error) {
	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return nil, err
	}

	familyID, ok := r.state.TokenToFamily[jti]
	if !ok {
		return nil, ErrFamilyNotFound
	}
	family, ok := r.state.Families[familyID]
	if !ok {
		return nil, ErrFamilyNotFound
	}
	if family.expired(r.now()) {
		return nil, ErrFamilyNotFound
	}
	return &JTILookup{
		Family:  family.clone(),
		Current: family.CurrentJTI == jti,
	}, nil
}

// sweep drops expired families and their index entries.
func (r *Rotator) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		slog.Error("refresh sweep: initialize failed", "instance", r.Name(), "error", err)
		return
	}

	now := r.now()
	removed := make(map[string]*TokenFamily)
	for id, family := range r.state.Families {
		if family.expired(now) {
			removed[id] = family
			delete(r.state.Families, id)
			delete(r.state.TokenToFamily, family.CurrentJTI)
			for _, jti := range family.PreviousJTIs {
				delete(r.state.TokenToFamily, jti)
			}
		}
	}
	if len(removed) == 0 {
		return
	}

	if err := r.SaveState(ctx, &r.state); err != nil {
		for id, family := range removed {
			r.state.Families[id] = family
			r.state.TokenToFamily[family.CurrentJTI] = id
			for _, jti := range family.PreviousJTIs {
				r.state.TokenToFamily[jti] = id
			}
		}
		slog.Error("refresh sweep: save failed", "instance", r.Name(), "error", err)
	}
}
