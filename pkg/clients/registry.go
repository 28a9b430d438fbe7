// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients holds the OAuth client registry: statically configured
// clients plus clients added at runtime through dynamic registration
// (RFC 7591). Reads go through an immutable snapshot so the hot path never
// touches the store.
package clients

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/actor"
)

// Subject types per OIDC Core 8.
const (
	SubjectTypePublic   = "public"
	SubjectTypePairwise = "pairwise"
)

// Token endpoint auth methods.
const (
	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodSecretPost  = "client_secret_post"
	AuthMethodNone        = "none"
)

var (
	// ErrNotFound is returned for an unknown client id.
	ErrNotFound = errors.New("clients: not found")

	// ErrAuthFailed is returned when client authentication fails. The
	// message is identical for unknown id and wrong secret.
	ErrAuthFailed = errors.New("clients: authentication failed")

	// ErrRedirectMismatch is returned when a redirect uri is not
	// registered. Matching is exact, no prefix or wildcard logic.
	ErrRedirectMismatch = errors.New("clients: redirect uri not registered")

	// ErrScopeNotAllowed is returned when a requested scope exceeds the
	// client's registration.
	ErrScopeNotAllowed = errors.New("clients: scope not allowed")
)

// Client is one registered OAuth client.
type Client struct {
	ID                      string   `json:"client_id"`
	Secret                  string   `json:"client_secret,omitempty"`
	Name                    string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	Scope                   []string `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	SubjectType             string   `json:"subject_type,omitempty"`
	RequireConsent          bool     `json:"require_consent,omitempty"`
	RequireDPoP             bool     `json:"require_dpop,omitempty"`
	BackchannelLogoutURI    string   `json:"backchannel_logout_uri,omitempty"`
	IDTokenClaims           []string `json:"id_token_claims,omitempty"`
	CreatedAt               time.Time `json:"created_at,omitempty"`
	Dynamic                 bool     `json:"dynamic,omitempty"`
}

func (c *Client) clone() *Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.Scope = append([]string(nil), c.Scope...)
	out.IDTokenClaims = append([]string(nil), c.IDTokenClaims...)
	return &out
}

// Public returns the client without its secret, for registration responses
// and diagnostics.
func (c *Client) Public() *Client {
	out := c.clone()
	out.Secret = ""
	return out
}

// ValidateRedirectURI checks uri against the registration. Exact string
// match only.
func (c *Client) ValidateRedirectURI(uri string) error {
	if uri == "" || !slices.Contains(c.RedirectURIs, uri) {
		return ErrRedirectMismatch
	}
	return nil
}

// ValidateScope checks requested ⊆ registered. A client registered with no
// scope list accepts any scope.
func (c *Client) ValidateScope(requested []string) error {
	if len(c.Scope) == 0 {
		return nil
	}
	for _, s := range requested {
		if !slices.Contains(c.Scope, s) {
			return fmt.Errorf("%w: %q", ErrScopeNotAllowed, s)
		}
	}
	return nil
}

// AllowsGrant reports whether the client may use the grant type. An empty
// registration means authorization_code only.
func (c *Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == "authorization_code"
	}
	return slices.Contains(c.GrantTypes, grantType)
}

type registryState struct {
	Version int                `json:"version"`
	Clients map[string]*Client `json:"clients"`
}

// Registry resolves clients. Static clients come from configuration and
// are immutable; dynamic clients persist through the actor store.
type Registry struct {
	actor.Base

	static      map[string]*Client
	snapshot    atomic.Pointer[map[string]*Client]
	now         func() time.Time
	initialized bool
	state       registryState
}

// NewRegistry creates the registry instance over the given static clients.
func NewRegistry(name string, store actor.Store, static []*Client) *Registry {
	r := &Registry{
		Base:   actor.NewBase(name, store),
		static: make(map[string]*Client, len(static)),
		now:    time.Now,
	}
	for _, c := range static {
		r.static[c.ID] = c.clone()
	}
	return r
}

func (r *Registry) initialize(ctx context.Context) error {
	if r.initialized {
		return nil
	}
	found, err := r.LoadState(ctx, &r.state)
	if err != nil {
		return err
	}
	if !found {
		r.state = registryState{Version: 1, Clients: make(map[string]*Client)}
	} else if r.state.Clients == nil {
		r.state.Clients = make(map[string]*Client)
	}
	r.initialized = true
	r.publishLocked()
	return nil
}

// publishLocked rebuilds the read snapshot. Static registrations shadow
// dynamic ones on id collision.
func (r *Registry) publishLocked() {
	snap := make(map[string]*Client, len(r.static)+len(r.state.Clients))
	for id, c := range r.state.Clients {
		snap[id] = c
	}
	for id, c := range r.static {
		snap[id] = c
	}
	r.snapshot.Store(&snap)
}

// Get resolves a client by id from the snapshot, loading state on first
// use.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	if snap := r.snapshot.Load(); snap != nil {
		if c, ok := (*snap)[clientID]; ok {
			return c.clone(), nil
		}
		return nil, ErrNotFound
	}

	r.Lock()
	defer r.Unlock()
	if err := r.initialize(ctx); err != nil {
		return nil, err
	}
	if c, ok := (*r.snapshot.Load())[clientID]; ok {
		return c.clone(), nil
	}
	return nil, ErrNotFound
}

// Authenticate resolves the client and checks its secret in constant time.
// Public clients (auth method "none") authenticate with an empty secret.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	c, err := r.Get(ctx, clientID)
	if err != nil {
		// Burn a comparison so unknown ids cost the same as bad secrets.
		subtle.ConstantTimeCompare([]byte(secret), []byte(secret))
		return nil, ErrAuthFailed
	}

	if c.TokenEndpointAuthMethod == AuthMethodNone {
		if secret != "" {
			return nil, ErrAuthFailed
		}
		return c, nil
	}
	if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
		return nil, ErrAuthFailed
	}
	return c, nil
}

// Register adds a dynamic client (RFC 7591). The returned client includes
// the generated id and secret; the secret is shown exactly once.
func (r *Registry) Register(ctx context.Context, req *Client) (*Client, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, errors.New("clients: at least one redirect uri is required")
	}

	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return nil, err
	}

	c := req.clone()
	c.ID = uuid.NewString()
	c.Secret = randomSecret()
	c.CreatedAt = r.now()
	c.Dynamic = true
	if c.TokenEndpointAuthMethod == "" {
		c.TokenEndpointAuthMethod = AuthMethodSecretBasic
	}
	if c.SubjectType == "" {
		c.SubjectType = SubjectTypePublic
	}

	r.state.Clients[c.ID] = c
	if err := r.SaveState(ctx, &r.state); err != nil {
		delete(r.state.Clients, c.ID)
		return nil, err
	}
	r.publishLocked()
	return c.clone(), nil
}

// Remove deletes a dynamic client. Static clients cannot be removed.
func (r *Registry) Remove(ctx context.Context, clientID string) error {
	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return err
	}

	c, ok := r.state.Clients[clientID]
	if !ok {
		return ErrNotFound
	}
	delete(r.state.Clients, clientID)
	if err := r.SaveState(ctx, &r.state); err != nil {
		r.state.Clients[clientID] = c
		return err
	}
	r.publishLocked()
	return nil
}

// Subject derives the sub claim for userID as seen by the client. Pairwise
// subjects are stable per (user, client) and unlinkable across clients.
func Subject(c *Client, userID, salt string) string {
	if c.SubjectType != SubjectTypePairwise {
		return userID
	}
	sum := sha256.Sum256([]byte(userID + c.ID + salt))
	return hex.EncodeToString(sum[:])
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
