// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens builds and validates the JWTs the provider issues: access
// tokens, ID tokens, and the JWT form of refresh tokens. Claim layout
// follows OIDC Core; the authrim_permissions claim carries the RBAC layer.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/keys"
)

// PermissionsClaim is the RBAC/ReBAC claim embedded in access tokens.
const PermissionsClaim = "authrim_permissions"

var (
	// ErrInvalidToken covers signature, expiry, and issuer failures.
	ErrInvalidToken = errors.New("tokens: invalid token")

	// ErrCompromisedKey means the token verified against a key marked
	// compromised by an emergency rotation.
	ErrCompromisedKey = errors.New("tokens: signing key compromised")
)

// Config carries the issuance parameters shared by all mints.
type Config struct {
	Issuer       string
	AccessTTL    time.Duration
	IDTokenTTL   time.Duration
	RefreshTTL   time.Duration
	PairwiseSalt string

	// RBACIDTokenClaims is the whitelist of RBAC claim names that may be
	// copied into ID tokens.
	RBACIDTokenClaims []string
}

// Minter signs tokens with the tenant's key manager.
type Minter struct {
	cfg Config
	km  *keys.Manager
	now func() time.Time
}

// NewMinter creates a minter over the tenant's key manager.
func NewMinter(cfg Config, km *keys.Manager) *Minter {
	return &Minter{cfg: cfg, km: km, now: time.Now}
}

// AccessRequest describes one access token.
type AccessRequest struct {
	Client      *clients.Client
	UserID      string
	Scope       []string
	CnfJKT      string
	Permissions map[string]any
}

// AccessToken is the minted result.
type AccessToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// MintAccess builds and signs an access token.
func (m *Minter) MintAccess(ctx context.Context, req AccessRequest) (*AccessToken, error) {
	if req.Client == nil || req.UserID == "" {
		return nil, errors.New("tokens: client and user id are required")
	}

	now := m.now()
	jti := uuid.NewString()
	exp := now.Add(m.cfg.AccessTTL)

	claims := jwt.MapClaims{
		"iss":       m.cfg.Issuer,
		"sub":       clients.Subject(req.Client, req.UserID, m.cfg.PairwiseSalt),
		"aud":       req.Client.ID,
		"exp":       exp.Unix(),
		"iat":       now.Unix(),
		"jti":       jti,
		"scope":     strings.Join(req.Scope, " "),
		"client_id": req.Client.ID,
	}
	if req.CnfJKT != "" {
		claims["cnf"] = map[string]any{"jkt": req.CnfJKT}
	}
	if len(req.Permissions) > 0 {
		claims[PermissionsClaim] = req.Permissions
	}

	signed, _, err := m.km.Sign(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	return &AccessToken{Token: signed, JTI: jti, ExpiresAt: exp}, nil
}

// IDRequest describes one ID token.
type IDRequest struct {
	Client      *clients.Client
	UserID      string
	Nonce       string
	ACR         string
	AMR         []string
	AuthTime    time.Time
	SessionID   string
	AccessToken string
	Code        string

	// RBACClaims are candidate extra claims; only whitelisted names are
	// embedded.
	RBACClaims map[string]any
}

// MintID builds and signs an ID token. at_hash and c_hash are derived from
// the access token and code when present.
func (m *Minter) MintID(ctx context.Context, req IDRequest) (string, error) {
	if req.Client == nil || req.UserID == "" {
		return "", errors.New("tokens: client and user id are required")
	}

	now := m.now()
	claims := jwt.MapClaims{
		"iss": m.cfg.Issuer,
		"sub": clients.Subject(req.Client, req.UserID, m.cfg.PairwiseSalt),
		"aud": req.Client.ID,
		"azp": req.Client.ID,
		"exp": now.Add(m.cfg.IDTokenTTL).Unix(),
		"iat": now.Unix(),
	}
	if !req.AuthTime.IsZero() {
		claims["auth_time"] = req.AuthTime.Unix()
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.ACR != "" {
		claims["acr"] = req.ACR
	}
	if len(req.AMR) > 0 {
		claims["amr"] = req.AMR
	}
	if req.SessionID != "" {
		claims["sid"] = req.SessionID
	}
	if req.AccessToken != "" {
		claims["at_hash"] = leftHalfHash(req.AccessToken)
	}
	if req.Code != "" {
		claims["c_hash"] = leftHalfHash(req.Code)
	}
	for name, value := range req.RBACClaims {
		if slices.Contains(m.cfg.RBACIDTokenClaims, name) {
			claims[name] = value
		}
	}

	signed, _, err := m.km.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("mint id token: %w", err)
	}
	return signed, nil
}

// RefreshClaims describes the JWT form of a refresh token. The rtv claim is
// the family version the rotator checks for staleness.
type RefreshClaims struct {
	JTI     string
	UserID  string
	Client  *clients.Client
	Scope   []string
	Version int
	TTL     time.Duration
}

// MintRefresh signs a refresh token around an already-allocated jti.
func (m *Minter) MintRefresh(ctx context.Context, req RefreshClaims) (string, error) {
	if req.JTI == "" || req.Client == nil {
		return "", errors.New("tokens: jti and client are required")
	}

	now := m.now()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.RefreshTTL
	}
	claims := jwt.MapClaims{
		"iss":       m.cfg.Issuer,
		"sub":       clients.Subject(req.Client, req.UserID, m.cfg.PairwiseSalt),
		"aud":       req.Client.ID,
		"exp":       now.Add(ttl).Unix(),
		"iat":       now.Unix(),
		"jti":       req.JTI,
		"scope":     strings.Join(req.Scope, " "),
		"client_id": req.Client.ID,
		"rtv":       req.Version,
	}

	signed, _, err := m.km.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("mint refresh token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token this tenant issued: signature against
// the key named in the header, issuer, and expiry (with OIDC leeway).
func (m *Minter) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	var compromised bool
	parsed, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid header")
			}
			pub, bad, err := m.km.VerificationKey(ctx, kid)
			if err != nil {
				return nil, err
			}
			compromised = bad
			return pub, nil
		},
		jwt.WithValidMethods([]string{"ES256", "RS256"}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if compromised {
		return nil, ErrCompromisedKey
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	return claims, nil
}

// SplitScope turns a space-separated scope string into its parts.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// leftHalfHash is the OIDC at_hash/c_hash construction for SHA-256 based
// algorithms: base64url of the left 128 bits of the hash.
func leftHalfHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}
