// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys implements the per-tenant signing key manager.
//
// The manager is an actor: one instance per tenant, all operations
// serialized. It owns the full key lifecycle - generation, scheduled
// rotation, an overlap window in which retired keys still verify, and
// eventual deletion - and publishes the JWKS for the tenant.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/authrim/authrim/pkg/actor"
)

// DefaultAlgorithm is the signing algorithm for generated keys.
// ES256 provides equivalent security to RSA-3072 with smaller keys.
const DefaultAlgorithm = "ES256"

const rsaKeyBits = 2048

// Config controls the key lifecycle.
type Config struct {
	// Algorithm is ES256 or RS256.
	Algorithm string

	// RotationInterval is how long a key stays active.
	RotationInterval time.Duration

	// Retention is how long a retired key remains in the JWKS for
	// verification before deletion.
	Retention time.Duration
}

// signingKey is the persisted form of one key.
type signingKey struct {
	KID         string     `json:"kid"`
	Algorithm   string     `json:"alg"`
	PKCS8       string     `json:"pkcs8"` // base64 DER private key
	CreatedAt   time.Time  `json:"created_at"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
	Compromised bool       `json:"compromised,omitempty"`

	// signer is the decoded private key; never serialized.
	signer crypto.Signer `json:"-"`
}

type managerState struct {
	Version      int           `json:"version"`
	Keys         []*signingKey `json:"keys"`
	ActiveKID    string        `json:"active_kid"`
	LastRotation time.Time     `json:"last_rotation"`
}

// Manager is the key manager actor for one tenant.
type Manager struct {
	actor.Base

	cfg         Config
	now         func() time.Time
	initialized bool
	state       managerState
}

// New creates the key manager instance. Call via actor.Resolve so the name
// maps to exactly one live instance.
func New(name string, store actor.Store, cfg Config) *Manager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultAlgorithm
	}
	m := &Manager{
		Base: actor.NewBase(name, store),
		cfg:  cfg,
		now:  time.Now,
	}
	m.StartAlarm(actor.DefaultCleanupInterval, m.alarm)
	return m
}

// initialize loads persisted state and decodes private keys. Idempotent;
// callers must hold the instance lock.
func (m *Manager) initialize(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	found, err := m.LoadState(ctx, &m.state)
	if err != nil {
		return err
	}
	if found {
		for _, key := range m.state.Keys {
			signer, err := decodePrivateKey(key.PKCS8)
			if err != nil {
				return fmt.Errorf("decode key %s: %w", key.KID, err)
			}
			key.signer = signer
		}
	} else {
		m.state = managerState{Version: 1}
	}
	m.initialized = true

	// A fresh tenant has no key yet; generate and activate the first one.
	if m.state.ActiveKID == "" {
		if err := m.rotateLocked(ctx, false, ""); err != nil {
			m.initialized = false
			return err
		}
	}
	return nil
}

// Sign signs claims with the active key and returns the compact JWS and the
// signing key id.
func (m *Manager) Sign(ctx context.Context, claims jwt.Claims) (jws string, kid string, err error) {
	m.Lock()
	defer m.Unlock()

	if err := m.initialize(ctx); err != nil {
		return "", "", err
	}

	active := m.keyByKID(m.state.ActiveKID)
	if active == nil {
		return "", "", fmt.Errorf("no active signing key for %s", m.Name())
	}

	token := jwt.NewWithClaims(signingMethod(active.Algorithm), claims)
	token.Header["kid"] = active.KID

	signed, err := token.SignedString(active.signer)
	if err != nil {
		return "", "", fmt.Errorf("sign: %w", err)
	}
	return signed, active.KID, nil
}

// SignMap signs a free-form claim map. Used for ID tokens where claim sets
// vary per client.
func (m *Manager) SignMap(ctx context.Context, claims map[string]any) (string, string, error) {
	return m.Sign(ctx, jwt.MapClaims(claims))
}

// VerificationKey returns the public key for kid, for token validation.
// Compromised keys are reported so callers can fail verification explicitly.
func (m *Manager) VerificationKey(ctx context.Context, kid string) (pub crypto.PublicKey, compromised bool, err error) {
	m.Lock()
	defer m.Unlock()

	if err := m.initialize(ctx); err != nil {
		return nil, false, err
	}
	key := m.keyByKID(kid)
	if key == nil {
		return nil, false, fmt.Errorf("unknown key id %q", kid)
	}
	return key.signer.Public(), key.Compromised, nil
}

// ActiveKID returns the current signing key id.
func (m *Manager) ActiveKID(ctx context.Context) (string, error) {
	m.Lock()
	defer m.Unlock()

	if err := m.initialize(ctx); err != nil {
		return "", err
	}
	return m.state.ActiveKID, nil
}

// JWKS returns the published key set: the active key plus every retained
// key whose retention window has not lapsed. Compromised keys stay in the
// set so in-flight tokens fail verification explicitly rather than with a
// missing-key error.
func (m *Manager) JWKS(ctx context.Context) (jwk.Set, error) {
	m.Lock()
	defer m.Unlock()

	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	for _, key := range m.state.Keys {
		pub, err := jwk.Import(key.signer.Public())
		if err != nil {
			return nil, fmt.Errorf("import public key %s: %w", key.KID, err)
		}
		if err := pub.Set(jwk.KeyIDKey, key.KID); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.AlgorithmKey, key.Algorithm); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, fmt.Errorf("add key %s to set: %w", key.KID, err)
		}
	}
	return set, nil
}

// Rotate generates a new key pair, activates it, and retires the previous
// active key into the verification-only window. Returns the new key id.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	m.Lock()
	defer m.Unlock()

	if err := m.initialize(ctx); err != nil {
		return "", err
	}
	if err := m.rotateLocked(ctx, false, ""); err != nil {
		return "", err
	}
	return m.state.ActiveKID, nil
}

// RotateEmergency rotates immediately and marks every other key as
// compromised. Tokens signed with those keys fail verification from now on.
func (m *Manager) RotateEmergency(ctx context.Context, reason string) (string, error) {
	m.Lock()
	defer m.Unlock()

	if err := m.initialize(ctx); err != nil {
		return "", err
	}

	slog.Warn("emergency key rotation",
		"instance", m.Name(),
		"reason", reason,
	)
	if err := m.rotateLocked(ctx, true, reason); err != nil {
		return "", err
	}
	return m.state.ActiveKID, nil
}

// rotateLocked performs the rotation under the instance lock. The new key is
// persisted before activation is observable: state is saved in one blob, so
// a crash either keeps the old state or lands the fully rotated one.
func (m *Manager) rotateLocked(ctx context.Context, emergency bool, _ string) error {
	signer, err := generatePrivateKey(m.cfg.Algorithm)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	kid, err := deriveKeyID(signer.Public())
	if err != nil {
		return fmt.Errorf("derive key id: %w", err)
	}

	pkcs8, err := encodePrivateKey(signer)
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}

	now := m.now()
	prev := m.state

	next := managerState{
		Version:      prev.Version,
		ActiveKID:    kid,
		LastRotation: now,
	}
	for _, key := range prev.Keys {
		kept := *key
		if kept.RetiredAt == nil {
			retired := now
			kept.RetiredAt = &retired
		}
		if emergency {
			kept.Compromised = true
		}
		// Drop keys past their retention window.
		if now.Sub(*kept.RetiredAt) >= m.cfg.Retention {
			continue
		}
		next.Keys = append(next.Keys, &kept)
	}
	next.Keys = append(next.Keys, &signingKey{
		KID:       kid,
		Algorithm: m.cfg.Algorithm,
		PKCS8:     pkcs8,
		CreatedAt: now,
		signer:    signer,
	})

	m.state = next
	if err := m.SaveState(ctx, &m.state); err != nil {
		m.state = prev
		return err
	}

	slog.Info("signing key rotated",
		"instance", m.Name(),
		"kid", kid,
		"retained", len(next.Keys)-1,
	)
	return nil
}

// alarm rotates when the interval has lapsed and prunes retired keys.
func (m *Manager) alarm() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.Lock()
	defer m.Unlock()

	if err := m.initialize(ctx); err != nil {
		slog.Error("key manager alarm: initialize failed", "instance", m.Name(), "error", err)
		return
	}
	if m.now().Sub(m.state.LastRotation) < m.cfg.RotationInterval {
		return
	}
	if err := m.rotateLocked(ctx, false, ""); err != nil {
		slog.Error("scheduled key rotation failed", "instance", m.Name(), "error", err)
	}
}

func (m *Manager) keyByKID(kid string) *signingKey {
	for _, key := range m.state.Keys {
		if key.KID == kid {
			return key
		}
	}
	return nil
}

func signingMethod(algorithm string) jwt.SigningMethod {
	switch algorithm {
	case "RS256":
		return jwt.SigningMethodRS256
	default:
		return jwt.SigningMethodES256
	}
}

// generatePrivateKey creates a new private key for the specified algorithm.
func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "RS256":
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// deriveKeyID computes the RFC 7638 JWK thumbprint of the public key.
func deriveKeyID(pub crypto.PublicKey) (string, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return "", err
	}
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

func encodePrivateKey(signer crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func decodePrivateKey(encoded string) (crypto.Signer, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("parsed key of type %T is not a signer", parsed)
	}
	return signer, nil
}
