// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
)

func newTestManager(t *testing.T) (*Manager, actor.Store) {
	t.Helper()

	backend := actor.NewMemoryBackend()
	store := backend.ForInstance("tenant:acme:keys")
	m := New("tenant:acme:keys", store, Config{
		Algorithm:        "ES256",
		RotationInterval: 30 * 24 * time.Hour,
		Retention:        7 * 24 * time.Hour,
	})
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, _ := newTestManager(t)

	claims := jwt.MapClaims{
		"iss": "https://issuer.test",
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, kid, err := m.Sign(ctx, claims)
	require.NoError(t, err)
	require.NotEmpty(t, kid)

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		headerKID, _ := token.Header["kid"].(string)
		assert.Equal(t, kid, headerKID)
		pub, compromised, err := m.VerificationKey(ctx, headerKID)
		require.False(t, compromised)
		return pub, err
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	sub, err := parsed.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestExactlyOneActiveKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, _ := newTestManager(t)

	first, err := m.ActiveKID(ctx)
	require.NoError(t, err)

	second, err := m.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	active, err := m.ActiveKID(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, active)

	// JWKS contains both: the active key and the retained one.
	set, err := m.JWKS(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
}

func TestRotationSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := actor.NewMemoryBackend()
	store := backend.ForInstance("tenant:acme:keys")
	cfg := Config{Algorithm: "ES256", RotationInterval: time.Hour, Retention: time.Hour}

	m1 := New("tenant:acme:keys", store, cfg)
	kid, err := m1.Rotate(ctx)
	require.NoError(t, err)

	claims := jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()}
	signed, _, err := m1.Sign(ctx, claims)
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	// A new instance over the same store must see the rotated key and
	// verify tokens signed before the restart.
	m2 := New("tenant:acme:keys", store, cfg)
	defer m2.Close()

	active, err := m2.ActiveKID(ctx)
	require.NoError(t, err)
	assert.Equal(t, kid, active)

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		headerKID, _ := token.Header["kid"].(string)
		pub, _, err := m2.VerificationKey(ctx, headerKID)
		return pub, err
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}

func TestEmergencyRotationMarksOthersCompromised(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, _ := newTestManager(t)

	oldKID, err := m.ActiveKID(ctx)
	require.NoError(t, err)

	newKID, err := m.RotateEmergency(ctx, "suspected key exposure")
	require.NoError(t, err)
	assert.NotEqual(t, oldKID, newKID)

	_, compromised, err := m.VerificationKey(ctx, oldKID)
	require.NoError(t, err)
	assert.True(t, compromised)

	_, compromised, err = m.VerificationKey(ctx, newKID)
	require.NoError(t, err)
	assert.False(t, compromised)

	// Compromised keys are still published so verification fails explicitly.
	set, err := m.JWKS(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
}

func TestRetentionPrunesOldKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := actor.NewMemoryBackend()
	store := backend.ForInstance("tenant:acme:keys")
	m := New("tenant:acme:keys", store, Config{
		Algorithm:        "ES256",
		RotationInterval: time.Hour,
		Retention:        time.Hour,
	})
	defer m.Close()

	now := time.Now()
	m.now = func() time.Time { return now }

	first, err := m.ActiveKID(ctx)
	require.NoError(t, err)

	// Retire the first key, then advance past the retention window.
	_, err = m.Rotate(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.Rotate(ctx)
	require.NoError(t, err)

	_, _, err = m.VerificationKey(ctx, first)
	assert.Error(t, err, "key past retention must be deleted")

	set, err := m.JWKS(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
}

func TestRS256Supported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := actor.NewMemoryBackend()
	m := New("tenant:rsa:keys", backend.ForInstance("tenant:rsa:keys"), Config{
		Algorithm:        "RS256",
		RotationInterval: time.Hour,
		Retention:        time.Hour,
	})
	defer m.Close()

	signed, kid, err := m.Sign(ctx, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(_ *jwt.Token) (any, error) {
		pub, _, err := m.VerificationKey(ctx, kid)
		return pub, err
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}
