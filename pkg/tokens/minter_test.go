// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/keys"
)

func newTestMinter(t *testing.T) *Minter {
	t.Helper()

	backend := actor.NewMemoryBackend()
	km := keys.New("tenant:acme:keys", backend.ForInstance("tenant:acme:keys"), keys.Config{
		Algorithm:        "ES256",
		RotationInterval: time.Hour,
		Retention:        time.Hour,
	})
	t.Cleanup(func() { _ = km.Close() })

	return NewMinter(Config{
		Issuer:            "https://issuer.test",
		AccessTTL:         time.Hour,
		IDTokenTTL:        time.Hour,
		RefreshTTL:        30 * 24 * time.Hour,
		PairwiseSalt:      "salt",
		RBACIDTokenClaims: []string{"roles"},
	}, km)
}

func testClient() *clients.Client {
	return &clients.Client{ID: "c1", SubjectType: clients.SubjectTypePublic}
}

func TestMintAndVerifyAccessToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMinter(t)

	tok, err := m.MintAccess(ctx, AccessRequest{
		Client:      testClient(),
		UserID:      "user-1",
		Scope:       []string{"openid", "profile"},
		CnfJKT:      "thumb",
		Permissions: map[string]any{"doc:1": []string{"read"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, tok.JTI)

	claims, err := m.Verify(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.test", claims["iss"])
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "c1", claims["client_id"])
	assert.Equal(t, "openid profile", claims["scope"])
	assert.Equal(t, tok.JTI, claims["jti"])

	cnf, ok := claims["cnf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "thumb", cnf["jkt"])
	assert.Contains(t, claims, PermissionsClaim)
}

func TestPairwiseSubjectInTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMinter(t)
	pairwise := &clients.Client{ID: "c1", SubjectType: clients.SubjectTypePairwise}

	tok, err := m.MintAccess(ctx, AccessRequest{Client: pairwise, UserID: "user-1", Scope: []string{"openid"}})
	require.NoError(t, err)

	claims, err := m.Verify(ctx, tok.Token)
	require.NoError(t, err)
	assert.NotEqual(t, "user-1", claims["sub"])
	assert.Equal(t, clients.Subject(pairwise, "user-1", "salt"), claims["sub"])
}

func TestMintIDToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMinter(t)
	authTime := time.Now().Add(-time.Minute).Truncate(time.Second)

	access, err := m.MintAccess(ctx, AccessRequest{Client: testClient(), UserID: "user-1", Scope: []string{"openid"}})
	require.NoError(t, err)

	idToken, err := m.MintID(ctx, IDRequest{
		Client:      testClient(),
		UserID:      "user-1",
		Nonce:       "n-1",
		ACR:         "urn:acr:1",
		AMR:         []string{"pwd", "otp"},
		AuthTime:    authTime,
		SessionID:   "7_session_550e8400-e29b-41d4-a716-446655440000",
		AccessToken: access.Token,
		Code:        "some-code",
		RBACClaims: map[string]any{
			"roles":  []string{"admin"},
			"secret": "must-not-appear",
		},
	})
	require.NoError(t, err)

	claims, err := m.Verify(ctx, idToken)
	require.NoError(t, err)
	assert.Equal(t, "n-1", claims["nonce"])
	assert.Equal(t, "urn:acr:1", claims["acr"])
	assert.Equal(t, "c1", claims["azp"])
	assert.Equal(t, float64(authTime.Unix()), claims["auth_time"])
	assert.Equal(t, "7_session_550e8400-e29b-41d4-a716-446655440000", claims["sid"])

	// Whitelist: roles passes, anything else is dropped.
	assert.Contains(t, claims, "roles")
	assert.NotContains(t, claims, "secret")

	// at_hash is the left half of SHA-256 over the access token.
	sum := sha256.Sum256([]byte(access.Token))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:16]), claims["at_hash"])
	assert.NotEmpty(t, claims["c_hash"])
}

func TestMintRefreshCarriesVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMinter(t)

	signed, err := m.MintRefresh(ctx, RefreshClaims{
		JTI:     "v1_3_abc",
		UserID:  "user-1",
		Client:  testClient(),
		Scope:   []string{"openid", "offline_access"},
		Version: 4,
	})
	require.NoError(t, err)

	claims, err := m.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "v1_3_abc", claims["jti"])
	assert.Equal(t, float64(4), claims["rtv"])
}

func TestVerifyRejectsExpiredAndForeign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestMinter(t)

	tok, err := m.MintAccess(ctx, AccessRequest{Client: testClient(), UserID: "user-1", Scope: []string{"openid"}})
	require.NoError(t, err)

	m.now = func() time.Time { return tok.ExpiresAt.Add(time.Minute) }
	_, err = m.Verify(ctx, tok.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	m.now = time.Now
	_, err = m.Verify(ctx, "not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSplitScope(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"openid", "profile"}, SplitScope("openid  profile"))
	assert.Empty(t, SplitScope(""))
}
