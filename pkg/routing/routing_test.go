// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
)

func TestInstanceNameFormats(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"tenant:acme:refresh:client-1:v3:shard-5",
		RefreshInstanceName("acme", "client-1", 3, 5))
	assert.Equal(t,
		"tenant:acme:refresh:client-1",
		LegacyRefreshInstanceName("acme", "client-1"))
	assert.Equal(t,
		"tenant:acme:session:shard-7",
		SessionInstanceName("acme", 7))
	assert.Equal(t,
		"tenant:acme:authcode",
		SingletonInstanceName("acme", KindAuthCode))
}

func TestHashesAreDeterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HashSHA("u1:c1"), HashSHA("u1:c1"))
	assert.Equal(t, HashFNV("10.0.0.1"), HashFNV("10.0.0.1"))
	assert.NotEqual(t, HashSHA("u1:c1"), HashSHA("u1:c2"))
}

func TestRefreshShardStableAcrossCalls(t *testing.T) {
	t.Parallel()

	first := RefreshShard("user-1", "client-1", 8)
	for range 100 {
		assert.Equal(t, first, RefreshShard("user-1", "client-1", 8))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
}

func TestParseRefreshJTI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		jti     string
		want    TokenPin
		wantErr bool
	}{
		{
			name: "versioned",
			jti:  "v2_5_abcDEF123-_x",
			want: TokenPin{Generation: 2, Shard: 5},
		},
		{
			name: "legacy",
			jti:  "rt_550e8400-e29b-41d4-a716-446655440000",
			want: TokenPin{Legacy: true},
		},
		{
			name:    "garbage",
			jti:     "not-a-token",
			wantErr: true,
		},
		{
			name:    "empty",
			jti:     "",
			wantErr: true,
		},
		{
			name:    "versioned prefix without separator",
			jti:     "v2_abc",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pin, err := ParseRefreshJTI(tc.jti)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, pin)
		})
	}
}

func TestNewRefreshJTIRoundTrips(t *testing.T) {
	t.Parallel()

	jti := NewRefreshJTI(4, 2)
	assert.True(t, strings.HasPrefix(jti, "v4_2_"))

	pin, err := ParseRefreshJTI(jti)
	require.NoError(t, err)
	assert.Equal(t, TokenPin{Generation: 4, Shard: 2}, pin)
}

func TestSessionIDRoundTrips(t *testing.T) {
	t.Parallel()

	id := NewSessionID(7)
	shard, ok := ParseSessionID(id)
	require.True(t, ok)
	assert.Equal(t, 7, shard)

	_, ok = ParseSessionID("session_nope")
	assert.False(t, ok)
	_, ok = ParseSessionID("")
	assert.False(t, ok)
}

func TestValidAuthorizationCode(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidAuthorizationCode(NewAuthorizationCode()))
	assert.False(t, ValidAuthorizationCode(""))
	assert.False(t, ValidAuthorizationCode(strings.Repeat("x", 4096)))
	assert.False(t, ValidAuthorizationCode("has space"))
}

func TestConfigStoreUpdateBumpsGeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := actor.NewMemoryBackend()
	store := NewConfigStore(
		backend.ForInstance("tenant:acme:config"),
		time.Millisecond,
		ShardConfig{CurrentGeneration: 1, CurrentShardCount: 8},
	)

	cfg, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.CurrentGeneration)
	assert.Equal(t, 8, cfg.CurrentShardCount)

	updated, err := store.Update(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentGeneration)
	assert.Equal(t, 16, updated.CurrentShardCount)
	require.Len(t, updated.PreviousGenerations, 1)
	assert.Equal(t, 8, updated.PreviousGenerations[0].ShardCount)

	// Same count is a no-op, generation unchanged.
	again, err := store.Update(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, again.CurrentGeneration)

	// Retired generations keep their shard counts resolvable.
	assert.Equal(t, 8, updated.ShardCountFor(1))
	assert.Equal(t, 16, updated.ShardCountFor(2))
}

func TestConfigStoreCacheServesSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := actor.NewMemoryBackend()
	kv := backend.ForInstance("tenant:acme:config")
	store := NewConfigStore(kv, time.Hour, ShardConfig{CurrentGeneration: 1, CurrentShardCount: 4})

	_, err := store.Current(ctx)
	require.NoError(t, err)

	// A write that bypasses this process is invisible until the TTL lapses.
	other := NewConfigStore(kv, time.Hour, ShardConfig{CurrentGeneration: 1, CurrentShardCount: 4})
	_, err = other.Update(ctx, 32)
	require.NoError(t, err)

	cfg, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.CurrentShardCount, "cached snapshot must be served within TTL")
}
