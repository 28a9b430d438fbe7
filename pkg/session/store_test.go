// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/routing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	backend := actor.NewMemoryBackend()
	name := routing.SessionInstanceName("acme", 7)
	s := New(name, backend.ForInstance(name), 7)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAssignsShardPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)

	sess, err := s.Create(ctx, "user-1", time.Hour, Data{AMR: []string{"pwd"}, AuthTime: time.Now()})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sess.ID, "7_session_"))
	shard, ok := routing.ParseSessionID(sess.ID)
	require.True(t, ok)
	assert.Equal(t, 7, shard)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))
}

func TestGetReturnsOnlyLiveSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	sess, err := s.Create(ctx, "user-1", time.Minute, Data{})
	require.NoError(t, err)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	// expiresAt == now counts as expired.
	now = sess.ExpiresAt
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "7_session_550e8400-e29b-41d4-a716-446655440000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtendMovesExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)

	sess, err := s.Create(ctx, "user-1", time.Minute, Data{})
	require.NoError(t, err)

	extended, err := s.Extend(ctx, sess.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, sess.ExpiresAt.Add(time.Hour), extended.ExpiresAt)

	_, err = s.Extend(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidateIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)

	sess, err := s.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)

	removed, err := s.Invalidate(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	// Every subsequent Get returns not-found.
	for range 3 {
		_, err = s.Get(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	removed, err = s.Invalidate(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListUserScansShardLocal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)

	_, err := s.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "user-2", time.Hour, Data{})
	require.NoError(t, err)

	sessions, err := s.ListUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, sess := range sessions {
		assert.Equal(t, "user-1", sess.UserID)
	}
}

func TestDeleteBatchIsSingleSave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newTestStore(t)

	a, err := s.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)
	b, err := s.Create(ctx, "user-1", time.Hour, Data{})
	require.NoError(t, err)

	n, err := s.DeleteBatch(ctx, []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := actor.NewMemoryBackend()
	name := routing.SessionInstanceName("acme", 3)
	kv := backend.ForInstance(name)

	s1 := New(name, kv, 3)
	sess, err := s1.Create(ctx, "user-1", time.Hour, Data{ACR: "urn:acr:1"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2 := New(name, kv, 3)
	defer s2.Close()

	got, err := s2.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "urn:acr:1", got.Data.ACR)
}
