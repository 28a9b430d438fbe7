// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/authrim/authrim/pkg/actor"
)

// shardConfigKey is the store key of the shard configuration record.
const shardConfigKey = "shard-config"

// GenerationInfo describes a retired shard configuration. Old generations
// are retained until every token issued under them has expired.
type GenerationInfo struct {
	Generation   int       `json:"generation"`
	ShardCount   int       `json:"shard_count"`
	DeprecatedAt time.Time `json:"deprecated_at"`
}

// ShardConfig is the source of truth for routing newly created artifacts.
// Already-issued artifacts never consult it; their routing comes from the
// (generation, shard) embedded in their identifiers.
type ShardConfig struct {
	CurrentGeneration   int              `json:"current_generation"`
	CurrentShardCount   int              `json:"current_shard_count"`
	PreviousGenerations []GenerationInfo `json:"previous_generations,omitempty"`
}

// ShardCountFor returns the shard count of the given generation, falling
// back to the current count when the generation is unknown.
func (c ShardConfig) ShardCountFor(generation int) int {
	if generation == c.CurrentGeneration {
		return c.CurrentShardCount
	}
	for _, prev := range c.PreviousGenerations {
		if prev.Generation == generation {
			return prev.ShardCount
		}
	}
	return c.CurrentShardCount
}

// ConfigStore persists the shard configuration in a durable KV record and
// serves TTL-bounded immutable snapshots to readers. Concurrent readers may
// observe a snapshot up to the cache TTL old; this is correct because
// routing of issued artifacts never depends on the current configuration.
type ConfigStore struct {
	store    actor.Store
	cacheTTL time.Duration
	fallback ShardConfig

	snapshot atomic.Pointer[cachedSnapshot]
}

type cachedSnapshot struct {
	config    ShardConfig
	fetchedAt time.Time
}

// NewConfigStore creates a config store over the given KV namespace.
// fallback is served when no record has been written yet.
func NewConfigStore(store actor.Store, cacheTTL time.Duration, fallback ShardConfig) *ConfigStore {
	return &ConfigStore{
		store:    store,
		cacheTTL: cacheTTL,
		fallback: fallback,
	}
}

// Current returns the shard configuration, from cache when fresh.
func (s *ConfigStore) Current(ctx context.Context) (ShardConfig, error) {
	if snap := s.snapshot.Load(); snap != nil && time.Since(snap.fetchedAt) < s.cacheTTL {
		return snap.config, nil
	}

	data, err := s.store.Get(ctx, shardConfigKey)
	if err != nil {
		if err == actor.ErrKeyNotFound {
			s.snapshot.Store(&cachedSnapshot{config: s.fallback, fetchedAt: time.Now()})
			return s.fallback, nil
		}
		// Serve a stale snapshot over failing the request.
		if snap := s.snapshot.Load(); snap != nil {
			return snap.config, nil
		}
		return ShardConfig{}, fmt.Errorf("load shard config: %w", err)
	}

	var cfg ShardConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ShardConfig{}, fmt.Errorf("decode shard config: %w", err)
	}

	s.snapshot.Store(&cachedSnapshot{config: cfg, fetchedAt: time.Now()})
	return cfg, nil
}

// Update replaces the shard configuration. The new generation must be
// strictly greater than the current one when the shard count changes; the
// superseded generation is appended to PreviousGenerations.
func (s *ConfigStore) Update(ctx context.Context, shardCount int) (ShardConfig, error) {
	if shardCount < 1 {
		return ShardConfig{}, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}

	current, err := s.Current(ctx)
	if err != nil {
		return ShardConfig{}, err
	}
	if shardCount == current.CurrentShardCount {
		return current, nil
	}

	next := ShardConfig{
		CurrentGeneration: current.CurrentGeneration + 1,
		CurrentShardCount: shardCount,
		PreviousGenerations: append(current.PreviousGenerations, GenerationInfo{
			Generation:   current.CurrentGeneration,
			ShardCount:   current.CurrentShardCount,
			DeprecatedAt: time.Now().UTC(),
		}),
	}

	data, err := json.Marshal(next)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("encode shard config: %w", err)
	}
	if err := s.store.Put(ctx, shardConfigKey, data); err != nil {
		return ShardConfig{}, fmt.Errorf("save shard config: %w", err)
	}

	s.snapshot.Store(&cachedSnapshot{config: next, fetchedAt: time.Now()})
	return next, nil
}
