// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package routing maps artifacts to actor instance names.
//
// Routing is purely functional: an instance name is a deterministic function
// of (tenant, resource kind, key material, generation, shard count). Already
// issued artifacts carry their (generation, shard) embedded in the identifier
// itself, so a shard-count change only affects newly created artifacts and
// never moves existing ones.
package routing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Resource kinds used in instance names.
const (
	KindSession    = "session"
	KindAuthCode   = "authcode"
	KindRefresh    = "refresh"
	KindKeys       = "keys"
	KindChallenge  = "challenge"
	KindDPoP       = "dpop"
	KindRevocation = "revocation"
	KindRateLimit  = "rate"
	KindDevice     = "device"
	KindCIBA       = "ciba"
	KindConsent    = "consent"
)

// HashSHA returns the first four bytes of SHA-256(key) as an unsigned int.
// Used for refresh-token family routing where distribution quality matters.
func HashSHA(key string) uint32 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

// HashFNV returns the FNV-1a hash of key. Used for lower-stakes routing
// (sessions, codes, rate-limit counters).
func HashFNV(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// InstanceName builds a sharded instance name:
//
//	tenant:{tenant}:{kind}:{keyMaterial}:v{generation}:shard-{shard}
func InstanceName(tenant, kind, keyMaterial string, generation, shard int) string {
	return fmt.Sprintf("tenant:%s:%s:%s:v%d:shard-%d", tenant, kind, keyMaterial, generation, shard)
}

// LegacyInstanceName builds the backward-compatible instance name for
// identifiers that predate generation embedding (treated as generation 0):
//
//	tenant:{tenant}:{kind}:{keyMaterial}
func LegacyInstanceName(tenant, kind, keyMaterial string) string {
	return fmt.Sprintf("tenant:%s:%s:%s", tenant, kind, keyMaterial)
}

// SingletonInstanceName builds the name of a per-tenant unsharded instance
// (key manager, authorization code store, challenge stores):
//
//	tenant:{tenant}:{kind}
func SingletonInstanceName(tenant, kind string) string {
	return fmt.Sprintf("tenant:%s:%s", tenant, kind)
}

// SessionShard computes the owning session shard for a user.
func SessionShard(userID string, shardCount int) int {
	return int(HashFNV(userID) % uint32(shardCount)) //nolint:gosec // shardCount validated positive
}

// SessionInstanceName names a session store shard.
func SessionInstanceName(tenant string, shard int) string {
	return fmt.Sprintf("tenant:%s:%s:shard-%d", tenant, KindSession, shard)
}

// RefreshShard computes the owning refresh shard for a (user, client) pair.
// The SHA-based hash pins a user's families for one client to one shard.
func RefreshShard(userID, clientID string, shardCount int) int {
	return int(HashSHA(userID+":"+clientID) % uint32(shardCount)) //nolint:gosec // shardCount validated positive
}

// RefreshInstanceName names a refresh-token rotator instance. The generation
// and shard come either from the current shard config (new families) or from
// the identifier of an already-issued token (all later operations).
func RefreshInstanceName(tenant, clientID string, generation, shard int) string {
	return InstanceName(tenant, KindRefresh, clientID, generation, shard)
}

// LegacyRefreshInstanceName names the generation-0 rotator instance that
// serves legacy rt_{uuid} tokens.
func LegacyRefreshInstanceName(tenant, clientID string) string {
	return LegacyInstanceName(tenant, KindRefresh, clientID)
}

// RateLimitShard computes the owning rate-limit shard for a client IP.
func RateLimitShard(clientIP string, shardCount int) int {
	return int(HashFNV(clientIP) % uint32(shardCount)) //nolint:gosec // shardCount validated positive
}

// RateLimitInstanceName names a rate-limit counter shard.
func RateLimitInstanceName(tenant string, shard int) string {
	return fmt.Sprintf("tenant:%s:%s:shard-%d", tenant, KindRateLimit, shard)
}
