// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identifier formats are bit-stable wire contracts; changing them breaks
// routing of every artifact already in the wild.

var (
	// versionedIDPattern matches v{generation}_{shard}_{random} identifiers.
	versionedIDPattern = regexp.MustCompile(`^v(\d+)_(\d+)_`)

	// legacyRefreshPattern matches pre-generation refresh JTIs.
	legacyRefreshPattern = regexp.MustCompile(`^rt_[0-9a-f-]{36}$`)

	// sessionIDPattern matches {shard}_session_{uuid} session identifiers.
	sessionIDPattern = regexp.MustCompile(`^(\d+)_session_[0-9a-f-]{36}$`)
)

// randomToken returns n random bytes base64url-encoded without padding.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process cannot mint credentials at
		// all; fail loudly rather than degrade to weak identifiers.
		panic(fmt.Sprintf("routing: crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// NewRefreshJTI mints a refresh-token JTI pinned to (generation, shard):
//
//	v{generation}_{shard}_{random}
func NewRefreshJTI(generation, shard int) string {
	return fmt.Sprintf("v%d_%d_%s", generation, shard, randomToken(24))
}

// NewSessionID mints a session identifier bound to its shard:
//
//	{shard}_session_{uuid-v4}
func NewSessionID(shard int) string {
	return fmt.Sprintf("%d_session_%s", shard, uuid.NewString())
}

// NewAuthorizationCode mints an opaque authorization code.
func NewAuthorizationCode() string {
	return randomToken(32)
}

// NewFamilyID mints a refresh-token family identifier.
func NewFamilyID() string {
	return "fam_" + uuid.NewString()
}

// TokenPin is the (generation, shard) pair embedded in an identifier.
// Legacy identifiers report generation 0 and shard 0 with Legacy set.
type TokenPin struct {
	Generation int
	Shard      int
	Legacy     bool
}

// ParseRefreshJTI extracts the routing pin from a refresh-token JTI.
// Unrecognized formats are rejected: refresh JTIs are server-issued, so
// anything else is a forgery or corruption, never a routing decision.
func ParseRefreshJTI(jti string) (TokenPin, error) {
	if m := versionedIDPattern.FindStringSubmatch(jti); m != nil {
		generation, err := strconv.Atoi(m[1])
		if err != nil {
			return TokenPin{}, fmt.Errorf("invalid generation in jti: %w", err)
		}
		shard, err := strconv.Atoi(m[2])
		if err != nil {
			return TokenPin{}, fmt.Errorf("invalid shard in jti: %w", err)
		}
		return TokenPin{Generation: generation, Shard: shard}, nil
	}
	if legacyRefreshPattern.MatchString(jti) {
		return TokenPin{Legacy: true}, nil
	}
	return TokenPin{}, fmt.Errorf("unrecognized refresh token identifier format")
}

// ParseSessionID extracts the shard a session id is bound to. The embedded
// prefix is authoritative: lookups go to the prefix shard even if the current
// shard count would route the user elsewhere (sessions created before a
// re-shard are served from their original instance).
func ParseSessionID(id string) (shard int, ok bool) {
	m := sessionIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, false
	}
	shard, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return shard, true
}

// ValidAuthorizationCode bounds accepted code lengths. Zero-length and
// oversized codes are rejected before any store lookup.
func ValidAuthorizationCode(code string) bool {
	return len(code) > 0 && len(code) < 4096 && !strings.ContainsAny(code, " \t\r\n")
}
