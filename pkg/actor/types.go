// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package actor implements the single-writer actor abstraction that backs all
// stateful components of the authorization engine.
//
// An actor instance is addressed by a name. The runtime guarantees that at
// most one live object serves a given name within a System, and that all
// operations on one instance observe a single-threaded order. Each instance
// owns a durable key-value store namespace; a mutation is not acknowledged
// before it has been persisted.
package actor

import (
	"context"
	"errors"
	"time"
)

// Common storage errors.
var (
	// ErrKeyNotFound is returned by Store.Get for missing keys.
	ErrKeyNotFound = errors.New("actor: key not found")

	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("actor: backend closed")
)

// DefaultCleanupInterval is how often instance cleanup alarms fire.
const DefaultCleanupInterval = time.Hour

// Store is the durable key-value store of a single actor instance.
// All operations are atomic; PutAll persists the whole batch or nothing.
// After a call returns nil, the write survives instance restart.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListPrefix returns all entries whose key starts with prefix.
	ListPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// PutAll stores every entry in values atomically.
	PutAll(ctx context.Context, values map[string][]byte) error
}

// Backend provides per-instance stores. Implementations must namespace
// instances so that distinct names never observe each other's keys.
type Backend interface {
	// ForInstance returns the store namespace for the named instance.
	ForInstance(name string) Store

	// Ping checks backend connectivity (health check).
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
