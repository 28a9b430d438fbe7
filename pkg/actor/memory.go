// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"maps"
	"strings"
	"sync"
)

// MemoryBackend implements Backend with in-process maps. It is thread-safe
// and suitable for development and testing; writes are "durable" only for
// the lifetime of the process.
type MemoryBackend struct {
	mu        sync.RWMutex
	instances map[string]map[string][]byte
	closed    bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		instances: make(map[string]map[string][]byte),
	}
}

// ForInstance returns the store namespace for the named instance.
func (b *MemoryBackend) ForInstance(name string) Store {
	return &memoryStore{backend: b, instance: name}
}

// Ping is a no-op for in-memory storage since it is always available.
func (b *MemoryBackend) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the backend closed. Subsequent operations fail with ErrClosed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryStore struct {
	backend  *MemoryBackend
	instance string
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if s.backend.closed {
		return nil, ErrClosed
	}

	kv, ok := s.backend.instances[s.instance]
	if !ok {
		return nil, ErrKeyNotFound
	}
	value, ok := kv[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	// Copy so callers cannot mutate stored bytes.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *memoryStore) Put(_ context.Context, key string, value []byte) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.closed {
		return ErrClosed
	}

	kv, ok := s.backend.instances[s.instance]
	if !ok {
		kv = make(map[string][]byte)
		s.backend.instances[s.instance] = kv
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	kv[key] = stored
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.closed {
		return ErrClosed
	}

	if kv, ok := s.backend.instances[s.instance]; ok {
		delete(kv, key)
	}
	return nil
}

func (s *memoryStore) ListPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	if s.backend.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte)
	for key, value := range s.backend.instances[s.instance] {
		if strings.HasPrefix(key, prefix) {
			copied := make([]byte, len(value))
			copy(copied, value)
			out[key] = copied
		}
	}
	return out, nil
}

func (s *memoryStore) PutAll(_ context.Context, values map[string][]byte) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.closed {
		return ErrClosed
	}

	kv, ok := s.backend.instances[s.instance]
	if !ok {
		kv = make(map[string][]byte, len(values))
		s.backend.instances[s.instance] = kv
	}
	// Copy the whole batch before touching the map so a marshal failure can
	// never leave a partial write behind.
	staged := make(map[string][]byte, len(values))
	for key, value := range values {
		stored := make([]byte, len(value))
		copy(stored, value)
		staged[key] = stored
	}
	maps.Copy(kv, staged)
	return nil
}

// Compile-time interface compliance checks
var (
	_ Backend = (*MemoryBackend)(nil)
	_ Store   = (*memoryStore)(nil)
)
