// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// System is the registry of live actor instances. It guarantees that at most
// one instance object serves a given name: all handlers resolve instances
// through the system rather than holding direct references.
//
// Cross-process exclusivity is a deployment property (one owner per name);
// within a process the System is the single source of instance identity.
type System struct {
	backend Backend

	mu        sync.Mutex
	instances map[string]any
}

// NewSystem creates a system over the given storage backend.
func NewSystem(backend Backend) *System {
	return &System{
		backend:   backend,
		instances: make(map[string]any),
	}
}

// Backend returns the storage backend of this system.
func (s *System) Backend() Backend { return s.backend }

// Resolve returns the live instance for name, creating it with factory on
// first use. The factory receives the instance's durable store namespace.
// Resolving the same name with different component types is an invariant
// violation and panics; instance names embed the resource kind precisely so
// this cannot happen with router-produced names.
func Resolve[T any](s *System, name string, factory func(name string, store Store) T) T {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.instances[name]; ok {
		typed, ok := existing.(T)
		if !ok {
			panic(fmt.Sprintf("actor: instance %q resolved as %T, requested as different type", name, existing))
		}
		return typed
	}

	instance := factory(name, s.backend.ForInstance(name))
	s.instances[name] = instance
	return instance
}

// Close closes every instance that implements io.Closer, then the backend.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, instance := range s.instances {
		if closer, ok := instance.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	s.instances = make(map[string]any)

	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
