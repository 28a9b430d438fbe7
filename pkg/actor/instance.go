// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// StateKey is the store key under which an instance persists its state blob.
const StateKey = "state"

// AlarmKey is the store key under which an instance persists alarm metadata.
const AlarmKey = "alarm"

// Base provides the common machinery of an actor instance: the per-instance
// lock that serializes operations, JSON state blob load/save against the
// durable store, and the periodic cleanup alarm.
//
// Components embed Base and follow the initialize-on-first-use /
// save-after-every-mutation pattern: every exported operation takes the lock,
// lazily decodes the state blob into in-memory maps, validates, mutates, and
// persists before returning. If persistence fails the in-memory mutation must
// be rolled back before the error is returned.
type Base struct {
	name  string
	store Store

	// mu serializes all operations on this instance. Operations hold it for
	// their full duration, giving run-to-completion semantics.
	mu sync.Mutex

	alarmStop chan struct{}
	alarmDone chan struct{}
	alarmOnce sync.Once
	closeOnce sync.Once
}

// NewBase creates the base for the named instance over its store namespace.
func NewBase(name string, store Store) Base {
	return Base{
		name:      name,
		store:     store,
		alarmStop: make(chan struct{}),
		alarmDone: make(chan struct{}),
	}
}

// Name returns the instance name.
func (b *Base) Name() string { return b.name }

// Store returns the instance's durable store namespace.
func (b *Base) Store() Store { return b.store }

// Lock acquires the instance lock.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the instance lock.
func (b *Base) Unlock() { b.mu.Unlock() }

// LoadState decodes the persisted state blob into v. It returns false with a
// nil error when no state has been persisted yet (fresh instance).
func (b *Base) LoadState(ctx context.Context, v any) (bool, error) {
	data, err := b.store.Get(ctx, StateKey)
	if err != nil {
		if err == ErrKeyNotFound {
			return false, nil
		}
		return false, fmt.Errorf("load state for %s: %w", b.name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode state for %s: %w", b.name, err)
	}
	return true, nil
}

// SaveState persists v as the state blob. The operation that called SaveState
// must not be acknowledged to the caller until this returns nil.
func (b *Base) SaveState(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", b.name, err)
	}
	if err := b.store.Put(ctx, StateKey, data); err != nil {
		return fmt.Errorf("save state for %s: %w", b.name, err)
	}
	return nil
}

// StartAlarm launches the periodic alarm goroutine. fn runs every interval
// until Close is called. Starting twice is a no-op.
func (b *Base) StartAlarm(interval time.Duration, fn func()) {
	b.alarmOnce.Do(func() {
		go func() {
			defer close(b.alarmDone)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-b.alarmStop:
					return
				case <-ticker.C:
					fn()
				}
			}
		}()
	})
}

// Close stops the alarm goroutine and waits for it to finish.
// Close is idempotent.
func (b *Base) Close() error {
	b.closeOnce.Do(func() {
		// If StartAlarm never ran, alarmDone would never close; claim the
		// Once so the goroutine can no longer start, then finish ourselves.
		started := true
		b.alarmOnce.Do(func() { started = false; close(b.alarmDone) })
		close(b.alarmStop)
		if started {
			<-b.alarmDone
		}
	})
	return nil
}
