// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package challenge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/authrim/authrim/pkg/actor"
)

// DefaultRateLimitMaxEntries caps the per-shard counter map. When the cap
// is reached an inline cleanup of lapsed windows runs before admitting a
// new key.
const DefaultRateLimitMaxEntries = 10000

// RateLimitPolicy is the window applied to one increment.
type RateLimitPolicy struct {
	Window      time.Duration
	MaxRequests int
}

// RateLimitDecision is the answer to one increment.
type RateLimitDecision struct {
	Allowed    bool
	Current    int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type rateWindow struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

type rateLimiterState struct {
	Version int                    `json:"version"`
	Windows map[string]*rateWindow `json:"windows"`
}

// RateLimiter is one rate-limit counter shard, keyed by client IP.
// Fixed-window counting: the first request in a window starts it, the
// window resets after Policy.Window.
type RateLimiter struct {
	actor.Base

	maxEntries  int
	now         func() time.Time
	initialized bool
	state       rateLimiterState
}

// NewRateLimiter creates the counter shard. maxEntries <= 0 uses
// DefaultRateLimitMaxEntries.
func NewRateLimiter(name string, store actor.Store, maxEntries int) *RateLimiter {
	if maxEntries <= 0 {
		maxEntries = DefaultRateLimitMaxEntries
	}
	r := &RateLimiter{
		Base:       actor.NewBase(name, store),
		maxEntries: maxEntries,
		now:        time.Now,
	}
	r.StartAlarm(actor.DefaultCleanupInterval, r.sweep)
	return r
}

func (r *RateLimiter) initialize(ctx context.Context) error {
	if r.initialized {
		return nil
	}
	found, err := r.LoadState(ctx, &r.state)
	if err != nil {
		return err
	}
	if !found {
		r.state = rateLimiterState{Version: 1, Windows: make(map[string]*rateWindow)}
	} else if r.state.Windows == nil {
		r.state.Windows = make(map[string]*rateWindow)
	}
	r.initialized = true
	return nil
}

// Increment counts one request from clientIP against the policy.
func (r *RateLimiter) Increment(ctx context.Context, clientIP string, policy RateLimitPolicy) (*RateLimitDecision, error) {
	if clientIP == "" {
		return nil, errors.New("challenge: client ip cannot be empty")
	}
	if policy.Window <= 0 || policy.MaxRequests <= 0 {
		return nil, errors.New("challenge: rate limit policy must be positive")
	}

	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		return nil, err
	}

	now := r.now()
	prev, existed := r.state.Windows[clientIP]
	window := prev
	if !existed || !now.Before(window.WindowStart.Add(policy.Window)) {
		if !existed && len(r.state.Windows) >= r.maxEntries {
			r.evictLapsedLocked(now, policy.Window)
			if len(r.state.Windows) >= r.maxEntries {
				// Shard saturated with live windows; deny rather than
				// grow without bound.
				return &RateLimitDecision{
					Allowed:    false,
					Current:    policy.MaxRequests,
					Limit:      policy.MaxRequests,
					ResetAt:    now.Add(policy.Window),
					RetryAfter: policy.Window,
				}, nil
			}
		}
		window = &rateWindow{WindowStart: now}
		r.state.Windows[clientIP] = window
	}

	window.Count++
	if err := r.SaveState(ctx, &r.state); err != nil {
		switch {
		case window == prev:
			window.Count--
		case existed:
			// A lapsed window was replaced; put it back.
			r.state.Windows[clientIP] = prev
		default:
			delete(r.state.Windows, clientIP)
		}
		return nil, err
	}

	resetAt := window.WindowStart.Add(policy.Window)
	decision := &RateLimitDecision{
		Allowed: window.Count <= policy.MaxRequests,
		Current: window.Count,
		Limit:   policy.MaxRequests,
		ResetAt: resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
	}
	return decision, nil
}

// evictLapsedLocked drops windows that have reset. Called inline when the
// map cap is hit; persistence rides on the caller's save.
func (r *RateLimiter) evictLapsedLocked(now time.Time, window time.Duration) {
	for ip, w := range r.state.Windows {
		if !now.Before(w.WindowStart.Add(window)) {
			delete(r.state.Windows, ip)
		}
	}
}

func (r *RateLimiter) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.Lock()
	defer r.Unlock()

	if err := r.initialize(ctx); err != nil {
		slog.Error("rate limiter sweep: initialize failed", "instance", r.Name(), "error", err)
		return
	}

	// Windows older than an hour are lapsed under any sane policy.
	before := len(r.state.Windows)
	r.evictLapsedLocked(r.now(), time.Hour)
	if len(r.state.Windows) == before {
		return
	}

	if err := r.SaveState(ctx, &r.state); err != nil {
		slog.Error("rate limiter sweep: save failed", "instance", r.Name(), "error", err)
	}
}
