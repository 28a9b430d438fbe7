// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/challenge"
)

// rateLimit rejects requests over the per-IP fixed-window budget before
// they reach a handler. Limiter state is sharded by client IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	policy := challenge.RateLimitPolicy{
		Window:      s.cfg.RateLimitWindow,
		MaxRequests: s.cfg.RateLimitMaxRequests,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		decision, err := s.rateLimiter(ip).Increment(r.Context(), ip, policy)
		if err != nil {
			// Fail open: losing the limiter must not take auth down.
			slog.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !decision.Allowed {
			s.record(audit.Event{Type: audit.EventRateLimited, Detail: map[string]any{
				"ip":   ip,
				"path": r.URL.Path,
			}})
			writeRateLimited(w, decision.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
