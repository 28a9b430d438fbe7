// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Discovery and operational endpoints are outside the rate limit.
	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/oauth-authorization-server", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(middleware.Timeout(userFacingTimeout))

		r.Get("/authorize", s.handleAuthorize)
		r.Post("/authorize", s.handleAuthorize)
		r.Post("/as/par", s.handlePAR)
		r.Get("/consent", s.handleConsent)
		r.Post("/consent", s.handleConsent)
		r.Post("/token", s.handleToken)
		r.Post("/introspect", s.handleIntrospect)
		r.Post("/revoke", s.handleRevoke)
		r.Get("/userinfo", s.handleUserinfo)
		r.Post("/userinfo", s.handleUserinfo)
		r.Get("/logout", s.handleLogout)
		r.Post("/logout/backchannel", s.handleBackchannelLogout)
		r.Post("/device_authorization", s.handleDeviceAuthorization)
		r.Get("/device", s.handleDevice)
		r.Post("/device", s.handleDevice)
		r.Post("/bc-authorize", s.handleBCAuthorize)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(middleware.Timeout(adminTimeout))

		r.Post("/register", s.handleRegister)
	})

	return r
}
