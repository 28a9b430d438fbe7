// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
)

// handleDiscovery implements GET /.well-known/openid-configuration
// (RFC 8414 / OIDC Discovery).
func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	issuer := s.cfg.IssuerURL
	metadata := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"pushed_authorization_request_endpoint": issuer + "/as/par",
		"token_endpoint":                        issuer + "/token",
		"introspection_endpoint":                issuer + "/introspect",
		"revocation_endpoint":                   issuer + "/revoke",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"end_session_endpoint":                  issuer + "/logout",
		"registration_endpoint":                 issuer + "/register",
		"device_authorization_endpoint":         issuer + "/device_authorization",
		"backchannel_authentication_endpoint":   issuer + "/bc-authorize",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",

		"response_types_supported":                   []string{"code"},
		"grant_types_supported":                      []string{grantAuthorizationCode, grantRefreshToken, grantDeviceCode, grantCIBA},
		"code_challenge_methods_supported":           s.pkceMethods(),
		"token_endpoint_auth_methods_supported":      []string{"client_secret_basic", "client_secret_post", "none"},
		"subject_types_supported":                    []string{"public", "pairwise"},
		"id_token_signing_alg_values_supported":      []string{s.cfg.SigningAlgorithm},
		"scopes_supported":                           []string{"openid", "profile", "email", "offline_access"},
		"claims_supported":                           []string{"sub", "aud", "iss", "exp", "iat", "auth_time", "nonce", "acr", "amr", "azp", "sid"},
		"dpop_signing_alg_values_supported":          []string{"ES256", "RS256"},
		"backchannel_token_delivery_modes_supported": []string{"poll"},
		"backchannel_logout_supported":               true,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = json.NewEncoder(w).Encode(metadata)
}

func (s *Server) pkceMethods() []string {
	if s.cfg.AllowPlainPKCE {
		return []string{"S256", "plain"}
	}
	return []string{"S256"}
}

// handleJWKS implements GET /.well-known/jwks.json. Private material never
// leaves the key manager; the published set carries public keys only.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.keyMgr.JWKS(r.Context())
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "key material unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = json.NewEncoder(w).Encode(set)
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.keyMgr.ActiveKID(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
