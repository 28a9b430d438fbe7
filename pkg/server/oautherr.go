// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RFC 6749 / OIDC error codes used by the handlers.
const (
	errInvalidRequest          = "invalid_request"
	errInvalidClient           = "invalid_client"
	errInvalidGrant            = "invalid_grant"
	errInvalidScope            = "invalid_scope"
	errUnsupportedGrantType    = "unsupported_grant_type"
	errUnsupportedResponseType = "unsupported_response_type"
	errUnauthorizedClient      = "unauthorized_client"
	errLoginRequired           = "login_required"
	errConsentRequired         = "consent_required"
	errAccessDenied            = "access_denied"
	errInvalidDPoPProof        = "invalid_dpop_proof"
	errInvalidToken            = "invalid_token"
	errAuthorizationPending    = "authorization_pending"
	errSlowDown                = "slow_down"
	errExpiredToken            = "expired_token"
	errTemporarilyUnavailable  = "temporarily_unavailable"
	errServerError             = "server_error"
)

// oauthError is the RFC 6749 JSON error body, extended with the RBAC denial
// fields.
type oauthError struct {
	Code         string   `json:"error"`
	Description  string   `json:"error_description,omitempty"`
	URI          string   `json:"error_uri,omitempty"`
	RequiredRole []string `json:"required_roles,omitempty"`
	MissingRole  []string `json:"missing_roles,omitempty"`
}

func statusFor(code string) int {
	switch code {
	case errInvalidClient:
		return http.StatusUnauthorized
	case errServerError:
		return http.StatusInternalServerError
	case errTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// writeError sends a direct JSON error response.
func writeError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if code == errInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="authrim"`)
	}
	w.WriteHeader(statusFor(code))
	_ = json.NewEncoder(w).Encode(oauthError{Code: code, Description: description})
}

// writeRateLimited sends the 429 capacity error.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(oauthError{
		Code:        "rate_limit_exceeded",
		Description: fmt.Sprintf("retry after %d seconds", seconds),
	})
}

// redirectError sends the error back to the client's validated redirect_uri
// per RFC 6749 4.1.2.1. Only call with a redirect uri that passed
// registration matching.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, errInvalidRequest, "invalid redirect uri")
		return
	}
	q := target.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// writeJSON sends a 200 JSON response with token-endpoint cache headers.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
