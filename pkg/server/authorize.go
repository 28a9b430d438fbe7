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

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/authcode"
	"github.com/authrim/authrim/pkg/challenge"
	"github.com/authrim/authrim/pkg/routing"
	"github.com/authrim/authrim/pkg/session"
	"github.com/authrim/authrim/pkg/tokens"
)

const (
	parRequestURIPrefix = "urn:ietf:params:oauth:request-uri:"
	parRequestTTL       = 90 * time.Second
)

// authzRequest is the validated parameter set of one authorization request,
// whether it arrived on the query string or through PAR.
type authzRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
	MaxAge              string `json:"max_age,omitempty"`
}

func authzRequestFromValues(values url.Values) authzRequest {
	return authzRequest{
		ResponseType:        values.Get("response_type"),
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		Prompt:              values.Get("prompt"),
		MaxAge:              values.Get("max_age"),
	}
}

// handleAuthorize implements GET/POST /authorize.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	req := authzRequestFromValues(r.Form)

	// A pushed request replaces the inline parameters wholesale; only
	// client_id must match the pushing client.
	if requestURI := r.Form.Get("request_uri"); requestURI != "" {
		payload, err := s.challengeStore().Consume(r.Context(), requestURI, challenge.TypePAR)
		if err != nil {
			writeError(w, errServerError, "request storage unavailable")
			return
		}
		if payload == nil {
			writeError(w, errInvalidRequest, "unknown or used request_uri")
			return
		}
		var pushed authzRequest
		if err := json.Unmarshal(payload, &pushed); err != nil {
			writeError(w, errServerError, "corrupt pushed request")
			return
		}
		if pushed.ClientID != req.ClientID {
			writeError(w, errInvalidRequest, "client_id does not match pushed request")
			return
		}
		req = pushed
	}

	if req.ClientID == "" || req.RedirectURI == "" {
		writeError(w, errInvalidRequest, "client_id and redirect_uri are required")
		return
	}

	client, err := s.registry.Get(r.Context(), req.ClientID)
	if err != nil {
		writeError(w, errInvalidRequest, "unknown client")
		return
	}
	// Redirect validation gates every error redirect below: an unvalidated
	// redirect_uri only ever gets a direct error response.
	if err := client.ValidateRedirectURI(req.RedirectURI); err != nil {
		writeError(w, errInvalidRequest, "redirect_uri not registered")
		return
	}

	if req.ResponseType != "code" {
		redirectError(w, r, req.RedirectURI, errUnsupportedResponseType, "only code is supported", req.State)
		return
	}
	scope := tokens.SplitScope(req.Scope)
	if err := client.ValidateScope(scope); err != nil {
		redirectError(w, r, req.RedirectURI, errInvalidScope, err.Error(), req.State)
		return
	}
	if req.CodeChallenge == "" {
		redirectError(w, r, req.RedirectURI, errInvalidRequest, "code_challenge is required", req.State)
		return
	}
	switch req.CodeChallengeMethod {
	case "", authcode.ChallengeMethodS256:
	case authcode.ChallengeMethodPlain:
		if !s.cfg.AllowPlainPKCE {
			redirectError(w, r, req.RedirectURI, errInvalidRequest, "plain code_challenge_method is not allowed", req.State)
			return
		}
	default:
		redirectError(w, r, req.RedirectURI, errInvalidRequest, "unsupported code_challenge_method", req.State)
		return
	}

	sess := s.resolveSession(r)
	if sess == nil || req.Prompt == "login" || s.maxAgeExceeded(req.MaxAge, sess) {
		if req.Prompt == "none" {
			// No redirect leakage beyond the validated uri.
			redirectError(w, r, req.RedirectURI, errLoginRequired, "", req.State)
			return
		}
		s.redirectToLogin(w, r)
		return
	}

	// prompt=consent forces the consent screen even over a standing grant.
	needConsent := req.Prompt == "consent"
	if !needConsent && client.RequireConsent {
		covered, err := s.consentStore().Covers(r.Context(), sess.UserID, client.ID, scope)
		if err != nil {
			redirectError(w, r, req.RedirectURI, errServerError, "consent storage unavailable", req.State)
			return
		}
		needConsent = !covered
	}
	if needConsent {
		if req.Prompt == "none" {
			redirectError(w, r, req.RedirectURI, errConsentRequired, "", req.State)
			return
		}
		s.redirectToConsent(w, r, req, sess.UserID)
		return
	}

	s.issueCode(w, r, req, scope, sess)
}

// issueCode mints a one-time authorization code bound to the authenticated
// session and redirects back to the client. req must have passed client,
// redirect, scope, and PKCE validation.
func (s *Server) issueCode(w http.ResponseWriter, r *http.Request, req authzRequest, scope []string, sess *session.Session) {
	code := routing.NewAuthorizationCode()
	record := authcode.Record{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		UserID:              sess.UserID,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		State:               req.State,
		SessionID:           sess.ID,
		ACR:                 sess.Data.ACR,
		AMR:                 sess.Data.AMR,
		AuthTime:            sess.Data.AuthTime,
		ExpiresAt:           s.now().Add(s.cfg.AuthCodeTTL),
	}
	if err := s.codeStore().Put(r.Context(), code, record); err != nil {
		redirectError(w, r, req.RedirectURI, errServerError, "could not issue code", req.State)
		return
	}

	target, _ := url.Parse(req.RedirectURI)
	q := target.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handlePAR implements POST /as/par (RFC 9126).
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	client, err := s.authenticateClient(r)
	if err != nil {
		writeError(w, errInvalidClient, "")
		return
	}

	if r.PostForm.Get("request_uri") != "" {
		writeError(w, errInvalidRequest, "request_uri not allowed in pushed request")
		return
	}
	req := authzRequestFromValues(r.PostForm)
	req.ClientID = client.ID
	if req.RedirectURI == "" {
		writeError(w, errInvalidRequest, "redirect_uri is required")
		return
	}
	if err := client.ValidateRedirectURI(req.RedirectURI); err != nil {
		writeError(w, errInvalidRequest, "redirect_uri not registered")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, errServerError, "")
		return
	}
	requestURI := parRequestURIPrefix + uuid.NewString()
	if err := s.challengeStore().Create(r.Context(), requestURI, challenge.TypePAR, payload, parRequestTTL); err != nil {
		writeError(w, errTemporarilyUnavailable, "request storage unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  int(parRequestTTL / time.Second),
	})
}

// consentTicket carries a pending authorization request across the consent
// interaction. Bound to the user who saw the screen.
type consentTicket struct {
	Request authzRequest `json:"request"`
	Scope   []string     `json:"scope"`
	UserID  string       `json:"user_id"`
}

const consentTicketTTL = 10 * time.Minute

// redirectToConsent parks the validated request in a single-use ticket and
// hands off to the consent front end.
func (s *Server) redirectToConsent(w http.ResponseWriter, r *http.Request, req authzRequest, userID string) {
	ticket := consentTicket{Request: req, Scope: tokens.SplitScope(req.Scope), UserID: userID}
	payload, err := json.Marshal(ticket)
	if err != nil {
		redirectError(w, r, req.RedirectURI, errServerError, "", req.State)
		return
	}
	id := uuid.NewString()
	if err := s.challengeStore().Create(r.Context(), id, challenge.TypeConsent, payload, consentTicketTTL); err != nil {
		redirectError(w, r, req.RedirectURI, errTemporarilyUnavailable, "consent storage unavailable", req.State)
		return
	}

	target := url.URL{Path: "/consent", RawQuery: url.Values{
		"consent_challenge": {id},
	}.Encode()}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleConsent implements GET/POST /consent. The interactive screen is
// rendered by the front end; the core validates the ticket, records the
// grant, and resumes the parked authorization request.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"submit": "POST /consent",
			"fields": []string{"consent_challenge", "action"},
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	sess := s.resolveSession(r)
	if sess == nil {
		s.redirectToLogin(w, r)
		return
	}

	id := r.PostForm.Get("consent_challenge")
	payload, err := s.challengeStore().Consume(r.Context(), id, challenge.TypeConsent)
	if err != nil {
		writeError(w, errServerError, "consent storage unavailable")
		return
	}
	if payload == nil {
		writeError(w, errInvalidRequest, "unknown or used consent_challenge")
		return
	}
	var ticket consentTicket
	if err := json.Unmarshal(payload, &ticket); err != nil {
		writeError(w, errServerError, "corrupt consent ticket")
		return
	}
	if ticket.UserID != sess.UserID {
		writeError(w, errInvalidRequest, "consent_challenge was issued to another user")
		return
	}
	req := ticket.Request

	if r.PostForm.Get("action") == "deny" {
		s.record(audit.Event{Type: audit.EventConsentDenied, UserID: sess.UserID, ClientID: req.ClientID})
		redirectError(w, r, req.RedirectURI, errAccessDenied, "user denied consent", req.State)
		return
	}

	if err := s.consentStore().Grant(r.Context(), sess.UserID, req.ClientID, ticket.Scope); err != nil {
		redirectError(w, r, req.RedirectURI, errServerError, "consent storage unavailable", req.State)
		return
	}
	s.record(audit.Event{Type: audit.EventConsentGranted, UserID: sess.UserID, ClientID: req.ClientID, Detail: map[string]any{
		"scope": ticket.Scope,
	}})

	s.issueCode(w, r, req, ticket.Scope, sess)
}

// resolveSession reads the session cookie and loads the live session, or
// nil when absent or expired.
func (s *Server) resolveSession(r *http.Request) *session.Session {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	store, err := s.sessionStoreForID(cookie.Value)
	if err != nil {
		return nil
	}
	sess, err := store.Get(r.Context(), cookie.Value)
	if err != nil {
		return nil
	}
	return sess
}

// maxAgeExceeded reports whether the request's max_age forces
// re-authentication.
func (s *Server) maxAgeExceeded(maxAge string, sess *session.Session) bool {
	if maxAge == "" {
		return false
	}
	seconds, err := strconv.Atoi(maxAge)
	if err != nil || seconds < 0 {
		return false
	}
	return s.now().Sub(sess.Data.AuthTime) > time.Duration(seconds)*time.Second
}

// redirectToLogin hands off to the authentication front end, which is an
// external collaborator. The original request is replayed after login.
func (s *Server) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	login := url.URL{Path: "/login", RawQuery: url.Values{
		"return_to": {r.URL.RequestURI()},
	}.Encode()}
	http.Redirect(w, r, login.String(), http.StatusFound)
}

// Login issues a session for an authenticated user and returns the cookie
// value. Exposed for the authentication front end and for tests.
func (s *Server) Login(r *http.Request, userID string, data session.Data) (string, error) {
	shard := s.sessionShardFor(userID)
	sess, err := s.sessionStore(shard).Create(r.Context(), userID, s.cfg.SessionTTL, data)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.record(audit.Event{Type: audit.EventLogin, UserID: userID, Detail: map[string]any{
		"acr": data.ACR,
		"amr": data.AMR,
	}})
	return sess.ID, nil
}
