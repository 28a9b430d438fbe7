// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/challenge"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/routing"
	"github.com/authrim/authrim/pkg/tokens"
)

// handleIntrospect implements POST /introspect (RFC 7662).
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	if _, err := s.authenticateClient(r); err != nil {
		writeError(w, errInvalidClient, "")
		return
	}

	inactive := map[string]any{"active": false}

	presented := r.PostForm.Get("token")
	claims, err := s.minter.Verify(r.Context(), presented)
	if err != nil {
		writeJSON(w, http.StatusOK, inactive)
		return
	}
	jti, _ := claims["jti"].(string)

	if revoked, err := s.revocationStore().IsRevoked(r.Context(), jti); err != nil || revoked {
		writeJSON(w, http.StatusOK, inactive)
		return
	}

	// Refresh tokens must additionally be the live head of their family.
	if pin, err := routing.ParseRefreshJTI(jti); err == nil {
		clientID, _ := claims["client_id"].(string)
		lookup, err := s.rotatorForPin(clientID, pin).LookupJTI(r.Context(), jti)
		if err != nil || !lookup.Current {
			writeJSON(w, http.StatusOK, inactive)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":    true,
		"sub":       claims["sub"],
		"aud":       claims["aud"],
		"exp":       claims["exp"],
		"iat":       claims["iat"],
		"scope":     claims["scope"],
		"client_id": claims["client_id"],
	})
}

// handleRevoke implements POST /revoke (RFC 7009). Always 200, even for
// unknown tokens.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	client, err := s.authenticateClient(r)
	if err != nil {
		writeError(w, errInvalidClient, "")
		return
	}

	presented := r.PostForm.Get("token")
	claims, err := s.minter.Verify(r.Context(), presented)
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	jti, _ := claims["jti"].(string)
	exp, _ := claims.GetExpirationTime()
	expiresAt := s.now().Add(s.cfg.AccessTokenTTL)
	if exp != nil {
		expiresAt = exp.Time
	}

	if err := s.revocationStore().Revoke(r.Context(), jti, expiresAt, "client revocation"); err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}

	// A refresh token takes its whole family down.
	if pin, err := routing.ParseRefreshJTI(jti); err == nil {
		rotator := s.rotatorForPin(client.ID, pin)
		if lookup, err := rotator.LookupJTI(r.Context(), jti); err == nil {
			if _, err := rotator.RevokeFamily(r.Context(), lookup.Family.ID, "client revocation"); err != nil {
				slog.Warn("family revocation failed", "family_id", lookup.Family.ID, "error", err)
			}
		}
	}

	s.record(audit.Event{Type: audit.EventTokenRevoked, ClientID: client.ID, Detail: map[string]any{"jti": jti}})
	w.WriteHeader(http.StatusOK)
}

// handleUserinfo implements GET/POST /userinfo. Claims are gated by the
// access token's scope.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.bearerClaims(w, r)
	if !ok {
		return
	}

	scope := tokens.SplitScope(claimString(claims, "scope"))
	if !slices.Contains(scope, "openid") {
		writeUserinfoChallenge(w, "insufficient_scope")
		return
	}

	jti := claimString(claims, "jti")
	if revoked, err := s.revocationStore().IsRevoked(r.Context(), jti); err != nil || revoked {
		writeUserinfoChallenge(w, errInvalidToken)
		return
	}

	body := map[string]any{"sub": claims["sub"]}
	if perms, ok := claims[tokens.PermissionsClaim]; ok {
		body[tokens.PermissionsClaim] = perms
	}
	// Profile attributes live in the external PII store; the core returns
	// what the token itself vouches for.
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) bearerClaims(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	header := r.Header.Get("Authorization")
	var raw string
	switch {
	case strings.HasPrefix(header, "Bearer "):
		raw = strings.TrimPrefix(header, "Bearer ")
	case strings.HasPrefix(header, "DPoP "):
		raw = strings.TrimPrefix(header, "DPoP ")
	default:
		writeUserinfoChallenge(w, errInvalidToken)
		return nil, false
	}

	claims, err := s.minter.Verify(r.Context(), raw)
	if err != nil {
		writeUserinfoChallenge(w, errInvalidToken)
		return nil, false
	}
	return claims, true
}

func writeUserinfoChallenge(w http.ResponseWriter, code string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}

func claimString(claims map[string]any, name string) string {
	v, _ := claims[name].(string)
	return v
}

// handleLogout implements GET /logout (RP-initiated logout): the session is
// invalidated and every refresh family of the session's user and the
// calling client is revoked.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	// A logout challenge from the front end is single use; an already
	// consumed one means this logout was processed.
	if id := r.URL.Query().Get("logout_challenge"); id != "" {
		payload, err := s.challengeStore().Consume(r.Context(), id, challenge.TypeLogout)
		if err != nil {
			writeError(w, errTemporarilyUnavailable, "")
			return
		}
		if payload == nil {
			writeError(w, errInvalidRequest, "unknown or used logout challenge")
			return
		}
	}

	sess := s.resolveSession(r)
	if sess == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	store, err := s.sessionStoreForID(sess.ID)
	if err == nil {
		if _, err := store.Invalidate(r.Context(), sess.ID); err != nil {
			slog.Warn("logout: session invalidation failed", "error", err)
		}
	}

	// Without an id_token_hint the client is unknown; revoke the user's
	// families for every client by sweeping the hinted client, or all
	// shards for the user when the hint names one.
	clientID := ""
	if hint := r.URL.Query().Get("id_token_hint"); hint != "" {
		if claims, err := s.minter.Verify(r.Context(), hint); err == nil {
			clientID = claimString(claims, "client_id")
			if clientID == "" {
				clientID = claimString(claims, "azp")
			}
		}
	}
	s.revokeUserFamilies(r, sess.UserID, clientID)
	if clientID != "" {
		if client, err := s.registry.Get(r.Context(), clientID); err == nil && client.BackchannelLogoutURI != "" {
			go s.notifyBackchannelLogout(client, sess.ID, sess.UserID)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	s.record(audit.Event{Type: audit.EventLogout, UserID: sess.UserID, ClientID: clientID})

	if target := r.URL.Query().Get("post_logout_redirect_uri"); target != "" && clientID != "" {
		if client, err := s.registry.Get(r.Context(), clientID); err == nil && client.ValidateRedirectURI(target) == nil {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// revokeUserFamilies revokes refresh families of (user, client) across all
// retained generations; empty clientID revokes across clients on the
// shards derivable for the hinted client set, falling back to legacy.
func (s *Server) revokeUserFamilies(r *http.Request, userID, clientID string) {
	cfg, err := s.shards.Current(r.Context())
	if err != nil {
		slog.Error("logout: shard config unavailable", "error", err)
		return
	}

	generations := []routing.GenerationInfo{{Generation: cfg.CurrentGeneration, ShardCount: cfg.CurrentShardCount}}
	generations = append(generations, cfg.PreviousGenerations...)
	for _, gen := range generations {
		shard := routing.RefreshShard(userID, clientID, gen.ShardCount)
		rotator := s.rotatorForPin(clientID, routing.TokenPin{Generation: gen.Generation, Shard: shard})
		if _, err := rotator.RevokeUserClient(r.Context(), userID, clientID, "logout"); err != nil {
			slog.Warn("logout: family revocation failed", "user_id", userID, "error", err)
		}
	}
	legacy := s.rotatorForPin(clientID, routing.TokenPin{Legacy: true})
	if _, err := legacy.RevokeUserClient(r.Context(), userID, clientID, "logout"); err != nil {
		slog.Warn("logout: legacy family revocation failed", "user_id", userID, "error", err)
	}
}

// notifyBackchannelLogout delivers an OIDC logout token to the client's
// registered back-channel endpoint. Best effort; failures are logged.
func (s *Server) notifyBackchannelLogout(client *clients.Client, sessionID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), userFacingTimeout)
	defer cancel()

	now := s.now()
	logoutToken, _, err := s.keyMgr.SignMap(ctx, map[string]any{
		"iss": s.cfg.IssuerURL,
		"sub": clients.Subject(client, userID, s.cfg.PairwiseSalt),
		"aud": client.ID,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": uuid.NewString(),
		"sid": sessionID,
		"events": map[string]any{
			"http://schemas.openid.net/event/backchannel-logout": map[string]any{},
		},
	})
	if err != nil {
		slog.Warn("backchannel logout: signing failed", "client_id", client.ID, "error", err)
		return
	}

	form := url.Values{"logout_token": {logoutToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.BackchannelLogoutURI, strings.NewReader(form.Encode()))
	if err != nil {
		slog.Warn("backchannel logout: bad endpoint", "client_id", client.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Warn("backchannel logout: delivery failed", "client_id", client.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("backchannel logout: endpoint rejected token", "client_id", client.ID, "status", resp.StatusCode)
	}
}

// handleBackchannelLogout implements POST /logout/backchannel (OIDC
// back-channel logout). The logout token names the session to kill via
// its sid claim.
func (s *Server) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	logoutToken := r.PostForm.Get("logout_token")
	claims, err := s.minter.Verify(r.Context(), logoutToken)
	if err != nil {
		writeError(w, errInvalidRequest, "invalid logout token")
		return
	}

	sid := claimString(claims, "sid")
	if sid == "" {
		writeError(w, errInvalidRequest, "logout token must carry sid")
		return
	}
	store, err := s.sessionStoreForID(sid)
	if err != nil {
		writeError(w, errInvalidRequest, "unknown session")
		return
	}
	if _, err := store.Invalidate(r.Context(), sid); err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleRegister implements POST /register (RFC 7591).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req clients.Client
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errInvalidRequest, "malformed registration")
		return
	}

	registered, err := s.registry.Register(r.Context(), &req)
	if err != nil {
		writeError(w, "invalid_client_metadata", err.Error())
		return
	}

	s.record(audit.Event{Type: audit.EventClientRegistered, ClientID: registered.ID})
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  registered.ID,
		"client_secret":              registered.Secret,
		"client_name":                registered.Name,
		"redirect_uris":              registered.RedirectURIs,
		"grant_types":                registered.GrantTypes,
		"token_endpoint_auth_method": registered.TokenEndpointAuthMethod,
		"subject_type":               registered.SubjectType,
	})
}

// handleDeviceAuthorization implements POST /device_authorization
// (RFC 8628 3.1).
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	client, err := s.authenticateClient(r)
	if err != nil {
		writeError(w, errInvalidClient, "")
		return
	}

	scope := tokens.SplitScope(r.PostForm.Get("scope"))
	if err := client.ValidateScope(scope); err != nil {
		writeError(w, errInvalidScope, err.Error())
		return
	}

	grant, err := s.deviceStore().Authorize(r.Context(), client.ID, scope, 10*time.Minute)
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":               grant.DeviceCode,
		"user_code":                 grant.UserCode,
		"verification_uri":          s.cfg.IssuerURL + "/device",
		"verification_uri_complete": s.cfg.IssuerURL + "/device?user_code=" + grant.UserCode,
		"interval":                  int(grant.Interval / time.Second),
		"expires_in":                int(time.Until(grant.ExpiresAt) / time.Second),
	})
}

// handleDevice implements GET/POST /device: the human side of the device
// flow. Requires an authenticated session.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		// The interactive form is rendered by the front end; the core
		// answers with the expected submission shape.
		writeJSON(w, http.StatusOK, map[string]any{
			"submit": "POST /device",
			"fields": []string{"user_code", "action"},
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

	userCode := r.PostForm.Get("user_code")
	var actionErr error
	if r.PostForm.Get("action") == "deny" {
		actionErr = s.deviceStore().Deny(r.Context(), userCode)
	} else {
		actionErr = s.deviceStore().Approve(r.Context(), userCode, sess.UserID)
	}
	if actionErr != nil {
		if errors.Is(actionErr, challenge.ErrExpiredToken) {
			writeError(w, errExpiredToken, "unknown or expired user code")
			return
		}
		writeError(w, errInvalidRequest, actionErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleBCAuthorize implements POST /bc-authorize (OIDC CIBA, poll mode).
func (s *Server) handleBCAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}
	client, err := s.authenticateClient(r)
	if err != nil {
		writeError(w, errInvalidClient, "")
		return
	}

	loginHint := r.PostForm.Get("login_hint")
	if loginHint == "" {
		writeError(w, errInvalidRequest, "login_hint is required")
		return
	}
	scope := tokens.SplitScope(r.PostForm.Get("scope"))
	if err := client.ValidateScope(scope); err != nil {
		writeError(w, errInvalidScope, err.Error())
		return
	}

	req, err := s.cibaStore().Start(r.Context(), client.ID, loginHint, scope, 5*time.Minute)
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth_req_id": req.AuthReqID,
		"interval":    int(req.Interval / time.Second),
		"expires_in":  int(time.Until(req.ExpiresAt) / time.Second),
	})
}
