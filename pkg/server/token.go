// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/authrim/authrim/pkg/audit"
	"github.com/authrim/authrim/pkg/authcode"
	"github.com/authrim/authrim/pkg/challenge"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/refresh"
	"github.com/authrim/authrim/pkg/routing"
	"github.com/authrim/authrim/pkg/tokens"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	grantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	grantCIBA              = "urn:openid:params:grant-type:ciba"
)

// tokenResponse is the RFC 6749 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// authenticateClient supports client_secret_basic and client_secret_post,
// plus public clients (auth method "none") identified by client_id alone.
func (s *Server) authenticateClient(r *http.Request) (*clients.Client, error) {
	if id, secret, ok := r.BasicAuth(); ok {
		return s.registry.Authenticate(r.Context(), id, secret)
	}
	id := r.PostForm.Get("client_id")
	secret := r.PostForm.Get("client_secret")
	if id == "" {
		return nil, clients.ErrAuthFailed
	}
	return s.registry.Authenticate(r.Context(), id, secret)
}

// handleToken implements POST /token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "malformed request")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		s.record(audit.Event{Type: audit.EventClientAuthFailed, ClientID: r.PostForm.Get("client_id")})
		writeError(w, errInvalidClient, "")
		return
	}

	cnfJKT, err := s.verifyDPoP(r)
	if err != nil {
		if errors.Is(err, errDPoPProof) {
			writeError(w, errInvalidDPoPProof, "dpop proof rejected")
		} else {
			writeError(w, errTemporarilyUnavailable, "")
		}
		return
	}
	if client.RequireDPoP && cnfJKT == "" {
		writeError(w, errInvalidRequest, "client requires dpop")
		return
	}

	grantType := r.PostForm.Get("grant_type")
	if !client.AllowsGrant(grantType) {
		writeError(w, errUnauthorizedClient, "grant type not allowed for client")
		return
	}

	switch grantType {
	case grantAuthorizationCode:
		s.tokenFromCode(w, r, client, cnfJKT)
	case grantRefreshToken:
		s.tokenFromRefresh(w, r, client, cnfJKT)
	case grantDeviceCode:
		s.tokenFromDevice(w, r, client, cnfJKT)
	case grantCIBA:
		s.tokenFromCIBA(w, r, client, cnfJKT)
	default:
		writeError(w, errUnsupportedGrantType, "")
	}
}

func (s *Server) tokenFromCode(w http.ResponseWriter, r *http.Request, client *clients.Client, cnfJKT string) {
	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	verifier := r.PostForm.Get("code_verifier")

	record, err := s.codeStore().Consume(r.Context(), code, client.ID, redirectURI, verifier)
	switch {
	case errors.Is(err, authcode.ErrReplayed):
		// Security event: revoke every refresh family derived from this
		// code before answering.
		s.record(audit.Event{Type: audit.EventCodeReplay, UserID: record.UserID, ClientID: client.ID, Detail: map[string]any{
			"families": record.FamilyIDs,
		}})
		s.cascadeRevokeFamilies(record.UserID, record.ClientID, record.FamilyIDs)
		writeError(w, errInvalidGrant, "code already redeemed")
		return
	case errors.Is(err, authcode.ErrPKCEMismatch), errors.Is(err, authcode.ErrPlainPKCEForbidden):
		writeError(w, errInvalidGrant, "pkce verification failed")
		return
	case errors.Is(err, authcode.ErrInvalidGrant):
		writeError(w, errInvalidGrant, "")
		return
	case err != nil:
		writeError(w, errTemporarilyUnavailable, "")
		return
	}

	resp, familyID, err := s.issueTokens(r.Context(), client, issueRequest{
		UserID:    record.UserID,
		Scope:     record.Scope,
		Nonce:     record.Nonce,
		ACR:       record.ACR,
		AMR:       record.AMR,
		AuthTime:  record.AuthTime,
		SessionID: record.SessionID,
		Code:      code,
		CnfJKT:    cnfJKT,
	})
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}
	if familyID != "" {
		if err := s.codeStore().LinkFamily(r.Context(), code, familyID); err != nil {
			// The cascade link is best effort; replay detection still
			// covers the family via user+client revocation.
			slog.Warn("failed to link refresh family to code", "error", err)
		}
	}

	s.record(audit.Event{Type: audit.EventTokenIssued, UserID: record.UserID, ClientID: client.ID, Detail: map[string]any{
		"grant": grantAuthorizationCode,
	}})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tokenFromRefresh(w http.ResponseWriter, r *http.Request, client *clients.Client, cnfJKT string) {
	presented := r.PostForm.Get("refresh_token")
	if presented == "" {
		writeError(w, errInvalidRequest, "refresh_token is required")
		return
	}

	claims, err := s.minter.Verify(r.Context(), presented)
	if err != nil {
		writeError(w, errInvalidGrant, "")
		return
	}
	jti, _ := claims["jti"].(string)
	rtv, _ := claims["rtv"].(float64)

	pin, err := routing.ParseRefreshJTI(jti)
	if err != nil {
		writeError(w, errInvalidGrant, "")
		return
	}

	requestedScope := tokens.SplitScope(r.PostForm.Get("scope"))
	rotator := s.rotatorForPin(client.ID, pin)
	rotation, err := rotator.Rotate(r.Context(), jti, int(rtv), requestedScope)

	var theft *refresh.TheftError
	switch {
	case errors.As(err, &theft):
		s.record(audit.Event{Type: audit.EventTokenTheft, UserID: theft.UserID, ClientID: theft.ClientID, Detail: map[string]any{
			"family_id": theft.FamilyID,
			"reason":    theft.Reason,
		}})
		s.cascadeAfterTheft(theft)
		writeError(w, errInvalidGrant, "")
		return
	case errors.Is(err, refresh.ErrScopeEscalation):
		writeError(w, errInvalidScope, "requested scope exceeds granted scope")
		return
	case errors.Is(err, refresh.ErrInvalidGrant):
		writeError(w, errInvalidGrant, "")
		return
	case err != nil:
		writeError(w, errTemporarilyUnavailable, "")
		return
	}

	userID := rotation.UserID
	access, err := s.minter.MintAccess(r.Context(), tokens.AccessRequest{
		Client: client,
		UserID: userID,
		Scope:  rotation.Scope,
		CnfJKT: cnfJKT,
	})
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}
	idToken, err := s.minter.MintID(r.Context(), tokens.IDRequest{
		Client:      client,
		UserID:      userID,
		AccessToken: access.Token,
	})
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}
	newRefresh, err := s.minter.MintRefresh(r.Context(), tokens.RefreshClaims{
		JTI:     rotation.NewJTI,
		UserID:  userID,
		Client:  client,
		Scope:   rotation.Scope,
		Version: rotation.Version,
		TTL:     time.Until(rotation.ExpiresAt),
	})
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}

	s.record(audit.Event{Type: audit.EventTokenRefreshed, UserID: userID, ClientID: client.ID})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL / time.Second),
		IDToken:      idToken,
		RefreshToken: newRefresh,
		Scope:        strings.Join(rotation.Scope, " "),
	})
}

func (s *Server) tokenFromDevice(w http.ResponseWriter, r *http.Request, client *clients.Client, cnfJKT string) {
	deviceCode := r.PostForm.Get("device_code")
	approval, err := s.deviceStore().Poll(r.Context(), deviceCode, client.ID)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	s.respondApproved(w, r, client, approval.UserID, approval.Scope, cnfJKT, grantDeviceCode)
}

func (s *Server) tokenFromCIBA(w http.ResponseWriter, r *http.Request, client *clients.Client, cnfJKT string) {
	authReqID := r.PostForm.Get("auth_req_id")
	approval, err := s.cibaStore().Poll(r.Context(), authReqID, client.ID)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	s.respondApproved(w, r, client, approval.UserID, approval.Scope, cnfJKT, grantCIBA)
}

func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, challenge.ErrAuthorizationPending):
		writeError(w, errAuthorizationPending, "")
	case errors.Is(err, challenge.ErrSlowDown):
		writeError(w, errSlowDown, "")
	case errors.Is(err, challenge.ErrAccessDenied):
		writeError(w, errAccessDenied, "")
	case errors.Is(err, challenge.ErrExpiredToken):
		writeError(w, errExpiredToken, "")
	default:
		writeError(w, errTemporarilyUnavailable, "")
	}
}

func (s *Server) respondApproved(w http.ResponseWriter, r *http.Request, client *clients.Client, userID string, scope []string, cnfJKT, grant string) {
	resp, _, err := s.issueTokens(r.Context(), client, issueRequest{
		UserID:   userID,
		Scope:    scope,
		AuthTime: s.now(),
		CnfJKT:   cnfJKT,
	})
	if err != nil {
		writeError(w, errTemporarilyUnavailable, "")
		return
	}
	s.record(audit.Event{Type: audit.EventTokenIssued, UserID: userID, ClientID: client.ID, Detail: map[string]any{
		"grant": grant,
	}})
	writeJSON(w, http.StatusOK, resp)
}

// issueRequest is the input to issueTokens, shared by all approval-style
// grants.
type issueRequest struct {
	UserID    string
	Scope     []string
	Nonce     string
	ACR       string
	AMR       []string
	AuthTime  time.Time
	SessionID string
	Code      string
	CnfJKT    string
}

// issueTokens mints the access and ID tokens and, when the scope includes
// offline_access, creates a refresh family routed by the current shard
// config. Returns the created family id when one was made.
func (s *Server) issueTokens(ctx context.Context, client *clients.Client, req issueRequest) (*tokenResponse, string, error) {
	access, err := s.minter.MintAccess(ctx, tokens.AccessRequest{
		Client: client,
		UserID: req.UserID,
		Scope:  req.Scope,
		CnfJKT: req.CnfJKT,
	})
	if err != nil {
		return nil, "", err
	}
	idToken, err := s.minter.MintID(ctx, tokens.IDRequest{
		Client:      client,
		UserID:      req.UserID,
		Nonce:       req.Nonce,
		ACR:         req.ACR,
		AMR:         req.AMR,
		AuthTime:    req.AuthTime,
		SessionID:   req.SessionID,
		AccessToken: access.Token,
		Code:        req.Code,
	})
	if err != nil {
		return nil, "", err
	}

	resp := &tokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL / time.Second),
		IDToken:     idToken,
		Scope:       strings.Join(req.Scope, " "),
	}

	var familyID string
	if slices.Contains(req.Scope, "offline_access") || client.AllowsGrant(grantRefreshToken) {
		rotator, pin, err := s.rotatorForNewFamily(ctx, req.UserID, client.ID)
		if err != nil {
			return nil, "", err
		}
		jti := routing.NewRefreshJTI(pin.Generation, pin.Shard)
		familyID, err = rotator.CreateFamily(ctx, req.UserID, client.ID, req.Scope, jti, s.cfg.RefreshTokenTTL)
		if err != nil {
			return nil, "", err
		}
		refreshToken, err := s.minter.MintRefresh(ctx, tokens.RefreshClaims{
			JTI:    jti,
			UserID: req.UserID,
			Client: client,
			Scope:  req.Scope,
		})
		if err != nil {
			return nil, "", err
		}
		resp.RefreshToken = refreshToken
	}
	return resp, familyID, nil
}

// cascadeRevokeFamilies is the code-replay cascade: best effort, never on
// the response path's critical section.
func (s *Server) cascadeRevokeFamilies(userID, clientID string, familyIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	cfg, err := s.shards.Current(ctx)
	if err != nil {
		slog.Error("cascade revoke: shard config unavailable", "error", err)
		return
	}

	// Families created from the code live on the user's pinned shard for
	// every retained generation; sweep them all plus the legacy instance.
	revoke := func(rotator *refresh.Rotator) {
		for _, familyID := range familyIDs {
			if _, err := rotator.RevokeFamily(ctx, familyID, "code replay"); err != nil {
				slog.Error("cascade revoke failed", "family_id", familyID, "error", err)
			}
		}
		if _, err := rotator.RevokeUserClient(ctx, userID, clientID, "code replay"); err != nil {
			slog.Error("cascade revoke failed", "user_id", userID, "error", err)
		}
	}

	generations := []routing.GenerationInfo{{Generation: cfg.CurrentGeneration, ShardCount: cfg.CurrentShardCount}}
	generations = append(generations, cfg.PreviousGenerations...)
	for _, gen := range generations {
		shard := routing.RefreshShard(userID, clientID, gen.ShardCount)
		revoke(s.rotatorForPin(clientID, routing.TokenPin{Generation: gen.Generation, Shard: shard}))
	}
	revoke(s.rotatorForPin(clientID, routing.TokenPin{Legacy: true}))
}

// cascadeAfterTheft revokes the sessions of the compromised family's user
// and records the event. The family itself is already gone.
func (s *Server) cascadeAfterTheft(theft *refresh.TheftError) {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	shard := s.sessionShardFor(theft.UserID)
	sessions, err := s.sessionStore(shard).ListUser(ctx, theft.UserID)
	if err != nil {
		slog.Error("theft cascade: listing sessions failed", "user_id", theft.UserID, "error", err)
		return
	}
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	if len(ids) == 0 {
		return
	}
	if _, err := s.sessionStore(shard).DeleteBatch(ctx, ids); err != nil {
		slog.Error("theft cascade: session revocation failed", "user_id", theft.UserID, "error", err)
	}
}
