// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/authrim/authrim/pkg/actor"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/session"
)

const (
	testUser               = "user-1"
	testClientID           = "web-app"
	testSecret             = "web-secret"
	testRedirectURI        = "https://app.example.com/callback"
	testConsentClientID    = "partner-app"
	testConsentSecret      = "partner-secret"
	testConsentRedirectURI = "https://partner.example.com/callback"
)

func testConfig() *config.Config {
	return &config.Config{
		IssuerURL:                     "https://auth.example.com",
		ListenAddr:                    ":0",
		Tenant:                        "t1",
		SessionShardCount:             4,
		RefreshTokenDefaultShardCount: 4,
		RefreshTokenShardCacheTTL:     10 * time.Second,
		RateLimitShardCount:           2,
		AuthCodeTTL:                   time.Minute,
		AccessTokenTTL:                time.Hour,
		RefreshTokenTTL:               30 * 24 * time.Hour,
		IDTokenTTL:                    time.Hour,
		SessionTTL:                    24 * time.Hour,
		KeyRotationInterval:           30 * 24 * time.Hour,
		KeyRetention:                  7 * 24 * time.Hour,
		SigningAlgorithm:              "ES256",
		RateLimitWindow:               time.Minute,
		RateLimitMaxRequests:          1000,
		DPoPJTITTL:                    time.Hour,
		RBACIDTokenClaims:             []string{"roles"},
		PairwiseSalt:                  "test-salt",
		Storage:                       "memory",
	}
}

func staticClients() []*clients.Client {
	return []*clients.Client{
		{
			ID:           testClientID,
			Secret:       testSecret,
			RedirectURIs: []string{testRedirectURI},
			GrantTypes: []string{
				grantAuthorizationCode, grantRefreshToken,
				grantDeviceCode, grantCIBA,
			},
			Scope:                   []string{"openid", "profile", "offline_access"},
			TokenEndpointAuthMethod: clients.AuthMethodSecretBasic,
		},
		{
			ID:                      testConsentClientID,
			Secret:                  testConsentSecret,
			RedirectURIs:            []string{testConsentRedirectURI},
			GrantTypes:              []string{grantAuthorizationCode, grantRefreshToken},
			Scope:                   []string{"openid", "profile", "offline_access"},
			TokenEndpointAuthMethod: clients.AuthMethodSecretBasic,
			RequireConsent:          true,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, http.Handler) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	system := actor.NewSystem(actor.NewMemoryBackend())
	t.Cleanup(func() { _ = system.Close() })
	srv := New(cfg, system, staticClients(), nil)
	return srv, srv.Handler()
}

func loginCookie(t *testing.T, srv *Server, userID string) *http.Cookie {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	sid, err := srv.Login(r, userID, session.Data{
		AuthTime: time.Now(),
		AMR:      []string{"pwd"},
		ACR:      "urn:authrim:acr:1",
	})
	require.NoError(t, err)
	return &http.Cookie{Name: SessionCookie, Value: sid}
}

// authorize runs GET /authorize with a live session and returns the
// issued code.
func authorize(t *testing.T, h http.Handler, cookie *http.Cookie, challenge string) string {
	t.Helper()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid profile offline_access"},
		"state":                 {"xyz"},
		"nonce":                 {"n-1"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	r := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Empty(t, loc.Query().Get("error"), "authorize redirected with error")
	require.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func postToken(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testClientID, testSecret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeToken(t *testing.T, w *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, "token endpoint: %s", w.Body.String())
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func oauthErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e oauthError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e.Code
}

func exchangeCode(t *testing.T, h http.Handler, code, verifier string) *httptest.ResponseRecorder {
	t.Helper()
	return postToken(t, h, url.Values{
		"grant_type":    {grantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
}

func refreshGrant(t *testing.T, h http.Handler, refreshToken, scope string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{
		"grant_type":    {grantRefreshToken},
		"refresh_token": {refreshToken},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return postToken(t, h, form)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))

	resp := decodeToken(t, exchangeCode(t, h, code, verifier))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.NotEmpty(t, resp.RefreshToken, "offline_access grants a refresh token")
	assert.Equal(t, 3600, resp.ExpiresIn)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	claims, err := srv.minter.Verify(r.Context(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", claims["iss"])
	assert.Equal(t, testClientID, claims["client_id"])
	assert.Contains(t, claims["scope"], "openid")

	idClaims, err := srv.minter.Verify(r.Context(), resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, claims["sub"], idClaims["sub"], "access and id token agree on sub")
	assert.Equal(t, "n-1", idClaims["nonce"])
	assert.NotEmpty(t, idClaims["at_hash"])
	assert.NotEmpty(t, idClaims["sid"])
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	q := url.Values{
		"response_type":  {"code"},
		"client_id":      {testClientID},
		"redirect_uri":   {"https://evil.example.com/cb"},
		"code_challenge": {"x"},
	}
	r := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	// Direct error, never a redirect to an unregistered uri.
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthorizePromptNoneWithoutSession(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t, nil)

	q := url.Values{
		"response_type":  {"code"},
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {"abc"},
		"prompt":         {"none"},
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login_required", loc.Query().Get("error"))
}

func TestAuthorizeWithoutSessionRedirectsToLogin(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t, nil)

	q := url.Values{
		"response_type":  {"code"},
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {"abc"},
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.NotEmpty(t, loc.Query().Get("return_to"))
}

// consentAuthorize runs GET /authorize for the consent-requiring client.
func consentAuthorize(h http.Handler, cookie *http.Cookie, challenge, prompt string) *httptest.ResponseRecorder {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {testConsentClientID},
		"redirect_uri":          {testConsentRedirectURI},
		"scope":                 {"openid profile"},
		"state":                 {"c-state"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	if prompt != "" {
		q.Set("prompt", prompt)
	}
	r := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	if cookie != nil {
		r.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// consentChallengeID asserts the response is a hand-off to the consent
// screen and extracts the ticket id.
func consentChallengeID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/consent", loc.Path)
	id := loc.Query().Get("consent_challenge")
	require.NotEmpty(t, id)
	return id
}

func postConsent(h http.Handler, cookie *http.Cookie, id, action string) *httptest.ResponseRecorder {
	form := url.Values{"consent_challenge": {id}, "action": {action}}
	r := httptest.NewRequest(http.MethodPost, "/consent", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func exchangeConsentCode(h http.Handler, code, verifier string) *httptest.ResponseRecorder {
	form := url.Values{
		"grant_type":    {grantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testConsentRedirectURI},
		"code_verifier": {verifier},
	}
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testConsentClientID, testConsentSecret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestConsentRequiredThenPersisted(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	// First authorization stops at the consent screen, not at the client.
	id := consentChallengeID(t, consentAuthorize(h, cookie, challenge, ""))

	approved := postConsent(h, cookie, id, "approve")
	require.Equal(t, http.StatusFound, approved.Code, approved.Body.String())
	loc, err := url.Parse(approved.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "c-state", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	resp := decodeToken(t, exchangeConsentCode(h, code, verifier))
	assert.NotEmpty(t, resp.AccessToken)

	// The grant persists: the next authorization goes straight through.
	verifier2 := oauth2.GenerateVerifier()
	again := consentAuthorize(h, cookie, oauth2.S256ChallengeFromVerifier(verifier2), "")
	require.Equal(t, http.StatusFound, again.Code)
	loc2, err := url.Parse(again.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEqual(t, "/consent", loc2.Path)
	assert.NotEmpty(t, loc2.Query().Get("code"))
}

func TestConsentDenied(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	id := consentChallengeID(t, consentAuthorize(h, cookie, challenge, ""))

	denied := postConsent(h, cookie, id, "deny")
	require.Equal(t, http.StatusFound, denied.Code)
	loc, err := url.Parse(denied.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "c-state", loc.Query().Get("state"))

	// The ticket is single use.
	replayed := postConsent(h, cookie, id, "approve")
	assert.Equal(t, http.StatusBadRequest, replayed.Code)
}

func TestConsentPromptNoneWithoutGrant(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	w := consentAuthorize(h, cookie, challenge, "none")
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "consent_required", loc.Query().Get("error"))
}

func TestConsentPromptConsentForcesReconsent(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	id := consentChallengeID(t, consentAuthorize(h, cookie, challenge, ""))
	require.Equal(t, http.StatusFound, postConsent(h, cookie, id, "approve").Code)

	// A standing grant does not satisfy prompt=consent.
	consentChallengeID(t, consentAuthorize(h, cookie, challenge, "consent"))
}

func TestConsentTicketBoundToUser(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)
	otherCookie := loginCookie(t, srv, "user-2")

	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	id := consentChallengeID(t, consentAuthorize(h, cookie, challenge, ""))

	hijacked := postConsent(h, otherCookie, id, "approve")
	assert.Equal(t, http.StatusBadRequest, hijacked.Code)
}

func TestPKCEMismatchDoesNotBurnCode(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))

	w := exchangeCode(t, h, code, oauth2.GenerateVerifier())
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, w))

	// The failed attempt did not consume the code.
	decodeToken(t, exchangeCode(t, h, code, verifier))
}

func TestCodeReplayRevokesIssuedFamily(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))
	first := decodeToken(t, exchangeCode(t, h, code, verifier))
	require.NotEmpty(t, first.RefreshToken)

	replay := exchangeCode(t, h, code, verifier)
	require.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, replay))

	// The cascade killed the refresh family issued from the first exchange.
	w := refreshGrant(t, h, first.RefreshToken, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, w))
}

func TestConcurrentCodeExchangeSingleWinner(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))

	// Two redemptions of the same code race on the token endpoint. The
	// code store serializes them: exactly one wins, the loser gets
	// invalid_grant and must not walk away with a token.
	form := url.Values{
		"grant_type":    {grantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	start := make(chan struct{})
	results := make([]*httptest.ResponseRecorder, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			r.SetBasicAuth(testClientID, testSecret)
			w := httptest.NewRecorder()
			<-start
			h.ServeHTTP(w, r)
			results[i] = w
		}()
	}
	close(start)
	wg.Wait()

	var winners, losers int
	for _, w := range results {
		switch w.Code {
		case http.StatusOK:
			winners++
		default:
			losers++
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid_grant", oauthErrorCode(t, w))
			assert.NotContains(t, w.Body.String(), "access_token")
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
}

func TestRefreshRotationAndTheftDetection(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))
	initial := decodeToken(t, exchangeCode(t, h, code, verifier))

	rotated := decodeToken(t, refreshGrant(t, h, initial.RefreshToken, ""))
	assert.NotEmpty(t, rotated.RefreshToken)
	assert.NotEqual(t, initial.RefreshToken, rotated.RefreshToken)
	assert.NotEmpty(t, rotated.AccessToken)

	// Replaying the superseded token is theft: the whole family dies,
	// including the freshly rotated successor.
	stolen := refreshGrant(t, h, initial.RefreshToken, "")
	require.Equal(t, http.StatusBadRequest, stolen.Code)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, stolen))

	successor := refreshGrant(t, h, rotated.RefreshToken, "")
	require.Equal(t, http.StatusBadRequest, successor.Code)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, successor))
}

func TestRefreshScopeNarrowingOnly(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))
	initial := decodeToken(t, exchangeCode(t, h, code, verifier))

	narrowed := decodeToken(t, refreshGrant(t, h, initial.RefreshToken, "openid"))
	assert.Equal(t, "openid", narrowed.Scope)

	escalated := refreshGrant(t, h, narrowed.RefreshToken, "openid profile admin")
	require.Equal(t, http.StatusBadRequest, escalated.Code)
	assert.Equal(t, "invalid_scope", oauthErrorCode(t, escalated))
}

func TestTokenRejectsBadClientCredentials(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t, nil)

	form := url.Values{"grant_type": {grantAuthorizationCode}, "code": {"whatever"}}
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testClientID, "wrong-secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestPushedAuthorizationRequest(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	form := url.Values{
		"response_type":         {"code"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"state":                 {"par-state"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	r := httptest.NewRequest(http.MethodPost, "/as/par", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testClientID, testSecret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pushed struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pushed))
	assert.True(t, strings.HasPrefix(pushed.RequestURI, "urn:ietf:params:oauth:request-uri:"))

	q := url.Values{"client_id": {testClientID}, "request_uri": {pushed.RequestURI}}
	ar := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	ar.AddCookie(cookie)
	aw := httptest.NewRecorder()
	h.ServeHTTP(aw, ar)

	require.Equal(t, http.StatusFound, aw.Code)
	loc, err := url.Parse(aw.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "par-state", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	decodeToken(t, exchangeCode(t, h, code, verifier))

	// request_uri is single use.
	aw2 := httptest.NewRecorder()
	h.ServeHTTP(aw2, ar.Clone(ar.Context()))
	assert.Equal(t, http.StatusBadRequest, aw2.Code)
}

func TestIntrospectionAndRevocation(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))
	issued := decodeToken(t, exchangeCode(t, h, code, verifier))

	introspect := func(token string) map[string]any {
		form := url.Values{"token": {token}}
		r := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.SetBasicAuth(testClientID, testSecret)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return body
	}

	active := introspect(issued.AccessToken)
	assert.Equal(t, true, active["active"])
	assert.Equal(t, testClientID, active["client_id"])

	assert.Equal(t, false, introspect("garbage")["active"])

	form := url.Values{"token": {issued.AccessToken}}
	r := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testClientID, testSecret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, false, introspect(issued.AccessToken)["active"])
}

func TestRevokeRefreshTokenKillsFamily(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))
	issued := decodeToken(t, exchangeCode(t, h, code, verifier))
	require.NotEmpty(t, issued.RefreshToken)

	form := url.Values{"token": {issued.RefreshToken}}
	r := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testClientID, testSecret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	refused := refreshGrant(t, h, issued.RefreshToken, "")
	require.Equal(t, http.StatusBadRequest, refused.Code)
	assert.Equal(t, "invalid_grant", oauthErrorCode(t, refused))
}

func TestUserinfo(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, h, cookie, oauth2.S256ChallengeFromVerifier(verifier))
	issued := decodeToken(t, exchangeCode(t, h, code, verifier))

	r := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	r.Header.Set("Authorization", "Bearer "+issued.AccessToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["sub"])

	r2 := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	r2.Header.Set("Authorization", "Bearer garbage")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	assert.Equal(t, http.StatusUnauthorized, w2.Code)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusFound, w.Code)

	// The session is gone: authorize now bounces to login.
	q := url.Values{
		"response_type":  {"code"},
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"code_challenge": {"abc"},
	}
	ar := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	ar.AddCookie(cookie)
	aw := httptest.NewRecorder()
	h.ServeHTTP(aw, ar)
	require.Equal(t, http.StatusFound, aw.Code)
	loc, err := url.Parse(aw.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
}

func TestDeviceFlow(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	cookie := loginCookie(t, srv, testUser)

	form := url.Values{"scope": {"openid"}}
	r := httptest.NewRequest(http.MethodPost, "/device_authorization", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testClientID, testSecret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var grant struct {
		DeviceCode string `json:"device_code"`
		UserCode   string `json:"user_code"`
		Interval   int    `json:"interval"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	require.NotEmpty(t, grant.DeviceCode)
	require.NotEmpty(t, grant.UserCode)
	assert.Equal(t, 5, grant.Interval)

	poll := func() *httptest.ResponseRecorder {
		return postToken(t, h, url.Values{
			"grant_type":  {grantDeviceCode},
			"device_code": {grant.DeviceCode},
		})
	}

	pending := poll()
	require.Equal(t, http.StatusBadRequest, pending.Code)
	assert.Equal(t, "authorization_pending", oauthErrorCode(t, pending))

	approve := url.Values{"user_code": {grant.UserCode}, "action": {"approve"}}
	ar := httptest.NewRequest(http.MethodPost, "/device", strings.NewReader(approve.Encode()))
	ar.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ar.AddCookie(cookie)
	aw := httptest.NewRecorder()
	h.ServeHTTP(aw, ar)
	require.Equal(t, http.StatusOK, aw.Code, aw.Body.String())

	resp := decodeToken(t, poll())
	assert.NotEmpty(t, resp.AccessToken)

	// Redemption is single shot.
	drained := poll()
	require.Equal(t, http.StatusBadRequest, drained.Code)
	assert.Equal(t, "expired_token", oauthErrorCode(t, drained))
}

func TestCIBAFlow(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)

	form := url.Values{"login_hint": {testUser}, "scope": {"openid"}}
	r := httptest.NewRequest(http.MethodPost, "/bc-authorize", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth(testClientID, testSecret)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started struct {
		AuthReqID string `json:"auth_req_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.NotEmpty(t, started.AuthReqID)

	pending := postToken(t, h, url.Values{
		"grant_type":  {grantCIBA},
		"auth_req_id": {started.AuthReqID},
	})
	require.Equal(t, http.StatusBadRequest, pending.Code)
	assert.Equal(t, "authorization_pending", oauthErrorCode(t, pending))

	// The authentication device approves out of band.
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	require.NoError(t, srv.cibaStore().Approve(ctx, started.AuthReqID, testUser))

	resp := decodeToken(t, postToken(t, h, url.Values{
		"grant_type":  {grantCIBA},
		"auth_req_id": {started.AuthReqID},
	}))
	assert.NotEmpty(t, resp.AccessToken)
}

func TestDynamicRegistration(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t, nil)

	body := `{"client_name":"cli-tool","redirect_uris":["https://cli.example.com/cb"]}`
	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var registered struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &registered))
	assert.NotEmpty(t, registered.ClientID)
	assert.NotEmpty(t, registered.ClientSecret)
}

func TestDiscoveryAndJWKS(t *testing.T) {
	t.Parallel()
	_, h := newTestServer(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "https://auth.example.com", meta["issuer"])
	assert.Equal(t, "https://auth.example.com/token", meta["token_endpoint"])
	assert.Contains(t, meta["code_challenge_methods_supported"], "S256")

	jw := httptest.NewRecorder()
	h.ServeHTTP(jw, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, jw.Code)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(jw.Body.Bytes(), &jwks))
	require.NotEmpty(t, jwks.Keys)
	for _, key := range jwks.Keys {
		assert.NotContains(t, key, "d", "private material must not be published")
	}
}

func TestRateLimitExceeded(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimitMaxRequests = 2
	_, h := newTestServer(t, cfg)

	get := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		r.RemoteAddr = "203.0.113.7:4455"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.NotEqual(t, http.StatusTooManyRequests, get().Code)
	assert.NotEqual(t, http.StatusTooManyRequests, get().Code)
	third := get()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))

	// Discovery stays reachable under limit pressure.
	dw := httptest.NewRecorder()
	dr := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	dr.RemoteAddr = "203.0.113.7:4455"
	h.ServeHTTP(dw, dr)
	assert.Equal(t, http.StatusOK, dw.Code)
}
