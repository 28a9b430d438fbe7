// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// dpopProofMaxAge bounds how old a proof's iat may be. RFC 9449 leaves the
// window to the server; a small one limits replay exposure alongside the
// jti store.
const dpopProofMaxAge = 5 * time.Minute

var errDPoPProof = errors.New("invalid dpop proof")

// verifyDPoP validates the DPoP header on r and returns the JWK thumbprint
// to bind into the access token (cnf.jkt). Empty header returns ("", nil):
// DPoP is optional unless the client registration requires it.
func (s *Server) verifyDPoP(r *http.Request) (string, error) {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		return "", nil
	}

	var proofKey jwk.Key
	token, err := jwt.Parse(proof,
		func(token *jwt.Token) (any, error) {
			if typ, _ := token.Header["typ"].(string); typ != "dpop+jwt" {
				return nil, fmt.Errorf("%w: typ must be dpop+jwt", errDPoPProof)
			}
			rawJWK, ok := token.Header["jwk"]
			if !ok {
				return nil, fmt.Errorf("%w: missing jwk header", errDPoPProof)
			}
			encoded, err := json.Marshal(rawJWK)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", errDPoPProof, err)
			}
			key, err := jwk.ParseKey(encoded)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", errDPoPProof, err)
			}
			proofKey = key

			var pub any
			if err := jwk.Export(key, &pub); err != nil {
				return nil, fmt.Errorf("%w: %w", errDPoPProof, err)
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{"ES256", "RS256"}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errDPoPProof, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errDPoPProof
	}

	htm, _ := claims["htm"].(string)
	if !strings.EqualFold(htm, r.Method) {
		return "", fmt.Errorf("%w: htm mismatch", errDPoPProof)
	}
	htu, _ := claims["htu"].(string)
	if expected := s.cfg.IssuerURL + r.URL.Path; htu != expected {
		return "", fmt.Errorf("%w: htu mismatch", errDPoPProof)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return "", fmt.Errorf("%w: missing iat", errDPoPProof)
	}
	age := s.now().Sub(iat.Time)
	if age > dpopProofMaxAge || age < -dpopProofMaxAge {
		return "", fmt.Errorf("%w: stale proof", errDPoPProof)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", fmt.Errorf("%w: missing jti", errDPoPProof)
	}
	fresh, err := s.dpopStore().CheckAndStore(r.Context(), jti, s.cfg.DPoPJTITTL)
	if err != nil {
		return "", err
	}
	if !fresh {
		return "", fmt.Errorf("%w: proof replayed", errDPoPProof)
	}

	thumb, err := proofKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errDPoPProof, err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
