// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// TestPurpose: Validates that a signed bearer token resolves to its subject.
// Scope: Unit Test
// Security: Session authentication (CWE-287)
// Expected: Subject returned for bearer header and cookie.
// Test Case ID: IDN-01
func TestTokenResolver_Resolve(t *testing.T) {
	res := NewTokenResolver(Config{Secret: testSecret})
	token, err := res.Issue("user-42", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)

	r = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: token})
	id, err = res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)
}

// TestPurpose: Validates that missing credentials are anonymous, not an error.
// Scope: Unit Test
// Expected: Empty id and nil error.
// Test Case ID: IDN-02
func TestTokenResolver_Anonymous(t *testing.T) {
	res := NewTokenResolver(Config{Secret: testSecret})
	id, err := res.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Empty(t, id)
}

// TestPurpose: Validates rejection of forged, expired and algorithm-confused tokens.
// Scope: Unit Test
// Security: Token forgery and alg confusion (CWE-347)
// Expected: ErrInvalidToken for each.
// Test Case ID: IDN-03
func TestTokenResolver_RejectsBadTokens(t *testing.T) {
	res := NewTokenResolver(Config{Secret: testSecret})

	forged, err := NewTokenResolver(Config{Secret: "another-secret-another-secret!!"}).Issue("user-42", time.Hour)
	require.NoError(t, err)

	expired, err := res.Issue("user-42", -time.Minute)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"forged":     forged,
		"expired":    expired,
		"none":       none,
		"no-subject": noSubject,
		"garbage":    "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", "Bearer "+token)
			id, err := res.Resolve(r)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Empty(t, id)
		})
	}
}

// TestPurpose: Validates that a missing secret is reported as a configuration error.
// Scope: Unit Test
// Expected: ErrMisconfigured from Resolve and Issue.
// Test Case ID: IDN-04
func TestTokenResolver_Misconfigured(t *testing.T) {
	res := NewTokenResolver(Config{})
	_, err := res.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = res.Issue("u", time.Minute)
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = HeaderResolver{}.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrMisconfigured)
}

// TestPurpose: Validates the issuer and audience constraints.
// Scope: Unit Test
// Expected: Tokens from another issuer are rejected.
// Test Case ID: IDN-05
func TestTokenResolver_Issuer(t *testing.T) {
	res := NewTokenResolver(Config{Secret: testSecret, Issuer: "permgate", Audience: "dashboard"})
	other := NewTokenResolver(Config{Secret: testSecret, Issuer: "elsewhere", Audience: "dashboard"})

	good, err := res.Issue("u1", time.Hour)
	require.NoError(t, err)
	bad, err := other.Issue("u1", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+good)
	id, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	r.Header.Set("Authorization", "Bearer "+bad)
	_, err = res.Resolve(r)
	assert.ErrorIs(t, err, ErrInvalidToken)

	hr := HeaderResolver{Header: "X-User-Id"}
	r.Header.Set("X-User-Id", " u7 ")
	id, err = hr.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "u7", id)
}

// TestPurpose: Validates that the configured mode selects the resolver and that header mode needs a header name.
// Scope: Unit Test
// Security: Trusted proxy identity propagation (CWE-290)
// Expected: Default and token modes validate tokens; header mode reads the configured header; bad modes are rejected.
// Test Case ID: IDN-06
func TestNewResolver_Modes(t *testing.T) {
	res, err := NewResolver(Config{Secret: testSecret})
	require.NoError(t, err)
	assert.IsType(t, &TokenResolver{}, res)

	res, err = NewResolver(Config{Mode: ModeToken, Secret: testSecret})
	require.NoError(t, err)
	assert.IsType(t, &TokenResolver{}, res)

	res, err = NewResolver(Config{Mode: ModeHeader, Header: " X-Auth-User "})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	r.Header.Set("X-Auth-User", "user-7")
	id, err := res.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-7", id)

	_, err = NewResolver(Config{Mode: ModeHeader})
	assert.Error(t, err)

	_, err = NewResolver(Config{Mode: "cookie"})
	assert.Error(t, err)
}
