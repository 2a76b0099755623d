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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Domain errors
var (
	ErrMisconfigured = errors.New("identity resolver misconfigured")
	ErrInvalidToken  = errors.New("invalid session token")
)

// DefaultCookieName is the session cookie checked when no bearer token is sent.
const DefaultCookieName = "permgate_session"

// Resolver extracts the authenticated user id from a request. It returns an
// empty id and a nil error when the request carries no credentials.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// Identity modes.
const (
	// ModeToken validates signed session tokens.
	ModeToken = "token"
	// ModeHeader trusts a user id header. Only safe behind a proxy that
	// strips the header from client requests.
	ModeHeader = "header"
)

// Config holds identity resolution settings.
type Config struct {
	Mode       string        `koanf:"mode"`
	Header     string        `koanf:"header"`
	Secret     string        `koanf:"secret"`
	CookieName string        `koanf:"cookie_name"`
	Issuer     string        `koanf:"issuer"`
	Audience   string        `koanf:"audience"`
	Leeway     time.Duration `koanf:"leeway"`
}

// Validate checks that the mode is known and has what it needs. A missing
// token secret is not an error here; see NewTokenResolver.
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeToken:
		return nil
	case ModeHeader:
		if strings.TrimSpace(c.Header) == "" {
			return errors.New("identity.header is required in header mode")
		}
		return nil
	default:
		return fmt.Errorf("identity.mode must be %s or %s, got %q", ModeToken, ModeHeader, c.Mode)
	}
}

// NewResolver builds the resolver selected by cfg.Mode.
func NewResolver(cfg Config) (Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeHeader {
		return HeaderResolver{Header: strings.TrimSpace(cfg.Header)}, nil
	}
	return NewTokenResolver(cfg), nil
}

// TokenResolver validates HS256 session tokens. The subject claim is the user id.
type TokenResolver struct {
	cfg    Config
	parser *jwt.Parser
}

// NewTokenResolver creates a resolver. A missing secret is reported on every
// Resolve call as ErrMisconfigured so that callers answer with a server error
// rather than treating users as anonymous.
func NewTokenResolver(cfg Config) *TokenResolver {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &TokenResolver{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Resolve implements Resolver.
func (t *TokenResolver) Resolve(r *http.Request) (string, error) {
	if t.cfg.Secret == "" {
		return "", ErrMisconfigured
	}
	raw := tokenFromRequest(r, t.cfg.CookieName)
	if raw == "" {
		return "", nil
	}

	claims := &jwt.RegisteredClaims{}
	_, err := t.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(t.cfg.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue signs a session token for userID valid for ttl.
func (t *TokenResolver) Issue(userID string, ttl time.Duration) (string, error) {
	if t.cfg.Secret == "" {
		return "", ErrMisconfigured
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    t.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if t.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{t.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// Static resolves every request to the same user. An empty id is anonymous.
type Static string

// Resolve implements Resolver.
func (s Static) Resolve(*http.Request) (string, error) { return string(s), nil }

// HeaderResolver trusts a user id header set by an upstream proxy. It is
// selected with identity.mode=header.
type HeaderResolver struct {
	Header string
}

// Resolve implements Resolver.
func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	if h.Header == "" {
		return "", ErrMisconfigured
	}
	return strings.TrimSpace(r.Header.Get(h.Header)), nil
}
