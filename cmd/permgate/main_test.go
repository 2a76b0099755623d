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

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/permgate/internal/authz"
	"github.com/opentrusty/permgate/internal/config"
	"github.com/opentrusty/permgate/internal/gate"
	"github.com/opentrusty/permgate/internal/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permgate.yaml")
	body := "observability:\n  logging:\n    level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// staticProfiles serves profiles from memory instead of PostgreSQL.
func staticProfiles(profiles ...authz.ProfileInput) openLoader {
	byID := make(map[string]authz.ProfileInput, len(profiles))
	for _, p := range profiles {
		byID[p.UserID] = p
	}
	return func(context.Context, *config.Config, *components) (authz.ProfileLoader, error) {
		return authz.ProfileLoaderFunc(func(_ context.Context, userID string) (*authz.Profile, error) {
			in, ok := byID[userID]
			if !ok {
				return nil, authz.ErrProfileNotFound
			}
			return authz.NewProfile(in), nil
		}), nil
	}
}

func run(t *testing.T, open openLoader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// TestPurpose: Validates that the token command issues a session token the service accepts.
// Scope: Unit Test
// Security: Session authentication (CWE-287)
// Expected: Printed token resolves to the requested user; a missing secret is a configuration error.
// Test Case ID: CMD-01
func TestTokenCommand(t *testing.T) {
	cfgPath := writeTestConfig(t)
	t.Setenv("PERMGATE_IDENTITY__SECRET", testSecret)

	out, err := run(t, nil, "--config", cfgPath, "token", "--user", "user-42", "--ttl", "5m")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	r := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := identity.NewTokenResolver(identity.Config{Secret: testSecret}).Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)

	_, err = run(t, nil, "--config", cfgPath, "token")
	assert.Error(t, err)

	t.Setenv("PERMGATE_IDENTITY__SECRET", "")
	_, err = run(t, nil, "--config", cfgPath, "token", "--user", "user-42")
	assert.ErrorIs(t, err, identity.ErrMisconfigured)
}

// TestPurpose: Validates that the check command decides one request against the route table.
// Scope: Unit Test
// Security: Fail-closed decisions and path normalization (CWE-285, CWE-22)
// Expected: Allowed request prints an allowed outcome; denied and traversal requests print the outcome and fail; a missing path is rejected.
// Test Case ID: CMD-02
func TestCheckCommand(t *testing.T) {
	cfgPath := writeTestConfig(t)
	open := staticProfiles(authz.ProfileInput{
		UserID:      "viewer",
		Active:      true,
		Roles:       []authz.Role{{ID: "r1", Code: "USER", Level: authz.LevelUser, Active: true}},
		Permissions: []authz.Permission{{ID: "p1", Code: "user.view", Active: true}},
	})

	decode := func(t *testing.T, out string) gate.Outcome {
		t.Helper()
		var o gate.Outcome
		require.NoError(t, json.Unmarshal([]byte(out), &o), out)
		return o
	}

	out, err := run(t, open, "--config", cfgPath, "check", "--user", "viewer", "--path", "/dashboard/users")
	require.NoError(t, err)
	o := decode(t, out)
	assert.True(t, o.Allowed)
	assert.Equal(t, "/dashboard/users", o.Path)

	out, err = run(t, open, "--config", cfgPath, "check", "--user", "viewer", "--method", "DELETE", "--path", "/api/users")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	o = decode(t, out)
	assert.False(t, o.Allowed)
	assert.Equal(t, http.StatusForbidden, o.Status)

	out, err = run(t, open, "--config", cfgPath, "check", "--path", "/auth/../dashboard/settings")
	require.Error(t, err)
	o = decode(t, out)
	assert.False(t, o.Allowed)
	assert.Equal(t, "/dashboard/settings", o.Path)
	assert.Equal(t, http.StatusFound, o.Status)

	_, err = run(t, open, "--config", cfgPath, "check", "--user", "viewer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}
