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

package authz_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/permgate/internal/authz"
)

func constCheck(ok bool, err error) authz.Check {
	return func(ctx context.Context) (bool, error) { return ok, err }
}

// TestPurpose: Validates AND/OR folding of independent checks.
// Scope: Unit Test
// Expected: AND needs all, OR needs one, any error denies and surfaces the first error.
// Test Case ID: CMP-01
func TestCombine(t *testing.T) {
	ctx := context.Background()

	ok, err := authz.Combine(ctx, authz.ModeAND, constCheck(true, nil), constCheck(false, nil))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = authz.Combine(ctx, authz.ModeOR, constCheck(true, nil), constCheck(false, nil))
	require.NoError(t, err)
	assert.True(t, ok)

	first := errors.New("first")
	second := errors.New("second")
	ok, err = authz.Combine(ctx, authz.ModeOR, constCheck(true, nil), constCheck(false, first), constCheck(false, second))
	assert.ErrorIs(t, err, first)
	assert.False(t, ok)

	_, err = authz.Combine(ctx, "BOTH")
	assert.ErrorIs(t, err, authz.ErrMalformedRequirement)
}

// TestPurpose: Validates the presentation-layer guard.
// Scope: Unit Test
// Expected: Every populated criterion must pass; an empty spec allows.
// Test Case ID: CMP-02
func TestService_Guard(t *testing.T) {
	svc := newTestService(t, NewMockLoader(managerInput()), authz.ServiceConfig{})
	ctx := context.Background()

	assert.True(t, svc.Guard(ctx, "manager", authz.GuardSpec{}).Allowed)

	res := svc.Guard(ctx, "manager", authz.GuardSpec{
		Permission: "order.view",
		Roles:      []string{"MANAGER", "FINANCE"},
		Level:      authz.IntPtr(authz.LevelUser),
	})
	assert.True(t, res.Allowed)
	assert.NoError(t, res.Error)

	res = svc.Guard(ctx, "manager", authz.GuardSpec{
		Permissions:    []string{"order.view", "order.edit"},
		PermissionMode: authz.ModeAND,
	})
	assert.False(t, res.Allowed)

	res = svc.Guard(ctx, "manager", authz.GuardSpec{
		Permission: "order.view",
		Level:      authz.IntPtr(authz.LevelAdmin),
	})
	assert.False(t, res.Allowed)
}
