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

package authz

import (
	"context"
	"errors"
)

// Check is one independent authorization predicate.
type Check func(ctx context.Context) (bool, error)

// Combine runs every check and folds the results with mode. Any error denies,
// and the first error is returned.
func Combine(ctx context.Context, mode Mode, checks ...Check) (bool, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return false, errors.Join(ErrMalformedRequirement, err)
	}

	var firstErr error
	results := make([]bool, 0, len(checks))
	for _, check := range checks {
		ok, err := check(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			ok = false
		}
		results = append(results, ok)
	}
	if firstErr != nil {
		return false, firstErr
	}
	return mode.Combine(results), nil
}

// GuardSpec describes what a piece of UI needs before it is shown. Every
// populated field must pass.
type GuardSpec struct {
	Permission     string   `json:"permission,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	PermissionMode Mode     `json:"permissionMode,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	RoleMode       Mode     `json:"roleMode,omitempty"`
	Level          *int     `json:"level,omitempty"`
}

// GuardResult is the outcome of Guard.
type GuardResult struct {
	Allowed bool  `json:"hasPermission"`
	Error   error `json:"-"`
}

// Guard evaluates spec for userID. A spec with nothing populated allows.
func (s *Service) Guard(ctx context.Context, userID string, spec GuardSpec) GuardResult {
	var checks []Check
	if spec.Permission != "" {
		checks = append(checks, func(ctx context.Context) (bool, error) {
			r, err := s.CheckPermission(ctx, userID, spec.Permission)
			return r.Allowed, err
		})
	}
	if len(spec.Permissions) > 0 {
		checks = append(checks, func(ctx context.Context) (bool, error) {
			r, err := s.CheckMultiplePermissions(ctx, userID, spec.Permissions, spec.PermissionMode)
			return r.Allowed, err
		})
	}
	if len(spec.Roles) > 0 {
		checks = append(checks, func(ctx context.Context) (bool, error) {
			r, err := s.CheckRole(ctx, userID, spec.Roles, spec.RoleMode)
			return r.Allowed, err
		})
	}
	if spec.Level != nil {
		level := *spec.Level
		checks = append(checks, func(ctx context.Context) (bool, error) {
			r, err := s.CheckRoleLevel(ctx, userID, level)
			return r.Allowed, err
		})
	}
	if len(checks) == 0 {
		return GuardResult{Allowed: true}
	}

	ok, err := Combine(ctx, ModeAND, checks...)
	return GuardResult{Allowed: ok && err == nil, Error: err}
}
