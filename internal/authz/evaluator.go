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
	"fmt"
)

// criterion inspects one facet of a requirement. applies is false when the
// requirement does not populate that facet.
type criterion struct {
	reason string
	check  func(ctx context.Context, p *Profile, r Requirement) (applies, ok bool, err error)
}

// criteria run in this order; the first failing one names the denial.
var criteria = []criterion{
	{reason: ReasonPermission, check: checkPermissions},
	{reason: ReasonRole, check: checkRoles},
	{reason: ReasonRoleLevel, check: checkLevel},
	{reason: ReasonOrganization, check: checkOrganizations},
	{reason: ReasonDepartment, check: checkDepartments},
	{reason: ReasonResource, check: checkResource},
	{reason: ReasonCustomCheck, check: checkCustom},
}

// Evaluate decides whether profile satisfies requirement.
//
// A normal denial is returned with a nil error. When a criterion fails with an
// error or panics the decision is a denial and the error is returned as well.
func Evaluate(ctx context.Context, p *Profile, r Requirement) (d Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d = deny(ReasonEvaluationError)
			err = fmt.Errorf("authz: evaluation panic: %v", rec)
		}
	}()

	if p == nil {
		return deny(ReasonEvaluationError), ErrProfileNotFound
	}
	if !p.Active() {
		return deny(ReasonUserDisabled), nil
	}
	if p.IsSuperAdmin() {
		return allow(), nil
	}

	mode, err := ParseMode(string(r.Mode))
	if err != nil {
		return deny(ReasonEvaluationError), errors.Join(ErrMalformedRequirement, err)
	}

	var (
		results   []bool
		firstFail string
	)
	for _, c := range criteria {
		applies, ok, cerr := c.check(ctx, p, r)
		if cerr != nil {
			return deny(ReasonEvaluationError), cerr
		}
		if !applies {
			continue
		}
		results = append(results, ok)
		if !ok && firstFail == "" {
			firstFail = c.reason
		}
	}

	if len(results) == 0 || mode.Combine(results) {
		return allow(), nil
	}
	return deny(firstFail), nil
}

func modeOf(r Requirement) Mode {
	if r.Mode == ModeOR {
		return ModeOR
	}
	return ModeAND
}

func combineMembership(mode Mode, values []string, has func(string) bool) bool {
	results := make([]bool, len(values))
	for i, v := range values {
		results[i] = has(v)
	}
	return mode.Combine(results)
}

func checkPermissions(_ context.Context, p *Profile, r Requirement) (bool, bool, error) {
	if len(r.Permissions) == 0 {
		return false, false, nil
	}
	return true, combineMembership(modeOf(r), r.Permissions, p.HasPermission), nil
}

// Role lists are always satisfied by any one role.
func checkRoles(_ context.Context, p *Profile, r Requirement) (bool, bool, error) {
	if len(r.Roles) == 0 {
		return false, false, nil
	}
	return true, combineMembership(ModeOR, r.Roles, p.HasRole), nil
}

func checkLevel(_ context.Context, p *Profile, r Requirement) (bool, bool, error) {
	if r.Level == nil {
		return false, false, nil
	}
	return true, p.RoleLevel() <= *r.Level, nil
}

func checkOrganizations(_ context.Context, p *Profile, r Requirement) (bool, bool, error) {
	if len(r.Organizations) == 0 {
		return false, false, nil
	}
	return true, combineMembership(modeOf(r), r.Organizations, p.InOrganization), nil
}

func checkDepartments(_ context.Context, p *Profile, r Requirement) (bool, bool, error) {
	if len(r.Departments) == 0 {
		return false, false, nil
	}
	return true, combineMembership(modeOf(r), r.Departments, p.InDepartment), nil
}

func checkResource(_ context.Context, p *Profile, r Requirement) (bool, bool, error) {
	if r.Resource == "" || r.Action == "" {
		return false, false, nil
	}
	return true, p.HasResourceAccess(r.Resource, r.Action), nil
}

func checkCustom(ctx context.Context, p *Profile, r Requirement) (bool, bool, error) {
	if r.CustomCheck == nil {
		return false, false, nil
	}
	ok, err := r.CustomCheck(ctx, p.UserID())
	if err != nil {
		return true, false, fmt.Errorf("custom check: %w", err)
	}
	return true, ok, nil
}
