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
	"slices"
	"strings"
)

// Profile is an immutable snapshot of one user's access-control facts.
// Build it with NewProfile; a refreshed profile replaces the old one wholesale.
type Profile struct {
	userID        string
	active        bool
	permissions   []Permission
	roles         []Role
	permissionSet map[string]struct{}
	roleSet       map[string]struct{}
	organizations map[string]struct{}
	departments   map[string]struct{}
	roleLevel     int
}

// ProfileInput carries the loader's raw facts into NewProfile.
type ProfileInput struct {
	UserID        string
	Active        bool
	Roles         []Role
	Permissions   []Permission
	Organizations []string
	Departments   []string
}

// NewProfile builds a profile. Inactive roles and permissions are dropped and
// permissions are de-duplicated by ID (or by code when the ID is empty).
func NewProfile(in ProfileInput) *Profile {
	p := &Profile{
		userID:        in.UserID,
		active:        in.Active,
		permissionSet: make(map[string]struct{}, len(in.Permissions)),
		roleSet:       make(map[string]struct{}, len(in.Roles)),
		organizations: toSet(in.Organizations),
		departments:   toSet(in.Departments),
		roleLevel:     NoRoleLevel,
	}

	seen := make(map[string]struct{}, len(in.Permissions))
	for _, perm := range in.Permissions {
		if !perm.Active {
			continue
		}
		key := perm.ID
		if key == "" {
			key = "code:" + perm.Code
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if perm.Level != nil {
			lvl := *perm.Level
			perm.Level = &lvl
		}
		p.permissions = append(p.permissions, perm)
		p.permissionSet[perm.Code] = struct{}{}
	}

	for _, role := range in.Roles {
		if !role.Active {
			continue
		}
		p.roles = append(p.roles, role)
		p.roleSet[role.Code] = struct{}{}
		if role.Level < p.roleLevel {
			p.roleLevel = role.Level
		}
	}

	return p
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// UserID returns the owning user's identifier.
func (p *Profile) UserID() string { return p.userID }

// Active reports whether the user is enabled.
func (p *Profile) Active() bool { return p.active }

// RoleLevel is the lowest level across active roles, or NoRoleLevel.
func (p *Profile) RoleLevel() int { return p.roleLevel }

// IsSuperAdmin reports whether the profile carries the superadmin role.
func (p *Profile) IsSuperAdmin() bool { return p.HasRole(RoleSuperAdmin) }

// HasPermission reports whether an active permission with the code is granted.
func (p *Profile) HasPermission(code string) bool {
	_, ok := p.permissionSet[code]
	return ok
}

// HasRole reports whether an active role with the code is assigned.
func (p *Profile) HasRole(code string) bool {
	_, ok := p.roleSet[code]
	return ok
}

// InOrganization reports organization membership.
func (p *Profile) InOrganization(code string) bool {
	_, ok := p.organizations[code]
	return ok
}

// InDepartment reports department membership.
func (p *Profile) InDepartment(code string) bool {
	_, ok := p.departments[code]
	return ok
}

// HasResourceAccess reports whether a permission grants action on resource.
// A permission action of "*" grants every action.
func (p *Profile) HasResourceAccess(resource, action string) bool {
	for _, perm := range p.permissions {
		if perm.Resource == resource && (perm.Action == action || perm.Action == ActionAll) {
			return true
		}
	}
	return false
}

// Permission returns the granted permission with the code.
func (p *Profile) Permission(code string) (Permission, bool) {
	for _, perm := range p.permissions {
		if perm.Code == code {
			return perm, true
		}
	}
	return Permission{}, false
}

// Permissions returns a copy of the granted permissions.
func (p *Profile) Permissions() []Permission { return slices.Clone(p.permissions) }

// Roles returns a copy of the active roles.
func (p *Profile) Roles() []Role { return slices.Clone(p.roles) }

// PermissionCodes returns the granted permission codes, sorted.
func (p *Profile) PermissionCodes() []string { return sortedKeys(p.permissionSet) }

// RoleCodes returns the active role codes, sorted.
func (p *Profile) RoleCodes() []string { return sortedKeys(p.roleSet) }

// Organizations returns the organization codes, sorted.
func (p *Profile) Organizations() []string { return sortedKeys(p.organizations) }

// Departments returns the department codes, sorted.
func (p *Profile) Departments() []string { return sortedKeys(p.departments) }
