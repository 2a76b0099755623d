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

// -----------------------------------------------------------------------------
// Role Constants
// These are the canonical role codes and levels stored in the database.
// Lower levels carry more privilege.
// -----------------------------------------------------------------------------

const (
	// RoleSuperAdmin bypasses every criterion except the active check.
	RoleSuperAdmin = "ADMIN"

	// NoRoleLevel is reported for a profile with no active roles.
	NoRoleLevel = 999
)

const (
	LevelSuperAdmin = 0
	LevelAdmin      = 1
	LevelManager    = 2
	LevelUser       = 3
	LevelGuest      = 4
)

// -----------------------------------------------------------------------------
// Resource Constants
// -----------------------------------------------------------------------------

const (
	// ResourceMenu marks permissions that drive navigation menus.
	ResourceMenu = "MENU"

	// ActionAll grants every action on a resource.
	ActionAll = "*"
)

// IntPtr returns a pointer to v. Requirement levels are optional.
func IntPtr(v int) *int { return &v }
