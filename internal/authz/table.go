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
	"net/http"
	"strings"
	"sync"
)

// RouteRule attaches a requirement to a page path.
type RouteRule struct {
	Path        string `koanf:"path" json:"path"`
	Requirement `koanf:",squash"`
}

// OperationRule attaches a requirement to an API method and path.
type OperationRule struct {
	Method      string `koanf:"method" json:"method"`
	Path        string `koanf:"path" json:"path"`
	Requirement `koanf:",squash"`
}

// OperationKey builds the lookup key for an API operation, e.g. "GET /api/users".
func OperationKey(method, path string) string {
	return strings.ToUpper(method) + " " + normalizePath(path)
}

// RouteTable resolves page paths and operations to requirements.
//
// Resolution tries the exact key, then progressively shorter segment
// prefixes. Keys are literal; there is no pattern matching.
type RouteTable struct {
	mu         sync.RWMutex
	routes     map[string]Requirement
	operations map[string]Requirement
}

// NewRouteTable builds a table from rules.
func NewRouteTable(routes []RouteRule, operations []OperationRule) (*RouteTable, error) {
	t := &RouteTable{
		routes:     make(map[string]Requirement, len(routes)),
		operations: make(map[string]Requirement, len(operations)),
	}
	for _, r := range routes {
		if err := t.AddRoute(r.Path, r.Requirement); err != nil {
			return nil, err
		}
	}
	for _, op := range operations {
		if err := t.AddOperation(op.Method, op.Path, op.Requirement); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DefaultRouteTable returns a table seeded with the dashboard defaults.
func DefaultRouteTable() *RouteTable {
	t, err := NewRouteTable(DefaultRouteRules(), DefaultOperationRules())
	if err != nil {
		panic(err)
	}
	return t
}

// AddRoute registers or replaces the requirement for a page path.
func (t *RouteTable) AddRoute(path string, req Requirement) error {
	if err := req.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[normalizePath(path)] = req
	return nil
}

// AddOperation registers or replaces the requirement for an API operation.
func (t *RouteTable) AddOperation(method, path string, req Requirement) error {
	if err := req.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operations[OperationKey(method, path)] = req
	return nil
}

// LookupRoute resolves a page path.
func (t *RouteTable) LookupRoute(path string) (Requirement, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lookupPrefix(t.routes, "", normalizePath(path))
}

// LookupOperation resolves an API method and path.
func (t *RouteTable) LookupOperation(method, path string) (Requirement, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lookupPrefix(t.operations, strings.ToUpper(method)+" ", normalizePath(path))
}

func lookupPrefix(rules map[string]Requirement, keyPrefix, path string) (Requirement, bool) {
	if req, ok := rules[keyPrefix+path]; ok {
		return req, true
	}
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	for i := len(segments); i > 0; i-- {
		candidate := keyPrefix + "/" + strings.Join(segments[:i], "/")
		if req, ok := rules[candidate]; ok {
			return req, true
		}
	}
	return Requirement{}, false
}

func normalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// DefaultRouteRules are the page requirements of the admin dashboard.
func DefaultRouteRules() []RouteRule {
	perm := func(path string, code string, level int) RouteRule {
		return RouteRule{Path: path, Requirement: Requirement{Permissions: []string{code}, Level: IntPtr(level)}}
	}
	return []RouteRule{
		{Path: "/dashboard", Requirement: Requirement{Permissions: []string{"dashboard.view"}, Mode: ModeOR}},

		perm("/dashboard/users", "user.view", LevelUser),
		perm("/dashboard/users/create", "user.create", LevelManager),
		perm("/dashboard/users/edit", "user.edit", LevelManager),
		perm("/dashboard/users/delete", "user.delete", LevelAdmin),

		perm("/dashboard/roles", "role.view", LevelManager),
		perm("/dashboard/roles/create", "role.create", LevelAdmin),
		perm("/dashboard/roles/edit", "role.edit", LevelAdmin),

		perm("/dashboard/permissions", "permission.view", LevelAdmin),

		perm("/dashboard/organizations", "organization.view", LevelManager),
		perm("/dashboard/organizations/create", "organization.create", LevelAdmin),

		perm("/dashboard/products", "product.view", LevelUser),
		perm("/dashboard/products/create", "product.create", LevelManager),
		perm("/dashboard/products/edit", "product.edit", LevelManager),

		perm("/dashboard/orders", "order.view", LevelUser),
		perm("/dashboard/orders/create", "order.create", LevelUser),
		perm("/dashboard/orders/edit", "order.edit", LevelManager),
		{Path: "/dashboard/orders/financial", Requirement: Requirement{
			Permissions: []string{"order.financial"}, Roles: []string{"FINANCE", RoleSuperAdmin}, Mode: ModeOR,
		}},

		{Path: "/dashboard/finance", Requirement: Requirement{Roles: []string{"FINANCE", RoleSuperAdmin}, Mode: ModeOR}},
		{Path: "/dashboard/finance/reports", Requirement: Requirement{
			Permissions: []string{"finance.reports"}, Roles: []string{"FINANCE", RoleSuperAdmin}, Mode: ModeAND,
		}},

		{Path: "/dashboard/settings", Requirement: Requirement{Level: IntPtr(LevelAdmin)}},
		perm("/dashboard/settings/system", "system.config", LevelSuperAdmin),
	}
}

// DefaultOperationRules are the API requirements of the admin dashboard.
func DefaultOperationRules() []OperationRule {
	op := func(method, path string, codes ...string) OperationRule {
		return OperationRule{Method: method, Path: path, Requirement: Requirement{Permissions: codes}}
	}
	return []OperationRule{
		op(http.MethodGet, "/api/users", "users.view"),
		op(http.MethodPost, "/api/users", "users.create"),
		op(http.MethodPut, "/api/users", "users.edit"),
		op(http.MethodDelete, "/api/users", "users.delete"),
		op(http.MethodGet, "/api/users/stats", "users.stats"),
		op(http.MethodGet, "/api/users/search", "users.search"),
		op(http.MethodPost, "/api/users/search", "users.search"),
		op(http.MethodPost, "/api/users/batch", "users.batch.create"),
		op(http.MethodPut, "/api/users/batch", "users.batch.update"),

		op(http.MethodGet, "/api/products", "product.view"),
		op(http.MethodPost, "/api/products", "product.create"),
		op(http.MethodPut, "/api/products", "product.edit"),
		op(http.MethodDelete, "/api/products", "product.delete"),

		op(http.MethodGet, "/api/orders", "order.view"),
		op(http.MethodPost, "/api/orders", "order.create"),
		op(http.MethodPut, "/api/orders", "order.edit"),
		{Method: http.MethodPut, Path: "/api/orders/financial", Requirement: Requirement{
			Permissions: []string{"order.financial"}, Roles: []string{"FINANCE", RoleSuperAdmin},
		}},

		{Method: http.MethodGet, Path: "/api/finance", Requirement: Requirement{Roles: []string{"FINANCE", RoleSuperAdmin}}},
		op(http.MethodGet, "/api/finance/reports", "finance.reports"),

		{Method: http.MethodGet, Path: "/api/system", Requirement: Requirement{Level: IntPtr(LevelAdmin)}},
		{Method: http.MethodPost, Path: "/api/system", Requirement: Requirement{
			Permissions: []string{"system.config"}, Level: IntPtr(LevelSuperAdmin),
		}},
	}
}
