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

package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/opentrusty/permgate/internal/audit"
	"github.com/opentrusty/permgate/internal/authz"
	"github.com/opentrusty/permgate/internal/gate"
	"github.com/opentrusty/permgate/internal/observability/logger"
)

// CheckPermissionRequest asks whether the caller holds a permission.
type CheckPermissionRequest struct {
	Permission string `json:"permission" validate:"required"`
}

// CheckMultipleRequest asks about several permissions at once.
type CheckMultipleRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1,max=50,dive,required"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=AND OR"`
}

// CheckRoleRequest asks whether the caller holds any of the roles.
type CheckRoleRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,max=10,dive,rolecode"`
	Mode  string   `json:"mode" validate:"omitempty,oneof=AND OR"`
}

// CheckLevelRequest asks whether the caller's role level is at or below Level.
type CheckLevelRequest struct {
	Level *int `json:"level" validate:"required,min=0"`
}

// CheckResourceRequest asks whether the caller may perform Action on Resource.
type CheckResourceRequest struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action"`
}

// InvalidateRequest drops a cached profile. An empty UserID drops all.
type InvalidateRequest struct {
	UserID string `json:"userId"`
}

// AddRuleRequest registers a requirement at runtime. Without a method the rule
// guards a page; with one it guards an operation.
type AddRuleRequest struct {
	Method      string            `json:"method" validate:"omitempty,oneof=GET HEAD POST PUT PATCH DELETE"`
	Path        string            `json:"path" validate:"required,startswith=/"`
	Requirement authz.Requirement `json:"requirement"`
}

func (h *Handler) checkFailed(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "permission check failed",
		logger.UserID(GetUserID(r.Context())),
		logger.Path(r.URL.Path),
		logger.Error(err),
	)
	respondCode(w, http.StatusInternalServerError, gate.CodePermissionCheckError, "permission check failed")
}

// CheckPermission handles POST /api/permissions/check
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req CheckPermissionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	h.checkPermission(w, r, req.Permission)
}

// CheckPermissionQuery handles GET /api/permissions/check?permission=
func (h *Handler) CheckPermissionQuery(w http.ResponseWriter, r *http.Request) {
	req := CheckPermissionRequest{Permission: r.URL.Query().Get("permission")}
	if !h.validStruct(w, &req) {
		return
	}
	h.checkPermission(w, r, req.Permission)
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request, code string) {
	userID := GetUserID(r.Context())
	res, err := h.authz.CheckPermission(r.Context(), userID, code)
	if err != nil {
		h.checkFailed(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"hasPermission": res.Allowed,
		"reason":        res.Reason,
		"level":         res.Level,
		"userId":        userID,
		"permission":    code,
	})
}

// CheckMultiplePermissions handles POST /api/permissions/check-multiple
func (h *Handler) CheckMultiplePermissions(w http.ResponseWriter, r *http.Request) {
	var req CheckMultipleRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	userID := GetUserID(r.Context())
	res, err := h.authz.CheckMultiplePermissions(r.Context(), userID, req.Permissions, authz.Mode(req.Mode))
	if err != nil {
		h.checkFailed(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"hasPermission": res.Allowed,
		"mode":          res.Mode,
		"results":       res.Results,
		"userId":        userID,
	})
}

// CheckRole handles POST /api/permissions/check-role
func (h *Handler) CheckRole(w http.ResponseWriter, r *http.Request) {
	var req CheckRoleRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	h.checkRole(w, r, req)
}

// CheckRoleQuery handles GET /api/permissions/check-role?roles=A,B&mode=OR
func (h *Handler) CheckRoleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := CheckRoleRequest{Roles: splitList(q.Get("roles")), Mode: q.Get("mode")}
	if !h.validStruct(w, &req) {
		return
	}
	h.checkRole(w, r, req)
}

func (h *Handler) checkRole(w http.ResponseWriter, r *http.Request, req CheckRoleRequest) {
	mode := authz.Mode(req.Mode)
	if mode == "" {
		mode = authz.ModeOR
	}
	userID := GetUserID(r.Context())
	res, err := h.authz.CheckRole(r.Context(), userID, req.Roles, mode)
	if err != nil {
		h.checkFailed(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"hasPermission": res.Allowed,
		"reason":        res.Reason,
		"roles":         res.Roles,
		"mode":          res.Mode,
		"userId":        userID,
	})
}

// CheckLevel handles POST /api/permissions/check-level
func (h *Handler) CheckLevel(w http.ResponseWriter, r *http.Request) {
	var req CheckLevelRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	h.checkLevel(w, r, *req.Level)
}

// CheckLevelQuery handles GET /api/permissions/check-level?level=
func (h *Handler) CheckLevelQuery(w http.ResponseWriter, r *http.Request) {
	var req CheckLevelRequest
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "level must be an integer")
			return
		}
		req.Level = &level
	}
	if !h.validStruct(w, &req) {
		return
	}
	h.checkLevel(w, r, *req.Level)
}

func (h *Handler) checkLevel(w http.ResponseWriter, r *http.Request, level int) {
	userID := GetUserID(r.Context())
	res, err := h.authz.CheckRoleLevel(r.Context(), userID, level)
	if err != nil {
		h.checkFailed(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"hasPermission": res.Allowed,
		"reason":        res.Reason,
		"userLevel":     res.Level,
		"requiredLevel": res.Need,
		"userId":        userID,
	})
}

// CheckResource handles POST /api/permissions/check-resource
func (h *Handler) CheckResource(w http.ResponseWriter, r *http.Request) {
	var req CheckResourceRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	userID := GetUserID(r.Context())
	res, err := h.authz.CheckResourceAccess(r.Context(), userID, req.Resource, req.Action)
	if err != nil {
		h.checkFailed(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"hasPermission": res.Allowed,
		"reason":        res.Reason,
		"resource":      req.Resource,
		"userId":        userID,
	})
}

// Guard handles POST /api/permissions/guard
func (h *Handler) Guard(w http.ResponseWriter, r *http.Request) {
	var spec authz.GuardSpec
	if !h.decodeJSON(w, r, &spec) {
		return
	}
	res := h.authz.Guard(r.Context(), GetUserID(r.Context()), spec)
	if res.Error != nil {
		h.checkFailed(w, r, res.Error)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// AuthorizeRequest handles GET /api/permissions/authorize?method=&path=
// It reports what the gate would decide for the caller without enforcing it.
func (h *Handler) AuthorizeRequest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	method := q.Get("method")
	if method == "" {
		method = http.MethodGet
	}
	out := h.gate.Check(r.Context(), gate.Request{
		Method:    method,
		Path:      path,
		UserID:    GetUserID(r.Context()),
		IPAddress: getClientIP(r),
		UserAgent: r.UserAgent(),
	})
	respondJSON(w, http.StatusOK, out)
}

// targetUser returns the {userID} path parameter when the caller may read it.
func (h *Handler) targetUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := GetUserID(r.Context())
	target := chi.URLParam(r, "userID")
	if target == caller {
		return target, true
	}
	res, err := h.authz.CheckPermission(r.Context(), caller, PermissionViewOthers)
	if err != nil {
		h.checkFailed(w, r, err)
		return "", false
	}
	if !res.Allowed {
		respondCode(w, http.StatusForbidden, gate.CodeInsufficientPermissions, "not allowed to view other users")
		return "", false
	}
	return target, true
}

// UserPermissions handles GET /api/permissions/user/{userID}
func (h *Handler) UserPermissions(w http.ResponseWriter, r *http.Request) {
	target, ok := h.targetUser(w, r)
	if !ok {
		return
	}
	summary, err := h.authz.ProfileSummary(r.Context(), target)
	if err != nil {
		if errors.Is(err, authz.ErrProfileNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		h.checkFailed(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// UserMenu handles GET /api/permissions/menu/{userID}
func (h *Handler) UserMenu(w http.ResponseWriter, r *http.Request) {
	target, ok := h.targetUser(w, r)
	if !ok {
		return
	}
	codes, err := h.authz.MenuPermissions(r.Context(), target)
	if err != nil {
		h.checkFailed(w, r, err)
		return
	}
	tree, err := h.authz.MenuTree(r.Context(), target)
	if err != nil {
		h.checkFailed(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"userId":      target,
		"permissions": codes,
		"menu":        tree,
	})
}

// InvalidateCache handles POST /api/permissions/cache/invalidate
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if r.ContentLength != 0 && !h.decodeJSON(w, r, &req) {
		return
	}
	target := req.UserID
	if target == "" {
		target = "*"
	}
	event := audit.Event{
		Type:     audit.TypeCacheInvalidated,
		Path:     r.URL.Path,
		Method:   r.Method,
		Metadata: map[string]any{"target": target},
	}
	if err := h.authz.Invalidate(r.Context(), req.UserID); err != nil {
		// Local entries are already gone; only the broadcast failed.
		slog.WarnContext(r.Context(), "cache invalidation not broadcast", logger.Error(err))
		event.Result = audit.ResultError
		event.Reason = err.Error()
	}
	h.auditAdmin(r, event)
	slog.InfoContext(r.Context(), "permission cache invalidated",
		logger.UserID(req.UserID),
		slog.String("by", GetUserID(r.Context())),
	)
	respondJSON(w, http.StatusOK, map[string]any{
		"invalidated": true,
		"userId":      req.UserID,
	})
}

// CacheStats handles GET /api/permissions/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats := h.authz.Cache().Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"stats":   stats,
		"hitRate": stats.HitRate(),
	})
}

// GetConfig handles GET /api/permissions/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.gate.Options())
}

// UpdateConfig handles PUT /api/permissions/config. Fields absent from the body
// keep their current values.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	opts := h.gate.Options()
	if !h.decodeBytes(w, raw, &opts) {
		return
	}
	if c := opts.Cache; c != nil && (c.TTL <= 0 || c.MaxSize <= 0) {
		respondError(w, http.StatusBadRequest, "cache ttl and maxSize must be positive")
		return
	}
	h.gate.Configure(opts)

	// The submitted fields are recorded as sent; the audit logger redacts
	// secret-looking keys.
	var changed map[string]any
	_ = json.Unmarshal(raw, &changed)
	h.auditAdmin(r, audit.Event{
		Type:     audit.TypeConfigChanged,
		Path:     r.URL.Path,
		Method:   r.Method,
		Metadata: changed,
	})
	slog.InfoContext(r.Context(), "gate configuration updated", slog.String("by", GetUserID(r.Context())))
	respondJSON(w, http.StatusOK, h.gate.Options())
}

// AddRule handles POST /api/permissions/rules
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	var req AddRuleRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	clean, err := gate.NormalizePath(req.Path)
	if err != nil || clean != req.Path {
		respondError(w, http.StatusBadRequest, "path must be normalized")
		return
	}

	table := h.gate.Table()
	if req.Method == "" {
		err = table.AddRoute(req.Path, req.Requirement)
	} else {
		err = table.AddOperation(req.Method, req.Path, req.Requirement)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.auditAdmin(r, audit.Event{
		Type:   audit.TypeRouteRuleAdded,
		Path:   req.Path,
		Method: req.Method,
		Reason: req.Requirement.Description,
	})
	respondJSON(w, http.StatusCreated, req)
}

// RecentAudit handles GET /api/permissions/audit?limit=
func (h *Handler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		respondJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": h.recorder.Recent(limit)})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
