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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/permgate/internal/audit"
	"github.com/opentrusty/permgate/internal/authz"
	"github.com/opentrusty/permgate/internal/gate"
	"github.com/opentrusty/permgate/internal/identity"
	"github.com/opentrusty/permgate/internal/observability/logger"
)

// Permission codes guarding the service's own endpoints.
const (
	PermissionViewOthers = "permissions.view"
	PermissionAdmin      = "system.config"
)

var roleCodePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	authz    *authz.Service
	gate     *gate.Gate
	resolver identity.Resolver
	recorder *audit.Recorder
	audit    audit.Logger
	ping     func(context.Context) error
	validate *validator.Validate
}

// Deps are the collaborators of Handler. Recorder, Audit and Ping are optional.
type Deps struct {
	Authz    *authz.Service
	Gate     *gate.Gate
	Resolver identity.Resolver
	Recorder *audit.Recorder
	// Audit receives administrative events.
	Audit audit.Logger
	Ping  func(context.Context) error
}

// NewHandler creates a new HTTP handler
func NewHandler(d Deps) (*Handler, error) {
	if d.Authz == nil || d.Gate == nil || d.Resolver == nil {
		return nil, errors.New("http: authz service, gate and resolver are required")
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	return &Handler{
		authz:    d.Authz,
		gate:     d.Gate,
		resolver: d.Resolver,
		recorder: d.Recorder,
		audit:    d.Audit,
		ping:     d.Ping,
		validate: newValidator(),
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("rolecode", func(fl validator.FieldLevel) bool {
		return roleCodePattern.MatchString(fl.Field().String())
	})
	return v
}

// RouterConfig holds router settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Upstream, when set, receives every other request once the gate allows it.
	Upstream http.Handler
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter, cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.HealthCheck)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// Forward-auth for reverse proxies
	r.Get("/authz/forward", h.Forward)

	r.Route("/api/permissions", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/check", h.CheckPermissionQuery)
		r.Post("/check", h.CheckPermission)
		r.Post("/check-multiple", h.CheckMultiplePermissions)
		r.Get("/check-role", h.CheckRoleQuery)
		r.Post("/check-role", h.CheckRole)
		r.Get("/check-level", h.CheckLevelQuery)
		r.Post("/check-level", h.CheckLevel)
		r.Post("/check-resource", h.CheckResource)
		r.Post("/guard", h.Guard)
		r.Get("/authorize", h.AuthorizeRequest)
		r.Get("/user/{userID}", h.UserPermissions)
		r.Get("/menu/{userID}", h.UserMenu)

		r.Group(func(r chi.Router) {
			r.Use(h.RequirePermission(PermissionAdmin))
			r.Post("/cache/invalidate", h.InvalidateCache)
			r.Get("/cache/stats", h.CacheStats)
			r.Get("/config", h.GetConfig)
			r.Put("/config", h.UpdateConfig)
			r.Post("/rules", h.AddRule)
			r.Get("/audit", h.RecentAudit)
		})
	})

	if cfg.Upstream != nil {
		r.With(h.GateMiddleware).Handle("/*", cfg.Upstream)
	}

	return r
}

// HealthCheck reports liveness and, when configured, database reachability.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			slog.WarnContext(r.Context(), "health check failed", logger.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "permgate",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "permgate",
	})
}

// Forward answers a reverse proxy's forward-auth subrequest for the original
// method and URI.
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request) {
	method := r.Header.Get("X-Forwarded-Method")
	if method == "" {
		method = http.MethodGet
	}
	uri := r.Header.Get("X-Forwarded-Uri")
	if uri == "" {
		uri = "/"
	}

	out, userID := h.decide(r, method, uri)
	if !out.Allowed {
		writeOutcome(w, r, out)
		return
	}
	if userID != "" {
		w.Header().Set("X-Auth-User-Id", userID)
	}
	w.WriteHeader(http.StatusOK)
}

const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into dst and validates it.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, ok := readBody(w, r)
	return ok && h.decodeBytes(w, raw, dst)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		respondError(w, http.StatusBadRequest, "request body is required")
		return nil, false
	}
	return raw, true
}

func (h *Handler) decodeBytes(w http.ResponseWriter, raw []byte, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return h.validStruct(w, dst)
}

// auditAdmin records an administrative action by the caller.
func (h *Handler) auditAdmin(r *http.Request, event audit.Event) {
	event.UserID = GetUserID(r.Context())
	event.IPAddress = getClientIP(r)
	event.UserAgent = r.UserAgent()
	if event.Result == "" {
		event.Result = audit.ResultAllowed
	}
	h.audit.Log(r.Context(), event)
}

func (h *Handler) validStruct(w http.ResponseWriter, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		respondError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	details := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, map[string]string{
			"field": fe.Namespace(),
			"rule":  fe.Tag(),
		})
	}
	respondJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "invalid request parameters",
		"details": details,
	})
	return false
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func respondCode(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
