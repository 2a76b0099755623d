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
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/opentrusty/permgate/internal/gate"
	"github.com/opentrusty/permgate/internal/identity"
	"github.com/opentrusty/permgate/internal/observability/logger"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.DebugContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// resolveUser identifies the caller. An invalid token is treated as anonymous;
// a misconfigured resolver is returned as an error.
func (h *Handler) resolveUser(r *http.Request) (string, error) {
	userID, err := h.resolver.Resolve(r)
	switch {
	case err == nil:
		return userID, nil
	case errors.Is(err, identity.ErrMisconfigured):
		return "", err
	default:
		slog.WarnContext(r.Context(), "rejected session token",
			logger.Path(r.URL.Path),
			logger.RemoteAddr(getClientIP(r)),
			logger.Error(err),
		)
		return "", nil
	}
}

// decide runs the gate for method and path on behalf of r's caller.
func (h *Handler) decide(r *http.Request, method, path string) (gate.Outcome, string) {
	req := gate.Request{
		Method:    method,
		Path:      path,
		IPAddress: getClientIP(r),
		UserAgent: r.UserAgent(),
	}
	userID, err := h.resolveUser(r)
	if err != nil {
		return h.gate.ConfigurationError(r.Context(), req, err), ""
	}
	req.UserID = userID
	return h.gate.Check(r.Context(), req), userID
}

// GateMiddleware enforces the route table on every request it wraps and puts
// the caller's user id into the request context. The wrapped handler sees the
// normalized path the decision was made for.
func (h *Handler) GateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, userID := h.decide(r, r.Method, r.URL.RequestURI())
		if !out.Allowed {
			writeOutcome(w, r, out)
			return
		}
		r = r.WithContext(WithUserID(r.Context(), userID))
		if out.Path != "" && out.Path != r.URL.Path {
			u := *r.URL
			u.Path = out.Path
			u.RawPath = ""
			r.URL = &u
		}
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware resolves the caller without consulting the route table.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r.Context()) != "" {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := h.resolveUser(r)
		if err != nil {
			slog.ErrorContext(r.Context(), "identity resolution misconfigured", logger.Error(err))
			respondCode(w, http.StatusInternalServerError, gate.CodeConfigurationError, "authorization is not configured")
			return
		}
		if userID == "" {
			respondCode(w, http.StatusUnauthorized, gate.CodeUnauthenticated, "not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// RequirePermission lets through callers holding code. Superadmins always pass.
func (h *Handler) RequirePermission(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := h.authz.CheckPermission(r.Context(), GetUserID(r.Context()), code)
			if err != nil {
				slog.ErrorContext(r.Context(), "permission check failed", logger.Error(err))
				respondCode(w, http.StatusInternalServerError, gate.CodePermissionCheckError, "permission check failed")
				return
			}
			if !res.Allowed {
				respondCode(w, http.StatusForbidden, gate.CodeInsufficientPermissions, res.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeOutcome(w http.ResponseWriter, r *http.Request, out gate.Outcome) {
	if out.RedirectTo != "" {
		http.Redirect(w, r, out.RedirectTo, out.Status)
		return
	}
	respondCode(w, out.Status, out.ErrorCode, out.Reason)
}
