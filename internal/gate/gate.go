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

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentrusty/permgate/internal/audit"
	"github.com/opentrusty/permgate/internal/authz"
	"github.com/opentrusty/permgate/internal/observability/logger"
	"github.com/opentrusty/permgate/internal/observability/metrics"
)

// Error codes returned for operations.
const (
	CodeUnauthenticated         = "UNAUTHENTICATED"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodePermissionCheckError    = "PERMISSION_CHECK_ERROR"
	CodeConfigurationError      = "CONFIGURATION_ERROR"
	CodeInvalidPath             = "INVALID_PATH"
)

// ErrInvalidPath is returned by NormalizePath for paths that cannot be decoded.
var ErrInvalidPath = errors.New("gate: invalid request path")

// Kind distinguishes pages, which redirect, from operations, which return
// structured errors.
type Kind string

const (
	KindPage      Kind = "page"
	KindOperation Kind = "operation"
)

// Defaults.
const (
	DefaultUnauthorizedPath = "/dashboard/unauthorized"
	DefaultSigninPath       = "/auth/signin"
	DefaultAPIPrefix        = "/api/"
	CallbackParam           = "callbackUrl"
)

// DefaultPublicPaths are reachable without a session.
func DefaultPublicPaths() []string {
	return []string{"/auth", "/api/auth", "/"}
}

// Options configures the gate.
type Options struct {
	PublicPaths      []string `koanf:"public_paths" json:"publicPaths"`
	UnauthorizedPath string   `koanf:"unauthorized_path" json:"unauthorizedPath"`
	SigninPath       string   `koanf:"signin_path" json:"signinPath"`
	APIPrefix        string   `koanf:"api_prefix" json:"apiPrefix"`
	DetailedLogging  bool     `koanf:"detailed_logging" json:"detailedLogging"`

	// Cache, when set, is forwarded to the profile cache by Configure.
	Cache *authz.CacheConfig `koanf:"-" json:"cache,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.PublicPaths == nil {
		o.PublicPaths = DefaultPublicPaths()
	}
	if o.UnauthorizedPath == "" {
		o.UnauthorizedPath = DefaultUnauthorizedPath
	}
	if o.SigninPath == "" {
		o.SigninPath = DefaultSigninPath
	}
	if o.APIPrefix == "" {
		o.APIPrefix = DefaultAPIPrefix
	}
	if !strings.HasSuffix(o.APIPrefix, "/") {
		o.APIPrefix += "/"
	}
	o.PublicPaths = slices.Clone(o.PublicPaths)
	o.Cache = nil
	return o
}

// Authorizer evaluates requirements for a user.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, req authz.Requirement) (authz.Result, error)
}

// CacheConfigurer accepts runtime cache settings.
type CacheConfigurer interface {
	Configure(cfg authz.CacheConfig)
	Config() authz.CacheConfig
}

// Request is one access attempt.
type Request struct {
	Method    string
	Path      string
	UserID    string
	IPAddress string
	UserAgent string
}

// Outcome is the gate's answer for a request.
type Outcome struct {
	Allowed    bool   `json:"allowed"`
	Kind       Kind   `json:"kind"`
	Status     int    `json:"status"`
	RedirectTo string `json:"redirectTo,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
	FromCache  bool   `json:"fromCache"`
	Public     bool   `json:"public,omitempty"`
	// Path is the normalized path the decision was made for. Callers that
	// pass the request on must use it instead of the raw path.
	Path       string `json:"path,omitempty"`
}

// Option customizes a Gate.
type Option func(*Gate)

// WithAuditLogger sets the audit destination.
func WithAuditLogger(l audit.Logger) Option {
	return func(g *Gate) { g.audit = l }
}

// WithLogger sets the gate logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithTracer sets the tracer for gate spans.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

// WithMeter records gate outcomes on m.
func WithMeter(m *metrics.Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithCache lets Configure forward cache settings.
func WithCache(c CacheConfigurer) Option {
	return func(g *Gate) { g.cache = c }
}

// Gate maps requests to requirements and turns decisions into outcomes.
type Gate struct {
	authorizer Authorizer
	table      *authz.RouteTable
	cache      CacheConfigurer

	mu   sync.RWMutex
	opts Options

	audit  audit.Logger
	logger *slog.Logger
	tracer trace.Tracer
	meter  *metrics.Meter

	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// New creates a gate.
func New(authorizer Authorizer, table *authz.RouteTable, opts Options, options ...Option) (*Gate, error) {
	if authorizer == nil || table == nil {
		return nil, errors.New("gate: authorizer and route table are required")
	}
	g := &Gate{
		authorizer: authorizer,
		table:      table,
		opts:       opts.withDefaults(),
		audit:      audit.Nop{},
		logger:     slog.Default(),
		tracer:     otel.Tracer("permgate/gate"),
	}
	for _, o := range options {
		o(g)
	}

	if g.meter == nil {
		m, err := metrics.New(context.Background(), metrics.Config{}, "permgate")
		if err != nil {
			return nil, err
		}
		g.meter = m
	}
	var err error
	if g.outcomes, err = g.meter.CreateCounter("permgate.gate.outcomes", "Gate outcomes by kind and status"); err != nil {
		return nil, err
	}
	if g.latency, err = g.meter.CreateHistogram("permgate.gate.duration", "Gate decision latency", "ms"); err != nil {
		return nil, err
	}
	if g.inflight, err = g.meter.CreateUpDownCounter("permgate.gate.inflight", "Gate decisions in progress"); err != nil {
		return nil, err
	}

	if opts.Cache != nil && g.cache != nil {
		g.cache.Configure(*opts.Cache)
	}
	return g, nil
}

// Table returns the route table.
func (g *Gate) Table() *authz.RouteTable { return g.table }

// Options returns the active options, including the cache settings when a
// cache is attached.
func (g *Gate) Options() Options {
	g.mu.RLock()
	o := g.opts
	g.mu.RUnlock()
	o.PublicPaths = slices.Clone(o.PublicPaths)
	if g.cache != nil {
		cfg := g.cache.Config()
		o.Cache = &cfg
	}
	return o
}

// Configure replaces the options and forwards cache settings.
func (g *Gate) Configure(opts Options) {
	if opts.Cache != nil && g.cache != nil {
		g.cache.Configure(*opts.Cache)
	}
	g.mu.Lock()
	g.opts = opts.withDefaults()
	g.mu.Unlock()
}

func (g *Gate) options() Options {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.opts
}

// IsPublic reports whether path is reachable without a session. Entries match
// whole segments; "/" matches only the root. Paths that do not normalize are
// never public.
func (g *Gate) IsPublic(path string) bool {
	clean, err := NormalizePath(path)
	if err != nil {
		return false
	}
	return isPublic(g.options().PublicPaths, clean)
}

func isPublic(public []string, path string) bool {
	for _, p := range public {
		if p == "" {
			continue
		}
		if p == "/" {
			if path == "/" {
				return true
			}
			continue
		}
		p = strings.TrimSuffix(p, "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// KindOf classifies path.
func (g *Gate) KindOf(path string) Kind {
	clean, err := NormalizePath(path)
	if err != nil {
		clean = path
	}
	return kindOf(g.options(), clean)
}

func kindOf(o Options, path string) Kind {
	if strings.HasPrefix(path, o.APIPrefix) || path == strings.TrimSuffix(o.APIPrefix, "/") {
		return KindOperation
	}
	return KindPage
}

// Authorize decides method and path for userID. An empty userID is anonymous.
func (g *Gate) Authorize(ctx context.Context, method, path, userID string) Outcome {
	return g.Check(ctx, Request{Method: method, Path: path, UserID: userID})
}

// Check decides req and records an audit event. Public paths, kind and rule
// lookup all use the normalized path.
func (g *Gate) Check(ctx context.Context, req Request) Outcome {
	start := time.Now()
	opts := g.options()
	req.Method = strings.ToUpper(req.Method)

	clean, perr := NormalizePath(req.Path)
	if perr != nil {
		out := Outcome{
			Kind:      kindOf(opts, rawPath(req.Path)),
			Status:    http.StatusBadRequest,
			ErrorCode: CodeInvalidPath,
			Reason:    "invalid request path",
		}
		return g.finish(ctx, req, start, out, nil)
	}
	kind := kindOf(opts, clean)

	ctx, span := g.tracer.Start(ctx, "gate.Authorize", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("url.path", clean),
		attribute.String("gate.kind", string(kind)),
	))
	defer span.End()

	g.inflight.Add(ctx, 1)
	defer g.inflight.Add(ctx, -1)

	done := func(out Outcome, err error) Outcome {
		out.Path = clean
		return g.finish(ctx, req, start, out, err)
	}

	if isPublic(opts.PublicPaths, clean) {
		return done(Outcome{Allowed: true, Kind: kind, Status: http.StatusOK, Public: true}, nil)
	}

	if req.UserID == "" {
		out := Outcome{Kind: kind, ErrorCode: CodeUnauthenticated, Reason: authz.ReasonAuthenticationNeeded}
		if kind == KindOperation {
			out.Status = http.StatusUnauthorized
		} else {
			out.Status = http.StatusFound
			out.RedirectTo = signinURL(opts.SigninPath, clean)
		}
		return done(out, nil)
	}

	var (
		requirement authz.Requirement
		found       bool
	)
	if kind == KindOperation {
		requirement, found = g.table.LookupOperation(req.Method, clean)
	} else {
		requirement, found = g.table.LookupRoute(clean)
	}
	// A matched rule always goes through the evaluator, even an empty one, so
	// the active check applies.
	if !found {
		if opts.DetailedLogging {
			g.logger.InfoContext(ctx, "no requirement configured", logger.Path(clean), logger.UserID(req.UserID))
		}
		return done(Outcome{Allowed: true, Kind: kind, Status: http.StatusOK}, nil)
	}

	res, err := g.safeAuthorize(ctx, req.UserID, requirement)
	out := Outcome{Kind: kind, FromCache: res.FromCache, Reason: res.Reason}
	switch {
	case err != nil:
		out.Allowed = false
		out.Reason = authz.ReasonEvaluationError
		if kind == KindOperation {
			out.Status = http.StatusInternalServerError
			out.ErrorCode = CodePermissionCheckError
		} else {
			out.Status = http.StatusFound
			out.RedirectTo = opts.UnauthorizedPath
		}
	case res.Allowed:
		out.Allowed = true
		out.Status = http.StatusOK
	default:
		if kind == KindOperation {
			out.Status = http.StatusForbidden
			out.ErrorCode = CodeInsufficientPermissions
		} else {
			out.Status = http.StatusFound
			out.RedirectTo = opts.UnauthorizedPath
		}
	}
	return done(out, err)
}

// safeAuthorize converts a panic in the authorizer into an error.
func (g *Gate) safeAuthorize(ctx context.Context, userID string, req authz.Requirement) (res authz.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = authz.Result{Decision: authz.Decision{Reason: authz.ReasonEvaluationError}}
			err = fmt.Errorf("gate: authorizer panic: %v", rec)
		}
	}()
	return g.authorizer.Authorize(ctx, userID, req)
}

// ConfigurationError answers req with a configuration failure. It is used when
// identity resolution itself is misconfigured.
func (g *Gate) ConfigurationError(ctx context.Context, req Request, cause error) Outcome {
	start := time.Now()
	out := Outcome{
		Kind:      g.KindOf(req.Path),
		Status:    http.StatusInternalServerError,
		ErrorCode: CodeConfigurationError,
		Reason:    "authorization is not configured",
	}
	return g.finish(ctx, req, start, out, cause)
}

func (g *Gate) finish(ctx context.Context, req Request, start time.Time, out Outcome, err error) Outcome {
	elapsed := time.Since(start)

	result := audit.ResultDenied
	switch {
	case err != nil:
		result = audit.ResultError
	case out.Allowed:
		result = audit.ResultAllowed
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", string(out.Kind)),
		attribute.String("result", result),
		attribute.Int("status", out.Status),
	)
	g.outcomes.Add(ctx, 1, attrs)
	g.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)

	if err != nil {
		g.logger.ErrorContext(ctx, "authorization failed",
			logger.Method(req.Method),
			logger.Path(req.Path),
			logger.UserID(req.UserID),
			logger.ErrorCode(out.ErrorCode),
			logger.Error(err),
		)
	} else if g.options().DetailedLogging {
		g.logger.InfoContext(ctx, "authorization decided",
			logger.Method(req.Method),
			logger.Path(req.Path),
			logger.UserID(req.UserID),
			logger.RouteKind(string(out.Kind)),
			logger.Decision(out.Allowed),
			logger.Reason(out.Reason),
			logger.FromCache(out.FromCache),
			logger.Duration(elapsed),
		)
	}

	auditPath := out.Path
	if auditPath == "" {
		auditPath = req.Path
	}
	g.audit.Log(ctx, audit.Event{
		Type:      audit.TypeAccessCheck,
		UserID:    req.UserID,
		Path:      auditPath,
		Method:    req.Method,
		Result:    result,
		Reason:    out.Reason,
		Duration:  elapsed,
		FromCache: out.FromCache,
		Timestamp: start,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	return out
}

func signinURL(signin, callback string) string {
	return signin + "?" + url.Values{CallbackParam: {callback}}.Encode()
}

// NormalizePath strips the query and fragment, decodes percent-escapes and
// resolves dot segments. The result always starts with "/" and keeps a trailing
// slash. Paths that fail to decode, or that contain NUL or backslash, are
// rejected.
func NormalizePath(raw string) (string, error) {
	decoded, err := url.PathUnescape(rawPath(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if strings.ContainsAny(decoded, "\x00\\") {
		return "", ErrInvalidPath
	}
	clean := path.Clean("/" + decoded)
	if clean != "/" && strings.HasSuffix(decoded, "/") {
		clean += "/"
	}
	return clean, nil
}

func rawPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	return p
}
