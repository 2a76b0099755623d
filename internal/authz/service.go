package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/opentrusty/permgate/internal/audit"
)

// DefaultLoaderTimeout bounds a single profile load.
const DefaultLoaderTimeout = 5 * time.Second

// BreakerConfig configures the circuit breaker around the loader.
type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
}

// ServiceConfig holds loader settings.
type ServiceConfig struct {
	LoaderTimeout time.Duration `koanf:"timeout"`
	Breaker       BreakerConfig `koanf:"breaker"`
}

// InvalidationPublisher broadcasts cache invalidations to other instances.
// An empty userID means every user.
type InvalidationPublisher interface {
	Publish(ctx context.Context, userID string) error
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithTracer sets the tracer used for authorization spans.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) { s.tracer = t }
}

// WithMeter sets the meter used for decision and cache instruments.
func WithMeter(m metric.Meter) ServiceOption {
	return func(s *Service) { s.meter = m }
}

// WithAuditLogger records failed profile lookups on l.
func WithAuditLogger(l audit.Logger) ServiceOption {
	return func(s *Service) { s.audit = l }
}

// WithInvalidationPublisher broadcasts Invalidate calls.
func WithInvalidationPublisher(p InvalidationPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// Service answers authorization questions for users, loading their profiles
// through the cache.
type Service struct {
	loader    ProfileLoader
	cache     *Cache
	timeout   time.Duration
	group     singleflight.Group
	breaker   *gobreaker.CircuitBreaker[*Profile]
	publisher InvalidationPublisher
	audit     audit.Logger

	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	decisions    metric.Int64Counter
	decisionTime metric.Float64Histogram
	cacheLookups metric.Int64Counter
}

// NewService creates a new authorization service
func NewService(loader ProfileLoader, cache *Cache, cfg ServiceConfig, opts ...ServiceOption) (*Service, error) {
	if loader == nil {
		return nil, errors.New("authz: nil profile loader")
	}
	if cache == nil {
		return nil, errors.New("authz: nil cache")
	}
	if cfg.LoaderTimeout <= 0 {
		cfg.LoaderTimeout = DefaultLoaderTimeout
	}

	s := &Service{
		loader:  loader,
		cache:   cache,
		timeout: cfg.LoaderTimeout,
		audit:   audit.Nop{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("permgate/authz"),
		meter:   otel.Meter("permgate/authz"),
	}
	for _, opt := range opts {
		opt(s)
	}

	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	s.breaker = gobreaker.NewCircuitBreaker[*Profile](gobreaker.Settings{
		Name:        "profile-loader",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A missing user is an answer, not a loader failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrProfileNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	var err error
	if s.decisions, err = s.meter.Int64Counter("permgate.authz.decisions",
		metric.WithDescription("Authorization decisions by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if s.decisionTime, err = s.meter.Float64Histogram("permgate.authz.decision.duration",
		metric.WithDescription("Time to reach an authorization decision"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	if s.cacheLookups, err = s.meter.Int64Counter("permgate.authz.cache.lookups",
		metric.WithDescription("Profile cache lookups by result")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return s, nil
}

// Cache returns the profile cache.
func (s *Service) Cache() *Cache { return s.cache }

// Profile returns the user's profile and whether it came from the cache.
//
// Concurrent misses for the same user share one loader call. The load is
// bounded by the loader timeout; the caller may give up earlier through ctx.
// A load that overlaps an invalidation is returned but not cached, and callers
// arriving after the invalidation start a fresh load.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, bool, error) {
	epoch := s.cache.Epoch()
	if p, ok := s.cache.Get(userID); ok {
		s.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
		return p, true, nil
	}
	s.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "miss")))

	key := userID + "@" + strconv.FormatUint(epoch, 10)
	ch := s.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		p, err := s.breaker.Execute(func() (p *Profile, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("profile loader panic: %v", rec)
				}
			}()
			return s.loader.LoadProfile(loadCtx, userID)
		})
		if err == nil && p == nil {
			err = ErrProfileNotFound
		}
		if err != nil {
			s.auditLookupFailure(ctx, userID, err)
			return nil, err
		}
		s.cache.PutAt(userID, p, epoch)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%w: %w", ErrLoaderUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, false, classifyLoadError(res.Err)
		}
		return res.Val.(*Profile), false, nil
	}
}

func (s *Service) auditLookupFailure(ctx context.Context, userID string, err error) {
	event := audit.Event{
		Type:   audit.TypeProfileLookupFail,
		UserID: userID,
		Result: audit.ResultError,
		Reason: err.Error(),
	}
	if errors.Is(err, ErrProfileNotFound) {
		event.Result = audit.ResultDenied
	}
	s.audit.Log(context.WithoutCancel(ctx), event)
}

func classifyLoadError(err error) error {
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", ErrLoaderUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: load timed out: %w", ErrLoaderUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrLoaderUnavailable, err)
}

// Result is an authorization decision with the facts that produced it.
type Result struct {
	Decision
	FromCache bool
}

// Authorize evaluates req for userID.
//
// A missing profile is a denial with a generic reason and a nil error. Loader
// and evaluation failures are denials with a non-nil error.
func (s *Service) Authorize(ctx context.Context, userID string, req Requirement) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "authz.Authorize",
		trace.WithAttributes(attribute.String("authz.user_id", userID)))
	defer span.End()

	start := time.Now()
	res, err := s.authorize(ctx, userID, req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	outcome := "allow"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Allowed:
		outcome = "deny"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	s.decisions.Add(ctx, 1, attrs)
	s.decisionTime.Record(ctx, elapsed, attrs)
	span.SetAttributes(
		attribute.Bool("authz.allowed", res.Allowed),
		attribute.Bool("authz.from_cache", res.FromCache),
	)
	return res, err
}

func (s *Service) authorize(ctx context.Context, userID string, req Requirement) (Result, error) {
	p, fromCache, err := s.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			s.logger.WarnContext(ctx, "authorization profile not found", slog.String("user_id", userID))
			return Result{Decision: deny(ReasonAccessDenied)}, nil
		}
		return Result{Decision: deny(ReasonEvaluationError)}, err
	}
	d, err := Evaluate(ctx, p, req)
	return Result{Decision: d, FromCache: fromCache}, err
}

// profileOrDeny loads the profile, mapping failures to a denial reason.
func (s *Service) profileOrDeny(ctx context.Context, userID string) (*Profile, string, error) {
	p, _, err := s.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, ReasonAccessDenied, nil
		}
		return nil, ReasonEvaluationError, err
	}
	if !p.Active() {
		return nil, ReasonUserDisabled, nil
	}
	return p, "", nil
}

// PermissionResult answers a single permission check.
type PermissionResult struct {
	Allowed bool   `json:"hasPermission"`
	Reason  string `json:"reason,omitempty"`
	Level   *int   `json:"level,omitempty"`
}

// CheckPermission reports whether the user holds the permission. Superadmins
// report level 0; other users report the permission's own level when set.
func (s *Service) CheckPermission(ctx context.Context, userID, code string) (PermissionResult, error) {
	p, reason, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		return PermissionResult{Reason: reason}, err
	}
	return checkPermissionOn(p, code), nil
}

func checkPermissionOn(p *Profile, code string) PermissionResult {
	if p.IsSuperAdmin() {
		return PermissionResult{Allowed: true, Level: IntPtr(LevelSuperAdmin)}
	}
	if perm, ok := p.Permission(code); ok {
		return PermissionResult{Allowed: true, Level: perm.Level}
	}
	return PermissionResult{Reason: ReasonPermission}
}

// MultiPermissionResult answers a batch permission check.
type MultiPermissionResult struct {
	Allowed bool                        `json:"hasPermission"`
	Mode    Mode                        `json:"mode"`
	Results map[string]PermissionResult `json:"results"`
}

// CheckMultiplePermissions checks each code and combines them with mode.
func (s *Service) CheckMultiplePermissions(ctx context.Context, userID string, codes []string, mode Mode) (MultiPermissionResult, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return MultiPermissionResult{Mode: mode}, errors.Join(ErrMalformedRequirement, err)
	}

	out := MultiPermissionResult{Mode: mode, Results: make(map[string]PermissionResult, len(codes))}
	p, reason, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		for _, code := range codes {
			out.Results[code] = PermissionResult{Reason: reason}
		}
		return out, err
	}

	results := make([]bool, len(codes))
	for i, code := range codes {
		r := checkPermissionOn(p, code)
		out.Results[code] = r
		results[i] = r.Allowed
	}
	out.Allowed = mode.Combine(results)
	return out, nil
}

// RoleResult answers a role check.
type RoleResult struct {
	Allowed bool     `json:"hasPermission"`
	Reason  string   `json:"reason,omitempty"`
	Roles   []string `json:"roles"`
	Mode    Mode     `json:"mode"`
}

// CheckRole reports whether the user holds any of roles. Role lists are always
// satisfied by any one role; mode is echoed back but does not change the
// outcome. An empty list is denied.
func (s *Service) CheckRole(ctx context.Context, userID string, roles []string, mode Mode) (RoleResult, error) {
	out := RoleResult{Roles: slices.Clone(roles), Mode: mode}
	if len(roles) == 0 {
		out.Reason = ReasonRole
		return out, nil
	}
	res, err := s.Authorize(ctx, userID, Requirement{Roles: roles})
	out.Allowed = res.Allowed
	out.Reason = res.Reason
	return out, err
}

// LevelResult answers a role level check.
type LevelResult struct {
	Allowed bool   `json:"hasPermission"`
	Reason  string `json:"reason,omitempty"`
	Level   int    `json:"level"`
	Need    int    `json:"requiredLevel"`
}

// CheckRoleLevel reports whether the user's role level is at or below level.
func (s *Service) CheckRoleLevel(ctx context.Context, userID string, level int) (LevelResult, error) {
	out := LevelResult{Level: NoRoleLevel, Need: level}
	p, reason, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		out.Reason = reason
		return out, err
	}
	out.Level = p.RoleLevel()
	d, err := Evaluate(ctx, p, Requirement{Level: IntPtr(level)})
	out.Allowed = d.Allowed
	out.Reason = d.Reason
	return out, err
}

// CheckResourceAccess reports whether the user may perform action on resource.
func (s *Service) CheckResourceAccess(ctx context.Context, userID, resource, action string) (PermissionResult, error) {
	if action == "" {
		action = "read"
	}
	p, reason, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		return PermissionResult{Reason: reason}, err
	}
	if p.IsSuperAdmin() {
		return PermissionResult{Allowed: true, Level: IntPtr(LevelSuperAdmin)}, nil
	}
	if p.HasResourceAccess(resource, action) {
		return PermissionResult{Allowed: true}, nil
	}
	return PermissionResult{Reason: ReasonResource}, nil
}

// CheckOrganization reports organization membership.
func (s *Service) CheckOrganization(ctx context.Context, userID, code string) (bool, error) {
	p, _, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		return false, err
	}
	return p.InOrganization(code), nil
}

// CheckDepartment reports department membership.
func (s *Service) CheckDepartment(ctx context.Context, userID, code string) (bool, error) {
	p, _, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		return false, err
	}
	return p.InDepartment(code), nil
}

// MenuPermissions returns the codes of the user's menu permissions.
func (s *Service) MenuPermissions(ctx context.Context, userID string) ([]string, error) {
	p, _, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		return []string{}, err
	}
	codes := []string{}
	for _, perm := range menuPermissions(p) {
		codes = append(codes, perm.Code)
	}
	return codes, nil
}

// MenuNode is one entry of the navigation tree.
type MenuNode struct {
	Permission
	Children []*MenuNode `json:"children"`
}

// MenuTree arranges the user's menu permissions by parent. Siblings are
// ordered by level, then by sort order.
func (s *Service) MenuTree(ctx context.Context, userID string) ([]*MenuNode, error) {
	p, _, err := s.profileOrDeny(ctx, userID)
	if p == nil {
		return []*MenuNode{}, err
	}
	return BuildMenuTree(menuPermissions(p)), nil
}

func menuPermissions(p *Profile) []Permission {
	var out []Permission
	for _, perm := range p.Permissions() {
		if perm.Resource == ResourceMenu {
			out = append(out, perm)
		}
	}
	return out
}

// BuildMenuTree links permissions to their parents. A permission whose parent
// is absent becomes a root.
func BuildMenuTree(perms []Permission) []*MenuNode {
	nodes := make(map[string]*MenuNode, len(perms))
	for _, perm := range perms {
		nodes[perm.ID] = &MenuNode{Permission: perm, Children: []*MenuNode{}}
	}

	roots := []*MenuNode{}
	for _, perm := range perms {
		node := nodes[perm.ID]
		if parent, ok := nodes[perm.ParentID]; ok && perm.ParentID != "" && parent != node {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	sortMenu(roots)
	return roots
}

func sortMenu(nodes []*MenuNode) {
	levelOf := func(n *MenuNode) int {
		if n.Level == nil {
			return 0
		}
		return *n.Level
	}
	slices.SortStableFunc(nodes, func(a, b *MenuNode) int {
		if d := levelOf(a) - levelOf(b); d != 0 {
			return d
		}
		return a.SortOrder - b.SortOrder
	})
	for _, n := range nodes {
		sortMenu(n.Children)
	}
}

// ProfileSummary is the externally visible view of a profile.
type ProfileSummary struct {
	UserID        string       `json:"userId"`
	Active        bool         `json:"active"`
	Permissions   []Permission `json:"permissions"`
	Roles         []string     `json:"roles"`
	Organizations []string     `json:"organizations"`
	Departments   []string     `json:"departments"`
	Level         int          `json:"level"`
}

// ProfileSummary returns the user's profile as a summary. It returns
// ErrProfileNotFound when the user does not exist.
func (s *Service) ProfileSummary(ctx context.Context, userID string) (ProfileSummary, error) {
	p, _, err := s.Profile(ctx, userID)
	if err != nil {
		return ProfileSummary{}, err
	}
	perms := p.Permissions()
	if perms == nil {
		perms = []Permission{}
	}
	return ProfileSummary{
		UserID:        p.UserID(),
		Active:        p.Active(),
		Permissions:   perms,
		Roles:         p.RoleCodes(),
		Organizations: p.Organizations(),
		Departments:   p.Departments(),
		Level:         p.RoleLevel(),
	}, nil
}

// Invalidate drops the user's cached profile here and, when a publisher is
// configured, on every other instance. An empty userID drops every profile.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	s.InvalidateLocal(userID)
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Publish(ctx, userID); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached profile everywhere.
func (s *Service) InvalidateAll(ctx context.Context) error {
	return s.Invalidate(ctx, "")
}

// InvalidateLocal drops cached profiles on this instance only.
func (s *Service) InvalidateLocal(userID string) {
	if userID == "" {
		s.cache.InvalidateAll()
		return
	}
	s.cache.Invalidate(userID)
}
