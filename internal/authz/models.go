package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Domain errors
var (
	ErrProfileNotFound      = errors.New("authorization profile not found")
	ErrMalformedRequirement = errors.New("malformed requirement")
	ErrLoaderUnavailable    = errors.New("profile loader unavailable")
	ErrInvalidMode          = errors.New("invalid mode")
)

// Mode controls how several values, or several criteria, combine.
type Mode string

const (
	ModeAND Mode = "AND"
	ModeOR  Mode = "OR"
)

// ParseMode normalizes a mode string. The empty string means AND.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAND:
		return ModeAND, nil
	case ModeOR:
		return ModeOR, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Combine folds results with the mode. An empty slice folds to true for AND and
// false for OR.
func (m Mode) Combine(results []bool) bool {
	if m == ModeOR {
		return slices.Contains(results, true)
	}
	return !slices.Contains(results, false)
}

// Permission is a single grant as stored by the loader.
type Permission struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Action    string `json:"action,omitempty"`
	Level     *int   `json:"level,omitempty"`
	ParentID  string `json:"parentId,omitempty"`
	SortOrder int    `json:"sortOrder"`
	Active    bool   `json:"active"`
}

// Role is a role assignment with its privilege level.
type Role struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name,omitempty"`
	Level  int    `json:"level"`
	Active bool   `json:"active"`
}

// CustomCheck is an arbitrary predicate over the requesting user.
type CustomCheck func(ctx context.Context, userID string) (bool, error)

// Requirement is a declarative access rule attached to a route or operation.
type Requirement struct {
	Permissions   []string    `koanf:"permissions" json:"permissions,omitempty"`
	Roles         []string    `koanf:"roles" json:"roles,omitempty"`
	Level         *int        `koanf:"level" json:"level,omitempty"`
	Organizations []string    `koanf:"organizations" json:"organizations,omitempty"`
	Departments   []string    `koanf:"departments" json:"departments,omitempty"`
	Resource      string      `koanf:"resource" json:"resource,omitempty"`
	Action        string      `koanf:"action" json:"action,omitempty"`
	Mode          Mode        `koanf:"mode" json:"mode,omitempty"`
	Description   string      `koanf:"description" json:"description,omitempty"`
	CustomCheck   CustomCheck `koanf:"-" json:"-"`
}

// IsEmpty reports whether the requirement restricts nothing.
func (r Requirement) IsEmpty() bool {
	return len(r.Permissions) == 0 &&
		len(r.Roles) == 0 &&
		r.Level == nil &&
		len(r.Organizations) == 0 &&
		len(r.Departments) == 0 &&
		(r.Resource == "" || r.Action == "") &&
		r.CustomCheck == nil
}

// Validate checks the requirement is well formed.
func (r Requirement) Validate() error {
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequirement, err)
	}
	if r.Level != nil && *r.Level < 0 {
		return fmt.Errorf("%w: negative level %d", ErrMalformedRequirement, *r.Level)
	}
	if (r.Resource == "") != (r.Action == "") {
		return fmt.Errorf("%w: resource and action must be set together", ErrMalformedRequirement)
	}
	return nil
}

// Decision is the outcome of evaluating a requirement.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Denial reasons.
const (
	ReasonUserDisabled         = "user disabled"
	ReasonPermission           = "permission insufficient"
	ReasonRole                 = "role insufficient"
	ReasonRoleLevel            = "role level insufficient"
	ReasonOrganization         = "organization membership required"
	ReasonDepartment           = "department membership required"
	ReasonResource             = "resource access denied"
	ReasonCustomCheck          = "custom check failed"
	ReasonEvaluationError      = "permission check failed"
	ReasonAuthenticationNeeded = "authentication required"

	// ReasonAccessDenied is reported when the user has no profile. It does not
	// reveal whether the account exists.
	ReasonAccessDenied = "access denied"
)

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// ProfileLoader loads a user's authorization profile from persistent storage.
// It returns ErrProfileNotFound when the user does not exist.
type ProfileLoader interface {
	LoadProfile(ctx context.Context, userID string) (*Profile, error)
}

// ProfileLoaderFunc adapts a function to ProfileLoader.
type ProfileLoaderFunc func(ctx context.Context, userID string) (*Profile, error)

// LoadProfile calls f.
func (f ProfileLoaderFunc) LoadProfile(ctx context.Context, userID string) (*Profile, error) {
	return f(ctx, userID)
}
