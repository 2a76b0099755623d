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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opentrusty/permgate/internal/authz"
)

// ProfileRepository implements authz.ProfileLoader
type ProfileRepository struct {
	db *sql.DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// LoadProfile reads the user's roles, effective permissions and memberships in
// one read-only transaction.
func (r *ProfileRepository) LoadProfile(ctx context.Context, userID string) (*authz.Profile, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	in := authz.ProfileInput{UserID: userID}

	err = tx.QueryRowContext(ctx, `SELECT active FROM users WHERE id = $1`, userID).Scan(&in.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authz.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if in.Roles, err = r.roles(ctx, tx, userID); err != nil {
		return nil, err
	}
	if in.Permissions, err = r.permissions(ctx, tx, userID); err != nil {
		return nil, err
	}
	if in.Organizations, err = codes(ctx, tx, `
		SELECT o.code
		FROM organizations o
		JOIN user_organizations uo ON uo.organization_id = o.id
		WHERE uo.user_id = $1 AND o.active
		ORDER BY o.code
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	if in.Departments, err = codes(ctx, tx, `
		SELECT d.code
		FROM departments d
		JOIN user_departments ud ON ud.department_id = d.id
		WHERE ud.user_id = $1 AND d.active
		ORDER BY d.code
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return authz.NewProfile(in), nil
}

func (r *ProfileRepository) roles(ctx context.Context, tx *sql.Tx, userID string) ([]authz.Role, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.id, r.code, r.name, r.level, r.active
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.level, r.code
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []authz.Role
	for rows.Next() {
		var role authz.Role
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &role.Level, &role.Active); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// permissions returns grants from active roles plus direct grants.
func (r *ProfileRepository) permissions(ctx context.Context, tx *sql.Tx, userID string) ([]authz.Permission, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.code, p.name, p.resource, p.action, p.level, p.parent_id, p.sort_order, p.active
		FROM permissions p
		WHERE p.id IN (
			SELECT rp.permission_id
			FROM role_permissions rp
			JOIN user_roles ur ON ur.role_id = rp.role_id
			JOIN roles r ON r.id = rp.role_id
			WHERE ur.user_id = $1 AND r.active
		) OR p.id IN (
			SELECT up.permission_id
			FROM user_permissions up
			WHERE up.user_id = $1 AND up.granted
		)
		ORDER BY p.sort_order, p.code
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []authz.Permission
	for rows.Next() {
		var (
			p        authz.Permission
			level    sql.NullInt32
			parentID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Resource, &p.Action, &level, &parentID, &p.SortOrder, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		if level.Valid {
			lvl := int(level.Int32)
			p.Level = &lvl
		}
		p.ParentID = parentID.String
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return perms, nil
}

func codes(ctx context.Context, tx *sql.Tx, query, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}
