package pg

import (
	"context"
	"database/sql"
	"errors"

	"conformeo.io/internal/authz"
)

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]authz.Grant, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authz.ErrNotFound
		}
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select module_code, action_code, decision, scope
		from role_permissions
		where role_id = $1
		order by module_code, action_code, scope
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ReplaceRolePermissions swaps the role's grant set in one transaction:
// delete everything, insert the new set, commit. A resolution racing with
// the replace sees either the old or the new set.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID string, grants []authz.Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, module_code, action_code, decision, scope)
			values ($1, $2, $3, $4, $5)
		`, roleID, g.Module, g.Action, string(g.Decision), string(g.Scope)); err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return authz.ErrIntegrity
				case pgErrForeignKeyViolation:
					return authz.ErrNotFound
				}
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UserOverrides(ctx context.Context, userID, siteID string) ([]authz.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select module_code, action_code, decision, 'site'
		from user_overrides
		where user_id = $1 and site_id = $2
		order by module_code, action_code
	`, userID, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ReplaceUserOverrides has the same atomic-replace contract as role
// permissions. Overrides are site-scoped by construction, so only the
// decision is stored per (module, action).
func (s *Store) ReplaceUserOverrides(ctx context.Context, userID, siteID string, grants []authz.Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from user_overrides where user_id = $1 and site_id = $2
	`, userID, siteID); err != nil {
		return err
	}
	for _, g := range grants {
		if _, err := tx.ExecContext(ctx, `
			insert into user_overrides (user_id, site_id, module_code, action_code, decision)
			values ($1, $2, $3, $4, $5)
		`, userID, siteID, g.Module, g.Action, string(g.Decision)); err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return authz.ErrIntegrity
				case pgErrForeignKeyViolation:
					return authz.ErrNotFound
				}
			}
			return err
		}
	}
	return tx.Commit()
}

func scanGrants(rows *sql.Rows) ([]authz.Grant, error) {
	var grants []authz.Grant
	for rows.Next() {
		var (
			g        authz.Grant
			decision string
			scope    string
		)
		if err := rows.Scan(&g.Module, &g.Action, &decision, &scope); err != nil {
			return nil, err
		}
		g.Decision = authz.Decision(decision)
		g.Scope = authz.Scope(scope)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}
