package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conformeo.io/internal/authz"
	"conformeo.io/internal/ids"
)

func (s *Store) CreateRole(ctx context.Context, role authz.Role) (authz.Role, error) {
	if role.ID == "" {
		role.ID = ids.New()
	}
	var (
		created authz.Role
		tenant  sql.NullString
		desc    sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, type, name, description, is_system)
		values ($1, $2, $3, $4, $5, $6)
		returning id, tenant_id, type, name, description, is_system, archived_at, created_at, updated_at
	`, role.ID, nullIfEmpty(role.TenantID), string(role.Type), role.Name, nullIfEmpty(role.Description), role.System)
	if err := scanRole(row, &created, &tenant, &desc); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.Role{}, authz.ErrConflict
			case pgErrForeignKeyViolation:
				return authz.Role{}, authz.ErrNotFound
			}
		}
		return authz.Role{}, err
	}
	return created, nil
}

type roleScanner interface {
	Scan(dest ...any) error
}

func scanRole(row roleScanner, role *authz.Role, tenant, desc *sql.NullString) error {
	var (
		typ      string
		archived sql.NullTime
	)
	if err := row.Scan(&role.ID, tenant, &typ, &role.Name, desc, &role.System, &archived, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return err
	}
	role.Type = authz.RoleType(typ)
	if tenant.Valid {
		role.TenantID = tenant.String
	}
	if desc.Valid {
		role.Description = desc.String
	}
	if archived.Valid {
		t := archived.Time
		role.ArchivedAt = &t
	}
	return nil
}

const roleColumns = `id, tenant_id, type, name, description, is_system, archived_at, created_at, updated_at`

func (s *Store) GetRole(ctx context.Context, roleID string) (authz.Role, error) {
	var (
		role   authz.Role
		tenant sql.NullString
		desc   sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, roleID)
	if err := scanRole(row, &role, &tenant, &desc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.Role{}, authz.ErrNotFound
		}
		return authz.Role{}, err
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]authz.Role, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == "" {
		rows, err = s.db.QueryContext(ctx, `select `+roleColumns+` from roles where tenant_id is null order by name`)
	} else {
		rows, err = s.db.QueryContext(ctx, `select `+roleColumns+` from roles where tenant_id = $1 order by name`, tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []authz.Role
	for rows.Next() {
		var (
			role   authz.Role
			tenant sql.NullString
			desc   sql.NullString
		)
		if err := scanRole(rows, &role, &tenant, &desc); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) UpdateRole(ctx context.Context, roleID string, upd authz.RoleUpdate) (authz.Role, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("description = $%d", idx))
			args = append(args, *upd.Description)
			idx++
		}
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, roleID)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return authz.Role{}, authz.ErrConflict
			}
			return authz.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return authz.Role{}, err
		}
		if aff == 0 {
			return authz.Role{}, authz.ErrNotFound
		}
	}
	return s.GetRole(ctx, roleID)
}

func (s *Store) ArchiveRole(ctx context.Context, roleID string) (authz.Role, error) {
	res, err := s.db.ExecContext(ctx, `
		update roles set archived_at = now(), updated_at = now()
		where id = $1 and archived_at is null
	`, roleID)
	if err != nil {
		return authz.Role{}, err
	}
	if _, err := res.RowsAffected(); err != nil {
		return authz.Role{}, err
	}
	return s.GetRole(ctx, roleID)
}

func (s *Store) RestoreRole(ctx context.Context, roleID string) (authz.Role, error) {
	res, err := s.db.ExecContext(ctx, `
		update roles set archived_at = null, updated_at = now()
		where id = $1 and archived_at is not null
	`, roleID)
	if err != nil {
		return authz.Role{}, err
	}
	if _, err := res.RowsAffected(); err != nil {
		return authz.Role{}, err
	}
	return s.GetRole(ctx, roleID)
}

// CloneRole copies the role row and its grants inside one transaction.
func (s *Store) CloneRole(ctx context.Context, roleID, name string) (authz.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cloneID := ids.New()
	var (
		clone  authz.Role
		tenant sql.NullString
		desc   sql.NullString
	)
	row := tx.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, type, name, description, is_system)
		select $1, tenant_id, type, $2, description, false
		from roles where id = $3
		returning `+roleColumns, cloneID, name, roleID)
	if err := scanRole(row, &clone, &tenant, &desc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.Role{}, authz.ErrNotFound
		}
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.Role{}, authz.ErrConflict
		}
		return authz.Role{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into role_permissions (role_id, module_code, action_code, decision, scope)
		select $1, module_code, action_code, decision, scope
		from role_permissions where role_id = $2
	`, cloneID, roleID); err != nil {
		return authz.Role{}, err
	}

	if err := tx.Commit(); err != nil {
		return authz.Role{}, err
	}
	return clone, nil
}

// DeleteRole hard-deletes a role. Blocked for system roles and roles with
// live assignments; role grants are removed in the same transaction.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var isSystem bool
	if err := tx.QueryRowContext(ctx, `select is_system from roles where id = $1`, roleID).Scan(&isSystem); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.ErrNotFound
		}
		return err
	}
	if isSystem {
		return fmt.Errorf("%w: system role cannot be deleted", authz.ErrIntegrity)
	}

	var assigned int
	if err := tx.QueryRowContext(ctx, `select count(*) from user_roles where role_id = $1`, roleID).Scan(&assigned); err != nil {
		return err
	}
	if assigned > 0 {
		return fmt.Errorf("%w: role has %d assigned users", authz.ErrIntegrity, assigned)
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Assign(ctx context.Context, a authz.Assignment) (authz.Assignment, error) {
	scopeJSON, err := json.Marshal(a.SiteScope)
	if err != nil {
		return authz.Assignment{}, fmt.Errorf("marshal site scope: %w", err)
	}
	var created time.Time
	err = s.db.QueryRowContext(ctx, `
		insert into user_roles (user_id, role_id, tenant_id, site_scope)
		values ($1, $2, $3, $4)
		returning created_at
	`, a.UserID, a.RoleID, nullIfEmpty(a.TenantID), scopeJSON).Scan(&created)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.Assignment{}, authz.ErrConflict
			case pgErrForeignKeyViolation:
				return authz.Assignment{}, authz.ErrNotFound
			}
		}
		return authz.Assignment{}, err
	}
	a.CreatedAt = created
	return a, nil
}

func (s *Store) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func (s *Store) Assignments(ctx context.Context, userID string) ([]authz.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, tenant_id, site_scope, created_at
		from user_roles
		where user_id = $1
		order by role_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []authz.Assignment
	for rows.Next() {
		var (
			a      authz.Assignment
			tenant sql.NullString
			scope  []byte
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &tenant, &scope, &a.CreatedAt); err != nil {
			return nil, err
		}
		if tenant.Valid {
			a.TenantID = tenant.String
		}
		if len(scope) > 0 {
			if err := json.Unmarshal(scope, &a.SiteScope); err != nil {
				return nil, fmt.Errorf("decode site scope: %w", err)
			}
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}
