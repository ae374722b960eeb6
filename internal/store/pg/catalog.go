package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"conformeo.io/internal/authz"
)

func (s *Store) Modules(ctx context.Context) ([]authz.Module, error) {
	rows, err := s.db.QueryContext(ctx, `
		select code, name, created_at from modules order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var modules []authz.Module
	for rows.Next() {
		var m authz.Module
		if err := rows.Scan(&m.Code, &m.Name, &m.CreatedAt); err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return modules, nil
}

func (s *Store) Actions(ctx context.Context) ([]authz.ActionDef, error) {
	rows, err := s.db.QueryContext(ctx, `
		select code, coalesce(description, '') from actions order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []authz.ActionDef
	for rows.Next() {
		var a authz.ActionDef
		if err := rows.Scan(&a.Code, &a.Description); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

func (s *Store) Features(ctx context.Context, moduleCode string) ([]authz.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		select code, module_code, name from features where module_code = $1 order by code
	`, moduleCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var features []authz.Feature
	for rows.Next() {
		var f authz.Feature
		if err := rows.Scan(&f.Code, &f.ModuleCode, &f.Name); err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return features, nil
}

// CreateModule inserts the module row, its provisioned feature rows and any
// missing action rows in one transaction.
func (s *Store) CreateModule(ctx context.Context, mod authz.Module, features []authz.Feature, actions []authz.ActionDef) (authz.Module, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.Module{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var created authz.Module
	row := tx.QueryRowContext(ctx, `
		insert into modules (code, name) values ($1, $2)
		returning code, name, created_at
	`, mod.Code, mod.Name)
	if err := row.Scan(&created.Code, &created.Name, &created.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.Module{}, authz.ErrConflict
		}
		return authz.Module{}, err
	}

	for _, f := range features {
		if _, err := tx.ExecContext(ctx, `
			insert into features (code, module_code, name) values ($1, $2, $3)
		`, f.Code, f.ModuleCode, f.Name); err != nil {
			return authz.Module{}, err
		}
	}
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, `
			insert into actions (code, description) values ($1, $2)
			on conflict (code) do nothing
		`, a.Code, nullIfEmpty(a.Description)); err != nil {
			return authz.Module{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return authz.Module{}, err
	}
	return created, nil
}

func (s *Store) SiteModules(ctx context.Context, siteID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		select module_code, active from site_modules where site_id = $1
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enabled := make(map[string]bool)
	for rows.Next() {
		var (
			code   string
			active bool
		)
		if err := rows.Scan(&code, &active); err != nil {
			return nil, err
		}
		enabled[code] = active
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return enabled, nil
}

func (s *Store) SetSiteModule(ctx context.Context, siteID, moduleCode string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		insert into site_modules (site_id, module_code, active)
		values ($1, $2, $3)
		on conflict (site_id, module_code) do update set active = excluded.active
	`, siteID, moduleCode, active)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return authz.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (authz.User, error) {
	return s.userBy(ctx, `id = $1`, userID)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (authz.User, error) {
	return s.userBy(ctx, `lower(email) = lower($1)`, email)
}

func (s *Store) userBy(ctx context.Context, where string, arg any) (authz.User, error) {
	var (
		user   authz.User
		tenant sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, email, password_hash, status, created_at
		from users where `+where,
		arg,
	).Scan(&user.ID, &tenant, &user.Email, &user.PasswordHash, &user.Status, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.User{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.User{}, err
	}
	if tenant.Valid {
		user.TenantID = tenant.String
	}
	return user, nil
}

func (s *Store) GetSite(ctx context.Context, siteID string) (authz.Site, error) {
	var site authz.Site
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, name, created_at from sites where id = $1
	`, siteID).Scan(&site.ID, &site.TenantID, &site.Name, &site.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Site{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Site{}, err
	}
	return site, nil
}

// AppendAudit inserts an audit row. The table carries no update or delete
// path anywhere in this package.
func (s *Store) AppendAudit(ctx context.Context, entry authz.AuditEntry) error {
	before, err := marshalState(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before state: %w", err)
	}
	after, err := marshalState(entry.After)
	if err != nil {
		return fmt.Errorf("marshal after state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, tenant_id, action, entity_type, entity_id, before_state, after_state)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.OccurredAt, nullIfEmpty(entry.ActorID), nullIfEmpty(entry.TenantID),
		entry.Action, entry.EntityType, entry.EntityID, before, after)
	return err
}

func marshalState(state map[string]any) ([]byte, error) {
	if len(state) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(state)
}
