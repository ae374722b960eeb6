package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conformeo.io/internal/ids"
	"conformeo.io/internal/obs"
)

// Service wraps the Store with input validation, tenancy checks and audit
// trail writes. Handlers talk to the Service, never to the Store directly.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}, nil
}

// --- Roles -----------------------------------------------------------------

func (s *Service) CreateRole(ctx context.Context, tenantID string, typ RoleType, name, description string) (Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if !typ.Valid() {
		return Role{}, fmt.Errorf("%w: unsupported role type %q", ErrInvalidInput, typ)
	}
	if typ == RoleTypeClient && tenantID == "" {
		return Role{}, fmt.Errorf("%w: client roles require an owning tenant", ErrInvalidInput)
	}
	if typ == RoleTypeTeam && tenantID != "" {
		return Role{}, fmt.Errorf("%w: team roles are not tenant-owned", ErrInvalidInput)
	}
	role, err := s.store.CreateRole(ctx, Role{
		ID:          ids.New(),
		TenantID:    tenantID,
		Type:        typ,
		Name:        name,
		Description: strings.TrimSpace(description),
	})
	if err != nil {
		return Role{}, err
	}
	s.audit(ctx, "role.create", "role", role.ID, nil, map[string]any{"name": role.Name, "type": string(role.Type)})
	return role, nil
}

func (s *Service) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, roleID)
}

func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	return s.store.ListRoles(ctx, strings.TrimSpace(tenantID))
}

func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	role, err := s.store.UpdateRole(ctx, roleID, upd)
	if err != nil {
		return Role{}, err
	}
	s.audit(ctx, "role.update", "role", role.ID, nil, map[string]any{"name": role.Name})
	return role, nil
}

// ArchiveRole soft-deletes the role; archived roles stop contributing
// grants to resolution but keep their permission set for restore.
func (s *Service) ArchiveRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.ArchiveRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	s.audit(ctx, "role.archive", "role", role.ID, nil, nil)
	return role, nil
}

func (s *Service) RestoreRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.RestoreRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	s.audit(ctx, "role.restore", "role", role.ID, nil, nil)
	return role, nil
}

// CloneRole duplicates a role together with its permission set. The clone
// is independent: later edits to either role do not affect the other.
func (s *Service) CloneRole(ctx context.Context, roleID, name string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	name = strings.TrimSpace(name)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if name == "" {
		return Role{}, fmt.Errorf("%w: name for the cloned role is required", ErrInvalidInput)
	}
	clone, err := s.store.CloneRole(ctx, roleID, name)
	if err != nil {
		return Role{}, err
	}
	s.audit(ctx, "role.clone", "role", clone.ID, map[string]any{"source_role_id": roleID}, map[string]any{"name": clone.Name})
	return clone, nil
}

// DeleteRole hard-deletes an unreferenced, non-system role. System roles
// and roles with live assignments surface ErrIntegrity.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.audit(ctx, "role.delete", "role", roleID, nil, nil)
	return nil
}

// --- Grants ----------------------------------------------------------------

// ReplaceRolePermissions atomically swaps the role's grant set. Grants are
// validated against the module/action catalog; a duplicate
// (module, action, scope) key inside one replace is an integrity violation.
func (s *Service) ReplaceRolePermissions(ctx context.Context, roleID string, grants []Grant) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	normalized, err := s.normalizeGrants(ctx, grants)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceRolePermissions(ctx, roleID, normalized); err != nil {
		return err
	}
	s.audit(ctx, "role.permissions.replace", "role", roleID, nil, map[string]any{"count": len(normalized)})
	return nil
}

func (s *Service) RolePermissions(ctx context.Context, roleID string) ([]Grant, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.RolePermissions(ctx, roleID)
}

// ReplaceUserOverrides atomically swaps the direct overrides for a
// (user, site) pair. The target user and site must belong to the same
// tenant, and to the acting principal's tenant when the actor is
// tenant-scoped; cross-tenant assignment is rejected before the store is
// touched. Override grants always carry site scope.
func (s *Service) ReplaceUserOverrides(ctx context.Context, userID, siteID string, grants []Grant) error {
	userID = strings.TrimSpace(userID)
	siteID = strings.TrimSpace(siteID)
	if userID == "" || siteID == "" {
		return fmt.Errorf("%w: user_id and site_id are required", ErrInvalidInput)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return err
	}
	if user.TenantID != site.TenantID {
		return fmt.Errorf("%w: user and site belong to different tenants", ErrInvalidInput)
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.TenantID != "" && actor.TenantID != site.TenantID {
		return fmt.Errorf("%w: cross-tenant override rejected", ErrInvalidInput)
	}
	normalized, err := s.normalizeGrants(ctx, grants)
	if err != nil {
		return err
	}
	for i := range normalized {
		normalized[i].Scope = ScopeSite
	}
	if err := s.store.ReplaceUserOverrides(ctx, userID, siteID, normalized); err != nil {
		return err
	}
	s.audit(ctx, "user.overrides.replace", "user", userID, nil, map[string]any{"site_id": siteID, "count": len(normalized)})
	return nil
}

func (s *Service) UserOverrides(ctx context.Context, userID, siteID string) ([]Grant, error) {
	userID = strings.TrimSpace(userID)
	siteID = strings.TrimSpace(siteID)
	if userID == "" || siteID == "" {
		return nil, fmt.Errorf("%w: user_id and site_id are required", ErrInvalidInput)
	}
	return s.store.UserOverrides(ctx, userID, siteID)
}

func (s *Service) normalizeGrants(ctx context.Context, grants []Grant) ([]Grant, error) {
	catalog, err := s.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(grants))
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		g.Module = NormalizeModuleCode(g.Module)
		g.Action = NormalizeActionCode(g.Action)
		if !g.Decision.Valid() {
			return nil, fmt.Errorf("%w: unsupported decision %q", ErrInvalidInput, g.Decision)
		}
		if g.Scope == "" {
			g.Scope = ScopeSite
		}
		if !g.Scope.Valid() {
			return nil, fmt.Errorf("%w: unsupported scope %q", ErrInvalidInput, g.Scope)
		}
		if err := catalog.ValidateKey(g.Module, g.Action); err != nil {
			return nil, err
		}
		key := g.Module + "\x00" + g.Action + "\x00" + string(g.Scope)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate grant for %s/%s at %s scope", ErrIntegrity, g.Module, g.Action, g.Scope)
		}
		seen[key] = struct{}{}
		out = append(out, g)
	}
	return out, nil
}

// --- Assignments -----------------------------------------------------------

// Assign links a user to a role. The user and role must live in the same
// tenant, client roles cannot cross tenants, team roles cannot be handed to
// client users, archived roles cannot be assigned, and every site in the
// scope allow-list must belong to the user's tenant.
func (s *Service) Assign(ctx context.Context, userID, roleID string, siteScope []string) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return Assignment{}, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Assignment{}, err
	}
	if !role.Active() {
		return Assignment{}, fmt.Errorf("%w: archived role cannot be assigned", ErrInvalidInput)
	}
	switch role.Type {
	case RoleTypeClient:
		if role.TenantID != user.TenantID {
			return Assignment{}, fmt.Errorf("%w: role and user belong to different tenants", ErrInvalidInput)
		}
	case RoleTypeTeam:
		if user.TenantID != "" {
			return Assignment{}, fmt.Errorf("%w: team roles cannot be assigned to client users", ErrInvalidInput)
		}
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.TenantID != "" && actor.TenantID != user.TenantID {
		return Assignment{}, fmt.Errorf("%w: cross-tenant assignment rejected", ErrInvalidInput)
	}
	scope := make([]string, 0, len(siteScope))
	for _, siteID := range siteScope {
		siteID = strings.TrimSpace(siteID)
		if siteID == "" {
			continue
		}
		site, err := s.store.GetSite(ctx, siteID)
		if err != nil {
			return Assignment{}, err
		}
		if site.TenantID != user.TenantID {
			return Assignment{}, fmt.Errorf("%w: site %s is outside the user's tenant", ErrInvalidInput, siteID)
		}
		scope = append(scope, siteID)
	}
	assignment, err := s.store.Assign(ctx, Assignment{
		UserID:    userID,
		RoleID:    roleID,
		TenantID:  user.TenantID,
		SiteScope: scope,
	})
	if err != nil {
		return Assignment{}, err
	}
	s.audit(ctx, "user.assign_role", "user", userID, nil, map[string]any{"role_id": roleID, "site_scope": scope})
	return assignment, nil
}

func (s *Service) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.RemoveAssignment(ctx, userID, roleID); err != nil {
		return err
	}
	s.audit(ctx, "user.remove_role", "user", userID, map[string]any{"role_id": roleID}, nil)
	return nil
}

func (s *Service) Assignments(ctx context.Context, userID string) ([]Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Assignments(ctx, userID)
}

// --- Catalog and enablement ------------------------------------------------

// CreateModule registers a functional area and provisions its default
// feature rows and the builtin action verbs in the same transaction. The
// provisioning is a visible step here, not a hidden storage cascade.
func (s *Service) CreateModule(ctx context.Context, code, name string) (Module, error) {
	code = NormalizeModuleCode(code)
	name = strings.TrimSpace(name)
	if code == "" || name == "" {
		return Module{}, fmt.Errorf("%w: module code and name are required", ErrInvalidInput)
	}
	mod, err := s.store.CreateModule(ctx, Module{Code: code, Name: name}, DefaultFeatures(code), BuiltinActions)
	if err != nil {
		return Module{}, err
	}
	s.audit(ctx, "module.create", "module", mod.Code, nil, map[string]any{"name": mod.Name})
	return mod, nil
}

func (s *Service) Modules(ctx context.Context) ([]Module, error) {
	return s.store.Modules(ctx)
}

func (s *Service) SetSiteModule(ctx context.Context, siteID, moduleCode string, active bool) error {
	siteID = strings.TrimSpace(siteID)
	moduleCode = NormalizeModuleCode(moduleCode)
	if siteID == "" || moduleCode == "" {
		return fmt.Errorf("%w: site_id and module code are required", ErrInvalidInput)
	}
	catalog, err := s.loadCatalog(ctx)
	if err != nil {
		return err
	}
	if !catalog.KnownModule(moduleCode) {
		return fmt.Errorf("%w: unknown module code %q", ErrInvalidInput, moduleCode)
	}
	if err := s.store.SetSiteModule(ctx, siteID, moduleCode, active); err != nil {
		return err
	}
	s.audit(ctx, "site.module.set", "site", siteID, nil, map[string]any{"module": moduleCode, "active": active})
	return nil
}

// PreviewTemplates merges the named archetypes (allow wins between
// templates) and filters the result to the enabled modules. Pure: nothing
// is persisted until the caller replaces a role's permissions.
func (s *Service) PreviewTemplates(templateIDs, enabledModuleCodes []string) ([]Grant, error) {
	if len(templateIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one template id is required", ErrInvalidInput)
	}
	merged, err := MergeTemplates(templateIDs)
	if err != nil {
		return nil, err
	}
	return filterGrantsByModules(merged, enabledModuleCodes), nil
}

func (s *Service) loadCatalog(ctx context.Context) (*Catalog, error) {
	modules, err := s.store.Modules(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.Actions(ctx)
	if err != nil {
		return nil, err
	}
	return NewCatalog(modules, actions), nil
}

// audit appends a trail entry. Best effort: a failed audit write is logged
// but does not undo the mutation it describes.
func (s *Service) audit(ctx context.Context, action, entityType, entityID string, before, after map[string]any) {
	entry := AuditEntry{
		ID:         ids.New(),
		OccurredAt: s.now(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     before,
		After:      after,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		entry.ActorID = actor.UserID
		entry.TenantID = actor.TenantID
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		obs.LogRequest(map[string]any{
			"level":  "error",
			"msg":    "audit append failed",
			"action": action,
			"error":  err.Error(),
		})
	}
}
