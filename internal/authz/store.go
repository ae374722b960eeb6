package authz

import "context"

// Store describes persistence required by the authorization core. It holds
// no policy: precedence rules live in the Resolver, validation in the
// Service. Implementations must make both replace operations atomic: a
// concurrent resolution must observe either the fully-old or fully-new
// grant set, never a partial mix.
type Store interface {
	// Catalog reference data.
	Modules(ctx context.Context) ([]Module, error)
	Actions(ctx context.Context) ([]ActionDef, error)
	Features(ctx context.Context, moduleCode string) ([]Feature, error)
	// CreateModule persists the module together with its provisioned
	// feature and action rows in one transaction.
	CreateModule(ctx context.Context, mod Module, features []Feature, actions []ActionDef) (Module, error)

	// Per-site module enablement.
	SiteModules(ctx context.Context, siteID string) (map[string]bool, error)
	SetSiteModule(ctx context.Context, siteID, moduleCode string, active bool) error

	// Role lifecycle. DeleteRole fails with ErrIntegrity for system roles
	// and for roles with live assignments; it cascades role grants.
	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)
	UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error)
	ArchiveRole(ctx context.Context, roleID string) (Role, error)
	RestoreRole(ctx context.Context, roleID string) (Role, error)
	CloneRole(ctx context.Context, roleID, name string) (Role, error)
	DeleteRole(ctx context.Context, roleID string) error

	// Grants. Replace semantics: delete all then insert, all-or-nothing.
	RolePermissions(ctx context.Context, roleID string) ([]Grant, error)
	ReplaceRolePermissions(ctx context.Context, roleID string, grants []Grant) error
	UserOverrides(ctx context.Context, userID, siteID string) ([]Grant, error)
	ReplaceUserOverrides(ctx context.Context, userID, siteID string, grants []Grant) error

	// User-role assignments.
	Assign(ctx context.Context, a Assignment) (Assignment, error)
	RemoveAssignment(ctx context.Context, userID, roleID string) error
	Assignments(ctx context.Context, userID string) ([]Assignment, error)

	// Tenancy lookups.
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetSite(ctx context.Context, siteID string) (Site, error)

	// Append-only audit trail.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}
