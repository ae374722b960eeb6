package authz

import (
	"strings"
	"time"
)

// Decision is the value of a single grant.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionInherit Decision = "inherit"
)

// Valid reports whether the decision is one of the three known values.
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionDeny || d == DecisionInherit
}

// Scope is the breadth at which a grant applies.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTenant Scope = "tenant"
	ScopeSite   Scope = "site"
)

// Valid reports whether the scope is one of the three known values.
func (s Scope) Valid() bool {
	return s == ScopeGlobal || s == ScopeTenant || s == ScopeSite
}

// specificity orders scopes for precedence; a higher value wins.
func (s Scope) specificity() int {
	switch s {
	case ScopeSite:
		return 3
	case ScopeTenant:
		return 2
	case ScopeGlobal:
		return 1
	default:
		return 0
	}
}

// RoleType separates internal team roles from client-owned roles.
type RoleType string

const (
	RoleTypeTeam   RoleType = "team"
	RoleTypeClient RoleType = "client"
)

// Valid reports whether the role type is known.
func (t RoleType) Valid() bool {
	return t == RoleTypeTeam || t == RoleTypeClient
}

// AccessLevel is the coarse none/read/full projection derived from granular
// grants. Display-only; never the system of record.
type AccessLevel string

const (
	AccessNone AccessLevel = "none"
	AccessRead AccessLevel = "read"
	AccessFull AccessLevel = "full"
)

// Grant is a single policy statement for a (module, action) pair.
type Grant struct {
	Module   string   `json:"module"`
	Action   string   `json:"action"`
	Decision Decision `json:"decision"`
	Scope    Scope    `json:"scope"`
}

// GrantKey identifies the (module, action) unit of permission.
type GrantKey struct {
	Module string
	Action string
}

// Key returns the (module, action) pair the grant applies to.
func (g Grant) Key() GrantKey {
	return GrantKey{Module: g.Module, Action: g.Action}
}

// Role is a named bundle of permissions. Team roles have no owning tenant;
// client roles belong to exactly one tenant.
type Role struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Type        RoleType   `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	System      bool       `json:"system"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether the role participates in permission resolution.
func (r Role) Active() bool {
	return r.ArchivedAt == nil
}

// RoleUpdate carries optional role mutations; nil fields are left untouched.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// Assignment links a user to a role within a tenant. An empty SiteScope means
// the role applies to every site the user can otherwise reach; a non-empty
// one is a strict allow-list.
type Assignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	TenantID  string    `json:"tenant_id"`
	SiteScope []string  `json:"site_scope,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppliesTo reports whether the assignment contributes grants at the site.
func (a Assignment) AppliesTo(siteID string) bool {
	if len(a.SiteScope) == 0 {
		return true
	}
	for _, s := range a.SiteScope {
		if s == siteID {
			return true
		}
	}
	return false
}

// Module is a top-level functional area that can be enabled per site.
type Module struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Feature is descriptive metadata under a module; not policy.
type Feature struct {
	Code       string `json:"code"`
	ModuleCode string `json:"module_code"`
	Name       string `json:"name"`
}

// ActionDef describes a legal action verb.
type ActionDef struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// SiteModule records per-site module activation.
type SiteModule struct {
	SiteID     string `json:"site_id"`
	ModuleCode string `json:"module_code"`
	Active     bool   `json:"active"`
}

// User is the minimal subject record needed for tenancy checks and authn.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Site is one physical or organizational site of a tenant.
type Site struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is an immutable record of a mutation. Append-only.
type AuditEntry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	ActorID    string         `json:"actor_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

// NormalizeModuleCode canonicalizes a module code for storage and lookup.
func NormalizeModuleCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeActionCode canonicalizes an action code for storage and lookup.
func NormalizeActionCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
