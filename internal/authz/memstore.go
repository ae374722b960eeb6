package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"conformeo.io/internal/ids"
)

// InMemory is a Store kept entirely in process memory. It backs the service
// when no database is configured and the HTTP tests. Both replace
// operations swap the whole grant slice under the write lock, so readers
// observe either the fully-old or fully-new set.
type InMemory struct {
	mu sync.RWMutex

	modules     map[string]Module
	features    map[string][]Feature // module code -> features
	actions     map[string]ActionDef
	siteModules map[string]map[string]bool // site id -> module code -> active

	roles       map[string]Role
	roleGrants  map[string][]Grant
	overrides   map[string][]Grant // userID + "\x00" + siteID
	assignments []Assignment

	users map[string]User
	sites map[string]Site
	audit []AuditEntry
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates a store pre-seeded with the builtin module and action
// catalog.
func NewInMemory() *InMemory {
	s := &InMemory{
		modules:     make(map[string]Module),
		features:    make(map[string][]Feature),
		actions:     make(map[string]ActionDef),
		siteModules: make(map[string]map[string]bool),
		roles:       make(map[string]Role),
		roleGrants:  make(map[string][]Grant),
		overrides:   make(map[string][]Grant),
		users:       make(map[string]User),
		sites:       make(map[string]Site),
	}
	now := time.Now().UTC()
	for _, m := range BuiltinModules {
		m.CreatedAt = now
		s.modules[m.Code] = m
		s.features[m.Code] = DefaultFeatures(m.Code)
	}
	for _, a := range BuiltinActions {
		s.actions[a.Code] = a
	}
	return s
}

// AddUser seeds a user record. Not part of the Store interface; user
// provisioning belongs to the identity side of the product.
func (s *InMemory) AddUser(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return u
}

// AddSite seeds a site record.
func (s *InMemory) AddSite(site Site) Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site.ID == "" {
		site.ID = ids.New()
	}
	site.CreatedAt = time.Now().UTC()
	s.sites[site.ID] = site
	return site
}

func (s *InMemory) Modules(ctx context.Context) ([]Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemory) Actions(ctx context.Context) ([]ActionDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActionDef, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemory) Features(ctx context.Context, moduleCode string) ([]Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	moduleCode = NormalizeModuleCode(moduleCode)
	if _, ok := s.modules[moduleCode]; !ok {
		return nil, ErrNotFound
	}
	return append([]Feature(nil), s.features[moduleCode]...), nil
}

func (s *InMemory) CreateModule(ctx context.Context, mod Module, features []Feature, actions []ActionDef) (Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mod.Code = NormalizeModuleCode(mod.Code)
	if _, exists := s.modules[mod.Code]; exists {
		return Module{}, ErrConflict
	}
	mod.CreatedAt = time.Now().UTC()
	s.modules[mod.Code] = mod
	s.features[mod.Code] = append([]Feature(nil), features...)
	for _, a := range actions {
		if _, ok := s.actions[a.Code]; !ok {
			s.actions[a.Code] = a
		}
	}
	return mod, nil
}

func (s *InMemory) SiteModules(ctx context.Context, siteID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled := make(map[string]bool, len(s.siteModules[siteID]))
	for code, active := range s.siteModules[siteID] {
		enabled[code] = active
	}
	return enabled, nil
}

func (s *InMemory) SetSiteModule(ctx context.Context, siteID, moduleCode string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	moduleCode = NormalizeModuleCode(moduleCode)
	if _, ok := s.modules[moduleCode]; !ok {
		return ErrNotFound
	}
	if s.siteModules[siteID] == nil {
		s.siteModules[siteID] = make(map[string]bool)
	}
	s.siteModules[siteID][moduleCode] = active
	return nil
}

func (s *InMemory) CreateRole(ctx context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	for _, existing := range s.roles {
		if existing.TenantID == role.TenantID && strings.EqualFold(existing.Name, role.Name) && existing.Active() {
			return Role{}, ErrConflict
		}
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	s.roles[role.ID] = role
	return role, nil
}

func (s *InMemory) GetRole(ctx context.Context, roleID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *InMemory) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Role
	for _, role := range s.roles {
		if role.TenantID == tenantID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemory) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	role.UpdatedAt = time.Now().UTC()
	s.roles[roleID] = role
	return role, nil
}

func (s *InMemory) ArchiveRole(ctx context.Context, roleID string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	if role.ArchivedAt == nil {
		now := time.Now().UTC()
		role.ArchivedAt = &now
		role.UpdatedAt = now
		s.roles[roleID] = role
	}
	return role, nil
}

func (s *InMemory) RestoreRole(ctx context.Context, roleID string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	if role.ArchivedAt != nil {
		role.ArchivedAt = nil
		role.UpdatedAt = time.Now().UTC()
		s.roles[roleID] = role
	}
	return role, nil
}

func (s *InMemory) CloneRole(ctx context.Context, roleID, name string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	now := time.Now().UTC()
	clone := Role{
		ID:          ids.New(),
		TenantID:    source.TenantID,
		Type:        source.Type,
		Name:        name,
		Description: source.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.roles[clone.ID] = clone
	s.roleGrants[clone.ID] = append([]Grant(nil), s.roleGrants[roleID]...)
	return clone, nil
}

func (s *InMemory) DeleteRole(ctx context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	if role.System {
		return fmt.Errorf("%w: system role cannot be deleted", ErrIntegrity)
	}
	for _, a := range s.assignments {
		if a.RoleID == roleID {
			return fmt.Errorf("%w: role has assigned users", ErrIntegrity)
		}
	}
	delete(s.roles, roleID)
	delete(s.roleGrants, roleID)
	return nil
}

func (s *InMemory) RolePermissions(ctx context.Context, roleID string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[roleID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Grant(nil), s.roleGrants[roleID]...), nil
}

func (s *InMemory) ReplaceRolePermissions(ctx context.Context, roleID string, grants []Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return ErrNotFound
	}
	s.roleGrants[roleID] = append([]Grant(nil), grants...)
	return nil
}

func overrideKey(userID, siteID string) string {
	return userID + "\x00" + siteID
}

func (s *InMemory) UserOverrides(ctx context.Context, userID, siteID string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Grant(nil), s.overrides[overrideKey(userID, siteID)]...), nil
}

func (s *InMemory) ReplaceUserOverrides(ctx context.Context, userID, siteID string, grants []Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey(userID, siteID)] = append([]Grant(nil), grants...)
	return nil
}

func (s *InMemory) Assign(ctx context.Context, a Assignment) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return Assignment{}, ErrNotFound
	}
	for _, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID {
			return Assignment{}, ErrConflict
		}
	}
	a.CreatedAt = time.Now().UTC()
	s.assignments = append(s.assignments, a)
	return a, nil
}

func (s *InMemory) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			s.assignments = append(s.assignments[:i], s.assignments[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemory) Assignments(ctx context.Context, userID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemory) GetUser(ctx context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemory) GetUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *InMemory) GetSite(ctx context.Context, siteID string) (Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return Site{}, ErrNotFound
	}
	return site, nil
}

func (s *InMemory) AppendAudit(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns a copy of the trail; test helper.
func (s *InMemory) AuditEntries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}
