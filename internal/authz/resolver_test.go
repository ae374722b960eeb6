package authz

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type resolverFixture struct {
	store    *InMemory
	resolver *Resolver
	user     User
	site     Site
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	store := NewInMemory()
	resolver, err := NewResolver(store)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	user := store.AddUser(User{TenantID: "t1", Email: "worker@example.com"})
	site := store.AddSite(Site{TenantID: "t1", Name: "Usine Nord"})
	return &resolverFixture{store: store, resolver: resolver, user: user, site: site}
}

func (f *resolverFixture) enable(t *testing.T, moduleCode string) {
	t.Helper()
	if err := f.store.SetSiteModule(context.Background(), f.site.ID, moduleCode, true); err != nil {
		t.Fatalf("enable module: %v", err)
	}
}

func (f *resolverFixture) addRole(t *testing.T, grants []Grant, siteScope ...string) Role {
	t.Helper()
	role, err := f.store.CreateRole(context.Background(), Role{TenantID: "t1", Type: RoleTypeClient, Name: nextRoleName()})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := f.store.ReplaceRolePermissions(context.Background(), role.ID, grants); err != nil {
		t.Fatalf("replace grants: %v", err)
	}
	if _, err := f.store.Assign(context.Background(), Assignment{UserID: f.user.ID, RoleID: role.ID, TenantID: "t1", SiteScope: siteScope}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	return role
}

var roleSeq int

func nextRoleName() string {
	roleSeq++
	return fmt.Sprintf("role-%d", roleSeq)
}

func (f *resolverFixture) resolve(t *testing.T, module, action string) Decision {
	t.Helper()
	d, err := f.resolver.Resolve(context.Background(), f.user.ID, f.site.ID, module, action)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return d
}

func TestResolveDisabledModuleDenies(t *testing.T) {
	f := newResolverFixture(t)
	f.addRole(t, []Grant{{Module: ModuleIncidents, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite}})

	if d := f.resolve(t, ModuleIncidents, ActionView); d != DecisionDeny {
		t.Fatalf("expected deny for disabled module, got %s", d)
	}
}

func TestResolveRoleGrantAllows(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleIncidents)
	f.addRole(t, []Grant{{Module: ModuleIncidents, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite}})

	if d := f.resolve(t, ModuleIncidents, ActionView); d != DecisionAllow {
		t.Fatalf("expected allow, got %s", d)
	}
}

func TestResolveDefaultDeny(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleEPI)

	if d := f.resolve(t, ModuleEPI, ActionView); d != DecisionDeny {
		t.Fatalf("expected default deny, got %s", d)
	}
}

func TestResolveOverrideBeatsRoleGrant(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleIncidents)
	f.addRole(t, []Grant{{Module: ModuleIncidents, Action: ActionEdit, Decision: DecisionAllow, Scope: ScopeSite}})

	err := f.store.ReplaceUserOverrides(context.Background(), f.user.ID, f.site.ID, []Grant{
		{Module: ModuleIncidents, Action: ActionEdit, Decision: DecisionDeny, Scope: ScopeSite},
	})
	if err != nil {
		t.Fatalf("replace overrides: %v", err)
	}

	if d := f.resolve(t, ModuleIncidents, ActionEdit); d != DecisionDeny {
		t.Fatalf("expected override deny, got %s", d)
	}
}

func TestResolveOverrideAllowBeatsRoleDeny(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleIncidents)
	f.addRole(t, []Grant{{Module: ModuleIncidents, Action: ActionDelete, Decision: DecisionDeny, Scope: ScopeSite}})

	err := f.store.ReplaceUserOverrides(context.Background(), f.user.ID, f.site.ID, []Grant{
		{Module: ModuleIncidents, Action: ActionDelete, Decision: DecisionAllow, Scope: ScopeSite},
	})
	if err != nil {
		t.Fatalf("replace overrides: %v", err)
	}

	if d := f.resolve(t, ModuleIncidents, ActionDelete); d != DecisionAllow {
		t.Fatalf("expected override allow, got %s", d)
	}
}

func TestResolveInheritOverrideFallsThrough(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleIncidents)
	f.addRole(t, []Grant{{Module: ModuleIncidents, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite}})

	err := f.store.ReplaceUserOverrides(context.Background(), f.user.ID, f.site.ID, []Grant{
		{Module: ModuleIncidents, Action: ActionView, Decision: DecisionInherit, Scope: ScopeSite},
	})
	if err != nil {
		t.Fatalf("replace overrides: %v", err)
	}

	if d := f.resolve(t, ModuleIncidents, ActionView); d != DecisionAllow {
		t.Fatalf("expected fall-through to role allow, got %s", d)
	}
}

func TestResolveDenyWinsAcrossRoles(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleControles)
	f.addRole(t, []Grant{{Module: ModuleControles, Action: ActionExport, Decision: DecisionAllow, Scope: ScopeSite}})
	f.addRole(t, []Grant{{Module: ModuleControles, Action: ActionExport, Decision: DecisionDeny, Scope: ScopeSite}})

	if d := f.resolve(t, ModuleControles, ActionExport); d != DecisionDeny {
		t.Fatalf("expected deny to win across roles, got %s", d)
	}
}

func TestResolveScopeSpecificityWithinRole(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleFormations)
	f.addRole(t, []Grant{
		{Module: ModuleFormations, Action: ActionEdit, Decision: DecisionDeny, Scope: ScopeTenant},
		{Module: ModuleFormations, Action: ActionEdit, Decision: DecisionAllow, Scope: ScopeSite},
	})

	if d := f.resolve(t, ModuleFormations, ActionEdit); d != DecisionAllow {
		t.Fatalf("expected site grant to beat tenant grant, got %s", d)
	}
}

func TestResolveTenantBeatsGlobalWithinRole(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleFormations)
	f.addRole(t, []Grant{
		{Module: ModuleFormations, Action: ActionEdit, Decision: DecisionAllow, Scope: ScopeGlobal},
		{Module: ModuleFormations, Action: ActionEdit, Decision: DecisionDeny, Scope: ScopeTenant},
	})

	if d := f.resolve(t, ModuleFormations, ActionEdit); d != DecisionDeny {
		t.Fatalf("expected tenant grant to beat global grant, got %s", d)
	}
}

func TestResolveSiteScopePinsAssignment(t *testing.T) {
	f := newResolverFixture(t)
	other := f.store.AddSite(Site{TenantID: "t1", Name: "Usine Sud"})
	f.enable(t, ModuleIncidents)
	if err := f.store.SetSiteModule(context.Background(), other.ID, ModuleIncidents, true); err != nil {
		t.Fatalf("enable module: %v", err)
	}
	f.addRole(t, []Grant{{Module: ModuleIncidents, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite}}, f.site.ID)

	if d := f.resolve(t, ModuleIncidents, ActionView); d != DecisionAllow {
		t.Fatalf("expected allow at pinned site, got %s", d)
	}
	d, err := f.resolver.Resolve(context.Background(), f.user.ID, other.ID, ModuleIncidents, ActionView)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d != DecisionDeny {
		t.Fatalf("expected deny outside the scope allow-list, got %s", d)
	}
}

func TestResolveArchivedRoleContributesNothing(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleEPI)
	role := f.addRole(t, []Grant{{Module: ModuleEPI, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite}})
	if _, err := f.store.ArchiveRole(context.Background(), role.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if d := f.resolve(t, ModuleEPI, ActionView); d != DecisionDeny {
		t.Fatalf("expected deny from archived role, got %s", d)
	}
}

func TestResolveUnknownKeyIsInvalidInput(t *testing.T) {
	f := newResolverFixture(t)

	_, err := f.resolver.Resolve(context.Background(), f.user.ID, f.site.ID, "NOPE", ActionView)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown module, got %v", err)
	}
	_, err = f.resolver.Resolve(context.Background(), f.user.ID, f.site.ID, ModuleIncidents, "frobnicate")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown action, got %v", err)
	}
}

func TestResolveMissingIdentifiers(t *testing.T) {
	f := newResolverFixture(t)

	d, err := f.resolver.Resolve(context.Background(), "", f.site.ID, ModuleIncidents, ActionView)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if d != DecisionDeny {
		t.Fatalf("expected deny verdict alongside the error, got %s", d)
	}
}

type failingStore struct {
	*InMemory
	err error
}

func (s *failingStore) SiteModules(ctx context.Context, siteID string) (map[string]bool, error) {
	return nil, s.err
}

func TestResolveStorageFailureFailsClosed(t *testing.T) {
	f := newResolverFixture(t)
	boom := errors.New("connection reset")
	resolver, err := NewResolver(&failingStore{InMemory: f.store, err: boom})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	d, err := resolver.Resolve(context.Background(), f.user.ID, f.site.ID, ModuleIncidents, ActionView)
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error surfaced, got %v", err)
	}
	if d != DecisionDeny {
		t.Fatalf("expected deny on storage failure, got %s", d)
	}
}

func TestAccessLevelProjection(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleIncidents)
	f.enable(t, ModuleEPI)
	f.enable(t, ModuleVeille)
	f.addRole(t, []Grant{
		{Module: ModuleIncidents, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite},
		{Module: ModuleIncidents, Action: ActionEdit, Decision: DecisionAllow, Scope: ScopeSite},
		{Module: ModuleEPI, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite},
	})

	cases := []struct {
		module string
		want   AccessLevel
	}{
		{ModuleIncidents, AccessFull},
		{ModuleEPI, AccessRead},
		{ModuleVeille, AccessNone},
	}
	for _, tc := range cases {
		got, err := f.resolver.AccessLevel(context.Background(), f.user.ID, f.site.ID, tc.module)
		if err != nil {
			t.Fatalf("access level %s: %v", tc.module, err)
		}
		if got != tc.want {
			t.Fatalf("module %s: expected %s, got %s", tc.module, tc.want, got)
		}
	}
}

func TestAccessLevelViewDenyMasksWrites(t *testing.T) {
	f := newResolverFixture(t)
	f.enable(t, ModuleControles)
	f.addRole(t, []Grant{
		{Module: ModuleControles, Action: ActionView, Decision: DecisionDeny, Scope: ScopeSite},
		{Module: ModuleControles, Action: ActionEdit, Decision: DecisionAllow, Scope: ScopeSite},
	})

	got, err := f.resolver.AccessLevel(context.Background(), f.user.ID, f.site.ID, ModuleControles)
	if err != nil {
		t.Fatalf("access level: %v", err)
	}
	if got != AccessNone {
		t.Fatalf("expected none when view is denied, got %s", got)
	}
}
