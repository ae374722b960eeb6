package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conformeo.io/internal/obs"
)

// Resolver answers "may user U perform action A on module M at site S?".
// It is a pure read/compute operation over data fetched just before the
// decision; safe to call once per rendered action button.
//
// Precedence, highest to lowest:
//  1. site module gate: disabled module denies, terminal
//  2. user-site override with a non-inherit decision, terminal
//  3. role-derived grants: deny overrides allow across roles;
//     site > tenant > global within one role
//  4. default deny
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver.
func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	return &Resolver{store: store}, nil
}

// Resolve computes the verdict for one (user, site, module, action) tuple.
//
// A user or site with no grants anywhere is the normal deny path, not an
// error. Unknown module or action codes return ErrInvalidInput so callers
// can tell "not permitted" from "malformed request". Storage failures
// return the error together with a deny verdict: resolution never fails
// open.
func (r *Resolver) Resolve(ctx context.Context, userID, siteID, moduleCode, actionCode string) (Decision, error) {
	start := time.Now()
	verdict, err := r.resolve(ctx, userID, siteID, moduleCode, actionCode)
	obs.ObserveDecision(string(verdict), err, time.Since(start))
	return verdict, err
}

func (r *Resolver) resolve(ctx context.Context, userID, siteID, moduleCode, actionCode string) (Decision, error) {
	if userID == "" || siteID == "" {
		return DecisionDeny, fmt.Errorf("%w: user_id and site_id are required", ErrInvalidInput)
	}
	moduleCode = NormalizeModuleCode(moduleCode)
	actionCode = NormalizeActionCode(actionCode)

	catalog, err := r.loadCatalog(ctx)
	if err != nil {
		return DecisionDeny, err
	}
	if err := catalog.ValidateKey(moduleCode, actionCode); err != nil {
		return DecisionDeny, err
	}

	// Site module gate: a module that is not enabled at the site denies
	// regardless of any grant configuration.
	enabled, err := r.store.SiteModules(ctx, siteID)
	if err != nil {
		return DecisionDeny, err
	}
	if !enabled[moduleCode] {
		return DecisionDeny, nil
	}

	// Direct user-site override beats every role-derived grant.
	overrides, err := r.store.UserOverrides(ctx, userID, siteID)
	if err != nil {
		return DecisionDeny, err
	}
	for _, g := range overrides {
		if g.Module == moduleCode && g.Action == actionCode && g.Decision != DecisionInherit {
			return g.Decision, nil
		}
	}

	assignments, err := r.store.Assignments(ctx, userID)
	if err != nil {
		return DecisionDeny, err
	}

	allowed := false
	for _, a := range assignments {
		if !a.AppliesTo(siteID) {
			continue
		}
		role, err := r.store.GetRole(ctx, a.RoleID)
		if errors.Is(err, ErrNotFound) {
			// Dangling assignment; contributes nothing.
			continue
		}
		if err != nil {
			return DecisionDeny, err
		}
		if !role.Active() {
			continue
		}
		grants, err := r.store.RolePermissions(ctx, a.RoleID)
		if err != nil {
			return DecisionDeny, err
		}
		decision, ok := effectiveDecision(grants, moduleCode, actionCode)
		if !ok {
			continue
		}
		if decision == DecisionDeny {
			// Conservative merge across roles: one deny outweighs any allow.
			return DecisionDeny, nil
		}
		allowed = true
	}
	if allowed {
		return DecisionAllow, nil
	}
	return DecisionDeny, nil
}

// AccessLevel collapses the granular grants for a module into the coarse
// none/read/full projection. Recomputed from the granular grants every
// time; never persisted.
func (r *Resolver) AccessLevel(ctx context.Context, userID, siteID, moduleCode string) (AccessLevel, error) {
	view, err := r.Resolve(ctx, userID, siteID, moduleCode, ActionView)
	if err != nil {
		return AccessNone, err
	}
	if view != DecisionAllow {
		return AccessNone, nil
	}
	for _, action := range []string{ActionCreate, ActionEdit, ActionDelete} {
		d, err := r.Resolve(ctx, userID, siteID, moduleCode, action)
		if err != nil {
			return AccessNone, err
		}
		if d == DecisionAllow {
			return AccessFull, nil
		}
	}
	return AccessRead, nil
}

func (r *Resolver) loadCatalog(ctx context.Context) (*Catalog, error) {
	modules, err := r.store.Modules(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := r.store.Actions(ctx)
	if err != nil {
		return nil, err
	}
	return NewCatalog(modules, actions), nil
}

// effectiveDecision picks a single role's verdict for (module, action):
// the most specific scope wins; inherit rows are transparent. Two grants at
// the same specificity should not happen under the upsert invariant, but if
// they do the deny is kept.
func effectiveDecision(grants []Grant, moduleCode, actionCode string) (Decision, bool) {
	var best Grant
	found := false
	for _, g := range grants {
		if g.Module != moduleCode || g.Action != actionCode || g.Decision == DecisionInherit {
			continue
		}
		switch {
		case !found:
			best, found = g, true
		case g.Scope.specificity() > best.Scope.specificity():
			best = g
		case g.Scope.specificity() == best.Scope.specificity() && g.Decision == DecisionDeny:
			best = g
		}
	}
	if !found {
		return "", false
	}
	return best.Decision, true
}
