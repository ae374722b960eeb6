package authz

import (
	"fmt"
	"sort"
	"strings"
)

// Template is a named archetype used to bootstrap a role quickly. Templates
// are static reference data: applying one never mutates it.
type Template struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Grants      []Grant `json:"grants"`
}

func allActionsAllow(moduleCode string, scope Scope) []Grant {
	grants := make([]Grant, 0, len(BuiltinActions))
	for _, a := range BuiltinActions {
		grants = append(grants, Grant{Module: moduleCode, Action: a.Code, Decision: DecisionAllow, Scope: scope})
	}
	return grants
}

func viewAllow(moduleCodes []string, scope Scope) []Grant {
	grants := make([]Grant, 0, len(moduleCodes))
	for _, m := range moduleCodes {
		grants = append(grants, Grant{Module: m, Action: ActionView, Decision: DecisionAllow, Scope: scope})
	}
	return grants
}

var builtinTemplates = func() map[string]Template {
	allModules := make([]string, 0, len(BuiltinModules))
	for _, m := range BuiltinModules {
		allModules = append(allModules, m.Code)
	}

	var adminGrants []Grant
	for _, m := range allModules {
		adminGrants = append(adminGrants, allActionsAllow(m, ScopeTenant)...)
	}

	safetyGrants := []Grant{}
	for _, m := range []string{ModuleIncidents, ModuleEPI, ModuleControles} {
		for _, a := range []string{ActionView, ActionCreate, ActionEdit, ActionExport, ActionUploadProof} {
			safetyGrants = append(safetyGrants, Grant{Module: m, Action: a, Decision: DecisionAllow, Scope: ScopeSite})
		}
	}
	safetyGrants = append(safetyGrants,
		Grant{Module: ModuleFormations, Action: ActionView, Decision: DecisionAllow, Scope: ScopeSite},
		Grant{Module: ModuleFormations, Action: ActionAssign, Decision: DecisionAllow, Scope: ScopeSite},
	)

	auditorGrants := []Grant{}
	for _, m := range allModules {
		auditorGrants = append(auditorGrants,
			Grant{Module: m, Action: ActionView, Decision: DecisionAllow, Scope: ScopeTenant},
			Grant{Module: m, Action: ActionExport, Decision: DecisionAllow, Scope: ScopeTenant},
			Grant{Module: m, Action: ActionDelete, Decision: DecisionDeny, Scope: ScopeTenant},
		)
	}

	templates := []Template{
		{
			ID:          "administrator",
			Name:        "Administrator",
			Description: "Full control over every module",
			Grants:      adminGrants,
		},
		{
			ID:          "safety-officer",
			Name:        "Safety Officer",
			Description: "Operational access to incidents, EPI and controls",
			Grants:      safetyGrants,
		},
		{
			ID:          "viewer",
			Name:        "Viewer",
			Description: "Read-only access to every module",
			Grants:      viewAllow(allModules, ScopeSite),
		},
		{
			ID:          "auditor",
			Name:        "Auditor",
			Description: "Tenant-wide read and export, destructive actions denied",
			Grants:      auditorGrants,
		},
	}

	byID := make(map[string]Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return byID
}()

// Templates returns the archetype catalog ordered by id.
func Templates() []Template {
	out := make([]Template, 0, len(builtinTemplates))
	for _, t := range builtinTemplates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyTemplate returns the template's grants filtered to modules present in
// enabledModuleCodes. Module codes match case-insensitively; grants for
// absent modules are silently dropped, never errored.
func ApplyTemplate(templateID string, enabledModuleCodes []string) ([]Grant, error) {
	tpl, ok := builtinTemplates[strings.ToLower(strings.TrimSpace(templateID))]
	if !ok {
		return nil, fmt.Errorf("%w: template %q", ErrNotFound, templateID)
	}
	return filterGrantsByModules(tpl.Grants, enabledModuleCodes), nil
}

// MergeTemplates combines the named templates into one grant set. For the
// same (module, action) key an allow from any contributing template wins
// over a deny from another: templates are a convenience starting point, so
// the merge is union-favoring-allow. This is the opposite of the deny-wins
// rule the resolver applies across roles held by one user.
func MergeTemplates(templateIDs []string) ([]Grant, error) {
	merged := make(map[GrantKey]Grant)
	for _, id := range templateIDs {
		tpl, ok := builtinTemplates[strings.ToLower(strings.TrimSpace(id))]
		if !ok {
			return nil, fmt.Errorf("%w: template %q", ErrNotFound, id)
		}
		for _, g := range tpl.Grants {
			key := g.Key()
			existing, seen := merged[key]
			if !seen {
				merged[key] = g
				continue
			}
			if existing.Decision != DecisionAllow && g.Decision == DecisionAllow {
				merged[key] = g
			}
		}
	}
	return sortedGrants(merged), nil
}

func filterGrantsByModules(grants []Grant, enabledModuleCodes []string) []Grant {
	enabled := make(map[string]struct{}, len(enabledModuleCodes))
	for _, code := range enabledModuleCodes {
		enabled[NormalizeModuleCode(code)] = struct{}{}
	}
	var out []Grant
	for _, g := range grants {
		if _, ok := enabled[NormalizeModuleCode(g.Module)]; ok {
			out = append(out, g)
		}
	}
	return out
}

func sortedGrants(byKey map[GrantKey]Grant) []Grant {
	out := make([]Grant, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Action < out[j].Action
	})
	return out
}
