package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"conformeo.io/internal/audit"
	"conformeo.io/internal/authz"
	"conformeo.io/internal/obs"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type cloneRoleRequest struct {
	Name string `json:"name"`
}

type replaceGrantsRequest struct {
	Grants []authz.Grant `json:"grants"`
}

type assignRoleRequest struct {
	RoleID    string   `json:"role_id"`
	SiteScope []string `json:"site_scope"`
}

type templatePreviewRequest struct {
	TemplateIDs    []string `json:"template_ids"`
	EnabledModules []string `json:"enabled_modules"`
}

type createModuleRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type setSiteModuleRequest struct {
	Active bool `json:"active"`
}

// handleResolve answers the single authorization question. A deny is a
// normal 200 response; only malformed requests and infrastructure failures
// are errors. On a storage failure the caller-facing verdict stays deny
// (503 here, which clients must treat as deny) while the error is logged
// for operators.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	decision, err := a.resolver.Resolve(r.Context(), q.Get("user_id"), q.Get("site_id"), q.Get("module"), q.Get("action"))
	if err != nil {
		if errors.Is(err, authz.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "authorization resolution failed",
			"error": err.Error(),
		})
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision": decision})
}

func (a *API) handleAccessLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	level, err := a.resolver.AccessLevel(r.Context(), q.Get("user_id"), q.Get("site_id"), q.Get("module"))
	if err != nil {
		if errors.Is(err, authz.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "access level computation failed",
			"error": err.Error(),
		})
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"level": level})
}

func (a *API) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/tenants/")
	if len(parts) != 2 || parts[1] != "roles" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	tenantID := parts[0]
	switch r.Method {
	case http.MethodGet:
		roles, err := a.svc.ListRoles(r.Context(), tenantID)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		typ := authz.RoleType(strings.TrimSpace(req.Type))
		if typ == "" {
			typ = authz.RoleTypeClient
		}
		role, err := a.svc.CreateRole(r.Context(), tenantID, typ, req.Name, req.Description)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.role.create", map[string]any{"role_id": role.ID, "name": role.Name})
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/roles/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	roleID := parts[0]

	if len(parts) == 1 {
		a.handleRole(w, r, roleID)
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch parts[1] {
	case "permissions":
		a.handleRolePermissions(w, r, roleID)
	case "archive":
		a.handleRoleTransition(w, r, roleID, a.svc.ArchiveRole, "authz.role.archive")
	case "restore":
		a.handleRoleTransition(w, r, roleID, a.svc.RestoreRole, "authz.role.restore")
	case "clone":
		a.handleRoleClone(w, r, roleID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		role, err := a.svc.GetRole(r.Context(), roleID)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.svc.UpdateRole(r.Context(), roleID, authz.RoleUpdate{Name: req.Name, Description: req.Description})
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.role.update", map[string]any{"role_id": role.ID})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := a.svc.DeleteRole(r.Context(), roleID); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.role.delete", map[string]any{"role_id": roleID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRoleTransition(w http.ResponseWriter, r *http.Request, roleID string, transition func(context.Context, string) (authz.Role, error), event string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	role, err := transition(r.Context(), roleID)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.auditEvent(r, event, map[string]any{"role_id": role.ID})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleRoleClone(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req cloneRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	clone, err := a.svc.CloneRole(r.Context(), roleID, req.Name)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.auditEvent(r, "authz.role.clone", map[string]any{"source_role_id": roleID, "role_id": clone.ID})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", clone.ID))
	writeJSON(w, http.StatusCreated, clone)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		grants, err := a.svc.RolePermissions(r.Context(), roleID)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
	case http.MethodPut:
		var req replaceGrantsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.ReplaceRolePermissions(r.Context(), roleID, req.Grants); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.role.permissions.replace", map[string]any{"role_id": roleID, "count": len(req.Grants)})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/users/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "assignments":
		a.handleAssignments(w, r, userID)
	case len(parts) == 3 && parts[1] == "assignments":
		a.handleAssignmentRemove(w, r, userID, parts[2])
	case len(parts) == 4 && parts[1] == "sites" && parts[3] == "overrides":
		a.handleUserOverrides(w, r, userID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		assignments, err := a.svc.Assignments(r.Context(), userID)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
	case http.MethodPost:
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		assignment, err := a.svc.Assign(r.Context(), userID, req.RoleID, req.SiteScope)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.user.assign_role", map[string]any{"user_id": userID, "role_id": assignment.RoleID})
		writeJSON(w, http.StatusCreated, assignment)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAssignmentRemove(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.svc.RemoveAssignment(r.Context(), userID, roleID); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.auditEvent(r, "authz.user.remove_role", map[string]any{"user_id": userID, "role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserOverrides(w http.ResponseWriter, r *http.Request, userID, siteID string) {
	switch r.Method {
	case http.MethodGet:
		grants, err := a.svc.UserOverrides(r.Context(), userID, siteID)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
	case http.MethodPut:
		var req replaceGrantsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.ReplaceUserOverrides(r.Context(), userID, siteID, req.Grants); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.user.overrides.replace", map[string]any{"user_id": userID, "site_id": siteID, "count": len(req.Grants)})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleSiteResource(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/sites/")
	switch {
	case len(parts) == 2 && parts[1] == "modules":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		enabled, err := a.store.SiteModules(r.Context(), parts[0])
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": enabled})
	case len(parts) == 3 && parts[1] == "modules":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req setSiteModuleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.SetSiteModule(r.Context(), parts[0], parts[2], req.Active); err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.site.module.set", map[string]any{"site_id": parts[0], "module": parts[2], "active": req.Active})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": authz.Templates()})
}

func (a *API) handleTemplatePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req templatePreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grants, err := a.svc.PreviewTemplates(req.TemplateIDs, req.EnabledModules)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (a *API) handleModules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		modules, err := a.svc.Modules(r.Context())
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
	case http.MethodPost:
		var req createModuleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		mod, err := a.svc.CreateModule(r.Context(), req.Code, req.Name)
		if err != nil {
			handleAuthzError(w, r, err)
			return
		}
		a.auditEvent(r, "authz.module.create", map[string]any{"module": mod.Code})
		writeJSON(w, http.StatusCreated, mod)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) auditEvent(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
