package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"conformeo.io/internal/authz"
)

func TestRoleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")

	resp := api.post("/v1/tenants/t1/roles", map[string]any{"name": "Responsable HSE", "type": "client"}, bearerHeader(token))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	var role authz.Role
	decodeBody(t, resp, &role)
	if role.ID == "" || role.Name != "Responsable HSE" {
		t.Fatalf("unexpected role: %+v", role)
	}

	resp = api.put("/v1/roles/"+role.ID+"/permissions", map[string]any{
		"grants": []map[string]any{
			{"module": "INCIDENTS", "action": "view", "decision": "allow", "scope": "site"},
		},
	}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("replace permissions: expected 204, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/roles/"+role.ID+"/permissions", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get permissions: expected 200, got %d", resp.StatusCode)
	}
	var grantsPayload struct {
		Grants []authz.Grant `json:"grants"`
	}
	decodeBody(t, resp, &grantsPayload)
	if len(grantsPayload.Grants) != 1 || grantsPayload.Grants[0].Module != authz.ModuleIncidents {
		t.Fatalf("unexpected grants: %+v", grantsPayload.Grants)
	}

	resp = api.post("/v1/roles/"+role.ID+"/archive", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d", resp.StatusCode)
	}
	var archived authz.Role
	decodeBody(t, resp, &archived)
	if archived.ArchivedAt == nil {
		t.Fatal("archive did not set archived_at")
	}

	resp = api.post("/v1/roles/"+role.ID+"/restore", nil, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore: expected 200, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/roles/"+role.ID+"/clone", map[string]any{"name": "Responsable HSE (copie)"}, bearerHeader(token))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("clone: expected 201, got %d", resp.StatusCode)
	}
	var clone authz.Role
	decodeBody(t, resp, &clone)
	if clone.ID == role.ID {
		t.Fatal("clone returned source role")
	}

	resp = api.do(http.MethodDelete, "/v1/roles/"+clone.ID, nil, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp = api.get("/v1/roles/"+clone.ID, nil, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", resp.StatusCode)
	}
}

func TestResolveEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")
	ctx := context.Background()

	user := api.store.AddUser(authz.User{TenantID: "t1", Email: "worker@example.com"})
	site := api.store.AddSite(authz.Site{TenantID: "t1", Name: "Nord"})
	if err := api.store.SetSiteModule(ctx, site.ID, authz.ModuleIncidents, true); err != nil {
		t.Fatalf("enable module: %v", err)
	}
	role, err := api.store.CreateRole(ctx, authz.Role{TenantID: "t1", Type: authz.RoleTypeClient, Name: "Ops"})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	err = api.store.ReplaceRolePermissions(ctx, role.ID, []authz.Grant{
		{Module: authz.ModuleIncidents, Action: authz.ActionView, Decision: authz.DecisionAllow, Scope: authz.ScopeSite},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := api.store.Assign(ctx, authz.Assignment{UserID: user.ID, RoleID: role.ID, TenantID: "t1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	params := url.Values{
		"user_id": {user.ID},
		"site_id": {site.ID},
		"module":  {"incidents"},
		"action":  {"view"},
	}
	resp := api.get("/v1/authz/resolve", params, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var verdict map[string]string
	decodeBody(t, resp, &verdict)
	if verdict["decision"] != "allow" {
		t.Fatalf("expected allow, got %q", verdict["decision"])
	}

	// A deny is still a 200; only malformed requests are 4xx.
	params.Set("action", "delete")
	resp = api.get("/v1/authz/resolve", params, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for deny, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &verdict)
	if verdict["decision"] != "deny" {
		t.Fatalf("expected deny, got %q", verdict["decision"])
	}

	params.Set("module", "GHOST")
	resp = api.get("/v1/authz/resolve", params, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown module, got %d", resp.StatusCode)
	}
}

func TestAccessLevelEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")
	ctx := context.Background()

	user := api.store.AddUser(authz.User{TenantID: "t1", Email: "worker@example.com"})
	site := api.store.AddSite(authz.Site{TenantID: "t1", Name: "Nord"})
	if err := api.store.SetSiteModule(ctx, site.ID, authz.ModuleEPI, true); err != nil {
		t.Fatalf("enable module: %v", err)
	}
	role, err := api.store.CreateRole(ctx, authz.Role{TenantID: "t1", Type: authz.RoleTypeClient, Name: "Lecteur"})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	err = api.store.ReplaceRolePermissions(ctx, role.ID, []authz.Grant{
		{Module: authz.ModuleEPI, Action: authz.ActionView, Decision: authz.DecisionAllow, Scope: authz.ScopeSite},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := api.store.Assign(ctx, authz.Assignment{UserID: user.ID, RoleID: role.ID, TenantID: "t1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	params := url.Values{"user_id": {user.ID}, "site_id": {site.ID}, "module": {"EPI"}}
	resp := api.get("/v1/authz/access-level", params, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]string
	decodeBody(t, resp, &payload)
	if payload["level"] != "read" {
		t.Fatalf("expected read, got %q", payload["level"])
	}
}

func TestUserOverridesOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")
	ctx := context.Background()

	user := api.store.AddUser(authz.User{TenantID: "t1", Email: "worker@example.com"})
	site := api.store.AddSite(authz.Site{TenantID: "t1", Name: "Nord"})
	if err := api.store.SetSiteModule(ctx, site.ID, authz.ModuleIncidents, true); err != nil {
		t.Fatalf("enable module: %v", err)
	}

	path := "/v1/users/" + user.ID + "/sites/" + site.ID + "/overrides"
	resp := api.put(path, map[string]any{
		"grants": []map[string]any{
			{"module": "INCIDENTS", "action": "view", "decision": "allow"},
		},
	}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put overrides: expected 204, got %d", resp.StatusCode)
	}

	params := url.Values{
		"user_id": {user.ID},
		"site_id": {site.ID},
		"module":  {"INCIDENTS"},
		"action":  {"view"},
	}
	resp = api.get("/v1/authz/resolve", params, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", resp.StatusCode)
	}
	var verdict map[string]string
	decodeBody(t, resp, &verdict)
	if verdict["decision"] != "allow" {
		t.Fatalf("expected allow from override, got %q", verdict["decision"])
	}
}

func TestSiteModuleToggleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")

	site := api.store.AddSite(authz.Site{TenantID: "t1", Name: "Nord"})
	resp := api.put("/v1/sites/"+site.ID+"/modules/INCIDENTS", map[string]any{"active": true}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/sites/"+site.ID+"/modules", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Modules map[string]bool `json:"modules"`
	}
	decodeBody(t, resp, &payload)
	if !payload.Modules["INCIDENTS"] {
		t.Fatalf("module not enabled: %+v", payload.Modules)
	}
}

func TestTemplatePreviewOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")

	resp := api.post("/v1/templates/preview", map[string]any{
		"template_ids":    []string{"viewer"},
		"enabled_modules": []string{"INCIDENTS"},
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Grants []authz.Grant `json:"grants"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Grants) != 1 || payload.Grants[0].Module != authz.ModuleIncidents {
		t.Fatalf("unexpected preview: %+v", payload.Grants)
	}
}

func TestCreateRoleValidationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")

	resp := api.post("/v1/tenants/t1/roles", map[string]any{"name": ""}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/tenants/t1/roles", map[string]any{"name": "X", "unknown_field": 1}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}

func TestAssignmentsOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("admin-1", "t1")
	ctx := context.Background()

	user := api.store.AddUser(authz.User{TenantID: "t1", Email: "worker@example.com"})
	role, err := api.store.CreateRole(ctx, authz.Role{TenantID: "t1", Type: authz.RoleTypeClient, Name: "Ops"})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	resp := api.post("/v1/users/"+user.ID+"/assignments", map[string]any{"role_id": role.ID}, bearerHeader(token))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign: expected 201, got %d", resp.StatusCode)
	}
	var assignment authz.Assignment
	decodeBody(t, resp, &assignment)
	if assignment.RoleID != role.ID {
		t.Fatalf("unexpected assignment: %+v", assignment)
	}

	resp = api.get("/v1/users/"+user.ID+"/assignments", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	var listPayload struct {
		Assignments []authz.Assignment `json:"assignments"`
	}
	decodeBody(t, resp, &listPayload)
	if len(listPayload.Assignments) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(listPayload.Assignments))
	}

	resp = api.do(http.MethodDelete, "/v1/users/"+user.ID+"/assignments/"+role.ID, nil, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove: expected 204, got %d", resp.StatusCode)
	}
}
