package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"conformeo.io/internal/auth"
	"conformeo.io/internal/authz"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *authz.InMemory
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("CONFORMEO_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	store := authz.NewInMemory()
	api, err := New(ReadyProbe{}, "test", store)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

// obtainToken issues a bearer token directly, bypassing the login endpoint.
func (c *apiClient) obtainToken(userID, tenantID string) string {
	c.t.Helper()
	token, err := auth.GenerateToken(userID, tenantID, time.Minute)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return token
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) put(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPut, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]any
	decodeBody(t, resp, &payload)
	if payload["service"] != "conformeo-authz" {
		t.Fatalf("unexpected service name: %v", payload["service"])
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/modules", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthTokenFlow(t *testing.T) {
	api := newTestAPI(t)
	hash, err := auth.HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	api.store.AddUser(authz.User{TenantID: "t1", Email: "hse@example.com", PasswordHash: hash})

	resp := api.post("/v1/auth/token", map[string]any{"email": "HSE@example.com", "password": "s3cret-pass"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &payload)
	if payload.Token == "" {
		t.Fatal("empty token")
	}

	authed := api.get("/v1/modules", nil, bearerHeader(payload.Token))
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("token rejected: %d", authed.StatusCode)
	}
}

func TestAuthTokenBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	hash, err := auth.HashPassword("correct")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	api.store.AddUser(authz.User{TenantID: "t1", Email: "hse@example.com", PasswordHash: hash})

	cases := []map[string]any{
		{"email": "hse@example.com", "password": "wrong"},
		{"email": "ghost@example.com", "password": "correct"},
	}
	for _, body := range cases {
		resp := api.post("/v1/auth/token", body, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %v, got %d", body, resp.StatusCode)
		}
	}
}

func TestAuthTokenDisabledUser(t *testing.T) {
	api := newTestAPI(t)
	hash, err := auth.HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	api.store.AddUser(authz.User{TenantID: "t1", Email: "off@example.com", PasswordHash: hash, Status: authz.UserStatusDisabled})

	resp := api.post("/v1/auth/token", map[string]any{"email": "off@example.com", "password": "s3cret-pass"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for disabled user, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/nope", nil, bearerHeader(api.obtainToken("u1", "t1")))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
