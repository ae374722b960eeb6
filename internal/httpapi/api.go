package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"conformeo.io/internal/authz"
	"conformeo.io/internal/obs"
)

// ReadyProbe reports whether the service can take traffic (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authorization core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	svc      *authz.Service
	resolver *authz.Resolver
	store    authz.Store

	rateBurst  int
	ratePerSec int
}

// New wires routes over the given store.
func New(rp ReadyProbe, version string, store authz.Store) (*API, error) {
	svc, err := authz.NewService(store)
	if err != nil {
		return nil, err
	}
	resolver, err := authz.NewResolver(store)
	if err != nil {
		return nil, err
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		resolver:   resolver,
		store:      store,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/authz/resolve", a.handleResolve)
	a.mux.HandleFunc("/v1/authz/access-level", a.handleAccessLevel)

	a.mux.HandleFunc("/v1/tenants/", a.handleTenantScoped)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/sites/", a.handleSiteResource)

	a.mux.HandleFunc("/v1/templates", a.handleTemplates)
	a.mux.HandleFunc("/v1/templates/preview", a.handleTemplatePreview)

	a.mux.HandleFunc("/v1/modules", a.handleModules)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a, nil
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = obs.Instrument(h)
	h = Logging(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}
