package routes

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/analytics"
	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/caddy"
	"github.com/edgeward/edgeward/internal/certs"
	"github.com/edgeward/edgeward/internal/config"
	"github.com/edgeward/edgeward/internal/database"
	"github.com/edgeward/edgeward/internal/events"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/jail"
	"github.com/edgeward/edgeward/internal/metrics"
	"github.com/edgeward/edgeward/internal/reputation"
	"github.com/edgeward/edgeward/internal/store"
)

func setupRouter(t *testing.T, secret string) (*gin.Engine, Deps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(admin.Close)

	db, err := database.Connect("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.Config{
		Caddy: config.CaddyConfig{
			AdminAPI:    admin.URL,
			ConfigPath:  filepath.Join(dir, "caddy.json"),
			SnapshotDir: filepath.Join(dir, "snapshots"),
		},
		Auth: config.AuthConfig{JWTSecret: secret},
	}

	st := store.New(db)
	table := geo.NewTable(db)
	tracker := reputation.NewTracker(db, reputation.Config{})
	mgr := caddy.NewManager(caddy.NewClient(admin.URL), caddy.NewRenderer("", "127.0.0.1:8080", admin.URL), db, st, cfg.Caddy, nil)
	enforcer := jail.NewEnforcer(st, tracker, events.NopPublisher{}, nil, mgr, table)
	challenges := certs.NewChallengeStore()
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	deps := Deps{
		Store:      st,
		Tracker:    tracker,
		Enforcer:   enforcer,
		Geo:        table,
		Caddy:      mgr,
		Certs:      certs.NewManager(st, nil, challenges, nil, mgr, mgr, nil, certs.Options{CertDir: dir}),
		Challenges: challenges,
		Analytics:  analytics.New(db, table, enforcer, st, analytics.Options{}),
		Registry:   registry,
	}
	router := gin.New()
	Register(router, deps, cfg)
	return router, deps
}

func serve(r *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegister_PublicRoutes(t *testing.T) {
	r, deps := setupRouter(t, "route-secret")

	w := serve(r, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"edge_proxy":"ok"`)

	assert.Equal(t, http.StatusOK, serve(r, "/api/v1/health", "").Code)

	w = serve(r, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "edgeward_hits_ingested_total")

	deps.Challenges.Put("tok123", "tok123.thumbprint")
	w = serve(r, "/.well-known/acme-challenge/tok123", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok123.thumbprint", w.Body.String())
	assert.Equal(t, http.StatusNotFound, serve(r, "/.well-known/acme-challenge/other", "").Code)
}

func TestRegister_ProtectedRoutesNeedToken(t *testing.T) {
	r, _ := setupRouter(t, "route-secret")

	for _, path := range []string{
		"/api/v1/proxy-hosts",
		"/api/v1/firewall/rules",
		"/api/v1/reputations",
		"/api/v1/config/status",
	} {
		assert.Equal(t, http.StatusUnauthorized, serve(r, path, "").Code, path)
	}

	token, err := middleware.IssueToken("route-secret", "ops", time.Hour, time.Now())
	require.NoError(t, err)
	w := serve(r, "/api/v1/proxy-hosts", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)
}

func TestRegister_OpenWithoutSecret(t *testing.T) {
	r, _ := setupRouter(t, "")
	assert.Equal(t, http.StatusOK, serve(r, "/api/v1/dns-configs", "").Code)
	assert.Equal(t, http.StatusOK, serve(r, "/api/v1/config/preview", "").Code)
}
