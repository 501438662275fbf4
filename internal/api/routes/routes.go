package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeward/edgeward/internal/analytics"
	"github.com/edgeward/edgeward/internal/api/handlers"
	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/caddy"
	"github.com/edgeward/edgeward/internal/certs"
	"github.com/edgeward/edgeward/internal/config"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/jail"
	"github.com/edgeward/edgeward/internal/reputation"
	"github.com/edgeward/edgeward/internal/store"
)

// Deps are the components the API exposes.
type Deps struct {
	Store      *store.Store
	Tracker    *reputation.Tracker
	Enforcer   *jail.Enforcer
	Geo        *geo.Table
	Caddy      *caddy.Manager
	Certs      *certs.Manager
	Challenges *certs.ChallengeStore
	Analytics  *analytics.Aggregator
	Registry   *prometheus.Registry
}

// Register wires the public and authenticated routes onto router.
func Register(router *gin.Engine, deps Deps, cfg config.Config) {
	router.GET("/.well-known/acme-challenge/*token", deps.Challenges.Handler())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	health := handlers.HealthHandler(deps.Caddy)
	router.GET("/health", health)

	api := router.Group("/api/v1")
	api.GET("/health", health)

	protected := api.Group("/")
	protected.Use(middleware.Auth(cfg.Auth.JWTSecret))

	handlers.NewProxyHostHandler(deps.Store, deps.Caddy, deps.Analytics, deps.Certs).RegisterRoutes(protected)
	handlers.NewFirewallHandler(deps.Store, deps.Enforcer).RegisterRoutes(protected)
	handlers.NewDNSConfigHandler(deps.Store).RegisterRoutes(protected)
	handlers.NewCustomPageHandler(deps.Store, deps.Caddy).RegisterRoutes(protected)
	handlers.NewCertificateHandler(deps.Store, deps.Certs).RegisterRoutes(protected)
	handlers.NewAnalyticsHandler(deps.Analytics, func() string {
		return deps.Store.Now().UTC().Format(analytics.DateLayout)
	}).RegisterRoutes(protected)
	handlers.NewReputationHandler(deps.Tracker).RegisterRoutes(protected)
	handlers.NewGeoHandler(deps.Geo).RegisterRoutes(protected)
	handlers.NewConfigHandler(deps.Caddy).RegisterRoutes(protected)
}

