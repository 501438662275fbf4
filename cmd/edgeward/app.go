package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/analytics"
	"github.com/edgeward/edgeward/internal/api/routes"
	"github.com/edgeward/edgeward/internal/caddy"
	"github.com/edgeward/edgeward/internal/certs"
	"github.com/edgeward/edgeward/internal/config"
	"github.com/edgeward/edgeward/internal/database"
	"github.com/edgeward/edgeward/internal/events"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/jail"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/metrics"
	"github.com/edgeward/edgeward/internal/notify"
	"github.com/edgeward/edgeward/internal/reputation"
	"github.com/edgeward/edgeward/internal/store"
)

// app holds the wired control plane.
type app struct {
	cfg       config.Config
	db        *gorm.DB
	store     *store.Store
	geo       *geo.Table
	tracker   *reputation.Tracker
	caddy     *caddy.Manager
	enforcer  *jail.Enforcer
	certs     *certs.Manager
	analytics *analytics.Aggregator
	notifier  *notify.Notifier
	publisher events.Publisher

	challenges *certs.ChallengeStore
	registry   *prometheus.Registry
}

// openApp connects the database and builds every component. The redis publisher is
// only dialed when withEvents is set.
func openApp(ctx context.Context, cfg config.Config, withEvents bool) (*app, error) {
	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	a := &app{
		cfg:        cfg,
		db:         db,
		store:      store.New(db),
		geo:        geo.NewTable(db),
		notifier:   notify.New(cfg.Notify.URLs),
		publisher:  events.NopPublisher{},
		challenges: certs.NewChallengeStore(),
		registry:   prometheus.NewRegistry(),
	}

	if err := a.geo.OpenMMDB(cfg.Geo.CountryDBPath, cfg.Geo.ASNDBPath); err != nil {
		return nil, err
	}
	if err := a.geo.Load(ctx); err != nil {
		return nil, fmt.Errorf("load geo ranges: %w", err)
	}

	if withEvents && cfg.Redis.Addr != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		if err != nil {
			return nil, err
		}
		a.publisher = pub
		logger.Log().WithField("addr", cfg.Redis.Addr).Info("publishing firewall events to redis")
	}

	a.tracker = reputation.NewTracker(db, reputation.Config{
		BaseDuration: cfg.Jail.BaseDuration,
		MaxDuration:  cfg.Jail.MaxDuration,
		MaxReasons:   cfg.Jail.MaxReasons,
	})
	a.caddy = caddy.NewManager(
		caddy.NewClient(cfg.Caddy.AdminAPI),
		caddy.NewRenderer(cfg.Caddy.AccessLogPath, cfg.Caddy.ChallengeUpstream, cfg.Caddy.AdminAPI),
		db, a.store, cfg.Caddy, a.notifier,
	)
	a.enforcer = jail.NewEnforcer(a.store, a.tracker, a.publisher, a.notifier, a.caddy, a.geo)

	var issuer certs.Issuer
	if cfg.ACME.Email != "" {
		issuer = certs.NewACMEIssuer(cfg.ACME.DirectoryURL, cfg.ACME.Email, cfg.ACME.AccountKeyPath)
	} else {
		logger.Log().Warn("EDGEWARD_ACME_EMAIL is not set, certificate issuance is disabled")
	}
	a.certs = certs.NewManager(a.store, issuer, a.challenges,
		certs.NewPropagationChecker(cfg.ACME.Resolvers, cfg.ACME.PropagationTimeout, cfg.ACME.PropagationPoll),
		a.caddy, a.caddy, a.notifier,
		certs.Options{
			CertDir:       cfg.ACME.CertDir,
			Timeout:       cfg.ACME.Timeout,
			RenewalWindow: cfg.ACME.RenewalWindow,
		},
	)

	a.analytics = analytics.New(db, a.geo, a.enforcer, a.store, analytics.Options{
		LogPath:     cfg.Caddy.AccessLogPath,
		QueueSize:   cfg.Analytics.QueueSize,
		RecentHits:  cfg.Analytics.RecentHits,
		BurstLimit:  cfg.Analytics.ErrorBurstLimit,
		BurstWindow: cfg.Analytics.ErrorBurstWindow,
	})

	metrics.Register(a.registry)
	return a, nil
}

func (a *app) deps() routes.Deps {
	return routes.Deps{
		Store:      a.store,
		Tracker:    a.tracker,
		Enforcer:   a.enforcer,
		Geo:        a.geo,
		Caddy:      a.caddy,
		Certs:      a.certs,
		Challenges: a.challenges,
		Analytics:  a.analytics,
		Registry:   a.registry,
	}
}

// Close releases everything openApp acquired and waits for pending notifications.
func (a *app) Close() {
	_ = a.publisher.Close()
	_ = a.geo.Close()
	a.notifier.Wait()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
