package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/edgeward/edgeward/internal/analytics"
	"github.com/edgeward/edgeward/internal/config"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/jail"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/server"
	"github.com/edgeward/edgeward/internal/version"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rotator := logger.RotatingFile(cfg.LogDir)
			defer rotator.Close()
			logger.Init(cfg.Debug, io.MultiWriter(os.Stdout, rotator))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// acquireLock refuses to start a second control plane on the same data directory.
func acquireLock(dataDir string) (lockfile.Lockfile, error) {
	path, err := filepath.Abs(filepath.Join(dataDir, "edgeward.lock"))
	if err != nil {
		return "", fmt.Errorf("resolve lock path: %w", err)
	}
	lock, err := lockfile.New(path)
	if err != nil {
		return "", fmt.Errorf("create lock: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return "", fmt.Errorf("another edgeward instance owns %s: %w", dataDir, err)
	}
	return lock, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.Log()
	log.WithField("version", version.Full()).Infof("starting %s", version.Name)

	lock, err := acquireLock(cfg.DataDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	feeds, err := geo.ParseFeeds(cfg.Geo.Feeds)
	if err != nil {
		return err
	}

	go a.analytics.Run(ctx)
	if err := a.analytics.RefreshHosts(ctx); err != nil {
		log.WithError(err).Warn("load analytics hosts failed")
	}
	if _, err := a.analytics.RollStale(ctx); err != nil {
		log.WithError(err).Warn("roll stale analytics failed")
	}
	if cfg.Analytics.RebuildOnStart {
		today := time.Now().UTC().Format(analytics.DateLayout)
		if res, err := a.analytics.Rebuild(ctx, today, 0); err != nil {
			log.WithError(err).Warn("rebuild today's analytics failed")
		} else {
			log.WithField("lines", res.Lines).WithField("files", res.Files).Info("rebuilt today's analytics from access log")
		}
	}

	// After a rebuild the tailer reads from the start so lines written since the
	// scan are not lost; the ones the rebuild counted are skipped by offset.
	fromStart := cfg.Analytics.TailFromStart || cfg.Analytics.RebuildOnStart
	tailer := analytics.NewTailer(cfg.Caddy.AccessLogPath, fromStart, a.analytics.IngestAt)
	go func() {
		if err := tailer.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("access log tailer stopped")
		}
	}()

	go jail.NewScheduler(a.enforcer, cfg.Jail.TickInterval).Run(ctx)

	c := cron.New()
	if err := a.certs.Schedule(ctx, c, cfg.ACME.RenewalSchedule); err != nil {
		return err
	}
	if err := a.analytics.Schedule(ctx, c, cfg.Analytics.DailyRollSchedule); err != nil {
		return err
	}
	if err := a.geo.Schedule(ctx, c, cfg.Geo.RefreshSchedule, feeds); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	if err := a.caddy.Reconcile(ctx); err != nil {
		log.WithError(err).Warn("initial edge config apply failed, serving the last applied config")
	}

	log.WithField("port", cfg.HTTPPort).Info("admin API listening")
	return server.New(a.deps(), cfg).Run(ctx)
}
