package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/jail"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/metrics"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/reputation"
	"github.com/edgeward/edgeward/internal/util"
)

// GeoLookup enriches hits with country and network operator.
type GeoLookup interface {
	Lookup(ip string) geo.Info
}

// Jailer receives detected violations.
type Jailer interface {
	Jail(ctx context.Context, ip, reason string, info reputation.GeoInfo) (*jail.Outcome, error)
}

// HostLister provides the configured hosts that get per-host statistics.
type HostLister interface {
	EnabledHosts(ctx context.Context) ([]models.ProxyHost, error)
}

// Options tunes the aggregator. Zero values take defaults.
type Options struct {
	LogPath     string
	QueueSize   int
	RecentHits  int
	BurstLimit  int
	BurstWindow time.Duration
}

// Aggregator owns the rolling "today" snapshot. A single loop goroutine (Run)
// applies every mutation and read, in arrival order.
type Aggregator struct {
	db     *gorm.DB
	geo    GeoLookup
	jailer Jailer
	hosts  HostLister
	opts   Options
	now    func() time.Time

	cmds       chan func()
	violations chan Violation

	// owned by the loop goroutine
	snap     *Snapshot
	recent   *ring
	detector *Detector
	known    map[string]bool
	rebuilt  []Position // where the last rebuild stopped reading each plain log file
}

// New creates an aggregator. geoLookup, jailer and hosts may be nil.
func New(db *gorm.DB, geoLookup GeoLookup, jailer Jailer, hosts HostLister, opts Options) *Aggregator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.RecentHits <= 0 {
		opts.RecentHits = 100
	}
	a := &Aggregator{
		db:         db,
		geo:        geoLookup,
		jailer:     jailer,
		hosts:      hosts,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		cmds:       make(chan func(), opts.QueueSize),
		violations: make(chan Violation, 256),
		detector:   NewDetector(opts.BurstLimit, opts.BurstWindow),
		recent:     newRing(opts.RecentHits),
	}
	a.snap = NewSnapshot(a.today())
	return a
}

// WithClock overrides the clock. Call before Run.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = func() time.Time { return now().UTC() }
	a.snap = NewSnapshot(a.today())
	return a
}

func (a *Aggregator) today() string {
	return a.now().Format(DateLayout)
}

// Run processes commands until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	go a.jailWorker(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.cmds:
			cmd()
		}
	}
}

// send queues fn, blocking while the queue is full.
func (a *Aggregator) send(ctx context.Context, fn func()) error {
	select {
	case a.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for it.
func (a *Aggregator) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := a.send(ctx, func() { fn(); close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest parses one access-log line and queues it. It blocks when the queue is full.
func (a *Aggregator) Ingest(ctx context.Context, line string) error {
	return a.IngestAt(ctx, line, Position{})
}

// IngestAt is Ingest for a line read from a log file. Lines a rebuild already
// counted, by file identity and offset, are skipped.
func (a *Aggregator) IngestAt(ctx context.Context, line string, pos Position) error {
	hit, err := Parse(line)
	if err != nil {
		if !errors.Is(err, ErrEmptyLine) {
			metrics.IncParseError()
			logger.Log().WithError(err).WithField("line", util.SanitizeForLog(util.Excerpt(line, 200))).Debug("skipping access log line")
		}
		return err
	}
	a.enrich(&hit)
	return a.send(ctx, func() { a.ingest(ctx, hit, pos) })
}

func (a *Aggregator) enrich(h *Hit) {
	if a.geo == nil {
		return
	}
	info := a.geo.Lookup(h.IP)
	h.Country = info.CountryCode
	h.Provider = info.Provider
	if h.Provider == "" {
		h.Provider = info.ASNOrg
	}
	if info.ASN > 0 {
		h.ASN = fmt.Sprintf("AS%d", info.ASN)
	}
}

func (a *Aggregator) inScope(host string) bool {
	return len(a.known) == 0 || a.known[host]
}

// ingest runs on the loop.
func (a *Aggregator) ingest(ctx context.Context, h Hit, pos Position) {
	if pos.Restarted {
		a.forget(pos)
	}
	day := h.Day()
	switch {
	case day > a.snap.Date:
		a.freeze(ctx, a.snap)
		a.reset(day)
	case day < a.snap.Date:
		// Late line for a frozen day; Rebuild picks it up.
		return
	}
	if covers(a.rebuilt, pos) {
		return
	}

	a.snap.Add(h, a.inScope(h.Host))
	a.recent.push(h)
	metrics.IncHitIngested()

	if v, ok := a.detector.Observe(h); ok {
		metrics.IncViolation(v.Kind)
		if a.jailer == nil {
			return
		}
		select {
		case a.violations <- v:
		default:
			logger.Log().WithField("ip", v.IP).Warn("violation queue full, dropping report")
		}
	}
}

func (a *Aggregator) reset(day string) {
	a.snap = NewSnapshot(day)
	a.recent = newRing(a.opts.RecentHits)
	a.rebuilt = nil
}

// forget drops the rebuild position of a file that was truncated.
func (a *Aggregator) forget(pos Position) {
	kept := a.rebuilt[:0]
	for _, d := range a.rebuilt {
		if !os.SameFile(d.File, pos.File) {
			kept = append(kept, d)
		}
	}
	a.rebuilt = kept
}

// jailWorker keeps database work off the ingestion path.
func (a *Aggregator) jailWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-a.violations:
			log := logger.WithFields(logrus.Fields{"ip": v.IP, "kind": v.Kind})
			if _, err := a.jailer.Jail(ctx, v.IP, v.Reason, reputation.GeoInfo{Country: v.Country, ISP: v.Provider}); err != nil {
				log.WithError(err).Warn("failed to jail ip")
				continue
			}
			log.Debug("violation reported")
		}
	}
}

// freeze writes snap as the DailyProxyStats row of its date, superseding any previous row.
func (a *Aggregator) freeze(ctx context.Context, snap *Snapshot) {
	if err := a.saveDaily(ctx, snap); err != nil {
		logger.Log().WithError(err).WithField("date", snap.Date).Error("failed to store daily analytics")
		return
	}
	logger.Log().WithFields(logrus.Fields{"date": snap.Date, "total_hits": snap.TotalHits}).Info("daily analytics stored")
}

func (a *Aggregator) saveDaily(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	row := models.DailyProxyStats{Date: snap.Date, TotalHits: snap.TotalHits, Data: string(data)}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("date = ?", snap.Date).Delete(&models.DailyProxyStats{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
}

// Today returns the rolling snapshot including recent hits.
func (a *Aggregator) Today(ctx context.Context, topN int) (*Report, error) {
	var r *Report
	err := a.call(ctx, func() {
		r = a.snap.Report(topN)
		r.RecentHits = a.recent.newestFirst()
	})
	return r, err
}

// Host returns today's statistics for one host.
func (a *Aggregator) Host(ctx context.Context, host string, topN int) (*Report, error) {
	var r *Report
	if err := a.call(ctx, func() { r = a.snap.HostReport(host, topN) }); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.NotFound("host analytics", "no traffic recorded for %s today", host)
	}
	return r, nil
}

// Daily returns a frozen day.
func (a *Aggregator) Daily(ctx context.Context, date string, topN int) (*Report, error) {
	snap, err := a.loadDaily(ctx, date)
	if err != nil {
		return nil, err
	}
	return snap.Report(topN), nil
}

func (a *Aggregator) loadDaily(ctx context.Context, date string) (*Snapshot, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, apperr.Validation("daily analytics", "invalid date %q, expected YYYY-MM-DD", date)
	}
	var row models.DailyProxyStats
	if err := a.db.WithContext(ctx).Where("date = ?", date).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("daily analytics", "no analytics stored for %s", date)
		}
		return nil, err
	}
	snap := NewSnapshot(date)
	if err := json.Unmarshal([]byte(row.Data), snap); err != nil {
		return nil, fmt.Errorf("decode daily analytics %s: %w", date, err)
	}
	return snap, nil
}

// ListDaily returns stored days, newest first, without their payload.
func (a *Aggregator) ListDaily(ctx context.Context, limit int) ([]models.DailyProxyStats, error) {
	if limit <= 0 || limit > 366 {
		limit = 30
	}
	var rows []models.DailyProxyStats
	err := a.db.WithContext(ctx).Select("id", "date", "total_hits", "created_at", "updated_at").
		Order("date desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// RollToDaily freezes the rolling snapshot when it belongs to date and starts a
// fresh one for today. It reports false when date is not the rolling day, which
// makes repeated calls for an already frozen date no-ops.
func (a *Aggregator) RollToDaily(ctx context.Context, date string) (bool, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return false, apperr.Validation("roll analytics", "invalid date %q, expected YYYY-MM-DD", date)
	}
	if date >= a.today() {
		return false, apperr.Validation("roll analytics", "%s has not ended yet", date)
	}
	rolled := false
	err := a.call(ctx, func() {
		if a.snap.Date != date {
			return
		}
		a.freeze(ctx, a.snap)
		a.reset(a.today())
		rolled = true
	})
	return rolled, err
}

// RollStale freezes the rolling snapshot if its day has passed.
func (a *Aggregator) RollStale(ctx context.Context) (bool, error) {
	rolled := false
	err := a.call(ctx, func() {
		today := a.today()
		if a.snap.Date >= today {
			return
		}
		a.freeze(ctx, a.snap)
		a.reset(today)
		rolled = true
	})
	return rolled, err
}

// RefreshHosts reloads the set of hosts that get per-host statistics.
func (a *Aggregator) RefreshHosts(ctx context.Context) error {
	if a.hosts == nil {
		return nil
	}
	hosts, err := a.hosts.EnabledHosts(ctx)
	if err != nil {
		return fmt.Errorf("load hosts: %w", err)
	}
	known := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		known[h.Domain] = true
	}
	return a.send(ctx, func() { a.known = known })
}

// Schedule registers the daily roll on c.
func (a *Aggregator) Schedule(ctx context.Context, c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		if _, err := a.RollStale(ctx); err != nil {
			logger.Log().WithError(err).Warn("daily analytics roll failed")
		}
		if err := a.RefreshHosts(ctx); err != nil {
			logger.Log().WithError(err).Warn("refresh analytics hosts failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily roll %q: %w", spec, err)
	}
	return nil
}
