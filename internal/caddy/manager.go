package caddy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/config"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/metrics"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/notify"
	"github.com/edgeward/edgeward/internal/store"
)

// Test hooks to allow overriding OS functions
var (
	writeFileFunc      = os.WriteFile
	readFileFunc       = os.ReadFile
	removeFileFunc     = os.Remove
	renameFunc         = os.Rename
	readDirFunc        = os.ReadDir
	statFunc           = os.Stat
	validateConfigFunc = Validate
)

const (
	snapshotPrefix = "config-"
	keepSnapshots  = 10
)

// Status describes the configuration currently loaded into the edge proxy.
type Status struct {
	Hash        string    `json:"hash"`
	AppliedAt   time.Time `json:"applied_at"`
	HTTPDomains []string  `json:"http_domains"`
	LastError   string    `json:"last_error,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// Manager orchestrates Caddy configuration lifecycle: render, validate, apply, rollback.
type Manager struct {
	client      *Client
	renderer    *Renderer
	db          *gorm.DB
	store       *store.Store
	notifier    *notify.Notifier
	configPath  string
	snapshotDir string
	timeout     time.Duration

	applyMu sync.Mutex

	mu     sync.RWMutex
	status Status
	live   map[string]bool
}

// NewManager creates a configuration manager.
func NewManager(client *Client, renderer *Renderer, db *gorm.DB, st *store.Store, cfg config.CaddyConfig, notifier *notify.Notifier) *Manager {
	timeout := cfg.ReloadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Manager{
		client:      client,
		renderer:    renderer,
		db:          db,
		store:       st,
		notifier:    notifier,
		configPath:  cfg.ConfigPath,
		snapshotDir: cfg.SnapshotDir,
		timeout:     timeout,
		live:        map[string]bool{},
	}
}

// Preview renders the current store state without applying it.
func (m *Manager) Preview(ctx context.Context) (*RenderResult, error) {
	hosts, err := m.store.EnabledHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hosts: %w", err)
	}
	blocks, err := m.store.ActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	certs, err := m.store.ListCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}
	pages, err := m.store.ListCustomPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("load custom pages: %w", err)
	}
	return m.renderer.Render(RenderInput{
		Hosts:        hosts,
		Blocks:       blocks,
		Certificates: certs,
		Pages:        pages,
		Now:          m.store.Now(),
	})
}

// Reconcile renders from the store and applies only when the result differs from the live config.
// Rendering and loading happen under one lock so a slower reconcile cannot load
// a config older than one already applied.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	res, err := m.Preview(ctx)
	if err != nil {
		m.recordConfigChange(ctx, "", StageRender, err)
		return &ApplyError{Stage: StageRender, Err: err}
	}
	return m.applyLocked(ctx, res, false)
}

// Apply validates and loads res, rolling back to the last-known-good config on failure.
func (m *Manager) Apply(ctx context.Context, res *RenderResult) error {
	if res == nil || res.Config == nil {
		return &ApplyError{Stage: StageRender, Err: errors.New("nothing rendered")}
	}
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	return m.applyLocked(ctx, res, true)
}

// applyLocked runs with applyMu held. The config file is only replaced once Caddy
// has accepted the document.
func (m *Manager) applyLocked(ctx context.Context, res *RenderResult, force bool) error {
	if !force && res.Hash == m.Status().Hash {
		return nil
	}

	log := logger.Log().WithField("hash", shortHash(res.Hash))

	if err := m.validate(res.Config); err != nil {
		return m.fail(ctx, res, &ApplyError{Stage: StageValidate, Err: err})
	}

	snapshotPath, err := m.saveSnapshot(res.Document)
	if err != nil {
		return m.fail(ctx, res, &ApplyError{Stage: StageWrite, Err: fmt.Errorf("save snapshot: %w", err)})
	}

	staged, err := m.stageConfig(res.Document)
	if err != nil {
		_ = removeFileFunc(snapshotPath)
		return m.fail(ctx, res, &ApplyError{Stage: StageWrite, Err: err})
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.client.Load(loadCtx, res.Document)
	cancel()
	if err != nil {
		m.discardConfig(staged)
		return m.fail(ctx, res, m.undo(ctx, log, snapshotPath, &ApplyError{Stage: StageReload, Err: err}))
	}

	if err := m.commitConfig(staged); err != nil {
		// Caddy runs a config that is not on disk; go back to the one that is.
		return m.fail(ctx, res, m.undo(ctx, log, snapshotPath, &ApplyError{Stage: StageWrite, Err: err}))
	}

	m.setLive(res)
	m.recordConfigChange(ctx, res.Hash, "", nil)
	metrics.IncConfigApply("success")
	for _, w := range res.Warnings {
		log.Warn(w)
	}
	log.WithField("domains", len(res.HTTPDomains)).Info("edge config applied")

	if err := m.rotateSnapshots(keepSnapshots); err != nil {
		// Non-fatal - log but don't fail
		log.WithError(err).Warn("snapshot rotation failed")
	}

	return nil
}

func (m *Manager) validate(cfg *Config) error {
	if err := validateConfigFunc(cfg); err != nil {
		return err
	}
	if cfg.Apps.TLS == nil || cfg.Apps.TLS.Certificates == nil {
		return nil
	}
	for _, f := range cfg.Apps.TLS.Certificates.LoadFiles {
		for _, p := range []string{f.Certificate, f.Key} {
			if _, err := statFunc(p); err != nil {
				return fmt.Errorf("certificate material %s: %w", p, err)
			}
		}
	}
	return nil
}

func (m *Manager) fail(ctx context.Context, res *RenderResult, applyErr *ApplyError) error {
	m.recordConfigChange(ctx, res.Hash, applyErr.Stage, applyErr.Err)
	metrics.IncConfigApply("failure")

	m.mu.Lock()
	m.status.LastError = applyErr.Error()
	m.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"stage":       applyErr.Stage,
		"rolled_back": applyErr.RolledBack,
	}).WithError(applyErr.Err).Error("edge config apply failed")
	m.notifier.Send(notify.EventApplyFailure, "Edge config apply failed", applyErr.Error())
	return applyErr
}

// writeConfig replaces the config file atomically.
// undo drops the snapshot of a rejected document and reloads the newest remaining one.
func (m *Manager) undo(ctx context.Context, log *logrus.Entry, snapshotPath string, applyErr *ApplyError) *ApplyError {
	_ = removeFileFunc(snapshotPath)
	if err := m.rollback(ctx); err != nil {
		log.WithError(err).Error("rollback failed")
	} else {
		applyErr.RolledBack = true
	}
	return applyErr
}

func (m *Manager) writeConfig(doc []byte) error {
	staged, err := m.stageConfig(doc)
	if err != nil {
		return err
	}
	return m.commitConfig(staged)
}

// stageConfig writes doc next to the config file without replacing it.
func (m *Manager) stageConfig(doc []byte) (string, error) {
	if m.configPath == "" {
		return "", nil
	}
	tmp := m.configPath + ".tmp"
	if err := writeFileFunc(tmp, doc, 0o644); err != nil {
		_ = removeFileFunc(tmp)
		return "", fmt.Errorf("write config: %w", err)
	}
	return tmp, nil
}

func (m *Manager) commitConfig(staged string) error {
	if staged == "" {
		return nil
	}
	if err := renameFunc(staged, m.configPath); err != nil {
		_ = removeFileFunc(staged)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (m *Manager) discardConfig(staged string) {
	if staged != "" {
		_ = removeFileFunc(staged)
	}
}

// saveSnapshot stores the document to disk with a timestamp.
func (m *Manager) saveSnapshot(doc []byte) (string, error) {
	filename := fmt.Sprintf("%s%019d.json", snapshotPrefix, time.Now().UnixNano())
	path := filepath.Join(m.snapshotDir, filename)

	if err := writeFileFunc(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	return path, nil
}

// rollback restores the most recent snapshot to disk and reloads it.
func (m *Manager) rollback(ctx context.Context) error {
	snapshots, err := m.listSnapshots()
	if err != nil || len(snapshots) == 0 {
		return fmt.Errorf("no snapshots available for rollback")
	}

	latestSnapshot := snapshots[len(snapshots)-1]
	doc, err := readFileFunc(latestSnapshot)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.client.Load(loadCtx, doc); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := m.writeConfig(doc); err != nil {
		logger.Log().WithError(err).WithField("snapshot", filepath.Base(latestSnapshot)).Warn("rolled back config not written to disk")
	}
	return nil
}

// listSnapshots returns all snapshot file paths, oldest first.
func (m *Manager) listSnapshots() ([]string, error) {
	entries, err := readDirFunc(m.snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var snapshots []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || filepath.Ext(name) != ".json" {
			continue
		}
		snapshots = append(snapshots, filepath.Join(m.snapshotDir, name))
	}

	// Names embed a fixed-width timestamp
	sort.Strings(snapshots)

	return snapshots, nil
}

// rotateSnapshots keeps only the N most recent snapshots.
func (m *Manager) rotateSnapshots(keep int) error {
	snapshots, err := m.listSnapshots()
	if err != nil {
		return err
	}

	if len(snapshots) <= keep {
		return nil
	}

	for _, path := range snapshots[:len(snapshots)-keep] {
		if err := removeFileFunc(path); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", path, err)
		}
	}

	return nil
}

// recordConfigChange stores an audit record in the database.
func (m *Manager) recordConfigChange(ctx context.Context, hash, stage string, applyErr error) {
	record := models.ConfigApplyRecord{
		ConfigHash: hash,
		Stage:      stage,
		Success:    applyErr == nil,
		AppliedAt:  time.Now().UTC(),
	}
	if applyErr != nil {
		record.ErrorMsg = applyErr.Error()
	}

	// Best effort - don't fail if audit logging fails
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		logger.Log().WithError(err).Warn("failed to record config apply")
	}
}

func (m *Manager) setLive(res *RenderResult) {
	live := make(map[string]bool, len(res.HTTPDomains))
	for _, d := range res.HTTPDomains {
		live[d] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = live
	m.status = Status{
		Hash:        res.Hash,
		AppliedAt:   time.Now().UTC(),
		HTTPDomains: append([]string(nil), res.HTTPDomains...),
		Warnings:    append([]string(nil), res.Warnings...),
	}
}

// HasLiveRoute reports whether the loaded config answers HTTP-01 challenges for domain.
func (m *Manager) HasLiveRoute(domain string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[strings.ToLower(domain)]
}

// Status returns a copy of the live config status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	st.HTTPDomains = append([]string(nil), st.HTTPDomains...)
	st.Warnings = append([]string(nil), st.Warnings...)
	return st
}

// History lists recent apply attempts, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]models.ConfigApplyRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var records []models.ConfigApplyRecord
	if err := m.db.WithContext(ctx).Order("applied_at DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list config applies: %w", err)
	}
	return records, nil
}

// Ping checks if Caddy is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}

// GetCurrentConfig retrieves the running config from Caddy.
func (m *Manager) GetCurrentConfig(ctx context.Context) (*Config, error) {
	return m.client.GetConfig(ctx)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
