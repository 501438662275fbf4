package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/metrics"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/notify"
	"github.com/edgeward/edgeward/internal/store"
)

// Certificate status values reported by List.
const (
	StatusValid     = "valid"
	StatusExpiring  = "expiring"
	StatusExpired   = "expired"
	StatusPermanent = "permanent"
)

// ErrRequestInFlight is returned when the domain already has an order running.
var ErrRequestInFlight = &apperr.Error{Kind: apperr.KindConflict, Msg: "certificate request already in flight"}

// Test hooks
var (
	writeFileFunc = os.WriteFile
	mkdirAllFunc  = os.MkdirAll
)

// RouteChecker reports whether the edge proxy currently routes HTTP-01 challenges for a domain.
type RouteChecker interface {
	HasLiveRoute(domain string) bool
}

// Reconciler pushes store changes to the edge proxy.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Options tunes the manager. Zero values take defaults.
type Options struct {
	CertDir       string
	Timeout       time.Duration
	RenewalWindow time.Duration
	Backoff       time.Duration
}

// CertificateInfo is a certificate row plus its computed status.
type CertificateInfo struct {
	models.Certificate
	Status string `json:"status"`
}

// Manager issues, renews and tracks certificates.
type Manager struct {
	store      *store.Store
	issuer     Issuer
	challenges *ChallengeStore
	checker    *PropagationChecker
	routes     RouteChecker
	reconciler Reconciler
	notifier   *notify.Notifier
	opts       Options
	now        func() time.Time

	newProvider func(*models.DNSConfig, *notify.Notifier) (DNSProvider, error)

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewManager creates a certificate manager.
func NewManager(st *store.Store, issuer Issuer, challenges *ChallengeStore, checker *PropagationChecker, routes RouteChecker, reconciler Reconciler, notifier *notify.Notifier, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = 30 * 24 * time.Hour
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Hour
	}
	return &Manager{
		store:       st,
		issuer:      issuer,
		challenges:  challenges,
		checker:     checker,
		routes:      routes,
		reconciler:  reconciler,
		notifier:    notifier,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
		newProvider: NewProvider,
		inflight:    map[string]context.CancelFunc{},
	}
}

// WithClock overrides the clock used for expiry and back-off decisions.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = func() time.Time { return now().UTC() }
	return m
}

// Request obtains a certificate for domain. dnsCfg is required for the dns challenge.
func (m *Manager) Request(ctx context.Context, domain, challenge string, dnsCfg *models.DNSConfig) (*models.Certificate, error) {
	const op = "request certificate"
	domain, err := store.NormalizeDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if challenge == "" {
		challenge = models.ChallengeHTTP
	}
	if m.issuer == nil {
		return nil, apperr.Validation(op, "certificate issuance is not configured; set an ACME account email")
	}

	var solver Solver
	switch challenge {
	case models.ChallengeHTTP:
		if strings.HasPrefix(domain, "*.") {
			return nil, apperr.Validation(op, "wildcard domain %s requires the dns challenge", domain)
		}
		if m.routes != nil && !m.routes.HasLiveRoute(domain) {
			return nil, apperr.Validation(op, "no live HTTP route for %s; enable the host and apply the config first", domain)
		}
		solver = httpSolver{store: m.challenges}
	case models.ChallengeDNS:
		provider, err := m.newProvider(dnsCfg, m.notifier)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		solver = dnsSolver{provider: provider, checker: m.checker}
	default:
		return nil, apperr.Validation(op, "invalid challenge type %q", challenge)
	}

	orderCtx, done, err := m.begin(ctx, domain)
	if err != nil {
		return nil, err
	}
	defer done()

	log := logger.WithFields(logrus.Fields{"domain": domain, "challenge": challenge})
	log.Info("requesting certificate")

	issued, err := m.issuer.Issue(orderCtx, IssueRequest{Domain: domain, Challenge: challenge, Solver: solver})
	if err == nil {
		var cert *models.Certificate
		if cert, err = m.save(ctx, domain, issued); err == nil {
			metrics.IncCertRequest(challenge, "success")
			log.WithField("expires_at", issued.NotAfter).Info("certificate issued")
			m.notifier.Send(notify.EventCertIssued, "Certificate issued", fmt.Sprintf("%s valid until %s", domain, issued.NotAfter.Format(time.RFC3339)))
			m.reconcile(ctx)
			return cert, nil
		}
	}

	if errors.Is(orderCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !apperr.IsRetryable(err) {
		err = apperr.External(op, true, fmt.Errorf("timed out after %s: %w", m.opts.Timeout, err))
	}
	metrics.IncCertRequest(challenge, "failure")
	m.recordFailure(ctx, domain, err)
	log.WithError(err).Warn("certificate request failed")
	if !apperr.IsRetryable(err) {
		m.notifier.Send(notify.EventCertFailure, "Certificate request failed", fmt.Sprintf("%s: %v", domain, err))
	}
	return nil, err
}

// Renew re-requests an existing letsencrypt certificate using its host's challenge settings.
func (m *Manager) Renew(ctx context.Context, domain string) (*models.Certificate, error) {
	const op = "renew certificate"
	cert, err := m.store.GetCertificateByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	if cert.Type != models.CertLetsEncrypt {
		return nil, apperr.Validation(op, "%s is a %s certificate and cannot be renewed", cert.Domain, cert.Type)
	}

	challenge := models.ChallengeHTTP
	var dnsCfg *models.DNSConfig
	if host, err := m.store.GetHostByDomain(ctx, cert.Domain); err == nil {
		challenge = host.SSLChallengeType
		if host.DNSConfigID != nil {
			if dnsCfg, err = m.store.GetDNSConfigByID(ctx, *host.DNSConfigID); err != nil {
				return nil, err
			}
		}
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}
	if strings.HasPrefix(cert.Domain, "*.") {
		challenge = models.ChallengeDNS
	}
	return m.Request(ctx, cert.Domain, challenge, dnsCfg)
}

// Cancel aborts an in-flight order for domain.
func (m *Manager) Cancel(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.inflight[strings.ToLower(domain)]
	if ok {
		cancel()
	}
	return ok
}

// InFlight reports whether an order for domain is running.
func (m *Manager) InFlight(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[strings.ToLower(domain)]
	return ok
}

func (m *Manager) begin(ctx context.Context, domain string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[domain]; busy {
		return nil, nil, ErrRequestInFlight
	}
	orderCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	m.inflight[domain] = cancel
	return orderCtx, func() {
		cancel()
		m.mu.Lock()
		delete(m.inflight, domain)
		m.mu.Unlock()
	}, nil
}

// certFiles returns <certDir>/<domain>.crt|.key; "*" becomes "_".
func (m *Manager) certFiles(domain string) (string, string) {
	base := filepath.Join(m.opts.CertDir, strings.ReplaceAll(domain, "*", "_"))
	return base + ".crt", base + ".key"
}

func (m *Manager) save(ctx context.Context, domain string, issued *Issued) (*models.Certificate, error) {
	certPath, keyPath := m.certFiles(domain)
	if err := mkdirAllFunc(m.opts.CertDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}
	if err := writeFileFunc(keyPath, issued.KeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := writeFileFunc(certPath, issued.CertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}

	exp := issued.NotAfter
	cert := &models.Certificate{
		Name:      domain,
		Domain:    domain,
		Type:      models.CertLetsEncrypt,
		Issuer:    issued.Issuer,
		CertPath:  certPath,
		KeyPath:   keyPath,
		ExpiresAt: &exp,
	}
	if err := m.store.PutCertificate(ctx, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// recordFailure stores the error on an existing row, with a back-off for retryable failures.
func (m *Manager) recordFailure(ctx context.Context, domain string, cause error) {
	cert, err := m.store.GetCertificateByDomain(ctx, domain)
	if err != nil {
		return
	}
	cert.LastError = cause.Error()
	cert.RetryAfter = nil
	if apperr.IsRetryable(cause) {
		wait := m.opts.Backoff
		if ra, ok := retryAfter(cause); ok && ra > wait {
			wait = ra
		}
		until := m.now().Add(wait)
		cert.RetryAfter = &until
	}
	if err := m.store.PutCertificate(ctx, cert); err != nil {
		logger.Log().WithError(err).WithField("domain", domain).Warn("failed to record certificate error")
	}
}

func (m *Manager) reconcile(ctx context.Context) {
	if m.reconciler == nil {
		return
	}
	if err := m.reconciler.Reconcile(ctx); err != nil {
		logger.Log().WithError(err).Warn("reconcile after certificate change failed")
	}
}

// Upload stores a custom certificate. The domain comes from the certificate itself.
func (m *Manager) Upload(ctx context.Context, name, certPEM, keyPEM string) (*models.Certificate, error) {
	const op = "upload certificate"
	if _, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM)); err != nil {
		return nil, apperr.Validation(op, "certificate and key do not form a valid pair: %v", err)
	}
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, apperr.Validation(op, "invalid certificate PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperr.Validation(op, "failed to parse certificate: %v", err)
	}

	domain := leaf.Subject.CommonName
	if len(leaf.DNSNames) > 0 {
		domain = leaf.DNSNames[0]
	}
	if domain, err = store.NormalizeDomain(domain); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if strings.TrimSpace(name) == "" {
		name = domain
	}

	certPath, keyPath := m.certFiles(domain)
	if err := mkdirAllFunc(m.opts.CertDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}
	if err := writeFileFunc(keyPath, []byte(keyPEM), 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := writeFileFunc(certPath, []byte(certPEM), 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}

	exp := leaf.NotAfter.UTC()
	cert := &models.Certificate{
		Name:      name,
		Domain:    domain,
		Type:      models.CertCustom,
		Issuer:    leaf.Issuer.CommonName,
		CertPath:  certPath,
		KeyPath:   keyPath,
		ExpiresAt: &exp,
	}
	if err := m.store.PutCertificate(ctx, cert); err != nil {
		return nil, err
	}
	m.reconcile(ctx)
	return cert, nil
}

// Delete removes a certificate row and its files, cancelling any running order.
func (m *Manager) Delete(ctx context.Context, id string) (*models.Certificate, error) {
	cert, err := m.store.DeleteCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Cancel(cert.Domain)
	for _, p := range []string{cert.CertPath, cert.KeyPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Log().WithError(err).WithField("path", p).Warn("failed to remove certificate file")
		}
	}
	m.reconcile(ctx)
	return cert, nil
}

// List returns every certificate with its status.
func (m *Manager) List(ctx context.Context) ([]CertificateInfo, error) {
	certs, err := m.store.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]CertificateInfo, 0, len(certs))
	for _, c := range certs {
		out = append(out, CertificateInfo{Certificate: c, Status: m.status(c, now)})
	}
	return out, nil
}

func (m *Manager) status(c models.Certificate, now time.Time) string {
	switch {
	case c.ExpiresAt == nil:
		return StatusPermanent
	case !c.ExpiresAt.After(now):
		return StatusExpired
	case c.ExpiresAt.Sub(now) <= m.opts.RenewalWindow:
		return StatusExpiring
	default:
		return StatusValid
	}
}

// Sweep renews letsencrypt certificates inside the renewal window that are not backing off.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	certs, err := m.store.ListCertificates(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	renewed := 0
	for _, c := range certs {
		if ctx.Err() != nil {
			return renewed, ctx.Err()
		}
		if c.Type != models.CertLetsEncrypt || c.ExpiresAt == nil || c.ExpiresAt.Sub(now) > m.opts.RenewalWindow {
			continue
		}
		if c.RetryAfter != nil && c.RetryAfter.After(now) {
			continue
		}
		if _, err := m.Renew(ctx, c.Domain); err != nil {
			if errors.Is(err, ErrRequestInFlight) {
				continue
			}
			// Failures after contacting the CA were already notified by Request.
			if apperr.IsValidation(err) {
				m.notifier.Send(notify.EventCertFailure, "Certificate renewal needs attention",
					fmt.Sprintf("%s: %v", c.Domain, err))
			}
			logger.Log().WithError(err).WithField("domain", c.Domain).Warn("certificate renewal failed")
			continue
		}
		renewed++
	}
	return renewed, nil
}

// Schedule registers the renewal sweep on c.
func (m *Manager) Schedule(ctx context.Context, c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		n, err := m.Sweep(ctx)
		if err != nil {
			logger.Log().WithError(err).Warn("certificate renewal sweep failed")
			return
		}
		if n > 0 {
			logger.Log().WithField("renewed", n).Info("certificate renewal sweep finished")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule renewal sweep %q: %w", spec, err)
	}
	return nil
}
