package certs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"

	"github.com/cloudflare/cloudflare-go"
	"github.com/digitalocean/godo"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/notify"
	"github.com/edgeward/edgeward/internal/util"
	"github.com/edgeward/edgeward/internal/version"
)

// DNSProvider publishes and removes the DNS-01 TXT record.
// domain is the certificate domain, fqdn the dot-terminated record name.
type DNSProvider interface {
	Present(ctx context.Context, domain, fqdn, value string) error
	CleanUp(ctx context.Context, domain, fqdn, value string) error
}

const txtTTL = 120

// NewProvider builds the provider described by cfg.
func NewProvider(cfg *models.DNSConfig, notifier *notify.Notifier) (DNSProvider, error) {
	if cfg == nil {
		return nil, apperr.Validation("dns provider", "dns config is required")
	}
	cred := func(k string) string { return strings.TrimSpace(cfg.Credentials[k]) }
	apiHost := strings.TrimRight(strings.TrimSpace(cfg.APIHost), "/")

	switch cfg.Provider {
	case models.DNSProviderCloudflare:
		return newCloudflareProvider(cred("api_token"), cred("zone_id"), apiHost)
	case models.DNSProviderDigitalOcean:
		return newDigitalOceanProvider(cred("api_token"), apiHost)
	case models.DNSProviderRFC2136:
		return newRFC2136Provider(cfg.Credentials), nil
	case models.DNSProviderScript:
		return &scriptProvider{script: cfg.Script}, nil
	case models.DNSProviderManual:
		return &manualProvider{notifier: notifier}, nil
	}
	return nil, apperr.Validation("dns provider", "unknown dns provider %q", cfg.Provider)
}

// candidateZones lists the domain and each parent with at least two labels, most specific first.
func candidateZones(domain string) []string {
	labels := strings.Split(strings.TrimSuffix(strings.TrimPrefix(domain, "*."), "."), ".")
	var out []string
	for i := 0; i+1 < len(labels); i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}

type cloudflareProvider struct {
	api    *cloudflare.API
	zoneID string

	mu      sync.Mutex
	records map[string]string // fqdn|value -> zone/record id
}

func newCloudflareProvider(token, zoneID, apiHost string) (*cloudflareProvider, error) {
	if token == "" {
		return nil, apperr.Validation("dns provider", "cloudflare requires an api_token credential")
	}
	// Retries happen in the issuance loop.
	opts := []cloudflare.Option{
		cloudflare.UserAgent(version.UserAgent()),
		cloudflare.UsingRetryPolicy(0, 0, 0),
	}
	if apiHost != "" {
		opts = append(opts, cloudflare.BaseURL(apiHost))
	}
	api, err := cloudflare.NewWithAPIToken(token, opts...)
	if err != nil {
		return nil, apperr.Validation("dns provider", "cloudflare client: %v", err)
	}
	return &cloudflareProvider{api: api, zoneID: zoneID, records: map[string]string{}}, nil
}

// cloudflareError marks client-side rejections as permanent; everything else may succeed later.
func cloudflareError(op string, err error) error {
	var (
		reqErr   *cloudflare.RequestError
		authnErr *cloudflare.AuthenticationError
		authzErr *cloudflare.AuthorizationError
		nfErr    *cloudflare.NotFoundError
	)
	permanent := errors.As(err, &reqErr) || errors.As(err, &authnErr) || errors.As(err, &authzErr) || errors.As(err, &nfErr)
	return apperr.External(op, !permanent, err)
}

func (p *cloudflareProvider) zone(ctx context.Context, domain string) (string, error) {
	if p.zoneID != "" {
		return p.zoneID, nil
	}
	for _, name := range candidateZones(domain) {
		zones, err := p.api.ListZones(ctx, name)
		if err != nil {
			return "", cloudflareError("cloudflare zones", err)
		}
		if len(zones) > 0 {
			return zones[0].ID, nil
		}
	}
	return "", apperr.External("cloudflare zones", false, fmt.Errorf("no zone found for %s", domain))
}

func (p *cloudflareProvider) Present(ctx context.Context, domain, fqdn, value string) error {
	zone, err := p.zone(ctx, domain)
	if err != nil {
		return err
	}
	rec, err := p.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zone), cloudflare.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    strings.TrimSuffix(fqdn, "."),
		Content: value,
		TTL:     txtTTL,
	})
	if err != nil {
		return cloudflareError("cloudflare create record", err)
	}
	p.mu.Lock()
	p.records[fqdn+"|"+value] = zone + "/" + rec.ID
	p.mu.Unlock()
	return nil
}

func (p *cloudflareProvider) CleanUp(ctx context.Context, _, fqdn, value string) error {
	p.mu.Lock()
	ref, ok := p.records[fqdn+"|"+value]
	delete(p.records, fqdn+"|"+value)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	zone, id, _ := strings.Cut(ref, "/")
	if err := p.api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zone), id); err != nil {
		return cloudflareError("cloudflare delete record", err)
	}
	return nil
}

type doRecord struct {
	zone string
	id   int
}

type digitalOceanProvider struct {
	client *godo.Client

	mu      sync.Mutex
	records map[string]doRecord
}

func newDigitalOceanProvider(token, apiHost string) (*digitalOceanProvider, error) {
	if token == "" {
		return nil, apperr.Validation("dns provider", "digitalocean requires an api_token credential")
	}
	client := godo.NewFromToken(token)
	client.UserAgent = version.UserAgent()
	if apiHost != "" {
		base, err := url.Parse(apiHost + "/")
		if err != nil {
			return nil, apperr.Validation("dns provider", "invalid api host %q", apiHost)
		}
		client.BaseURL = base
	}
	return &digitalOceanProvider{client: client, records: map[string]doRecord{}}, nil
}

// digitalOceanError classifies a godo failure by the HTTP status it carries.
func digitalOceanError(op string, resp *godo.Response, err error) error {
	retryable := true
	if resp != nil && resp.Response != nil {
		code := resp.StatusCode
		retryable = code >= 500 || code == http.StatusTooManyRequests
	}
	return apperr.External(op, retryable, err)
}

func (p *digitalOceanProvider) zone(ctx context.Context, domain string) (string, error) {
	for _, name := range candidateZones(domain) {
		_, resp, err := p.client.Domains.Get(ctx, name)
		if err == nil {
			return name, nil
		}
		if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound {
			continue
		}
		return "", digitalOceanError("digitalocean domains", resp, err)
	}
	return "", apperr.External("digitalocean domains", false, fmt.Errorf("no domain found for %s", domain))
}

func (p *digitalOceanProvider) Present(ctx context.Context, domain, fqdn, value string) error {
	zone, err := p.zone(ctx, domain)
	if err != nil {
		return err
	}
	rec, resp, err := p.client.Domains.CreateRecord(ctx, zone, &godo.DomainRecordEditRequest{
		Type: "TXT",
		Name: strings.TrimSuffix(strings.TrimSuffix(fqdn, "."), "."+zone),
		Data: value,
		TTL:  30,
	})
	if err != nil {
		return digitalOceanError("digitalocean create record", resp, err)
	}
	p.mu.Lock()
	p.records[fqdn+"|"+value] = doRecord{zone: zone, id: rec.ID}
	p.mu.Unlock()
	return nil
}

func (p *digitalOceanProvider) CleanUp(ctx context.Context, _, fqdn, value string) error {
	p.mu.Lock()
	rec, ok := p.records[fqdn+"|"+value]
	delete(p.records, fqdn+"|"+value)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	resp, err := p.client.Domains.DeleteRecord(ctx, rec.zone, rec.id)
	if err != nil && (resp == nil || resp.Response == nil || resp.StatusCode != http.StatusNotFound) {
		return digitalOceanError("digitalocean delete record", resp, err)
	}
	return nil
}

// scriptProvider runs `<script> <domain> <value> <present|cleanup>`.
type scriptProvider struct {
	script string
}

func (p *scriptProvider) run(ctx context.Context, domain, value, action string) error {
	out, err := exec.CommandContext(ctx, p.script, domain, value, action).CombinedOutput()
	if err != nil {
		return apperr.External("dns script "+action, false,
			fmt.Errorf("%w: %s", err, util.Excerpt(strings.TrimSpace(string(out)), 200)))
	}
	return nil
}

func (p *scriptProvider) Present(ctx context.Context, domain, _, value string) error {
	return p.run(ctx, domain, value, "present")
}

func (p *scriptProvider) CleanUp(ctx context.Context, domain, _, value string) error {
	return p.run(ctx, domain, value, "cleanup")
}

// manualProvider asks the operator to publish the record; propagation polling does the rest.
type manualProvider struct {
	notifier *notify.Notifier
}

func (p *manualProvider) Present(_ context.Context, domain, fqdn, value string) error {
	msg := fmt.Sprintf("Publish TXT %s with value %q to validate %s.", fqdn, value, domain)
	logger.Log().WithField("domain", domain).Warn(msg)
	p.notifier.Send(notify.EventCertFailure, "Manual DNS record required", msg)
	return nil
}

func (p *manualProvider) CleanUp(_ context.Context, domain, fqdn, _ string) error {
	logger.Log().WithField("domain", domain).Infof("TXT %s can now be removed", fqdn)
	return nil
}
