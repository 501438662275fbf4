package caddy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

// BlockHeader marks responses produced by a firewall or ACL block.
const BlockHeader = "X-Edgeward-Block"

// Block reasons carried in BlockHeader.
const (
	BlockFirewall = "firewall"
	BlockACL      = "acl"
)

// Server names in the rendered document.
const (
	ServerHTTP  = "edge_http"
	ServerHTTPS = "edge_https"
)

const (
	challengePath  = "/.well-known/acme-challenge/*"
	accessLogger   = "access_log"
	hstsValue      = "max-age=31536000"
	defaultPage    = "<h1>Under construction</h1>"
	defaultPageCT  = "text/html; charset=utf-8"
	documentIndent = "  "
)

// RenderInput is everything the renderer needs. It carries its own clock so Render stays pure.
type RenderInput struct {
	Hosts        []models.ProxyHost
	Blocks       []models.FirewallRule
	Certificates []models.Certificate
	Pages        []models.CustomPage
	Now          time.Time
}

// RenderResult is a rendered document plus what callers need to know about it.
type RenderResult struct {
	Config      *Config
	Document    []byte
	Warnings    []string
	HTTPDomains []string
	Hash        string
}

// Renderer turns store state into a Caddy JSON document.
type Renderer struct {
	AccessLogPath     string
	ChallengeUpstream string
	AdminListen       string
}

// NewRenderer creates a renderer. adminAPI may be a URL or a bare host:port.
func NewRenderer(accessLogPath, challengeUpstream, adminAPI string) *Renderer {
	listen := adminAPI
	if u, err := url.Parse(adminAPI); err == nil && u.Host != "" {
		listen = u.Host
	}
	return &Renderer{
		AccessLogPath:     accessLogPath,
		ChallengeUpstream: challengeUpstream,
		AdminListen:       listen,
	}
}

// Render builds the document. The same input always yields byte-identical output.
func (r *Renderer) Render(in RenderInput) (*RenderResult, error) {
	res := &RenderResult{}

	hosts := enabledHosts(in.Hosts, res)
	certs := usableCertificates(in.Certificates, in.Now)
	pages := make(map[uint]models.CustomPage, len(in.Pages))
	for _, p := range in.Pages {
		pages[p.ID] = p
	}

	httpBlocks, httpsBlocks := splitBlocks(in.Blocks, in.Now, res)

	httpRoutes := make([]*Route, 0, len(hosts)+2)
	httpsRoutes := make([]*Route, 0, len(hosts)+1)
	if route := blockRoute(httpBlocks); route != nil {
		httpRoutes = append(httpRoutes, route)
	}
	if route := blockRoute(httpsBlocks); route != nil {
		httpsRoutes = append(httpsRoutes, route)
	}

	// Each host owns its challenge route and TLS policy.
	var loadFiles []LoadFileConfig
	var policies []*TLSConnPolicy
	for _, h := range hosts {
		if r.ChallengeUpstream != "" {
			httpRoutes = append(httpRoutes, r.challengeRoute(h.Domain))
		}
		res.HTTPDomains = append(res.HTTPDomains, h.Domain)
		cert, hasTLS := certFor(certs, h.Domain)
		sub, err := hostRoutes(h, hasTLS, pages, res)
		if err != nil {
			return nil, apperr.Invariant("render", fmt.Errorf("host %s: %w", h.Domain, err))
		}
		match := []Match{{Host: []string{h.Domain}}}
		if hasTLS {
			httpRoutes = append(httpRoutes, &Route{Match: match, Handle: []Handler{RedirectHTTPSHandler()}, Terminal: true})
			httpsRoutes = append(httpsRoutes, &Route{Match: match, Handle: []Handler{SubrouteHandler(sub)}, Terminal: true})
			policies = append(policies, &TLSConnPolicy{Match: &TLSMatch{SNI: []string{h.Domain}}})
			loadFiles = appendCert(loadFiles, cert)
			continue
		}
		httpRoutes = append(httpRoutes, &Route{Match: match, Handle: []Handler{SubrouteHandler(sub)}, Terminal: true})
	}

	cfg := &Config{
		Apps: Apps{HTTP: &HTTPApp{Servers: map[string]*Server{
			ServerHTTP: {
				Listen:    []string{":80"},
				Routes:    httpRoutes,
				AutoHTTPS: &AutoHTTPSConfig{Disable: true},
				Logs:      &ServerLogs{DefaultLoggerName: accessLogger},
			},
		}}},
	}
	if r.AdminListen != "" {
		cfg.Admin = &AdminConfig{Listen: r.AdminListen}
	}
	if len(policies) > 0 {
		cfg.Apps.HTTP.Servers[ServerHTTPS] = &Server{
			Listen:          []string{":443"},
			Routes:          httpsRoutes,
			AutoHTTPS:       &AutoHTTPSConfig{Disable: true},
			TLSConnPolicies: policies,
			Logs:            &ServerLogs{DefaultLoggerName: accessLogger},
		}
		cfg.Apps.TLS = &TLSApp{Certificates: &CertificatesConfig{LoadFiles: loadFiles}}
	}
	if r.AccessLogPath != "" {
		cfg.Logging = &LoggingConfig{Logs: map[string]*LogConfig{
			"access": {
				Level: "INFO",
				Writer: &WriterConfig{
					Output:       "file",
					Filename:     r.AccessLogPath,
					Roll:         true,
					RollSize:     10,
					RollKeep:     10,
					RollKeepDays: 30,
				},
				Encoder: &EncoderConfig{Format: "json"},
				Include: []string{"http.log.access." + accessLogger},
			},
		}}
	}

	doc, err := json.MarshalIndent(cfg, "", documentIndent)
	if err != nil {
		return nil, apperr.Invariant("render", fmt.Errorf("marshal config: %w", err))
	}
	sum := sha256.Sum256(doc)

	res.Config = cfg
	res.Document = doc
	res.Hash = hex.EncodeToString(sum[:])
	return res, nil
}

// challengeRoute sends ACME HTTP-01 requests for domain to the issuer's solver.
func (r *Renderer) challengeRoute(domain string) *Route {
	return &Route{
		Match:    []Match{{Host: []string{domain}, Path: []string{challengePath}}},
		Handle:   []Handler{ReverseProxyHandler(r.ChallengeUpstream, false, false, nil)},
		Terminal: true,
	}
}

// enabledHosts keeps enabled hosts, sorted by domain, one per domain.
func enabledHosts(in []models.ProxyHost, res *RenderResult) []models.ProxyHost {
	hosts := make([]models.ProxyHost, 0, len(in))
	for _, h := range in {
		if h.Enabled && h.Domain != "" {
			hosts = append(hosts, h)
		}
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		if hosts[i].Domain != hosts[j].Domain {
			return hosts[i].Domain < hosts[j].Domain
		}
		return hosts[i].ID < hosts[j].ID
	})

	out := hosts[:0]
	for i, h := range hosts {
		if i > 0 && hosts[i-1].Domain == h.Domain {
			res.Warnings = append(res.Warnings, fmt.Sprintf("duplicate enabled host for %s skipped (%s)", h.Domain, h.UUID))
			continue
		}
		out = append(out, h)
	}
	return out
}

func usableCertificates(in []models.Certificate, now time.Time) map[string]models.Certificate {
	out := make(map[string]models.Certificate, len(in))
	for _, c := range in {
		if c.ValidAt(now) {
			out[c.Domain] = c
		}
	}
	return out
}

// certFor finds an exact certificate, then a wildcard covering the domain.
func certFor(certs map[string]models.Certificate, domain string) (models.Certificate, bool) {
	if c, ok := certs[domain]; ok {
		return c, true
	}
	if i := strings.IndexByte(domain, '.'); i > 0 {
		if c, ok := certs["*"+domain[i:]]; ok {
			return c, true
		}
	}
	return models.Certificate{}, false
}

func appendCert(files []LoadFileConfig, c models.Certificate) []LoadFileConfig {
	for _, f := range files {
		if f.Certificate == c.CertPath {
			return files
		}
	}
	return append(files, LoadFileConfig{Certificate: c.CertPath, Key: c.KeyPath, Tags: []string{c.UUID}})
}

// splitBlocks returns the sorted, de-duplicated IPs blocked on each listener.
// All-port rules apply to both; port rules only to their listener.
func splitBlocks(rules []models.FirewallRule, now time.Time, res *RenderResult) (httpIPs, httpsIPs []string) {
	onHTTP := map[string]bool{}
	onHTTPS := map[string]bool{}
	for _, rule := range rules {
		if !rule.ActiveAt(now) {
			continue
		}
		switch {
		case rule.Port == nil:
			onHTTP[rule.IP] = true
			onHTTPS[rule.IP] = true
		case *rule.Port == 80:
			onHTTP[rule.IP] = true
		case *rule.Port == 443:
			onHTTPS[rule.IP] = true
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s targets port %d, which the edge does not listen on", rule.UUID, *rule.Port))
		}
	}
	return sortedKeys(onHTTP), sortedKeys(onHTTPS)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func blockRoute(ips []string) *Route {
	if len(ips) == 0 {
		return nil
	}
	return &Route{
		Match:    []Match{{RemoteIP: &RemoteIPMatch{Ranges: ips}}},
		Handle:   []Handler{BlockHandler(BlockFirewall)},
		Terminal: true,
	}
}

// hostRoutes builds the subroute for one host, in evaluation order.
func hostRoutes(h models.ProxyHost, hasTLS bool, pages map[uint]models.CustomPage, res *RenderResult) ([]*Route, error) {
	var routes []*Route

	if len(h.AllowedIPs) > 0 {
		allowed := append([]string(nil), h.AllowedIPs...)
		sort.Strings(allowed)
		routes = append(routes, &Route{
			Match:    []Match{{Not: []Match{{RemoteIP: &RemoteIPMatch{Ranges: allowed}}}}},
			Handle:   []Handler{BlockHandler(BlockACL)},
			Terminal: true,
		})
	}

	if h.RateLimit != nil {
		routes = append(routes, &Route{
			Handle: []Handler{RateLimitHandler(zoneName(h), h.RateLimit.Requests, h.RateLimit.Window)},
		})
	}

	if h.UnderConstruction {
		body, ct := defaultPage, defaultPageCT
		if h.UnderConstructionPageID != nil {
			if p, ok := pages[*h.UnderConstructionPageID]; ok {
				body, ct = p.Content, p.ContentType
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: custom page %d missing, using default", h.Domain, *h.UnderConstructionPageID))
			}
		}
		routes = append(routes, &Route{
			Handle:   []Handler{StaticResponseHandler(503, body, map[string][]string{"Content-Type": {ct}})},
			Terminal: true,
		})
		return routes, nil
	}

	if h.HSTSEnabled {
		if hasTLS {
			routes = append(routes, &Route{
				Handle: []Handler{HeaderHandler(map[string][]string{"Strict-Transport-Security": {hstsValue}})},
			})
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: HSTS enabled without a certificate, header not sent", h.Domain))
		}
	}

	for _, p := range orderPaths(h.Paths) {
		handler, err := upstreamHandler(p.Target, h.WebsocketEnabled, p.Headers, res, h.Domain)
		if err != nil {
			return nil, err
		}
		routes = append(routes, &Route{
			Match:    []Match{{Path: []string{p.Pattern}}},
			Handle:   []Handler{handler},
			Terminal: true,
		})
	}

	var def Handler
	if h.IsStatic {
		def = FileServerHandler(h.Target)
	} else {
		var err error
		if def, err = upstreamHandler(h.Target, h.WebsocketEnabled, nil, res, h.Domain); err != nil {
			return nil, err
		}
	}
	routes = append(routes, &Route{Handle: []Handler{def}, Terminal: true})

	return routes, nil
}

func zoneName(h models.ProxyHost) string {
	return "host_" + strings.NewReplacer(".", "_", "*", "wildcard").Replace(h.Domain)
}

// orderPaths sorts path routes: exact before wildcard, longer literal prefix first,
// declaration order breaking ties.
func orderPaths(paths []models.PathRoute) []models.PathRoute {
	out := append([]models.PathRoute(nil), paths...)
	sort.SliceStable(out, func(i, j int) bool {
		wi := strings.HasSuffix(out[i].Pattern, "*")
		wj := strings.HasSuffix(out[j].Pattern, "*")
		if wi != wj {
			return !wi
		}
		return len(strings.TrimSuffix(out[i].Pattern, "*")) > len(strings.TrimSuffix(out[j].Pattern, "*"))
	})
	return out
}

// upstreamHandler converts a target (URL or host:port) into a reverse_proxy handler.
func upstreamHandler(target string, ws bool, headers map[string]string, res *RenderResult, domain string) (Handler, error) {
	dial, useTLS, err := dialAddress(target)
	if err != nil {
		return nil, err
	}
	if u, perr := url.Parse(target); perr == nil && strings.Contains(target, "://") && u.Path != "" && u.Path != "/" {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: upstream path %q ignored", domain, u.Path))
	}
	return ReverseProxyHandler(dial, useTLS, ws, headers), nil
}

func dialAddress(target string) (string, bool, error) {
	if !strings.Contains(target, "://") {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return "", false, fmt.Errorf("invalid upstream %q: %w", target, err)
		}
		return target, false, nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return "", false, fmt.Errorf("invalid upstream %q", target)
	}
	useTLS := u.Scheme == "https"
	port := u.Port()
	if port == "" {
		port = "80"
		if useTLS {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), useTLS, nil
}
