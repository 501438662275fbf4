package caddy

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/models"
)

var renderNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testRenderer() *Renderer {
	return NewRenderer("/var/log/edge/access.log", "127.0.0.1:8080", "http://localhost:2019")
}

func intPtr(i int) *int { return &i }

func timePtr(t time.Time) *time.Time { return &t }

func tlsCert(domain string) models.Certificate {
	return models.Certificate{
		UUID:      "cert-" + domain,
		Domain:    domain,
		Type:      models.CertLetsEncrypt,
		CertPath:  "/certs/" + domain + ".crt",
		KeyPath:   "/certs/" + domain + ".key",
		ExpiresAt: timePtr(renderNow.Add(60 * 24 * time.Hour)),
	}
}

func subroutes(t *testing.T, route *Route) []*Route {
	t.Helper()
	require.Len(t, route.Handle, 1)
	require.Equal(t, "subroute", route.Handle[0].Name())
	routes, ok := route.Handle[0]["routes"].([]*Route)
	require.True(t, ok)
	return routes
}

func hostRoute(t *testing.T, srv *Server, domain string) *Route {
	t.Helper()
	for _, r := range srv.Routes {
		for _, m := range r.Match {
			if len(m.Path) == 0 && len(m.Host) == 1 && m.Host[0] == domain {
				return r
			}
		}
	}
	t.Fatalf("no route for %s", domain)
	return nil
}

func challengeRouteFor(t *testing.T, srv *Server, domain string) *Route {
	t.Helper()
	for _, r := range srv.Routes {
		for _, m := range r.Match {
			if len(m.Path) == 1 && m.Path[0] == challengePath && len(m.Host) == 1 && m.Host[0] == domain {
				return r
			}
		}
	}
	t.Fatalf("no challenge route for %s", domain)
	return nil
}

func routeIndex(srv *Server, route *Route) int {
	for i, r := range srv.Routes {
		if r == route {
			return i
		}
	}
	return -1
}

func policyFor(srv *Server, domain string) *TLSConnPolicy {
	for _, p := range srv.TLSConnPolicies {
		if p.Match != nil && len(p.Match.SNI) == 1 && p.Match.SNI[0] == domain {
			return p
		}
	}
	return nil
}

func TestRender_Deterministic(t *testing.T) {
	hosts := []models.ProxyHost{
		{ID: 1, UUID: "a", Domain: "b.example.com", Target: "http://10.0.0.2:8080", Enabled: true},
		{ID: 2, UUID: "b", Domain: "a.example.com", Target: "10.0.0.1:80", Enabled: true, AllowedIPs: []string{"10.0.0.0/8", "192.168.1.5"}},
	}
	blocks := []models.FirewallRule{
		{UUID: "r1", IP: "203.0.113.9"},
		{UUID: "r2", IP: "198.51.100.1"},
	}
	in := RenderInput{Hosts: hosts, Blocks: blocks, Certificates: []models.Certificate{tlsCert("a.example.com")}, Now: renderNow}

	r := testRenderer()
	first, err := r.Render(in)
	require.NoError(t, err)
	second, err := r.Render(in)
	require.NoError(t, err)
	assert.Equal(t, first.Document, second.Document)
	assert.Equal(t, first.Hash, second.Hash)

	// Input order must not matter.
	in.Hosts = []models.ProxyHost{hosts[1], hosts[0]}
	in.Blocks = []models.FirewallRule{blocks[1], blocks[0]}
	third, err := r.Render(in)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, third.Hash)
	assert.True(t, strings.Contains(string(first.Document), "\n  \"apps\""), "two-space indent")
}

func TestRender_GlobalBlockRespectsPorts(t *testing.T) {
	in := RenderInput{
		Hosts: []models.ProxyHost{{ID: 1, Domain: "secure.example.com", Target: "10.0.0.1:80", Enabled: true}},
		Blocks: []models.FirewallRule{
			{UUID: "all", IP: "198.51.100.1"},
			{UUID: "http", IP: "203.0.113.9", Port: intPtr(80)},
			{UUID: "https", IP: "203.0.113.10", Port: intPtr(443)},
			{UUID: "ssh", IP: "203.0.113.11", Port: intPtr(22)},
			{UUID: "old", IP: "203.0.113.12", ExpiresAt: timePtr(renderNow.Add(-time.Second))},
		},
		Certificates: []models.Certificate{tlsCert("secure.example.com")},
		Now:          renderNow,
	}

	res, err := testRenderer().Render(in)
	require.NoError(t, err)

	httpSrv := res.Config.Apps.HTTP.Servers[ServerHTTP]
	httpsSrv := res.Config.Apps.HTTP.Servers[ServerHTTPS]
	require.NotNil(t, httpsSrv)

	first := httpSrv.Routes[0]
	require.NotNil(t, first.Match[0].RemoteIP)
	assert.Equal(t, []string{"198.51.100.1", "203.0.113.9"}, first.Match[0].RemoteIP.Ranges)
	assert.Equal(t, 403, first.Handle[0]["status_code"])
	assert.Equal(t, map[string][]string{BlockHeader: {BlockFirewall}}, first.Handle[0]["headers"])

	assert.Equal(t, []string{"198.51.100.1", "203.0.113.10"}, httpsSrv.Routes[0].Match[0].RemoteIP.Ranges)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "port 22")
}

func TestRender_ChallengeRouteAndRedirect(t *testing.T) {
	in := RenderInput{
		Hosts: []models.ProxyHost{
			{ID: 1, Domain: "tls.example.com", Target: "10.0.0.1:80", Enabled: true},
			{ID: 2, Domain: "plain.example.com", Target: "10.0.0.2:80", Enabled: true},
			{ID: 3, Domain: "off.example.com", Target: "10.0.0.3:80", Enabled: false},
		},
		Certificates: []models.Certificate{tlsCert("tls.example.com")},
		Now:          renderNow,
	}

	res, err := testRenderer().Render(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"plain.example.com", "tls.example.com"}, res.HTTPDomains)

	httpSrv := res.Config.Apps.HTTP.Servers[ServerHTTP]
	for i, domain := range []string{"plain.example.com", "tls.example.com"} {
		challenge := challengeRouteFor(t, httpSrv, domain)
		assert.Equal(t, []string{challengePath}, challenge.Match[0].Path)
		assert.Equal(t, "reverse_proxy", challenge.Handle[0].Name())
		assert.Less(t, routeIndex(httpSrv, challenge), routeIndex(httpSrv, hostRoute(t, httpSrv, domain)), "challenge %d precedes host route", i)
	}

	redirect := hostRoute(t, httpSrv, "tls.example.com")
	assert.Equal(t, 308, redirect.Handle[0]["status_code"])

	plain := hostRoute(t, httpSrv, "plain.example.com")
	assert.Equal(t, "subroute", plain.Handle[0].Name())

	assert.NotContains(t, string(res.Document), "off.example.com")

	httpsSrv := res.Config.Apps.HTTP.Servers[ServerHTTPS]
	require.Len(t, httpsSrv.TLSConnPolicies, 1)
	assert.Equal(t, []string{"tls.example.com"}, httpsSrv.TLSConnPolicies[0].Match.SNI)
	require.NotNil(t, res.Config.Apps.TLS)
	assert.Equal(t, "/certs/tls.example.com.crt", res.Config.Apps.TLS.Certificates.LoadFiles[0].Certificate)
	assert.True(t, httpsSrv.AutoHTTPS.Disable)
}

func TestRender_HostSubrouteOrder(t *testing.T) {
	host := models.ProxyHost{
		ID:               1,
		Domain:           "app.example.com",
		Target:           "https://backend.internal",
		Enabled:          true,
		HSTSEnabled:      true,
		WebsocketEnabled: true,
		AllowedIPs:       []string{"192.168.0.0/16"},
		RateLimit:        &models.RateLimit{Requests: 100, Window: "1m"},
		Paths: []models.PathRoute{
			{Pattern: "/a*", Target: "10.0.0.5:80"},
			{Pattern: "/api*", Target: "10.0.0.6:80"},
			{Pattern: "/api/v1/health", Target: "10.0.0.7:80", Headers: map[string]string{"X-Probe": "1"}},
			{Pattern: "/b*", Target: "10.0.0.8:80"},
		},
	}
	res, err := testRenderer().Render(RenderInput{
		Hosts:        []models.ProxyHost{host},
		Certificates: []models.Certificate{tlsCert("app.example.com")},
		Now:          renderNow,
	})
	require.NoError(t, err)

	routes := subroutes(t, hostRoute(t, res.Config.Apps.HTTP.Servers[ServerHTTPS], "app.example.com"))
	require.Len(t, routes, 8)

	acl := routes[0]
	assert.Equal(t, []string{"192.168.0.0/16"}, acl.Match[0].Not[0].RemoteIP.Ranges)
	assert.Equal(t, map[string][]string{BlockHeader: {BlockACL}}, acl.Handle[0]["headers"])

	assert.Equal(t, "rate_limit", routes[1].Handle[0].Name())
	assert.Equal(t, "headers", routes[2].Handle[0].Name())

	var patterns []string
	for _, r := range routes[3:7] {
		patterns = append(patterns, r.Match[0].Path[0])
	}
	assert.Equal(t, []string{"/api/v1/health", "/api*", "/a*", "/b*"}, patterns)

	def := routes[7].Handle[0]
	assert.Equal(t, "reverse_proxy", def.Name())
	assert.Equal(t, []map[string]interface{}{{"dial": "backend.internal:443"}}, def["upstreams"])
	assert.Contains(t, def, "transport")
	assert.Contains(t, def, "headers")
}

func TestRender_HSTSWithoutTLSWarns(t *testing.T) {
	res, err := testRenderer().Render(RenderInput{
		Hosts: []models.ProxyHost{{ID: 1, Domain: "plain.example.com", Target: "10.0.0.1:80", Enabled: true, HSTSEnabled: true}},
		Now:   renderNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "HSTS")
	assert.NotContains(t, string(res.Document), "Strict-Transport-Security")
	assert.Nil(t, res.Config.Apps.HTTP.Servers[ServerHTTPS])
}

func TestRender_UnderConstructionServesPage(t *testing.T) {
	pageID := uint(7)
	res, err := testRenderer().Render(RenderInput{
		Hosts: []models.ProxyHost{{
			ID: 1, Domain: "soon.example.com", Target: "10.0.0.1:80", Enabled: true,
			UnderConstruction: true, UnderConstructionPageID: &pageID,
		}},
		Pages: []models.CustomPage{{ID: 7, Name: "soon", ContentType: "text/plain", Content: "back soon"}},
		Now:   renderNow,
	})
	require.NoError(t, err)

	routes := subroutes(t, hostRoute(t, res.Config.Apps.HTTP.Servers[ServerHTTP], "soon.example.com"))
	require.Len(t, routes, 1)
	h := routes[0].Handle[0]
	assert.Equal(t, 503, h["status_code"])
	assert.Equal(t, "back soon", h["body"])
	assert.Equal(t, map[string][]string{"Content-Type": {"text/plain"}}, h["headers"])
}

func TestRender_StaticHostAndExpiredCert(t *testing.T) {
	expired := tlsCert("static.example.com")
	expired.ExpiresAt = timePtr(renderNow.Add(-time.Hour))

	res, err := testRenderer().Render(RenderInput{
		Hosts:        []models.ProxyHost{{ID: 1, Domain: "static.example.com", Target: "/srv/www", IsStatic: true, Enabled: true}},
		Certificates: []models.Certificate{expired},
		Now:          renderNow,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Config.Apps.TLS)

	routes := subroutes(t, hostRoute(t, res.Config.Apps.HTTP.Servers[ServerHTTP], "static.example.com"))
	assert.Equal(t, FileServerHandler("/srv/www"), routes[len(routes)-1].Handle[0])
}

func TestRender_WildcardCertificateCoversSubdomain(t *testing.T) {
	res, err := testRenderer().Render(RenderInput{
		Hosts:        []models.ProxyHost{{ID: 1, Domain: "app.example.com", Target: "10.0.0.1:80", Enabled: true}},
		Certificates: []models.Certificate{tlsCert("*.example.com")},
		Now:          renderNow,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Config.Apps.HTTP.Servers[ServerHTTPS])
	assert.Equal(t, "/certs/*.example.com.crt", res.Config.Apps.TLS.Certificates.LoadFiles[0].Certificate)
}

func TestRender_DuplicateEnabledDomainKeepsFirst(t *testing.T) {
	res, err := testRenderer().Render(RenderInput{
		Hosts: []models.ProxyHost{
			{ID: 2, UUID: "newer", Domain: "dup.example.com", Target: "10.0.0.2:80", Enabled: true},
			{ID: 1, UUID: "older", Domain: "dup.example.com", Target: "10.0.0.1:80", Enabled: true},
		},
		Now: renderNow,
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "newer")
	require.NoError(t, Validate(res.Config))
}

func TestRender_ToggleLeavesOtherHostsUntouched(t *testing.T) {
	hosts := []models.ProxyHost{
		{ID: 1, Domain: "a.example.com", Target: "10.0.0.1:80", Enabled: true},
		{ID: 2, Domain: "b.example.com", Target: "10.0.0.2:80", Enabled: true},
		{ID: 3, Domain: "c.example.com", Target: "10.0.0.3:80", Enabled: true},
	}
	in := RenderInput{
		Hosts:        hosts,
		Certificates: []models.Certificate{tlsCert("a.example.com"), tlsCert("b.example.com")},
		Now:          renderNow,
	}
	r := testRenderer()
	before, err := r.Render(in)
	require.NoError(t, err)

	in.Hosts = append([]models.ProxyHost(nil), hosts...)
	in.Hosts[1].Enabled = false
	after, err := r.Render(in)
	require.NoError(t, err)
	assert.NotEqual(t, before.Hash, after.Hash)

	beforeHTTP := before.Config.Apps.HTTP.Servers[ServerHTTP]
	afterHTTP := after.Config.Apps.HTTP.Servers[ServerHTTP]
	beforeHTTPS := before.Config.Apps.HTTP.Servers[ServerHTTPS]
	afterHTTPS := after.Config.Apps.HTTP.Servers[ServerHTTPS]
	for _, domain := range []string{"a.example.com", "c.example.com"} {
		assert.Equal(t, challengeRouteFor(t, beforeHTTP, domain), challengeRouteFor(t, afterHTTP, domain), domain)
		assert.Equal(t, hostRoute(t, beforeHTTP, domain), hostRoute(t, afterHTTP, domain), domain)
	}
	assert.Equal(t, hostRoute(t, beforeHTTPS, "a.example.com"), hostRoute(t, afterHTTPS, "a.example.com"))
	assert.Equal(t, policyFor(beforeHTTPS, "a.example.com"), policyFor(afterHTTPS, "a.example.com"))

	assert.NotContains(t, string(after.Document), "b.example.com")
	assert.Nil(t, policyFor(afterHTTPS, "b.example.com"))
	assert.Equal(t, []string{"a.example.com", "c.example.com"}, after.HTTPDomains)
	require.Len(t, after.Config.Apps.TLS.Certificates.LoadFiles, 1)
	assert.Equal(t, "/certs/a.example.com.crt", after.Config.Apps.TLS.Certificates.LoadFiles[0].Certificate)
}
