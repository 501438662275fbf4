package caddy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/models"
)

func TestValidate_EmptyConfig(t *testing.T) {
	require.NoError(t, Validate(&Config{}))
	require.Error(t, Validate(nil))
}

func TestValidate_RenderedConfig(t *testing.T) {
	res, err := testRenderer().Render(RenderInput{
		Hosts: []models.ProxyHost{
			{ID: 1, Domain: "test.example.com", Target: "http://10.0.1.100:8080", Enabled: true,
				Paths: []models.PathRoute{{Pattern: "/api*", Target: "10.0.1.101:9000"}}},
		},
		Blocks: []models.FirewallRule{{IP: "203.0.113.1"}},
		Now:    renderNow,
	})
	require.NoError(t, err)
	require.NoError(t, Validate(res.Config))
}

func TestValidate_DuplicateHosts(t *testing.T) {
	config := &Config{
		Apps: Apps{
			HTTP: &HTTPApp{
				Servers: map[string]*Server{
					"srv": {
						Listen: []string{":80"},
						Routes: []*Route{
							{
								Match:  []Match{{Host: []string{"test.com"}}},
								Handle: []Handler{ReverseProxyHandler("app:8080", false, false, nil)},
							},
							{
								Match:  []Match{{Host: []string{"TEST.com"}}},
								Handle: []Handler{ReverseProxyHandler("app2:8080", false, false, nil)},
							},
						},
					},
				},
			},
		},
	}

	err := Validate(config)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate host")
}

func TestValidate_NoListenAddresses(t *testing.T) {
	config := &Config{
		Apps: Apps{
			HTTP: &HTTPApp{
				Servers: map[string]*Server{
					"srv": {Listen: []string{}, Routes: []*Route{}},
				},
			},
		},
	}

	err := Validate(config)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no listen addresses")
}

func TestValidate_SharedListener(t *testing.T) {
	config := &Config{
		Apps: Apps{
			HTTP: &HTTPApp{
				Servers: map[string]*Server{
					"a": {Listen: []string{":80"}},
					"b": {Listen: []string{":80"}},
				},
			},
		},
	}
	require.ErrorContains(t, Validate(config), "listen address :80")
}

func TestValidate_BadHandlers(t *testing.T) {
	cases := map[string]Handler{
		"no module name":   {"status_code": 200},
		"without upstream": {"handler": "reverse_proxy"},
		"invalid upstream": ReverseProxyHandler("no-port", false, false, nil),
		"empty subroute":   SubrouteHandler([]*Route{{}}),
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			config := &Config{Apps: Apps{HTTP: &HTTPApp{Servers: map[string]*Server{
				"srv": {Listen: []string{":80"}, Routes: []*Route{{Handle: []Handler{h}}}},
			}}}}
			require.Error(t, Validate(config))
		})
	}
}

func TestValidate_CertificateMissingKey(t *testing.T) {
	config := &Config{Apps: Apps{TLS: &TLSApp{Certificates: &CertificatesConfig{
		LoadFiles: []LoadFileConfig{{Certificate: "/certs/a.crt"}},
	}}}}
	require.Error(t, Validate(config))
}
