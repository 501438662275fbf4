package caddy

import (
	"fmt"
)

// Config represents Caddy's top-level JSON configuration structure.
// Reference: https://caddyserver.com/docs/json/
type Config struct {
	Admin   *AdminConfig   `json:"admin,omitempty"`
	Apps    Apps           `json:"apps"`
	Logging *LoggingConfig `json:"logging,omitempty"`
}

// AdminConfig pins the admin endpoint so a load never moves it.
type AdminConfig struct {
	Listen string `json:"listen,omitempty"`
}

// LoggingConfig configures Caddy's logging facility.
type LoggingConfig struct {
	Logs map[string]*LogConfig `json:"logs,omitempty"`
}

// LogConfig configures a specific logger.
type LogConfig struct {
	Writer  *WriterConfig  `json:"writer,omitempty"`
	Encoder *EncoderConfig `json:"encoder,omitempty"`
	Level   string         `json:"level,omitempty"`
	Include []string       `json:"include,omitempty"`
	Exclude []string       `json:"exclude,omitempty"`
}

// WriterConfig configures the log writer (output).
type WriterConfig struct {
	Output       string `json:"output"`
	Filename     string `json:"filename,omitempty"`
	Roll         bool   `json:"roll,omitempty"`
	RollSize     int    `json:"roll_size_mb,omitempty"`
	RollKeep     int    `json:"roll_keep,omitempty"`
	RollKeepDays int    `json:"roll_keep_days,omitempty"`
}

// EncoderConfig configures the log format.
type EncoderConfig struct {
	Format string `json:"format"` // "json", "console", etc.
}

// Apps contains all Caddy app modules.
type Apps struct {
	HTTP *HTTPApp `json:"http,omitempty"`
	TLS  *TLSApp  `json:"tls,omitempty"`
}

// HTTPApp configures the HTTP app.
type HTTPApp struct {
	Servers map[string]*Server `json:"servers"`
}

// Server represents an HTTP server instance.
type Server struct {
	Listen          []string         `json:"listen"`
	Routes          []*Route         `json:"routes"`
	AutoHTTPS       *AutoHTTPSConfig `json:"automatic_https,omitempty"`
	TLSConnPolicies []*TLSConnPolicy `json:"tls_connection_policies,omitempty"`
	Logs            *ServerLogs      `json:"logs,omitempty"`
}

// AutoHTTPSConfig controls automatic HTTPS behavior.
type AutoHTTPSConfig struct {
	Disable      bool     `json:"disable,omitempty"`
	DisableRedir bool     `json:"disable_redirects,omitempty"`
	Skip         []string `json:"skip,omitempty"`
}

// TLSConnPolicy enables TLS on a server. An empty policy selects loaded certificates by SNI.
type TLSConnPolicy struct {
	Match *TLSMatch `json:"match,omitempty"`
}

// TLSMatch limits a connection policy to a set of server names.
type TLSMatch struct {
	SNI []string `json:"sni,omitempty"`
}

// ServerLogs configures access logging.
type ServerLogs struct {
	DefaultLoggerName string `json:"default_logger_name,omitempty"`
}

// Route represents an HTTP route (matcher + handlers).
type Route struct {
	Match    []Match   `json:"match,omitempty"`
	Handle   []Handler `json:"handle"`
	Terminal bool      `json:"terminal,omitempty"`
}

// Match represents a request matcher. All non-empty fields must match.
type Match struct {
	Host     []string       `json:"host,omitempty"`
	Path     []string       `json:"path,omitempty"`
	RemoteIP *RemoteIPMatch `json:"remote_ip,omitempty"`
	Not      []Match        `json:"not,omitempty"`
}

// RemoteIPMatch matches the client address against IPs or CIDR ranges.
type RemoteIPMatch struct {
	Ranges []string `json:"ranges"`
}

// Handler is the interface for all handler types.
// Actual types will implement handler-specific fields.
type Handler map[string]interface{}

// Name returns the handler module name.
func (h Handler) Name() string {
	name, _ := h["handler"].(string)
	return name
}

// ReverseProxyHandler creates a reverse_proxy handler.
// useTLS dials the upstream over HTTPS; extra sets request headers.
func ReverseProxyHandler(dial string, useTLS, enableWS bool, extra map[string]string) Handler {
	h := Handler{
		"handler":        "reverse_proxy",
		"flush_interval": -1,
		"upstreams": []map[string]interface{}{
			{"dial": dial},
		},
	}
	if useTLS {
		h["transport"] = map[string]interface{}{
			"protocol": "http",
			"tls":      map[string]interface{}{},
		}
	}

	setHeaders := make(map[string][]string)
	if enableWS {
		setHeaders["Upgrade"] = []string{"{http.request.header.Upgrade}"}
		setHeaders["Connection"] = []string{"{http.request.header.Connection}"}
	}
	for k, v := range extra {
		setHeaders[k] = []string{v}
	}
	if len(setHeaders) > 0 {
		h["headers"] = map[string]interface{}{
			"request": map[string]interface{}{
				"set": setHeaders,
			},
		}
	}

	return h
}

// HeaderHandler creates a handler that sets HTTP response headers.
func HeaderHandler(headers map[string][]string) Handler {
	return Handler{
		"handler": "headers",
		"response": map[string]interface{}{
			"set": headers,
		},
	}
}

// StaticResponseHandler answers directly without contacting an upstream.
func StaticResponseHandler(status int, body string, headers map[string][]string) Handler {
	h := Handler{
		"handler":     "static_response",
		"status_code": status,
	}
	if body != "" {
		h["body"] = body
	}
	if len(headers) > 0 {
		h["headers"] = headers
	}
	return h
}

// BlockHandler answers 403 with the marker header the analytics pipeline keys on.
func BlockHandler(reason string) Handler {
	return StaticResponseHandler(403, "", map[string][]string{
		BlockHeader: {reason},
	})
}

// RedirectHTTPSHandler permanently redirects to the same URL over HTTPS.
func RedirectHTTPSHandler() Handler {
	return StaticResponseHandler(308, "", map[string][]string{
		"Location": {"https://{http.request.host}{http.request.uri}"},
	})
}

// RateLimitHandler creates a caddy-ratelimit handler keyed on the client address.
func RateLimitHandler(zone string, maxEvents int, window string) Handler {
	return Handler{
		"handler": "rate_limit",
		"rate_limits": map[string]interface{}{
			zone: map[string]interface{}{
				"key":        "{http.request.remote.host}",
				"window":     window,
				"max_events": maxEvents,
			},
		},
	}
}

// SubrouteHandler groups routes so they are evaluated as one unit.
func SubrouteHandler(routes []*Route) Handler {
	return Handler{
		"handler": "subroute",
		"routes":  routes,
	}
}

// FileServerHandler creates a file_server handler.
func FileServerHandler(root string) Handler {
	return Handler{
		"handler": "file_server",
		"root":    root,
	}
}

// TLSApp configures the TLS app for certificate management.
type TLSApp struct {
	Certificates *CertificatesConfig `json:"certificates,omitempty"`
}

// CertificatesConfig configures manual certificate loading.
type CertificatesConfig struct {
	LoadFiles []LoadFileConfig `json:"load_files,omitempty"`
}

// LoadFileConfig points Caddy at a certificate and key on disk.
type LoadFileConfig struct {
	Certificate string   `json:"certificate"`
	Key         string   `json:"key"`
	Tags        []string `json:"tags,omitempty"`
}

// ApplyError reports the stage at which applying a config failed.
type ApplyError struct {
	Stage      string
	Err        error
	RolledBack bool
}

// Apply stages.
const (
	StageRender   = "render"
	StageValidate = "validate"
	StageWrite    = "write"
	StageReload   = "reload"
)

func (e *ApplyError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("apply failed at %s (rolled back): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("apply failed at %s: %v", e.Stage, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
