package analytics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// caddyLine renders an access-log entry the way Caddy's JSON encoder writes it.
func caddyLine(ts time.Time, host, ip, uri string, status int, blocked string) string {
	entry := map[string]interface{}{
		"level":  "info",
		"ts":     float64(ts.UnixNano()) / 1e9,
		"logger": "http.log.access",
		"msg":    "handled request",
		"request": map[string]interface{}{
			"remote_ip": ip,
			"proto":     "HTTP/2.0",
			"method":    "GET",
			"host":      host,
			"uri":       uri,
			"headers": map[string][]string{
				"User-Agent": {"curl/8.0"},
			},
		},
		"size": 512,
	}
	if status > 0 {
		entry["status"] = status
	}
	if blocked != "" {
		entry["resp_headers"] = map[string][]string{"X-Edgeward-Block": {blocked}}
	}
	raw, _ := json.Marshal(entry)
	return string(raw)
}

func TestParse_CaddyJSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 13, 45, 10, 0, time.UTC)
	line := `{"level":"info","ts":` + "1714571110.25" + `,"logger":"http.log.access","msg":"handled request",` +
		`"request":{"remote_ip":"10.0.0.1","client_ip":"203.0.113.7","method":"POST","host":"App.Example.com:443",` +
		`"uri":"/login?next=/admin","headers":{"user-agent":["Mozilla/5.0"],"Referer":["https://ref.example/"]}},` +
		`"size":1024,"status":403,"resp_headers":{"X-Edgeward-Block":["acl"]}}`

	h, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", h.IP)
	assert.Equal(t, "app.example.com", h.Host)
	assert.Equal(t, "POST", h.Method)
	assert.Equal(t, "/login", h.Path)
	assert.Equal(t, 403, h.Status)
	assert.EqualValues(t, 1024, h.Size)
	assert.Equal(t, "Mozilla/5.0", h.UserAgent)
	assert.Equal(t, "https://ref.example/", h.Referer)
	assert.Equal(t, "acl", h.Blocked)
	assert.Equal(t, ts.Add(250*time.Millisecond).Unix(), h.Time.Unix())
	assert.Equal(t, "2024-05-01", h.Day())
}

func TestParse_CaddyJSONWithoutStatus(t *testing.T) {
	h, err := Parse(caddyLine(time.Date(2024, 5, 1, 0, 0, 1, 0, time.UTC), "a.example.com", "198.51.100.1", "/", 0, ""))
	require.NoError(t, err)
	assert.Zero(t, h.Status)
	assert.Empty(t, h.Blocked)
}

func TestParse_CombinedLogFormat(t *testing.T) {
	h, err := Parse(`198.51.100.9 - - [01/May/2024:23:30:00 -0200] "GET /wp-login.php?x=1 HTTP/1.1" 403 12 "-" "scanner/1.0" host=shop.example.com blocked=firewall`)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", h.IP)
	assert.Equal(t, "/wp-login.php", h.Path)
	assert.Equal(t, 403, h.Status)
	assert.Equal(t, "scanner/1.0", h.UserAgent)
	assert.Empty(t, h.Referer)
	assert.Equal(t, "shop.example.com", h.Host)
	assert.Equal(t, "firewall", h.Blocked)
	assert.Equal(t, "2024-05-02", h.Day(), "timestamps are normalised to UTC")

	h, err = Parse(`2001:db8::1 - frank [01/May/2024:10:00:00 +0000] "HEAD / HTTP/1.0" - -`)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", h.IP)
	assert.Zero(t, h.Status)
	assert.Zero(t, h.Size)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("   ")
	assert.ErrorIs(t, err, ErrEmptyLine)

	for _, line := range []string{
		"not a log line",
		`{"ts":1714571110,"request":{}}`,
		`{"broken json`,
		`1.2.3.4 - - [yesterday] "GET / HTTP/1.1" 200 1`,
	} {
		_, err := Parse(line)
		assert.Error(t, err, line)
	}
}
