// Package analytics aggregates edge access logs into rolling and daily statistics
// and reports abusive clients to the jail.
package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgeward/edgeward/internal/caddy"
)

// ErrEmptyLine is returned for blank input.
var ErrEmptyLine = errors.New("empty log line")

// Hit is one parsed access-log entry.
type Hit struct {
	Time      time.Time `json:"time"`
	Host      string    `json:"host,omitempty"`
	IP        string    `json:"ip"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	Status    int       `json:"status,omitempty"` // 0 when the line carried none
	Size      int64     `json:"size,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Referer   string    `json:"referer,omitempty"`
	Blocked   string    `json:"blocked,omitempty"`
	Country   string    `json:"country,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	ASN       string    `json:"asn,omitempty"`
}

// Day returns the UTC calendar date of the hit.
func (h Hit) Day() string {
	return h.Time.UTC().Format(DateLayout)
}

// Parse accepts a Caddy JSON access-log line or a Combined Log Format line.
func Parse(line string) (Hit, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Hit{}, ErrEmptyLine
	}
	if line[0] == '{' {
		return parseJSON(line)
	}
	return parseCLF(line)
}

type caddyEntry struct {
	TS      float64 `json:"ts"`
	Request struct {
		RemoteIP string              `json:"remote_ip"`
		ClientIP string              `json:"client_ip"`
		Method   string              `json:"method"`
		Host     string              `json:"host"`
		URI      string              `json:"uri"`
		Headers  map[string][]string `json:"headers"`
	} `json:"request"`
	Status      *int                `json:"status"`
	Size        int64               `json:"size"`
	RespHeaders map[string][]string `json:"resp_headers"`
}

func parseJSON(line string) (Hit, error) {
	var e caddyEntry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return Hit{}, fmt.Errorf("parse json log line: %w", err)
	}
	ip := e.Request.ClientIP
	if ip == "" {
		ip = e.Request.RemoteIP
	}
	if ip == "" || e.TS <= 0 {
		return Hit{}, errors.New("parse json log line: missing ts or remote_ip")
	}

	sec, frac := math.Modf(e.TS)
	h := Hit{
		Time:      time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Host:      hostOnly(e.Request.Host),
		IP:        ip,
		Method:    e.Request.Method,
		Path:      pathOnly(e.Request.URI),
		Size:      e.Size,
		UserAgent: header(e.Request.Headers, "User-Agent"),
		Referer:   header(e.Request.Headers, "Referer"),
		Blocked:   header(e.RespHeaders, caddy.BlockHeader),
	}
	if e.Status != nil {
		h.Status = *e.Status
	}
	return h, nil
}

// header does a case-insensitive lookup; log writers do not agree on canonical keys.
func header(h map[string][]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// <ip> <ident> <user> [<time>] "<method> <uri> <proto>" <status> <size> "<referer>" "<ua>" [key=value ...]
var clfPattern = regexp.MustCompile(`^(\S+) \S+ \S+ \[([^\]]+)\] "([A-Z]+) ([^ "]*)(?: [^"]*)?" (\d{3}|-) (\d+|-)(?: "([^"]*)" "([^"]*)")?(.*)$`)

const clfTimeLayout = "02/Jan/2006:15:04:05 -0700"

func parseCLF(line string) (Hit, error) {
	m := clfPattern.FindStringSubmatch(line)
	if m == nil {
		return Hit{}, errors.New("parse log line: unrecognised format")
	}
	ts, err := time.Parse(clfTimeLayout, m[2])
	if err != nil {
		return Hit{}, fmt.Errorf("parse log line: %w", err)
	}

	h := Hit{
		Time:      ts.UTC(),
		IP:        m[1],
		Method:    m[3],
		Path:      pathOnly(m[4]),
		UserAgent: dash(m[8]),
		Referer:   dash(m[7]),
	}
	if m[5] != "-" {
		h.Status, _ = strconv.Atoi(m[5])
	}
	if m[6] != "-" {
		h.Size, _ = strconv.ParseInt(m[6], 10, 64)
	}
	for _, tok := range strings.Fields(m[9]) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "blocked":
			h.Blocked = v
		case "host":
			h.Host = hostOnly(v)
		}
	}
	return h, nil
}

func dash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func pathOnly(uri string) string {
	if uri == "" {
		return ""
	}
	if u, err := url.ParseRequestURI(uri); err == nil {
		return u.Path
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i]
	}
	return uri
}

func hostOnly(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return host[1:i]
		}
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}
