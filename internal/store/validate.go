package store

import (
	"net"
	"net/netip"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

var hostnameLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NormalizeIP parses a single IPv4/IPv6 address and returns its canonical text form.
func NormalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", apperr.Validation("", "invalid IP address %q", raw)
	}
	return addr.Unmap().String(), nil
}

// NormalizeDomain lowercases and validates an RFC 1123 host name. A single
// leading "*." wildcard label is accepted.
func NormalizeDomain(raw string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
	if d == "" || len(d) > 253 {
		return "", apperr.Validation("", "invalid domain %q", raw)
	}
	labels := strings.Split(d, ".")
	for i, l := range labels {
		if i == 0 && l == "*" && len(labels) > 2 {
			continue
		}
		if !hostnameLabel.MatchString(l) {
			return "", apperr.Validation("", "invalid domain %q", raw)
		}
	}
	return d, nil
}

// ValidateAllowEntry accepts a single address or a CIDR.
func ValidateAllowEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if _, err := netip.ParsePrefix(entry); err == nil {
		return nil
	}
	if _, err := netip.ParseAddr(entry); err == nil {
		return nil
	}
	return apperr.Validation("", "invalid IP address or CIDR %q", entry)
}

// validateUpstream accepts http(s)://host[:port][/path] or bare host:port.
func validateUpstream(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return apperr.Validation("", "target is required")
	}
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			return apperr.Validation("", "invalid upstream %q", target)
		}
		return nil
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		return apperr.Validation("", "invalid upstream %q: expected host:port or URL", target)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return apperr.Validation("", "invalid upstream port in %q", target)
	}
	return nil
}

func validateStaticRoot(root string) error {
	if !path.IsAbs(root) {
		return apperr.Validation("", "static root %q must be an absolute path", root)
	}
	return nil
}

func validatePort(port *int) error {
	if port != nil && (*port < 1 || *port > 65535) {
		return apperr.Validation("", "port %d out of range", *port)
	}
	return nil
}

func normalizeProtocol(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "":
		return "any", nil
	case "tcp", "udp", "any":
		return p, nil
	}
	return "", apperr.Validation("", "invalid protocol %q", p)
}

func validateRateLimit(rl *models.RateLimit) error {
	if rl == nil {
		return nil
	}
	if rl.Requests <= 0 {
		return apperr.Validation("", "rate limit requests must be positive")
	}
	d, err := time.ParseDuration(rl.Window)
	if err != nil || d <= 0 {
		return apperr.Validation("", "invalid rate limit window %q", rl.Window)
	}
	return nil
}

func validatePaths(paths []models.PathRoute) error {
	for _, p := range paths {
		if !strings.HasPrefix(p.Pattern, "/") {
			return apperr.Validation("", "path pattern %q must start with /", p.Pattern)
		}
		if strings.Contains(strings.TrimSuffix(p.Pattern, "*"), "*") {
			return apperr.Validation("", "path pattern %q may only use * as a trailing wildcard", p.Pattern)
		}
		if err := validateUpstream(p.Target); err != nil {
			return err
		}
	}
	return nil
}
