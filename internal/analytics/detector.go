package analytics

import (
	"fmt"
	"time"

	"github.com/edgeward/edgeward/internal/caddy"
)

// Violation kinds.
const (
	ViolationACL        = "acl_denied"
	ViolationErrorBurst = "error_burst"
)

// Violation is a client the detector wants jailed.
type Violation struct {
	IP       string
	Kind     string
	Reason   string
	Country  string
	Provider string
	At       time.Time
}

// Detector flags ACL denials and bursts of error responses from one client.
// Windows use hit timestamps, so replayed logs behave like live traffic.
// Not safe for concurrent use; the aggregator loop owns it.
type Detector struct {
	limit    int
	window   time.Duration
	errors   map[string][]time.Time
	cooldown map[string]time.Time
	seen     int
}

// NewDetector flags limit or more 4xx/5xx responses to one IP within window.
func NewDetector(limit int, window time.Duration) *Detector {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Detector{
		limit:    limit,
		window:   window,
		errors:   map[string][]time.Time{},
		cooldown: map[string]time.Time{},
	}
}

// Observe returns a violation when h tips its client over a threshold.
// A reported client is ignored for one window so the jail is not re-escalated
// by requests already in flight before the block lands.
func (d *Detector) Observe(h Hit) (Violation, bool) {
	d.seen++
	if d.seen%1024 == 0 {
		d.prune(h.Time)
	}
	if h.IP == "" || h.Blocked == caddy.BlockFirewall {
		return Violation{}, false
	}
	if until, ok := d.cooldown[h.IP]; ok {
		if h.Time.Before(until) {
			return Violation{}, false
		}
		delete(d.cooldown, h.IP)
	}

	v := Violation{IP: h.IP, Country: h.Country, Provider: h.Provider, At: h.Time}
	switch {
	case h.Blocked == caddy.BlockACL:
		v.Kind = ViolationACL
		v.Reason = fmt.Sprintf("denied by access list on %s", orUnknown(h.Host))
	case h.Status >= 400:
		times := append(d.recent(h.IP, h.Time), h.Time)
		if len(times) < d.limit {
			d.errors[h.IP] = times
			return Violation{}, false
		}
		v.Kind = ViolationErrorBurst
		v.Reason = fmt.Sprintf("%d error responses within %s", len(times), d.window)
	default:
		return Violation{}, false
	}

	delete(d.errors, h.IP)
	d.cooldown[h.IP] = h.Time.Add(d.window)
	return v, true
}

// recent returns the error timestamps of ip still inside the window ending at now.
func (d *Detector) recent(ip string, now time.Time) []time.Time {
	times := d.errors[ip]
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

func (d *Detector) prune(now time.Time) {
	for ip := range d.errors {
		if rest := d.recent(ip, now); len(rest) == 0 {
			delete(d.errors, ip)
		} else {
			d.errors[ip] = rest
		}
	}
	for ip, until := range d.cooldown {
		if !now.Before(until) {
			delete(d.cooldown, ip)
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown host"
	}
	return s
}
