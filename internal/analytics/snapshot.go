package analytics

import (
	"sort"
	"strconv"
	"time"
)

// DateLayout is the calendar-date key of snapshots and daily rows.
const DateLayout = "2006-01-02"

// Counter counts occurrences per label.
type Counter map[string]int64

func (c *Counter) inc(label string) {
	if label == "" {
		return
	}
	if *c == nil {
		*c = Counter{}
	}
	(*c)[label]++
}

func (c Counter) clone() map[string]int64 {
	out := make(map[string]int64, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Ranked is one entry of a top-N list.
type Ranked struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// top ranks by count, then label, and keeps at most n entries.
func (c Counter) top(n int) []Ranked {
	out := make([]Ranked, 0, len(c))
	for k, v := range c {
		out = append(out, Ranked{Label: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Counts holds every dimension tracked for a scope (all hosts or one host).
type Counts struct {
	TotalHits          int64   `json:"total_hits"`
	HitsByStatus       Counter `json:"hits_by_status"`
	HitsByDomain       Counter `json:"hits_by_domain"`
	HitsByDomainErrors Counter `json:"hits_by_domain_errors"`
	Paths              Counter `json:"paths"`
	IPs                Counter `json:"ips"`
	IPErrors           Counter `json:"ip_errors"`
	UserAgents         Counter `json:"user_agents"`
	Referers           Counter `json:"referers"`
	Methods            Counter `json:"methods"`
	Countries          Counter `json:"countries"`
	Providers          Counter `json:"providers"`
	ASNs               Counter `json:"asns"`
	SecurityHits       int64   `json:"security_hits"`
}

func (c *Counts) add(h Hit) {
	c.TotalHits++
	if h.Status > 0 {
		c.HitsByStatus.inc(strconv.Itoa(h.Status))
	}
	c.HitsByDomain.inc(h.Host)
	if h.Status >= 400 {
		c.HitsByDomainErrors.inc(h.Host)
		c.IPErrors.inc(h.IP)
	}
	c.Paths.inc(h.Path)
	c.IPs.inc(h.IP)
	c.UserAgents.inc(h.UserAgent)
	c.Referers.inc(h.Referer)
	c.Methods.inc(h.Method)
	c.Countries.inc(h.Country)
	c.Providers.inc(h.Provider)
	c.ASNs.inc(h.ASN)
	if h.Blocked != "" {
		c.SecurityHits++
	}
}

// Snapshot is the full aggregate of one calendar day. The rolling snapshot also
// carries recent hits; frozen daily snapshots never do.
type Snapshot struct {
	Date string `json:"date"`
	Counts
	HitsOverTime Counter            `json:"hits_over_time"` // key: RFC 3339 hour
	Hostwise     map[string]*Counts `json:"hostwise"`
}

// NewSnapshot returns an empty snapshot for date (YYYY-MM-DD).
func NewSnapshot(date string) *Snapshot {
	return &Snapshot{Date: date, Hostwise: map[string]*Counts{}}
}

// Add counts h. hostScoped reports whether per-host stats should track h.Host.
func (s *Snapshot) Add(h Hit, hostScoped bool) {
	s.Counts.add(h)
	s.HitsOverTime.inc(h.Time.UTC().Truncate(time.Hour).Format(time.RFC3339))
	if h.Host == "" || !hostScoped {
		return
	}
	if s.Hostwise == nil {
		s.Hostwise = map[string]*Counts{}
	}
	hc := s.Hostwise[h.Host]
	if hc == nil {
		hc = &Counts{}
		s.Hostwise[h.Host] = hc
	}
	hc.add(h)
}

// Report is the read model served to callers: deep-copied maps and ranked lists.
type Report struct {
	Date               string             `json:"date,omitempty"`
	TotalHits          int64              `json:"total_hits"`
	HitsOverTime       map[string]int64   `json:"hits_over_time,omitempty"`
	HitsByStatus       map[string]int64   `json:"hits_by_status"`
	HitsByDomain       map[string]int64   `json:"hits_by_domain"`
	HitsByDomainErrors map[string]int64   `json:"hits_by_domain_errors"`
	TopPaths           []Ranked           `json:"top_paths"`
	TopIPs             []Ranked           `json:"top_ips"`
	TopIPsWithErrors   []Ranked           `json:"top_ips_with_errors"`
	TopUserAgents      []Ranked           `json:"top_user_agents"`
	TopReferers        []Ranked           `json:"top_referers"`
	TopMethods         []Ranked           `json:"top_methods"`
	HitsByCountry      map[string]int64   `json:"hits_by_country"`
	HitsByProvider     map[string]int64   `json:"hits_by_provider"`
	HitsByASN          map[string]int64   `json:"hits_by_asn"`
	SecurityHits       int64              `json:"security_hits"`
	Hostwise           map[string]*Report `json:"hostwise,omitempty"`
	RecentHits         []Hit              `json:"recent_hits,omitempty"`
}

func (c *Counts) report(topN int) *Report {
	return &Report{
		TotalHits:          c.TotalHits,
		HitsByStatus:       c.HitsByStatus.clone(),
		HitsByDomain:       c.HitsByDomain.clone(),
		HitsByDomainErrors: c.HitsByDomainErrors.clone(),
		TopPaths:           c.Paths.top(topN),
		TopIPs:             c.IPs.top(topN),
		TopIPsWithErrors:   c.IPErrors.top(topN),
		TopUserAgents:      c.UserAgents.top(topN),
		TopReferers:        c.Referers.top(topN),
		TopMethods:         c.Methods.top(topN),
		HitsByCountry:      c.Countries.clone(),
		HitsByProvider:     c.Providers.clone(),
		HitsByASN:          c.ASNs.clone(),
		SecurityHits:       c.SecurityHits,
	}
}

// Report renders the snapshot with top-N lists.
func (s *Snapshot) Report(topN int) *Report {
	r := s.Counts.report(topN)
	r.Date = s.Date
	r.HitsOverTime = s.HitsOverTime.clone()
	r.Hostwise = make(map[string]*Report, len(s.Hostwise))
	for host, c := range s.Hostwise {
		r.Hostwise[host] = c.report(topN)
	}
	return r
}

// HostReport renders the stats of a single host, or nil when it has none.
func (s *Snapshot) HostReport(host string, topN int) *Report {
	c, ok := s.Hostwise[host]
	if !ok {
		return nil
	}
	r := c.report(topN)
	r.Date = s.Date
	return r
}

// ring keeps the last cap hits.
type ring struct {
	buf  []Hit
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &ring{buf: make([]Hit, capacity)}
}

func (r *ring) push(h Hit) {
	r.buf[r.next] = h
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// newestFirst copies the buffer, most recent hit first.
func (r *ring) newestFirst() []Hit {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Hit, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
