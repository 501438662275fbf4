package certs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/logger"
)

// exchangeFunc sends one DNS message. Swapped in tests.
type exchangeFunc func(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error)

func defaultExchange(client *dns.Client) exchangeFunc {
	return func(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
		r, _, err := client.ExchangeContext(ctx, m, server)
		return r, err
	}
}

// rfc2136Provider publishes records with authenticated dynamic updates.
type rfc2136Provider struct {
	nameserver string
	zone       string
	tsigKey    string
	tsigSecret string
	tsigAlgo   string
	exchange   exchangeFunc
}

func newRFC2136Provider(cred map[string]string) *rfc2136Provider {
	get := func(k string) string { return strings.TrimSpace(cred[k]) }
	p := &rfc2136Provider{
		nameserver: get("nameserver"),
		zone:       get("zone"),
		tsigKey:    get("tsig_key"),
		tsigSecret: get("tsig_secret"),
		tsigAlgo:   tsigAlgorithm(get("tsig_algorithm")),
	}
	client := &dns.Client{Net: "udp", Timeout: 10 * time.Second}
	if p.tsigKey != "" {
		client.TsigSecret = map[string]string{dns.Fqdn(p.tsigKey): p.tsigSecret}
	}
	p.exchange = defaultExchange(client)
	return p
}

func tsigAlgorithm(name string) string {
	switch strings.ToLower(strings.TrimSuffix(name, ".")) {
	case "hmac-sha1":
		return dns.HmacSHA1
	case "hmac-sha512":
		return dns.HmacSHA512
	default:
		return dns.HmacSHA256
	}
}

// findZone asks the nameserver for the SOA of each candidate zone, most specific first.
func (p *rfc2136Provider) findZone(ctx context.Context, domain string) (string, error) {
	if p.zone != "" {
		return dns.Fqdn(p.zone), nil
	}
	for _, name := range candidateZones(domain) {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), dns.TypeSOA)
		r, err := p.exchange(ctx, m, p.nameserver)
		if err != nil {
			return "", apperr.External("rfc2136 soa", true, err)
		}
		if r.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range r.Answer {
			if soa, ok := rr.(*dns.SOA); ok {
				return soa.Hdr.Name, nil
			}
		}
	}
	return "", apperr.External("rfc2136 soa", false, fmt.Errorf("no zone found for %s on %s", domain, p.nameserver))
}

func (p *rfc2136Provider) update(ctx context.Context, domain, fqdn, value string, insert bool) error {
	zone, err := p.findZone(ctx, domain)
	if err != nil {
		return err
	}
	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: dns.Fqdn(fqdn), Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: txtTTL},
		Txt: []string{value},
	}

	m := new(dns.Msg)
	m.SetUpdate(zone)
	if insert {
		m.Insert([]dns.RR{rr})
	} else {
		m.Remove([]dns.RR{rr})
	}
	if p.tsigKey != "" {
		m.SetTsig(dns.Fqdn(p.tsigKey), p.tsigAlgo, 300, time.Now().Unix())
	}

	r, err := p.exchange(ctx, m, p.nameserver)
	if err != nil {
		return apperr.External("rfc2136 update", true, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return apperr.External("rfc2136 update", r.Rcode == dns.RcodeServerFailure,
			fmt.Errorf("nameserver answered %s", dns.RcodeToString[r.Rcode]))
	}
	return nil
}

func (p *rfc2136Provider) Present(ctx context.Context, domain, fqdn, value string) error {
	return p.update(ctx, domain, fqdn, value, true)
}

func (p *rfc2136Provider) CleanUp(ctx context.Context, domain, fqdn, value string) error {
	return p.update(ctx, domain, fqdn, value, false)
}

// PropagationChecker polls recursive resolvers until a TXT record is visible on all of them.
type PropagationChecker struct {
	Resolvers []string
	Timeout   time.Duration
	Poll      time.Duration
	exchange  exchangeFunc
}

// NewPropagationChecker creates a checker using the given resolvers (host:port).
func NewPropagationChecker(resolvers []string, timeout, poll time.Duration) *PropagationChecker {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &PropagationChecker{
		Resolvers: resolvers,
		Timeout:   timeout,
		Poll:      poll,
		exchange:  defaultExchange(&dns.Client{Net: "udp", Timeout: 5 * time.Second}),
	}
}

// Wait blocks until every resolver returns value for fqdn, the timeout passes or ctx ends.
func (c *PropagationChecker) Wait(ctx context.Context, fqdn, value string) error {
	deadline := time.NewTimer(c.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.Poll)
	defer ticker.Stop()

	for {
		pending := c.pending(ctx, fqdn, value)
		if len(pending) == 0 {
			return nil
		}
		logger.Log().WithField("record", fqdn).Debugf("waiting for TXT on %s", strings.Join(pending, ","))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return apperr.External("dns propagation", true,
				fmt.Errorf("TXT %s not visible on %s after %s", fqdn, strings.Join(pending, ","), c.Timeout))
		case <-ticker.C:
		}
	}
}

// pending returns the resolvers that do not yet serve the record.
func (c *PropagationChecker) pending(ctx context.Context, fqdn, value string) []string {
	var out []string
	for _, server := range c.Resolvers {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
		m.RecursionDesired = true
		r, err := c.exchange(ctx, m, server)
		if err != nil || !hasTXT(r, value) {
			out = append(out, server)
		}
	}
	return out
}

func hasTXT(r *dns.Msg, value string) bool {
	if r == nil {
		return false
	}
	for _, rr := range r.Answer {
		if txt, ok := rr.(*dns.TXT); ok && strings.Join(txt.Txt, "") == value {
			return true
		}
	}
	return false
}
