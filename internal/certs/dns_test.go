package certs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/apperr"
)

func txtAnswer(q *dns.Msg, value string) *dns.Msg {
	r := new(dns.Msg)
	r.SetReply(q)
	r.Answer = append(r.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
		Txt: []string{value},
	})
	return r
}

func TestPropagationChecker_WaitsForAllResolvers(t *testing.T) {
	var polls int32
	c := NewPropagationChecker([]string{"10.0.0.1:53", "10.0.0.2:53"}, time.Second, 10*time.Millisecond)
	c.exchange = func(_ context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
		n := atomic.AddInt32(&polls, 1)
		if server == "10.0.0.2:53" && n < 4 {
			r := new(dns.Msg)
			r.SetRcode(m, dns.RcodeNameError)
			return r, nil
		}
		return txtAnswer(m, "token-value"), nil
	}

	require.NoError(t, c.Wait(context.Background(), "_acme-challenge.example.com.", "token-value"))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(4))
}

func TestPropagationChecker_TimeoutIsRetryable(t *testing.T) {
	c := NewPropagationChecker([]string{"10.0.0.1:53"}, 50*time.Millisecond, 10*time.Millisecond)
	c.exchange = func(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, error) {
		return txtAnswer(m, "stale"), nil
	}

	err := c.Wait(context.Background(), "_acme-challenge.example.com.", "fresh")
	require.Error(t, err)
	assert.True(t, apperr.IsExternal(err))
	assert.True(t, apperr.IsRetryable(err))
	assert.Contains(t, err.Error(), "10.0.0.1:53")
}

func TestPropagationChecker_ContextCancel(t *testing.T) {
	c := NewPropagationChecker([]string{"10.0.0.1:53"}, time.Minute, 10*time.Millisecond)
	c.exchange = func(context.Context, *dns.Msg, string) (*dns.Msg, error) {
		return nil, errors.New("i/o timeout")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Wait(ctx, "_acme-challenge.example.com.", "v")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRFC2136Provider_DiscoversZoneAndSignsUpdate(t *testing.T) {
	p := newRFC2136Provider(map[string]string{
		"nameserver":     "192.0.2.53:53",
		"tsig_key":       "edgeward",
		"tsig_secret":    "c2VjcmV0",
		"tsig_algorithm": "hmac-sha512",
	})

	var updates []*dns.Msg
	p.exchange = func(_ context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
		assert.Equal(t, "192.0.2.53:53", server)
		r := new(dns.Msg)
		if m.Opcode == dns.OpcodeUpdate {
			updates = append(updates, m)
			r.SetReply(m)
			return r, nil
		}
		if m.Question[0].Name != "example.com." {
			r.SetRcode(m, dns.RcodeNameError)
			return r, nil
		}
		r.SetReply(m)
		r.Answer = append(r.Answer, &dns.SOA{
			Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
			Ns:  "ns1.example.com.", Mbox: "hostmaster.example.com.",
		})
		return r, nil
	}

	ctx := context.Background()
	fqdn := challengeFQDN("www.example.com")
	require.NoError(t, p.Present(ctx, "www.example.com", fqdn, "abc"))
	require.NoError(t, p.CleanUp(ctx, "www.example.com", fqdn, "abc"))

	require.Len(t, updates, 2)
	insert := updates[0]
	assert.Equal(t, "example.com.", insert.Question[0].Name)
	require.Len(t, insert.Ns, 1)
	txt, ok := insert.Ns[0].(*dns.TXT)
	require.True(t, ok)
	assert.Equal(t, "_acme-challenge.www.example.com.", txt.Hdr.Name)
	assert.Equal(t, []string{"abc"}, txt.Txt)
	require.NotNil(t, insert.IsTsig())
	assert.Equal(t, dns.HmacSHA512, insert.IsTsig().Algorithm)

	assert.Equal(t, uint16(dns.ClassNONE), updates[1].Ns[0].Header().Class)
}

func TestRFC2136Provider_RefusedUpdate(t *testing.T) {
	p := newRFC2136Provider(map[string]string{"nameserver": "192.0.2.53:53", "zone": "example.com"})
	p.exchange = func(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, error) {
		r := new(dns.Msg)
		r.SetRcode(m, dns.RcodeRefused)
		return r, nil
	}

	err := p.Present(context.Background(), "example.com", "_acme-challenge.example.com.", "v")
	require.Error(t, err)
	assert.True(t, apperr.IsExternal(err))
	assert.False(t, apperr.IsRetryable(err))
	assert.Contains(t, err.Error(), "REFUSED")
}
