// Package geo resolves IP addresses to country and network operator.
package geo

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/models"
)

// Info is the result of a lookup. Zero fields are unknown.
type Info struct {
	IP          string `json:"ip"`
	CIDR        string `json:"cidr,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	CountryName string `json:"country_name,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Type        string `json:"type,omitempty"`
	ASN         uint   `json:"asn,omitempty"`
	ASNOrg      string `json:"asn_org,omitempty"`
}

// Table is an in-memory, prefix-length indexed copy of the GeoRange table,
// optionally backed by MaxMind databases for addresses no range covers.
type Table struct {
	db *gorm.DB

	mu     sync.RWMutex
	ranges map[netip.Prefix]models.GeoRange
	lens4  []int // descending
	lens6  []int

	country *geoip2.Reader
	asn     *geoip2.Reader
}

// NewTable returns an empty table over db. Call Load to populate it.
func NewTable(db *gorm.DB) *Table {
	return &Table{db: db, ranges: map[netip.Prefix]models.GeoRange{}}
}

// OpenMMDB attaches MaxMind country and ASN databases. Empty paths are skipped.
func (t *Table) OpenMMDB(countryPath, asnPath string) error {
	if countryPath != "" {
		r, err := geoip2.Open(countryPath)
		if err != nil {
			return fmt.Errorf("open country db: %w", err)
		}
		t.country = r
	}
	if asnPath != "" {
		r, err := geoip2.Open(asnPath)
		if err != nil {
			return fmt.Errorf("open asn db: %w", err)
		}
		t.asn = r
	}
	return nil
}

// Close releases MaxMind readers.
func (t *Table) Close() error {
	if t.country != nil {
		_ = t.country.Close()
	}
	if t.asn != nil {
		_ = t.asn.Close()
	}
	return nil
}

// Load rebuilds the index from the database.
func (t *Table) Load(ctx context.Context) error {
	var rows []models.GeoRange
	if err := t.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("load geo ranges: %w", err)
	}

	ranges := make(map[netip.Prefix]models.GeoRange, len(rows))
	seen4, seen6 := map[int]bool{}, map[int]bool{}
	for _, r := range rows {
		p, err := netip.ParsePrefix(r.CIDR)
		if err != nil {
			continue
		}
		p = p.Masked()
		ranges[p] = r
		if p.Addr().Is4() {
			seen4[p.Bits()] = true
		} else {
			seen6[p.Bits()] = true
		}
	}

	t.mu.Lock()
	t.ranges = ranges
	t.lens4 = sortedDesc(seen4)
	t.lens6 = sortedDesc(seen6)
	t.mu.Unlock()
	return nil
}

// Len returns the number of indexed ranges.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ranges)
}

// Lookup returns the most specific range containing ip, enriched from MaxMind when available.
func (t *Table) Lookup(ip string) Info {
	info := Info{IP: ip}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return info
	}
	addr = addr.Unmap()
	info.IP = addr.String()

	t.mu.RLock()
	lens := t.lens6
	if addr.Is4() {
		lens = t.lens4
	}
	for _, bits := range lens {
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if r, ok := t.ranges[p]; ok {
			info.CIDR = p.String()
			info.CountryCode = r.CountryCode
			info.CountryName = r.CountryName
			info.Provider = r.Provider
			info.Type = r.Type
			break
		}
	}
	t.mu.RUnlock()

	netIP := net.IP(addr.AsSlice())
	if info.CountryCode == "" && t.country != nil {
		if rec, err := t.country.Country(netIP); err == nil && rec.Country.IsoCode != "" {
			info.CountryCode = rec.Country.IsoCode
			info.CountryName = rec.Country.Names["en"]
		}
	}
	if t.asn != nil {
		if rec, err := t.asn.ASN(netIP); err == nil && rec.AutonomousSystemNumber != 0 {
			info.ASN = rec.AutonomousSystemNumber
			info.ASNOrg = rec.AutonomousSystemOrganization
			if info.Provider == "" {
				info.Provider = rec.AutonomousSystemOrganization
			}
		}
	}
	return info
}

func sortedDesc(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
