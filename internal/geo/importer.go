package geo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/version"
)

const maxFeedBytes = 32 << 20

// ImportResult summarizes one bulk load.
type ImportResult struct {
	Source   string `json:"source"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
}

// HTTPClient is the subset of *http.Client used for feeds.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var feedClient HTTPClient = &http.Client{Timeout: 60 * time.Second}

// ImportCSV loads `cidr,country_code,country_name,provider,type` rows, replacing every range
// previously imported under source. A header row is optional; invalid rows are skipped.
func (t *Table) ImportCSV(ctx context.Context, r io.Reader, source string) (ImportResult, error) {
	const op = "import csv"
	if strings.TrimSpace(source) == "" {
		return ImportResult{}, apperr.Validation(op, "source is required")
	}
	res := ImportResult{Source: source}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var rows []models.GeoRange
	first := true
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Skipped++
				continue
			}
			return res, apperr.Validation(op, "read csv: %v", err)
		}
		if first {
			first = false
			if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "cidr") {
				continue
			}
		}
		row, ok := rangeFromFields(rec, source)
		if !ok {
			res.Skipped++
			continue
		}
		rows = append(rows, row)
	}

	if err := t.replaceSource(ctx, source, rows); err != nil {
		return res, err
	}
	res.Imported = len(rows)
	return res, nil
}

// ImportFeed downloads a published range list. Both plain CIDR-per-line files and JSON
// documents with prefixes[].ip_prefix / ipv4Prefix / ipv6Prefix are accepted.
func (t *Table) ImportFeed(ctx context.Context, url, provider, typ string) (ImportResult, error) {
	const op = "import feed"
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ImportResult{}, apperr.Validation(op, "feed url must be http(s)")
	}
	res := ImportResult{Source: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return res, apperr.Validation(op, "invalid feed url: %v", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := feedClient.Do(req)
	if err != nil {
		return res, apperr.External(op, true, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return res, apperr.External(op, resp.StatusCode >= 500, fmt.Errorf("feed returned %s", resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return res, apperr.External(op, true, err)
	}

	cidrs, skipped := parseFeed(body)
	res.Skipped = skipped
	rows := make([]models.GeoRange, 0, len(cidrs))
	for _, c := range cidrs {
		if row, ok := rangeFromFields([]string{c, "", "", provider, typ}, url); ok {
			rows = append(rows, row)
		} else {
			res.Skipped++
		}
	}
	if err := t.replaceSource(ctx, url, rows); err != nil {
		return res, err
	}
	res.Imported = len(rows)
	logger.Log().WithField("source", url).WithField("imported", res.Imported).Info("geo feed imported")
	return res, nil
}

type jsonFeed struct {
	Prefixes []struct {
		IPPrefix   string `json:"ip_prefix"`
		IPv4Prefix string `json:"ipv4Prefix"`
		IPv6Prefix string `json:"ipv6Prefix"`
	} `json:"prefixes"`
	IPv6Prefixes []struct {
		IPv6Prefix string `json:"ipv6_prefix"`
	} `json:"ipv6_prefixes"`
}

func parseFeed(body []byte) ([]string, int) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var doc jsonFeed
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, 1
		}
		var out []string
		for _, p := range doc.Prefixes {
			for _, c := range []string{p.IPPrefix, p.IPv4Prefix, p.IPv6Prefix} {
				if c != "" {
					out = append(out, c)
				}
			}
		}
		for _, p := range doc.IPv6Prefixes {
			if p.IPv6Prefix != "" {
				out = append(out, p.IPv6Prefix)
			}
		}
		return out, 0
	}

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		out = append(out, strings.Fields(line)[0])
	}
	return out, 0
}

// rangeFromFields turns a CSV record into a row; single addresses become host prefixes.
func rangeFromFields(rec []string, source string) (models.GeoRange, bool) {
	if len(rec) == 0 {
		return models.GeoRange{}, false
	}
	field := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	raw := field(0)
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		addr, aerr := netip.ParseAddr(raw)
		if aerr != nil {
			return models.GeoRange{}, false
		}
		prefix = netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen())
	}
	prefix = prefix.Masked()
	return models.GeoRange{
		CIDR:        prefix.String(),
		PrefixLen:   prefix.Bits(),
		CountryCode: strings.ToUpper(field(1)),
		CountryName: field(2),
		Provider:    field(3),
		Type:        field(4),
		Source:      source,
	}, true
}

func (t *Table) replaceSource(ctx context.Context, source string, rows []models.GeoRange) error {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source = ?", source).Delete(&models.GeoRange{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return fmt.Errorf("replace geo source %s: %w", source, err)
	}
	return t.Load(ctx)
}
