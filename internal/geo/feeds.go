package geo

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/edgeward/edgeward/internal/logger"
)

// Feed is a published range list refreshed on a schedule.
type Feed struct {
	URL      string
	Provider string
	Type     string
}

// ParseFeeds reads `provider|type|url` entries. A bare URL is accepted with empty provider and type.
func ParseFeeds(entries []string) ([]Feed, error) {
	var feeds []Feed
	for _, e := range entries {
		parts := strings.Split(strings.TrimSpace(e), "|")
		var f Feed
		switch len(parts) {
		case 1:
			f.URL = parts[0]
		case 3:
			f = Feed{Provider: strings.TrimSpace(parts[0]), Type: strings.TrimSpace(parts[1]), URL: strings.TrimSpace(parts[2])}
		default:
			return nil, fmt.Errorf("geo feed %q: want provider|type|url", e)
		}
		if !strings.HasPrefix(f.URL, "http://") && !strings.HasPrefix(f.URL, "https://") {
			return nil, fmt.Errorf("geo feed %q: url must be http(s)", e)
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

// RefreshFeeds imports every feed, continuing past failures. It returns the number refreshed.
func (t *Table) RefreshFeeds(ctx context.Context, feeds []Feed) int {
	ok := 0
	for _, f := range feeds {
		if _, err := t.ImportFeed(ctx, f.URL, f.Provider, f.Type); err != nil {
			logger.Log().WithError(err).WithField("feed", f.URL).Warn("geo feed refresh failed")
			continue
		}
		ok++
	}
	return ok
}

// Schedule registers the feed refresh on c. No job is added when feeds is empty.
func (t *Table) Schedule(ctx context.Context, c *cron.Cron, spec string, feeds []Feed) error {
	if len(feeds) == 0 {
		return nil
	}
	if _, err := c.AddFunc(spec, func() { t.RefreshFeeds(ctx, feeds) }); err != nil {
		return fmt.Errorf("schedule geo feed refresh %q: %w", spec, err)
	}
	return nil
}
