package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeeds(t *testing.T) {
	feeds, err := ParseFeeds([]string{
		"https://example.com/ips.txt",
		"ExampleCloud | cloud | https://example.com/ranges.json",
	})
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, Feed{URL: "https://example.com/ips.txt"}, feeds[0])
	assert.Equal(t, Feed{URL: "https://example.com/ranges.json", Provider: "ExampleCloud", Type: "cloud"}, feeds[1])

	_, err = ParseFeeds([]string{"a|https://example.com"})
	assert.Error(t, err)
	_, err = ParseFeeds([]string{"x|y|ftp://example.com"})
	assert.Error(t, err)
}

func TestRefreshFeeds_ContinuesPastFailures(t *testing.T) {
	tbl := setupTable(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok.txt" {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("192.0.2.0/24\n"))
	}))
	defer srv.Close()

	n := tbl.RefreshFeeds(context.Background(), []Feed{
		{URL: srv.URL + "/down.txt", Provider: "Broken"},
		{URL: srv.URL + "/ok.txt", Provider: "DocNet", Type: "isp"},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, "DocNet", tbl.Lookup("192.0.2.9").Provider)
}

func TestSchedule(t *testing.T) {
	tbl := setupTable(t)
	c := cron.New()
	require.NoError(t, tbl.Schedule(context.Background(), c, "@daily", nil))
	assert.Empty(t, c.Entries())

	require.NoError(t, tbl.Schedule(context.Background(), c, "@daily", []Feed{{URL: "https://example.com/x"}}))
	assert.Len(t, c.Entries(), 1)
	assert.Error(t, tbl.Schedule(context.Background(), c, "not a spec", []Feed{{URL: "https://example.com/x"}}))
}
