package reputation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/database"
)

func setupTracker(t *testing.T, cfg Config) (*Tracker, *time.Time) {
	t.Helper()
	db, err := database.Connect("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return NewTracker(db, cfg).WithClock(func() time.Time { return now }), &now
}

func TestJailDuration(t *testing.T) {
	base, max := 15*time.Minute, 24*time.Hour
	assert.Equal(t, base, JailDuration(base, max, 0))
	assert.Equal(t, 30*time.Minute, JailDuration(base, max, 1))
	assert.Equal(t, 16*time.Hour, JailDuration(base, max, 6))
	assert.Equal(t, max, JailDuration(base, max, 7))
	assert.Equal(t, max, JailDuration(base, max, 62))
	assert.Equal(t, max, JailDuration(base, max, 1000))
	assert.Equal(t, base, JailDuration(base, max, -3))
	assert.Equal(t, time.Duration(math.MaxInt64), JailDuration(time.Second, time.Duration(math.MaxInt64), 40))
}

func TestTierFor(t *testing.T) {
	cases := map[int]string{0: TierLow, 1: TierMedium, 4: TierMedium, 5: TierHigh, 9: TierHigh, 10: TierCritical, 99: TierCritical}
	for n, want := range cases {
		assert.Equal(t, want, TierFor(n), "blocked=%d", n)
	}
}

func TestRecordViolation_ExponentialEscalation(t *testing.T) {
	base, max := time.Minute, 10*time.Minute
	tr, _ := setupTracker(t, Config{BaseDuration: base, MaxDuration: max, MaxReasons: 3})
	ctx := context.Background()

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, max, max}
	for i, w := range want {
		d, err := tr.RecordViolation(ctx, "203.0.113.5", fmt.Sprintf("violation %d", i), GeoInfo{Country: "NL"})
		require.NoError(t, err)
		assert.Equal(t, w, d.Duration, "call %d", i+1)
		assert.Equal(t, i+1, d.BlockedTimes)
	}

	rep, err := tr.Get(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, len(want), rep.BlockedTimes)
	assert.Equal(t, len(want), rep.ExponentialBlockedTimes)
	assert.Equal(t, []string{"violation 3", "violation 4", "violation 5"}, rep.Reasons)
	assert.Equal(t, "NL", rep.Country)
}

func TestRecordViolation_InvalidIP(t *testing.T) {
	tr, _ := setupTracker(t, Config{})
	_, err := tr.RecordViolation(context.Background(), "999.1.1.1", "x", GeoInfo{})
	assert.True(t, apperr.IsValidation(err))
}

func TestRecordViolation_LongReasonKeepsValidUTF8(t *testing.T) {
	tr, _ := setupTracker(t, Config{})
	ctx := context.Background()
	// 255 ASCII bytes then a 3-byte rune straddling the limit.
	reason := strings.Repeat("a", maxReasonLen-1) + "€ tail"
	_, err := tr.RecordViolation(ctx, "203.0.113.6", reason, GeoInfo{})
	require.NoError(t, err)

	rep, err := tr.Get(ctx, "203.0.113.6")
	require.NoError(t, err)
	require.Len(t, rep.Reasons, 1)
	assert.True(t, utf8.ValidString(rep.Reasons[0]))
	assert.Equal(t, strings.Repeat("a", maxReasonLen-1), rep.Reasons[0])

	assert.Equal(t, "short", truncateReason("short"))
	exact := strings.Repeat("é", maxReasonLen/2)
	assert.Equal(t, exact, truncateReason(exact))
	assert.Len(t, truncateReason(exact+"é"), maxReasonLen)
}

func TestDelete_IndependentRecord(t *testing.T) {
	tr, _ := setupTracker(t, Config{})
	ctx := context.Background()

	_, err := tr.RecordViolation(ctx, "2001:db8::5", "acl", GeoInfo{})
	require.NoError(t, err)
	require.NoError(t, tr.Delete(ctx, "2001:DB8::5"))
	assert.True(t, apperr.IsNotFound(tr.Delete(ctx, "2001:db8::5")))

	// history restarts from scratch
	d, err := tr.RecordViolation(ctx, "2001:db8::5", "acl", GeoInfo{})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d.Duration)
	assert.Equal(t, 1, d.BlockedTimes)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(`country:DE isp:"Digital Ocean" blocked:>=5 tier:HIGH scanner foo:bar`)
	require.NoError(t, err)
	assert.Equal(t, "DE", f.Country)
	assert.Equal(t, "Digital Ocean", f.ISP)
	assert.Equal(t, ">=", f.BlockedOp)
	assert.Equal(t, 5, f.BlockedVal)
	assert.Equal(t, TierHigh, f.Tier)
	assert.Equal(t, []string{"scanner", "foo:bar"}, f.Text)

	f, err = ParseFilter("blocked:3")
	require.NoError(t, err)
	assert.Equal(t, ">=", f.BlockedOp)
	assert.Equal(t, 3, f.BlockedVal)

	_, err = ParseFilter("tier:extreme")
	assert.True(t, apperr.IsValidation(err))
	_, err = ParseFilter("blocked:>=x")
	assert.True(t, apperr.IsValidation(err))
}

func TestList_FiltersAndSort(t *testing.T) {
	tr, now := setupTracker(t, Config{})
	ctx := context.Background()

	seed := []struct {
		ip      string
		times   int
		country string
		isp     string
		reason  string
	}{
		{"198.51.100.1", 1, "DE", "Hetzner Online", "acl"},
		{"198.51.100.2", 5, "DE", "Hetzner Online", "4xx burst"},
		{"198.51.100.3", 10, "US", "DigitalOcean", "scanner"},
		{"198.51.100.4", 6, "US", "Amazon", "firewall"},
	}
	for _, s := range seed {
		for i := 0; i < s.times; i++ {
			*now = now.Add(time.Second)
			_, err := tr.RecordViolation(ctx, s.ip, s.reason, GeoInfo{Country: s.country, ISP: s.isp, Range: "198.51.100.0/24"})
			require.NoError(t, err)
		}
	}

	entries, total, err := tr.List(ctx, Query{Search: "country:de", Sort: "-blocked"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, entries, 2)
	assert.Equal(t, "198.51.100.2", entries[0].IP)
	assert.Equal(t, TierHigh, entries[0].Tier)

	entries, _, err = tr.List(ctx, Query{Search: "tier:high", Sort: "ip"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "198.51.100.2", entries[0].IP)
	assert.Equal(t, "198.51.100.4", entries[1].IP)

	entries, _, err = tr.List(ctx, Query{Search: "blocked:>=10"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TierCritical, entries[0].Tier)

	entries, _, err = tr.List(ctx, Query{Search: "isp:ocean scanner"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.3", entries[0].IP)

	entries, _, err = tr.List(ctx, Query{Search: "range:198.51.100.0/24", Sort: "-last_activity", Limit: 1, Page: 2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.3", entries[0].IP)

	_, _, err = tr.List(ctx, Query{Sort: "country"})
	assert.True(t, apperr.IsValidation(err))
}
