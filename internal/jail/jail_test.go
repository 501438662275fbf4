package jail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/database"
	"github.com/edgeward/edgeward/internal/events"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/reputation"
	"github.com/edgeward/edgeward/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.FirewallEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.FirewallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingReconciler struct {
	calls int
	err   error
}

func (r *countingReconciler) Reconcile(context.Context) error {
	r.calls++
	return r.err
}

type staticGeo struct{}

func (staticGeo) Lookup(ip string) geo.Info {
	return geo.Info{IP: ip, CountryCode: "DE", Provider: "Hetzner", CIDR: "203.0.113.0/24"}
}

type fixture struct {
	store      *store.Store
	enforcer   *Enforcer
	scheduler  *Scheduler
	publisher  *recordingPublisher
	reconciler *countingReconciler
	now        *time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Connect("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.New(db).WithClock(clock)
	tracker := reputation.NewTracker(db, reputation.Config{BaseDuration: time.Minute, MaxDuration: time.Hour}).WithClock(clock)
	pub := &recordingPublisher{}
	rec := &countingReconciler{}
	e := NewEnforcer(st, tracker, pub, nil, rec, staticGeo{})
	return &fixture{store: st, enforcer: e, scheduler: NewScheduler(e, time.Second), publisher: pub, reconciler: rec, now: &now}
}

func TestJail_CreatesThenExtends(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	out, err := f.enforcer.Jail(ctx, "203.0.113.5", "4xx burst", reputation.GeoInfo{})
	require.NoError(t, err)
	assert.False(t, out.Extended)
	assert.Equal(t, time.Minute, out.Decision.Duration)
	assert.Equal(t, models.RuleSourceJail, out.Rule.Source)
	assert.Equal(t, "DE", out.Rule.Country)
	firstExpiry := *out.Rule.ExpiresAt

	out, err = f.enforcer.Jail(ctx, "203.0.113.5", "acl", reputation.GeoInfo{Country: "NL"})
	require.NoError(t, err)
	assert.True(t, out.Extended)
	assert.Equal(t, 2*time.Minute, out.Decision.Duration)
	assert.True(t, out.Rule.ExpiresAt.After(firstExpiry))

	rules, err := f.store.ActiveRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, []string{events.TypeJail, events.TypeJail}, f.publisher.types())
	assert.Equal(t, 2, f.reconciler.calls)
}

func TestJail_PermanentBlockStaysPermanent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.enforcer.Block(ctx, BlockRequest{IP: "198.51.100.9", Comment: "abuse"})
	require.NoError(t, err)

	out, err := f.enforcer.Jail(ctx, "198.51.100.9", "scanner", reputation.GeoInfo{})
	require.NoError(t, err)
	assert.True(t, out.Extended)
	assert.Nil(t, out.Rule.ExpiresAt)
}

func TestJail_PortRuleDoesNotCoverJail(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	port := 22
	_, err := f.enforcer.Block(ctx, BlockRequest{IP: "198.51.100.10", Port: &port, Protocol: "tcp"})
	require.NoError(t, err)

	out, err := f.enforcer.Jail(ctx, "198.51.100.10", "scanner", reputation.GeoInfo{})
	require.NoError(t, err)
	assert.False(t, out.Extended)
	assert.Nil(t, out.Rule.Port)

	rules, err := f.store.ActiveRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestSweep_IdempotentExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rule, err := f.enforcer.Block(ctx, BlockRequest{IP: "203.0.113.5", TTL: 60 * time.Second})
	require.NoError(t, err)
	_, err = f.enforcer.Block(ctx, BlockRequest{IP: "203.0.113.6"})
	require.NoError(t, err)

	now := f.store.Now()
	active, _, err := f.store.ListRules(ctx, store.RuleFilter{ActiveAt: &now})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	n, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*f.now = f.now.Add(61 * time.Second)
	calls := f.reconciler.calls
	n, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, calls+1, f.reconciler.calls)

	_, err = f.store.GetRule(ctx, rule.UUID)
	assert.True(t, apperr.IsNotFound(err))

	n, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, calls+1, f.reconciler.calls)

	audits, err := f.store.ListAudits(ctx, store.AuditRuleExpired, 10)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestUnblock_AlreadyRemovedIsNotAnError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rule, err := f.enforcer.Block(ctx, BlockRequest{IP: "203.0.113.7", TTL: time.Second})
	require.NoError(t, err)

	removed, err := f.enforcer.Unblock(ctx, rule.UUID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.enforcer.Unblock(ctx, rule.UUID)
	require.NoError(t, err)
	assert.False(t, removed)

	*f.now = f.now.Add(time.Minute)
	n, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{events.TypeBlock, events.TypeRelease}, f.publisher.types())
}

func TestBlock_ValidationAndReconcileFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.enforcer.Block(ctx, BlockRequest{IP: "10.0.0.0/8"})
	assert.True(t, apperr.IsValidation(err))
	_, err = f.enforcer.Block(ctx, BlockRequest{IP: "10.0.0.1", TTL: -time.Second})
	assert.True(t, apperr.IsValidation(err))

	f.reconciler.err = errors.New("caddy down")
	rule, err := f.enforcer.Block(ctx, BlockRequest{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.UUID)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := setup(t)
	s := NewScheduler(f.enforcer, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
