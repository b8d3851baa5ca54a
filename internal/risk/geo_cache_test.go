package risk_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openidx/loginrisk/internal/risk"
	"github.com/openidx/loginrisk/internal/risk/risktest"
)

func TestResolve_MissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)
	assert.Equal(t, "primary", first.Source)
	assert.Equal(t, "default", first.Tenant)
	assert.Equal(t, londonIP, first.IPAddress)
	assert.Equal(t, int64(1), first.LookupCount)
	assert.Equal(t, base, first.CreatedAt)
	assert.Equal(t, base.Add(24*time.Hour), first.CachedUntil)

	f.clock.Advance(time.Hour)
	second, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.Calls())
	assert.Equal(t, int64(2), second.LookupCount)
	assert.Equal(t, base.Add(time.Hour), second.LastLookupAt)
	assert.False(t, second.Stale)
}

func TestResolve_ExpiredRecordIsRefreshed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	rec, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)

	assert.Equal(t, 2, f.provider.Calls())
	assert.Equal(t, base, rec.CreatedAt)
	assert.Equal(t, base.Add(49*time.Hour), rec.CachedUntil)
	assert.Equal(t, int64(2), rec.LookupCount)
}

func TestResolve_ForceRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)
	_, err = f.geo.Resolve(ctx, londonIP, true)
	require.NoError(t, err)

	assert.Equal(t, 2, f.provider.Calls())
}

func TestResolve_FallsBackInOrder(t *testing.T) {
	clock := risktest.NewClock(base)
	failing := &risktest.Provider{ProviderName: "first", Err: errors.New("timeout")}
	empty := &risktest.Provider{ProviderName: "second", Record: &risk.GeoLookupRecord{City: "Nowhere"}}
	working := &risktest.Provider{ProviderName: "third", Record: londonRecord()}
	unused := &risktest.Provider{ProviderName: "fourth", Record: newYorkRecord()}

	cache := risk.NewGeoLookupCache(risktest.NewGeoStore(),
		[]risk.GeoProvider{failing, empty, working, unused}, risk.DefaultConfig(), clock, nil)

	rec, err := cache.Resolve(context.Background(), londonIP, false)
	require.NoError(t, err)

	assert.Equal(t, "third", rec.Source)
	assert.Equal(t, "GB", rec.CountryCode)
	assert.Equal(t, 1, failing.Calls())
	// A record without a country code counts as a failure.
	assert.Equal(t, 1, empty.Calls())
	assert.Zero(t, unused.Calls())
}

func TestResolve_StaleWithinBound(t *testing.T) {
	f := newFixture(t)
	rec := *londonRecord()
	rec.Tenant = "default"
	rec.IPAddress = londonIP
	rec.Source = "primary"
	rec.CachedUntil = base.Add(-6 * 24 * time.Hour)
	rec.LookupCount = 3
	f.geoStore.Put(rec)
	f.provider.Fail(errors.New("provider down"))

	got, err := f.geo.Resolve(context.Background(), londonIP, false)
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.Equal(t, "London", got.City)

	// Serving stale data does not rewrite the stored record.
	stored, err := f.geoStore.Get(context.Background(), "default", londonIP)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.LookupCount)
	assert.False(t, stored.Stale)
}

func TestResolve_StaleBeyondBound(t *testing.T) {
	f := newFixture(t)
	rec := *londonRecord()
	rec.Tenant = "default"
	rec.IPAddress = londonIP
	rec.CachedUntil = base.Add(-8 * 24 * time.Hour)
	f.geoStore.Put(rec)
	f.provider.Fail(errors.New("provider down"))

	_, err := f.geo.Resolve(context.Background(), londonIP, false)
	assert.ErrorIs(t, err, risk.ErrGeoNotFound)
}

func TestResolve_NothingAvailable(t *testing.T) {
	f := newFixture(t)
	f.provider.Fail(errors.New("provider down"))

	_, err := f.geo.Resolve(context.Background(), londonIP, false)
	assert.ErrorIs(t, err, risk.ErrGeoNotFound)
	assert.Zero(t, f.geoStore.Len())
}

func TestResolve_Unroutable(t *testing.T) {
	f := newFixture(t)

	for _, ip := range []string{privIP, "127.0.0.1", "fe80::1", "garbage"} {
		_, err := f.geo.Resolve(context.Background(), ip, false)
		assert.ErrorIs(t, err, risk.ErrUnroutableIP, ip)
	}
	assert.Zero(t, f.provider.Calls())
}

func TestResolve_StoreReadErrorFallsBackToProviders(t *testing.T) {
	f := newFixture(t)
	f.geoStore.Err = errors.New("connection reset")

	rec, err := f.geo.Resolve(context.Background(), londonIP, false)
	require.NoError(t, err)
	assert.Equal(t, "London", rec.City)
	// The failed write is counted locally.
	assert.Equal(t, int64(1), rec.LookupCount)
}

func TestResolve_CancelledCallerDoesNotAbortLookup(t *testing.T) {
	f := newFixture(t)
	f.provider.Delay = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.geo.Resolve(ctx, londonIP, false)
	assert.ErrorIs(t, err, context.Canceled)

	f.geo.Wait()
	stored, err := f.geoStore.Get(context.Background(), "default", londonIP)
	require.NoError(t, err)
	assert.Equal(t, "primary", stored.Source)
}

func TestEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.geo.Escalate(ctx, londonIP, risk.ThreatCritical)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.geoStore.Len(), "escalation must not create records")

	_, err = f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)
	ok, err = f.geo.Escalate(ctx, londonIP, risk.ThreatCritical)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)
	assert.Equal(t, risk.ThreatCritical, rec.ThreatLevel)

	// A provider refresh classifies London as low but keeps the escalation.
	f.clock.Advance(48 * time.Hour)
	rec, err = f.geo.Resolve(ctx, londonIP, true)
	require.NoError(t, err)
	assert.Equal(t, risk.ThreatCritical, rec.ThreatLevel)
	assert.True(t, rec.Escalated)
}

func TestEscalate_StoreError(t *testing.T) {
	f := newFixture(t)
	f.geoStore.Err = errors.New("read only")

	_, err := f.geo.Escalate(context.Background(), londonIP, risk.ThreatCritical)
	assert.Error(t, err)
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	put := func(ip string, count int64, lastLookup time.Time) {
		f.geoStore.Put(risk.GeoLookupRecord{
			Tenant:       "default",
			IPAddress:    ip,
			CountryCode:  "GB",
			LookupCount:  count,
			LastLookupAt: lastLookup,
			CachedUntil:  lastLookup.Add(24 * time.Hour),
		})
	}
	put("81.2.69.1", 1, base.Add(-40*24*time.Hour))
	put("81.2.69.2", 7, base.Add(-40*24*time.Hour))
	put("81.2.69.3", 1, base.Add(-2*24*time.Hour))

	n, err := f.geo.Purge(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 2, f.geoStore.Len())

	// Zero falls back to the configured retention.
	n, err = f.geo.Purge(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
