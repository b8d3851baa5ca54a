package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/resilience"
	"github.com/openidx/loginrisk/internal/metrics"
)

var tracer = otel.Tracer("github.com/openidx/loginrisk/internal/risk")

// GeoLookupCache resolves IP addresses to locations, consulting the record
// store before falling back through the ordered provider chain.
type GeoLookupCache struct {
	store     GeoRecordStore
	providers []GeoProvider
	config    Config
	clock     Clock
	logger    *zap.Logger

	// inflight tracks provider lookups that outlive a cancelled caller.
	inflight sync.WaitGroup
}

// NewGeoLookupCache creates a cache over store and the ordered providers.
func NewGeoLookupCache(store GeoRecordStore, providers []GeoProvider, config Config, clock Clock, logger *zap.Logger) *GeoLookupCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &GeoLookupCache{
		store:     store,
		providers: providers,
		config:    config.normalized(),
		clock:     clock,
		logger:    logger.With(zap.String("component", "geo_cache")),
	}
}

type lookupResult struct {
	rec *GeoLookupRecord
	err error
}

// Resolve returns the location of ip. A fresh cached record is returned
// without contacting any provider; otherwise providers are tried in order and
// the first success is persisted. When every provider fails, the previous
// record is returned with Stale set if it is within the staleness bound.
//
// Provider calls are detached from ctx: if ctx ends first Resolve returns
// ctx.Err() while the lookup completes in the background and fills the cache.
func (c *GeoLookupCache) Resolve(ctx context.Context, ip string, forceRefresh bool) (*GeoLookupRecord, error) {
	ctx, span := tracer.Start(ctx, "GeoLookupCache.Resolve")
	defer span.End()
	span.SetAttributes(attribute.Bool("geo.force_refresh", forceRefresh))

	if _, err := ValidateIP(ip); err != nil {
		metrics.RecordGeoCache("unroutable")
		return nil, err
	}

	now := c.clock.Now()
	existing, err := c.store.Get(ctx, c.config.Tenant, ip)
	if err != nil {
		if !errors.Is(err, ErrGeoNotFound) {
			c.logger.Warn("geo record store read failed, falling back to providers",
				zap.String("ip", ip), zap.Error(err))
		}
		existing = nil
	}

	if existing != nil && !forceRefresh && !existing.Expired(now) {
		count, err := c.store.Touch(ctx, c.config.Tenant, ip, now)
		if err != nil {
			c.logger.Warn("failed to record geo cache hit", zap.String("ip", ip), zap.Error(err))
		} else {
			existing.LookupCount = count
		}
		existing.LastLookupAt = now
		metrics.RecordGeoCache("hit")
		span.SetAttributes(attribute.String("geo.cache", "hit"))
		return existing, nil
	}
	metrics.RecordGeoCache("miss")
	span.SetAttributes(attribute.String("geo.cache", "miss"))

	results := make(chan lookupResult, 1)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		rec, err := c.fetch(context.WithoutCancel(ctx), ip, existing)
		results <- lookupResult{rec: rec, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.rec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the stored record for ip without counting a lookup or
// contacting a provider. Expired records are returned with Stale set; a
// missing record yields ErrGeoNotFound.
func (c *GeoLookupCache) Cached(ctx context.Context, ip string) (*GeoLookupRecord, error) {
	if _, err := ValidateIP(ip); err != nil {
		return nil, err
	}
	rec, err := c.store.Get(ctx, c.config.Tenant, ip)
	if err != nil {
		return nil, err
	}
	if rec.Expired(c.clock.Now()) {
		rec.Stale = true
	}
	return rec, nil
}

// fetch walks the provider chain and persists the first usable answer.
func (c *GeoLookupCache) fetch(ctx context.Context, ip string, existing *GeoLookupRecord) (*GeoLookupRecord, error) {
	var lastErr error
	for _, p := range c.providers {
		rec, err := c.callProvider(ctx, p, ip)
		if err != nil {
			lastErr = err
			continue
		}

		now := c.clock.Now()
		rec.Tenant = c.config.Tenant
		rec.IPAddress = ip
		rec.Source = p.Name()
		rec.ThreatLevel = classifyThreat(rec, c.config)
		rec.CachedUntil = now.Add(c.config.GeoCacheTTL)
		rec.LastLookupAt = now
		rec.CreatedAt = now
		if existing != nil {
			rec.CreatedAt = existing.CreatedAt
			rec.LookupCount = existing.LookupCount
			if existing.Escalated {
				rec.Escalated = true
				if !rec.ThreatLevel.AtLeast(existing.ThreatLevel) {
					rec.ThreatLevel = existing.ThreatLevel
				}
			}
		}

		if err := c.store.Save(ctx, rec); err != nil {
			// The lookup itself succeeded; losing the cache write only costs
			// a provider call next time.
			c.logger.Warn("failed to persist geo record", zap.String("ip", ip), zap.Error(err))
			rec.LookupCount++
		}
		return rec, nil
	}

	c.logger.Warn("all geo providers failed",
		zap.String("ip", ip),
		zap.Int("providers", len(c.providers)),
		zap.Error(lastErr))

	if existing != nil && c.clock.Now().Sub(existing.CachedUntil) <= c.config.GeoMaxStaleness {
		metrics.RecordGeoCache("stale")
		stale := *existing
		stale.Stale = true
		return &stale, nil
	}
	metrics.RecordGeoCache("unavailable")
	if lastErr == nil {
		lastErr = errors.New("no providers configured")
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrGeoNotFound, ip, lastErr)
}

func (c *GeoLookupCache) callProvider(ctx context.Context, p GeoProvider, ip string) (*GeoLookupRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	rec, err := p.Lookup(ctx, ip)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, resilience.ErrRateLimited):
		metrics.RecordGeoProviderLookup(p.Name(), "rate_limited", 0)
		c.logger.Debug("geo provider rate limited", zap.String("provider", p.Name()))
		return nil, err
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.RecordGeoProviderLookup(p.Name(), "circuit_open", 0)
		c.logger.Debug("geo provider skipped, breaker open", zap.String("provider", p.Name()))
		return nil, err
	case err != nil:
		metrics.RecordGeoProviderLookup(p.Name(), "failure", elapsed)
		c.logger.Debug("geo provider lookup failed",
			zap.String("provider", p.Name()), zap.String("ip", ip), zap.Error(err))
		return nil, err
	case rec == nil || rec.CountryCode == "":
		metrics.RecordGeoProviderLookup(p.Name(), "failure", elapsed)
		return nil, fmt.Errorf("provider %s returned no location for %s", p.Name(), ip)
	}
	metrics.RecordGeoProviderLookup(p.Name(), "success", elapsed)
	return rec, nil
}

// Escalate raises the threat level of an existing record. It reports false
// when no record exists; a record is never created here.
func (c *GeoLookupCache) Escalate(ctx context.Context, ip string, level ThreatLevel) (bool, error) {
	found, err := c.store.SetThreatLevel(ctx, c.config.Tenant, ip, level, c.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to escalate threat level: %w", err)
	}
	return found, nil
}

// Purge deletes records looked up only once and not seen within olderThan.
func (c *GeoLookupCache) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = c.config.GeoRetention
	}
	n, err := c.store.PurgeSingleLookups(ctx, c.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge geo records: %w", err)
	}
	if n > 0 {
		c.logger.Info("purged aged geo records", zap.Int64("count", n))
	}
	return n, nil
}

// Wait blocks until background provider lookups have finished.
func (c *GeoLookupCache) Wait() {
	c.inflight.Wait()
}
