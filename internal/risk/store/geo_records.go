package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openidx/loginrisk/internal/risk"
)

// GeoRecords is the PostgreSQL GeoRecordStore.
type GeoRecords struct {
	db *sql.DB
}

// NewGeoRecords creates a GeoRecords over db.
func NewGeoRecords(db *sql.DB) *GeoRecords {
	return &GeoRecords{db: db}
}

const geoColumns = `tenant, ip_address, country, country_code, region, city, postal_code,
	latitude, longitude, timezone, isp, is_proxy, is_vpn, is_tor, threat_level, escalated,
	source, cached_until, lookup_count, last_lookup_at, created_at`

func scanGeoRecord(row scanner) (*risk.GeoLookupRecord, error) {
	var rec risk.GeoLookupRecord
	var level string
	err := row.Scan(
		&rec.Tenant, &rec.IPAddress, &rec.Country, &rec.CountryCode, &rec.Region, &rec.City, &rec.PostalCode,
		&rec.Latitude, &rec.Longitude, &rec.Timezone, &rec.ISP, &rec.IsProxy, &rec.IsVPN, &rec.IsTor,
		&level, &rec.Escalated, &rec.Source, &rec.CachedUntil, &rec.LookupCount, &rec.LastLookupAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ThreatLevel = risk.ParseThreatLevel(level)
	return &rec, nil
}

func (s *GeoRecords) Get(ctx context.Context, tenant, ip string) (*risk.GeoLookupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+geoColumns+` FROM geo_lookups WHERE tenant = $1 AND ip_address = $2`, tenant, ip)
	rec, err := scanGeoRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, risk.ErrGeoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get geo record: %w", err)
	}
	return rec, nil
}

// Save upserts rec. An escalated row keeps its threat level even if rec
// carries a lower one, so a concurrent escalation is never lost.
func (s *GeoRecords) Save(ctx context.Context, rec *risk.GeoLookupRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO geo_lookups (`+geoColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1, $19, $20)
		ON CONFLICT (tenant, ip_address) DO UPDATE SET
			country = EXCLUDED.country,
			country_code = EXCLUDED.country_code,
			region = EXCLUDED.region,
			city = EXCLUDED.city,
			postal_code = EXCLUDED.postal_code,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			timezone = EXCLUDED.timezone,
			isp = EXCLUDED.isp,
			is_proxy = EXCLUDED.is_proxy,
			is_vpn = EXCLUDED.is_vpn,
			is_tor = EXCLUDED.is_tor,
			threat_level = CASE WHEN geo_lookups.escalated THEN geo_lookups.threat_level ELSE EXCLUDED.threat_level END,
			escalated = geo_lookups.escalated OR EXCLUDED.escalated,
			source = EXCLUDED.source,
			cached_until = EXCLUDED.cached_until,
			last_lookup_at = EXCLUDED.last_lookup_at,
			lookup_count = geo_lookups.lookup_count + 1
		RETURNING lookup_count`,
		rec.Tenant, rec.IPAddress, rec.Country, rec.CountryCode, rec.Region, rec.City, rec.PostalCode,
		rec.Latitude, rec.Longitude, rec.Timezone, rec.ISP, rec.IsProxy, rec.IsVPN, rec.IsTor,
		string(rec.ThreatLevel), rec.Escalated, rec.Source, rec.CachedUntil, rec.LastLookupAt, rec.CreatedAt,
	).Scan(&rec.LookupCount)
	if err != nil {
		return fmt.Errorf("failed to save geo record: %w", err)
	}
	return nil
}

func (s *GeoRecords) Touch(ctx context.Context, tenant, ip string, at time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE geo_lookups SET lookup_count = lookup_count + 1, last_lookup_at = $3
		WHERE tenant = $1 AND ip_address = $2
		RETURNING lookup_count`, tenant, ip, at).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, risk.ErrGeoNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to touch geo record: %w", err)
	}
	return count, nil
}

func (s *GeoRecords) SetThreatLevel(ctx context.Context, tenant, ip string, level risk.ThreatLevel, _ time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE geo_lookups SET threat_level = $3, escalated = TRUE
		WHERE tenant = $1 AND ip_address = $2`, tenant, ip, string(level))
	if err != nil {
		return false, fmt.Errorf("failed to set threat level: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set threat level: %w", err)
	}
	return n > 0, nil
}

func (s *GeoRecords) PurgeSingleLookups(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM geo_lookups
		WHERE lookup_count <= 1 AND last_lookup_at < $1 AND cached_until < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge geo records: %w", err)
	}
	return res.RowsAffected()
}
