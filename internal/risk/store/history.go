package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openidx/loginrisk/internal/risk"
)

// LoginHistory is the PostgreSQL HistoryReader and HistoryRecorder.
type LoginHistory struct {
	db *sql.DB
	// geoWindow bounds the country and region lookback.
	geoWindow time.Duration
	clock     risk.Clock
}

// NewLoginHistory creates a LoginHistory.
func NewLoginHistory(db *sql.DB, geoWindow time.Duration, clock risk.Clock) *LoginHistory {
	if clock == nil {
		clock = risk.SystemClock{}
	}
	return &LoginHistory{db: db, geoWindow: geoWindow, clock: clock}
}

func (h *LoginHistory) geoSince() time.Time {
	if h.geoWindow <= 0 {
		return time.Time{}
	}
	return h.clock.Now().Add(-h.geoWindow)
}

func (h *LoginHistory) Record(ctx context.Context, fact risk.LoginFact) error {
	var lat, lon sql.NullFloat64
	if fact.HasLocation {
		lat = sql.NullFloat64{Float64: fact.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: fact.Longitude, Valid: true}
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO login_history (principal_id, ip_address, user_agent, success, country_code, region,
			latitude, longitude, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		fact.PrincipalID, fact.IPAddress, fact.UserAgent, fact.Success, fact.CountryCode, fact.Region,
		lat, lon, fact.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

func (h *LoginHistory) HasLoggedInFromCountry(ctx context.Context, principalID, countryCode string) (bool, error) {
	var seen bool
	err := h.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM login_history
			WHERE principal_id = $1 AND success AND country_code = $2 AND occurred_at >= $3
		)`, principalID, countryCode, h.geoSince()).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to query country history: %w", err)
	}
	return seen, nil
}

func (h *LoginHistory) HasLoggedInFromRegion(ctx context.Context, principalID, countryCode, region string) (bool, error) {
	var seen bool
	err := h.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM login_history
			WHERE principal_id = $1 AND success AND country_code = $2 AND region = $3 AND occurred_at >= $4
		)`, principalID, countryCode, region, h.geoSince()).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to query region history: %w", err)
	}
	return seen, nil
}

func (h *LoginHistory) LastKnownLocation(ctx context.Context, principalID string) (*risk.KnownLocation, bool, error) {
	var loc risk.KnownLocation
	err := h.db.QueryRowContext(ctx, `
		SELECT latitude, longitude, ip_address, occurred_at FROM login_history
		WHERE principal_id = $1 AND success AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY occurred_at DESC LIMIT 1`, principalID).
		Scan(&loc.Latitude, &loc.Longitude, &loc.IPAddress, &loc.At)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query last known location: %w", err)
	}
	return &loc, true, nil
}

func (h *LoginHistory) RecentFailedAttempts(ctx context.Context, principalID string, window time.Duration) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM login_history
		WHERE principal_id = $1 AND NOT success AND occurred_at >= $2`,
		principalID, h.clock.Now().Add(-window)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return n, nil
}

func (h *LoginHistory) ConcurrentDistinctIPs(ctx context.Context, principalID string, window time.Duration) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT ip_address) FROM login_history
		WHERE principal_id = $1 AND success AND occurred_at >= $2`,
		principalID, h.clock.Now().Add(-window)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count distinct ips: %w", err)
	}
	return n, nil
}
