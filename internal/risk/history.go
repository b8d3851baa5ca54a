package risk

import (
	"context"
	"time"
)

// KnownLocation is the position of a principal's most recent successful login.
type KnownLocation struct {
	Latitude  float64
	Longitude float64
	IPAddress string
	At        time.Time
}

// HistoryReader answers questions about a principal's past logins. It is
// read-only; the geo lookback window is fixed by the implementation.
type HistoryReader interface {
	HasLoggedInFromCountry(ctx context.Context, principalID, countryCode string) (bool, error)
	HasLoggedInFromRegion(ctx context.Context, principalID, countryCode, region string) (bool, error)
	// LastKnownLocation returns false when no prior successful login has
	// coordinates.
	LastKnownLocation(ctx context.Context, principalID string) (*KnownLocation, bool, error)
	RecentFailedAttempts(ctx context.Context, principalID string, window time.Duration) (int, error)
	ConcurrentDistinctIPs(ctx context.Context, principalID string, window time.Duration) (int, error)
}

// LoginFact is one login outcome appended to history.
type LoginFact struct {
	PrincipalID string
	IPAddress   string
	UserAgent   string
	Success     bool
	CountryCode string
	Region      string
	Latitude    float64
	Longitude   float64
	HasLocation bool
	OccurredAt  time.Time
}

// HistoryRecorder appends login facts.
type HistoryRecorder interface {
	Record(ctx context.Context, fact LoginFact) error
}
