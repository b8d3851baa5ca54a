package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

var (
	// ErrGeoNotFound means no usable geolocation exists for the IP.
	ErrGeoNotFound = errors.New("geolocation not found")
	// ErrUnroutableIP is returned for addresses that carry no location
	// signal: private, loopback, link-local and similar.
	ErrUnroutableIP = errors.New("ip address is not publicly routable")
)

// ThreatLevel is the persisted reputation of an IP address.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

func (t ThreatLevel) rank() int {
	switch t {
	case ThreatMedium:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether t is as severe as other or more.
func (t ThreatLevel) AtLeast(other ThreatLevel) bool {
	return t.rank() >= other.rank()
}

// ParseThreatLevel converts a stored value, defaulting to low.
func ParseThreatLevel(s string) ThreatLevel {
	switch ThreatLevel(s) {
	case ThreatMedium, ThreatHigh, ThreatCritical:
		return ThreatLevel(s)
	default:
		return ThreatLow
	}
}

// GeoLookupRecord is the cached geolocation of an IP within a tenant.
type GeoLookupRecord struct {
	Tenant      string      `json:"tenant"`
	IPAddress   string      `json:"ip_address"`
	Country     string      `json:"country"`
	CountryCode string      `json:"country_code"`
	Region      string      `json:"region"`
	City        string      `json:"city"`
	PostalCode  string      `json:"postal_code,omitempty"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	Timezone    string      `json:"timezone,omitempty"`
	ISP         string      `json:"isp,omitempty"`
	IsProxy     bool        `json:"is_proxy"`
	IsVPN       bool        `json:"is_vpn"`
	IsTor       bool        `json:"is_tor"`
	// IsHosting is the provider's datacenter flag. It only feeds the threat
	// level and is not stored by the SQL record store.
	IsHosting   bool        `json:"is_hosting,omitempty"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	// Escalated is set once a denied login has raised the threat level;
	// provider refreshes never lower an escalated record.
	Escalated    bool      `json:"escalated"`
	Source       string    `json:"source"`
	CachedUntil  time.Time `json:"cached_until"`
	LookupCount  int64     `json:"lookup_count"`
	LastLookupAt time.Time `json:"last_lookup_at"`
	CreatedAt    time.Time `json:"created_at"`

	// Stale is set when the record is served after every provider failed.
	Stale bool `json:"-"`
}

// Expired reports whether the cached record needs a refresh.
func (r *GeoLookupRecord) Expired(now time.Time) bool {
	return !now.Before(r.CachedUntil)
}

// HasCoordinates reports whether the record carries a usable position.
func (r *GeoLookupRecord) HasCoordinates() bool {
	return r.Latitude != 0 || r.Longitude != 0
}

// Snapshot returns the denormalized copy stored with an attempt.
func (r *GeoLookupRecord) Snapshot() *GeoSnapshot {
	if r == nil {
		return nil
	}
	return &GeoSnapshot{
		IPAddress:   r.IPAddress,
		Country:     r.Country,
		CountryCode: r.CountryCode,
		Region:      r.Region,
		City:        r.City,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Timezone:    r.Timezone,
		ISP:         r.ISP,
		IsProxy:     r.IsProxy,
		IsVPN:       r.IsVPN,
		IsTor:       r.IsTor,
		ThreatLevel: r.ThreatLevel,
		Source:      r.Source,
	}
}

// GeoSnapshot freezes the location of a login attempt at evaluation time.
type GeoSnapshot struct {
	IPAddress   string      `json:"ip_address"`
	Country     string      `json:"country"`
	CountryCode string      `json:"country_code"`
	Region      string      `json:"region"`
	City        string      `json:"city"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	Timezone    string      `json:"timezone,omitempty"`
	ISP         string      `json:"isp,omitempty"`
	IsProxy     bool        `json:"is_proxy"`
	IsVPN       bool        `json:"is_vpn"`
	IsTor       bool        `json:"is_tor"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Source      string      `json:"source"`
}

// Location renders a short "City, Region, Country" label.
func (s *GeoSnapshot) Location() string {
	if s == nil {
		return "Unknown location"
	}
	label := ""
	for _, part := range []string{s.City, s.Region, s.Country} {
		if part == "" {
			continue
		}
		if label != "" {
			label += ", "
		}
		label += part
	}
	if label == "" {
		return "Unknown location"
	}
	return label
}

// GeoProvider resolves an IP to a location. Implementations return a
// record with the location fields set; cache bookkeeping is left empty.
type GeoProvider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*GeoLookupRecord, error)
}

// GeoRecordStore persists GeoLookupRecords keyed by (tenant, IP).
type GeoRecordStore interface {
	// Get returns ErrGeoNotFound when no record exists.
	Get(ctx context.Context, tenant, ip string) (*GeoLookupRecord, error)
	// Save upserts the record, incrementing its lookup count, and writes the
	// resulting count back into rec.
	Save(ctx context.Context, rec *GeoLookupRecord) error
	// Touch counts a cache hit and returns the new lookup count.
	Touch(ctx context.Context, tenant, ip string, at time.Time) (int64, error)
	// SetThreatLevel updates an existing record and reports whether it existed.
	SetThreatLevel(ctx context.Context, tenant, ip string, level ThreatLevel, at time.Time) (bool, error)
	// PurgeSingleLookups removes records looked up only once whose last
	// lookup precedes cutoff.
	PurgeSingleLookups(ctx context.Context, cutoff time.Time) (int64, error)
}

// ValidateIP rejects addresses that cannot be geolocated.
func ValidateIP(ip string) (net.IP, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %q is not an ip address", ErrUnroutableIP, ip)
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() || parsed.IsMulticast() || parsed.IsUnspecified() ||
		parsed.IsInterfaceLocalMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrUnroutableIP, ip)
	}
	return parsed, nil
}

// classifyThreat derives the threat level of a freshly fetched record.
func classifyThreat(rec *GeoLookupRecord, cfg Config) ThreatLevel {
	score := 0
	if cfg.isHighRiskCountry(rec.CountryCode) {
		score += 30
	}
	if rec.IsHosting || cfg.matchesRiskyISP(rec.ISP) {
		score += 40
	}
	if rec.IsProxy || rec.IsVPN || rec.IsTor {
		score += 50
	}

	level := ThreatLow
	switch {
	case score >= 70:
		level = ThreatCritical
	case score >= 50:
		level = ThreatHigh
	case score >= 30:
		level = ThreatMedium
	}
	// Tor exit nodes are always critical regardless of the other signals.
	if rec.IsTor {
		level = ThreatCritical
	}
	return level
}

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points in km.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
