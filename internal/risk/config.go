package risk

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the scoring policy and timing knobs for the engine.
// Build it once with DefaultConfig (optionally overriding fields) and pass it
// to the constructors; components keep their own normalized copy.
type Config struct {
	Tenant string

	Threshold     int
	AttemptExpiry time.Duration

	GeoCacheTTL     time.Duration
	GeoMaxStaleness time.Duration
	GeoRetention    time.Duration
	ProviderTimeout time.Duration

	MaxTravelSpeedKmh        float64
	GeoHistoryWindow         time.Duration
	FailedAttemptsWindow     time.Duration
	FailedAttemptsThreshold  int
	ConcurrentSessionsWindow time.Duration
	ConcurrentIPThreshold    int

	HighRiskCountries []string
	RiskyISPKeywords  []string

	// ReasonPoints overrides the default weight of individual reasons.
	ReasonPoints map[Reason]int

	NotificationsEnabled bool
	PublicBaseURL        string
	ApprovalTrustTTL     time.Duration
	ImplicitTrustTTL     time.Duration
}

// DefaultConfig returns the default scoring policy
func DefaultConfig() Config {
	return Config{
		Tenant:                   "default",
		Threshold:                60,
		AttemptExpiry:            60 * time.Minute,
		GeoCacheTTL:              24 * time.Hour,
		GeoMaxStaleness:          7 * 24 * time.Hour,
		GeoRetention:             30 * 24 * time.Hour,
		ProviderTimeout:          5 * time.Second,
		MaxTravelSpeedKmh:        900, // commercial aircraft
		GeoHistoryWindow:         90 * 24 * time.Hour,
		FailedAttemptsWindow:     24 * time.Hour,
		FailedAttemptsThreshold:  3,
		ConcurrentSessionsWindow: time.Hour,
		ConcurrentIPThreshold:    2,
		HighRiskCountries:        []string{"KP", "IR", "SY", "CU", "RU", "BY"},
		RiskyISPKeywords:         []string{"tor", "proxy", "vpn", "hosting", "datacenter", "data center", "anonymizer"},
		NotificationsEnabled:     true,
		PublicBaseURL:            "http://localhost:8080",
		ApprovalTrustTTL:         30 * 24 * time.Hour,
		ImplicitTrustTTL:         30 * 24 * time.Hour,
	}
}

// Validate checks the configuration for values the engine cannot work with.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > MaxScore {
		return fmt.Errorf("threshold must be between 0 and %d, got %d", MaxScore, c.Threshold)
	}
	if c.AttemptExpiry <= 0 {
		return fmt.Errorf("attempt expiry must be positive")
	}
	if c.GeoCacheTTL <= 0 {
		return fmt.Errorf("geo cache ttl must be positive")
	}
	if c.MaxTravelSpeedKmh <= 0 {
		return fmt.Errorf("max travel speed must be positive")
	}
	for r := range c.ReasonPoints {
		if !r.Valid() {
			return fmt.Errorf("unknown reason code %q in reason points", r)
		}
	}
	return nil
}

// normalized returns a deep copy with defaults filled in, so callers holding
// the original cannot mutate a running component's policy.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Tenant == "" {
		c.Tenant = d.Tenant
	}
	if c.AttemptExpiry <= 0 {
		c.AttemptExpiry = d.AttemptExpiry
	}
	if c.GeoCacheTTL <= 0 {
		c.GeoCacheTTL = d.GeoCacheTTL
	}
	if c.GeoRetention <= 0 {
		c.GeoRetention = d.GeoRetention
	}
	if c.GeoMaxStaleness <= 0 {
		c.GeoMaxStaleness = d.GeoMaxStaleness
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.MaxTravelSpeedKmh <= 0 {
		c.MaxTravelSpeedKmh = d.MaxTravelSpeedKmh
	}
	if c.GeoHistoryWindow <= 0 {
		c.GeoHistoryWindow = d.GeoHistoryWindow
	}
	if c.FailedAttemptsWindow <= 0 {
		c.FailedAttemptsWindow = d.FailedAttemptsWindow
	}
	if c.FailedAttemptsThreshold <= 0 {
		c.FailedAttemptsThreshold = d.FailedAttemptsThreshold
	}
	if c.ConcurrentSessionsWindow <= 0 {
		c.ConcurrentSessionsWindow = d.ConcurrentSessionsWindow
	}
	if c.ConcurrentIPThreshold <= 0 {
		c.ConcurrentIPThreshold = d.ConcurrentIPThreshold
	}
	if c.ApprovalTrustTTL <= 0 {
		c.ApprovalTrustTTL = d.ApprovalTrustTTL
	}
	if c.ImplicitTrustTTL <= 0 {
		c.ImplicitTrustTTL = d.ImplicitTrustTTL
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")

	countries := make([]string, 0, len(c.HighRiskCountries))
	for _, cc := range c.HighRiskCountries {
		if cc = strings.ToUpper(strings.TrimSpace(cc)); cc != "" {
			countries = append(countries, cc)
		}
	}
	c.HighRiskCountries = countries

	keywords := make([]string, 0, len(c.RiskyISPKeywords))
	for _, kw := range c.RiskyISPKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	c.RiskyISPKeywords = keywords

	points := make(map[Reason]int, len(c.ReasonPoints))
	for r, p := range c.ReasonPoints {
		points[r] = p
	}
	c.ReasonPoints = points
	return c
}

// Points returns the configured weight for a reason.
func (c Config) Points(r Reason) int {
	if p, ok := c.ReasonPoints[r]; ok {
		return p
	}
	return r.DefaultPoints()
}

func (c Config) isHighRiskCountry(code string) bool {
	code = strings.ToUpper(code)
	for _, cc := range c.HighRiskCountries {
		if cc == code {
			return true
		}
	}
	return false
}

func (c Config) matchesRiskyISP(isp string) bool {
	isp = strings.ToLower(isp)
	if isp == "" {
		return false
	}
	for _, kw := range c.RiskyISPKeywords {
		if strings.Contains(isp, kw) {
			return true
		}
	}
	return false
}
