package risk_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/openidx/loginrisk/internal/risk"
	"github.com/openidx/loginrisk/internal/risk/risktest"
)

const (
	londonIP = "81.2.69.142"
	nyIP     = "198.51.100.7"
	moscowIP = "203.0.113.50"
	privIP   = "10.0.0.1"

	chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func londonRecord() *risk.GeoLookupRecord {
	return &risk.GeoLookupRecord{
		Country:     "United Kingdom",
		CountryCode: "GB",
		Region:      "England",
		City:        "London",
		Latitude:    51.5074,
		Longitude:   -0.1278,
		Timezone:    "Europe/London",
		ISP:         "British Telecommunications PLC",
	}
}

func newYorkRecord() *risk.GeoLookupRecord {
	return &risk.GeoLookupRecord{
		Country:     "United States",
		CountryCode: "US",
		Region:      "New York",
		City:        "New York",
		Latitude:    40.7128,
		Longitude:   -74.0060,
		ISP:         "Verizon Business",
	}
}

func anonymizedRecord() *risk.GeoLookupRecord {
	return &risk.GeoLookupRecord{
		Country:     "Russia",
		CountryCode: "RU",
		Region:      "Moscow",
		City:        "Moscow",
		Latitude:    55.7558,
		Longitude:   37.6173,
		ISP:         "Bulletproof Hosting Ltd",
		IsProxy:     true,
		IsVPN:       true,
		IsTor:       true,
	}
}

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept-Language", "en-GB,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	return h
}

func browserFingerprint() risk.DeviceFingerprint {
	return risk.NewDeviceFingerprint(chromeUA, browserHeaders())
}

// fixture wires every component over the in-memory fakes.
type fixture struct {
	clock    *risktest.Clock
	geoStore *risktest.GeoStore
	provider *risktest.Provider
	trust    *risktest.TrustStore
	attempts *risktest.AttemptStore
	history  *risktest.History
	notifier *risktest.Notifier
	events   *risktest.Publisher
	tokens   *risktest.Tokens
	cfg      risk.Config

	geo       *risk.GeoLookupCache
	devices   *risk.DeviceTrustStore
	assessor  *risk.RiskAssessor
	threats   *risk.ThreatResponder
	lifecycle *risk.Lifecycle
	engine    *risk.Engine
}

func newFixture(t *testing.T, opts ...func(*risk.Config)) *fixture {
	t.Helper()

	cfg := risk.DefaultConfig()
	cfg.PublicBaseURL = "https://login.example.com"
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := risktest.NewClock(base)
	f := &fixture{
		clock:    clock,
		geoStore: risktest.NewGeoStore(),
		provider: &risktest.Provider{
			ProviderName: "primary",
			Record:       londonRecord(),
			Records: map[string]*risk.GeoLookupRecord{
				nyIP:     newYorkRecord(),
				moscowIP: anonymizedRecord(),
			},
		},
		trust:    risktest.NewTrustStore(),
		attempts: risktest.NewAttemptStore(clock),
		history:  risktest.NewHistory(clock),
		notifier: &risktest.Notifier{},
		events:   &risktest.Publisher{},
		tokens:   &risktest.Tokens{},
		cfg:      cfg,
	}

	f.geo = risk.NewGeoLookupCache(f.geoStore, []risk.GeoProvider{f.provider}, cfg, clock, nil)
	f.devices = risk.NewDeviceTrustStore(f.trust, clock, nil)
	f.assessor = risk.NewRiskAssessor(f.geo, f.devices, f.history, cfg, clock, f.events, nil)
	f.threats = risk.NewThreatResponder(f.geo, clock, f.events, nil)
	f.lifecycle = risk.NewLifecycle(risk.LifecycleDeps{
		Store:    f.attempts,
		Notifier: f.notifier,
		Devices:  f.devices,
		Threats:  f.threats,
		Tokens:   f.tokens,
		Clock:    clock,
		Events:   f.events,
	}, cfg)
	f.engine = risk.NewEngine(f.assessor, f.devices, f.lifecycle, f.history, cfg, clock, nil)

	t.Cleanup(func() {
		f.geo.Wait()
		f.lifecycle.Wait()
	})
	return f
}

func withReasonPoints(points map[risk.Reason]int) func(*risk.Config) {
	return func(c *risk.Config) { c.ReasonPoints = points }
}

// seenFrom records a successful login with location.
func seenFrom(principal, ip string, rec *risk.GeoLookupRecord, at time.Time) risk.LoginFact {
	return risk.LoginFact{
		PrincipalID: principal,
		IPAddress:   ip,
		UserAgent:   chromeUA,
		Success:     true,
		CountryCode: rec.CountryCode,
		Region:      rec.Region,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		HasLocation: true,
		OccurredAt:  at,
	}
}
