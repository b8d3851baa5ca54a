package risk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openidx/loginrisk/internal/common/resilience"
	"github.com/openidx/loginrisk/internal/risk"
	"github.com/openidx/loginrisk/internal/risk/risktest"
)

func TestIPAPIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/"+londonIP, r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("fields"), "countryCode")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "success",
			"country": "United Kingdom",
			"countryCode": "GB",
			"regionName": "England",
			"city": "London",
			"zip": "EC1A",
			"lat": 51.5074,
			"lon": -0.1278,
			"timezone": "Europe/London",
			"isp": "",
			"org": "British Telecommunications PLC",
			"proxy": true,
			"hosting": false
		}`))
	}))
	defer srv.Close()

	p := risk.NewIPAPIProvider(srv.URL, srv.Client())
	assert.Equal(t, "ipapi", p.Name())

	rec, err := p.Lookup(context.Background(), londonIP)
	require.NoError(t, err)
	assert.Equal(t, "GB", rec.CountryCode)
	assert.Equal(t, "England", rec.Region)
	assert.Equal(t, "EC1A", rec.PostalCode)
	assert.Equal(t, "British Telecommunications PLC", rec.ISP)
	assert.InDelta(t, 51.5074, rec.Latitude, 1e-6)
	assert.True(t, rec.IsProxy)
	assert.False(t, rec.IsVPN)
	assert.False(t, rec.IsHosting)
}

func TestIPAPIProvider_HostingFlagRaisesThreat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("fields"), "hosting")
		_, _ = w.Write([]byte(`{
			"status": "success",
			"country": "Germany",
			"countryCode": "DE",
			"regionName": "Bavaria",
			"city": "Nuremberg",
			"lat": 49.4478,
			"lon": 11.0683,
			"isp": "Hetzner Online GmbH",
			"proxy": false,
			"hosting": true
		}`))
	}))
	defer srv.Close()

	p := risk.NewIPAPIProvider(srv.URL, srv.Client())
	rec, err := p.Lookup(context.Background(), londonIP)
	require.NoError(t, err)
	assert.True(t, rec.IsHosting)

	cache := risk.NewGeoLookupCache(risktest.NewGeoStore(), []risk.GeoProvider{p}, risk.DefaultConfig(), risktest.NewClock(base), nil)
	resolved, err := cache.Resolve(context.Background(), londonIP, false)
	require.NoError(t, err)
	assert.Equal(t, risk.ThreatMedium, resolved.ThreatLevel)
	assert.Equal(t, "ipapi", resolved.Source)
}

func TestIPAPIProvider_FailStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer srv.Close()

	_, err := risk.NewIPAPIProvider(srv.URL, srv.Client()).Lookup(context.Background(), londonIP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved range")
}

func TestIPInfoProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+nyIP+"/json", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		_, _ = w.Write([]byte(`{
			"ip": "198.51.100.7",
			"city": "New York City",
			"region": "New York",
			"country": "US",
			"loc": "40.7143,-74.0060",
			"org": "AS701 Verizon Business",
			"postal": "10004",
			"timezone": "America/New_York",
			"privacy": {"vpn": true, "proxy": false, "tor": false, "relay": true, "hosting": true}
		}`))
	}))
	defer srv.Close()

	p := risk.NewIPInfoProvider(srv.URL, "secret", srv.Client())
	assert.Equal(t, "ipinfo", p.Name())

	rec, err := p.Lookup(context.Background(), nyIP)
	require.NoError(t, err)
	assert.Equal(t, "US", rec.CountryCode)
	assert.Equal(t, "Verizon Business", rec.ISP)
	assert.InDelta(t, 40.7143, rec.Latitude, 1e-6)
	assert.InDelta(t, -74.0060, rec.Longitude, 1e-6)
	assert.True(t, rec.IsVPN)
	assert.True(t, rec.IsProxy)
	assert.False(t, rec.IsTor)
	assert.True(t, rec.IsHosting)
}

func TestIPInfoProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"bogon", http.StatusOK, `{"ip":"10.0.0.1","bogon":true}`},
		{"not found", http.StatusNotFound, `{}`},
		{"garbage", http.StatusOK, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := risk.NewIPInfoProvider(srv.URL, "", srv.Client()).Lookup(context.Background(), nyIP)
			assert.Error(t, err)
		})
	}
}

func TestBuildProviders(t *testing.T) {
	registry := resilience.NewRegistry()

	providers, closeAll, err := risk.BuildProviders(risk.ProviderSettings{
		Names:   []string{"ipapi", " IPInfo ", "maxmind"},
		Timeout: time.Second,
	}, registry, nil)
	require.NoError(t, err)

	// maxmind is skipped without a database.
	require.Len(t, providers, 2)
	assert.Equal(t, "ipapi", providers[0].Name())
	assert.Equal(t, "ipinfo", providers[1].Name())
	_, ok := registry.Lookup("ipapi")
	assert.True(t, ok)
	_, ok = registry.Lookup("ipinfo")
	assert.True(t, ok)
	_, ok = registry.Lookup("maxmind")
	assert.False(t, ok, "local databases have no breaker")
	assert.NoError(t, closeAll())
}

func TestBuildProviders_Invalid(t *testing.T) {
	_, _, err := risk.BuildProviders(risk.ProviderSettings{Names: []string{"ipapi", "carrier-pigeon"}}, nil, nil)
	assert.Error(t, err)

	_, _, err = risk.BuildProviders(risk.ProviderSettings{}, nil, nil)
	assert.Error(t, err)

	_, _, err = risk.BuildProviders(risk.ProviderSettings{Names: []string{"maxmind"}, MaxMindCityDB: "/nonexistent/GeoLite2-City.mmdb"}, nil, nil)
	assert.Error(t, err)
}

func TestBuildProviders_ResolveThroughCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","country":"United Kingdom","countryCode":"GB","regionName":"England","city":"London","lat":51.5,"lon":-0.12}`))
	}))
	defer srv.Close()

	providers, _, err := risk.BuildProviders(risk.ProviderSettings{
		Names:        []string{"ipapi"},
		IPAPIBaseURL: srv.URL,
	}, nil, nil)
	require.NoError(t, err)

	cache := risk.NewGeoLookupCache(risktest.NewGeoStore(), providers, risk.DefaultConfig(), risktest.NewClock(base), nil)

	_, err = cache.Resolve(context.Background(), londonIP, false)
	assert.ErrorIs(t, err, risk.ErrGeoNotFound)

	rec, err := cache.Resolve(context.Background(), londonIP, false)
	require.NoError(t, err)
	assert.Equal(t, "ipapi", rec.Source)
	assert.Equal(t, "London", rec.City)
}
