package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/resilience"
)

// HTTPDoer is satisfied by *http.Client and *resilience.ResilientHTTPClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxProviderBody bounds how much of a provider response is read.
const maxProviderBody = 64 << 10

// IPAPIProvider resolves addresses through ip-api.com (free tier).
type IPAPIProvider struct {
	baseURL string
	client  HTTPDoer
}

// NewIPAPIProvider creates an ip-api.com provider. An empty baseURL uses the
// public endpoint.
func NewIPAPIProvider(baseURL string, client HTTPDoer) *IPAPIProvider {
	if baseURL == "" {
		baseURL = "http://ip-api.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &IPAPIProvider{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *IPAPIProvider) Name() string { return "ipapi" }

// Lookup queries ip-api.com for ip.
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*GeoLookupRecord, error) {
	url := fmt.Sprintf("%s/json/%s?fields=status,message,country,countryCode,regionName,city,zip,lat,lon,timezone,isp,org,as,proxy,hosting,query", p.baseURL, ip)

	var apiResponse struct {
		Status      string  `json:"status"`
		Message     string  `json:"message"`
		Country     string  `json:"country"`
		CountryCode string  `json:"countryCode"`
		Region      string  `json:"regionName"`
		City        string  `json:"city"`
		Zip         string  `json:"zip"`
		Lat         float64 `json:"lat"`
		Lon         float64 `json:"lon"`
		Timezone    string  `json:"timezone"`
		ISP         string  `json:"isp"`
		Org         string  `json:"org"`
		Proxy       bool    `json:"proxy"`
		Hosting     bool    `json:"hosting"`
	}
	if err := getJSON(ctx, p.client, url, &apiResponse); err != nil {
		return nil, fmt.Errorf("ip-api lookup failed: %w", err)
	}
	if apiResponse.Status != "success" {
		return nil, fmt.Errorf("ip-api returned status %q: %s", apiResponse.Status, apiResponse.Message)
	}

	isp := apiResponse.ISP
	if isp == "" {
		isp = apiResponse.Org
	}
	return &GeoLookupRecord{
		IPAddress:   ip,
		Country:     apiResponse.Country,
		CountryCode: apiResponse.CountryCode,
		Region:      apiResponse.Region,
		City:        apiResponse.City,
		PostalCode:  apiResponse.Zip,
		Latitude:    apiResponse.Lat,
		Longitude:   apiResponse.Lon,
		Timezone:    apiResponse.Timezone,
		ISP:         isp,
		// ip-api reports proxies, VPNs and Tor under a single flag
		IsProxy:   apiResponse.Proxy,
		IsHosting: apiResponse.Hosting,
	}, nil
}

// IPInfoProvider resolves addresses through ipinfo.io.
type IPInfoProvider struct {
	baseURL string
	token   string
	client  HTTPDoer
}

// NewIPInfoProvider creates an ipinfo.io provider.
func NewIPInfoProvider(baseURL, token string, client HTTPDoer) *IPInfoProvider {
	if baseURL == "" {
		baseURL = "https://ipinfo.io"
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &IPInfoProvider{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (p *IPInfoProvider) Name() string { return "ipinfo" }

// Lookup queries ipinfo.io for ip.
func (p *IPInfoProvider) Lookup(ctx context.Context, ip string) (*GeoLookupRecord, error) {
	url := fmt.Sprintf("%s/%s/json", p.baseURL, ip)
	if p.token != "" {
		url += "?token=" + p.token
	}

	var apiResponse struct {
		City     string `json:"city"`
		Region   string `json:"region"`
		Country  string `json:"country"`
		Loc      string `json:"loc"`
		Org      string `json:"org"`
		Postal   string `json:"postal"`
		Timezone string `json:"timezone"`
		Bogon    bool   `json:"bogon"`
		Privacy  *struct {
			VPN     bool `json:"vpn"`
			Proxy   bool `json:"proxy"`
			Tor     bool `json:"tor"`
			Relay   bool `json:"relay"`
			Hosting bool `json:"hosting"`
		} `json:"privacy"`
	}
	if err := getJSON(ctx, p.client, url, &apiResponse); err != nil {
		return nil, fmt.Errorf("ipinfo lookup failed: %w", err)
	}
	if apiResponse.Bogon {
		return nil, fmt.Errorf("ipinfo: %s is a bogon address", ip)
	}

	rec := &GeoLookupRecord{
		IPAddress:   ip,
		Country:     apiResponse.Country,
		CountryCode: apiResponse.Country,
		Region:      apiResponse.Region,
		City:        apiResponse.City,
		PostalCode:  apiResponse.Postal,
		Timezone:    apiResponse.Timezone,
		ISP:         stripASN(apiResponse.Org),
	}
	if lat, lon, ok := parseLatLon(apiResponse.Loc); ok {
		rec.Latitude, rec.Longitude = lat, lon
	}
	if pr := apiResponse.Privacy; pr != nil {
		rec.IsVPN = pr.VPN
		rec.IsTor = pr.Tor
		rec.IsProxy = pr.Proxy || pr.Relay
		rec.IsHosting = pr.Hosting
	}
	return rec, nil
}

// MaxMindProvider resolves addresses offline from GeoLite2/GeoIP2 databases.
type MaxMindProvider struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// OpenMaxMindProvider opens the city database and, when asnPath is set, the
// ASN database used for ISP names.
func OpenMaxMindProvider(cityPath, asnPath string) (*MaxMindProvider, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open maxmind city database: %w", err)
	}
	p := &MaxMindProvider{city: city}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("failed to open maxmind asn database: %w", err)
		}
		p.asn = asn
	}
	return p, nil
}

func (p *MaxMindProvider) Name() string { return "maxmind" }

// Lookup reads ip from the local databases.
func (p *MaxMindProvider) Lookup(_ context.Context, ip string) (*GeoLookupRecord, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("maxmind: invalid ip %q", ip)
	}
	city, err := p.city.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("maxmind city lookup failed: %w", err)
	}
	if city.Country.IsoCode == "" {
		return nil, fmt.Errorf("maxmind: no record for %s", ip)
	}

	rec := &GeoLookupRecord{
		IPAddress:   ip,
		Country:     city.Country.Names["en"],
		CountryCode: city.Country.IsoCode,
		City:        city.City.Names["en"],
		PostalCode:  city.Postal.Code,
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
		Timezone:    city.Location.TimeZone,
		IsProxy:     city.Traits.IsAnonymousProxy,
	}
	if len(city.Subdivisions) > 0 {
		rec.Region = city.Subdivisions[0].Names["en"]
	}
	if p.asn != nil {
		if asn, err := p.asn.ASN(parsed); err == nil {
			rec.ISP = asn.AutonomousSystemOrganization
		}
	}
	return rec, nil
}

// Close releases the database readers.
func (p *MaxMindProvider) Close() error {
	var errs []error
	if p.city != nil {
		errs = append(errs, p.city.Close())
	}
	if p.asn != nil {
		errs = append(errs, p.asn.Close())
	}
	return errors.Join(errs...)
}

// ProviderSettings configures BuildProviders.
type ProviderSettings struct {
	Names         []string
	Timeout       time.Duration
	RatePerMinute int
	IPAPIBaseURL  string
	IPInfoBaseURL string
	IPInfoToken   string
	MaxMindCityDB string
	MaxMindASNDB  string
}

// BuildProviders instantiates the configured providers in order. Remote
// providers are wrapped in their registry breaker and an outbound rate
// limit. Providers that cannot be constructed are
// skipped with a warning. The returned closer releases local databases.
func BuildProviders(settings ProviderSettings, registry *resilience.Registry, logger *zap.Logger) ([]GeoProvider, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 5 * time.Second
	}

	var (
		providers []GeoProvider
		closers   []func() error
	)
	if registry == nil {
		registry = resilience.NewRegistry()
	}
	remote := func(name string) *resilience.ResilientHTTPClient {
		cfg := resilience.DefaultBreakerConfig(name)
		cfg.Logger = logger
		return resilience.NewResilientHTTPClient(&http.Client{Timeout: settings.Timeout}, registry.Breaker(cfg)).
			WithRateLimit(settings.RatePerMinute)
	}

	for _, name := range settings.Names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ipapi", "ip-api":
			providers = append(providers, NewIPAPIProvider(settings.IPAPIBaseURL, remote("ipapi")))
		case "ipinfo":
			providers = append(providers, NewIPInfoProvider(settings.IPInfoBaseURL, settings.IPInfoToken, remote("ipinfo")))
		case "maxmind":
			if settings.MaxMindCityDB == "" {
				logger.Warn("maxmind provider configured without a city database, skipping")
				continue
			}
			mm, err := OpenMaxMindProvider(settings.MaxMindCityDB, settings.MaxMindASNDB)
			if err != nil {
				logger.Warn("maxmind provider unavailable, skipping", zap.Error(err))
				continue
			}
			providers = append(providers, mm)
			closers = append(closers, mm.Close)
		default:
			return nil, nil, fmt.Errorf("unknown geo provider %q", name)
		}
	}
	if len(providers) == 0 {
		return nil, nil, fmt.Errorf("no geo providers configured")
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return providers, closeAll, nil
}

func getJSON(ctx context.Context, client HTTPDoer, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func parseLatLon(loc string) (float64, float64, bool) {
	parts := strings.Split(loc, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// stripASN turns "AS15169 Google LLC" into "Google LLC".
func stripASN(org string) string {
	if strings.HasPrefix(org, "AS") {
		if i := strings.IndexByte(org, ' '); i > 0 {
			return org[i+1:]
		}
	}
	return org
}
