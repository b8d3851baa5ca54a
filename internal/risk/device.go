package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/metrics"
)

// ErrDeviceNotFound is returned by TrustStore when no record matches.
var ErrDeviceNotFound = errors.New("trusted device not found")

// DeviceFingerprint identifies a client device from request headers. Two
// fingerprints match only when every field is equal.
type DeviceFingerprint struct {
	UserAgentHash  string `json:"user_agent_hash"`
	AcceptLanguage string `json:"accept_language"`
	AcceptEncoding string `json:"accept_encoding"`
	Browser        string `json:"browser"`
	OS             string `json:"os"`
	DeviceType     string `json:"device_type"`
}

// NewDeviceFingerprint builds a fingerprint from the user agent and the
// request headers.
func NewDeviceFingerprint(userAgent string, headers http.Header) DeviceFingerprint {
	sum := sha256.Sum256([]byte(userAgent))
	browser, os, deviceType := parseUserAgent(userAgent)
	return DeviceFingerprint{
		UserAgentHash:  hex.EncodeToString(sum[:]),
		AcceptLanguage: strings.TrimSpace(headers.Get("Accept-Language")),
		AcceptEncoding: strings.TrimSpace(headers.Get("Accept-Encoding")),
		Browser:        browser,
		OS:             os,
		DeviceType:     deviceType,
	}
}

// Key is a stable digest of all fingerprint fields, used as a storage key.
func (f DeviceFingerprint) Key() string {
	joined := strings.Join([]string{
		f.UserAgentHash, f.AcceptLanguage, f.AcceptEncoding, f.Browser, f.OS, f.DeviceType,
	}, "\x1f")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// DisplayName renders e.g. "Chrome 120 on Windows".
func (f DeviceFingerprint) DisplayName() string {
	return f.Browser + " on " + f.OS
}

var browserVersion = regexp.MustCompile(`(?i)(edg|opr|firefox|chrome|crios|fxios|version)/(\d+)`)

// parseUserAgent extracts browser (with major version), OS and device type.
func parseUserAgent(userAgent string) (browser, os, deviceType string) {
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "macintosh") || strings.Contains(ua, "mac os"):
		os = "macOS"
	case strings.Contains(ua, "cros"):
		os = "ChromeOS"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	default:
		os = "Unknown OS"
	}

	versions := map[string]string{}
	for _, m := range browserVersion.FindAllStringSubmatch(ua, -1) {
		versions[m[1]] = m[2]
	}
	withVersion := func(name, token string) string {
		if v, ok := versions[token]; ok {
			return name + " " + v
		}
		return name
	}
	switch {
	case strings.Contains(ua, "edg/"):
		browser = withVersion("Edge", "edg")
	case strings.Contains(ua, "opr/"):
		browser = withVersion("Opera", "opr")
	case strings.Contains(ua, "firefox/") || strings.Contains(ua, "fxios/"):
		if _, ok := versions["firefox"]; ok {
			browser = withVersion("Firefox", "firefox")
		} else {
			browser = withVersion("Firefox", "fxios")
		}
	case strings.Contains(ua, "crios/"):
		browser = withVersion("Chrome", "crios")
	case strings.Contains(ua, "chrome/"):
		browser = withVersion("Chrome", "chrome")
	case strings.Contains(ua, "safari/"):
		browser = withVersion("Safari", "version")
	case ua == "":
		browser = "Unknown"
	default:
		browser = "Browser"
	}

	switch {
	case strings.Contains(ua, "bot") || strings.Contains(ua, "crawler") || strings.Contains(ua, "spider"):
		deviceType = "bot"
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		deviceType = "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		deviceType = "mobile"
	default:
		deviceType = "desktop"
	}
	return browser, os, deviceType
}

// TrustLevel is how much a trusted device is trusted.
type TrustLevel string

const (
	TrustLow    TrustLevel = "low"
	TrustMedium TrustLevel = "medium"
	TrustHigh   TrustLevel = "high"
)

// VerificationMethod records how a device came to be trusted.
type VerificationMethod string

const (
	MethodEnrollment              VerificationMethod = "enrollment"
	MethodSuspiciousLoginApproval VerificationMethod = "suspicious_login_approval"
	MethodImplicit                VerificationMethod = "implicit"
)

// TrustedDevice is a device a principal has logged in from, keyed by
// (principal, fingerprint).
type TrustedDevice struct {
	ID                 string             `json:"id"`
	PrincipalID        string             `json:"principal_id"`
	Fingerprint        DeviceFingerprint  `json:"fingerprint"`
	FingerprintKey     string             `json:"fingerprint_key"`
	Name               string             `json:"name"`
	TrustLevel         TrustLevel         `json:"trust_level"`
	VerificationMethod VerificationMethod `json:"verification_method"`
	IPAddress          string             `json:"ip_address"`
	UserAgent          string             `json:"user_agent"`
	FirstUsedAt        time.Time          `json:"first_used_at"`
	LastUsedAt         time.Time          `json:"last_used_at"`
	ExpiresAt          time.Time          `json:"expires_at"`
	Active             bool               `json:"active"`
}

// TrustedAt reports whether the device confers trust at now.
func (d *TrustedDevice) TrustedAt(now time.Time) bool {
	return d.Active && now.Before(d.ExpiresAt)
}

// TrustStore persists trusted devices.
type TrustStore interface {
	// Find returns ErrDeviceNotFound when no record matches.
	Find(ctx context.Context, principalID, fingerprintKey string) (*TrustedDevice, error)
	// Upsert inserts or updates the record keyed by (principal, fingerprint
	// key). The stored expiry becomes the later of the existing and new
	// values. The stored record is returned.
	Upsert(ctx context.Context, d *TrustedDevice) (*TrustedDevice, error)
	// Touch sets last used and extends, never shortens, the expiry.
	Touch(ctx context.Context, id string, usedAt, expiresAt time.Time) error
	Deactivate(ctx context.Context, principalID, fingerprintKey string) (bool, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]TrustedDevice, error)
}

// RequestMeta carries the request details recorded with a trust change.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// DeviceTrustStore answers trust questions about devices and records trust
// changes.
type DeviceTrustStore struct {
	store  TrustStore
	clock  Clock
	logger *zap.Logger
}

// NewDeviceTrustStore creates a DeviceTrustStore over store.
func NewDeviceTrustStore(store TrustStore, clock Clock, logger *zap.Logger) *DeviceTrustStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &DeviceTrustStore{
		store:  store,
		clock:  clock,
		logger: logger.With(zap.String("component", "device_trust")),
	}
}

// Lookup returns the stored record for the device, or nil when none exists.
func (s *DeviceTrustStore) Lookup(ctx context.Context, principalID string, fp DeviceFingerprint) (*TrustedDevice, error) {
	d, err := s.store.Find(ctx, principalID, fp.Key())
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trusted device: %w", err)
	}
	// Keys are digests; compare the fields themselves as well.
	if d.Fingerprint != fp {
		return nil, nil
	}
	return d, nil
}

// IsTrusted reports whether an active, unexpired record exists.
func (s *DeviceTrustStore) IsTrusted(ctx context.Context, principalID string, fp DeviceFingerprint) (bool, error) {
	d, err := s.Lookup(ctx, principalID, fp)
	if err != nil || d == nil {
		return false, err
	}
	return d.TrustedAt(s.clock.Now()), nil
}

// IsKnown reports whether the principal has used the device before, at any
// trust level and regardless of expiry. A revoked device is not known.
func (s *DeviceTrustStore) IsKnown(ctx context.Context, principalID string, fp DeviceFingerprint) (bool, error) {
	d, err := s.Lookup(ctx, principalID, fp)
	if err != nil || d == nil {
		return false, err
	}
	return d.Active, nil
}

// Promote creates or upgrades the trust record for the device. Repeated
// calls update the same record; the expiry is never shortened.
func (s *DeviceTrustStore) Promote(ctx context.Context, principalID string, fp DeviceFingerprint, meta RequestMeta, level TrustLevel, ttl time.Duration, method VerificationMethod) (*TrustedDevice, error) {
	now := s.clock.Now()
	d, err := s.store.Upsert(ctx, &TrustedDevice{
		PrincipalID:        principalID,
		Fingerprint:        fp,
		FingerprintKey:     fp.Key(),
		Name:               fp.DisplayName(),
		TrustLevel:         level,
		VerificationMethod: method,
		IPAddress:          meta.IPAddress,
		UserAgent:          meta.UserAgent,
		FirstUsedAt:        now,
		LastUsedAt:         now,
		ExpiresAt:          now.Add(ttl),
		Active:             true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to promote device: %w", err)
	}
	metrics.RecordTrustPromotion(string(method))
	s.logger.Info("device trust promoted",
		zap.String("principal_id", principalID),
		zap.String("device", d.Name),
		zap.String("trust_level", string(level)),
		zap.String("method", string(method)))
	return d, nil
}

// Touch records use of a trusted device and extends its expiry to at least
// now+ttl.
func (s *DeviceTrustStore) Touch(ctx context.Context, d *TrustedDevice, ttl time.Duration) error {
	now := s.clock.Now()
	expires := now.Add(ttl)
	if d.ExpiresAt.After(expires) {
		expires = d.ExpiresAt
	}
	if err := s.store.Touch(ctx, d.ID, now, expires); err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	d.LastUsedAt = now
	d.ExpiresAt = expires
	return nil
}

// Revoke deactivates the device. It reports whether a record existed.
func (s *DeviceTrustStore) Revoke(ctx context.Context, principalID string, fp DeviceFingerprint) (bool, error) {
	ok, err := s.store.Deactivate(ctx, principalID, fp.Key())
	if err != nil {
		return false, fmt.Errorf("failed to revoke device: %w", err)
	}
	return ok, nil
}

// List returns every device recorded for the principal.
func (s *DeviceTrustStore) List(ctx context.Context, principalID string) ([]TrustedDevice, error) {
	devices, err := s.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}
