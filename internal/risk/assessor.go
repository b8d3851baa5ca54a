package risk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MaxScore is the upper bound of a risk score.
const MaxScore = 100

// GeoResolver is the part of GeoLookupCache the assessor depends on.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string, forceRefresh bool) (*GeoLookupRecord, error)
	Cached(ctx context.Context, ip string) (*GeoLookupRecord, error)
}

// DeviceRecognizer is the part of DeviceTrustStore the assessor depends on.
type DeviceRecognizer interface {
	IsKnown(ctx context.Context, principalID string, fp DeviceFingerprint) (bool, error)
}

// TravelCheck describes the movement since the last known login.
type TravelCheck struct {
	DistanceKm float64       `json:"distance_km"`
	Elapsed    time.Duration `json:"elapsed"`
	SpeedKmh   float64       `json:"speed_kmh"`
	PreviousAt time.Time     `json:"previous_at"`
	PreviousIP string        `json:"previous_ip,omitempty"`
	Impossible bool          `json:"impossible"`
}

// Assessment is the scored result of evaluating one login attempt.
type Assessment struct {
	PrincipalID string            `json:"principal_id"`
	IPAddress   string            `json:"ip_address"`
	UserAgent   string            `json:"-"`
	Score       int               `json:"score"`
	Reasons     []Reason          `json:"reasons"`
	Geo         *GeoLookupRecord  `json:"geo,omitempty"`
	Fingerprint DeviceFingerprint `json:"fingerprint"`
	DeviceKnown bool              `json:"device_known"`
	Travel      *TravelCheck      `json:"travel,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// Suspicious reports whether the score reaches threshold. The boundary is
// inclusive: a score equal to the threshold is suspicious.
func (a *Assessment) Suspicious(threshold int) bool {
	return a.Score >= threshold
}

func (a *Assessment) add(r Reason, points int) {
	a.Reasons = append(a.Reasons, r)
	a.Score += points
}

// RiskAssessor scores login attempts from location, device and behavior
// signals. It reads from its collaborators and never writes.
type RiskAssessor struct {
	geo     GeoResolver
	devices DeviceRecognizer
	history HistoryReader
	config  Config
	clock   Clock
	events  EventPublisher
	logger  *zap.Logger
}

// NewRiskAssessor creates a RiskAssessor.
func NewRiskAssessor(geo GeoResolver, devices DeviceRecognizer, history HistoryReader, config Config, clock Clock, events EventPublisher, logger *zap.Logger) *RiskAssessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &RiskAssessor{
		geo:     geo,
		devices: devices,
		history: history,
		config:  config.normalized(),
		clock:   clock,
		events:  events,
		logger:  logger.With(zap.String("component", "risk_assessor")),
	}
}

// Evaluate scores a login attempt. Collaborator failures degrade the
// affected check instead of failing the evaluation; an error is returned
// only for invalid input or a cancelled context.
func (r *RiskAssessor) Evaluate(ctx context.Context, principalID, ip, userAgent string, headers http.Header) (*Assessment, error) {
	if principalID == "" {
		return nil, fmt.Errorf("principal id is required")
	}
	if headers == nil {
		headers = http.Header{}
	}
	ctx, span := tracer.Start(ctx, "RiskAssessor.Evaluate")
	defer span.End()

	a := &Assessment{
		PrincipalID: principalID,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Fingerprint: NewDeviceFingerprint(userAgent, headers),
		EvaluatedAt: r.clock.Now(),
	}

	if err := r.scoreLocation(ctx, a); err != nil {
		return nil, err
	}
	r.scoreDevice(ctx, a)
	r.scoreBehavior(ctx, a)

	if a.Score > MaxScore {
		a.Score = MaxScore
	}
	if a.Score < 0 {
		a.Score = 0
	}

	span.SetAttributes(
		attribute.Int("risk.score", a.Score),
		attribute.Int("risk.reasons", len(a.Reasons)),
	)
	r.logger.Debug("login assessed",
		zap.String("principal_id", principalID),
		zap.String("ip", ip),
		zap.Int("score", a.Score),
		zap.Any("reasons", a.Reasons))
	return a, nil
}

func (r *RiskAssessor) scoreLocation(ctx context.Context, a *Assessment) error {
	geo, err := r.geo.Resolve(ctx, a.IPAddress, false)
	switch {
	case errors.Is(err, ErrUnroutableIP):
		r.logger.Debug("skipping location checks for unroutable ip", zap.String("ip", a.IPAddress))
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case err != nil:
		r.logger.Warn("geo lookup failed, location checks skipped",
			zap.String("principal_id", a.PrincipalID),
			zap.String("ip", a.IPAddress),
			zap.Error(err))
		r.events.Publish(ctx, SecurityEvent{
			Type:        EventGeoLookupFailed,
			PrincipalID: a.PrincipalID,
			IPAddress:   a.IPAddress,
			Detail:      err.Error(),
			OccurredAt:  a.EvaluatedAt,
		})
		return nil
	}

	a.Geo = geo
	if geo.Stale {
		// Kept for display and audit only.
		r.logger.Warn("geo providers unavailable, using stale record without scoring",
			zap.String("ip", a.IPAddress), zap.String("source", geo.Source))
		r.events.Publish(ctx, SecurityEvent{
			Type:        EventGeoLookupFailed,
			PrincipalID: a.PrincipalID,
			IPAddress:   a.IPAddress,
			Detail:      "providers unavailable, stale record served",
			OccurredAt:  a.EvaluatedAt,
		})
		return nil
	}

	if geo.IsVPN {
		a.add(ReasonVPNDetected, r.config.Points(ReasonVPNDetected))
	}
	if geo.IsProxy {
		a.add(ReasonProxyDetected, r.config.Points(ReasonProxyDetected))
	}
	if geo.IsTor {
		a.add(ReasonTorDetected, r.config.Points(ReasonTorDetected))
	}

	if geo.CountryCode != "" {
		seenCountry, err := r.history.HasLoggedInFromCountry(ctx, a.PrincipalID, geo.CountryCode)
		if err != nil {
			r.logger.Warn("country history unavailable, check skipped", zap.Error(err))
		} else if !seenCountry {
			a.add(ReasonNewCountry, r.config.Points(ReasonNewCountry))
		} else if geo.Region != "" {
			seenRegion, err := r.history.HasLoggedInFromRegion(ctx, a.PrincipalID, geo.CountryCode, geo.Region)
			if err != nil {
				r.logger.Warn("region history unavailable, check skipped", zap.Error(err))
			} else if !seenRegion {
				a.add(ReasonNewRegion, r.config.Points(ReasonNewRegion))
			}
		}
	}

	if geo.HasCoordinates() {
		last, ok, err := r.history.LastKnownLocation(ctx, a.PrincipalID)
		if err != nil {
			r.logger.Warn("last known location unavailable, travel check skipped", zap.Error(err))
		} else if ok {
			a.Travel = r.checkTravel(last, geo, a.EvaluatedAt)
			if a.Travel != nil && a.Travel.Impossible {
				a.add(ReasonImpossibleTravel, r.config.Points(ReasonImpossibleTravel))
			}
		}
	}

	if r.config.isHighRiskCountry(geo.CountryCode) {
		a.add(ReasonHighRiskCountry, r.config.Points(ReasonHighRiskCountry))
	}
	if geo.Escalated && geo.ThreatLevel.AtLeast(ThreatCritical) {
		a.add(ReasonThreatEscalated, r.config.Points(ReasonThreatEscalated))
	}
	return nil
}

// checkTravel returns nil when no elapsed time separates the two logins.
func (r *RiskAssessor) checkTravel(last *KnownLocation, geo *GeoLookupRecord, now time.Time) *TravelCheck {
	elapsed := now.Sub(last.At)
	if elapsed <= 0 {
		return nil
	}
	distance := haversineKm(last.Latitude, last.Longitude, geo.Latitude, geo.Longitude)
	speed := distance / elapsed.Hours()
	return &TravelCheck{
		DistanceKm: distance,
		Elapsed:    elapsed,
		SpeedKmh:   speed,
		PreviousAt: last.At,
		PreviousIP: last.IPAddress,
		Impossible: speed > r.config.MaxTravelSpeedKmh,
	}
}

func (r *RiskAssessor) scoreDevice(ctx context.Context, a *Assessment) {
	known, err := r.devices.IsKnown(ctx, a.PrincipalID, a.Fingerprint)
	if err != nil {
		// An unreadable trust store is treated as an unknown device.
		r.logger.Warn("device trust lookup failed, treating device as new",
			zap.String("principal_id", a.PrincipalID), zap.Error(err))
	}
	a.DeviceKnown = known && err == nil
	if !a.DeviceKnown {
		a.add(ReasonNewDevice, r.config.Points(ReasonNewDevice))
	}
}

func (r *RiskAssessor) scoreBehavior(ctx context.Context, a *Assessment) {
	failures, err := r.history.RecentFailedAttempts(ctx, a.PrincipalID, r.config.FailedAttemptsWindow)
	if err != nil {
		r.logger.Warn("failed attempt history unavailable, check skipped", zap.Error(err))
	} else if failures >= r.config.FailedAttemptsThreshold {
		a.add(ReasonRepeatedFailures, r.config.Points(ReasonRepeatedFailures))
	}

	ips, err := r.history.ConcurrentDistinctIPs(ctx, a.PrincipalID, r.config.ConcurrentSessionsWindow)
	if err != nil {
		r.logger.Warn("session history unavailable, check skipped", zap.Error(err))
	} else if ips > r.config.ConcurrentIPThreshold {
		a.add(ReasonConcurrentSessions, r.config.Points(ReasonConcurrentSessions))
	}
}
