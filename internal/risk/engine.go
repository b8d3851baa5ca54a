package risk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/metrics"
)

// Outcome is the engine's answer to the authentication collaborator.
type Outcome string

const (
	OutcomeAllow               Outcome = "allow"
	OutcomePendingVerification Outcome = "pending_verification"
)

// LoginRequest is a login attempt whose credentials have been verified.
type LoginRequest struct {
	PrincipalID string
	Email       string
	IPAddress   string
	UserAgent   string
	Headers     http.Header
	// TrustLocation asks for the device to be trusted if the principal
	// approves a held login.
	TrustLocation bool
}

// Decision is the result of Engine.Evaluate.
type Decision struct {
	Outcome   Outcome    `json:"outcome"`
	Score     int        `json:"score"`
	Reasons   []Reason   `json:"reasons"`
	AttemptID string     `json:"attempt_id,omitempty"`
	Token     string     `json:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Engine ties assessment, device trust and the attempt lifecycle together
// behind the contract used at login time.
type Engine struct {
	assessor  *RiskAssessor
	devices   *DeviceTrustStore
	lifecycle *Lifecycle
	history   HistoryRecorder
	config    Config
	clock     Clock
	logger    *zap.Logger
}

// NewEngine creates an Engine. history may be nil when login outcomes are
// recorded elsewhere.
func NewEngine(assessor *RiskAssessor, devices *DeviceTrustStore, lifecycle *Lifecycle, history HistoryRecorder, config Config, clock Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		assessor:  assessor,
		devices:   devices,
		lifecycle: lifecycle,
		history:   history,
		config:    config.normalized(),
		clock:     clock,
		logger:    logger.With(zap.String("component", "risk_engine")),
	}
}

// Evaluate scores the login. Below the threshold the device's trust is
// refreshed and the login is allowed; at or above it a pending attempt is
// created and its token returned.
func (e *Engine) Evaluate(ctx context.Context, req LoginRequest) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "Engine.Evaluate")
	defer span.End()
	start := time.Now()

	a, err := e.assessor.Evaluate(ctx, req.PrincipalID, req.IPAddress, req.UserAgent, req.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to assess login: %w", err)
	}
	for _, r := range a.Reasons {
		metrics.RecordReason(string(r))
	}

	decision := &Decision{Score: a.Score, Reasons: a.Reasons}
	if !a.Suspicious(e.config.Threshold) {
		e.refreshDeviceTrust(ctx, req, a)
		decision.Outcome = OutcomeAllow
	} else {
		attempt, err := e.lifecycle.Create(ctx, CreateParams{
			PrincipalID:              req.PrincipalID,
			Email:                    req.Email,
			IPAddress:                req.IPAddress,
			UserAgent:                req.UserAgent,
			Geo:                      a.Geo,
			Device:                   a.Fingerprint,
			Score:                    a.Score,
			Reasons:                  a.Reasons,
			TrustedLocationRequested: req.TrustLocation,
		})
		if err != nil {
			return nil, err
		}
		expires := attempt.ExpiresAt
		decision.Outcome = OutcomePendingVerification
		decision.AttemptID = attempt.ID
		decision.Token = attempt.Token
		decision.ExpiresAt = &expires
	}

	span.SetAttributes(attribute.String("risk.outcome", string(decision.Outcome)))
	metrics.RecordEvaluation(string(decision.Outcome), decision.Score, time.Since(start))
	e.logger.Info("login risk evaluated",
		zap.String("principal_id", req.PrincipalID),
		zap.String("ip", req.IPAddress),
		zap.Int("score", decision.Score),
		zap.String("outcome", string(decision.Outcome)),
		zap.Any("reasons", decision.Reasons))
	return decision, nil
}

// refreshDeviceTrust extends a known device or records an unknown one at
// low trust. Failures are logged; they never block an allowed login.
func (e *Engine) refreshDeviceTrust(ctx context.Context, req LoginRequest, a *Assessment) {
	existing, err := e.devices.Lookup(ctx, req.PrincipalID, a.Fingerprint)
	if err != nil {
		e.logger.Warn("device lookup failed", zap.String("principal_id", req.PrincipalID), zap.Error(err))
		return
	}
	if existing != nil && existing.TrustedAt(e.clock.Now()) {
		if err := e.devices.Touch(ctx, existing, e.config.ImplicitTrustTTL); err != nil {
			e.logger.Warn("failed to refresh device trust", zap.String("device_id", existing.ID), zap.Error(err))
		}
		return
	}

	level, method := TrustLow, MethodImplicit
	if existing != nil && existing.Active {
		// An expired record keeps the level it had earned; a revoked one
		// starts over.
		level, method = existing.TrustLevel, existing.VerificationMethod
	}
	meta := RequestMeta{IPAddress: req.IPAddress, UserAgent: req.UserAgent}
	if _, err := e.devices.Promote(ctx, req.PrincipalID, a.Fingerprint, meta, level, e.config.ImplicitTrustTTL, method); err != nil {
		e.logger.Warn("failed to record device", zap.String("principal_id", req.PrincipalID), zap.Error(err))
	}
}

// Approve forwards to the lifecycle.
func (e *Engine) Approve(ctx context.Context, token, ip, userAgent string) (bool, error) {
	return e.lifecycle.Approve(ctx, token, ip, userAgent)
}

// Deny forwards to the lifecycle.
func (e *Engine) Deny(ctx context.Context, token, ip, userAgent string) (bool, error) {
	return e.lifecycle.Deny(ctx, token, ip, userAgent)
}

// RecordOutcome appends the result of a credential check to login history,
// using the cached location of the IP when a fresh one is stored. It never
// triggers a provider lookup.
func (e *Engine) RecordOutcome(ctx context.Context, principalID, ip, userAgent string, success bool) error {
	if e.history == nil {
		return nil
	}
	geo, err := e.assessor.geo.Cached(ctx, ip)
	if err != nil {
		e.logger.Debug("recording login without location", zap.String("ip", ip), zap.Error(err))
		geo = nil
	}
	fact := LoginFact{
		PrincipalID: principalID,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Success:     success,
		OccurredAt:  e.clock.Now(),
	}
	if geo != nil && !geo.Stale {
		fact.CountryCode = geo.CountryCode
		fact.Region = geo.Region
		if geo.HasCoordinates() {
			fact.Latitude, fact.Longitude, fact.HasLocation = geo.Latitude, geo.Longitude, true
		}
	}
	if err := e.history.Record(ctx, fact); err != nil {
		return fmt.Errorf("failed to record login outcome: %w", err)
	}
	return nil
}
