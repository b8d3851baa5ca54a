package risk

import (
	"context"

	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/metrics"
)

// ThreatEscalationTarget is the part of GeoLookupCache the responder writes to.
type ThreatEscalationTarget interface {
	Escalate(ctx context.Context, ip string, level ThreatLevel) (bool, error)
}

// ThreatResponder raises the reputation of IPs tied to denied logins so
// later lookups see them as critical.
type ThreatResponder struct {
	geo    ThreatEscalationTarget
	clock  Clock
	events EventPublisher
	logger *zap.Logger
}

// NewThreatResponder creates a ThreatResponder.
func NewThreatResponder(geo ThreatEscalationTarget, clock Clock, events EventPublisher, logger *zap.Logger) *ThreatResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &ThreatResponder{
		geo:    geo,
		clock:  clock,
		events: events,
		logger: logger.With(zap.String("component", "threat_responder")),
	}
}

// EscalateThreat sets the threat level of ip's geo record to critical. It
// reports false when no record exists; none is created.
func (t *ThreatResponder) EscalateThreat(ctx context.Context, ip string) (bool, error) {
	return t.escalate(ctx, SecurityEvent{IPAddress: ip})
}

// EscalateFromAttempt escalates the source IP of a denied attempt.
func (t *ThreatResponder) EscalateFromAttempt(ctx context.Context, a *SuspiciousLoginAttempt) (bool, error) {
	return t.escalate(ctx, SecurityEvent{
		PrincipalID: a.PrincipalID,
		IPAddress:   a.IPAddress,
		Score:       a.Score,
		Reasons:     a.Reasons,
		AttemptID:   a.ID,
	})
}

func (t *ThreatResponder) escalate(ctx context.Context, ev SecurityEvent) (bool, error) {
	if ev.IPAddress == "" {
		return false, nil
	}
	found, err := t.geo.Escalate(ctx, ev.IPAddress, ThreatCritical)
	if err != nil {
		return false, err
	}
	if !found {
		t.logger.Info("no geo record to escalate", zap.String("ip", ev.IPAddress))
		return false, nil
	}

	metrics.RecordThreatEscalation()
	t.logger.Warn("ip threat level escalated",
		zap.String("ip", ev.IPAddress),
		zap.String("principal_id", ev.PrincipalID),
		zap.String("threat_level", string(ThreatCritical)))

	ev.Type = EventThreatEscalated
	ev.ThreatLevel = ThreatCritical
	ev.OccurredAt = t.clock.Now()
	t.events.Publish(ctx, ev)
	return true, nil
}
