package risk

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openidx/loginrisk/internal/common/events"
)

// Security event types.
const (
	EventGeoLookupFailed  = "risk.geo_lookup_failed"
	EventAttemptCreated   = "risk.attempt_created"
	EventAttemptApproved  = "risk.attempt_approved"
	EventAttemptDenied    = "risk.attempt_denied"
	EventAttemptExpired   = "risk.attempt_expired"
	EventThreatEscalated  = "risk.threat_escalated"
	EventNotificationLost = "risk.notification_failed"
)

// SecurityEvent is emitted for every notable decision the engine makes so
// that audit and monitoring collaborators can observe it.
type SecurityEvent struct {
	Type        string
	PrincipalID string
	IPAddress   string
	Score       int
	Reasons     []Reason
	AttemptID   string
	ThreatLevel ThreatLevel
	Detail      string
	OccurredAt  time.Time
}

// EventPublisher receives security events. Publishing never fails the
// operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, ev SecurityEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, SecurityEvent) {}

// BusPublisher forwards security events onto the shared event bus.
type BusPublisher struct {
	bus    events.Bus
	source string
}

// NewBusPublisher creates a publisher writing to bus.
func NewBusPublisher(bus events.Bus) *BusPublisher {
	return &BusPublisher{bus: bus, source: "loginrisk"}
}

// Publish converts ev into a bus event and dispatches it asynchronously.
func (p *BusPublisher) Publish(ctx context.Context, ev SecurityEvent) {
	reasons := make([]string, 0, len(ev.Reasons))
	for _, r := range ev.Reasons {
		reasons = append(reasons, string(r))
	}
	payload := map[string]interface{}{
		"principal_id": ev.PrincipalID,
		"ip_address":   ev.IPAddress,
		"score":        ev.Score,
		"reasons":      reasons,
	}
	if ev.AttemptID != "" {
		payload["attempt_id"] = ev.AttemptID
	}
	if ev.ThreatLevel != "" {
		payload["threat_level"] = string(ev.ThreatLevel)
	}
	if ev.Detail != "" {
		payload["detail"] = ev.Detail
	}

	busEvent := events.NewEvent(ev.Type, p.source, payload).WithUserID(ev.PrincipalID)
	if !ev.OccurredAt.IsZero() {
		busEvent.Timestamp = ev.OccurredAt
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		busEvent = busEvent.WithTraceID(sc.TraceID().String())
	}
	p.bus.PublishAsync(ctx, busEvent)
}
