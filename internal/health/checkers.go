package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openidx/loginrisk/internal/common/resilience"
)

// PingFunc checks that a dependency answers.
type PingFunc func(ctx context.Context) error

// PingChecker reports a dependency down when its ping fails and degraded
// when it answers slower than SlowAfter.
type PingChecker struct {
	name      string
	ping      PingFunc
	critical  bool
	slowAfter time.Duration
}

// NewPingChecker creates a checker around ping. A zero slowAfter disables the
// degraded state.
func NewPingChecker(name string, ping PingFunc, critical bool, slowAfter time.Duration) *PingChecker {
	return &PingChecker{name: name, ping: ping, critical: critical, slowAfter: slowAfter}
}

// Name returns the checker name
func (p *PingChecker) Name() string { return p.name }

// IsCritical returns true if this component is critical for readiness
func (p *PingChecker) IsCritical() bool { return p.critical }

// Check runs the ping and measures latency
func (p *PingChecker) Check(ctx context.Context) ComponentStatus {
	start := time.Now()
	err := p.ping(ctx)
	latency := time.Since(start)

	status := ComponentStatus{
		Status:    StatusUp,
		LatencyMS: float64(latency.Milliseconds()),
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case err != nil:
		status.Status = StatusDown
		status.Details = err.Error()
	case p.slowAfter > 0 && latency > p.slowAfter:
		status.Status = StatusDegraded
		status.Details = "high latency"
	}
	return status
}

// BreakerChecker reports geolocation provider circuit breakers. Any open
// breaker degrades the service; all of them open means no remote provider
// can answer and the check is down. It is never critical: lookups fall back
// to stale records and score no location points.
type BreakerChecker struct {
	registry *resilience.Registry
}

// NewBreakerChecker creates a checker over registry
func NewBreakerChecker(registry *resilience.Registry) *BreakerChecker {
	return &BreakerChecker{registry: registry}
}

// Name returns the checker name
func (b *BreakerChecker) Name() string { return "geo_providers" }

// IsCritical returns false
func (b *BreakerChecker) IsCritical() bool { return false }

// Check lists open providers with their last error.
func (b *BreakerChecker) Check(_ context.Context) ComponentStatus {
	statuses := b.registry.Statuses()
	var open []string
	for _, s := range statuses {
		if s.State != resilience.StateOpen {
			continue
		}
		entry := s.Provider
		if s.LastError != "" {
			entry += " (" + s.LastError + ")"
		}
		open = append(open, entry)
	}

	status := ComponentStatus{Status: StatusUp, CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	switch {
	case len(open) == 0:
	case len(open) == len(statuses):
		status.Status = StatusDown
	default:
		status.Status = StatusDegraded
	}
	if len(open) > 0 {
		status.Details = fmt.Sprintf("open: %s", strings.Join(open, "; "))
	}
	return status
}
