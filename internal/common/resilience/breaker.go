// Package resilience protects calls to the external geolocation providers:
// a circuit breaker per provider, a registry the readiness check reads, and
// an HTTP client that applies the breaker and an outbound rate limit.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/metrics"
)

// ErrCircuitOpen is matched by every error a breaker returns without calling
// the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a provider breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// OpenError is returned while a provider's breaker rejects calls.
type OpenError struct {
	Provider string
	Until    time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s rejected until %s", ErrCircuitOpen, e.Provider, e.Until.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// BreakerConfig configures a ProviderBreaker.
type BreakerConfig struct {
	Provider  string
	Threshold int           // consecutive failures before opening
	Cooldown  time.Duration // time open before one trial call
	Logger    *zap.Logger
	Now       func() time.Time
}

// DefaultBreakerConfig opens after 5 consecutive failures and retries after
// 30 seconds.
func DefaultBreakerConfig(provider string) BreakerConfig {
	return BreakerConfig{
		Provider:  provider,
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// BreakerStatus is a snapshot of one provider's breaker.
type BreakerStatus struct {
	Provider            string     `json:"provider"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Threshold           int        `json:"threshold"`
	Rejected            uint64     `json:"rejected"`
	LastError           string     `json:"last_error,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

// ProviderBreaker stops calling a geolocation provider after repeated
// failures, so lookups fall through to the next provider without waiting
// out its timeout.
type ProviderBreaker struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastErr     string
	lastFailure time.Time
	openedAt    time.Time
	trial       bool
	rejected    uint64
}

// NewProviderBreaker creates a closed breaker for cfg.Provider.
func NewProviderBreaker(cfg BreakerConfig) *ProviderBreaker {
	def := DefaultBreakerConfig(cfg.Provider)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	metrics.SetGeoProviderBreakerState(cfg.Provider, string(StateClosed))
	return &ProviderBreaker{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "provider_breaker"), zap.String("provider", cfg.Provider)),
		state:  StateClosed,
	}
}

// Provider returns the provider name the breaker guards.
func (b *ProviderBreaker) Provider() string { return b.cfg.Provider }

// Call runs fn unless the breaker is open. Once the cooldown has passed a
// single trial call goes through; its result closes or re-opens the
// breaker, and calls arriving meanwhile are rejected.
func (b *ProviderBreaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *ProviderBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	until := b.openedAt.Add(b.cfg.Cooldown)
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Before(until) {
			b.rejected++
			return &OpenError{Provider: b.cfg.Provider, Until: until}
		}
		b.transition(StateHalfOpen)
		b.trial = true
	case StateHalfOpen:
		if b.trial {
			b.rejected++
			return &OpenError{Provider: b.cfg.Provider, Until: until}
		}
		b.trial = true
	}
	return nil
}

func (b *ProviderBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			b.logger.Info("geo provider recovered")
		}
		b.failures = 0
		b.trial = false
		b.transition(StateClosed)
		return
	}

	now := b.cfg.Now()
	b.failures++
	b.lastErr = err.Error()
	b.lastFailure = now
	wasTrial := b.state == StateHalfOpen
	b.trial = false
	b.logger.Warn("geo provider call failed",
		zap.Int("consecutive_failures", b.failures),
		zap.Int("threshold", b.cfg.Threshold),
		zap.Error(err))

	if b.state != StateOpen && (wasTrial || b.failures >= b.cfg.Threshold) {
		b.openedAt = now
		b.transition(StateOpen)
		b.logger.Error("geo provider breaker opened",
			zap.Int("consecutive_failures", b.failures),
			zap.Duration("cooldown", b.cfg.Cooldown))
	}
}

// transition must be called with mu held.
func (b *ProviderBreaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	metrics.RecordGeoProviderBreakerTransition(b.cfg.Provider, string(to))
}

// State returns the current state.
func (b *ProviderBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for readiness reporting.
func (b *ProviderBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerStatus{
		Provider:            b.cfg.Provider,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Threshold:           b.cfg.Threshold,
		Rejected:            b.rejected,
		LastError:           b.lastErr,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	if b.state == StateOpen {
		t := b.openedAt.Add(b.cfg.Cooldown)
		s.OpenUntil = &t
	}
	return s
}
