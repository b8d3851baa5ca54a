package risk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/metrics"
)

// ErrNotPending is returned by AttemptStore when a conditional transition
// finds no pending, unexpired attempt for the token.
var ErrNotPending = errors.New("attempt is not pending")

// AttemptStatus is the state of a suspicious login attempt.
type AttemptStatus string

const (
	StatusPending  AttemptStatus = "pending"
	StatusApproved AttemptStatus = "approved"
	StatusDenied   AttemptStatus = "denied"
	StatusExpired  AttemptStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s AttemptStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// SuspiciousLoginAttempt is a login held for out-of-band verification.
type SuspiciousLoginAttempt struct {
	ID string `json:"id"`
	// Token is the plaintext verification token. It is only populated on
	// the value returned by Create and is never persisted.
	Token                    string            `json:"-"`
	TokenHash                string            `json:"-"`
	PrincipalID              string            `json:"principal_id"`
	PrincipalEmail           string            `json:"principal_email,omitempty"`
	IPAddress                string            `json:"ip_address"`
	UserAgent                string            `json:"user_agent"`
	Geo                      *GeoSnapshot      `json:"geo,omitempty"`
	Device                   DeviceFingerprint `json:"device"`
	Score                    int               `json:"score"`
	Reasons                  []Reason          `json:"reasons"`
	Status                   AttemptStatus     `json:"status"`
	TrustedLocationRequested bool              `json:"trusted_location_requested"`
	CreatedAt                time.Time         `json:"created_at"`
	ExpiresAt                time.Time         `json:"expires_at"`
	NotificationSentAt       *time.Time        `json:"notification_sent_at,omitempty"`
	ResolvedAt               *time.Time        `json:"resolved_at,omitempty"`
	ResolvedIP               string            `json:"resolved_ip,omitempty"`
	ResolvedUserAgent        string            `json:"resolved_user_agent,omitempty"`
}

// Resolution describes who resolved an attempt and when.
type Resolution struct {
	At        time.Time
	IPAddress string
	UserAgent string
}

// AttemptStore persists suspicious login attempts.
type AttemptStore interface {
	Insert(ctx context.Context, a *SuspiciousLoginAttempt) error
	// Transition moves the pending, unexpired attempt identified by
	// tokenHash to status in a single conditional update and returns the
	// updated attempt. It returns ErrNotPending when nothing matched.
	Transition(ctx context.Context, tokenHash string, status AttemptStatus, res Resolution) (*SuspiciousLoginAttempt, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error
	// ExpirePending moves every pending attempt with expiresAt <= now to
	// expired and returns them.
	ExpirePending(ctx context.Context, now time.Time) ([]SuspiciousLoginAttempt, error)
}

// SuspiciousLoginNotice is what the principal is told about a held login.
type SuspiciousLoginNotice struct {
	AttemptID   string
	PrincipalID string
	Email       string
	Score       int
	Reasons     []Reason
	Geo         *GeoSnapshot
	IPAddress   string
	Device      string
	AttemptedAt time.Time
	ExpiresAt   time.Time
	ApproveURL  string
	DenyURL     string
}

// Notifier delivers suspicious login notices out of band.
type Notifier interface {
	NotifySuspiciousLogin(ctx context.Context, notice SuspiciousLoginNotice) error
}

// DevicePromoter is the part of DeviceTrustStore the lifecycle depends on.
type DevicePromoter interface {
	Promote(ctx context.Context, principalID string, fp DeviceFingerprint, meta RequestMeta, level TrustLevel, ttl time.Duration, method VerificationMethod) (*TrustedDevice, error)
}

// ThreatEscalator is the part of ThreatResponder the lifecycle depends on.
type ThreatEscalator interface {
	EscalateFromAttempt(ctx context.Context, a *SuspiciousLoginAttempt) (bool, error)
}

// CreateParams describes a suspicious attempt to record.
type CreateParams struct {
	PrincipalID              string
	Email                    string
	IPAddress                string
	UserAgent                string
	Geo                      *GeoLookupRecord
	Device                   DeviceFingerprint
	Score                    int
	Reasons                  []Reason
	TrustedLocationRequested bool
}

// Lifecycle drives suspicious login attempts from pending to exactly one
// terminal state.
type Lifecycle struct {
	store    AttemptStore
	notifier Notifier
	devices  DevicePromoter
	threats  ThreatEscalator
	tokens   TokenGenerator
	config   Config
	clock    Clock
	events   EventPublisher
	logger   *zap.Logger

	notifications sync.WaitGroup
}

// LifecycleDeps groups the collaborators of a Lifecycle.
type LifecycleDeps struct {
	Store    AttemptStore
	Notifier Notifier
	Devices  DevicePromoter
	Threats  ThreatEscalator
	Tokens   TokenGenerator
	Clock    Clock
	Events   EventPublisher
	Logger   *zap.Logger
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(deps LifecycleDeps, config Config) *Lifecycle {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Tokens == nil {
		deps.Tokens = RandomTokenGenerator{}
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	return &Lifecycle{
		store:    deps.Store,
		notifier: deps.Notifier,
		devices:  deps.Devices,
		threats:  deps.Threats,
		tokens:   deps.Tokens,
		config:   config.normalized(),
		clock:    deps.Clock,
		events:   deps.Events,
		logger:   deps.Logger.With(zap.String("component", "attempt_lifecycle")),
	}
}

// Create records a pending attempt and dispatches the notification in the
// background. The returned attempt carries the plaintext token. A failure
// to persist is returned; a failure to notify is only logged.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (*SuspiciousLoginAttempt, error) {
	ctx, span := tracer.Start(ctx, "Lifecycle.Create")
	defer span.End()

	token, err := l.tokens.NewToken()
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	reasons := make([]Reason, len(p.Reasons))
	copy(reasons, p.Reasons)

	attempt := &SuspiciousLoginAttempt{
		ID:                       uuid.New().String(),
		Token:                    token,
		TokenHash:                HashToken(token),
		PrincipalID:              p.PrincipalID,
		PrincipalEmail:           p.Email,
		IPAddress:                p.IPAddress,
		UserAgent:                p.UserAgent,
		Geo:                      p.Geo.Snapshot(),
		Device:                   p.Device,
		Score:                    p.Score,
		Reasons:                  reasons,
		Status:                   StatusPending,
		TrustedLocationRequested: p.TrustedLocationRequested,
		CreatedAt:                now,
		ExpiresAt:                now.Add(l.config.AttemptExpiry),
	}
	if err := l.store.Insert(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to store suspicious login attempt: %w", err)
	}
	span.SetAttributes(attribute.String("attempt.id", attempt.ID))

	metrics.RecordAttemptTransition(string(StatusPending))
	l.publish(ctx, EventAttemptCreated, attempt)
	l.logger.Info("suspicious login held for verification",
		zap.String("attempt_id", attempt.ID),
		zap.String("principal_id", attempt.PrincipalID),
		zap.String("ip", attempt.IPAddress),
		zap.Int("score", attempt.Score),
		zap.Any("reasons", attempt.Reasons))

	if l.config.NotificationsEnabled && l.notifier != nil {
		notice := l.buildNotice(attempt)
		l.notifications.Add(1)
		go func() {
			defer l.notifications.Done()
			l.notify(context.WithoutCancel(ctx), attempt, notice)
		}()
	}
	return attempt, nil
}

func (l *Lifecycle) notify(ctx context.Context, attempt *SuspiciousLoginAttempt, notice SuspiciousLoginNotice) {
	if err := l.notifier.NotifySuspiciousLogin(ctx, notice); err != nil {
		metrics.RecordNotification("failed")
		l.logger.Error("failed to send suspicious login notification",
			zap.String("attempt_id", attempt.ID),
			zap.String("principal_id", attempt.PrincipalID),
			zap.Error(err))
		l.publish(ctx, EventNotificationLost, attempt)
		return
	}
	metrics.RecordNotification("sent")
	if err := l.store.MarkNotified(ctx, attempt.ID, l.clock.Now()); err != nil {
		l.logger.Warn("failed to record notification time",
			zap.String("attempt_id", attempt.ID), zap.Error(err))
	}
}

func (l *Lifecycle) buildNotice(a *SuspiciousLoginAttempt) SuspiciousLoginNotice {
	reasons := make([]Reason, len(a.Reasons))
	copy(reasons, a.Reasons)
	escaped := url.QueryEscape(a.Token)
	return SuspiciousLoginNotice{
		AttemptID:   a.ID,
		PrincipalID: a.PrincipalID,
		Email:       a.PrincipalEmail,
		Score:       a.Score,
		Reasons:     reasons,
		Geo:         a.Geo,
		IPAddress:   a.IPAddress,
		Device:      a.Device.DisplayName(),
		AttemptedAt: a.CreatedAt,
		ExpiresAt:   a.ExpiresAt,
		ApproveURL:  l.config.PublicBaseURL + "/api/v1/risk/attempts/approve?token=" + escaped,
		DenyURL:     l.config.PublicBaseURL + "/api/v1/risk/attempts/deny?token=" + escaped,
	}
}

// Approve resolves the attempt as legitimate. It returns false without an
// error when the token is unknown, already used or expired; the cases are
// deliberately indistinguishable to the caller.
func (l *Lifecycle) Approve(ctx context.Context, token, ip, userAgent string) (bool, error) {
	attempt, ok, err := l.transition(ctx, token, StatusApproved, ip, userAgent)
	if !ok || err != nil {
		return false, err
	}

	if attempt.TrustedLocationRequested && l.devices != nil {
		meta := RequestMeta{IPAddress: attempt.IPAddress, UserAgent: attempt.UserAgent}
		if _, err := l.devices.Promote(ctx, attempt.PrincipalID, attempt.Device, meta,
			TrustMedium, l.config.ApprovalTrustTTL, MethodSuspiciousLoginApproval); err != nil {
			// The approval already happened; the user can re-enroll the device.
			l.logger.Error("failed to promote device after approval",
				zap.String("attempt_id", attempt.ID), zap.Error(err))
		}
	}
	l.publish(ctx, EventAttemptApproved, attempt)
	return true, nil
}

// Deny resolves the attempt as fraudulent and escalates the source IP.
// Return values follow Approve.
func (l *Lifecycle) Deny(ctx context.Context, token, ip, userAgent string) (bool, error) {
	attempt, ok, err := l.transition(ctx, token, StatusDenied, ip, userAgent)
	if !ok || err != nil {
		return false, err
	}

	if l.threats != nil {
		if _, err := l.threats.EscalateFromAttempt(ctx, attempt); err != nil {
			l.logger.Error("failed to escalate threat after denial",
				zap.String("attempt_id", attempt.ID),
				zap.String("ip", attempt.IPAddress),
				zap.Error(err))
		}
	}
	l.publish(ctx, EventAttemptDenied, attempt)
	return true, nil
}

func (l *Lifecycle) transition(ctx context.Context, token string, to AttemptStatus, ip, userAgent string) (*SuspiciousLoginAttempt, bool, error) {
	if token == "" {
		return nil, false, nil
	}
	res := Resolution{At: l.clock.Now(), IPAddress: ip, UserAgent: userAgent}
	attempt, err := l.store.Transition(ctx, HashToken(token), to, res)
	if errors.Is(err, ErrNotPending) {
		l.logger.Info("verification link rejected",
			zap.String("requested_status", string(to)),
			zap.String("ip", ip))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to %s attempt: %w", verb(to), err)
	}
	metrics.RecordAttemptTransition(string(to))
	l.logger.Info("suspicious login resolved",
		zap.String("attempt_id", attempt.ID),
		zap.String("principal_id", attempt.PrincipalID),
		zap.String("status", string(to)))
	return attempt, true, nil
}

func verb(s AttemptStatus) string {
	switch s {
	case StatusApproved:
		return "approve"
	case StatusDenied:
		return "deny"
	default:
		return "update"
	}
}

// Sweep expires every pending attempt past its expiry and returns how many
// were expired. Resolved attempts are never touched.
func (l *Lifecycle) Sweep(ctx context.Context) (int, error) {
	expired, err := l.store.ExpirePending(ctx, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending attempts: %w", err)
	}
	for i := range expired {
		metrics.RecordAttemptTransition(string(StatusExpired))
		l.publish(ctx, EventAttemptExpired, &expired[i])
	}
	if len(expired) > 0 {
		l.logger.Info("expired pending attempts", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// Wait blocks until in-flight notifications have finished.
func (l *Lifecycle) Wait() {
	l.notifications.Wait()
}

func (l *Lifecycle) publish(ctx context.Context, eventType string, a *SuspiciousLoginAttempt) {
	ev := SecurityEvent{
		Type:        eventType,
		PrincipalID: a.PrincipalID,
		IPAddress:   a.IPAddress,
		Score:       a.Score,
		Reasons:     a.Reasons,
		AttemptID:   a.ID,
		OccurredAt:  l.clock.Now(),
	}
	if a.Geo != nil {
		ev.ThreatLevel = a.Geo.ThreatLevel
	}
	l.events.Publish(ctx, ev)
}
