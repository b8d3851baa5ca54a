package logger

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent represents an audit log event
type AuditEvent struct {
	EventType  string                 `json:"event_type"`
	Actor      string                 `json:"actor"` // principal the event concerns
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Status     string                 `json:"status"` // success, failure, denied, alert
	Reason     string                 `json:"reason,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// AuditLogger writes audit events to a dedicated logger
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
	}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("actor", event.Actor),
		zap.String("action", event.Action),
		zap.String("resource", event.Resource),
		zap.String("resource_id", event.ResourceID),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Status {
	case "failure", "error":
		a.logger.Error("Audit event", fields...)
	case "denied", "alert":
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogSecurityEvent logs a security-related event
func (a *AuditLogger) LogSecurityEvent(eventType, actor, ipAddress, details string, metadata map[string]interface{}) {
	a.Log(&AuditEvent{
		EventType:  eventType,
		Actor:      actor,
		Action:     "detect",
		Resource:   "login",
		ResourceID: eventType,
		Status:     "alert",
		Reason:     details,
		IPAddress:  ipAddress,
		Metadata:   metadata,
	})
}

// LogVerification logs the outcome of a verification link.
func (a *AuditLogger) LogVerification(actor, attemptID, status string, metadata map[string]interface{}) {
	a.Log(&AuditEvent{
		EventType:  "login.verification." + status,
		Actor:      actor,
		Action:     "verify",
		Resource:   "suspicious_login_attempt",
		ResourceID: attemptID,
		Status:     verificationStatus(status),
		Metadata:   mergeMetadata(metadata, map[string]interface{}{"outcome": status}),
	})
}

func verificationStatus(outcome string) string {
	if outcome == "denied" {
		return "denied"
	}
	return "success"
}

// Helper function to merge metadata maps
func mergeMetadata(maps ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
