package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditLogger_Levels(t *testing.T) {
	tests := []struct {
		status string
		level  zapcore.Level
	}{
		{"success", zapcore.InfoLevel},
		{"expired", zapcore.InfoLevel},
		{"denied", zapcore.WarnLevel},
		{"alert", zapcore.WarnLevel},
		{"failure", zapcore.ErrorLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			NewAuditLogger(zap.New(core)).Log(&AuditEvent{EventType: "risk.test", Status: tt.status})

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.level, entry.Level)
			fields := entry.ContextMap()
			assert.Equal(t, "audit", fields["log_type"])
			assert.NotNil(t, fields["timestamp"])
			assert.NotContains(t, fields, "reason")
		})
	}
}

func TestAuditLogger_SecurityEvent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := NewAuditLogger(zap.New(core))

	a.LogSecurityEvent("risk.threat_escalated", "user-1", "81.2.69.142", "denied by user", map[string]interface{}{"threat_level": "critical"})

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "alert", fields["status"])
	assert.Equal(t, "81.2.69.142", fields["ip_address"])
	assert.Equal(t, "denied by user", fields["reason"])
	assert.Equal(t, map[string]interface{}{"threat_level": "critical"}, fields["metadata"])
}

func TestAuditLogger_Verification(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := NewAuditLogger(zap.New(core))

	a.LogVerification("user-1", "a-1", "approved", map[string]interface{}{"score": 70})
	a.LogVerification("user-1", "a-2", "denied", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "login.verification.approved", entries[0].ContextMap()["event_type"])
	assert.Equal(t, map[string]interface{}{"score": 70, "outcome": "approved"}, entries[0].ContextMap()["metadata"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "a-2", entries[1].ContextMap()["resource_id"])
}

func TestAuditLogger_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		NewAuditLogger(nil).LogSecurityEvent("risk.attempt_created", "user-1", "", "", nil)
	})
}

func TestNewWithOptions_File(t *testing.T) {
	path := t.TempDir() + "/risk.log"
	log, err := NewWithOptions(Options{Environment: "production", Level: "warn", File: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept", zap.String("component", "test"))
	_ = log.Sync()

	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("", "development"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("", "production"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error", "development"))
}
