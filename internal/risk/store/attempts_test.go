package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openidx/loginrisk/internal/common/testutil"
	"github.com/openidx/loginrisk/internal/risk"
)

var attemptColumnNames = []string{
	"id", "token_hash", "principal_id", "principal_email", "ip_address", "user_agent",
	"geo", "device", "score", "reasons", "status", "trusted_location_requested", "created_at", "expires_at",
	"notification_sent_at", "resolved_at", "resolved_ip", "resolved_user_agent",
}

func attemptRow(rows *sqlmock.Rows, id, status string, resolvedAt interface{}) *sqlmock.Rows {
	return rows.AddRow(
		id, risk.HashToken("token-1"), "user-1", "user@example.com", "81.2.69.142", "Mozilla/5.0",
		[]byte(`{"ip_address":"81.2.69.142","country":"United Kingdom","country_code":"GB","city":"London","threat_level":"low"}`),
		[]byte(`{"user_agent_hash":"abc","browser":"Chrome 120","os":"Windows","device_type":"desktop"}`),
		int64(70), `["new_country","new_device"]`, status, true, testNow, testNow.Add(time.Hour),
		nil, resolvedAt, "203.0.113.9", "Mozilla/5.0",
	)
}

func TestAttempts_Insert(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectExec("INSERT INTO suspicious_login_attempts").
		WithArgs(anyArgs(14)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewAttempts(db).Insert(context.Background(), &risk.SuspiciousLoginAttempt{
		ID:          "a-1",
		TokenHash:   risk.HashToken("token-1"),
		PrincipalID: "user-1",
		IPAddress:   "81.2.69.142",
		Reasons:     []risk.Reason{risk.ReasonNewCountry},
		Status:      risk.StatusPending,
		CreatedAt:   testNow,
		ExpiresAt:   testNow.Add(time.Hour),
	})
	require.NoError(t, err)
}

func TestAttempts_TransitionNotPending(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("UPDATE suspicious_login_attempts SET status = \\$2.* WHERE token_hash = \\$1 AND status = 'pending' AND expires_at > \\$3").
		WithArgs(risk.HashToken("token-1"), "approved", testNow, "203.0.113.9", "Mozilla/5.0").
		WillReturnRows(sqlmock.NewRows(attemptColumnNames))

	_, err := NewAttempts(db).Transition(context.Background(), risk.HashToken("token-1"), risk.StatusApproved,
		risk.Resolution{At: testNow, IPAddress: "203.0.113.9", UserAgent: "Mozilla/5.0"})
	assert.ErrorIs(t, err, risk.ErrNotPending)
}

func TestAttempts_Transition(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("UPDATE suspicious_login_attempts SET status = \\$2").
		WithArgs(risk.HashToken("token-1"), "denied", testNow, "203.0.113.9", "Mozilla/5.0").
		WillReturnRows(attemptRow(sqlmock.NewRows(attemptColumnNames), "a-1", "denied", testNow))

	a, err := NewAttempts(db).Transition(context.Background(), risk.HashToken("token-1"), risk.StatusDenied,
		risk.Resolution{At: testNow, IPAddress: "203.0.113.9", UserAgent: "Mozilla/5.0"})
	require.NoError(t, err)
	assert.Equal(t, risk.StatusDenied, a.Status)
	assert.Equal(t, []risk.Reason{risk.ReasonNewCountry, risk.ReasonNewDevice}, a.Reasons)
	require.NotNil(t, a.Geo)
	assert.Equal(t, "London", a.Geo.City)
	assert.Equal(t, "Chrome 120", a.Device.Browser)
	require.NotNil(t, a.ResolvedAt)
	assert.Nil(t, a.NotificationSentAt)
	assert.Empty(t, a.Token)
}

func TestAttempts_ExpirePending(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	rows := sqlmock.NewRows(attemptColumnNames)
	attemptRow(rows, "a-1", "expired", testNow)
	attemptRow(rows, "a-2", "expired", testNow)
	mock.ExpectQuery("UPDATE suspicious_login_attempts SET status = 'expired'.* WHERE status = 'pending' AND expires_at <= \\$1").
		WithArgs(testNow).
		WillReturnRows(rows)

	expired, err := NewAttempts(db).ExpirePending(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "a-2", expired[1].ID)
	assert.Equal(t, risk.StatusExpired, expired[0].Status)
}

func TestAttempts_MarkNotified(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectExec("UPDATE suspicious_login_attempts SET notification_sent_at").
		WithArgs("a-1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewAttempts(db).MarkNotified(context.Background(), "a-1", testNow))
}
