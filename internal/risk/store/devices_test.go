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

var deviceColumnNames = []string{
	"id", "principal_id", "fingerprint_key", "fingerprint", "name", "trust_level",
	"verification_method", "ip_address", "user_agent", "first_used_at", "last_used_at", "expires_at", "active",
}

func TestTrustedDevices_FindNotFound(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("SELECT .* FROM trusted_devices WHERE principal_id = \\$1 AND fingerprint_key = \\$2").
		WithArgs("user-1", "key-1").
		WillReturnRows(sqlmock.NewRows(deviceColumnNames))

	_, err := NewTrustedDevices(db).Find(context.Background(), "user-1", "key-1")
	assert.ErrorIs(t, err, risk.ErrDeviceNotFound)
}

func TestTrustedDevices_Upsert(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	fp := risk.DeviceFingerprint{UserAgentHash: "abc", Browser: "Chrome 120", OS: "Windows", DeviceType: "desktop"}
	mock.ExpectQuery("INSERT INTO trusted_devices .* expires_at = GREATEST\\(trusted_devices.expires_at, EXCLUDED.expires_at\\)").
		WithArgs(anyArgs(12)...).
		WillReturnRows(sqlmock.NewRows(deviceColumnNames).AddRow(
			"d-1", "user-1", fp.Key(),
			[]byte(`{"user_agent_hash":"abc","accept_language":"","accept_encoding":"","browser":"Chrome 120","os":"Windows","device_type":"desktop"}`),
			"Chrome 120 on Windows", "medium", "suspicious_login_approval", "81.2.69.142", "Mozilla/5.0",
			testNow.Add(-48*time.Hour), testNow, testNow.Add(60*24*time.Hour), true,
		))

	d, err := NewTrustedDevices(db).Upsert(context.Background(), &risk.TrustedDevice{
		PrincipalID:        "user-1",
		Fingerprint:        fp,
		FingerprintKey:     fp.Key(),
		Name:               fp.DisplayName(),
		TrustLevel:         risk.TrustMedium,
		VerificationMethod: risk.MethodSuspiciousLoginApproval,
		FirstUsedAt:        testNow,
		LastUsedAt:         testNow,
		ExpiresAt:          testNow.Add(30 * 24 * time.Hour),
		Active:             true,
	})
	require.NoError(t, err)
	assert.Equal(t, "d-1", d.ID)
	assert.Equal(t, fp, d.Fingerprint)
	assert.Equal(t, risk.TrustMedium, d.TrustLevel)
	// The later stored expiry wins.
	assert.True(t, d.ExpiresAt.Equal(testNow.Add(60*24*time.Hour)))
}

func TestTrustedDevices_TouchMissing(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectExec("UPDATE trusted_devices SET last_used_at = \\$2, expires_at = GREATEST\\(expires_at, \\$3\\)").
		WithArgs("d-9", testNow, testNow.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewTrustedDevices(db).Touch(context.Background(), "d-9", testNow, testNow.Add(time.Hour))
	assert.ErrorIs(t, err, risk.ErrDeviceNotFound)
}

func TestTrustedDevices_Deactivate(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectExec("UPDATE trusted_devices SET active = FALSE").
		WithArgs("user-1", "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := NewTrustedDevices(db).Deactivate(context.Background(), "user-1", "key-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
