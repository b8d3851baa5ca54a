package store

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openidx/loginrisk/internal/common/testutil"
	"github.com/openidx/loginrisk/internal/risk"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

var geoColumnNames = []string{
	"tenant", "ip_address", "country", "country_code", "region", "city", "postal_code",
	"latitude", "longitude", "timezone", "isp", "is_proxy", "is_vpn", "is_tor", "threat_level", "escalated",
	"source", "cached_until", "lookup_count", "last_lookup_at", "created_at",
}

func TestMigrate(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS geo_lookups").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), db))
	assert.Contains(t, Schema(), "suspicious_login_attempts")
}

func TestGeoRecords_GetNotFound(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("SELECT .* FROM geo_lookups WHERE tenant").
		WithArgs("default", "81.2.69.142").
		WillReturnRows(sqlmock.NewRows(geoColumnNames))

	_, err := NewGeoRecords(db).Get(context.Background(), "default", "81.2.69.142")
	assert.ErrorIs(t, err, risk.ErrGeoNotFound)
}

func TestGeoRecords_Get(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("SELECT .* FROM geo_lookups WHERE tenant").
		WithArgs("default", "81.2.69.142").
		WillReturnRows(sqlmock.NewRows(geoColumnNames).AddRow(
			"default", "81.2.69.142", "United Kingdom", "GB", "England", "London", "EC1A",
			51.5142, -0.0931, "Europe/London", "Example ISP", false, false, false, "critical", true,
			"ip-api", testNow.Add(time.Hour), int64(4), testNow, testNow.Add(-time.Hour),
		))

	rec, err := NewGeoRecords(db).Get(context.Background(), "default", "81.2.69.142")
	require.NoError(t, err)
	assert.Equal(t, "GB", rec.CountryCode)
	assert.Equal(t, risk.ThreatCritical, rec.ThreatLevel)
	assert.True(t, rec.Escalated)
	assert.Equal(t, int64(4), rec.LookupCount)
	assert.InDelta(t, 51.5142, rec.Latitude, 1e-9)
}

func TestGeoRecords_SaveWritesBackLookupCount(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("INSERT INTO geo_lookups .* ON CONFLICT \\(tenant, ip_address\\) DO UPDATE").
		WithArgs(anyArgs(20)...).
		WillReturnRows(sqlmock.NewRows([]string{"lookup_count"}).AddRow(int64(3)))

	rec := &risk.GeoLookupRecord{
		Tenant: "default", IPAddress: "81.2.69.142", CountryCode: "GB",
		ThreatLevel: risk.ThreatLow, CachedUntil: testNow.Add(24 * time.Hour),
		LastLookupAt: testNow, CreatedAt: testNow,
	}
	require.NoError(t, NewGeoRecords(db).Save(context.Background(), rec))
	assert.Equal(t, int64(3), rec.LookupCount)
}

func TestGeoRecords_TouchMissing(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("UPDATE geo_lookups SET lookup_count = lookup_count \\+ 1").
		WithArgs("default", "81.2.69.142", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"lookup_count"}))

	_, err := NewGeoRecords(db).Touch(context.Background(), "default", "81.2.69.142", testNow)
	assert.ErrorIs(t, err, risk.ErrGeoNotFound)
}

func TestGeoRecords_Touch(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	mock.ExpectQuery("UPDATE geo_lookups SET lookup_count = lookup_count \\+ 1").
		WithArgs("default", "81.2.69.142", testNow).
		WillReturnRows(sqlmock.NewRows([]string{"lookup_count"}).AddRow(int64(8)))

	n, err := NewGeoRecords(db).Touch(context.Background(), "default", "81.2.69.142", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestGeoRecords_SetThreatLevel(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"existing record", 1, true},
		{"no record", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := testutil.NewSQLMock(t)
			mock.ExpectExec("UPDATE geo_lookups SET threat_level = \\$3, escalated = TRUE").
				WithArgs("default", "81.2.69.142", "critical").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			found, err := NewGeoRecords(db).SetThreatLevel(context.Background(), "default", "81.2.69.142", risk.ThreatCritical, testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, found)
		})
	}
}

func TestGeoRecords_PurgeSingleLookups(t *testing.T) {
	db, mock := testutil.NewSQLMock(t)
	cutoff := testNow.Add(-30 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM geo_lookups WHERE lookup_count <= 1").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := NewGeoRecords(db).PurgeSingleLookups(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
