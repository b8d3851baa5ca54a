package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openidx/loginrisk/internal/risk"
)

func loginFrom(ip string) risk.LoginRequest {
	return risk.LoginRequest{
		PrincipalID: "user-1",
		Email:       "user@example.com",
		IPAddress:   ip,
		UserAgent:   chromeUA,
		Headers:     browserHeaders(),
	}
}

func TestEngine_ThresholdIsInclusive(t *testing.T) {
	tests := []struct {
		points int
		want   risk.Outcome
	}{
		{59, risk.OutcomeAllow},
		{60, risk.OutcomePendingVerification},
		{61, risk.OutcomePendingVerification},
	}
	for _, tt := range tests {
		f := newFixture(t, withReasonPoints(map[risk.Reason]int{risk.ReasonNewDevice: tt.points}))

		d, err := f.engine.Evaluate(context.Background(), loginFrom(privIP))
		require.NoError(t, err)
		assert.Equal(t, tt.points, d.Score)
		assert.Equal(t, tt.want, d.Outcome, "score %d", tt.points)
	}
}

func TestEngine_PendingDecisionCarriesToken(t *testing.T) {
	f := newFixture(t)

	d, err := f.engine.Evaluate(context.Background(), loginFrom(londonIP))
	require.NoError(t, err)

	assert.Equal(t, risk.OutcomePendingVerification, d.Outcome)
	assert.Equal(t, 70, d.Score)
	assert.Equal(t, "token-1", d.Token)
	assert.NotEmpty(t, d.AttemptID)
	require.NotNil(t, d.ExpiresAt)
	assert.Equal(t, base.Add(time.Hour), *d.ExpiresAt)
	assert.Empty(t, f.trust.All(), "held logins do not record devices")
}

func TestEngine_AllowRecordsImplicitTrust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.Evaluate(ctx, loginFrom(privIP))
	require.NoError(t, err)
	assert.Equal(t, risk.OutcomeAllow, d.Outcome)
	assert.Equal(t, []risk.Reason{risk.ReasonNewDevice}, d.Reasons)
	assert.Empty(t, d.Token)
	assert.Nil(t, d.ExpiresAt)

	devices := f.trust.All()
	require.Len(t, devices, 1)
	assert.Equal(t, risk.TrustLow, devices[0].TrustLevel)
	assert.Equal(t, risk.MethodImplicit, devices[0].VerificationMethod)
	assert.Equal(t, "Chrome 120 on Windows", devices[0].Name)

	f.clock.Advance(2 * time.Hour)
	d, err = f.engine.Evaluate(ctx, loginFrom(privIP))
	require.NoError(t, err)
	assert.Zero(t, d.Score)
	assert.Empty(t, d.Reasons)

	devices = f.trust.All()
	require.Len(t, devices, 1)
	assert.Equal(t, base.Add(2*time.Hour), devices[0].LastUsedAt)
	assert.Equal(t, base.Add(2*time.Hour+30*24*time.Hour), devices[0].ExpiresAt)
}

func TestEngine_FullVerificationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	login := loginFrom(londonIP)
	login.TrustLocation = true
	d, err := f.engine.Evaluate(ctx, login)
	require.NoError(t, err)
	require.Equal(t, risk.OutcomePendingVerification, d.Outcome)

	ok, err := f.engine.Approve(ctx, d.Token, "203.0.113.9", "Mobile Safari")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.engine.RecordOutcome(ctx, "user-1", londonIP, chromeUA, true))
	facts := f.history.Facts()
	require.Len(t, facts, 1)
	assert.Equal(t, "GB", facts[0].CountryCode)
	assert.Equal(t, "England", facts[0].Region)
	assert.True(t, facts[0].HasLocation)

	f.clock.Advance(10 * time.Minute)
	d, err = f.engine.Evaluate(ctx, login)
	require.NoError(t, err)
	assert.Equal(t, risk.OutcomeAllow, d.Outcome)
	assert.Zero(t, d.Score)

	devices := f.trust.All()
	require.Len(t, devices, 1)
	assert.Equal(t, risk.TrustMedium, devices[0].TrustLevel, "the allow path must not downgrade trust")
	assert.Equal(t, 1, f.provider.Calls())
}

func TestEngine_DeniedIPIsCriticalNextTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.engine.Evaluate(ctx, loginFrom(londonIP))
	require.NoError(t, err)
	ok, err := f.engine.Deny(ctx, d.Token, "", "")
	require.NoError(t, err)
	require.True(t, ok)

	d, err = f.engine.Evaluate(ctx, loginFrom(londonIP))
	require.NoError(t, err)
	assert.Equal(t, risk.OutcomePendingVerification, d.Outcome)

	rec, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)
	assert.Equal(t, risk.ThreatCritical, rec.ThreatLevel)
}

func TestEngine_RecordOutcomeWithoutLocation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.RecordOutcome(context.Background(), "user-1", privIP, chromeUA, false))

	facts := f.history.Facts()
	require.Len(t, facts, 1)
	assert.False(t, facts[0].Success)
	assert.False(t, facts[0].HasLocation)
	assert.Empty(t, facts[0].CountryCode)
	assert.Equal(t, base, facts[0].OccurredAt)
}

func TestEngine_RecordOutcomeReadsCacheOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Nothing cached: recorded without location and no provider call.
	require.NoError(t, f.engine.RecordOutcome(ctx, "user-1", nyIP, chromeUA, false))
	assert.Zero(t, f.provider.Calls())
	assert.Zero(t, f.geoStore.Len())

	rec, err := f.geo.Resolve(ctx, londonIP, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.LookupCount)

	require.NoError(t, f.engine.RecordOutcome(ctx, "user-1", londonIP, chromeUA, true))
	require.NoError(t, f.engine.RecordOutcome(ctx, "user-1", londonIP, chromeUA, true))

	cached, err := f.geo.Cached(ctx, londonIP)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.LookupCount, "recording an outcome is not a lookup")
	assert.Equal(t, 1, f.provider.Calls())

	facts := f.history.Facts()
	require.Len(t, facts, 3)
	assert.Empty(t, facts[0].CountryCode)
	assert.Equal(t, "GB", facts[1].CountryCode)

	// An expired record is not used for history.
	f.clock.Advance(f.cfg.GeoCacheTTL)
	require.NoError(t, f.engine.RecordOutcome(ctx, "user-1", londonIP, chromeUA, true))
	facts = f.history.Facts()
	require.Len(t, facts, 4)
	assert.False(t, facts[3].HasLocation)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestEngine_RevokedDeviceStartsOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := browserFingerprint()

	_, err := f.devices.Promote(ctx, "user-1", fp, risk.RequestMeta{}, risk.TrustHigh, 90*24*time.Hour, risk.MethodEnrollment)
	require.NoError(t, err)
	ok, err := f.devices.Revoke(ctx, "user-1", fp)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := f.engine.Evaluate(ctx, loginFrom(privIP))
	require.NoError(t, err)
	assert.Equal(t, []risk.Reason{risk.ReasonNewDevice}, d.Reasons)
	require.Equal(t, risk.OutcomeAllow, d.Outcome)

	devices := f.trust.All()
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Active)
	assert.Equal(t, risk.TrustLow, devices[0].TrustLevel)
	assert.Equal(t, risk.MethodImplicit, devices[0].VerificationMethod)
}

func TestEngine_ExpiredDeviceKeepsEarnedLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := browserFingerprint()

	_, err := f.devices.Promote(ctx, "user-1", fp, risk.RequestMeta{}, risk.TrustMedium, time.Hour, risk.MethodSuspiciousLoginApproval)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	d, err := f.engine.Evaluate(ctx, loginFrom(privIP))
	require.NoError(t, err)
	assert.Empty(t, d.Reasons, "a lapsed trust window does not make the device new")
	assert.Zero(t, d.Score)

	devices := f.trust.All()
	require.Len(t, devices, 1)
	assert.Equal(t, risk.TrustMedium, devices[0].TrustLevel)
	assert.Equal(t, risk.MethodSuspiciousLoginApproval, devices[0].VerificationMethod)
	assert.True(t, devices[0].TrustedAt(f.clock.Now()))
}

func TestEngine_AssessmentErrorIsReturned(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Evaluate(context.Background(), risk.LoginRequest{IPAddress: londonIP})
	assert.Error(t, err)
}
