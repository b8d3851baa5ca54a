// Package risktest provides in-memory implementations of the risk engine's
// collaborators for tests.
package risktest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openidx/loginrisk/internal/risk"
)

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Tokens hands out predictable tokens.
type Tokens struct {
	mu   sync.Mutex
	next int
	Err  error
}

func (t *Tokens) NewToken() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return "", t.Err
	}
	t.next++
	return fmt.Sprintf("token-%d", t.next), nil
}

// Provider is a scripted GeoProvider. Records answers per IP; Record is the
// answer for any other IP.
type Provider struct {
	ProviderName string
	Record       *risk.GeoLookupRecord
	Records      map[string]*risk.GeoLookupRecord
	Err          error
	// Delay blocks each lookup; the lookup still honours ctx.
	Delay time.Duration

	mu    sync.Mutex
	calls int
}

func (p *Provider) Name() string { return p.ProviderName }

func (p *Provider) Lookup(ctx context.Context, ip string) (*risk.GeoLookupRecord, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	err := p.Err
	scripted := p.Record
	if r, ok := p.Records[ip]; ok {
		scripted = r
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if scripted == nil {
		return nil, errors.New("no record scripted")
	}
	rec := *scripted
	rec.IPAddress = ip
	return &rec, nil
}

// Fail makes subsequent lookups return err; nil restores them.
func (p *Provider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Calls returns how many lookups were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// GeoStore is an in-memory GeoRecordStore.
type GeoStore struct {
	mu      sync.Mutex
	records map[string]risk.GeoLookupRecord
	Err     error
}

func NewGeoStore() *GeoStore {
	return &GeoStore{records: make(map[string]risk.GeoLookupRecord)}
}

func geoKey(tenant, ip string) string { return tenant + "|" + ip }

func (s *GeoStore) Get(_ context.Context, tenant, ip string) (*risk.GeoLookupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	rec, ok := s.records[geoKey(tenant, ip)]
	if !ok {
		return nil, risk.ErrGeoNotFound
	}
	return &rec, nil
}

func (s *GeoStore) Save(_ context.Context, rec *risk.GeoLookupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	key := geoKey(rec.Tenant, rec.IPAddress)
	count := int64(1)
	if prev, ok := s.records[key]; ok {
		count = prev.LookupCount + 1
	}
	rec.LookupCount = count
	stored := *rec
	stored.Stale = false
	s.records[key] = stored
	return nil
}

func (s *GeoStore) Touch(_ context.Context, tenant, ip string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	key := geoKey(tenant, ip)
	rec, ok := s.records[key]
	if !ok {
		return 0, risk.ErrGeoNotFound
	}
	rec.LookupCount++
	rec.LastLookupAt = at
	s.records[key] = rec
	return rec.LookupCount, nil
}

func (s *GeoStore) SetThreatLevel(_ context.Context, tenant, ip string, level risk.ThreatLevel, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	key := geoKey(tenant, ip)
	rec, ok := s.records[key]
	if !ok {
		return false, nil
	}
	rec.ThreatLevel = level
	rec.Escalated = true
	s.records[key] = rec
	return true, nil
}

func (s *GeoStore) PurgeSingleLookups(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.records {
		if rec.LookupCount <= 1 && rec.LastLookupAt.Before(cutoff) && rec.CachedUntil.Before(cutoff) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Put seeds a record directly.
func (s *GeoStore) Put(rec risk.GeoLookupRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[geoKey(rec.Tenant, rec.IPAddress)] = rec
}

// Len returns the number of stored records.
func (s *GeoStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// TrustStore is an in-memory TrustStore.
type TrustStore struct {
	mu      sync.Mutex
	devices map[string]risk.TrustedDevice
	Err     error
}

func NewTrustStore() *TrustStore {
	return &TrustStore{devices: make(map[string]risk.TrustedDevice)}
}

func deviceKey(principalID, fpKey string) string { return principalID + "|" + fpKey }

func (s *TrustStore) Find(_ context.Context, principalID, fingerprintKey string) (*risk.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	d, ok := s.devices[deviceKey(principalID, fingerprintKey)]
	if !ok {
		return nil, risk.ErrDeviceNotFound
	}
	return &d, nil
}

func (s *TrustStore) Upsert(_ context.Context, d *risk.TrustedDevice) (*risk.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	key := deviceKey(d.PrincipalID, d.FingerprintKey)
	stored := *d
	if prev, ok := s.devices[key]; ok {
		stored.ID = prev.ID
		stored.FirstUsedAt = prev.FirstUsedAt
		if prev.ExpiresAt.After(stored.ExpiresAt) {
			stored.ExpiresAt = prev.ExpiresAt
		}
	} else {
		stored.ID = uuid.New().String()
	}
	s.devices[key] = stored
	out := stored
	return &out, nil
}

func (s *TrustStore) Touch(_ context.Context, id string, usedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for key, d := range s.devices {
		if d.ID != id {
			continue
		}
		d.LastUsedAt = usedAt
		if expiresAt.After(d.ExpiresAt) {
			d.ExpiresAt = expiresAt
		}
		s.devices[key] = d
		return nil
	}
	return risk.ErrDeviceNotFound
}

func (s *TrustStore) Deactivate(_ context.Context, principalID, fingerprintKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(principalID, fingerprintKey)
	d, ok := s.devices[key]
	if !ok {
		return false, nil
	}
	d.Active = false
	s.devices[key] = d
	return true, nil
}

func (s *TrustStore) ListByPrincipal(_ context.Context, principalID string) ([]risk.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []risk.TrustedDevice
	for _, d := range s.devices {
		if d.PrincipalID == principalID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

// All returns every stored device.
func (s *TrustStore) All() []risk.TrustedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]risk.TrustedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// AttemptStore is an in-memory AttemptStore with atomic transitions.
type AttemptStore struct {
	mu       sync.Mutex
	attempts map[string]risk.SuspiciousLoginAttempt
	clock    risk.Clock
	Err      error
}

// NewAttemptStore creates a store that uses clock for expiry checks.
func NewAttemptStore(clock risk.Clock) *AttemptStore {
	return &AttemptStore{attempts: make(map[string]risk.SuspiciousLoginAttempt), clock: clock}
}

func (s *AttemptStore) Insert(_ context.Context, a *risk.SuspiciousLoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	stored := *a
	stored.Token = ""
	s.attempts[a.TokenHash] = stored
	return nil
}

func (s *AttemptStore) Transition(_ context.Context, tokenHash string, status risk.AttemptStatus, res risk.Resolution) (*risk.SuspiciousLoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.attempts[tokenHash]
	if !ok || a.Status != risk.StatusPending || !res.At.Before(a.ExpiresAt) {
		return nil, risk.ErrNotPending
	}
	at := res.At
	a.Status = status
	a.ResolvedAt = &at
	a.ResolvedIP = res.IPAddress
	a.ResolvedUserAgent = res.UserAgent
	s.attempts[tokenHash] = a
	out := a
	return &out, nil
}

func (s *AttemptStore) MarkNotified(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, a := range s.attempts {
		if a.ID == id {
			t := at
			a.NotificationSentAt = &t
			s.attempts[key] = a
			return nil
		}
	}
	return fmt.Errorf("attempt %s not found", id)
}

func (s *AttemptStore) ExpirePending(_ context.Context, now time.Time) ([]risk.SuspiciousLoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []risk.SuspiciousLoginAttempt
	for key, a := range s.attempts {
		if a.Status == risk.StatusPending && !now.Before(a.ExpiresAt) {
			t := now
			a.Status = risk.StatusExpired
			a.ResolvedAt = &t
			s.attempts[key] = a
			out = append(out, a)
		}
	}
	return out, nil
}

// Get returns the attempt stored under the plaintext token.
func (s *AttemptStore) Get(token string) (risk.SuspiciousLoginAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[risk.HashToken(token)]
	return a, ok
}

// History is an in-memory HistoryReader and HistoryRecorder.
type History struct {
	mu    sync.Mutex
	facts []risk.LoginFact
	clock risk.Clock
	// Window bounds the country and region lookback; zero means unbounded.
	Window time.Duration
	Err    error
}

func NewHistory(clock risk.Clock) *History {
	return &History{clock: clock}
}

func (h *History) Record(_ context.Context, fact risk.LoginFact) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.facts = append(h.facts, fact)
	return nil
}

// Add appends facts directly.
func (h *History) Add(facts ...risk.LoginFact) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.facts = append(h.facts, facts...)
}

func (h *History) inGeoWindow(f risk.LoginFact) bool {
	return h.Window <= 0 || !f.OccurredAt.Before(h.clock.Now().Add(-h.Window))
}

func (h *History) HasLoggedInFromCountry(_ context.Context, principalID, countryCode string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return false, h.Err
	}
	for _, f := range h.facts {
		if f.PrincipalID == principalID && f.Success && f.CountryCode == countryCode && h.inGeoWindow(f) {
			return true, nil
		}
	}
	return false, nil
}

func (h *History) HasLoggedInFromRegion(_ context.Context, principalID, countryCode, region string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return false, h.Err
	}
	for _, f := range h.facts {
		if f.PrincipalID == principalID && f.Success && f.CountryCode == countryCode && f.Region == region && h.inGeoWindow(f) {
			return true, nil
		}
	}
	return false, nil
}

func (h *History) LastKnownLocation(_ context.Context, principalID string) (*risk.KnownLocation, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return nil, false, h.Err
	}
	var last *risk.LoginFact
	for i := range h.facts {
		f := &h.facts[i]
		if f.PrincipalID != principalID || !f.Success || !f.HasLocation {
			continue
		}
		if last == nil || f.OccurredAt.After(last.OccurredAt) {
			last = f
		}
	}
	if last == nil {
		return nil, false, nil
	}
	return &risk.KnownLocation{
		Latitude:  last.Latitude,
		Longitude: last.Longitude,
		IPAddress: last.IPAddress,
		At:        last.OccurredAt,
	}, true, nil
}

func (h *History) RecentFailedAttempts(_ context.Context, principalID string, window time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return 0, h.Err
	}
	since := h.clock.Now().Add(-window)
	n := 0
	for _, f := range h.facts {
		if f.PrincipalID == principalID && !f.Success && !f.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (h *History) ConcurrentDistinctIPs(_ context.Context, principalID string, window time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return 0, h.Err
	}
	since := h.clock.Now().Add(-window)
	ips := map[string]struct{}{}
	for _, f := range h.facts {
		if f.PrincipalID == principalID && f.Success && !f.OccurredAt.Before(since) {
			ips[f.IPAddress] = struct{}{}
		}
	}
	return len(ips), nil
}

// Facts returns a copy of the recorded facts.
func (h *History) Facts() []risk.LoginFact {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]risk.LoginFact, len(h.facts))
	copy(out, h.facts)
	return out
}

// Notifier records notices and optionally fails.
type Notifier struct {
	mu      sync.Mutex
	notices []risk.SuspiciousLoginNotice
	Err     error
}

func (n *Notifier) NotifySuspiciousLogin(_ context.Context, notice risk.SuspiciousLoginNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.notices = append(n.notices, notice)
	return nil
}

// Notices returns the delivered notices.
func (n *Notifier) Notices() []risk.SuspiciousLoginNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]risk.SuspiciousLoginNotice, len(n.notices))
	copy(out, n.notices)
	return out
}

// Publisher records security events.
type Publisher struct {
	mu     sync.Mutex
	events []risk.SecurityEvent
}

func (p *Publisher) Publish(_ context.Context, ev risk.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// Events returns the published events.
func (p *Publisher) Events() []risk.SecurityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]risk.SecurityEvent, len(p.events))
	copy(out, p.events)
	return out
}

// OfType returns the published events of one type.
func (p *Publisher) OfType(eventType string) []risk.SecurityEvent {
	var out []risk.SecurityEvent
	for _, ev := range p.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
