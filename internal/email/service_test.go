package email

import (
	"context"
	"errors"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type captured struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

type fakeSMTP struct {
	mu   sync.Mutex
	sent []captured
	err  error
}

func (f *fakeSMTP) send(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, captured{addr, a, from, to, string(msg)})
	return nil
}

func (f *fakeSMTP) messages() []captured {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]captured(nil), f.sent...)
}

var smtpCfg = Config{Host: "smtp.example.com", Port: 587, Username: "mailer", Password: "pw", From: "security@example.com"}

func noticeData() map[string]interface{} {
	return map[string]interface{}{
		"Location":    "London, England, United Kingdom",
		"IPAddress":   "81.2.69.142",
		"Device":      "Chrome 120 on Windows",
		"AttemptedAt": "Mar 2, 2026 09:00 UTC",
		"ExpiresAt":   "Mar 2, 2026 10:00 UTC",
		"Reasons":     []string{"Login from a country not seen before", "Login from an unrecognized device"},
		"ApproveURL":  "https://login.example.com/api/v1/risk/attempts/approve?token=abc",
		"DenyURL":     "https://login.example.com/api/v1/risk/attempts/deny?token=abc",
	}
}

func newQueuedService(t *testing.T) (*Service, *fakeSMTP, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc, err := NewService(smtpCfg, rdb, zaptest.NewLogger(t))
	require.NoError(t, err)
	transport := &fakeSMTP{}
	svc.WithSendMail(transport.send)
	return svc, transport, mr
}

func TestRender_SuspiciousLogin(t *testing.T) {
	svc, _, _ := newQueuedService(t)

	body, err := svc.Render("suspicious-login", noticeData())
	require.NoError(t, err)
	assert.Contains(t, body, "London, England, United Kingdom")
	assert.Contains(t, body, "Login from an unrecognized device")
	assert.Contains(t, body, `href="https://login.example.com/api/v1/risk/attempts/approve?token=abc"`)
	assert.Contains(t, body, `href="https://login.example.com/api/v1/risk/attempts/deny?token=abc"`)

	data := noticeData()
	data["Location"] = ""
	body, err = svc.Render("suspicious-login", data)
	require.NoError(t, err)
	assert.Contains(t, body, "Unknown location")

	_, err = svc.Render("password-reset", data)
	assert.Error(t, err)
}

func TestSendAsync_QueueThenDeliver(t *testing.T) {
	svc, transport, mr := newQueuedService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendAsync(ctx, "user@example.com", "Was this you?", "suspicious-login", noticeData()))
	assert.Empty(t, transport.messages())

	queued, err := mr.List(QueueKey)
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	took, err := svc.ProcessOne(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, took)

	sent := transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "smtp.example.com:587", sent[0].addr)
	assert.NotNil(t, sent[0].auth)
	assert.Equal(t, "security@example.com", sent[0].from)
	assert.Equal(t, []string{"user@example.com"}, sent[0].to)
	assert.Contains(t, sent[0].msg, "Subject: Was this you?\r\n")
	assert.Contains(t, sent[0].msg, "Login from a country not seen before")
	assert.False(t, mr.Exists(QueueKey))
}

func TestSendAsync_RejectsUnknownTemplate(t *testing.T) {
	svc, _, mr := newQueuedService(t)

	err := svc.SendAsync(context.Background(), "user@example.com", "hi", "welcome", nil)
	assert.Error(t, err)
	assert.False(t, mr.Exists(QueueKey))
}

func TestProcessOne_FailuresAreConsumed(t *testing.T) {
	svc, transport, mr := newQueuedService(t)
	ctx := context.Background()

	transport.err = errors.New("421 service not available")
	require.NoError(t, svc.SendAsync(ctx, "user@example.com", "Was this you?", "suspicious-login", noticeData()))
	took, err := svc.ProcessOne(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, took)
	assert.Empty(t, transport.messages())

	_, err = mr.Lpush(QueueKey, "{not json")
	require.NoError(t, err)
	took, err = svc.ProcessOne(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, took)
	assert.False(t, mr.Exists(QueueKey))
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	svc, _, _ := newQueuedService(t)

	took, err := svc.ProcessOne(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, took)
}

func TestProcessQueue_StopsOnCancel(t *testing.T) {
	svc, transport, _ := newQueuedService(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, svc.SendAsync(ctx, "user@example.com", "Was this you?", "suspicious-login", noticeData()))

	done := make(chan struct{})
	go func() {
		svc.ProcessQueue(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(transport.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ProcessQueue did not stop")
	}
}

func TestSendAsync_WithoutQueue(t *testing.T) {
	svc, err := NewService(Config{Host: "localhost", Port: 25, From: "security@example.com"}, nil, nil)
	require.NoError(t, err)
	transport := &fakeSMTP{}
	svc.WithSendMail(transport.send)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.SendAsync(ctx, "user@example.com", "Was this you?", "suspicious-login", noticeData()))
	cancel()
	svc.Wait()

	sent := transport.messages()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].auth)

	_, err = svc.ProcessOne(context.Background(), time.Second)
	assert.Error(t, err)
}

func TestSend_RequiresHost(t *testing.T) {
	svc, err := NewService(Config{}, nil, nil)
	require.NoError(t, err)
	assert.Error(t, svc.Send(context.Background(), "user@example.com", "x", "suspicious-login", noticeData()))
}
