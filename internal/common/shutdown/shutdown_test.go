package shutdown

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestManager_ServersThenHooksLIFO(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), 5*time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}
	m.Serve("api", srv, ln)

	resp, err := http.Get("http://" + ln.Addr().String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	var order []string
	m.RegisterHook("stores", func(context.Context) error {
		order = append(order, "stores")
		return nil
	})
	m.RegisterHook("sweeper", func(context.Context) error {
		order = append(order, "sweeper")
		return errors.New("already stopped")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Wait(ctx))

	assert.Equal(t, []string{"sweeper", "stores"}, order)
	_, err = http.Get("http://" + ln.Addr().String())
	assert.Error(t, err)

	// A second shutdown is a no-op.
	m.Shutdown()
	assert.Len(t, order, 2)
}

func TestManager_ServeErrorEndsWait(t *testing.T) {
	m := NewManager(nil, time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	m.Serve("api", &http.Server{}, ln)

	done := make(chan error, 1)
	go func() { done <- m.Wait(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the server failed")
	}
}

func TestManager_TimeoutSkipsHooks(t *testing.T) {
	m := NewManager(nil, 20*time.Millisecond)

	ran := false
	m.RegisterHook("late", func(context.Context) error {
		ran = true
		return nil
	})
	m.RegisterHook("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	m.Shutdown()
	assert.False(t, ran)
}
