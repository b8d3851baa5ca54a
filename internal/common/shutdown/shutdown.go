// Package shutdown coordinates graceful shutdown: HTTP servers are drained
// first, then cleanup hooks run in reverse registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

type serverEntry struct {
	name   string
	server *http.Server
}

// Manager coordinates graceful shutdown of servers and cleanup hooks
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	hooks   []hook
	servers []serverEntry
	errCh   chan error
	once    sync.Once
}

// NewManager creates a Manager whose whole shutdown sequence is bounded by
// timeout.
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger.With(zap.String("component", "shutdown")),
		timeout: timeout,
		errCh:   make(chan error, 1),
	}
}

// RegisterHook adds a cleanup hook. Hooks run LIFO, so register in startup
// order: stores first, then the workers that use them.
func (m *Manager) RegisterHook(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
	m.logger.Debug("Registered shutdown hook", zap.String("hook", name))
}

// Serve registers server and serves on ln in the background. A serve error
// other than http.ErrServerClosed ends Wait.
func (m *Manager) Serve(name string, server *http.Server, ln net.Listener) {
	m.mu.Lock()
	m.servers = append(m.servers, serverEntry{name: name, server: server})
	m.mu.Unlock()

	go func() {
		m.logger.Info("Starting server", zap.String("server", name), zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case m.errCh <- fmt.Errorf("server %s failed: %w", name, err):
			default:
			}
		}
	}()
}

// ListenAndServe binds server.Addr and calls Serve.
func (m *Manager) ListenAndServe(name string, server *http.Server) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}
	m.Serve(name, server, ln)
	return nil
}

// Wait blocks until ctx is done, SIGINT/SIGTERM arrives, or a server fails,
// then runs Shutdown. It returns the server error, if any.
func (m *Manager) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		m.logger.Info("Shutdown signal received")
	case serveErr = <-m.errCh:
		m.logger.Error("Server failed, shutting down", zap.Error(serveErr))
	}

	m.Shutdown()
	return serveErr
}

// Shutdown drains servers and runs hooks. Only the first call does work.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		m.mu.Lock()
		servers := append([]serverEntry(nil), m.servers...)
		hooks := append([]hook(nil), m.hooks...)
		m.mu.Unlock()

		m.shutdownServers(ctx, servers)
		m.executeHooks(ctx, hooks)
		m.logger.Info("Graceful shutdown complete")
	})
}

func (m *Manager) shutdownServers(ctx context.Context, servers []serverEntry) {
	var wg sync.WaitGroup
	for _, entry := range servers {
		wg.Add(1)
		go func(e serverEntry) {
			defer wg.Done()
			if err := e.server.Shutdown(ctx); err != nil {
				m.logger.Error("Server shutdown error", zap.String("server", e.name), zap.Error(err))
				return
			}
			m.logger.Info("Server shut down", zap.String("server", e.name))
		}(entry)
	}
	wg.Wait()
}

func (m *Manager) executeHooks(ctx context.Context, hooks []hook) {
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]

		if ctx.Err() != nil {
			m.logger.Warn("Shutdown timeout reached, skipping remaining hooks",
				zap.String("skipped_hook", h.name),
				zap.Int("remaining", i+1),
			)
			return
		}

		start := time.Now()
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed",
				zap.String("hook", h.name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			continue
		}
		m.logger.Info("Shutdown hook completed",
			zap.String("hook", h.name),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
