// Package health exposes liveness, readiness and dependency health for the
// login risk service.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Component states, worst last.
const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// ComponentStatus represents the health status of a single component
type ComponentStatus struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Details   string  `json:"details,omitempty"`
	CheckedAt string  `json:"checked_at"`
}

// HealthResponse is the response structure for health checks
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	CheckedAt  string                     `json:"checked_at"`
}

// HealthChecker is the interface that dependency health checks must implement
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) ComponentStatus
	// IsCritical reports whether the service is not ready while this is down.
	IsCritical() bool
}

// HealthService runs registered checkers concurrently
type HealthService struct {
	checkers  []HealthChecker
	logger    *zap.Logger
	startTime time.Time
	version   string
	timeout   time.Duration
	mu        sync.RWMutex
}

// NewHealthService creates a new HealthService
func NewHealthService(logger *zap.Logger, version string) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// RegisterCheck adds a new health checker to the service
func (h *HealthService) RegisterCheck(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	h.logger.Info("Registered health checker",
		zap.String("name", checker.Name()),
		zap.Bool("critical", checker.IsCritical()))
}

func (h *HealthService) snapshot() []HealthChecker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthChecker(nil), h.checkers...)
}

// Check runs all registered health checkers and aggregates the results.
// The second return value lists critical components that are down.
func (h *HealthService) Check(ctx context.Context) (*HealthResponse, []string) {
	checkers := h.snapshot()

	type result struct {
		name     string
		check    ComponentStatus
		critical bool
	}
	results := make(chan result, len(checkers))

	for _, checker := range checkers {
		go func(c HealthChecker) {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results <- result{name: c.Name(), check: c.Check(checkCtx), critical: c.IsCritical()}
		}(checker)
	}

	components := make(map[string]ComponentStatus, len(checkers))
	var criticalDown []string
	overall := StatusUp
	for range checkers {
		r := <-results
		components[r.name] = r.check
		switch r.check.Status {
		case StatusDown:
			overall = StatusDown
			if r.critical {
				criticalDown = append(criticalDown, r.name)
			}
			h.logger.Warn("Component is down", zap.String("dependency", r.name), zap.String("details", r.check.Details))
		case StatusDegraded:
			if overall != StatusDown {
				overall = StatusDegraded
			}
		}
	}
	sort.Strings(criticalDown)

	return &HealthResponse{
		Status:     overall,
		Components: components,
		Version:    h.version,
		Uptime:     formatDuration(time.Since(h.startTime)),
		CheckedAt:  time.Now().UTC().Format(time.RFC3339),
	}, criticalDown
}

// Handler serves the detailed report: 200 for up/degraded, 503 for down.
func (h *HealthService) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, _ := h.Check(c.Request.Context())
		status := http.StatusOK
		if resp.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, resp)
	}
}

// ReadyHandler returns 503 while any critical component is down.
func (h *HealthService) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, criticalDown := h.Check(c.Request.Context())
		if len(criticalDown) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": fmt.Sprintf("critical component %s is down", criticalDown[0]),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LiveHandler returns 200 as long as the process is serving.
func (h *HealthService) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.startTime)),
		})
	}
}

// RegisterRoutes mounts /health, /health/live and /ready.
func (h *HealthService) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.Handler())
	router.GET("/health/live", h.LiveHandler())
	router.GET("/ready", h.ReadyHandler())
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
