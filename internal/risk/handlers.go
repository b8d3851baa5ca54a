package risk

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/common/validation"
)

const (
	maxPrincipalIDLen = 255
	maxUserAgentLen   = 1024
	maxHeaderCount    = 32
	maxHeaderLen      = 1024
)

// Handler exposes the engine over HTTP.
type Handler struct {
	engine  *Engine
	devices *DeviceTrustStore
	logger  *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(engine *Engine, devices *DeviceTrustStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, devices: devices, logger: logger.With(zap.String("component", "risk_handler"))}
}

// RegisterRoutes registers the risk endpoints on router.
func RegisterRoutes(router *gin.RouterGroup, h *Handler) {
	router.POST("/risk/evaluate", h.handleEvaluate)
	router.POST("/risk/outcomes", h.handleRecordOutcome)
	router.GET("/risk/attempts/approve", h.handleApprove)
	router.GET("/risk/attempts/deny", h.handleDeny)
	router.GET("/risk/principals/:principal_id/devices", h.handleListDevices)
}

type evaluateRequest struct {
	PrincipalID   string            `json:"principal_id" binding:"required"`
	Email         string            `json:"email"`
	IPAddress     string            `json:"ip_address"`
	UserAgent     string            `json:"user_agent"`
	Headers       map[string]string `json:"headers"`
	TrustLocation bool              `json:"trust_location"`
}

type evaluateResponse struct {
	*Decision
	Token string `json:"token,omitempty"`
}

func (h *Handler) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid evaluate request").WithDetails(err.Error()))
		return
	}

	if err := validation.ValidateAll(
		func() error { return validation.ValidateMaxLength("principal_id", req.PrincipalID, maxPrincipalIDLen) },
		func() error { return validation.ValidateEmail("email", req.Email) },
		func() error { return validation.ValidateIP("ip_address", req.IPAddress) },
		func() error { return validation.ValidateMaxLength("user_agent", req.UserAgent, maxUserAgentLen) },
		func() error { return validation.ValidateHeaders("headers", req.Headers, maxHeaderCount, maxHeaderLen) },
	); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("invalid evaluate request").WithDetails(err.Error()))
		return
	}

	login := LoginRequest{
		PrincipalID:   req.PrincipalID,
		Email:         validation.SanitizeEmail(req.Email),
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		TrustLocation: req.TrustLocation,
	}
	// Server-to-server callers forward the end user's headers explicitly.
	if len(req.Headers) > 0 {
		login.Headers = http.Header{}
		for k, v := range req.Headers {
			login.Headers.Set(k, v)
		}
	} else {
		login.Headers = c.Request.Header
	}
	if login.IPAddress == "" {
		login.IPAddress = c.ClientIP()
	}
	if login.UserAgent == "" {
		login.UserAgent = c.Request.UserAgent()
	}

	decision, err := h.engine.Evaluate(c.Request.Context(), login)
	if errors.Is(err, context.DeadlineExceeded) {
		h.logger.Warn("login evaluation timed out", zap.String("principal_id", req.PrincipalID))
		apperrors.HandleError(c, apperrors.Timeout("login evaluation timed out"))
		return
	}
	if err != nil {
		h.logger.Error("failed to evaluate login", zap.String("principal_id", req.PrincipalID), zap.Error(err))
		apperrors.HandleError(c, apperrors.Internal("failed to evaluate login", err))
		return
	}
	c.JSON(http.StatusOK, evaluateResponse{Decision: decision, Token: decision.Token})
}

type outcomeRequest struct {
	PrincipalID string `json:"principal_id" binding:"required"`
	IPAddress   string `json:"ip_address" binding:"required"`
	UserAgent   string `json:"user_agent"`
	Success     bool   `json:"success"`
}

func (h *Handler) handleRecordOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid outcome request").WithDetails(err.Error()))
		return
	}
	if err := validation.ValidateAll(
		func() error { return validation.ValidateMaxLength("principal_id", req.PrincipalID, maxPrincipalIDLen) },
		func() error { return validation.ValidateIP("ip_address", req.IPAddress) },
		func() error { return validation.ValidateMaxLength("user_agent", req.UserAgent, maxUserAgentLen) },
	); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError("invalid outcome request").WithDetails(err.Error()))
		return
	}
	if err := h.engine.RecordOutcome(c.Request.Context(), req.PrincipalID, req.IPAddress, req.UserAgent, req.Success); err != nil {
		apperrors.HandleError(c, apperrors.DatabaseError("record login outcome", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleApprove(c *gin.Context) {
	h.resolve(c, h.engine.Approve, StatusApproved)
}

func (h *Handler) handleDeny(c *gin.Context) {
	h.resolve(c, h.engine.Deny, StatusDenied)
}

type resolveFunc func(ctx context.Context, token, ip, userAgent string) (bool, error)

func (h *Handler) resolve(c *gin.Context, fn resolveFunc, status AttemptStatus) {
	token := strings.TrimSpace(c.Query("token"))
	ok, err := fn(c.Request.Context(), token, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		h.logger.Error("failed to resolve attempt", zap.String("status", string(status)), zap.Error(err))
		apperrors.HandleError(c, apperrors.Internal("failed to process verification link", err))
		return
	}
	if !ok {
		apperrors.HandleError(c, apperrors.InvalidVerificationLink())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) handleListDevices(c *gin.Context) {
	devices, err := h.devices.List(c.Request.Context(), c.Param("principal_id"))
	if err != nil {
		apperrors.HandleError(c, apperrors.DatabaseError("list devices", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}
