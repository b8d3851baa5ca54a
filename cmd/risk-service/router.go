package main

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/logger"
	"github.com/openidx/loginrisk/internal/health"
	"github.com/openidx/loginrisk/internal/metrics"
	"github.com/openidx/loginrisk/internal/middleware"
	"github.com/openidx/loginrisk/internal/risk"
)

type routerDeps struct {
	engine  *risk.Engine
	devices *risk.DeviceTrustStore
	health  *health.HealthService
	logger  *zap.Logger
	tracing bool

	// limiter backs the verification link rate limit; nil keeps it in process.
	limiter     redis.UniversalClient
	verifyLimit int
}

func newRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(deps.logger))
	if deps.tracing {
		router.Use(otelgin.Middleware(serviceName))
	}
	router.Use(logger.GinMiddleware(deps.logger))
	router.Use(metrics.Middleware(serviceName))

	limit := middleware.DefaultRateLimitConfig()
	if deps.verifyLimit > 0 {
		limit.Requests = deps.verifyLimit
	}
	router.Use(middleware.RateLimit(deps.limiter, limit, deps.logger))

	deps.health.RegisterRoutes(router)
	router.GET("/metrics", metrics.Handler())

	api := router.Group("/api/v1")
	risk.RegisterRoutes(api, risk.NewHandler(deps.engine, deps.devices, deps.logger))

	return router
}
