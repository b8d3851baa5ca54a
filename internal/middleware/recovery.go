package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

// Recovery turns a panic into a 500 with the standard error body. The
// query string is not logged: verification links carry their token there.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger.Error("Panic recovered",
				zap.String("request_id", GetRequestID(c)),
				zap.String("panic", fmt.Sprintf("%v", rec)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
				zap.String("stack_trace", string(debug.Stack())),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			apperrors.HandleError(c, apperrors.Internal("An unexpected error occurred", fmt.Errorf("panic: %v", rec)))
			c.Abort()
		}()

		c.Next()
	}
}
