// Package middleware provides HTTP middleware for the login risk service
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXRequestID carries the request ID in both directions.
const HeaderXRequestID = "X-Request-ID"

type contextKey string

// RequestIDKey is the gin and context.Context key holding the request ID.
const RequestIDKey contextKey = "request_id"

// maxRequestIDLen bounds caller-supplied IDs before they reach the logs.
const maxRequestIDLen = 128

// GetRequestID retrieves the request ID from the Gin context
func GetRequestID(c *gin.Context) string {
	if id, ok := c.Get(string(RequestIDKey)); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// GetRequestIDFromContext retrieves the request ID from a context.Context
func GetRequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestID reuses the caller's X-Request-ID or generates a UUID, then
// exposes it on the gin context, the request context and both header sets.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.New().String()
		}

		c.Set(string(RequestIDKey), requestID)
		c.Request.Header.Set(HeaderXRequestID, requestID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), RequestIDKey, requestID))
		c.Header(HeaderXRequestID, requestID)

		c.Next()
	}
}
