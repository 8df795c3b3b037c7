package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hangarci/hangar/pkg/log"
	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/types"
)

const requestIDKey = "request_id"

func requestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// requestIDMiddleware assigns every request an id, honouring one the
// caller already carries, and echoes it back.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// accessLogMiddleware writes one structured line per request. Errors
// attached by handlers surface here with their full cause chain; the
// response body only ever saw the sanitized envelope.
func accessLogMiddleware() gin.HandlerFunc {
	logger := log.WithComponent("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = logger.Error()
		} else if c.Writer.Status() >= http.StatusBadRequest {
			evt = logger.Warn()
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("error", c.Errors.Last().Error())
		}
		evt.Str("request_id", requestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Int("bytes", c.Writer.Size()).
			Msg("Request handled")
	}
}

// recoveryMiddleware converts a handler panic into an opaque 500. The
// stack goes to the log, the caller gets the request id.
func recoveryMiddleware() gin.HandlerFunc {
	logger := log.WithComponent("api")
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("request_id", requestIDFrom(c)).
					Str("path", c.Request.URL.Path).
					Interface("panic", r).
					Stack().
					Msg("Handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorEnvelope{
					Error: errorBody{
						Code:      types.KindInternal,
						Message:   "internal error",
						RequestID: requestIDFrom(c),
					},
				})
			}
		}()
		c.Next()
	}
}

// metricsMiddleware records the request counter and latency histogram
// keyed by route template, not raw path, to bound cardinality.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method, route)
	}
}

// maxBodyMiddleware caps the request body. A multipart reader that
// crosses the limit sees an error from MaxBytesReader, which the
// upload paths translate to 413.
func maxBodyMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
