package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const annotationsKey = "formlink.annotations"

// Annotate attaches a counter to the current request's log line, e.g. the
// number of forms listed or connections dropped by an admin route.
func Annotate(c *gin.Context, key string, value int) {
	fields, _ := c.Get(annotationsKey)
	m, ok := fields.(map[string]int)
	if !ok {
		m = make(map[string]int, 2)
		c.Set(annotationsKey, m)
	}
	m[key] = value
}

// RequestLogger logs one admin_request line per request for service, at warn
// for 4xx and error for 5xx. Route ids are logged as form_id, and the line
// records whether an admin token was presented under tokenHeader.
func RequestLogger(service, tokenHeader string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}

		event = event.
			Str("service", service).
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if raw := c.Param("id"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				event = event.Int64("form_id", id)
			}
		}
		if tokenHeader != "" {
			event = event.Bool("admin_token", c.GetHeader(tokenHeader) != "")
		}
		if fields, ok := c.Get(annotationsKey); ok {
			for k, v := range fields.(map[string]int) {
				event = event.Int(k, v)
			}
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("admin_request")
	}
}

// RequestMetricsMiddleware records request count and latency under the
// service label.
func RequestMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(service, c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

// routeOf prefers the registered pattern so /forms/7 and /forms/8 share one
// series.
func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
