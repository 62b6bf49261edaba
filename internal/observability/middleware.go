package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ActiveSessions reports the live session count at the time a request is logged.
type ActiveSessions func() int

const unmatchedRoute = "unmatched"

// routeLabel keeps metric and log labels bounded to registered routes.
func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return unmatchedRoute
}

// pollRoute reports the routes hit by scrapers and liveness checks.
func pollRoute(route string) bool {
	switch route {
	case "/metrics", "/health", "/ready":
		return true
	}
	return false
}

// AdminLogger logs admin requests. Poll routes log at trace level. /sessions
// requests carry the active session count when active is set.
func AdminLogger(logger zerolog.Logger, active ActiveSessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeLabel(c)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case pollRoute(route):
			event = logger.Trace()
		default:
			event = logger.Debug()
		}
		if route == "/sessions" && active != nil {
			event = event.Int("active_sessions", active())
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin request")
	}
}

// AdminMetrics records admin requests by route. Scrapes of /metrics are not counted.
func AdminMetrics(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeLabel(c)
		if route == "/metrics" {
			return
		}
		RecordHTTPRequest(node, c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
