package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func adminRouter(logger zerolog.Logger, node string, active ActiveSessions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AdminLogger(logger, active))
	r.Use(AdminMetrics(node))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/metrics", ok)
	r.GET("/health", ok)
	r.GET("/sessions", ok)
	return r
}

func get(r http.Handler, path string) int {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestAdminMetricsSkipsScrapes(t *testing.T) {
	const node = "middleware-scrape"
	r := adminRouter(zerolog.Nop(), node, nil)

	get(r, "/metrics")
	get(r, "/metrics")
	get(r, "/health")
	get(r, "/nope/123")

	if n := testutil.ToFloat64(httpRequests.WithLabelValues(node, "GET", "/metrics", "200")); n != 0 {
		t.Fatalf("scrapes must not be counted, got %v", n)
	}
	if n := testutil.ToFloat64(httpRequests.WithLabelValues(node, "GET", "/health", "200")); n != 1 {
		t.Fatalf("expected one health request, got %v", n)
	}
	if n := testutil.ToFloat64(httpRequests.WithLabelValues(node, "GET", unmatchedRoute, "404")); n != 1 {
		t.Fatalf("unknown paths should collapse to %q, got %v", unmatchedRoute, n)
	}
}

func TestAdminLoggerLevelsAndSessionCount(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := adminRouter(logger, "middleware-log", func() int { return 3 })

	get(r, "/metrics")
	if buf.Len() != 0 {
		t.Fatalf("poll routes should log below debug, got %s", buf.String())
	}

	get(r, "/sessions")
	line := buf.String()
	if !strings.Contains(line, `"active_sessions":3`) || !strings.Contains(line, `"level":"debug"`) {
		t.Fatalf("unexpected sessions log line: %s", line)
	}

	buf.Reset()
	get(r, "/missing")
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("404 should log at warn: %s", buf.String())
	}
}
