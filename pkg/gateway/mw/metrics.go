package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/pkg/gateway/metrics"
)

// HTTPMetrics records request counts and latency per normalized route.
// Path parameters are collapsed so conversation ids do not become label
// values.
func HTTPMetrics(m *metrics.Metrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped, sw := wrapResponseWriter(w)
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(sw.status), time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch path {
	case "/healthz", "/readyz", "/v1/live", "/v1/conversations", "/v1/auth/workos":
		return path
	}
	if strings.HasPrefix(path, "/v1/conversations/") {
		if strings.HasSuffix(path, "/messages") {
			return "/v1/conversations/{id}/messages"
		}
		return "/v1/conversations/{id}"
	}
	return "other"
}
