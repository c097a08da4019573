package metrics

import (
	"net/http"
	"strings"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware counts requests and error responses (status >= 400) per
// surface: the published media tree, the metrics endpoint or the API.
// A nil Metrics disables it.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			surface := surfaceOf(r.URL.Path)
			m.IncRequests(surface)
			if rec.status >= 400 {
				m.IncErrors(surface)
			}
		})
	}
}

func surfaceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/media/"):
		return SurfaceMedia
	case path == "/metrics":
		return SurfaceMetrics
	default:
		return SurfaceAPI
	}
}
