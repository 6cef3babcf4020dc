package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"energymeter/backend/libs/httpmiddleware"
	"energymeter/backend/services/meter-agent/internal/metrics"
)

// MetricsMiddleware records request counts and durations per route template.
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := httpmiddleware.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.Status)).Inc()
			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(started).Seconds())
		})
	}
}
