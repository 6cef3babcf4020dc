package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"energymeter/backend/services/meter-agent/internal/http/handlers"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Health     http.HandlerFunc
	Status     http.HandlerFunc
	Metrics    http.Handler
	LiveFeed   http.HandlerFunc
	Quarantine *handlers.QuarantineHandlers
}

// NewRouter wires HTTP routes. adminAuth guards everything under /admin.
func NewRouter(deps RouterDeps, adminAuth func(http.Handler) http.Handler, middlewares ...mux.MiddlewareFunc) http.Handler {
	r := mux.NewRouter()
	r.Use(middlewares...)

	r.Handle("/health", deps.Health).Methods(http.MethodGet)
	if deps.Status != nil {
		r.Handle("/status", deps.Status).Methods(http.MethodGet)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	if deps.LiveFeed != nil {
		r.Handle("/ws/readings", deps.LiveFeed).Methods(http.MethodGet)
	}

	if deps.Quarantine != nil {
		admin := r.PathPrefix("/admin").Subrouter()
		if adminAuth != nil {
			admin.Use(mux.MiddlewareFunc(adminAuth))
		}
		admin.Handle("/quarantine", http.HandlerFunc(deps.Quarantine.List)).Methods(http.MethodGet)
		admin.Handle("/quarantine/{id}", http.HandlerFunc(deps.Quarantine.Delete)).Methods(http.MethodDelete)
	}

	return r
}
