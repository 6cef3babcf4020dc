package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"energymeter/backend/services/ingest-service/internal/http/handlers"
)

// Routes defines HTTP endpoints.
type Routes struct {
	Readings *handlers.ReadingsHandler
	Health   http.Handler
}

// NewRouter sets up HTTP routing. Device routes are wrapped in deviceAuth.
func NewRouter(routes Routes, deviceAuth mux.MiddlewareFunc) http.Handler {
	router := mux.NewRouter()

	if routes.Health != nil {
		router.Handle("/health", routes.Health).Methods(http.MethodGet)
	}

	if routes.Readings != nil {
		internal := router.PathPrefix("/internal/meter").Subrouter()
		if deviceAuth != nil {
			internal.Use(deviceAuth)
		}
		internal.HandleFunc("/readings", routes.Readings.Ingest).Methods(http.MethodPost)
		internal.HandleFunc("/devices/{deviceID}/energy", routes.Readings.Energy).Methods(http.MethodGet)
	}

	return router
}
