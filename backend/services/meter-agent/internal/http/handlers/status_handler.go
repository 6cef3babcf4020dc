package handlers

import (
	"net/http"

	"energymeter/backend/services/meter-agent/internal/scheduler"
)

// StatusProvider exposes the scheduler view.
type StatusProvider interface {
	Status() scheduler.Status
}

// NewStatusHandler returns buffer occupancy and upload health.
func NewStatusHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, provider.Status())
	}
}
