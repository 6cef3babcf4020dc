package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"energymeter/backend/services/meter-agent/internal/quarantine"
)

// QuarantineHandlers expose rejected batches to operators.
type QuarantineHandlers struct {
	store    quarantine.Store
	deviceID string
	logger   *zap.Logger
}

// NewQuarantineHandlers builds handlers.
func NewQuarantineHandlers(store quarantine.Store, deviceID string, logger *zap.Logger) *QuarantineHandlers {
	return &QuarantineHandlers{store: store, deviceID: deviceID, logger: logger}
}

// List handles GET /admin/quarantine.
func (h *QuarantineHandlers) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.List(r.Context(), h.deviceID)
	if err != nil {
		h.logger.Error("failed to list quarantine", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "quarantine store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": h.deviceID,
		"entries":   entries,
	})
}

// Delete handles DELETE /admin/quarantine/{id}.
func (h *QuarantineHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	err := h.store.Delete(r.Context(), h.deviceID, id)
	switch {
	case errors.Is(err, quarantine.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case err != nil:
		h.logger.Error("failed to delete quarantine entry", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "quarantine store unavailable")
	default:
		h.logger.Info("quarantine entry acknowledged", zap.String("id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}
