package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"energymeter/backend/services/ingest-service/internal/http/middleware"
	"energymeter/backend/services/ingest-service/internal/models"
	"energymeter/backend/services/ingest-service/internal/service"
)

const maxBodyBytes = 1 << 20

const defaultEnergyWindow = 24 * time.Hour

// ReadingsService is implemented by service.IngestService.
type ReadingsService interface {
	StoreBatch(ctx context.Context, batch models.Batch) (int64, error)
	Energy(ctx context.Context, deviceID string, since time.Time) ([]models.PhaseEnergy, error)
}

// ReadingsHandler serves agent uploads and energy summaries.
type ReadingsHandler struct {
	service ReadingsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewReadingsHandler returns handler.
func NewReadingsHandler(service ReadingsService, logger *zap.Logger) *ReadingsHandler {
	return &ReadingsHandler{service: service, logger: logger, now: time.Now}
}

type ingestResponse struct {
	Accepted int   `json:"accepted"`
	Inserted int64 `json:"inserted"`
}

// Ingest handles POST /internal/meter/readings.
func (h *ReadingsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var batch models.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if deviceID, ok := middleware.DeviceIDFromContext(r.Context()); ok && deviceID != batch.DeviceID {
		writeError(w, http.StatusForbidden, "token does not match device_id")
		return
	}

	inserted, err := h.service.StoreBatch(r.Context(), batch)
	if err != nil {
		if errors.Is(err, service.ErrInvalidBatch) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("failed to store readings", zap.String("device_id", batch.DeviceID), zap.Int("batch", len(batch.Readings)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to store readings")
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(batch.Readings), Inserted: inserted})
}

type energyResponse struct {
	DeviceID string               `json:"device_id"`
	Since    time.Time            `json:"since"`
	Phases   []models.PhaseEnergy `json:"phases"`
}

// Energy handles GET /internal/meter/devices/{deviceID}/energy?since=RFC3339.
func (h *ReadingsHandler) Energy(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]
	if strings.TrimSpace(deviceID) == "" {
		writeError(w, http.StatusBadRequest, "device id is required")
		return
	}
	if authID, ok := middleware.DeviceIDFromContext(r.Context()); ok && authID != deviceID {
		writeError(w, http.StatusForbidden, "token does not match device")
		return
	}

	since := h.now().UTC().Add(-defaultEnergyWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed.UTC()
	}

	phases, err := h.service.Energy(r.Context(), deviceID, since)
	if err != nil {
		h.logger.Error("failed to load energy", zap.String("device_id", deviceID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to load energy")
		return
	}

	writeJSON(w, http.StatusOK, energyResponse{DeviceID: deviceID, Since: since, Phases: phases})
}
