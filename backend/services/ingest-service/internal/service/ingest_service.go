package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"energymeter/backend/services/ingest-service/internal/models"
)

// MaxBatchSize bounds a single POST.
const MaxBatchSize = 1000

// ErrInvalidBatch is matched by every *ValidationError.
var ErrInvalidBatch = errors.New("invalid batch")

// ValidationError points at the offending reading; Index is -1 for batch level problems.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid batch: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid batch: readings[%d].%s %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidBatch
}

// ReadingsStore is the persistence contract.
type ReadingsStore interface {
	InsertBatch(ctx context.Context, deviceID string, readings []models.Reading) (int64, error)
	EnergySeries(ctx context.Context, deviceID string, since time.Time) ([]models.EnergyPoint, error)
}

// IngestService validates and stores batches.
type IngestService struct {
	repo   ReadingsStore
	logger *zap.Logger
}

// NewIngestService returns service instance.
func NewIngestService(repo ReadingsStore, logger *zap.Logger) *IngestService {
	return &IngestService{repo: repo, logger: logger}
}

// StoreBatch validates and persists a batch. Replayed readings are not counted as inserted.
func (s *IngestService) StoreBatch(ctx context.Context, batch models.Batch) (int64, error) {
	if err := Validate(batch); err != nil {
		return 0, err
	}
	inserted, err := s.repo.InsertBatch(ctx, batch.DeviceID, batch.Readings)
	if err != nil {
		return 0, fmt.Errorf("store batch: %w", err)
	}
	if dup := int64(len(batch.Readings)) - inserted; dup > 0 {
		if at, ok := firstRegression(batch.Readings); ok {
			s.logger.Warn("readings dropped as duplicates after device clock moved backwards",
				zap.String("device_id", batch.DeviceID),
				zap.Int64("duplicates", dup),
				zap.Int("index", at),
				zap.Time("timestamp", batch.Readings[at].Timestamp),
			)
		} else {
			s.logger.Info("replayed readings ignored", zap.String("device_id", batch.DeviceID), zap.Int64("duplicates", dup))
		}
	}
	return inserted, nil
}

// Validate enforces the reading invariants the agent applies at sampling time.
func Validate(batch models.Batch) error {
	if strings.TrimSpace(batch.DeviceID) == "" {
		return &ValidationError{Index: -1, Field: "device_id", Reason: "is required"}
	}
	if len(batch.Readings) == 0 {
		return &ValidationError{Index: -1, Field: "readings", Reason: "must not be empty"}
	}
	if len(batch.Readings) > MaxBatchSize {
		return &ValidationError{Index: -1, Field: "readings", Reason: fmt.Sprintf("exceeds %d entries", MaxBatchSize)}
	}

	for i, r := range batch.Readings {
		if r.Phase < 0 {
			return &ValidationError{Index: i, Field: "phase", Reason: "must be >= 0"}
		}
		for _, q := range []struct {
			name  string
			value float64
		}{
			{"voltage_v", r.Voltage},
			{"current_a", r.Current},
			{"power_w", r.Power},
			{"energy_wh", r.Energy},
			{"frequency_hz", r.Frequency},
		} {
			if math.IsNaN(q.value) || math.IsInf(q.value, 0) || q.value < 0 {
				return &ValidationError{Index: i, Field: q.name, Reason: "must be finite and >= 0"}
			}
		}
		if math.IsNaN(r.PowerFactor) || r.PowerFactor < 0 || r.PowerFactor > 1 {
			return &ValidationError{Index: i, Field: "pf", Reason: "must be within [0, 1]"}
		}
		if r.Timestamp.IsZero() {
			return &ValidationError{Index: i, Field: "timestamp", Reason: "is required"}
		}
	}
	return nil
}

// firstRegression returns the index of the first reading stamped no later than the previous one of its phase.
func firstRegression(readings []models.Reading) (int, bool) {
	last := make(map[int]time.Time)
	for i, r := range readings {
		if prev, ok := last[r.Phase]; ok && !r.Timestamp.After(prev) {
			return i, true
		}
		last[r.Phase] = r.Timestamp
	}
	return 0, false
}

// Energy returns per-phase consumption since the given time.
func (s *IngestService) Energy(ctx context.Context, deviceID string, since time.Time) ([]models.PhaseEnergy, error) {
	points, err := s.repo.EnergySeries(ctx, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("load energy series: %w", err)
	}
	return SummarizeEnergy(points), nil
}

// SummarizeEnergy folds points ordered by phase and time into per-phase totals.
func SummarizeEnergy(points []models.EnergyPoint) []models.PhaseEnergy {
	out := make([]models.PhaseEnergy, 0)
	for i, p := range points {
		if i == 0 || points[i-1].Phase != p.Phase {
			out = append(out, models.PhaseEnergy{Phase: p.Phase, LastWh: p.EnergyWh, Samples: 1, From: p.RecordedAt, To: p.RecordedAt})
			continue
		}
		cur := &out[len(out)-1]
		cur.ConsumedWh += CalculateDeltaEnergy(cur.LastWh, p.EnergyWh)
		cur.LastWh = p.EnergyWh
		cur.Samples++
		cur.To = p.RecordedAt
	}
	return out
}
