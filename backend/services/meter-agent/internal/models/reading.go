package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidReading is matched by every *InvalidReadingError.
var ErrInvalidReading = errors.New("invalid reading")

// InvalidReadingError names the field that broke a Reading invariant.
type InvalidReadingError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *InvalidReadingError) Error() string {
	return fmt.Sprintf("invalid reading: %s=%v %s", e.Field, e.Value, e.Reason)
}

// Is reports ErrInvalidReading so callers can use errors.Is.
func (e *InvalidReadingError) Is(target error) bool {
	return target == ErrInvalidReading
}

// Measurement holds the raw quantities reported by the meter for one phase.
type Measurement struct {
	Voltage     float64 `json:"voltage_v"`
	Current     float64 `json:"current_a"`
	Power       float64 `json:"power_w"`
	Energy      float64 `json:"energy_wh"`
	Frequency   float64 `json:"frequency_hz"`
	PowerFactor float64 `json:"pf"`
}

// Reading is one timestamped electrical sample of a single phase. Values are immutable once built.
type Reading struct {
	Phase int `json:"phase"`
	Measurement
	Timestamp time.Time `json:"timestamp"`
}

// NewReading validates a measurement and stamps it. Timestamps are normalised to UTC.
func NewReading(phase int, m Measurement, ts time.Time) (Reading, error) {
	if phase < 0 {
		return Reading{}, &InvalidReadingError{Field: "phase", Value: float64(phase), Reason: "must be >= 0"}
	}

	nonNegative := []struct {
		name  string
		value float64
	}{
		{"voltage", m.Voltage},
		{"current", m.Current},
		{"power", m.Power},
		{"energy", m.Energy},
		{"frequency", m.Frequency},
	}
	for _, q := range nonNegative {
		if math.IsNaN(q.value) || math.IsInf(q.value, 0) {
			return Reading{}, &InvalidReadingError{Field: q.name, Value: q.value, Reason: "must be finite"}
		}
		if q.value < 0 {
			return Reading{}, &InvalidReadingError{Field: q.name, Value: q.value, Reason: "must be >= 0"}
		}
	}

	if math.IsNaN(m.PowerFactor) || m.PowerFactor < 0 || m.PowerFactor > 1 {
		return Reading{}, &InvalidReadingError{Field: "pf", Value: m.PowerFactor, Reason: "must be within [0, 1]"}
	}

	if ts.IsZero() {
		return Reading{}, &InvalidReadingError{Field: "timestamp", Reason: "is required"}
	}

	return Reading{
		Phase:       phase,
		Measurement: m,
		Timestamp:   ts.UTC(),
	}, nil
}

// Compare orders readings by timestamp, then phase.
func Compare(a, b Reading) int {
	switch {
	case a.Timestamp.Before(b.Timestamp):
		return -1
	case a.Timestamp.After(b.Timestamp):
		return 1
	case a.Phase < b.Phase:
		return -1
	case a.Phase > b.Phase:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two readings carry identical values.
func (r Reading) Equal(other Reading) bool {
	return r.Phase == other.Phase &&
		r.Measurement == other.Measurement &&
		r.Timestamp.Equal(other.Timestamp)
}

func (r Reading) String() string {
	return fmt.Sprintf("phase=%d V=%.1f A=%.3f W=%.1f Wh=%.0f Hz=%.1f pf=%.2f at=%s",
		r.Phase, r.Voltage, r.Current, r.Power, r.Energy, r.Frequency, r.PowerFactor,
		r.Timestamp.Format(time.RFC3339))
}
