package sensor

import (
	"context"
	"errors"
	"fmt"

	"energymeter/backend/services/meter-agent/internal/models"
)

// ErrSensorFault marks a transient sampling failure (timeout, CRC error, no response).
var ErrSensorFault = errors.New("sensor fault")

// Source reads the meter attached to the given phase.
type Source interface {
	Read(ctx context.Context, phase int) (models.Measurement, error)
}

// FaultError wraps the cause of a failed read and matches ErrSensorFault.
type FaultError struct {
	Phase int
	Err   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("sensor fault on phase %d: %v", e.Phase, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Is reports ErrSensorFault.
func (e *FaultError) Is(target error) bool {
	return target == ErrSensorFault
}

// Fault builds a FaultError.
func Fault(phase int, err error) error {
	return &FaultError{Phase: phase, Err: err}
}
