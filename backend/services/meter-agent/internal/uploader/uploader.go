package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"energymeter/backend/services/meter-agent/internal/models"
)

// Uploader delivers a batch of readings to a remote sink. It must be safe to
// call again with the same batch after any failure.
type Uploader interface {
	Send(ctx context.Context, deviceID string, batch []models.Reading) error
}

// Func adapts a function to Uploader.
type Func func(ctx context.Context, deviceID string, batch []models.Reading) error

// Send implements Uploader.
func (f Func) Send(ctx context.Context, deviceID string, batch []models.Reading) error {
	return f(ctx, deviceID, batch)
}

// DeliveryError tells the caller whether retrying the same batch can succeed.
type DeliveryError struct {
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("delivery failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("delivery failed (permanent): %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Retryable: true, Err: err}
}

// Permanent marks err as a rejection of the batch itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Retryable: false, Err: err}
}

// IsRetryable reports whether a failed Send may be retried. Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

// BatchPayload is the wire format shared by the HTTP and MQTT sinks.
type BatchPayload struct {
	DeviceID string           `json:"device_id"`
	Readings []models.Reading `json:"readings"`
}

func encodeBatch(deviceID string, batch []models.Reading) ([]byte, error) {
	data, err := json.Marshal(BatchPayload{DeviceID: deviceID, Readings: batch})
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshal batch: %w", err))
	}
	return data, nil
}

// timestampsRegress reports whether any phase's timestamps stop increasing within the batch.
// Stores key readings on (device, phase, timestamp), so such readings may be dropped as duplicates.
func timestampsRegress(batch []models.Reading) bool {
	last := make(map[int]time.Time)
	for _, r := range batch {
		if prev, ok := last[r.Phase]; ok && !r.Timestamp.After(prev) {
			return true
		}
		last[r.Phase] = r.Timestamp
	}
	return false
}
