// Package metrics exports agent counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload outcomes.
const (
	ResultSuccess   = "success"
	ResultRetryable = "retryable"
	ResultPermanent = "permanent"
)

// Sample error kinds.
const (
	KindSensorFault    = "sensor_fault"
	KindSourceError    = "source_error"
	KindInvalidReading = "invalid_reading"
)

// Metrics groups every collector of the agent.
type Metrics struct {
	ReadingsSampled     *prometheus.CounterVec
	SampleErrors        *prometheus.CounterVec
	EnergyResets        *prometheus.CounterVec
	ClockRegressions    *prometheus.CounterVec
	BufferEvictions     prometheus.Counter
	BufferOccupancy     prometheus.Gauge
	UploadBatches       *prometheus.CounterVec
	UploadDuration      prometheus.Histogram
	ReadingsUploaded    prometheus.Counter
	ReadingsQuarantined prometheus.Counter
	UploadBackoff       prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReadingsSampled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_readings_sampled_total",
				Help: "Readings accepted into the buffer",
			},
			[]string{"phase"},
		),
		SampleErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_sample_errors_total",
				Help: "Sampling attempts that produced no reading",
			},
			[]string{"phase", "kind"},
		),
		EnergyResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_energy_counter_resets_total",
				Help: "Observed decreases of the cumulative energy counter",
			},
			[]string{"phase"},
		),
		ClockRegressions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_clock_regressions_total",
				Help: "Readings stamped no later than the previous reading of the same phase",
			},
			[]string{"phase"},
		),
		BufferEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meter_buffer_evictions_total",
				Help: "Readings dropped because the buffer was full",
			},
		),
		BufferOccupancy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meter_buffer_occupancy",
				Help: "Readings currently waiting for upload",
			},
		),
		UploadBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_upload_batches_total",
				Help: "Upload attempts by outcome",
			},
			[]string{"result"},
		),
		UploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meter_upload_duration_seconds",
				Help:    "Duration of upload attempts",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		ReadingsUploaded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meter_readings_uploaded_total",
				Help: "Readings acknowledged by the sink",
			},
		),
		ReadingsQuarantined: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meter_readings_quarantined_total",
				Help: "Readings permanently rejected by the sink",
			},
		),
		UploadBackoff: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meter_upload_backoff_seconds",
				Help: "Current delay before the next upload attempt",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_http_requests_total",
				Help: "HTTP requests served by the agent",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"route", "method"},
		),
	}
}

// Phase formats a phase index as a label value.
func Phase(phase int) string {
	return strconv.Itoa(phase)
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(result string, started time.Time) {
	m.UploadBatches.WithLabelValues(result).Inc()
	m.UploadDuration.Observe(time.Since(started).Seconds())
}
