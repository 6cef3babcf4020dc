package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"energymeter/backend/services/meter-agent/internal/buffer"
	"energymeter/backend/services/meter-agent/internal/clock"
	"energymeter/backend/services/meter-agent/internal/metrics"
	"energymeter/backend/services/meter-agent/internal/models"
	"energymeter/backend/services/meter-agent/internal/quarantine"
	"energymeter/backend/services/meter-agent/internal/sensor"
	"energymeter/backend/services/meter-agent/internal/uploader"
)

const defaultUploadTimeout = 10 * time.Second

var errUploadInFlight = errors.New("previous upload still in flight")

// Config holds the timing and sizing of both loops.
type Config struct {
	DeviceID         string
	Phases           []int
	SamplingInterval time.Duration
	UploadInterval   time.Duration
	MaxBackoff       time.Duration
	UploadTimeout    time.Duration
	BatchSize        int
}

// UploadOutcome is the result of one upload attempt.
type UploadOutcome int

const (
	UploadIdle UploadOutcome = iota
	UploadDelivered
	UploadRetry
	UploadQuarantined
)

func (o UploadOutcome) String() string {
	switch o {
	case UploadDelivered:
		return "delivered"
	case UploadRetry:
		return "retry"
	case UploadQuarantined:
		return "quarantined"
	default:
		return "idle"
	}
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	DeviceID     string       `json:"device_id"`
	State        buffer.State `json:"state"`
	Size         int          `json:"size"`
	Capacity     int          `json:"capacity"`
	Stats        buffer.Stats `json:"stats"`
	Backoff      string       `json:"backoff"`
	LastUploadAt *time.Time   `json:"last_upload_at,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithQuarantine parks permanently rejected batches in store.
func WithQuarantine(store quarantine.Store) Option {
	return func(s *Scheduler) { s.quarantine = store }
}

// WithMetrics reports to m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithReadingHook calls fn with every reading accepted into the buffer. fn must not block.
func WithReadingHook(fn func(models.Reading)) Option {
	return func(s *Scheduler) { s.onReading = fn }
}

// Scheduler drives the sampling loop and the upload loop.
type Scheduler struct {
	cfg        Config
	buf        *buffer.TelemetryBuffer
	source     sensor.Source
	uploader   uploader.Uploader
	clock      clock.Clock
	quarantine quarantine.Store
	metrics    *metrics.Metrics
	onReading  func(models.Reading)
	logger     *zap.Logger

	sampleMu   sync.Mutex
	lastEnergy map[int]float64
	lastStamp  map[int]time.Time

	backoff  *backoff.ExponentialBackOff
	inflight atomic.Bool

	statusMu     sync.Mutex
	delay        time.Duration
	lastUploadAt time.Time
	lastError    string
}

// New validates cfg and wires the collaborators.
func New(cfg Config, buf *buffer.TelemetryBuffer, src sensor.Source, up uploader.Uploader, clk clock.Clock, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if buf == nil || src == nil || up == nil {
		return nil, errors.New("scheduler: buffer, source and uploader are required")
	}
	if cfg.SamplingInterval <= 0 || cfg.UploadInterval <= 0 {
		return nil, fmt.Errorf("scheduler: intervals must be positive (sampling=%s upload=%s)", cfg.SamplingInterval, cfg.UploadInterval)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("scheduler: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxBackoff < cfg.UploadInterval {
		cfg.MaxBackoff = cfg.UploadInterval
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = []int{0}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:        cfg,
		buf:        buf,
		source:     src,
		uploader:   up,
		clock:      clk,
		logger:     logger,
		lastEnergy: make(map[int]float64),
		lastStamp:  make(map[int]time.Time),
		backoff:    newBackoff(cfg.UploadInterval, cfg.MaxBackoff),
		delay:      cfg.UploadInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s, nil
}

// newBackoff doubles from initial up to max, without jitter and without giving up.
func newBackoff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.String("device_id", s.cfg.DeviceID),
		zap.Ints("phases", s.cfg.Phases),
		zap.Duration("sampling_interval", s.cfg.SamplingInterval),
		zap.Duration("upload_interval", s.cfg.UploadInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("capacity", s.buf.Capacity()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sampleLoop(ctx) })
	g.Go(func() error { return s.uploadLoop(ctx) })
	err := g.Wait()

	s.logger.Info("scheduler stopped", zap.Int("unsent", s.buf.Size()))
	return err
}

func (s *Scheduler) sampleLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SamplingInterval)
	defer ticker.Stop()

	s.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce reads every configured phase once and returns how many readings were buffered.
func (s *Scheduler) SampleOnce(ctx context.Context) int {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	accepted := 0
	for _, phase := range s.cfg.Phases {
		if ctx.Err() != nil {
			return accepted
		}
		if s.samplePhase(ctx, phase) {
			accepted++
		}
	}
	return accepted
}

func (s *Scheduler) samplePhase(ctx context.Context, phase int) bool {
	label := metrics.Phase(phase)

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.SamplingInterval)
	m, err := s.source.Read(readCtx, phase)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		kind := metrics.KindSensorFault
		if errors.Is(err, sensor.ErrSensorFault) {
			s.logger.Warn("sensor fault, skipping phase", zap.Int("phase", phase), zap.Error(err))
		} else {
			kind = metrics.KindSourceError
			s.logger.Error("unexpected sensor error", zap.Int("phase", phase), zap.Error(err))
		}
		s.metrics.SampleErrors.WithLabelValues(label, kind).Inc()
		return false
	}

	r, err := models.NewReading(phase, m, s.clock.Now())
	if err != nil {
		s.logger.Warn("invalid reading discarded", zap.Int("phase", phase), zap.Error(err))
		s.metrics.SampleErrors.WithLabelValues(label, metrics.KindInvalidReading).Inc()
		return false
	}

	if prev, ok := s.lastEnergy[phase]; ok && r.Energy < prev {
		s.logger.Warn("energy counter reset detected",
			zap.Int("phase", phase),
			zap.Float64("previous_wh", prev),
			zap.Float64("current_wh", r.Energy),
		)
		s.metrics.EnergyResets.WithLabelValues(label).Inc()
	}
	s.lastEnergy[phase] = r.Energy

	if prev, ok := s.lastStamp[phase]; ok && !r.Timestamp.After(prev) {
		s.logger.Warn("clock moved backwards, store may drop reading as duplicate",
			zap.Int("phase", phase),
			zap.Time("previous", prev),
			zap.Stringer("reading", r),
		)
		s.metrics.ClockRegressions.WithLabelValues(label).Inc()
	}
	s.lastStamp[phase] = r.Timestamp

	if evicted := s.buf.Push(r); evicted {
		s.logger.Warn("buffer full, oldest reading evicted",
			zap.Uint64("evicted_total", s.buf.Stats().Evicted),
			zap.Int("capacity", s.buf.Capacity()),
		)
		s.metrics.BufferEvictions.Inc()
	}
	s.metrics.ReadingsSampled.WithLabelValues(label).Inc()
	s.metrics.BufferOccupancy.Set(float64(s.buf.Size()))

	if s.onReading != nil {
		s.onReading(r)
	}
	return true
}

func (s *Scheduler) uploadLoop(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.UploadInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		timer.Reset(s.uploadCycle(ctx))
	}
}

// uploadCycle keeps uploading while full batches are waiting and returns the delay until the next cycle.
func (s *Scheduler) uploadCycle(ctx context.Context) time.Duration {
	for {
		switch s.UploadOnce(ctx) {
		case UploadRetry:
			delay := s.backoff.NextBackOff()
			s.setDelay(delay)
			return delay
		case UploadDelivered, UploadQuarantined:
			s.backoff.Reset()
			s.setDelay(s.cfg.UploadInterval)
			if ctx.Err() == nil && s.buf.Size() >= s.cfg.BatchSize {
				continue
			}
			return s.cfg.UploadInterval
		default:
			return s.cfg.UploadInterval
		}
	}
}

// UploadOnce sends the oldest batch and commits it once the sink has accepted or rejected it.
func (s *Scheduler) UploadOnce(ctx context.Context) UploadOutcome {
	batch := s.buf.PeekBatch(s.cfg.BatchSize)
	if batch.Empty() {
		return UploadIdle
	}

	started := time.Now()
	err := s.send(ctx, batch.Readings)
	if err == nil {
		removed := s.buf.CommitBatch(batch)
		s.metrics.ObserveUpload(metrics.ResultSuccess, started)
		s.metrics.ReadingsUploaded.Add(float64(batch.Len()))
		s.metrics.BufferOccupancy.Set(float64(s.buf.Size()))
		s.recordUpload("")
		s.logger.Debug("batch uploaded",
			zap.Int("batch", batch.Len()),
			zap.Int("committed", removed),
			zap.Int("remaining", s.buf.Size()),
		)
		return UploadDelivered
	}

	if ctx.Err() != nil || uploader.IsRetryable(err) {
		s.metrics.ObserveUpload(metrics.ResultRetryable, started)
		s.recordUpload(err.Error())
		if ctx.Err() == nil {
			s.logger.Warn("upload failed, will retry", zap.Int("batch", batch.Len()), zap.Error(err))
		}
		return UploadRetry
	}

	s.metrics.ObserveUpload(metrics.ResultPermanent, started)
	s.recordUpload(err.Error())
	s.logger.Error("batch rejected by sink",
		zap.Int("batch", batch.Len()),
		zap.Time("first_timestamp", batch.Readings[0].Timestamp),
		zap.Time("last_timestamp", batch.Readings[batch.Len()-1].Timestamp),
		zap.Error(err),
	)
	s.park(ctx, batch, err)
	s.buf.CommitBatch(batch)
	s.metrics.ReadingsQuarantined.Add(float64(batch.Len()))
	s.metrics.BufferOccupancy.Set(float64(s.buf.Size()))
	return UploadQuarantined
}

// send bounds Send by UploadTimeout even when the uploader ignores its context.
func (s *Scheduler) send(ctx context.Context, readings []models.Reading) error {
	if !s.inflight.CompareAndSwap(false, true) {
		return uploader.Retryable(errUploadInFlight)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := s.uploader.Send(sendCtx, s.cfg.DeviceID, readings)
		s.inflight.Store(false)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return uploader.Retryable(fmt.Errorf("upload abandoned: %w", sendCtx.Err()))
	}
}

func (s *Scheduler) park(ctx context.Context, batch buffer.Batch, cause error) {
	if s.quarantine == nil {
		s.logger.Error("no quarantine store, rejected readings dropped", zap.Stringers("readings", batch.Readings))
		return
	}
	entry, err := s.quarantine.Put(ctx, quarantine.Entry{
		DeviceID: s.cfg.DeviceID,
		Reason:   cause.Error(),
		Readings: batch.Readings,
	})
	if err != nil {
		s.logger.Error("quarantine failed, rejected readings dropped",
			zap.Error(err),
			zap.Stringers("readings", batch.Readings),
		)
		return
	}
	s.logger.Warn("batch quarantined",
		zap.String("id", entry.ID),
		zap.Int("batch", batch.Len()),
		zap.Stringers("readings", batch.Readings),
	)
}

func (s *Scheduler) setDelay(d time.Duration) {
	s.metrics.UploadBackoff.Set(d.Seconds())
	s.statusMu.Lock()
	s.delay = d
	s.statusMu.Unlock()
}

func (s *Scheduler) recordUpload(errMsg string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lastError = errMsg
	if errMsg == "" {
		s.lastUploadAt = s.clock.Now()
	}
}

// Status reports buffer occupancy and upload health.
func (s *Scheduler) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	st := Status{
		DeviceID:  s.cfg.DeviceID,
		State:     s.buf.State(),
		Size:      s.buf.Size(),
		Capacity:  s.buf.Capacity(),
		Stats:     s.buf.Stats(),
		Backoff:   s.delay.String(),
		LastError: s.lastError,
	}
	if !s.lastUploadAt.IsZero() {
		at := s.lastUploadAt
		st.LastUploadAt = &at
	}
	return st
}
