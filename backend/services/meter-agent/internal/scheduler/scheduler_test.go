package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"energymeter/backend/services/meter-agent/internal/buffer"
	"energymeter/backend/services/meter-agent/internal/clock"
	"energymeter/backend/services/meter-agent/internal/metrics"
	"energymeter/backend/services/meter-agent/internal/models"
	"energymeter/backend/services/meter-agent/internal/quarantine"
	"energymeter/backend/services/meter-agent/internal/sensor"
	"energymeter/backend/services/meter-agent/internal/uploader"
)

// scriptedSource returns the queued energies in order for every phase, then repeats the last one.
type scriptedSource struct {
	mu       sync.Mutex
	energies []float64
	faulty   map[int]bool
	reads    int
}

func (s *scriptedSource) Read(_ context.Context, phase int) (models.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faulty[phase] {
		return models.Measurement{}, sensor.Fault(phase, errors.New("crc mismatch"))
	}
	e := 0.0
	if len(s.energies) > 0 {
		idx := s.reads
		if idx >= len(s.energies) {
			idx = len(s.energies) - 1
		}
		e = s.energies[idx]
	}
	s.reads++
	return models.Measurement{Voltage: 230, Current: 1, Power: 230, Energy: e, Frequency: 50, PowerFactor: 1}, nil
}

type recordingUploader struct {
	mu      sync.Mutex
	results []error
	calls   [][]models.Reading
}

func (u *recordingUploader) Send(_ context.Context, _ string, batch []models.Reading) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := append([]models.Reading(nil), batch...)
	u.calls = append(u.calls, cp)
	if len(u.results) == 0 {
		return nil
	}
	err := u.results[0]
	u.results = u.results[1:]
	return err
}

func (u *recordingUploader) Calls() [][]models.Reading {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]models.Reading(nil), u.calls...)
}

// stepClock advances one second per call so timestamps are distinct.
func stepClock() clock.Clock {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return clock.Func(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	})
}

func newTestScheduler(t *testing.T, capacity int, cfg Config, src sensor.Source, up uploader.Uploader, opts ...Option) (*Scheduler, *buffer.TelemetryBuffer) {
	t.Helper()
	buf, err := buffer.New(capacity)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	if cfg.SamplingInterval == 0 {
		cfg.SamplingInterval = 10 * time.Millisecond
	}
	if cfg.UploadInterval == 0 {
		cfg.UploadInterval = 10 * time.Millisecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "meter-test"
	}
	s, err := New(cfg, buf, src, up, stepClock(), zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, buf
}

func energiesOf(readings []models.Reading) []float64 {
	out := make([]float64, len(readings))
	for i, r := range readings {
		out[i] = r.Energy
	}
	return out
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func labeledCounterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func loggedReadings(t *testing.T, entry observer.LoggedEntry, key string) []string {
	t.Helper()
	raw, ok := entry.ContextMap()[key].([]interface{})
	if !ok {
		t.Fatalf("log %q has no %s array: %+v", entry.Message, key, entry.ContextMap())
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i], _ = v.(string)
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	buf, _ := buffer.New(4)
	src := &scriptedSource{}
	up := &recordingUploader{}

	if _, err := New(Config{UploadInterval: time.Second, BatchSize: 1}, buf, src, up, nil, nil); err == nil {
		t.Fatalf("expected error for zero sampling interval")
	}
	if _, err := New(Config{SamplingInterval: time.Second, UploadInterval: time.Second}, buf, src, up, nil, nil); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
	if _, err := New(Config{SamplingInterval: time.Second, UploadInterval: time.Second, BatchSize: 1}, nil, src, up, nil, nil); err == nil {
		t.Fatalf("expected error for missing buffer")
	}
}

func TestEndToEndOverflowThenRetry(t *testing.T) {
	src := &scriptedSource{energies: []float64{10, 11, 12, 13, 14, 15}}
	up := &recordingUploader{results: []error{uploader.Retryable(errors.New("store offline"))}}
	s, buf := newTestScheduler(t, 5, Config{BatchSize: 5}, src, up)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if n := s.SampleOnce(ctx); n != 1 {
			t.Fatalf("sample %d: accepted %d", i, n)
		}
	}
	if buf.Size() != 5 || buf.State() != buffer.StateFull || buf.Stats().Evicted != 1 {
		t.Fatalf("unexpected buffer after overflow: size=%d state=%s stats=%+v", buf.Size(), buf.State(), buf.Stats())
	}

	if got := s.UploadOnce(ctx); got != UploadRetry {
		t.Fatalf("first upload: expected retry, got %s", got)
	}
	if buf.Size() != 5 {
		t.Fatalf("failed upload must not remove readings, size=%d", buf.Size())
	}

	if got := s.UploadOnce(ctx); got != UploadDelivered {
		t.Fatalf("second upload: expected delivered, got %s", got)
	}
	if buf.State() != buffer.StateEmpty {
		t.Fatalf("expected empty buffer after commit, got %s", buf.State())
	}

	calls := up.Calls()
	want := []float64{11, 12, 13, 14, 15}
	if len(calls) != 2 || !equalFloats(energiesOf(calls[0]), want) || !equalFloats(energiesOf(calls[1]), want) {
		t.Fatalf("unexpected upload calls %v", calls)
	}
}

func TestRetriesResendSameBatchAndCommitOnce(t *testing.T) {
	const failures = 3
	results := make([]error, failures)
	for i := range results {
		results[i] = errors.New("timeout")
	}
	src := &scriptedSource{energies: []float64{1, 2, 3, 4}}
	up := &recordingUploader{results: results}
	s, buf := newTestScheduler(t, 10, Config{BatchSize: 3}, src, up)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		s.SampleOnce(ctx)
	}
	for i := 0; i < failures; i++ {
		if got := s.UploadOnce(ctx); got != UploadRetry {
			t.Fatalf("attempt %d: expected retry, got %s", i, got)
		}
	}
	if got := s.UploadOnce(ctx); got != UploadDelivered {
		t.Fatalf("expected delivery after retries, got %s", got)
	}

	calls := up.Calls()
	if len(calls) != failures+1 {
		t.Fatalf("expected %d sends, got %d", failures+1, len(calls))
	}
	for i, call := range calls {
		if !equalFloats(energiesOf(call), []float64{1, 2, 3}) {
			t.Fatalf("send %d carried %v", i, energiesOf(call))
		}
	}
	if buf.Size() != 1 || buf.Stats().Committed != 3 {
		t.Fatalf("expected exactly one commit of 3, size=%d stats=%+v", buf.Size(), buf.Stats())
	}
}

func TestReadingsPushedDuringUploadSurviveCommit(t *testing.T) {
	src := &scriptedSource{energies: []float64{1, 2, 3}}
	var s *Scheduler
	up := uploader.Func(func(ctx context.Context, _ string, _ []models.Reading) error {
		s.SampleOnce(ctx)
		return nil
	})
	s, buf := newTestScheduler(t, 10, Config{BatchSize: 10}, src, up)
	ctx := context.Background()

	s.SampleOnce(ctx)
	s.SampleOnce(ctx)
	if got := s.UploadOnce(ctx); got != UploadDelivered {
		t.Fatalf("expected delivery, got %s", got)
	}
	batch := buf.PeekBatch(10)
	if !equalFloats(energiesOf(batch.Readings), []float64{3}) {
		t.Fatalf("expected reading sampled during upload to remain, got %v", energiesOf(batch.Readings))
	}
}

func TestPermanentFailureIsQuarantinedAndCommitted(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := quarantine.NewMemoryStore(0, zap.NewNop())
	src := &scriptedSource{energies: []float64{5, 6}}
	up := &recordingUploader{results: []error{uploader.Permanent(errors.New("schema mismatch"))}}
	s, buf := newTestScheduler(t, 10, Config{BatchSize: 10}, src, up,
		WithQuarantine(store), WithMetrics(metrics.New(reg)))
	ctx := context.Background()

	s.SampleOnce(ctx)
	s.SampleOnce(ctx)
	if got := s.UploadOnce(ctx); got != UploadQuarantined {
		t.Fatalf("expected quarantine, got %s", got)
	}
	if buf.Size() != 0 {
		t.Fatalf("rejected batch must leave the buffer, size=%d", buf.Size())
	}

	entries, err := store.List(ctx, "meter-test")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || !equalFloats(energiesOf(entries[0].Readings), []float64{5, 6}) {
		t.Fatalf("unexpected quarantine entries %+v", entries)
	}
	if got := counterValue(t, reg, "meter_readings_quarantined_total"); got != 2 {
		t.Fatalf("expected 2 quarantined readings, got %v", got)
	}
}

func TestCancelledUploadNeverCommits(t *testing.T) {
	src := &scriptedSource{energies: []float64{1}}
	up := uploader.Func(func(ctx context.Context, _ string, _ []models.Reading) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s, buf := newTestScheduler(t, 10, Config{UploadTimeout: time.Second}, src, up)

	s.SampleOnce(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if got := s.UploadOnce(ctx); got != UploadRetry {
		t.Fatalf("expected retry on cancellation, got %s", got)
	}
	if buf.Size() != 1 {
		t.Fatalf("cancelled upload must keep the batch, size=%d", buf.Size())
	}
}

func TestHungUploaderDoesNotBlockSampling(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var mu sync.Mutex
	sends := 0
	up := uploader.Func(func(context.Context, string, []models.Reading) error {
		mu.Lock()
		sends++
		mu.Unlock()
		<-release
		return nil
	})
	src := &scriptedSource{energies: []float64{1}}
	s, buf := newTestScheduler(t, 100, Config{
		SamplingInterval: 5 * time.Millisecond,
		UploadInterval:   5 * time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		UploadTimeout:    15 * time.Millisecond,
		BatchSize:        5,
	}, src, up)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return buf.Size() >= 20 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop with a hung uploader")
	}

	mu.Lock()
	defer mu.Unlock()
	if sends != 1 {
		t.Fatalf("expected a single in-flight send while the uploader hangs, got %d", sends)
	}
}

func TestUploadCycleBackoffGrowsAndCaps(t *testing.T) {
	src := &scriptedSource{energies: []float64{1}}
	up := uploader.Func(func(context.Context, string, []models.Reading) error {
		return errors.New("unreachable")
	})
	s, _ := newTestScheduler(t, 10, Config{
		UploadInterval: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}, src, up)
	ctx := context.Background()
	s.SampleOnce(ctx)

	want := []time.Duration{10, 20, 40, 40}
	for i, w := range want {
		if got := s.uploadCycle(ctx); got != w*time.Millisecond {
			t.Fatalf("attempt %d: expected delay %s, got %s", i, w*time.Millisecond, got)
		}
	}
	if st := s.Status(); st.Backoff != (40 * time.Millisecond).String() || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestUploadCycleDrainsBacklogAndResetsBackoff(t *testing.T) {
	src := &scriptedSource{energies: []float64{1, 2, 3, 4, 5, 6, 7}}
	up := &recordingUploader{results: []error{errors.New("blip")}}
	s, buf := newTestScheduler(t, 10, Config{
		UploadInterval: 10 * time.Millisecond,
		MaxBackoff:     80 * time.Millisecond,
		BatchSize:      3,
	}, src, up)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		s.SampleOnce(ctx)
	}

	if got := s.uploadCycle(ctx); got != 10*time.Millisecond {
		t.Fatalf("expected initial backoff, got %s", got)
	}
	if got := s.uploadCycle(ctx); got != 10*time.Millisecond {
		t.Fatalf("expected upload interval after drain, got %s", got)
	}
	if buf.Size() != 1 {
		t.Fatalf("expected full batches drained leaving 1, got %d", buf.Size())
	}
	if calls := up.Calls(); len(calls) != 3 {
		t.Fatalf("expected 1 failed and 2 successful sends, got %d", len(calls))
	}
	if st := s.Status(); st.LastUploadAt == nil || st.LastError != "" {
		t.Fatalf("expected successful upload in status, got %+v", st)
	}
}

func TestSensorFaultSkipsOnlyThatPhase(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := &scriptedSource{energies: []float64{1}, faulty: map[int]bool{1: true}}
	var hooked []models.Reading
	s, buf := newTestScheduler(t, 10, Config{Phases: []int{0, 1, 2}}, src, &recordingUploader{},
		WithMetrics(metrics.New(reg)),
		WithReadingHook(func(r models.Reading) { hooked = append(hooked, r) }))

	if n := s.SampleOnce(context.Background()); n != 2 {
		t.Fatalf("expected 2 accepted readings, got %d", n)
	}
	batch := buf.PeekBatch(10)
	if batch.Len() != 2 || batch.Readings[0].Phase != 0 || batch.Readings[1].Phase != 2 {
		t.Fatalf("unexpected buffered readings %+v", batch.Readings)
	}
	if len(hooked) != 2 {
		t.Fatalf("expected hook for every accepted reading, got %d", len(hooked))
	}
	if got := counterValue(t, reg, "meter_sample_errors_total"); got != 1 {
		t.Fatalf("expected one sample error, got %v", got)
	}
}

func TestInvalidReadingIsSkipped(t *testing.T) {
	src := sourceFunc(func(context.Context, int) (models.Measurement, error) {
		return models.Measurement{Voltage: 230, Current: 1, Power: 230, Energy: 1, Frequency: 50, PowerFactor: 1.7}, nil
	})
	s, buf := newTestScheduler(t, 10, Config{}, src, &recordingUploader{})

	if n := s.SampleOnce(context.Background()); n != 0 {
		t.Fatalf("expected invalid reading to be rejected, accepted %d", n)
	}
	if buf.Size() != 0 {
		t.Fatalf("expected empty buffer, got %d", buf.Size())
	}
}

func TestEnergyResetIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := &scriptedSource{energies: []float64{100, 120, 5}}
	s, buf := newTestScheduler(t, 10, Config{}, src, &recordingUploader{}, WithMetrics(metrics.New(reg)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.SampleOnce(ctx)
	}
	if buf.Size() != 3 {
		t.Fatalf("reset readings must still be buffered, size=%d", buf.Size())
	}
	if got := counterValue(t, reg, "meter_energy_counter_resets_total"); got != 1 {
		t.Fatalf("expected one energy reset, got %v", got)
	}
}

type sourceFunc func(ctx context.Context, phase int) (models.Measurement, error)

func (f sourceFunc) Read(ctx context.Context, phase int) (models.Measurement, error) {
	return f(ctx, phase)
}

func TestQuarantinedReadingsAreLoggedEvenWhenStoreDropsThem(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	store := quarantine.NewMemoryStore(1, logger)
	buf, _ := buffer.New(10)
	src := &scriptedSource{energies: []float64{7, 8}}
	up := &recordingUploader{results: []error{
		uploader.Permanent(errors.New("schema mismatch")),
		uploader.Permanent(errors.New("schema mismatch")),
	}}
	s, err := New(Config{
		DeviceID:         "meter-test",
		SamplingInterval: 10 * time.Millisecond,
		UploadInterval:   10 * time.Millisecond,
		BatchSize:        1,
	}, buf, src, up, stepClock(), logger, WithQuarantine(store))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	s.SampleOnce(ctx)
	s.SampleOnce(ctx)
	for i := 0; i < 2; i++ {
		if got := s.UploadOnce(ctx); got != UploadQuarantined {
			t.Fatalf("upload %d: expected quarantine, got %s", i, got)
		}
	}

	entries, _ := store.List(ctx, "meter-test")
	if len(entries) != 1 || buf.Size() != 0 {
		t.Fatalf("expected one kept entry and empty buffer, got entries=%d size=%d", len(entries), buf.Size())
	}

	parked := logs.FilterMessage("batch quarantined").All()
	if len(parked) != 2 {
		t.Fatalf("expected two quarantine logs, got %d", len(parked))
	}
	first := loggedReadings(t, parked[0], "readings")
	if len(first) != 1 || !strings.Contains(first[0], "Wh=7 ") {
		t.Fatalf("first quarantined batch not logged with its readings: %v", first)
	}

	dropped := logs.FilterMessage("quarantine full, oldest entry dropped").All()
	if len(dropped) != 1 {
		t.Fatalf("expected the evicted entry to be logged, got %d", len(dropped))
	}
	if got := loggedReadings(t, dropped[0], "readings"); len(got) != 1 || !strings.Contains(got[0], "Wh=7 ") {
		t.Fatalf("evicted entry logged without its readings: %v", got)
	}
}

func TestUnexpectedSourceErrorHasOwnKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := sourceFunc(func(context.Context, int) (models.Measurement, error) {
		return models.Measurement{}, errors.New("serial port closed")
	})
	s, _ := newTestScheduler(t, 10, Config{}, src, &recordingUploader{}, WithMetrics(metrics.New(reg)))

	if n := s.SampleOnce(context.Background()); n != 0 {
		t.Fatalf("expected no readings, got %d", n)
	}
	if got := labeledCounterValue(t, reg, "meter_sample_errors_total", "kind", metrics.KindSourceError); got != 1 {
		t.Fatalf("expected one source error, got %v", got)
	}
	if got := labeledCounterValue(t, reg, "meter_sample_errors_total", "kind", metrics.KindSensorFault); got != 0 {
		t.Fatalf("source error must not count as sensor fault, got %v", got)
	}
}

func TestClockRegressionIsWarned(t *testing.T) {
	reg := prometheus.NewRegistry()
	core, logs := observer.New(zapcore.WarnLevel)
	stamps := []time.Time{
		time.Date(2024, 5, 1, 8, 0, 2, 0, time.UTC),
		time.Date(2024, 5, 1, 8, 0, 1, 0, time.UTC),
		time.Date(2024, 5, 1, 8, 0, 3, 0, time.UTC),
	}
	var mu sync.Mutex
	clk := clock.Func(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := stamps[0]
		if len(stamps) > 1 {
			stamps = stamps[1:]
		}
		return ts
	})
	buf, _ := buffer.New(10)
	s, err := New(Config{SamplingInterval: time.Second, UploadInterval: time.Second, BatchSize: 10},
		buf, &scriptedSource{energies: []float64{1, 2, 3}}, &recordingUploader{}, clk, zap.New(core),
		WithMetrics(metrics.New(reg)))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.SampleOnce(context.Background())
	}
	if buf.Size() != 3 {
		t.Fatalf("regressed readings must still be buffered, size=%d", buf.Size())
	}
	if n := logs.FilterMessage("clock moved backwards, store may drop reading as duplicate").Len(); n != 1 {
		t.Fatalf("expected one clock regression warning, got %d", n)
	}
	if got := counterValue(t, reg, "meter_clock_regressions_total"); got != 1 {
		t.Fatalf("expected one clock regression, got %v", got)
	}
}
