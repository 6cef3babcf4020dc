// Package buffer holds readings between sampling and upload.
//
// TelemetryBuffer is a bounded FIFO ring. When full, Push evicts the oldest entry so that
// sampling never blocks on a slow or offline store. Removal only happens through Commit
// after the uploader has acknowledged a batch.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"energymeter/backend/services/meter-agent/internal/models"
)

// ErrCommitOutOfRange signals a commit of more entries than are buffered.
var ErrCommitOutOfRange = errors.New("buffer: commit out of range")

// State is the occupancy state of the buffer.
type State string

const (
	StateEmpty    State = "empty"
	StateHasItems State = "has_items"
	StateFull     State = "full"
)

// Stats are cumulative counters since construction.
type Stats struct {
	Pushed    uint64 `json:"pushed"`
	Evicted   uint64 `json:"evicted"`
	Committed uint64 `json:"committed"`
}

// Batch is a snapshot of the oldest buffered readings. FirstSeq..LastSeq identify the entries
// so CommitBatch removes exactly what was uploaded.
type Batch struct {
	Readings []models.Reading
	FirstSeq uint64
	LastSeq  uint64
}

// Len returns the number of readings in the batch.
func (b Batch) Len() int {
	return len(b.Readings)
}

// Empty reports whether the batch carries no readings.
func (b Batch) Empty() bool {
	return len(b.Readings) == 0
}

type entry struct {
	seq     uint64
	reading models.Reading
}

// TelemetryBuffer is safe for one sampler and one uploader running concurrently.
type TelemetryBuffer struct {
	mu      sync.Mutex
	entries []entry
	head    int
	count   int
	nextSeq uint64
	stats   Stats
}

// New returns a buffer holding at most capacity readings.
func New(capacity int) (*TelemetryBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer: capacity must be positive, got %d", capacity)
	}
	return &TelemetryBuffer{
		entries: make([]entry, capacity),
		nextSeq: 1,
	}, nil
}

// Push appends r at the tail. When the buffer is full the head entry is dropped first and
// evicted is true. Push never blocks on I/O and never fails.
func (b *TelemetryBuffer) Push(r models.Reading) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.entries)
	if b.count == capacity {
		b.entries[b.head] = entry{}
		b.head = (b.head + 1) % capacity
		b.count--
		b.stats.Evicted++
		evicted = true
	}

	tail := (b.head + b.count) % capacity
	b.entries[tail] = entry{seq: b.nextSeq, reading: r}
	b.nextSeq++
	b.count++
	b.stats.Pushed++
	return evicted
}

// PeekBatch copies up to n of the oldest readings without removing them.
func (b *TelemetryBuffer) PeekBatch(n int) Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return Batch{}
	}

	capacity := len(b.entries)
	readings := make([]models.Reading, n)
	for i := 0; i < n; i++ {
		readings[i] = b.entries[(b.head+i)%capacity].reading
	}
	return Batch{
		Readings: readings,
		FirstSeq: b.entries[b.head].seq,
		LastSeq:  b.entries[(b.head+n-1)%capacity].seq,
	}
}

// Commit removes the n oldest readings. It must only follow an acknowledged upload.
// n outside [0, Size()] is a contract violation and leaves the buffer untouched.
func (b *TelemetryBuffer) Commit(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 || n > b.count {
		return fmt.Errorf("%w: n=%d size=%d", ErrCommitOutOfRange, n, b.count)
	}
	b.dropHead(n)
	return nil
}

// CommitBatch removes the entries of batch that are still buffered and returns how many were
// removed. Entries evicted since the peek are skipped and entries pushed after it are kept.
func (b *TelemetryBuffer) CommitBatch(batch Batch) int {
	if batch.Empty() {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.entries)
	n := 0
	for n < b.count {
		seq := b.entries[(b.head+n)%capacity].seq
		if seq > batch.LastSeq {
			break
		}
		n++
	}
	b.dropHead(n)
	return n
}

func (b *TelemetryBuffer) dropHead(n int) {
	capacity := len(b.entries)
	for i := 0; i < n; i++ {
		b.entries[b.head] = entry{}
		b.head = (b.head + 1) % capacity
	}
	b.count -= n
	b.stats.Committed += uint64(n)
	if b.count == 0 {
		b.head = 0
	}
}

// Size returns the current occupancy.
func (b *TelemetryBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the maximum occupancy.
func (b *TelemetryBuffer) Capacity() int {
	return len(b.entries)
}

// State returns the occupancy state.
func (b *TelemetryBuffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.count {
	case 0:
		return StateEmpty
	case len(b.entries):
		return StateFull
	default:
		return StateHasItems
	}
}

// Stats returns a copy of the cumulative counters.
func (b *TelemetryBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
