package quarantine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"energymeter/backend/services/meter-agent/internal/models"
)

// ErrNotFound is returned when deleting an unknown entry.
var ErrNotFound = errors.New("quarantine entry not found")

// Entry is a batch the sink rejected permanently, parked for inspection.
type Entry struct {
	ID        string           `json:"id"`
	DeviceID  string           `json:"device_id"`
	Reason    string           `json:"reason"`
	Readings  []models.Reading `json:"readings"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store keeps rejected batches.
type Store interface {
	Put(ctx context.Context, entry Entry) (Entry, error)
	List(ctx context.Context, deviceID string) ([]Entry, error)
	Delete(ctx context.Context, deviceID, id string) error
}

func prepare(entry Entry, now time.Time) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC()
	}
	return entry
}

func sortByCreated(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// MemoryStore is the in-process fallback used when redis is not configured.
// It keeps at most limit entries per device; the oldest is dropped and its readings logged.
type MemoryStore struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]Entry
	logger  *zap.Logger
}

// NewMemoryStore returns an empty store. limit <= 0 means unbounded.
func NewMemoryStore(limit int, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{limit: limit, entries: make(map[string][]Entry), logger: logger}
}

// Put stores the entry, assigning an id when missing.
func (s *MemoryStore) Put(_ context.Context, entry Entry) (Entry, error) {
	entry = prepare(entry, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.entries[entry.DeviceID], entry)
	if s.limit > 0 && len(list) > s.limit {
		dropped := list[:len(list)-s.limit]
		for _, old := range dropped {
			s.logger.Error("quarantine full, oldest entry dropped",
				zap.String("device_id", old.DeviceID),
				zap.String("id", old.ID),
				zap.String("reason", old.Reason),
				zap.Time("quarantined_at", old.CreatedAt),
				zap.Stringers("readings", old.Readings),
			)
		}
		list = append([]Entry(nil), list[len(list)-s.limit:]...)
	}
	s.entries[entry.DeviceID] = list
	return entry, nil
}

// List returns the device's entries, oldest first.
func (s *MemoryStore) List(_ context.Context, deviceID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries[deviceID]))
	copy(out, s.entries[deviceID])
	sortByCreated(out)
	return out, nil
}

// Delete removes one entry.
func (s *MemoryStore) Delete(_ context.Context, deviceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[deviceID]
	for i := range list {
		if list[i].ID == id {
			s.entries[deviceID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
