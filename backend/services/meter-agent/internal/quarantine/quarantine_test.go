package quarantine

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"energymeter/backend/services/meter-agent/internal/models"
)

func testReadings(energies ...float64) []models.Reading {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	out := make([]models.Reading, len(energies))
	for i, e := range energies {
		out[i] = models.Reading{
			Measurement: models.Measurement{Voltage: 230, Current: 1, Power: 230, Energy: e, Frequency: 50, PowerFactor: 1},
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, zap.NewNop())

	first, err := store.Put(ctx, Entry{DeviceID: "meter-01", Reason: "rejected"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned, got %+v", first)
	}
	second, _ := store.Put(ctx, Entry{DeviceID: "meter-01", Reason: "rejected", CreatedAt: first.CreatedAt.Add(time.Second)})
	if _, err := store.Put(ctx, Entry{DeviceID: "meter-02"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	list, err := store.List(ctx, "meter-01")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := store.Delete(ctx, "meter-01", first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "meter-01", first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, _ = store.List(ctx, "meter-01")
	if len(list) != 1 || list[0].ID != second.ID {
		t.Fatalf("unexpected list after delete %+v", list)
	}
}

func TestMemoryStoreLimitDropsOldest(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	store := NewMemoryStore(2, zap.New(core))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		entry := Entry{
			ID:        string(rune('a' + i)),
			DeviceID:  "d",
			Reason:    "schema mismatch",
			Readings:  testReadings(float64(10 * (i + 1))),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := store.Put(ctx, entry); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	list, _ := store.List(ctx, "d")
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("expected oldest entry dropped, got %+v", list)
	}

	dropped := logs.FilterMessage("quarantine full, oldest entry dropped").All()
	if len(dropped) != 1 {
		t.Fatalf("expected one drop log, got %d", len(dropped))
	}
	entry := dropped[0]
	if entry.Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["id"] != "a" {
		t.Fatalf("expected dropped id a, got %v", fields["id"])
	}
	readings, ok := fields["readings"].([]interface{})
	if !ok || len(readings) != 1 || !strings.Contains(readings[0].(string), "Wh=10 ") {
		t.Fatalf("expected dropped readings in log, got %#v", fields["readings"])
	}
}

func TestRedisStoreKeyAndUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	store := NewRedisStore(client, time.Hour)

	if got := store.key("meter-01"); got != "meter:quarantine:meter-01" {
		t.Fatalf("unexpected key %q", got)
	}
	if _, err := store.Put(context.Background(), Entry{DeviceID: "meter-01"}); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}
}

// Runs against a disposable server named by METER_TEST_REDIS_ADDR.
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("METER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("METER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	deviceID := "test-" + uuid.NewString()
	store := NewRedisStore(client, time.Hour)
	t.Cleanup(func() { client.Del(context.Background(), store.key(deviceID)) })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer, err := store.Put(ctx, Entry{DeviceID: deviceID, Reason: "late", Readings: testReadings(2), CreatedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	older, err := store.Put(ctx, Entry{DeviceID: deviceID, Reason: "early", Readings: testReadings(1, 1.5), CreatedAt: base})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	list, err := store.List(ctx, deviceID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Fatalf("expected oldest first, got %+v", list)
	}
	if list[0].Reason != "early" || len(list[0].Readings) != 2 || list[0].Readings[1].Energy != 1.5 {
		t.Fatalf("entry not decoded intact: %+v", list[0])
	}
	if !list[0].Readings[0].Timestamp.Equal(base) {
		t.Fatalf("timestamp not decoded intact: %v", list[0].Readings[0].Timestamp)
	}

	ttl, err := client.TTL(ctx, store.key(deviceID)).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected ttl within an hour, got %s", ttl)
	}

	if err := store.Delete(ctx, deviceID, older.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, deviceID, older.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	list, _ = store.List(ctx, deviceID)
	if len(list) != 1 || list[0].ID != newer.ID {
		t.Fatalf("unexpected list after delete %+v", list)
	}
}
