package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	libredis "energymeter/backend/libs/redis"
)

// RedisStore keeps entries in one hash per device. The hash expires ttl after the last Put.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(deviceID string) string {
	return libredis.Key("quarantine", deviceID)
}

// Put stores the entry, assigning an id when missing.
func (s *RedisStore) Put(ctx context.Context, entry Entry) (Entry, error) {
	entry = prepare(entry, time.Now())
	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}

	key := s.key(entry.DeviceID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, entry.ID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// List returns the device's entries, oldest first.
func (s *RedisStore) List(ctx context.Context, deviceID string) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key(deviceID)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(raw))
	for id, data := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("decode quarantine entry %s: %w", id, err)
		}
		out = append(out, entry)
	}
	sortByCreated(out)
	return out, nil
}

// Delete removes one entry.
func (s *RedisStore) Delete(ctx context.Context, deviceID, id string) error {
	n, err := s.client.HDel(ctx, s.key(deviceID), id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
