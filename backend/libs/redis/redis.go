package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// KeyNamespace prefixes every key written by the metering services.
const KeyNamespace = "meter"

// Config selects the server and logical database.
type Config struct {
	Addr       string
	Password   string
	DB         int
	ClientName string
}

// Key joins parts under KeyNamespace, e.g. Key("quarantine", "meter-01") is "meter:quarantine:meter-01".
func Key(parts ...string) string {
	return strings.Join(append([]string{KeyNamespace}, parts...), ":")
}

// NewRedisClient returns a configured go-redis client and validates the connection with PING.
func NewRedisClient(cfg Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	if cfg.DB < 0 {
		return nil, errors.New("redis: db index must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   cfg.ClientName,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
