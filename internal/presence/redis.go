package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence records in Redis with a TTL safety net
// against missed disconnects.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig configures the presence Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisStore connects to Redis and verifies it with a ping.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func (s *RedisStore) SetOnline(ctx context.Context, userID, connID string) error {
	rec := Record{ConnID: connID, Timestamp: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(userID), data, s.ttl).Err()
}

func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	return s.client.Del(ctx, Key(userID)).Err()
}

func (s *RedisStore) Get(ctx context.Context, userID string) (Record, bool, error) {
	val, err := s.client.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode presence record: %w", err)
	}
	return rec, true, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
