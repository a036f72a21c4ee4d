package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wolfgangB33r/otel-demo-service/internal/logger"
)

const redisKeyPrefix = "otel-demo:control:"

// RedisStore keeps each record as a JSON string under
// `otel-demo:control:<name>`, for control planes on another host.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, log logger.Logger) *RedisStore {
	return &RedisStore{client: client, log: log}
}

// NewRedisStoreFromURL parses a redis:// URL and connects lazily.
func NewRedisStoreFromURL(url string, log logger.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), log), nil
}

func (s *RedisStore) makeKey(scenario string) string {
	return redisKeyPrefix + scenario
}

func (s *RedisStore) Load(ctx context.Context, scenario string) State {
	key := s.makeKey(scenario)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("failed to GET key %s: %v", key, err)
		}
		return Default()
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn("control record under %s is corrupt, using defaults: %v", key, err)
		return Default()
	}
	return state
}

func (s *RedisStore) Save(ctx context.Context, scenario string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding control record: %w", err)
	}
	key := s.makeKey(scenario)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to SET key %s: %w", key, err)
	}
	return nil
}

// Close releases the client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
