package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"trailguard/internal/types"
)

// Source yields the most recent trade signal. The record is overwritten in
// place by an external publisher; this is a read-latest contract with no
// ordering guarantees.
type Source interface {
	// Fetch returns the current signal, or nil when none is present.
	Fetch(ctx context.Context) (*types.Signal, error)
}

// SideStore persists which side was most recently closed by the controller,
// so the same-side-after-close guard survives restarts.
type SideStore interface {
	LastClosedSide(ctx context.Context) (types.Side, error)
	SetLastClosedSide(ctx context.Context, side types.Side) error
	ClearLastClosedSide(ctx context.Context) error
}

// RedisSource reads the signal record from a Redis key.
type RedisSource struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisSource creates a signal source over an existing Redis client.
func NewRedisSource(client *redis.Client, key string, logger *slog.Logger) *RedisSource {
	return &RedisSource{client: client, key: key, logger: logger}
}

// Fetch returns the latest signal. An absent key or malformed JSON both mean
// "no signal"; only transport errors propagate.
func (s *RedisSource) Fetch(ctx context.Context) (*types.Signal, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sig types.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		s.logger.Warn("[SIGNAL] Malformed signal payload, ignoring", "error", err)
		return nil, nil
	}
	return &sig, nil
}

// RedisSideStore keeps the last-closed side in a Redis key.
type RedisSideStore struct {
	client *redis.Client
	key    string
}

// NewRedisSideStore creates a side store over an existing Redis client.
func NewRedisSideStore(client *redis.Client, key string) *RedisSideStore {
	return &RedisSideStore{client: client, key: key}
}

func (s *RedisSideStore) LastClosedSide(ctx context.Context) (types.Side, error) {
	value, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return types.Side(value), nil
}

func (s *RedisSideStore) SetLastClosedSide(ctx context.Context, side types.Side) error {
	return s.client.Set(ctx, s.key, string(side), 0).Err()
}

func (s *RedisSideStore) ClearLastClosedSide(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
