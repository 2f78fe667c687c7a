package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps the latest snapshot per repository under
// "gitgov:index:<repoIdentifier>".
type RedisSink struct {
	client redis.UniversalClient
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

// NewRedisSinkFromURL connects using a redis:// URL.
func NewRedisSinkFromURL(url string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis sink: parse url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts)}, nil
}

func redisKey(sc SinkContext) string {
	return "gitgov:index:" + sc.RepoIdentifier
}

func (s *RedisSink) Persist(ctx context.Context, data *IndexData, sc SinkContext) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("redis sink: marshal index: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(sc), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis sink: persist: %w", err)
	}
	return nil
}

func (s *RedisSink) Read(ctx context.Context, sc SinkContext) (*IndexData, error) {
	raw, err := s.client.Get(ctx, redisKey(sc)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis sink: read: %w", err)
	}
	var data IndexData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("redis sink: parse index: %w", err)
	}
	return &data, nil
}

func (s *RedisSink) Exists(ctx context.Context, sc SinkContext) (bool, error) {
	n, err := s.client.Exists(ctx, redisKey(sc)).Result()
	if err != nil {
		return false, fmt.Errorf("redis sink: exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisSink) Clear(ctx context.Context, sc SinkContext) error {
	if err := s.client.Del(ctx, redisKey(sc)).Err(); err != nil {
		return fmt.Errorf("redis sink: clear: %w", err)
	}
	return nil
}
