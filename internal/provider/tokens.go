package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unicore-erp/unicore/internal/session"
)

// TokenStore persists the provider credential of each scope.
type TokenStore interface {
	Load(ctx context.Context, scope string) (*session.Credential, error)
	Save(ctx context.Context, scope string, cred *session.Credential) error
	Clear(ctx context.Context, scope string) error
}

// RedisTokenStore keeps credentials in Redis next to the cookie sessions.
type RedisTokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTokenStore builds a store whose entries live for ttl after each
// save, matching the browser session lifetime.
func NewRedisTokenStore(client *redis.Client, ttl time.Duration) *RedisTokenStore {
	return &RedisTokenStore{client: client, ttl: ttl}
}

// Load returns nil without error when the scope holds no credential.
func (s *RedisTokenStore) Load(ctx context.Context, scope string) (*session.Credential, error) {
	data, err := s.client.Get(ctx, s.key(scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("provider: load credential: %w", err)
	}
	var cred session.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("provider: decode credential: %w", err)
	}
	return &cred, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, scope string, cred *session.Credential) error {
	if cred == nil {
		return s.Clear(ctx, scope)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("provider: encode credential: %w", err)
	}
	if err := s.client.Set(ctx, s.key(scope), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("provider: save credential: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Clear(ctx context.Context, scope string) error {
	if err := s.client.Del(ctx, s.key(scope)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("provider: clear credential: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) key(scope string) string {
	return "auth:credential:" + scope
}
