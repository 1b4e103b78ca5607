package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookworm/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// sessionData is the value stored for each token hash
type sessionData struct {
	UserID        string    `json:"user_id"`
	OwnerElevated bool      `json:"owner_elevated"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// RedisStore implements Backend on Redis; session expiry rides on key TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "sess:"}, nil
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) SaveSession(ctx context.Context, tokenHash, userID string, ownerElevated bool, expiresAt time.Time) error {
	data := sessionData{
		UserID:        userID,
		OwnerElevated: ownerElevated,
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired at %s", expiresAt)
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string) (store.Session, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.Session{}, ErrNoSession
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.Session{}, fmt.Errorf("unmarshal session data: %w", err)
	}

	return store.Session{
		TokenHash:     tokenHash,
		UserID:        data.UserID,
		OwnerElevated: data.OwnerElevated,
		CreatedAt:     data.CreatedAt,
		ExpiresAt:     data.ExpiresAt,
	}, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) SetSessionOwnerElevated(ctx context.Context, tokenHash string, elevated bool) error {
	session, err := s.LookupSession(ctx, tokenHash)
	if err != nil {
		return err
	}

	data := sessionData{
		UserID:        session.UserID,
		OwnerElevated: elevated,
		CreatedAt:     session.CreatedAt,
		ExpiresAt:     session.ExpiresAt,
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update session elevation: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
