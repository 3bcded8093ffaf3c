package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoToken indicates the store holds no usable token. Absence and
// corruption are both reported this way: a broken cache record is treated
// as a cold start, never as a fatal error.
var ErrNoToken = errors.New("no cached token")

// TokenStore persists the current access token across process restarts.
type TokenStore interface {
	Load(ctx context.Context) (*Token, error)
	Save(ctx context.Context, token *Token) error
}

// FileStore persists the token as a JSON record on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed token store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the token record. Missing or corrupt files yield ErrNoToken.
func (s *FileStore) Load(_ context.Context) (*Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, ErrNoToken
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, ErrNoToken
	}
	if tok.AccessToken == "" || tok.ExpiresAt.IsZero() {
		return nil, ErrNoToken
	}
	return &tok, nil
}

// Save overwrites the token record. The write goes through a temp file and
// rename so a crash mid-write leaves the previous record intact.
func (s *FileStore) Save(_ context.Context, token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token record: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token record: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace token record: %w", err)
	}
	return nil
}

// RedisStore persists the token in Redis with a TTL matching its expiry,
// letting multiple workers on the same credentials share one token.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// DefaultRedisKey is the Redis key used when none is configured.
const DefaultRedisKey = "fhir:auth:token"

// NewRedisStore creates a Redis-backed token store. An empty key selects
// DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{redis: client, key: key}
}

// Load reads the token record from Redis. Missing keys and undecodable
// records yield ErrNoToken; transport errors are surfaced as-is.
func (s *RedisStore) Load(ctx context.Context) (*Token, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, ErrNoToken
	}
	if tok.AccessToken == "" || tok.ExpiresAt.IsZero() {
		return nil, ErrNoToken
	}
	return &tok, nil
}

// Save stores the token with a TTL that expires alongside the token itself.
// Already-expired tokens are not written.
func (s *RedisStore) Save(ctx context.Context, token *Token) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
