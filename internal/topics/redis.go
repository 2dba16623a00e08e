package topics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "relay"
	defaultRedisTTL    = 24 * time.Hour
)

// RedisStore keeps topic snapshots as JSON values in Redis, scoped by session.
// Keys: <prefix>:<session>:topic:<id> and the index list <prefix>:<session>:topics.
type RedisStore struct {
	client  *redis.Client
	session string
	prefix  string
	ttl     time.Duration

	// Serializes read-modify-write in Append; a session has a single writer.
	mu sync.Mutex
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithTTL sets the expiry applied on every write. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a store for one session
func NewRedisStore(client *redis.Client, session string, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:  client,
		session: session,
		prefix:  defaultRedisPrefix,
		ttl:     defaultRedisTTL,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Get loads one topic
func (s *RedisStore) Get(ctx context.Context, id string) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, ErrInvalidID
	}

	data, err := s.client.Get(ctx, s.topicKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrTopicNotFound
		}
		return Snapshot{}, fmt.Errorf("redis get failed: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal topic: %w", err)
	}
	return snap, nil
}

// Append adds a chunk to the topic, registering new topics in the index
func (s *RedisStore) Append(ctx context.Context, id, description string, chunk ContentChunk) error {
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.Get(ctx, id)
	created := false
	switch {
	case errors.Is(err, ErrTopicNotFound):
		snap = Snapshot{ID: id}
		created = true
	case err != nil:
		return err
	}

	apply(&snap, description, chunk, time.Now())

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal topic: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.topicKey(id), data, s.ttl)
	if created {
		pipe.RPush(ctx, s.indexKey(), id)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, s.indexKey(), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// List returns all topics in creation order. Index entries whose value has
// expired are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	ids, err := s.client.LRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Get(ctx, id)
		if errors.Is(err, ErrTopicNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Clear deletes every topic of the session and the index
func (s *RedisStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.client.LRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis lrange failed: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.topicKey(id))
	}
	keys = append(keys, s.indexKey())

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (s *RedisStore) topicKey(id string) string {
	return fmt.Sprintf("%s:%s:topic:%s", s.prefix, s.session, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:%s:topics", s.prefix, s.session)
}
