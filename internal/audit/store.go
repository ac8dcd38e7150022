package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps chains in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Record)}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[rec.SessionID] = append(s.chains[rec.SessionID], rec)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[sessionID]
	out := make([]Record, len(chain))
	copy(out, chain)
	return out, nil
}

// RedisStore keeps each chain in a Redis list, one JSON record per element.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore stores chains under "<prefix>:audit:<session>".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":audit:" + sessionID
}

func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.key(rec.SessionID), bytes.TrimSpace(buf.Bytes())).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", s.key(rec.SessionID), err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]Record, error) {
	items, err := s.rdb.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", s.key(sessionID), err)
	}
	out := make([]Record, 0, len(items))
	for i, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode record %d of %s: %w", i, sessionID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
