// Package session persists a session's RequestCache in Redis between
// requests so repeated checks within one session skip the durable store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/softban/internal/domain"
	"github.com/ignite/softban/internal/service/softban"
)

const defaultPrefix = "softban:session:"

// Store loads and saves request caches keyed by session id.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStore creates a Redis session store. Entries expire after ttl of
// inactivity.
func NewStore(client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(sid string) string { return s.prefix + sid }

// Load returns the cache saved for sid, or a fresh cache when the session
// has none. A corrupt payload is discarded and a fresh cache returned with
// the decode error.
func (s *Store) Load(ctx context.Context, sid string) (*softban.RequestCache, error) {
	raw, err := s.client.Get(ctx, s.key(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return softban.NewRequestCache(), nil
	}
	if err != nil {
		return softban.NewRequestCache(), fmt.Errorf("load session %s: %w", sid, err)
	}

	var entries map[string]domain.CacheEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return softban.NewRequestCache(), fmt.Errorf("decode session %s: %w", sid, err)
	}
	return softban.RestoreRequestCache(entries), nil
}

// Save writes cache back if it changed. An empty cache deletes the key.
func (s *Store) Save(ctx context.Context, sid string, cache *softban.RequestCache) error {
	if cache == nil || !cache.Dirty() {
		return nil
	}
	if cache.Len() == 0 {
		if err := s.client.Del(ctx, s.key(sid)).Err(); err != nil {
			return fmt.Errorf("clear session %s: %w", sid, err)
		}
		return nil
	}

	raw, err := json.Marshal(cache.Entries())
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sid, err)
	}
	if err := s.client.Set(ctx, s.key(sid), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sid, err)
	}
	return nil
}
