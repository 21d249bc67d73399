// Package redisstore implements the durable block store on Redis. Each
// record is a hash at softban:block:<id>; writes go through MULTI/EXEC so a
// record is never observed half-written.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/softban/internal/domain"
	"github.com/ignite/softban/internal/service/softban"
)

const (
	defaultPrefix = "softban:block:"
	scanBatch     = 200
)

// BlockStore implements softban.Repository against Redis.
type BlockStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ softban.Repository = (*BlockStore)(nil)

// NewBlockStore creates a Redis-backed block store. An empty prefix uses
// "softban:block:".
func NewBlockStore(client redis.UniversalClient, prefix string) *BlockStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &BlockStore{client: client, prefix: prefix, now: time.Now}
}

func (s *BlockStore) key(id string) string { return s.prefix + id }

func (s *BlockStore) Get(ctx context.Context, id string) (*domain.BlockRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get block: %w", softban.ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, softban.ErrNotFound
	}
	return decode(id, fields)
}

func (s *BlockStore) Upsert(ctx context.Context, rec domain.BlockRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	key := s.key(rec.ID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"unblock_time", rec.UnblockTime.UTC().Format(time.RFC3339Nano),
			"reason", rec.Reason,
			"updated_at", now,
		)
		pipe.HSetNX(ctx, key, "created_at", now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: upsert block: %w", softban.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *BlockStore) Remove(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("%w: remove block: %w", softban.ErrStoreUnavailable, err)
	}
	if n == 0 {
		return softban.ErrNotFound
	}
	return nil
}

// RemoveExpired deletes the hash under WATCH, so a renewal written between
// the expiry check and the delete aborts the transaction and keeps the block.
func (s *BlockStore) RemoveExpired(ctx context.Context, id string, asOf time.Time) error {
	key := s.key(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, "unblock_time").Result()
		if errors.Is(err, redis.Nil) {
			return softban.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: read block: %w", softban.ErrStoreUnavailable, err)
		}
		unblock, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || unblock.After(asOf) {
			return softban.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil, errors.Is(err, softban.ErrNotFound), errors.Is(err, softban.ErrStoreUnavailable):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return softban.ErrNotFound
	default:
		return fmt.Errorf("%w: remove expired block: %w", softban.ErrStoreUnavailable, err)
	}
}

// List scans every block key. It is meant for audit, not the request path.
func (s *BlockStore) List(ctx context.Context, f softban.ListFilter) ([]domain.BlockRecord, int, error) {
	var out []domain.BlockRecord

	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, s.prefix)

		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: list block %s: %w", softban.ErrStoreUnavailable, id, err)
		}
		if len(fields) == 0 {
			continue // removed between SCAN and HGETALL
		}
		rec, err := decode(id, fields)
		if err != nil {
			continue
		}
		if f.Matches(*rec) {
			out = append(out, *rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: scan blocks: %w", softban.ErrStoreUnavailable, err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnblockTime.Equal(out[j].UnblockTime) {
			return out[i].UnblockTime.After(out[j].UnblockTime)
		}
		return out[i].ID < out[j].ID
	})
	return f.Page(out), len(out), nil
}

func decode(id string, fields map[string]string) (*domain.BlockRecord, error) {
	raw, ok := fields["unblock_time"]
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: block %q has no unblock_time", softban.ErrMalformedRecord, id)
	}
	unblock, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: block %q: %w", softban.ErrMalformedRecord, id, err)
	}
	rec := &domain.BlockRecord{
		ID:          id,
		UnblockTime: unblock,
		Reason:      fields["reason"],
	}
	rec.CreatedAt = parseOptional(fields["created_at"])
	rec.UpdatedAt = parseOptional(fields["updated_at"])
	return rec, nil
}

func parseOptional(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}
