// Package memory is an in-process block store for development and tests.
// Blocks do not survive a restart and are not shared between processes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/softban/internal/domain"
	"github.com/ignite/softban/internal/service/softban"
)

// BlockStore implements softban.Repository with a guarded map.
type BlockStore struct {
	mu      sync.RWMutex
	records map[string]domain.BlockRecord
	now     func() time.Time
}

var _ softban.Repository = (*BlockStore)(nil)

// NewBlockStore returns an empty store.
func NewBlockStore() *BlockStore {
	return &BlockStore{records: make(map[string]domain.BlockRecord), now: time.Now}
}

func (s *BlockStore) Get(ctx context.Context, id string) (*domain.BlockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, softban.ErrNotFound
	}
	return &rec, nil
}

func (s *BlockStore) Upsert(ctx context.Context, rec domain.BlockRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if prev, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return nil
}

func (s *BlockStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return softban.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *BlockStore) RemoveExpired(ctx context.Context, id string, asOf time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.UnblockTime.After(asOf) {
		return softban.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *BlockStore) List(ctx context.Context, f softban.ListFilter) ([]domain.BlockRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	out := make([]domain.BlockRecord, 0, len(s.records))
	for _, rec := range s.records {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnblockTime.Equal(out[j].UnblockTime) {
			return out[i].UnblockTime.After(out[j].UnblockTime)
		}
		return out[i].ID < out[j].ID
	})
	return f.Page(out), len(out), nil
}
