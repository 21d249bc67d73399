package softban

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/softban/internal/domain"
	"github.com/ignite/softban/internal/pkg/logger"
)

const defaultStoreTimeout = 2 * time.Second

// Config holds the manager's tunables.
type Config struct {
	// Duration is the cooldown applied by ApplyBlock.
	Duration time.Duration
	// StoreTimeout bounds every durable store call. Zero means 2s.
	StoreTimeout time.Duration
}

// Manager orchestrates the request cache and the durable store. It is safe
// for concurrent use; all per-request state lives in the RequestCache the
// caller passes in.
type Manager struct {
	repo         Repository
	duration     time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

// NewManager creates a block manager backed by repo.
func NewManager(repo Repository, cfg Config) (*Manager, error) {
	if repo == nil {
		return nil, fmt.Errorf("softban: repository is required")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("softban: block duration must be positive, got %s", cfg.Duration)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Manager{
		repo:         repo,
		duration:     cfg.Duration,
		storeTimeout: cfg.StoreTimeout,
		now:          time.Now,
	}, nil
}

// SetClock replaces the time source. Tests use it to walk through a block window.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Duration returns the configured cooldown.
func (m *Manager) Duration() time.Duration { return m.duration }

// IsBlocked reports whether id is currently blocked. It consults cache first
// and only reads the durable store on a miss or a stale local entry. Store
// failures fail open.
func (m *Manager) IsBlocked(ctx context.Context, cache *RequestCache, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if cache == nil {
		cache = NewRequestCache()
	}
	now := m.now()

	if expiry, ok := cache.CheckLocal(id); ok {
		if expiry.After(now) {
			return true
		}
		// Stale flag. The durable record, if any, is left for the read below.
		cache.ClearLocal(id)
	}

	rec, err := m.get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrMalformedRecord):
		logger.Warn("softban: malformed block record treated as absent", "actor", id, "error", err)
		return false
	case err != nil:
		logger.Error("softban: block store read failed, failing open", "actor", id, "error", err)
		return false
	}

	if rec.ActiveAt(now) {
		cache.SetLocal(id, rec.UnblockTime)
		return true
	}

	// Conditional on expiry, so a block renewed since the read survives.
	switch err := m.removeExpired(ctx, id, now); {
	case err == nil:
		logger.Debug("softban: expired block removed", "actor", id, "unblock_time", rec.UnblockTime.Format(time.RFC3339))
	case errors.Is(err, ErrNotFound):
		logger.Debug("softban: expired block already removed or renewed", "actor", id)
	default:
		logger.Warn("softban: expired block cleanup failed, deferring", "actor", id, "error", err)
	}
	return false
}

// ApplyBlock blocks id for the configured duration. The local cache is
// updated unconditionally; a durable write failure is logged and leaves the
// block enforced only within this context. The computed unblock time is
// returned so callers can advertise it (e.g. Retry-After).
func (m *Manager) ApplyBlock(ctx context.Context, cache *RequestCache, id, reason string) time.Time {
	id = strings.TrimSpace(id)
	if id == "" {
		logger.Warn("softban: refusing to block an empty identity", "reason", reason)
		return time.Time{}
	}
	if cache == nil {
		cache = NewRequestCache()
	}

	unblockTime := m.now().Add(m.duration)
	cache.SetLocal(id, unblockTime)

	rec := domain.BlockRecord{ID: id, UnblockTime: unblockTime, Reason: reason}
	if err := m.upsert(ctx, rec); err != nil {
		logger.Error("softban: durable block write failed, enforcing in current context only",
			"actor", id, "reason", reason, "error", err)
		return unblockTime
	}

	logger.Info("softban: block applied", "actor", id, "reason", reason,
		"unblock_time", unblockTime.Format(time.RFC3339))
	return unblockTime
}

func (m *Manager) get(ctx context.Context, id string) (*domain.BlockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	rec, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return rec, nil
}

func (m *Manager) upsert(ctx context.Context, rec domain.BlockRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.repo.Upsert(ctx, rec)
}

func (m *Manager) removeExpired(ctx context.Context, id string, asOf time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.repo.RemoveExpired(ctx, id, asOf)
}
