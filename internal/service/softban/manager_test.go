package softban

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/softban/internal/domain"
)

// mockRepo is an in-memory repository with failure injection.
type mockRepo struct {
	mu      sync.RWMutex
	store   map[string]domain.BlockRecord
	getErr  error
	upErr   error
	rmErr   error
	gets    int
	upserts int
	removes int

	// afterGet runs once a Get has returned its record, outside the lock.
	afterGet func(id string)
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]domain.BlockRecord)}
}

func (m *mockRepo) Get(_ context.Context, id string) (*domain.BlockRecord, error) {
	m.mu.Lock()
	m.gets++
	if m.getErr != nil {
		m.mu.Unlock()
		return nil, m.getErr
	}
	rec, ok := m.store[id]
	hook := m.afterGet
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if hook != nil {
		hook(id)
	}
	return &rec, nil
}

func (m *mockRepo) Upsert(_ context.Context, rec domain.BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.upErr != nil {
		return m.upErr
	}
	m.store[rec.ID] = rec
	return nil
}

func (m *mockRepo) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	if m.rmErr != nil {
		return m.rmErr
	}
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockRepo) RemoveExpired(_ context.Context, id string, asOf time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	if m.rmErr != nil {
		return m.rmErr
	}
	rec, ok := m.store[id]
	if !ok || rec.UnblockTime.After(asOf) {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter) ([]domain.BlockRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.BlockRecord
	for _, rec := range m.store {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	return f.Page(out), len(out), nil
}

func (m *mockRepo) record(id string) (domain.BlockRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.store[id]
	return rec, ok
}

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, repo Repository, d time.Duration) (*Manager, *fakeClock) {
	t.Helper()
	m, err := NewManager(repo, Config{Duration: d})
	require.NoError(t, err)
	clock := &fakeClock{t: t0}
	m.SetClock(clock.Now)
	return m, clock
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, Config{Duration: time.Minute})
	assert.Error(t, err, "nil repository")

	_, err = NewManager(newMockRepo(), Config{})
	assert.Error(t, err, "zero duration")

	m, err := NewManager(newMockRepo(), Config{Duration: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.Duration())
	assert.Equal(t, defaultStoreTimeout, m.storeTimeout)
}

// =============================================================================
// BLOCK LIFECYCLE
// =============================================================================

func TestApplyBlock_VisibleInSameContext(t *testing.T) {
	repo := newMockRepo()
	m, _ := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()
	cache := NewRequestCache()

	m.ApplyBlock(ctx, cache, "cust1", "reject5")

	gets := repo.gets
	assert.True(t, m.IsBlocked(ctx, cache, "cust1"))
	assert.Equal(t, gets, repo.gets, "fast path must not touch the store")
}

func TestApplyBlock_WindowAcrossFreshContexts(t *testing.T) {
	repo := newMockRepo()
	d := 10 * time.Minute
	m, clock := newTestManager(t, repo, d)
	ctx := context.Background()

	unblock := m.ApplyBlock(ctx, NewRequestCache(), "cust1", "reject5")
	assert.Equal(t, t0.Add(d), unblock)

	for _, offset := range []time.Duration{0, time.Minute, 5 * time.Minute, d - time.Nanosecond} {
		clock.t = t0.Add(offset)
		assert.True(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"), "offset %s", offset)
	}

	clock.t = t0.Add(d)
	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"), "exactly at T0+D")

	clock.t = t0.Add(d + time.Hour)
	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"), "well after T0+D")
}

func TestApplyBlock_IdempotentOverwrite(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()

	m.ApplyBlock(ctx, NewRequestCache(), "cust1", "first")
	clock.Advance(3 * time.Minute)
	second := m.ApplyBlock(ctx, NewRequestCache(), "cust1", "second")

	_, total, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	rec, ok := repo.record("cust1")
	require.True(t, ok)
	assert.Equal(t, "second", rec.Reason)
	assert.Equal(t, second, rec.UnblockTime)
}

func TestIsBlocked_LazyCleanupRemovesExpiredRecord(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()

	m.ApplyBlock(ctx, NewRequestCache(), "cust1", "reject5")
	clock.Advance(10 * time.Minute)

	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"))

	_, err := repo.Get(ctx, "cust1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsBlocked_CacheResyncFromDurableStore(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()

	m.ApplyBlock(ctx, NewRequestCache(), "cust1", "reject5") // context A
	stored, ok := repo.record("cust1")
	require.True(t, ok)

	clock.Advance(2 * time.Minute)
	cacheB := NewRequestCache()
	assert.True(t, m.IsBlocked(ctx, cacheB, "cust1"))

	expiry, ok := cacheB.CheckLocal("cust1")
	require.True(t, ok, "context B cache should be populated")
	assert.Equal(t, stored.UnblockTime, expiry)

	gets := repo.gets
	assert.True(t, m.IsBlocked(ctx, cacheB, "cust1"))
	assert.Equal(t, gets, repo.gets, "second check in B should be served from cache")
}

func TestScenario_Cust1Reject5(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()

	m.ApplyBlock(ctx, NewRequestCache(), "cust1", "reject5")

	clock.t = t0.Add(5 * time.Minute)
	assert.True(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"))

	clock.t = t0.Add(11 * time.Minute)
	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"))

	_, ok := repo.record("cust1")
	assert.False(t, ok, "durable record should be gone after the false-returning check")
}

func TestIsBlocked_UnknownActor(t *testing.T) {
	m, _ := newTestManager(t, newMockRepo(), time.Minute)
	assert.False(t, m.IsBlocked(context.Background(), NewRequestCache(), "nobody"))
}

func TestIsBlocked_BlocksAreScopedToIdentity(t *testing.T) {
	m, _ := newTestManager(t, newMockRepo(), time.Minute)
	ctx := context.Background()
	cache := NewRequestCache()

	m.ApplyBlock(ctx, cache, "cust1", "reject5")
	assert.False(t, m.IsBlocked(ctx, cache, "cust2"))
	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust2"))
}

// =============================================================================
// STALE CACHE
// =============================================================================

func TestIsBlocked_StaleLocalFlagIsClearedAndStoreConsulted(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()
	cache := NewRequestCache()

	m.ApplyBlock(ctx, cache, "cust1", "reject5")
	clock.Advance(10 * time.Minute)

	gets := repo.gets
	assert.False(t, m.IsBlocked(ctx, cache, "cust1"))
	assert.Equal(t, gets+1, repo.gets, "stale entry must fall through to the store")

	_, ok := cache.CheckLocal("cust1")
	assert.False(t, ok, "stale local flag should be cleared")
}

func TestIsBlocked_StaleLocalFlagButStoreStillBlocked(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()

	// Context A blocked early; another context re-blocked later.
	cacheA := NewRequestCache()
	m.ApplyBlock(ctx, cacheA, "cust1", "first")
	clock.Advance(8 * time.Minute)
	renewed := m.ApplyBlock(ctx, NewRequestCache(), "cust1", "second")

	clock.Advance(3 * time.Minute) // A's local expiry has passed, the renewed one has not
	assert.True(t, m.IsBlocked(ctx, cacheA, "cust1"))

	expiry, ok := cacheA.CheckLocal("cust1")
	require.True(t, ok)
	assert.Equal(t, renewed, expiry)
}

// =============================================================================
// FAILURE MODES
// =============================================================================

func TestIsBlocked_FailsOpenWhenStoreUnreachable(t *testing.T) {
	repo := newMockRepo()
	repo.getErr = errors.New("dial tcp: connection refused")
	m, _ := newTestManager(t, repo, time.Minute)

	assert.False(t, m.IsBlocked(context.Background(), NewRequestCache(), "cust1"))
}

func TestIsBlocked_LocalCacheStillEnforcesDuringOutage(t *testing.T) {
	repo := newMockRepo()
	m, _ := newTestManager(t, repo, time.Minute)
	ctx := context.Background()
	cache := NewRequestCache()

	m.ApplyBlock(ctx, cache, "cust1", "reject5")
	repo.getErr = ErrStoreUnavailable

	assert.True(t, m.IsBlocked(ctx, cache, "cust1"))
}

func TestApplyBlock_DurableWriteFailureKeepsLocalBlock(t *testing.T) {
	repo := newMockRepo()
	repo.upErr = ErrStoreUnavailable
	m, _ := newTestManager(t, repo, time.Minute)
	ctx := context.Background()
	cache := NewRequestCache()

	unblock := m.ApplyBlock(ctx, cache, "cust1", "reject5")
	assert.False(t, unblock.IsZero())
	assert.Equal(t, 1, repo.upserts)

	assert.True(t, m.IsBlocked(ctx, cache, "cust1"), "block enforced in current context")
	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"), "not visible to other contexts")
}

func TestIsBlocked_CleanupFailureDoesNotChangeOutcome(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, time.Minute)
	ctx := context.Background()

	m.ApplyBlock(ctx, NewRequestCache(), "cust1", "reject5")
	clock.Advance(2 * time.Minute)
	repo.rmErr = ErrStoreUnavailable

	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"))
	assert.Equal(t, 1, repo.removes)

	_, ok := repo.record("cust1")
	assert.True(t, ok, "record survives a failed cleanup until the next read")

	repo.rmErr = nil
	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"))
	_, ok = repo.record("cust1")
	assert.False(t, ok)
}

func TestIsBlocked_CleanupKeepsBlockRenewedAfterRead(t *testing.T) {
	repo := newMockRepo()
	m, clock := newTestManager(t, repo, 10*time.Minute)
	ctx := context.Background()

	m.ApplyBlock(ctx, NewRequestCache(), "cust1", "reject5")
	clock.Advance(11 * time.Minute)

	// Another context re-blocks cust1 between the expired read and the cleanup.
	var renewed time.Time
	repo.afterGet = func(id string) {
		repo.afterGet = nil
		renewed = m.ApplyBlock(ctx, NewRequestCache(), id, "reject5 again")
	}

	assert.False(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"), "decision follows the record that was read")

	rec, ok := repo.record("cust1")
	require.True(t, ok, "renewed block must survive the cleanup")
	assert.Equal(t, renewed, rec.UnblockTime)
	assert.Equal(t, "reject5 again", rec.Reason)
	assert.True(t, m.IsBlocked(ctx, NewRequestCache(), "cust1"))
}

func TestIsBlocked_MalformedRecordTreatedAsNotFound(t *testing.T) {
	repo := newMockRepo()
	repo.store["cust1"] = domain.BlockRecord{ID: "cust1", Reason: "legacy row"}
	m, _ := newTestManager(t, repo, time.Minute)

	assert.False(t, m.IsBlocked(context.Background(), NewRequestCache(), "cust1"))
}

func TestIsBlocked_MalformedErrorFromStore(t *testing.T) {
	repo := newMockRepo()
	repo.getErr = ErrMalformedRecord
	m, _ := newTestManager(t, repo, time.Minute)

	assert.False(t, m.IsBlocked(context.Background(), NewRequestCache(), "cust1"))
}

// slowRepo blocks until the context deadline passes.
type slowRepo struct{ *mockRepo }

func (s slowRepo) Get(ctx context.Context, _ string) (*domain.BlockRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIsBlocked_StoreTimeoutFailsOpen(t *testing.T) {
	m, err := NewManager(slowRepo{newMockRepo()}, Config{Duration: time.Minute, StoreTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	assert.False(t, m.IsBlocked(context.Background(), NewRequestCache(), "cust1"))
	assert.Less(t, time.Since(start), time.Second)
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestManager_EmptyIdentity(t *testing.T) {
	repo := newMockRepo()
	m, _ := newTestManager(t, repo, time.Minute)
	ctx := context.Background()
	cache := NewRequestCache()

	assert.True(t, m.ApplyBlock(ctx, cache, "  ", "reject5").IsZero())
	assert.Equal(t, 0, repo.upserts)
	assert.Equal(t, 0, cache.Len())
	assert.False(t, m.IsBlocked(ctx, cache, ""))
	assert.Equal(t, 0, repo.gets)
}

func TestManager_NilCache(t *testing.T) {
	repo := newMockRepo()
	m, _ := newTestManager(t, repo, time.Minute)
	ctx := context.Background()

	m.ApplyBlock(ctx, nil, "cust1", "reject5")
	assert.True(t, m.IsBlocked(ctx, nil, "cust1"))
}
