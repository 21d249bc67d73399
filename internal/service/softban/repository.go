package softban

import (
	"context"
	"time"

	"github.com/ignite/softban/internal/domain"
)

// Repository defines the durable store contract for block records.
type Repository interface {
	// Get returns the record for id, ErrNotFound when there is none, or
	// ErrMalformedRecord when the stored record lacks its unblock time.
	Get(ctx context.Context, id string) (*domain.BlockRecord, error)

	// Upsert creates or replaces the record for rec.ID as a single atomic
	// unit. Concurrent writers for the same id are last-writer-wins.
	Upsert(ctx context.Context, rec domain.BlockRecord) error

	// Remove atomically deletes the record for id. Returns ErrNotFound if
	// there was nothing to delete.
	Remove(ctx context.Context, id string) error

	// RemoveExpired deletes the record for id only if its unblock time is
	// not after asOf, checked and deleted as one atomic step. Returns
	// ErrNotFound when there is no such record, including one renewed since
	// the caller read it.
	RemoveExpired(ctx context.Context, id string, asOf time.Time) error

	// List enumerates records for audit. It never mutates the store.
	List(ctx context.Context, filter ListFilter) ([]domain.BlockRecord, int, error)
}

// Reader is the read-only slice of Repository used by the inspection API.
type Reader interface {
	Get(ctx context.Context, id string) (*domain.BlockRecord, error)
	List(ctx context.Context, filter ListFilter) ([]domain.BlockRecord, int, error)
}

// ListFilter controls pagination and filtering for record enumeration.
type ListFilter struct {
	// ActiveAt, when non-zero, keeps only records whose unblock time is
	// after it.
	ActiveAt time.Time
	Reason   string
	Limit    int
	Offset   int
}

// Matches reports whether rec passes the non-pagination parts of the filter.
// Stores that cannot push filtering down to the backend use it.
func (f ListFilter) Matches(rec domain.BlockRecord) bool {
	if !f.ActiveAt.IsZero() && !rec.ActiveAt(f.ActiveAt) {
		return false
	}
	if f.Reason != "" && rec.Reason != f.Reason {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered and ordered slice.
func (f ListFilter) Page(recs []domain.BlockRecord) []domain.BlockRecord {
	if f.Offset >= len(recs) {
		return []domain.BlockRecord{}
	}
	if f.Offset > 0 {
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(recs) {
		recs = recs[:f.Limit]
	}
	return recs
}
