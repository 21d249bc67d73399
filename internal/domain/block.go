package domain

import (
	"errors"
	"strings"
	"time"
)

// Validation errors for BlockRecord.
var (
	ErrMissingID          = errors.New("block record: id is required")
	ErrMissingUnblockTime = errors.New("block record: unblock_time is required")
)

// BlockRecord is the durable, cross-process record of an active (or not yet
// cleaned up) block for one actor identity.
type BlockRecord struct {
	ID          string    `json:"id" db:"id"`
	UnblockTime time.Time `json:"unblock_time" db:"unblock_time"`
	Reason      string    `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Validate reports whether the record carries the required fields.
func (b BlockRecord) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrMissingID
	}
	if b.UnblockTime.IsZero() {
		return ErrMissingUnblockTime
	}
	return nil
}

// ActiveAt reports whether the block still applies at t. A block whose
// unblock time equals t has already expired.
func (b BlockRecord) ActiveAt(t time.Time) bool {
	return b.UnblockTime.After(t)
}

// CacheEntry is the request/session-scoped mirror of a block. It is a cache,
// not a source of truth, and must never be trusted past RateLimitExpire.
type CacheEntry struct {
	IsRateLimited   bool      `json:"is_rate_limited"`
	RateLimitExpire time.Time `json:"rate_limit_expire"`
}
