package softban

import "errors"

// Sentinel errors shared by the manager and every Repository implementation.
var (
	ErrNotFound         = errors.New("block record not found")
	ErrStoreUnavailable = errors.New("block store unavailable")
	ErrMalformedRecord  = errors.New("malformed block record")
)
