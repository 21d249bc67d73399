// Package softban implements the two-tier temporary block manager.
//
// A block is applied when a caller observes a qualifying rejection for an
// actor. The actor is then denied further attempts until a fixed cooldown
// elapses. Block state lives in two tiers:
//
//   - RequestCache: a small typed object owned by one request or session.
//     Checked first, never does I/O, never fails.
//   - Repository: the durable, cross-process store and the source of truth
//     across cache misses and across sessions.
//
// Writes go through to both tiers. Expiry is lazy: an expired durable record
// is deleted only when a later IsBlocked call reads it. There is no timer or
// background sweep in this package.
//
// The Manager never returns errors to its caller. A store outage during a
// read fails open (not blocked); a failed write or cleanup is logged and the
// local cache keeps enforcing the block for the current context.
package softban
