// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// invitation state machine and handlers to distinguish between failure
// scenarios: a concurrent redemption loser gets ErrConflict, a stale
// invitation gets ErrExpired or ErrExhausted, and so on. Sentinels keep
// the repositories free of HTTP concerns; handlers own the mapping to
// status codes.
package repository

import "errors"

// ErrNotFound is returned when a requested row does not exist. Handlers
// should translate this into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update loses a race or a
// unique key already holds the value being inserted, such as two
// callers redeeming the same (invitation, server) link. It is a normal
// outcome, not a system failure.
var ErrConflict = errors.New("conflict")

// ErrExpired is returned when an invitation's global expiry, or the
// expiry of a requested per-server link, has passed.
var ErrExpired = errors.New("expired")

// ErrExhausted is returned when a non-unlimited invitation has already
// been marked used in aggregate.
var ErrExhausted = errors.New("exhausted")

// ErrServerAlreadyUsed is returned for a target server whose link was
// already redeemed. Other servers on the same invitation are not
// affected.
var ErrServerAlreadyUsed = errors.New("server already used")

// ErrCodeExists is returned when creating an invitation with a code
// that is already taken.
var ErrCodeExists = errors.New("code already exists")
