// Package engine implements the equipment-session lifecycle: claiming,
// finalizing and heartbeating usage sessions, the FIFO waitlist promotion
// protocol, and the sweeps that recover stale state.
package engine

import "errors"

// ErrNotFound is returned when the referenced equipment, session or
// reservation does not exist. Handlers translate it into HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when equipment cannot be claimed: it is occupied,
// someone else is rightfully ahead in the queue, or a concurrent claim won
// the race at commit time. Handlers translate it into HTTP 409; callers are
// expected to retry or watch the change stream.
var ErrConflict = errors.New("conflict")

// ErrLimitExceeded is returned when a member already holds the maximum
// number of concurrent waitlist entries.
var ErrLimitExceeded = errors.New("limit exceeded")
