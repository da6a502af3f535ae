package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: record does not exist (or has expired) in the store
//   - ErrUnavailable: backing service temporarily unreachable
//   - ErrQueueFull: a bounded in-process queue rejected work
//   - ErrClosed: component already shut down
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrQueueFull   = errors.New("queue full")
	ErrClosed      = errors.New("closed")
)
