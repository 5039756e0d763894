// Package constants holds the sentinel errors of the synchronization core.
package constants

import "errors"

// Mutation errors. Callers distinguish them with errors.Is; the coordinator
// decides per class whether to retry, no-op, or surface.
var (
	// ErrVersionConflict means a write was made against a stale node
	// version. The coordinator retries it exactly once before surfacing.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound means the target node vanished mid-operation. Treated as
	// a warned no-op, never fatal.
	ErrNotFound = errors.New("node not found")

	// ErrCycleRejected means a reparent would make a node its own
	// descendant. Rejected before any write.
	ErrCycleRejected = errors.New("reparent would create a cycle")

	// ErrPermissionDenied means an actor tried to write state owned by
	// someone else. Surfaced to the caller, never retried.
	ErrPermissionDenied = errors.New("permission denied")
)
