// Package txn implements the optimistic-concurrency transaction protocol
// that wraps every structural mutation of the node store.
//
// A transaction is a closure that reads current state, validates the
// versions it read, and commits. When validation fails the closure reports
// a version conflict; the coordinator re-runs it exactly once against the
// refreshed state. A second consecutive conflict surfaces to the caller
// instead of being retried indefinitely, which keeps a livelocked writer
// from spinning against a hot node.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/slatecanvas/slate/pkg/constants"
	"github.com/slatecanvas/slate/pkg/logger"
)

// maxAttempts is the initial attempt plus the single silent retry.
const maxAttempts = 2

// Coordinator runs mutation closures under the retry policy.
type Coordinator struct {
	log logger.Logger
}

// NewCoordinator returns a Coordinator logging through log. A nil log
// disables logging.
func NewCoordinator(log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{log: log}
}

// Execute runs fn as an optimistic transaction. fn receives the attempt
// index (0 for the first run) so implementations can relax a caller-pinned
// base version into a refreshed read on the retry.
//
// A [constants.ErrVersionConflict] from the first attempt is retried
// silently; from the second it is returned wrapped with the operation name.
// Any other error, including [constants.ErrNotFound] deliberately swallowed
// by the closure, passes straight through.
func (c *Coordinator) Execute(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil || !errors.Is(err, constants.ErrVersionConflict) {
			return err
		}

		if attempt == 0 {
			c.log.Debug("version conflict, retrying once", "op", op)
		}
	}

	c.log.Warn("version conflict persisted after retry", "op", op)
	return fmt.Errorf("%s: %w", op, constants.ErrVersionConflict)
}
