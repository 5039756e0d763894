package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatecanvas/slate/pkg/constants"
)

func TestExecuteFirstAttemptSucceeds(t *testing.T) {
	c := NewCoordinator(nil)
	calls := 0

	err := c.Execute(context.Background(), "update", func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, 0, attempt)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesConflictOnce(t *testing.T) {
	c := NewCoordinator(nil)
	calls := 0

	err := c.Execute(context.Background(), "update", func(_ context.Context, attempt int) error {
		calls++
		if attempt == 0 {
			return constants.ErrVersionConflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecuteSurfacesSecondConflict(t *testing.T) {
	c := NewCoordinator(nil)
	calls := 0

	err := c.Execute(context.Background(), "reparent", func(_ context.Context, _ int) error {
		calls++
		return constants.ErrVersionConflict
	})

	require.ErrorIs(t, err, constants.ErrVersionConflict)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "reparent")
}

func TestExecutePassesThroughOtherErrors(t *testing.T) {
	c := NewCoordinator(nil)
	boom := errors.New("boom")

	err := c.Execute(context.Background(), "delete", func(_ context.Context, _ int) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestExecuteHonorsCancelledContext(t *testing.T) {
	c := NewCoordinator(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Execute(ctx, "create", func(_ context.Context, _ int) error {
		t.Fatal("closure must not run after cancellation")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteCancelledBetweenAttempts(t *testing.T) {
	c := NewCoordinator(nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := c.Execute(ctx, "update", func(_ context.Context, _ int) error {
		calls++
		cancel()
		return constants.ErrVersionConflict
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
