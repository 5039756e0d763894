package order

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestMidpointEmptyRun(t *testing.T) {
	key, err := Midpoint(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(DefaultGap), key)
}

func TestMidpointAppend(t *testing.T) {
	key, err := Midpoint(f(3000), nil)
	require.NoError(t, err)
	assert.Equal(t, float64(4000), key)
}

func TestMidpointPrepend(t *testing.T) {
	key, err := Midpoint(nil, f(1000))
	require.NoError(t, err)
	assert.Equal(t, float64(0), key)
}

func TestMidpointBetween(t *testing.T) {
	key, err := Midpoint(f(1000), f(2000))
	require.NoError(t, err)
	assert.Greater(t, key, float64(1000))
	assert.Less(t, key, float64(2000))
}

func TestMidpointStrictlyBetweenUntilExhaustion(t *testing.T) {
	// Repeated bisection against a fixed upper neighbor must either return
	// a strictly-between key or report exhaustion, never a boundary value.
	lo, hi := float64(1000), float64(1001)
	for i := 0; i < 100; i++ {
		key, err := Midpoint(&lo, &hi)
		if err != nil {
			assert.ErrorIs(t, err, ErrPrecisionExhausted)
			return
		}
		require.Greater(t, key, lo)
		require.Less(t, key, hi)
		lo = key
	}
	t.Fatal("expected exhaustion within 100 bisections of a unit interval")
}

func TestMidpointInvertedNeighbors(t *testing.T) {
	_, err := Midpoint(f(2000), f(1000))
	assert.ErrorIs(t, err, ErrPrecisionExhausted)
}

func TestMidpointEqualNeighbors(t *testing.T) {
	_, err := Midpoint(f(1000), f(1000))
	assert.ErrorIs(t, err, ErrPrecisionExhausted)
}

func TestBisectable(t *testing.T) {
	assert.True(t, Bisectable(1, 2))
	assert.False(t, Bisectable(2, 1))
	assert.False(t, Bisectable(1, 1))

	// Adjacent representable floats cannot be bisected.
	lo := float64(1000)
	hi := math.Nextafter(lo, math.Inf(1))
	assert.False(t, Bisectable(lo, hi))
}

func TestReindex(t *testing.T) {
	keys := Reindex(4)
	assert.Equal(t, []float64{1000, 2000, 3000, 4000}, keys)
	assert.True(t, ValidRun(keys))
}

func TestReindexEmpty(t *testing.T) {
	assert.Empty(t, Reindex(0))
}

func TestInsertionIndex(t *testing.T) {
	run := []float64{1000, 2000, 3000}
	assert.Equal(t, 0, InsertionIndex(run, 500))
	assert.Equal(t, 2, InsertionIndex(run, 2500))
	assert.Equal(t, 3, InsertionIndex(run, 9000))
}

func TestValidRun(t *testing.T) {
	assert.True(t, ValidRun(nil))
	assert.True(t, ValidRun([]float64{1, 2, 3}))
	assert.False(t, ValidRun([]float64{1, 1}))
	assert.False(t, ValidRun([]float64{2, 1}))
}
