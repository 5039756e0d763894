// Package order allocates fractional sibling sort keys. A node's position
// among its siblings is a float key; inserting between two neighbors takes
// the midpoint of their keys, so no existing sibling ever needs renumbering
// until the float mantissa runs out. When it does, Reindex respaces the
// whole sibling run and the caller retries the insertion.
package order

import (
	"errors"
	"math"
)

// DefaultGap is the spacing used when appending a sibling with no successor
// and when respacing after exhaustion. A wide gap leaves room for many
// midpoint insertions before precision runs out.
const DefaultGap = 1000

// ErrPrecisionExhausted is returned by Midpoint when the two neighbor keys
// are too close for the float64 mantissa to represent a value strictly
// between them. The caller must Reindex the sibling run and retry.
var ErrPrecisionExhausted = errors.New("order key precision exhausted")

// Midpoint returns a key strictly between prev and next.
//
// A nil prev means "insert at the front", a nil next means "append at the
// end". With both nil the run is empty and the first key is DefaultGap.
func Midpoint(prev, next *float64) (float64, error) {
	switch {
	case prev == nil && next == nil:
		return DefaultGap, nil
	case prev == nil:
		return *next - DefaultGap, nil
	case next == nil:
		return *prev + DefaultGap, nil
	}

	if *next <= *prev {
		return 0, ErrPrecisionExhausted
	}

	mid := *prev + (*next-*prev)/2
	if mid <= *prev || mid >= *next {
		return 0, ErrPrecisionExhausted
	}
	return mid, nil
}

// Bisectable reports whether a midpoint strictly between a and b exists.
func Bisectable(a, b float64) bool {
	if b <= a {
		return false
	}
	mid := a + (b-a)/2
	return mid > a && mid < b
}

// Reindex returns evenly spaced replacement keys for a run of n siblings,
// preserving their relative order: DefaultGap, 2*DefaultGap, and so on.
func Reindex(n int) []float64 {
	keys := make([]float64, n)
	for i := range keys {
		keys[i] = float64(i+1) * DefaultGap
	}
	return keys
}

// InsertionIndex returns the position a new key would occupy in a run of
// keys already sorted ascending.
func InsertionIndex(keys []float64, key float64) int {
	for i, k := range keys {
		if key < k {
			return i
		}
	}
	return len(keys)
}

// ValidRun reports whether keys form a strictly increasing run of finite
// values, the invariant the store maintains for every sibling list.
func ValidRun(keys []float64) bool {
	for i, k := range keys {
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return false
		}
		if i > 0 && k <= keys[i-1] {
			return false
		}
	}
	return true
}
