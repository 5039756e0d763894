package transform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeIdentity(t *testing.T) {
	m := FromPose(42, -7, math.Pi/3)

	assert.Equal(t, m, Compose(Identity(), m))
	assert.Equal(t, m, Compose(m, Identity()))
}

func TestInvertRoundTrip(t *testing.T) {
	m := FromPose(120, 45, math.Pi/5)
	round := Compose(m, Invert(m))

	assert.InDelta(t, 1, round.A, 1e-9)
	assert.InDelta(t, 0, round.B, 1e-9)
	assert.InDelta(t, 0, round.C, 1e-9)
	assert.InDelta(t, 1, round.D, 1e-9)
	assert.InDelta(t, 0, round.TX, 1e-9)
	assert.InDelta(t, 0, round.TY, 1e-9)
}

func TestDecomposeRecoversPose(t *testing.T) {
	pose := Decompose(FromPose(10, 20, 0.75))

	assert.InDelta(t, 10, pose.X, 1e-12)
	assert.InDelta(t, 20, pose.Y, 1e-12)
	assert.InDelta(t, 0.75, pose.Rotation, 1e-12)
}

func TestApplyRotation(t *testing.T) {
	// Rotating (1, 0) by 90 degrees lands on (0, 1).
	m := FromPose(0, 0, math.Pi/2)
	x, y := Apply(m, 1, 0)

	assert.InDelta(t, 0, x, 1e-12)
	assert.InDelta(t, 1, y, 1e-12)
}

func TestWorldTransformEmptyChain(t *testing.T) {
	assert.Equal(t, Identity(), WorldTransform(nil))
}

func TestWorldTransformNesting(t *testing.T) {
	// A parent at (100, 0) rotated 90 degrees holding a child at (10, 0)
	// places the child at world (100, 10).
	parent := FromPose(100, 0, math.Pi/2)
	child := FromPose(10, 0, 0)

	world := WorldTransform([]Matrix{parent, child})
	pose := Decompose(world)

	assert.InDelta(t, 100, pose.X, 1e-9)
	assert.InDelta(t, 10, pose.Y, 1e-9)
	assert.InDelta(t, math.Pi/2, pose.Rotation, 1e-9)
}

func TestReparentLocalPreservesWorld(t *testing.T) {
	// Node at world (100, 100) under a parent at the origin, moved to a
	// parent at (50, 50): the new local pose must be (50, 50).
	oldParent := Identity()
	newParent := FromPose(50, 50, 0)
	local := FromPose(100, 100, 0)

	pose := ReparentLocal(oldParent, local, newParent)

	assert.InDelta(t, 50, pose.X, 1e-9)
	assert.InDelta(t, 50, pose.Y, 1e-9)
	assert.InDelta(t, 0, pose.Rotation, 1e-9)

	world := Compose(newParent, FromPose(pose.X, pose.Y, pose.Rotation))
	wx, wy := Apply(world, 0, 0)
	assert.InDelta(t, 100, wx, 1e-9)
	assert.InDelta(t, 100, wy, 1e-9)
}

func TestReparentLocalRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		p, q     Matrix
		local    Matrix
	}{
		{"translated parents", FromPose(10, 20, 0), FromPose(-5, 40, 0), FromPose(3, 4, 0)},
		{"rotated parents", FromPose(0, 0, math.Pi/4), FromPose(100, -30, -math.Pi/6), FromPose(17, 2, 1.1)},
		{"deep angles", FromPose(-80, 12, 2.9), FromPose(6, 6, -2.3), FromPose(0.5, -0.5, 0.01)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			there := ReparentLocal(tc.p, tc.local, tc.q)
			back := ReparentLocal(tc.q, FromPose(there.X, there.Y, there.Rotation), tc.p)

			orig := Decompose(tc.local)
			require.InDelta(t, orig.X, back.X, 1e-6)
			require.InDelta(t, orig.Y, back.Y, 1e-6)
			require.InDelta(t, orig.Rotation, back.Rotation, 1e-6)
		})
	}
}

func TestInvertDegenerateDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Invert(Matrix{})
	})
}
