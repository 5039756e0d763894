// Package transform provides the affine math used to move scene nodes
// between coordinate spaces.
//
// Matrices are restricted to rotation plus translation. Scale and shear are
// deliberately unsupported so that composition and inversion stay numerically
// well conditioned and reparenting a node can never introduce skew.
package transform

import "math"

// Epsilon is the determinant floor below which a matrix is treated as
// degenerate and substituted rather than inverted directly.
const Epsilon = 1e-9

// Matrix is an affine map in row-major [a b tx; c d ty] form, stored as the
// 6-tuple (A, B, C, D, TX, TY). For the rotation+translation subset used
// here, A=cos θ, B=-sin θ, C=sin θ, D=cos θ.
type Matrix struct {
	A, B, C, D, TX, TY float64
}

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{A: 1, B: 0, C: 0, D: 1, TX: 0, TY: 0}
}

// FromPose builds the local matrix for a node positioned at (x, y) and
// rotated by rotation radians relative to its parent.
func FromPose(x, y, rotation float64) Matrix {
	sin, cos := math.Sincos(rotation)
	return Matrix{
		A: cos, B: -sin,
		C: sin, D: cos,
		TX: x, TY: y,
	}
}

// Pose is the decomposed form of a rotation+translation matrix.
type Pose struct {
	X        float64
	Y        float64
	Rotation float64
}

// Compose returns A∘B, the matrix applying B first and then A.
func Compose(a, b Matrix) Matrix {
	return Matrix{
		A:  a.A*b.A + a.B*b.C,
		B:  a.A*b.B + a.B*b.D,
		C:  a.C*b.A + a.D*b.C,
		D:  a.C*b.B + a.D*b.D,
		TX: a.A*b.TX + a.B*b.TY + a.TX,
		TY: a.C*b.TX + a.D*b.TY + a.TY,
	}
}

// Invert returns the inverse of m. Rotation+translation matrices always have
// determinant 1, so a near-zero determinant only appears through accumulated
// float error; in that case the determinant is clamped to Epsilon instead of
// failing, trading exactness for robustness.
func Invert(m Matrix) Matrix {
	det := m.A*m.D - m.B*m.C
	if math.Abs(det) < Epsilon {
		det = Epsilon
	}
	inv := 1 / det
	return Matrix{
		A:  m.D * inv,
		B:  -m.B * inv,
		C:  -m.C * inv,
		D:  m.A * inv,
		TX: (m.B*m.TY - m.D*m.TX) * inv,
		TY: (m.C*m.TX - m.A*m.TY) * inv,
	}
}

// Decompose extracts position and rotation from m. Any residual scale or
// shear introduced by float drift is discarded.
func Decompose(m Matrix) Pose {
	return Pose{
		X:        m.TX,
		Y:        m.TY,
		Rotation: math.Atan2(m.C, m.A),
	}
}

// Apply maps the point (x, y) through m.
func Apply(m Matrix, x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.TX, m.C*x + m.D*y + m.TY
}

// WorldTransform folds Compose over an ancestor chain ordered root first.
// The result maps local coordinates of a child of the last ancestor into
// world space. An empty chain yields the identity, i.e. the node is a root
// and its local pose already is its world pose.
func WorldTransform(chain []Matrix) Matrix {
	world := Identity()
	for _, m := range chain {
		world = Compose(world, m)
	}
	return world
}

// ReparentLocal computes the local transform a node must carry under a new
// parent so that its world pose does not move. oldParentWorld and
// newParentWorld are the world transforms of the old and new parent; local
// is the node's current transform relative to the old parent.
//
// The derivation: world = oldParentWorld ∘ local must equal
// newParentWorld ∘ newLocal, so newLocal = newParentWorld⁻¹ ∘ oldParentWorld ∘ local.
func ReparentLocal(oldParentWorld, local, newParentWorld Matrix) Pose {
	world := Compose(oldParentWorld, local)
	return Decompose(Compose(Invert(newParentWorld), world))
}
