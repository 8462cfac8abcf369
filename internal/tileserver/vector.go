package tileserver

import "math"

// Vec3 is a position, direction or color triple.
type Vec3 struct {
	X, Y, Z Real
}

// Vec2 is a normalized image-space coordinate.
type Vec2 struct {
	X, Y Real
}

// Vector functions
func (a Vec3) Add(b Vec3) Vec3  { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3) Sub(b Vec3) Vec3  { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (v Vec3) Mul(s Real) Vec3  { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (a Vec3) MulV(b Vec3) Vec3 { return Vec3{a.X * b.X, a.Y * b.Y, a.Z * b.Z} }
func (v Vec3) Neg() Vec3        { return Vec3{-v.X, -v.Y, -v.Z} }

// Dot returns the dot product between two vectors.
func (a Vec3) Dot(b Vec3) Real {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

// Cross returns the right-handed cross product a×b.
func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a.Y*b.Z - a.Z*b.Y,
		a.Z*b.X - a.X*b.Z,
		a.X*b.Y - a.Y*b.X,
	}
}

// Len returns the Euclidean length of the vector.
func (v Vec3) Len() Real { return math.Sqrt(v.Dot(v)) }

// Norm returns a unit-length version of the vector.
// A zero vector is returned unchanged.
func (v Vec3) Norm() Vec3 {
	l := v.Len()
	if l == 0 {
		return v
	}
	return Vec3{v.X / l, v.Y / l, v.Z / l}
}

// MaxComponent is the largest of the three components.
func (v Vec3) MaxComponent() Real { return max3(v.X, v.Y, v.Z) }

// Pow raises every component to p.
func (v Vec3) Pow(p Real) Vec3 {
	return Vec3{math.Pow(v.X, p), math.Pow(v.Y, p), math.Pow(v.Z, p)}
}

func (v Vec3) isZero() bool { return v.X == 0 && v.Y == 0 && v.Z == 0 }

// orthonormalBasis returns u, v such that (u, v, n) is a right-handed
// orthonormal frame. n must be unit length.
func orthonormalBasis(n Vec3) (u, v Vec3) {
	h := Vec3{1, 0, 0}
	if math.Abs(n.X) > 0.9 {
		h = Vec3{0, 1, 0}
	}
	u = h.Cross(n).Norm()
	v = n.Cross(u)
	return u, v
}
