package tileserver

import (
	"math"
	"math/rand"
)

// sampleDiffuseDir returns a cosine-weighted unit direction on the hemisphere around unit N.
// Construction: pick a point uniformly on the unit disk for the tangent part (u, v),
// then lift it to the hemisphere with a normal component of sqrt(1 - r^2).
func sampleDiffuseDir(N Vec3, rng *rand.Rand) Vec3 {
	U, V := orthonormalBasis(N)

	r := math.Sqrt(rng.Float64())
	phi := 2 * math.Pi * rng.Float64()
	tx, ty := r*math.Cos(phi), r*math.Sin(phi)

	nn2 := 1 - (tx*tx + ty*ty)
	if nn2 < 0 {
		nn2 = 0
	}
	dir := U.Mul(tx).Add(V.Mul(ty)).Add(N.Mul(math.Sqrt(nn2)))
	return dir.Norm()
}
