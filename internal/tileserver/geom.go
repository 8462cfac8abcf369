package tileserver

import (
	"fmt"
	"math"
)

// Material is a Lambertian surface with optional emission.
type Material struct {
	Albedo   Vec3
	Emission Vec3
}

type objectHit struct {
	t   Real
	n   Vec3 // outward unit normal, facing the ray origin
	mat *Material
}

type shape interface {
	bounds() (min, max Vec3)
	intersect(o, d Vec3, tMax Real) (objectHit, bool)
}

// Sphere is an analytic sphere.
type Sphere struct {
	Center Vec3
	Radius Real
	Mat    Material
}

func NewSphere(center Vec3, radius Real, mat Material) (*Sphere, error) {
	if !(radius > 0) {
		return nil, fmt.Errorf("sphere radius must be > 0, got %g", radius)
	}
	return &Sphere{Center: center, Radius: radius, Mat: mat}, nil
}

func (s *Sphere) bounds() (Vec3, Vec3) {
	r := Vec3{s.Radius, s.Radius, s.Radius}
	return s.Center.Sub(r), s.Center.Add(r)
}

func (s *Sphere) intersect(o, d Vec3, tMax Real) (objectHit, bool) {
	oc := o.Sub(s.Center)
	b := oc.Dot(d)
	c := oc.Dot(oc) - s.Radius*s.Radius
	disc := b*b - c
	if disc < 0 {
		return objectHit{}, false
	}
	sq := math.Sqrt(disc)
	t := -b - sq
	if t <= epsDist {
		t = -b + sq
	}
	if t <= epsDist || t >= tMax {
		return objectHit{}, false
	}
	p := o.Add(d.Mul(t))
	n := p.Sub(s.Center).Mul(1 / s.Radius)
	if n.Dot(d) > 0 {
		n = n.Neg()
	}
	return objectHit{t: t, n: n, mat: &s.Mat}, true
}

// Box is an axis-aligned box.
type Box struct {
	Min, Max Vec3
	Mat      Material
}

func NewBox(min, max Vec3, mat Material) (*Box, error) {
	if !(max.X > min.X && max.Y > min.Y && max.Z > min.Z) {
		return nil, fmt.Errorf("box max %+v must exceed min %+v on all axes", max, min)
	}
	return &Box{Min: min, Max: max, Mat: mat}, nil
}

func (b *Box) bounds() (Vec3, Vec3) { return b.Min, b.Max }

func (b *Box) intersect(o, d Vec3, tMax Real) (objectHit, bool) {
	rr := newRayRecips(d)
	tNear, tFar, axisNear, axisFar, ok := slabs(o, b.Min, b.Max, rr)
	if !ok {
		return objectHit{}, false
	}
	t, axis := tNear, axisNear
	if t <= epsDist {
		t, axis = tFar, axisFar
	}
	if t <= epsDist || t >= tMax {
		return objectHit{}, false
	}
	var n Vec3
	switch axis {
	case 0:
		n.X = 1
	case 1:
		n.Y = 1
	default:
		n.Z = 1
	}
	if n.Dot(d) > 0 {
		n = n.Neg()
	}
	return objectHit{t: t, n: n, mat: &b.Mat}, true
}

type rayRecips struct {
	inv [3]Real
	par [3]bool // parallel flags (|D| < eps)
}

func newRayRecips(d Vec3) rayRecips {
	var rr rayRecips
	for i, c := range [3]Real{d.X, d.Y, d.Z} {
		if math.Abs(c) < 1e-15 {
			rr.par[i] = true
			continue
		}
		rr.inv[i] = 1 / c
	}
	return rr
}

func axisOf(v Vec3, i int) Real {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

// slabs is the slab test against [minP, maxP]. It returns the entry and exit
// distances together with the axes that produced them.
func slabs(o, minP, maxP Vec3, rr rayRecips) (tmin, tmax Real, amin, amax int, ok bool) {
	tmin, tmax = -1e300, 1e300
	for i := 0; i < 3; i++ {
		oi, lo, hi := axisOf(o, i), axisOf(minP, i), axisOf(maxP, i)
		if rr.par[i] {
			if oi < lo || oi > hi {
				return 0, 0, 0, 0, false
			}
			continue
		}
		t1 := (lo - oi) * rr.inv[i]
		t2 := (hi - oi) * rr.inv[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin, amin = t1, i
		}
		if t2 < tmax {
			tmax, amax = t2, i
		}
	}
	if tmax < 0 || tmin > tmax {
		return 0, 0, 0, 0, false
	}
	return tmin, tmax, amin, amax, true
}

func rayAABB(o, minP, maxP Vec3, rr rayRecips) (bool, Real) {
	tmin, _, _, _, ok := slabs(o, minP, maxP, rr)
	return ok, tmin
}

func aabbUnion(aMin, aMax, bMin, bMax Vec3) (Vec3, Vec3) {
	return Vec3{math.Min(aMin.X, bMin.X), math.Min(aMin.Y, bMin.Y), math.Min(aMin.Z, bMin.Z)},
		Vec3{math.Max(aMax.X, bMax.X), math.Max(aMax.Y, bMax.Y), math.Max(aMax.Z, bMax.Z)}
}
