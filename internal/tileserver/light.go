package tileserver

import (
	"errors"
	"fmt"
	"math"
)

// LightKind distinguishes the light types a group can hold.
type LightKind uint8

const (
	LightAmbient LightKind = iota
	LightDistant
	LightQuad
	LightHDRI
)

func (k LightKind) String() string {
	switch k {
	case LightAmbient:
		return "ambient"
	case LightDistant:
		return "distant"
	case LightQuad:
		return "quad"
	case LightHDRI:
		return "hdri"
	default:
		return fmt.Sprintf("light(%d)", uint8(k))
	}
}

// Light is one light source. Which fields are meaningful depends on Kind:
//   - ambient: Color, Intensity
//   - distant: Dir (direction the light travels), Color, Intensity
//   - quad: Position, Edge1, Edge2, Color, Intensity, Visible
//   - hdri: Dir (center of the map), Up, Map, Intensity
type Light struct {
	Name      string
	Kind      LightKind
	Color     Vec3
	Intensity Real
	Dir       Vec3
	Up        Vec3
	Position  Vec3
	Edge1     Vec3
	Edge2     Vec3
	Visible   bool
	Map       *Texture

	// cached for quad lights
	normal Vec3
	area   Real
}

// NewQuadLight builds a one-sided quad light spanning position+s*edge1+t*edge2.
// It emits towards edge1×edge2. Degenerate edges give a light that emits nothing.
func NewQuadLight(name string, position, edge1, edge2, color Vec3, intensity Real) *Light {
	n := edge1.Cross(edge2)
	area := n.Len()
	if area > 0 {
		n = n.Mul(1 / area)
	}
	return &Light{
		Name:      name,
		Kind:      LightQuad,
		Position:  position,
		Edge1:     edge1,
		Edge2:     edge2,
		Color:     color,
		Intensity: intensity,
		Visible:   true,
		normal:    n,
		area:      area,
	}
}

// NewHDRILight builds an environment light. dir points at the center of the map.
func NewHDRILight(name string, dir Vec3, intensity Real, tex *Texture) (*Light, error) {
	if tex == nil {
		return nil, errors.New("hdri light needs a texture")
	}
	if dir.isZero() {
		return nil, errors.New("hdri direction must be non-zero")
	}
	return &Light{
		Name:      name,
		Kind:      LightHDRI,
		Dir:       dir.Norm(),
		Up:        Vec3{0, 1, 0},
		Map:       tex,
		Intensity: intensity,
		Color:     Vec3{1, 1, 1},
		Visible:   true,
	}, nil
}

// NewDistantLight builds a directional light travelling along dir.
func NewDistantLight(name string, dir, color Vec3, intensity Real) (*Light, error) {
	if dir.isZero() {
		return nil, errors.New("distant light direction must be non-zero")
	}
	return &Light{Name: name, Kind: LightDistant, Dir: dir.Norm(), Color: color, Intensity: intensity}, nil
}

// NewAmbientLight builds a uniform light.
func NewAmbientLight(name string, color Vec3, intensity Real) *Light {
	return &Light{Name: name, Kind: LightAmbient, Color: color, Intensity: intensity, Visible: true}
}

// radiance is the emitted radiance of quad, ambient and distant lights.
func (l *Light) radiance() Vec3 { return l.Color.Mul(l.Intensity) }

// environment returns the radiance an HDRI or ambient light contributes
// along world direction d.
func (l *Light) environment(d Vec3) Vec3 {
	switch l.Kind {
	case LightAmbient:
		return l.radiance()
	case LightHDRI:
		if l.Map == nil {
			return Vec3{}
		}
		// Frame: Dir is the map center, Up is the pole.
		up := l.Up.Norm()
		fwd := l.Dir.Sub(up.Mul(l.Dir.Dot(up))).Norm()
		right := fwd.Cross(up)
		x, y, z := d.Dot(right), d.Dot(up), d.Dot(fwd)
		u := 0.5 + math.Atan2(x, z)/(2*math.Pi)
		v := math.Acos(clamp(y, -1, 1)) / math.Pi
		return l.Map.Sample(u, v).Mul(l.Intensity)
	}
	return Vec3{}
}

// sampleQuad picks a point on a quad light and returns the direction and
// distance from p towards it, plus the unshadowed radiance reaching p per
// unit of surface cosine (already divided by the sampling pdf).
func (l *Light) sampleQuad(p Vec3, u1, u2 Real) (dir Vec3, dist Real, contrib Vec3, ok bool) {
	q := l.Position.Add(l.Edge1.Mul(u1)).Add(l.Edge2.Mul(u2))
	toL := q.Sub(p)
	d2 := toL.Dot(toL)
	if d2 < epsDist {
		return Vec3{}, 0, Vec3{}, false
	}
	dist = math.Sqrt(d2)
	dir = toL.Mul(1 / dist)
	cosL := -dir.Dot(l.normal)
	if cosL <= 0 || l.area == 0 {
		return Vec3{}, 0, Vec3{}, false
	}
	// pdf over solid angle = d² / (cosL · area)
	contrib = l.radiance().Mul(cosL * l.area / d2)
	return dir, dist, contrib, true
}

// hitQuad intersects a ray with the quad surface (used only for visible quads).
func (l *Light) hitQuad(o, d Vec3, tMax Real) (Real, bool) {
	denom := d.Dot(l.normal)
	if l.area == 0 || math.Abs(denom) < 1e-12 {
		return 0, false
	}
	t := l.Position.Sub(o).Dot(l.normal) / denom
	if t <= epsDist || t >= tMax {
		return 0, false
	}
	p := o.Add(d.Mul(t)).Sub(l.Position)
	e1l := l.Edge1.Dot(l.Edge1)
	e2l := l.Edge2.Dot(l.Edge2)
	s := p.Dot(l.Edge1) / e1l
	r := p.Dot(l.Edge2) / e2l
	if s < 0 || s > 1 || r < 0 || r > 1 {
		return 0, false
	}
	return t, true
}

// GroupID is the stable arena key of a light group.
type GroupID uint64

// LightGroup is a named, swappable set of lights.
type LightGroup struct {
	ID     GroupID
	Name   string
	Lights []*Light
}

// release drops texture references so their memory can be reclaimed.
func (g *LightGroup) release() {
	for _, l := range g.Lights {
		l.Map = nil
	}
	g.Lights = nil
}
