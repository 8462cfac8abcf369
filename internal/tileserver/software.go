package tileserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Scene is the geometry the software engine renders. Lights come from the
// active light group, not from the scene.
type Scene struct {
	Spheres    []*Sphere
	Boxes      []*Box
	Background Vec3 // radiance of rays that escape with no environment light
}

// EngineOptions tunes the software engine.
type EngineOptions struct {
	Workers    int   // <= 0 means runtime.NumCPU()
	Spp        int   // samples per pixel
	MaxBounces int   // path length limit
	Seed       int64 // 0 means time based
	ToneMapped bool  // write filmic display values instead of linear radiance
}

// SoftwareEngine is a CPU path tracer over analytic primitives. It stands in
// for an external renderer behind the RenderEngine boundary.
type SoftwareEngine struct {
	mu        sync.Mutex
	opts      EngineOptions
	scene     *Scene
	objects   []shape
	bvh       *bvhNode
	camera    Camera
	basis     cameraBasis
	committed bool
	lights    *LightGroup
	frames    uint64
	busy      atomic.Bool
}

func NewSoftwareEngine(scene *Scene, opts EngineOptions) *SoftwareEngine {
	if scene == nil {
		scene = &Scene{}
	}
	if opts.Spp <= 0 {
		opts.Spp = DefaultSpp
	}
	if opts.MaxBounces <= 0 {
		opts.MaxBounces = DefaultMaxBounces
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	e := &SoftwareEngine{opts: opts, scene: scene}
	for _, s := range scene.Spheres {
		e.objects = append(e.objects, s)
	}
	for _, b := range scene.Boxes {
		e.objects = append(e.objects, b)
	}
	if len(e.objects) >= BVHFromNObjects {
		e.bvh = buildBVH(e.objects)
		DebugLog("Built BVH over %d objects", len(e.objects))
	}
	return e
}

func (e *SoftwareEngine) Camera() Camera {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.camera
}

// SetCamera validates and commits c. The previous camera stays in effect on error.
func (e *SoftwareEngine) SetCamera(c Camera) error {
	b, err := newCameraBasis(c)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.camera = c
	e.basis = b
	e.committed = true
	return nil
}

func (e *SoftwareEngine) Lights() *LightGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lights
}

func (e *SoftwareEngine) SetLights(g *LightGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lights = g
}

func (e *SoftwareEngine) NewFrameBuffer(w, h int, opts FrameBufferOptions) (FrameBuffer, error) {
	fb, err := NewSoftwareFrameBuffer(w, h, opts)
	if err != nil {
		return nil, err
	}
	fb.toneMapped = e.opts.ToneMapped
	return fb, nil
}

// RenderFrame renders the committed camera into fb. Rows are shared between
// workers; it returns ctx.Err() if the context ends before every row is done.
func (e *SoftwareEngine) RenderFrame(ctx context.Context, fb FrameBuffer) error {
	sfb, ok := fb.(*SoftwareFrameBuffer)
	if !ok {
		return fmt.Errorf("software engine cannot render into %T", fb)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrRenderInFlight
	}
	defer e.busy.Store(false)

	e.mu.Lock()
	if !e.committed {
		e.mu.Unlock()
		return errors.New("render before a camera was committed")
	}
	basis := e.basis
	var lights []*Light
	if e.lights != nil {
		lights = append(lights, e.lights.Lights...)
	}
	e.frames++
	frame := e.frames
	e.mu.Unlock()

	color, normal, albedo, err := sfb.writable()
	if err != nil {
		return err
	}
	w, h := sfb.Size()

	workers := e.opts.Workers
	if workers > h {
		workers = h
	}
	base := e.opts.Seed
	if base == 0 {
		base = time.Now().UnixNano()
	}

	var nextRow int64 = -1
	var wg sync.WaitGroup
	wg.Add(workers)
	for wk := 0; wk < workers; wk++ {
		wid := wk
		go func() {
			defer wg.Done()
			seed := base ^ int64(uint64(wid)*0x9e3779b97f4a7c15) ^ int64(frame)
			rng := rand.New(rand.NewSource(seed))
			for {
				if ctx.Err() != nil {
					return
				}
				y := int(atomic.AddInt64(&nextRow, 1))
				if y >= h {
					return
				}
				e.renderRow(basis, lights, rng, y, w, h, color, normal, albedo)
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// renderRow fills row y (counted from the bottom) of every plane.
func (e *SoftwareEngine) renderRow(basis cameraBasis, lights []*Light, rng *rand.Rand, y, w, h int, color, normal, albedo []float32) {
	spp := e.opts.Spp
	inv := 1 / Real(spp)
	for x := 0; x < w; x++ {
		var c, n, a Vec3
		for s := 0; s < spp; s++ {
			fx := (Real(x) + rng.Float64()) / Real(w)
			fy := (Real(y) + rng.Float64()) / Real(h)
			o, d := basis.ray(fx, fy)
			sc, sn, sa := e.trace(o, d, lights, rng)
			c = c.Add(sc)
			n = n.Add(sn)
			a = a.Add(sa)
		}
		c = c.Mul(inv)
		if e.opts.ToneMapped {
			c = filmic(c)
		}
		i := (y*w + x) * 4
		color[i+ChR] = float32(c.X)
		color[i+ChG] = float32(c.Y)
		color[i+ChB] = float32(c.Z)
		color[i+ChA] = 1
		if normal != nil {
			j := (y*w + x) * 3
			n = n.Norm()
			a = a.Mul(inv)
			normal[j], normal[j+1], normal[j+2] = float32(n.X), float32(n.Y), float32(n.Z)
			albedo[j], albedo[j+1], albedo[j+2] = float32(a.X), float32(a.Y), float32(a.Z)
		}
	}
}

func (e *SoftwareEngine) nearest(o, d Vec3, tMax Real) (objectHit, bool) {
	if e.bvh != nil {
		return e.bvh.nearest(o, d, newRayRecips(d), tMax)
	}
	var best objectHit
	found := false
	for _, s := range e.objects {
		if h, ok := s.intersect(o, d, tMax); ok {
			best, found, tMax = h, true, h.t
		}
	}
	return best, found
}

func (e *SoftwareEngine) occluded(o, d Vec3, dist Real) bool {
	_, hit := e.nearest(o, d, dist-bumpShift)
	return hit
}

func (e *SoftwareEngine) environment(d Vec3, lights []*Light) Vec3 {
	var env Vec3
	seen := false
	for _, l := range lights {
		if l.Kind == LightAmbient || l.Kind == LightHDRI {
			env = env.Add(l.environment(d))
			seen = true
		}
	}
	if !seen {
		return e.scene.Background
	}
	return env
}

// trace follows one camera path. It returns the radiance along the path plus
// the normal and albedo of the first surface hit.
func (e *SoftwareEngine) trace(o, d Vec3, lights []*Light, rng *rand.Rand) (radiance, firstN, firstAlbedo Vec3) {
	throughput := Vec3{1, 1, 1}
	for bounce := 0; bounce < e.opts.MaxBounces; bounce++ {
		h, ok := e.nearest(o, d, math.Inf(1))

		// Visible quads are only seen directly; indirect hits are covered by light sampling.
		if bounce == 0 {
			tMax := math.Inf(1)
			if ok {
				tMax = h.t
			}
			for _, l := range lights {
				if l.Kind != LightQuad || !l.Visible {
					continue
				}
				if _, hit := l.hitQuad(o, d, tMax); hit && d.Dot(l.normal) < 0 {
					return l.radiance(), firstN, firstAlbedo
				}
			}
		}

		if !ok {
			radiance = radiance.Add(throughput.MulV(e.environment(d, lights)))
			return radiance, firstN, firstAlbedo
		}

		P := o.Add(d.Mul(h.t))
		N := h.n
		alb := h.mat.Albedo
		if bounce == 0 {
			firstN, firstAlbedo = N, alb
		}
		radiance = radiance.Add(throughput.MulV(h.mat.Emission))

		// Next-event estimation for quad and distant lights.
		brdf := alb.Mul(1 / math.Pi)
		org := P.Add(N.Mul(bumpShift))
		for _, l := range lights {
			switch l.Kind {
			case LightQuad:
				dir, dist, contrib, ok := l.sampleQuad(P, rng.Float64(), rng.Float64())
				if !ok {
					continue
				}
				cos := N.Dot(dir)
				if cos <= 0 || e.occluded(org, dir, dist) {
					continue
				}
				radiance = radiance.Add(throughput.MulV(brdf).MulV(contrib).Mul(cos))
			case LightDistant:
				dir := l.Dir.Neg()
				cos := N.Dot(dir)
				if cos <= 0 || e.occluded(org, dir, math.Inf(1)) {
					continue
				}
				radiance = radiance.Add(throughput.MulV(brdf).MulV(l.radiance()).Mul(cos))
			}
		}

		// Cosine sampling cancels the cosine and 1/π of a Lambertian BRDF.
		throughput = throughput.MulV(alb)
		if bounce >= RouletteMinBounce {
			q := clamp(throughput.MaxComponent(), 0.05, 1)
			if rng.Float64() > q {
				break
			}
			throughput = throughput.Mul(1 / q)
		}
		if throughput.isZero() {
			break
		}
		d = sampleDiffuseDir(N, rng)
		o = org
	}
	return radiance, firstN, firstAlbedo
}

// filmic is the Narkowicz ACES fit, applied per channel.
func filmic(c Vec3) Vec3 {
	f := func(x Real) Real {
		if x <= 0 {
			return 0
		}
		return clamp((x*(2.51*x+0.03))/(x*(2.43*x+0.59)+0.14), 0, 1)
	}
	return Vec3{f(c.X), f(c.Y), f(c.Z)}
}
