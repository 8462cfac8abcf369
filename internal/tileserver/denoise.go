package tileserver

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// DenoiseInput is the image handed to a Denoiser. Every plane is row-major
// float RGB/XYZ triples. Normal and Albedo may be nil.
type DenoiseInput struct {
	Width  int
	Height int
	Color  []float32
	Normal []float32
	Albedo []float32
	HDR    bool // Color holds linear radiance rather than display values
}

// Denoiser filters Monte Carlo noise out of a rendered color plane. It
// returns a new RGB plane of the same size.
type Denoiser interface {
	Denoise(in DenoiseInput) ([]float32, error)
}

// BilateralDenoiser is a joint cross-bilateral filter. Neighbours are
// weighted by distance, color difference and, when the auxiliary planes are
// present, by normal and albedo difference, which keeps geometric edges sharp.
type BilateralDenoiser struct {
	Radius       int
	SigmaSpatial Real
	SigmaColor   Real
	SigmaNormal  Real
	SigmaAlbedo  Real
	Workers      int
}

func NewBilateralDenoiser() *BilateralDenoiser {
	return &BilateralDenoiser{
		Radius:       DenoiseRadius,
		SigmaSpatial: DenoiseSigmaSpatial,
		SigmaColor:   DenoiseSigmaColor,
		SigmaNormal:  DenoiseSigmaNormal,
		SigmaAlbedo:  DenoiseSigmaAlbedo,
	}
}

func (d *BilateralDenoiser) Denoise(in DenoiseInput) ([]float32, error) {
	n := in.Width * in.Height
	if in.Width <= 0 || in.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, in.Width, in.Height)
	}
	if len(in.Color) != n*3 {
		return nil, fmt.Errorf("color plane has %d floats, want %d", len(in.Color), n*3)
	}
	normal, albedo := in.Normal, in.Albedo
	if normal != nil && len(normal) != n*3 {
		return nil, fmt.Errorf("normal plane has %d floats, want %d", len(normal), n*3)
	}
	if albedo != nil && len(albedo) != n*3 {
		return nil, fmt.Errorf("albedo plane has %d floats, want %d", len(albedo), n*3)
	}

	// Range weights on HDR input are computed in log space so that bright
	// highlights do not dominate.
	guide := in.Color
	if in.HDR {
		guide = make([]float32, len(in.Color))
		for i, c := range in.Color {
			guide[i] = float32(math.Log1p(math.Max(float64(c), 0)))
		}
	}

	r := d.Radius
	if r < 0 {
		r = 0
	}
	spatial := make([]Real, (2*r+1)*(2*r+1))
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			spatial[(dy+r)*(2*r+1)+dx+r] = gaussWeight(Real(dx*dx+dy*dy), d.SigmaSpatial)
		}
	}

	out := make([]float32, n*3)
	workers := d.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > in.Height {
		workers = in.Height
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for wk := 0; wk < workers; wk++ {
		wid := wk
		go func() {
			defer wg.Done()
			for y := wid; y < in.Height; y += workers {
				for x := 0; x < in.Width; x++ {
					d.filterPixel(in, guide, normal, albedo, spatial, r, x, y, out)
				}
			}
		}()
	}
	wg.Wait()
	return out, nil
}

func (d *BilateralDenoiser) filterPixel(in DenoiseInput, guide, normal, albedo []float32, spatial []Real, r, x, y int, out []float32) {
	w, h := in.Width, in.Height
	c := (y*w + x) * 3
	var sum [3]Real
	var wsum Real
	for dy := -r; dy <= r; dy++ {
		yy := y + dy
		if yy < 0 || yy >= h {
			continue
		}
		for dx := -r; dx <= r; dx++ {
			xx := x + dx
			if xx < 0 || xx >= w {
				continue
			}
			q := (yy*w + xx) * 3
			wt := spatial[(dy+r)*(2*r+1)+dx+r]
			wt *= gaussWeight(dist2(guide, c, q), d.SigmaColor)
			if normal != nil {
				wt *= gaussWeight(dist2(normal, c, q), d.SigmaNormal)
			}
			if albedo != nil {
				wt *= gaussWeight(dist2(albedo, c, q), d.SigmaAlbedo)
			}
			sum[0] += wt * Real(in.Color[q])
			sum[1] += wt * Real(in.Color[q+1])
			sum[2] += wt * Real(in.Color[q+2])
			wsum += wt
		}
	}
	if wsum <= 0 {
		copy(out[c:c+3], in.Color[c:c+3])
		return
	}
	out[c] = float32(sum[0] / wsum)
	out[c+1] = float32(sum[1] / wsum)
	out[c+2] = float32(sum[2] / wsum)
}

func dist2(p []float32, a, b int) Real {
	dx := Real(p[a] - p[b])
	dy := Real(p[a+1] - p[b+1])
	dz := Real(p[a+2] - p[b+2])
	return dx*dx + dy*dy + dz*dz
}

func gaussWeight(d2, sigma Real) Real {
	if sigma <= 0 {
		if d2 == 0 {
			return 1
		}
		return 0
	}
	return math.Exp(-d2 / (2 * sigma * sigma))
}
