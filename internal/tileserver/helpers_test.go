package tileserver

import (
	"context"
	"errors"
	"math"
	"sync"
)

func almostEq(a, b Real) bool { return math.Abs(a-b) < 1e-9 }

// fakeEngine records committed cameras and fills every tile with a flat color.
type fakeEngine struct {
	mu        sync.Mutex
	camera    Camera
	cameras   []Camera
	lights    *LightGroup
	fill      [4]float32
	renderErr error
	buffers   []*SoftwareFrameBuffer
	renders   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fill: [4]float32{0.5, 0.25, 1, 1}}
}

func (e *fakeEngine) Camera() Camera { return e.camera }

func (e *fakeEngine) SetCamera(c Camera) error {
	if c.Dir.isZero() {
		return errors.New("zero direction")
	}
	e.camera = c
	e.cameras = append(e.cameras, c)
	return nil
}

func (e *fakeEngine) Lights() *LightGroup      { return e.lights }
func (e *fakeEngine) SetLights(g *LightGroup) { e.lights = g }

func (e *fakeEngine) NewFrameBuffer(w, h int, opts FrameBufferOptions) (FrameBuffer, error) {
	fb, err := NewSoftwareFrameBuffer(w, h, opts)
	if err != nil {
		return nil, err
	}
	e.buffers = append(e.buffers, fb)
	return fb, nil
}

func (e *fakeEngine) RenderFrame(ctx context.Context, fb FrameBuffer) error {
	e.renders++
	if e.renderErr != nil {
		return e.renderErr
	}
	color, normal, albedo, err := fb.(*SoftwareFrameBuffer).writable()
	if err != nil {
		return err
	}
	for i := 0; i < len(color); i += 4 {
		copy(color[i:i+4], e.fill[:])
	}
	for i := 0; i < len(normal); i += 3 {
		normal[i+2] = 1
		albedo[i], albedo[i+1], albedo[i+2] = 0.5, 0.5, 0.5
	}
	return nil
}

// gradientBuffer returns a w×h buffer whose row y (from the bottom) holds y/h
// in every color channel.
func gradientBuffer(w, h int, opts FrameBufferOptions) *SoftwareFrameBuffer {
	fb, err := NewSoftwareFrameBuffer(w, h, opts)
	if err != nil {
		panic(err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			v := float32(y) / float32(h)
			fb.color[i], fb.color[i+1], fb.color[i+2], fb.color[i+3] = v, v, v, 0.25
		}
	}
	return fb
}
