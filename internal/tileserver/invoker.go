package tileserver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Invoker drives one tile render against a RenderEngine. It owns the frame
// buffer for the duration of a single Render call and never lets two
// buffers be live at once.
type Invoker struct {
	engine   RenderEngine
	defaults Camera
	opts     FrameBufferOptions
	live     atomic.Bool
}

// NewInvoker binds engine. defaults supplies what a request does not carry
// (fovy when the line has none, focus distance).
func NewInvoker(engine RenderEngine, defaults Camera, opts FrameBufferOptions) *Invoker {
	if defaults.Fovy <= 0 {
		defaults.Fovy = DefaultFovy
	}
	return &Invoker{engine: engine, defaults: defaults, opts: opts}
}

// CameraFor builds the camera committed for req rendered into rect.
func (iv *Invoker) CameraFor(req RenderRequest, rect TileRect) Camera {
	c := iv.defaults
	c.Pos = req.Pos
	c.Up = req.Up
	c.Dir = req.Dir
	if req.HasFovy {
		c.Fovy = req.Fovy
	}
	c.Aspect = rect.Aspect(req.Width, req.Height)
	c.ImageStart = rect.Start
	c.ImageEnd = rect.End
	return c
}

// Render commits the request's camera, renders into a fresh width×height
// buffer and hands the buffer to fn. The buffer is released on every path
// out of Render; fn must not retain it.
func (iv *Invoker) Render(ctx context.Context, req RenderRequest, rect TileRect, fn func(FrameBuffer) error) (err error) {
	if !iv.live.CompareAndSwap(false, true) {
		return ErrRenderInFlight
	}
	defer iv.live.Store(false)

	if err := iv.engine.SetCamera(iv.CameraFor(req, rect)); err != nil {
		return fmt.Errorf("commit camera: %w", err)
	}
	fb, err := iv.engine.NewFrameBuffer(req.Width, req.Height, iv.opts)
	if err != nil {
		return fmt.Errorf("allocate %dx%d frame buffer: %w", req.Width, req.Height, err)
	}
	defer func() {
		if rerr := fb.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release frame buffer: %w", rerr))
		}
	}()

	if err := iv.engine.RenderFrame(ctx, fb); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return fn(fb)
}
