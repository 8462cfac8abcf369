package tileserver

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	ErrBufferReleased = errors.New("frame buffer already released")
	ErrBufferMapped   = errors.New("frame buffer still mapped")
	ErrNotMapped      = errors.New("view is not mapped")
	ErrNoChannel      = errors.New("frame buffer has no such channel")
	ErrRenderInFlight = errors.New("a render is already in flight")
)

// Channel selects one of the frame buffer planes.
type Channel uint8

const (
	ChannelColor  Channel = iota // RGBA, 4 floats per pixel
	ChannelNormal                // XYZ, 3 floats per pixel
	ChannelAlbedo                // RGB, 3 floats per pixel
)

func (c Channel) String() string {
	switch c {
	case ChannelColor:
		return "color"
	case ChannelNormal:
		return "normal"
	case ChannelAlbedo:
		return "albedo"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Stride is the number of floats per pixel stored for the channel.
func (c Channel) Stride() int {
	if c == ChannelColor {
		return 4
	}
	return 3
}

// PixelView is a read-only mapping of one frame buffer channel. Rows are
// stored bottom to top. The view must be handed back to Unmap; its Data must
// not be retained afterwards.
type PixelView struct {
	Channel Channel
	Width   int
	Height  int
	Stride  int // floats per pixel
	Data    []float32
}

// At returns component c of pixel (x, y), y counted from the bottom row.
func (v PixelView) At(x, y, c int) float32 {
	return v.Data[(y*v.Width+x)*v.Stride+c]
}

// FrameBufferOptions selects the planes a frame buffer allocates.
type FrameBufferOptions struct {
	Denoise bool // allocate normal and albedo planes for the denoiser
}

// FrameBuffer is the render target for a single tile.
type FrameBuffer interface {
	Size() (w, h int)
	// ToneMapped reports whether the color plane already holds display
	// referred values; false means linear HDR radiance.
	ToneMapped() bool
	Map(ch Channel) (PixelView, error)
	Unmap(v PixelView)
	Release() error
}

// Camera is the committed camera state. ImageStart and ImageEnd select the
// normalized sub-window of the screen that is rendered.
type Camera struct {
	Pos           Vec3
	Up            Vec3
	Dir           Vec3
	Fovy          Real // degrees
	Aspect        Real
	FocusDistance Real
	ImageStart    Vec2
	ImageEnd      Vec2
}

// RenderEngine is the boundary to the renderer. RenderFrame is synchronous:
// when it returns the buffer holds the resolved tile. The engine may use any
// amount of internal parallelism.
type RenderEngine interface {
	Camera() Camera
	SetCamera(c Camera) error
	Lights() *LightGroup
	SetLights(g *LightGroup)
	NewFrameBuffer(w, h int, opts FrameBufferOptions) (FrameBuffer, error)
	RenderFrame(ctx context.Context, fb FrameBuffer) error
}

// WithMapped maps one channel of fb, calls fn with the view and unmaps it on
// every exit path, including panics in fn.
func WithMapped(fb FrameBuffer, ch Channel, fn func(PixelView) error) error {
	v, err := fb.Map(ch)
	if err != nil {
		return fmt.Errorf("map %s: %w", ch, err)
	}
	defer fb.Unmap(v)
	return fn(v)
}

// cameraBasis precomputes the screen plane of a perspective camera
// (OSPRay conventions: screen (0,0) bottom-left, (1,1) top-right).
type cameraBasis struct {
	org   Vec3
	dir00 Vec3
	du    Vec3
	dv    Vec3
	start Vec2
	size  Vec2
}

func newCameraBasis(c Camera) (cameraBasis, error) {
	dir := c.Dir.Norm()
	if dir.isZero() {
		return cameraBasis{}, errors.New("camera direction must be non-zero")
	}
	du := dir.Cross(c.Up).Norm()
	if du.isZero() {
		return cameraBasis{}, fmt.Errorf("camera up %+v is parallel to direction %+v", c.Up, c.Dir)
	}
	dv := du.Cross(dir).Norm()
	fovy := c.Fovy
	if fovy <= 0 {
		fovy = DefaultFovy
	}
	aspect := c.Aspect
	if aspect <= 0 || !isFinite(aspect) {
		aspect = 1
	}
	imgH := 2 * math.Tan(fovy*0.5*math.Pi/180)
	imgW := imgH * aspect
	du = du.Mul(imgW)
	dv = dv.Mul(imgH)
	return cameraBasis{
		org:   c.Pos,
		dir00: dir.Sub(du.Mul(0.5)).Sub(dv.Mul(0.5)),
		du:    du,
		dv:    dv,
		start: c.ImageStart,
		size:  Vec2{c.ImageEnd.X - c.ImageStart.X, c.ImageEnd.Y - c.ImageStart.Y},
	}, nil
}

// ray returns the primary ray through tile-local coordinate (fx, fy) in
// [0,1]², fy counted from the bottom of the tile.
func (b cameraBasis) ray(fx, fy Real) (Vec3, Vec3) {
	sx := b.start.X + fx*b.size.X
	sy := b.start.Y + fy*b.size.Y
	d := b.dir00.Add(b.du.Mul(sx)).Add(b.dv.Mul(sy)).Norm()
	return b.org, d
}
