package tileserver

import (
	"fmt"
	"sync"
)

// SoftwareFrameBuffer is a host-memory frame buffer. It counts outstanding
// mappings so that a buffer can never be released while a view is live.
type SoftwareFrameBuffer struct {
	mu         sync.Mutex
	w, h       int
	toneMapped bool
	color      []float32
	normal     []float32
	albedo     []float32
	mapped     int
	released   bool
}

// NewSoftwareFrameBuffer allocates zeroed planes for a w×h tile.
func NewSoftwareFrameBuffer(w, h int, opts FrameBufferOptions) (*SoftwareFrameBuffer, error) {
	if w <= 0 || h <= 0 || w > MaxTileDim || h > MaxTileDim {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, w, h)
	}
	fb := &SoftwareFrameBuffer{
		w:     w,
		h:     h,
		color: make([]float32, w*h*4),
	}
	if opts.Denoise {
		fb.normal = make([]float32, w*h*3)
		fb.albedo = make([]float32, w*h*3)
	}
	return fb, nil
}

func (fb *SoftwareFrameBuffer) Size() (int, int) { return fb.w, fb.h }

func (fb *SoftwareFrameBuffer) ToneMapped() bool { return fb.toneMapped }

func (fb *SoftwareFrameBuffer) plane(ch Channel) []float32 {
	switch ch {
	case ChannelColor:
		return fb.color
	case ChannelNormal:
		return fb.normal
	case ChannelAlbedo:
		return fb.albedo
	}
	return nil
}

func (fb *SoftwareFrameBuffer) Map(ch Channel) (PixelView, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.released {
		return PixelView{}, ErrBufferReleased
	}
	data := fb.plane(ch)
	if data == nil {
		return PixelView{}, fmt.Errorf("%w: %s", ErrNoChannel, ch)
	}
	fb.mapped++
	return PixelView{Channel: ch, Width: fb.w, Height: fb.h, Stride: ch.Stride(), Data: data}, nil
}

func (fb *SoftwareFrameBuffer) Unmap(v PixelView) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if v.Data == nil || fb.mapped == 0 {
		Logger().Warn("unmap of a view that is not mapped", "channel", v.Channel.String())
		return
	}
	fb.mapped--
}

// Mapped is the number of views currently handed out.
func (fb *SoftwareFrameBuffer) Mapped() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.mapped
}

// Released reports whether Release has succeeded.
func (fb *SoftwareFrameBuffer) Released() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.released
}

// Release drops the planes. It fails while views are still mapped.
func (fb *SoftwareFrameBuffer) Release() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.released {
		return ErrBufferReleased
	}
	if fb.mapped > 0 {
		return fmt.Errorf("%w: %d views", ErrBufferMapped, fb.mapped)
	}
	fb.released = true
	fb.color, fb.normal, fb.albedo = nil, nil, nil
	return nil
}

// writable returns the planes for the renderer. Callers must hold no views.
func (fb *SoftwareFrameBuffer) writable() (color, normal, albedo []float32, err error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.released {
		return nil, nil, nil, ErrBufferReleased
	}
	if fb.mapped > 0 {
		return nil, nil, nil, fmt.Errorf("%w: cannot render into a mapped buffer", ErrBufferMapped)
	}
	return fb.color, fb.normal, fb.albedo, nil
}
