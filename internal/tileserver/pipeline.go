package tileserver

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// LinearToSRGB applies the sRGB transfer curve. Negative input maps to 0.
func LinearToSRGB(c Real) Real {
	if c <= 0 {
		return 0
	}
	if c <= 0.0031308 {
		return 12.92 * c
	}
	return 1.055*math.Pow(c, 1/2.4) - 0.055
}

// SRGBToLinear is the inverse of LinearToSRGB on [0, 1].
func SRGBToLinear(c Real) Real {
	if c <= 0 {
		return 0
	}
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

// QuantizeChannel maps a display value to a byte: clamp(round(v*255), 0, 255).
func QuantizeChannel(v Real) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(clamp(math.Round(v*255), 0, 255))
}

// FlipVertical reverses the row order of an h-row buffer in place.
// Applying it twice restores the original.
func FlipVertical(pix []byte, stride, h int) {
	tmp := make([]byte, stride)
	for top, bot := 0, h-1; top < bot; top, bot = top+1, bot-1 {
		a := pix[top*stride : top*stride+stride]
		b := pix[bot*stride : bot*stride+stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}

// Pipeline turns a rendered frame buffer into a top-left origin RGBA image.
//
// With Denoise set the color plane is denoised (guided by the normal and
// albedo planes when present), scaled by Normalization and sRGB encoded.
// Otherwise the mapped color values are quantized as they are.
type Pipeline struct {
	Denoise  bool
	Denoiser Denoiser
	Raw      *RawDumper // optional float dump of every tile
}

// Process maps fb, post-processes it and returns the 8-bit image. Every view
// it maps is unmapped before it returns.
func (p *Pipeline) Process(fb FrameBuffer) (*image.RGBA, error) {
	w, h := fb.Size()
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	var rgba []float32
	if p.Denoise {
		den, err := p.denoise(fb, w, h)
		if err != nil {
			return nil, err
		}
		rgba = den
		p.dump(rgba, w, h)
		quantizeRows(img, rgba, w, h, func(v float32) uint8 {
			return QuantizeChannel(LinearToSRGB(Real(v) * Normalization))
		})
	} else {
		err := WithMapped(fb, ChannelColor, func(v PixelView) error {
			if err := checkView(v, w, h); err != nil {
				return err
			}
			p.dump(v.Data, w, h)
			quantizeRows(img, v.Data, w, h, func(c float32) uint8 { return QuantizeChannel(Real(c)) })
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	// Rows were written in buffer order, bottom row first.
	FlipVertical(img.Pix, img.Stride, h)
	return img, nil
}

// checkView verifies that a mapped view covers a w×h tile with the stride
// its channel stores.
func checkView(v PixelView, w, h int) error {
	if v.Stride != v.Channel.Stride() || len(v.Data) < w*h*v.Stride {
		return fmt.Errorf("%s view holds %d floats with stride %d, want %dx%dx%d",
			v.Channel, len(v.Data), v.Stride, w, h, v.Channel.Stride())
	}
	return nil
}

// quantizeRows copies RGB through q in source row order and forces alpha to 255.
func quantizeRows(img *image.RGBA, src []float32, w, h int, q func(float32) uint8) {
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			s := src[(y*w+x)*4:]
			d := row[x*4:]
			d[ChR] = q(s[ChR])
			d[ChG] = q(s[ChG])
			d[ChB] = q(s[ChB])
			d[ChA] = 255
		}
	}
}

// denoise runs the configured denoiser and returns an RGBA float buffer with
// alpha 1, rows still bottom first.
func (p *Pipeline) denoise(fb FrameBuffer, w, h int) ([]float32, error) {
	if p.Denoiser == nil {
		return nil, errors.New("denoise enabled without a denoiser")
	}
	in := DenoiseInput{Width: w, Height: h, HDR: !fb.ToneMapped()}
	err := WithMapped(fb, ChannelColor, func(v PixelView) error {
		if err := checkView(v, w, h); err != nil {
			return err
		}
		in.Color = make([]float32, w*h*3)
		for i := 0; i < w*h; i++ {
			copy(in.Color[i*3:i*3+3], v.Data[i*4:i*4+3])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	aux := func(ch Channel, dst *[]float32) error {
		err := WithMapped(fb, ch, func(v PixelView) error {
			if err := checkView(v, w, h); err != nil {
				return err
			}
			*dst = append([]float32(nil), v.Data[:w*h*3]...)
			return nil
		})
		if errors.Is(err, ErrNoChannel) {
			return nil
		}
		return err
	}
	if err := aux(ChannelNormal, &in.Normal); err != nil {
		return nil, err
	}
	if err := aux(ChannelAlbedo, &in.Albedo); err != nil {
		return nil, err
	}
	out, err := p.Denoiser.Denoise(in)
	if err != nil {
		return nil, fmt.Errorf("denoise: %w", err)
	}
	if len(out) != w*h*3 {
		return nil, fmt.Errorf("denoise: got %d floats want %d", len(out), w*h*3)
	}
	rgba := make([]float32, w*h*4)
	for i := 0; i < w*h; i++ {
		copy(rgba[i*4:i*4+3], out[i*3:i*3+3])
		rgba[i*4+ChA] = 1
	}
	return rgba, nil
}

func (p *Pipeline) dump(rgba []float32, w, h int) {
	if p.Raw == nil {
		return
	}
	if path, err := p.Raw.Dump(rgba, w, h, 4); err != nil {
		Logger().Warn("raw tile dump failed", "err", err)
	} else {
		DebugLog("Raw tile written to %s", path)
	}
}
