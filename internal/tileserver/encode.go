package tileserver

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
)

var ErrEncode = errors.New("encode failed")

// Compressor pushes the compressed form of img into w, possibly in many writes.
type Compressor interface {
	Compress(w io.Writer, img *image.RGBA, quality int) error
	ContentType() string
}

// JPEGCompressor is the default tile codec.
type JPEGCompressor struct{}

func (JPEGCompressor) Compress(w io.Writer, img *image.RGBA, quality int) error {
	if quality < 1 || quality > 100 {
		quality = JPEGQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func (JPEGCompressor) ContentType() string { return "image/jpeg" }

// PNGCompressor is lossless; quality is ignored.
type PNGCompressor struct {
	Level png.CompressionLevel
}

func (c PNGCompressor) Compress(w io.Writer, img *image.RGBA, _ int) error {
	enc := png.Encoder{CompressionLevel: c.Level}
	return enc.Encode(w, img)
}

func (PNGCompressor) ContentType() string { return "image/png" }

// CompressorFor returns the codec registered under name ("jpeg", "jpg" or "png").
func CompressorFor(name string) (Compressor, error) {
	switch name {
	case "", "jpeg", "jpg":
		return JPEGCompressor{}, nil
	case "png":
		return PNGCompressor{}, nil
	}
	return nil, fmt.Errorf("unknown image format %q", name)
}

// EncoderAdapter accumulates the chunks a Compressor pushes into one
// contiguous encoded frame.
type EncoderAdapter struct {
	Compressor Compressor
	Quality    int
	buf        bytes.Buffer
}

func NewEncoderAdapter(c Compressor, quality int) *EncoderAdapter {
	if c == nil {
		c = JPEGCompressor{}
	}
	if quality <= 0 {
		quality = JPEGQuality
	}
	return &EncoderAdapter{Compressor: c, Quality: quality}
}

// Encode returns the complete encoded image. On failure it returns no bytes
// at all; whatever the compressor pushed before failing is discarded.
func (a *EncoderAdapter) Encode(img *image.RGBA) ([]byte, error) {
	if img == nil || img.Rect.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrEncode)
	}
	a.buf.Reset()
	if err := a.Compressor.Compress(&a.buf, img, a.Quality); err != nil {
		a.buf.Reset()
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if a.buf.Len() == 0 {
		return nil, fmt.Errorf("%w: compressor produced no bytes", ErrEncode)
	}
	out := make([]byte, a.buf.Len())
	copy(out, a.buf.Bytes())
	return out, nil
}
