package tileserver

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// RawCompression selects how RawDumper stores the float body of a tile.
type RawCompression uint8

const (
	RawNone RawCompression = iota
	RawZstd
	RawBG4LZ4 // 4-byte grouping transpose, then LZ4 block
)

func (c RawCompression) String() string {
	switch c {
	case RawNone:
		return "none"
	case RawZstd:
		return "zstd"
	case RawBG4LZ4:
		return "bg4lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

func (c RawCompression) ext() string {
	switch c {
	case RawZstd:
		return ".zst"
	case RawBG4LZ4:
		return ".bg4lz4"
	}
	return ""
}

func ParseRawCompression(name string) (RawCompression, error) {
	switch name {
	case "", "none":
		return RawNone, nil
	case "zstd", "zst":
		return RawZstd, nil
	case "bg4lz4", "bg4_lz4":
		return RawBG4LZ4, nil
	}
	return 0, fmt.Errorf("unknown raw compression %q", name)
}

// zstd encoder/decoder are safe for concurrent use and reused across tiles.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("tileserver: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("tileserver: zstd decoder initialization failed: " + err.Error())
	}
}

// RawDumper writes the float buffer of every processed tile to
// <Dir>/image.<Session>.<n>.bin, plus the compression suffix.
//
// File layout: int32 width, height, channels (little-endian), then the body.
// The uncompressed body is width*height*channels float32 LE values, rows
// bottom first.
type RawDumper struct {
	Dir         string
	Session     string
	Compression RawCompression

	mu sync.Mutex
	n  int
}

func NewRawDumper(dir string, comp RawCompression) *RawDumper {
	return &RawDumper{Dir: dir, Session: strconv.Itoa(os.Getpid()), Compression: comp}
}

// Dump writes one tile and returns the path it was written to.
func (d *RawDumper) Dump(pix []float32, w, h, channels int) (string, error) {
	if w <= 0 || h <= 0 || channels <= 0 {
		return "", fmt.Errorf("%w: %dx%dx%d", ErrBadDimensions, w, h, channels)
	}
	if exp := w * h * channels; len(pix) < exp {
		return "", fmt.Errorf("buffer length mismatch: got %d, expected %d (w*h*channels)", len(pix), exp)
	}
	pix = pix[:w*h*channels]

	d.mu.Lock()
	n := d.n
	d.n++
	d.mu.Unlock()

	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(d.Dir, fmt.Sprintf("image.%s.%d.bin%s", d.Session, n, d.Compression.ext()))

	body := float32Bytes(pix)
	switch d.Compression {
	case RawZstd:
		body = zstdEncoder.EncodeAll(body, nil)
	case RawBG4LZ4:
		body = compressBG4LZ4(body)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	for _, v := range [3]int32{int32(w), int32(h), int32(channels)} {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return "", err
		}
	}
	if _, err := bw.Write(body); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", err
	}
	return path, f.Close()
}

// RawTile is a tile read back from a dump file.
type RawTile struct {
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

// ReadRawTile reads a file written by RawDumper. The compression is taken
// from the file extension.
func ReadRawTile(path string) (*RawTile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 12 {
		return nil, fmt.Errorf("%s: short header (%d bytes)", path, len(data))
	}
	var hdr [3]int32
	if err := binary.Read(bytes.NewReader(data[:12]), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	w, h, ch := int(hdr[0]), int(hdr[1]), int(hdr[2])
	if w <= 0 || h <= 0 || ch <= 0 || w > MaxTileDim || h > MaxTileDim || ch > 4 {
		return nil, fmt.Errorf("%s: %w: %dx%dx%d", path, ErrBadDimensions, w, h, ch)
	}
	size := w * h * ch * 4
	body := data[12:]
	switch {
	case strings.HasSuffix(path, RawZstd.ext()):
		body, err = zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%s: zstd decompress: %w", path, err)
		}
	case strings.HasSuffix(path, RawBG4LZ4.ext()):
		body, err = decompressBG4LZ4(body, size)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if len(body) != size {
		return nil, fmt.Errorf("%s: body is %d bytes, expected %d", path, len(body), size)
	}
	t := &RawTile{Width: w, Height: h, Channels: ch, Pix: make([]float32, w*h*ch)}
	for i := range t.Pix {
		t.Pix[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return t, nil
}

func float32Bytes(pix []float32) []byte {
	out := make([]byte, len(pix)*4)
	for i, v := range pix {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// byteGroup4 transposes 4-byte elements so that byte k of every float is
// stored contiguously. Similar floats then share long runs of equal bytes.
func byteGroup4(data []byte) []byte {
	n := len(data) / 4
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		for k := 0; k < 4; k++ {
			out[k*n+i] = data[i*4+k]
		}
	}
	copy(out[n*4:], data[n*4:])
	return out
}

func byteUngroup4(data []byte) []byte {
	n := len(data) / 4
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		for k := 0; k < 4; k++ {
			out[i*4+k] = data[k*n+i]
		}
	}
	copy(out[n*4:], data[n*4:])
	return out
}

// compressBG4LZ4 returns the grouped bytes LZ4 compressed, or the grouped
// bytes as they are when LZ4 cannot shrink them. The two are told apart by
// length on the way back.
func compressBG4LZ4(data []byte) []byte {
	grouped := byteGroup4(data)
	dst := make([]byte, lz4.CompressBlockBound(len(grouped)))
	written, err := lz4.CompressBlock(grouped, dst, nil)
	if err != nil || written == 0 || written >= len(grouped) {
		return grouped
	}
	return dst[:written]
}

func decompressBG4LZ4(body []byte, size int) ([]byte, error) {
	if len(body) == size {
		return byteUngroup4(body), nil
	}
	grouped := make([]byte, size)
	read, err := lz4.UncompressBlock(body, grouped)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return byteUngroup4(grouped), nil
}
