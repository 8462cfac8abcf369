package tileserver

import (
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for image.Decode
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sync"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Texture is a linear float RGB image addressed with (u, v) in [0,1]²,
// v = 0 at the top row.
type Texture struct {
	Name string
	W, H int
	Pix  []float32 // RGB, row-major, top row first
}

// Sample returns the bilinearly filtered texel at (u, v). u wraps, v clamps.
func (t *Texture) Sample(u, v Real) Vec3 {
	if t == nil || t.W == 0 || t.H == 0 {
		return Vec3{}
	}
	u -= math.Floor(u)
	x := u*Real(t.W) - 0.5
	y := clamp(v, 0, 1)*Real(t.H) - 0.5
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - Real(x0)
	fy := y - Real(y0)
	c00 := t.texel(x0, y0)
	c10 := t.texel(x0+1, y0)
	c01 := t.texel(x0, y0+1)
	c11 := t.texel(x0+1, y0+1)
	top := c00.Mul(1 - fx).Add(c10.Mul(fx))
	bot := c01.Mul(1 - fx).Add(c11.Mul(fx))
	return top.Mul(1 - fy).Add(bot.Mul(fy))
}

func (t *Texture) texel(x, y int) Vec3 {
	x %= t.W
	if x < 0 {
		x += t.W
	}
	if y < 0 {
		y = 0
	}
	if y >= t.H {
		y = t.H - 1
	}
	i := (y*t.W + x) * 3
	return Vec3{Real(t.Pix[i]), Real(t.Pix[i+1]), Real(t.Pix[i+2])}
}

// TextureLoader decodes textures from disk and caches them by absolute path.
// Any format registered with package image is accepted (PNG, JPEG, TIFF,
// BMP, WebP); 8-bit sRGB data is converted to linear.
type TextureLoader struct {
	MaxWidth int

	mu    sync.Mutex
	cache map[string]*Texture
}

func NewTextureLoader() *TextureLoader {
	return &TextureLoader{MaxWidth: TextureMaxWidth, cache: make(map[string]*Texture)}
}

// Load returns the texture at path, decoding it on first use.
func (tl *TextureLoader) Load(path string) (*Texture, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if t, ok := tl.cache[abs]; ok {
		return t, nil
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", abs, err)
	}
	img = tl.downsample(img)
	t := linearTexture(filepath.Base(abs), img)
	DebugLog("Loaded %s texture %s: %dx%d", format, abs, t.W, t.H)
	if tl.cache == nil {
		tl.cache = make(map[string]*Texture)
	}
	tl.cache[abs] = t
	return t, nil
}

// ClearCache forgets every cached texture. Textures already attached to
// lights stay alive through those lights.
func (tl *TextureLoader) ClearCache() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.cache = make(map[string]*Texture)
}

func (tl *TextureLoader) downsample(img image.Image) image.Image {
	b := img.Bounds()
	if tl.MaxWidth <= 0 || b.Dx() <= tl.MaxWidth {
		return img
	}
	h := b.Dy() * tl.MaxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA64(image.Rect(0, 0, tl.MaxWidth, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func linearTexture(name string, img image.Image) *Texture {
	b := img.Bounds()
	t := &Texture{Name: name, W: b.Dx(), H: b.Dy(), Pix: make([]float32, b.Dx()*b.Dy()*3)}
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*t.W + x) * 3
			t.Pix[i+0] = float32(SRGBToLinear(Real(r) / 0xffff))
			t.Pix[i+1] = float32(SRGBToLinear(Real(g) / 0xffff))
			t.Pix[i+2] = float32(SRGBToLinear(Real(bl) / 0xffff))
		}
	}
	return t
}
