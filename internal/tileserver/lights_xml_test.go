package tileserver

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writePNG(t *testing.T, dir, name string, w, h int, c color.RGBA) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestImportAreaLightFromRadiance(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "area.xml", `<scene>
  <lights>
    <areaLight>
      <vec3f name="L">1 1 1</vec3f>
    </areaLight>
  </lights>
</scene>`)
	g, err := ImportLightsXML(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g == nil || len(g.Lights) != 1 {
		t.Fatalf("got %+v want one light", g)
	}
	l := g.Lights[0]
	if l.Kind != LightQuad {
		t.Fatalf("kind got %v want quad", l.Kind)
	}
	if l.Intensity != 1 {
		t.Fatalf("intensity got %v want 1", l.Intensity)
	}
	if l.Color != (Vec3{1, 1, 1}) {
		t.Fatalf("color got %+v want (1,1,1)", l.Color)
	}
	if l.Visible {
		t.Fatal("imported area lights must be invisible")
	}
	if l.Name != "areaLight_0" {
		t.Fatalf("name got %q want areaLight_0", l.Name)
	}
}

func TestImportAreaLightProperties(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "area.xml", `<scene><lights>
    <areaLight>
      <vec3f name="p0">0 2 0</vec3f>
      <vec3f name="p1">1 2 0</vec3f>
      <vec3f name="p2">1 2 1</vec3f>
      <vec3f name="p3">0 2 1</vec3f>
      <float name="exposure">3</float>
      <rgb name="color">0.5 1 0</rgb>
      <string name="name">key</string>
      <string name="unused">whatever</string>
    </areaLight>
    <areaLight>
      <vec3f name="L">2 4 1</vec3f>
    </areaLight>
    <areaLight>
      <vec3f name="L">0 0 0</vec3f>
    </areaLight>
</lights></scene>`)
	g, err := ImportLightsXML(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Lights) != 3 {
		t.Fatalf("got %d lights want 3", len(g.Lights))
	}
	key := g.Lights[0]
	if key.Name != "key0" {
		t.Fatalf("name got %q want key0", key.Name)
	}
	if key.Intensity != 8 {
		t.Fatalf("intensity got %v want 2^3", key.Intensity)
	}
	if !almostEq(key.Color.X, math.Pow(0.5, 2.2)) || key.Color.Y != 1 || key.Color.Z != 0 {
		t.Fatalf("color got %+v", key.Color)
	}
	if key.Position != (Vec3{0, 2, 0}) || key.Edge1 != (Vec3{1, 0, 0}) || key.Edge2 != (Vec3{0, 0, 1}) {
		t.Fatalf("geometry got pos=%+v e1=%+v e2=%+v", key.Position, key.Edge1, key.Edge2)
	}

	derived := g.Lights[1]
	if derived.Intensity != 4 || derived.Color != (Vec3{0.5, 1, 0.25}) {
		t.Fatalf("derived got intensity=%v color=%+v", derived.Intensity, derived.Color)
	}
	if derived.Name != "areaLight_1" {
		t.Fatalf("name got %q want areaLight_1", derived.Name)
	}

	dark := g.Lights[2]
	if dark.Intensity != 0 || dark.Color != (Vec3{1, 1, 1}) {
		t.Fatalf("zero radiance got intensity=%v color=%+v", dark.Intensity, dark.Color)
	}
}

func TestImportHDRILight(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "sky.png", 8, 4, color.RGBA{255, 255, 255, 255})
	p := writeFile(t, dir, "sky.xml", `<scene><lights>
    <light>
      <string name="mapname">sky.png</string>
      <float name="intensity">2</float>
      <vec3f name="dir">1 2 3</vec3f>
    </light>
    <light>
      <string name="mapname">missing.png</string>
    </light>
    <pointLight>
      <vec3f name="position">0 0 0</vec3f>
    </pointLight>
</lights></scene>`)
	g, err := ImportLightsXML(p, NewTextureLoader())
	if err != nil {
		t.Fatal(err)
	}
	if g == nil || len(g.Lights) != 1 {
		t.Fatalf("got %+v want exactly the loadable hdri light", g)
	}
	l := g.Lights[0]
	if l.Kind != LightHDRI || l.Map == nil || l.Map.W != 8 || l.Map.H != 4 {
		t.Fatalf("hdri light got %+v", l)
	}
	if l.Intensity != 2 {
		t.Fatalf("intensity got %v want 2", l.Intensity)
	}
	want := Vec3{-3, 2, 1}.Norm()
	if !almostEq(l.Dir.X, want.X) || !almostEq(l.Dir.Y, want.Y) || !almostEq(l.Dir.Z, want.Z) {
		t.Fatalf("dir got %+v want %+v", l.Dir, want)
	}
	if l.Name != "HDRILight_0" {
		t.Fatalf("name got %q want HDRILight_0", l.Name)
	}
	if c := l.environment(l.Dir); !almostEq(c.X, 2) {
		t.Fatalf("white map radiance got %+v want 2", c)
	}
}

func TestImportHDRIDefaults(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "sky.png", 2, 2, color.RGBA{0, 0, 0, 255})
	p := writeFile(t, dir, "sky.xml", `<a><b><light><string name="mapname">sky.png</string></light></b></a>`)
	g, err := ImportLightsXML(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	l := g.Lights[0]
	want := Vec3{-hdriDefaultDir.Z, hdriDefaultDir.Y, hdriDefaultDir.X}.Norm()
	if !almostEq(l.Dir.X, want.X) || !almostEq(l.Dir.Z, want.Z) || l.Intensity != HDRIDefaultIntensity {
		t.Fatalf("defaults got dir=%+v intensity=%v", l.Dir, l.Intensity)
	}
}

func TestImportNoLights(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "empty.xml", `<scene><lights><spotLight/></lights></scene>`)
	g, err := ImportLightsXML(p, nil)
	if err != nil || g != nil {
		t.Fatalf("got (%v, %v) want no preset and no error", g, err)
	}
}

func TestImportMalformed(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"broken":   `<scene><lights>`,
		"no group": `<scene/>`,
	}
	for name, doc := range cases {
		p := writeFile(t, dir, name+".xml", doc)
		if _, err := ImportLightsXML(p, nil); !errors.Is(err, ErrLightsXML) {
			t.Errorf("%s: got %v want %v", name, err, ErrLightsXML)
		}
	}
	if _, err := ImportLightsXML(filepath.Join(dir, "nope.xml"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file got %v", err)
	}
}

func TestImportBadPropertyDropsLight(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "bad.xml", `<scene><lights>
  <areaLight><vec3f name="L">1 x 1</vec3f></areaLight>
  <areaLight><vec3f name="L">1 1 1</vec3f></areaLight>
</lights></scene>`)
	g, err := ImportLightsXML(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Lights) != 1 || g.Lights[0].Name != "areaLight_0" {
		t.Fatalf("got %+v want only the valid light, numbered 0", g.Lights)
	}
}
