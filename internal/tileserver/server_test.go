package tileserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, e RenderEngine, out io.Writer, presets *PresetRegistry) *Server {
	t.Helper()
	s, err := NewServer(ServerOptions{
		Engine:  e,
		Camera:  Camera{Fovy: 45, FocusDistance: 2},
		Output:  out,
		Presets: presets,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func readFrames(t *testing.T, b []byte) [][]byte {
	t.Helper()
	fr := NewFrameReader(bytes.NewReader(b))
	var out [][]byte
	for {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, f)
	}
}

func TestServeFullImageTile(t *testing.T) {
	e := newFakeEngine()
	var out bytes.Buffer
	s := newTestServer(t, e, &out, nil)
	if err := s.Serve(context.Background(), strings.NewReader("0 0 0 0 1 0 0 0 -1 4 4 0 1 1 60\n")); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, out.Bytes())
	if len(frames) != 1 {
		t.Fatalf("frames got %d want 1", len(frames))
	}
	img, err := jpeg.Decode(bytes.NewReader(frames[0]))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Fatalf("tile size got %v want 4x4", b)
	}
	c := e.cameras[len(e.cameras)-1]
	if c.ImageStart != (Vec2{0, 0}) || c.ImageEnd != (Vec2{1, 1}) {
		t.Fatalf("window got %+v-%+v want full image", c.ImageStart, c.ImageEnd)
	}
	if c.Fovy != 60 || c.Aspect != 1 || c.FocusDistance != 2 {
		t.Fatalf("camera got %+v", c)
	}
	if c.Dir != (Vec3{0, 0, -1}) || c.Up != (Vec3{0, 1, 0}) {
		t.Fatalf("camera vectors got %+v", c)
	}
	for _, fb := range e.buffers {
		if !fb.Released() {
			t.Fatal("frame buffer not released")
		}
	}
	if st := s.Stats(); st.Frames != 1 || st.Lines != 1 || st.Skipped() != 0 {
		t.Fatalf("stats got %+v", st)
	}
}

func TestServeQualityTile(t *testing.T) {
	e := newFakeEngine()
	var out bytes.Buffer
	s := newTestServer(t, e, &out, nil)
	if err := s.Serve(context.Background(), strings.NewReader("0 0 0 0 1 0 0 0 -1 8 0 2\n")); err != nil {
		t.Fatal(err)
	}
	frames := readFrames(t, out.Bytes())
	if len(frames) != 1 {
		t.Fatalf("frames got %d want 1", len(frames))
	}
	c := e.cameras[len(e.cameras)-1]
	if c.ImageStart != (Vec2{0, 0.5}) || c.ImageEnd != (Vec2{0.5, 1}) {
		t.Fatalf("window got %+v-%+v want [0,0.5)x[0.5,1)", c.ImageStart, c.ImageEnd)
	}
	if c.Fovy != 45 {
		t.Fatalf("quality lines keep the configured fovy, got %v", c.Fovy)
	}
	if len(e.buffers) != 1 {
		t.Fatalf("buffers got %d want 1", len(e.buffers))
	}
	if w, h := e.buffers[0].Size(); w != 8 || h != 8 {
		t.Fatalf("buffer got %dx%d want 8x8", w, h)
	}
}

func TestServeSkipsMalformedLines(t *testing.T) {
	e := newFakeEngine()
	var out bytes.Buffer
	s := newTestServer(t, e, &out, nil)
	in := strings.Join([]string{
		"0 0 0 0 1 0 0 0 -1 4",            // 10 fields
		"",                                // blank
		"   ",                             // blank
		"0 0 0 0 1 0 0 0 -1 4 4 9 2 2 60", // tile out of range
		"0 0 0 0 1 0 0 0 -1 4 4 0 0 2 60", // zero columns
		"0 0 0 0 1 0 0 0 -1 4 4 3 2 2 60",
	}, "\n")
	if err := s.Serve(context.Background(), strings.NewReader(in)); err != nil {
		t.Fatal(err)
	}
	if e.renders != 1 {
		t.Fatalf("renders got %d want 1", e.renders)
	}
	if n := len(readFrames(t, out.Bytes())); n != 1 {
		t.Fatalf("frames got %d want 1", n)
	}
	st := s.Stats()
	if st.Lines != 4 || st.ProtocolErrors != 3 || st.Frames != 1 {
		t.Fatalf("stats got %+v", st)
	}
}

func TestServeSkipsOverlongLine(t *testing.T) {
	e := newFakeEngine()
	var out bytes.Buffer
	s := newTestServer(t, e, &out, nil)
	in := strings.Repeat("7", 70*1024) + "\n0 0 0 0 1 0 0 0 -1 4 4 0 1 1 60\n"
	if err := s.Serve(context.Background(), strings.NewReader(in)); err != nil {
		t.Fatal(err)
	}
	if n := len(readFrames(t, out.Bytes())); n != 1 {
		t.Fatalf("frames got %d want 1", n)
	}
	if st := s.Stats(); st.Lines != 2 || st.ProtocolErrors != 1 || st.Frames != 1 {
		t.Fatalf("stats got %+v", st)
	}
}

func TestNextLine(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader("short\r\n"+strings.Repeat("x", 40)+"\nok\nlast"), 16)
	for _, want := range []inputLine{
		{text: "short", size: 7},
		{size: 41, overlong: true},
		{text: "ok", size: 3},
		{text: "last", size: 4},
	} {
		got, err := nextLine(br, 10)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("got %+v want %+v", got, want)
		}
	}
	if _, err := nextLine(br, 10); err != io.EOF {
		t.Fatalf("got %v want EOF", err)
	}
}

func TestServeRenderFailureSkipsFrame(t *testing.T) {
	e := newFakeEngine()
	e.renderErr = errors.New("device lost")
	var out bytes.Buffer
	s := newTestServer(t, e, &out, nil)
	in := "0 0 0 0 1 0 0 0 -1 4 4 0 1 1 60\n0 0 0 0 1 0 0 0 -1 4 4 0 1 1 60\n"
	if err := s.Serve(context.Background(), strings.NewReader(in)); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Fatalf("wrote %d bytes for failed renders", out.Len())
	}
	if st := s.Stats(); st.RenderErrors != 2 {
		t.Fatalf("stats got %+v", st)
	}
	for _, fb := range e.buffers {
		if !fb.Released() {
			t.Fatal("buffer of a failed render not released")
		}
	}
}

func TestServeEncodeFailureSkipsFrame(t *testing.T) {
	e := newFakeEngine()
	var out bytes.Buffer
	s, err := NewServer(ServerOptions{
		Engine:  e,
		Output:  &out,
		Encoder: NewEncoderAdapter(halfCompressor{}, 90),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Serve(context.Background(), strings.NewReader("0 0 0 0 1 0 0 0 -1 4 4 0 1 1 60\n")); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Fatalf("wrote %d bytes for a failed encode", out.Len())
	}
	if st := s.Stats(); st.EncodeErrors != 1 {
		t.Fatalf("stats got %+v", st)
	}
}

func TestServeOutputFailureStops(t *testing.T) {
	e := newFakeEngine()
	s := newTestServer(t, e, failWriter{}, nil)
	in := "0 0 0 0 1 0 0 0 -1 4 4 0 1 1 60\n0 0 0 0 1 0 0 0 -1 4 4 0 1 1 60\n"
	err := s.Serve(context.Background(), strings.NewReader(in))
	if !errors.Is(err, ErrOutput) {
		t.Fatalf("got %v want %v", err, ErrOutput)
	}
	if e.renders != 1 {
		t.Fatalf("renders got %d want 1", e.renders)
	}
}

func TestServeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	s := newTestServer(t, newFakeEngine(), io.Discard, nil)
	if err := s.Serve(ctx, pr); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want %v", err, context.Canceled)
	}
}

func TestServeBindsAndSwitchesPresets(t *testing.T) {
	e := newFakeEngine()
	r := NewPresetRegistry()
	a, b := group("a", 1), group("b", 2)
	r.Add("a", a)
	r.Add("b", b)
	s := newTestServer(t, e, io.Discard, r)

	line := "0 0 0 0 1 0 0 0 -1 2 2 0 1 1 60"
	if err := s.HandleLine(context.Background(), line); err != nil {
		t.Fatal(err)
	}
	if e.lights != a {
		t.Fatalf("engine lights got %+v want group a", e.lights)
	}
	s.RequestNextPreset()
	s.applyPending()
	if err := s.HandleLine(context.Background(), line); err != nil {
		t.Fatal(err)
	}
	if e.lights != b {
		t.Fatalf("engine lights got %+v want group b", e.lights)
	}
	if len(r.pins) != 0 {
		t.Fatalf("pins left after renders: %v", r.pins)
	}
}

func TestServeReloadBetweenRequests(t *testing.T) {
	e := newFakeEngine()
	r := NewPresetRegistry()
	first := group("v1", 1)
	r.Add("lights.xml", first)
	reloads := 0
	s, err := NewServer(ServerOptions{
		Engine:  e,
		Output:  io.Discard,
		Presets: r,
		Reload: func(reg *PresetRegistry) error {
			reloads++
			reg.Replace("lights.xml", group("v2", 1))
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	line := "0 0 0 0 1 0 0 0 -1 2 2 0 1 1 60"
	if err := s.HandleLine(context.Background(), line); err != nil {
		t.Fatal(err)
	}
	s.RequestReload()
	if reloads != 0 {
		t.Fatal("reload ran outside the loop")
	}
	s.applyPending()
	if reloads != 1 {
		t.Fatalf("reloads got %d want 1", reloads)
	}
	// The old group is no longer pinned, so it is released right away.
	if first.Lights != nil || r.Retired() != 0 {
		t.Fatalf("old group not released: %d retired", r.Retired())
	}
	if err := s.HandleLine(context.Background(), line); err != nil {
		t.Fatal(err)
	}
	if e.lights == nil || e.lights.Name != "v2" {
		t.Fatalf("engine lights got %+v want v2", e.lights)
	}
}

func TestServeClosesRegistry(t *testing.T) {
	r := NewPresetRegistry()
	r.Add("a", group("a", 1))
	s := newTestServer(t, newFakeEngine(), io.Discard, r)
	if err := s.Serve(context.Background(), strings.NewReader("")); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatalf("registry still holds %d presets", r.Len())
	}
}

func TestInvokerRefusesOverlap(t *testing.T) {
	e := newFakeEngine()
	iv := NewInvoker(e, Camera{}, FrameBufferOptions{})
	req, _ := ParseRequest("0 0 0 0 1 0 0 0 -1 2 2 0 1 1 60")
	rect, _ := MapTile(0, 1, 1)
	err := iv.Render(context.Background(), req, rect, func(FrameBuffer) error {
		return iv.Render(context.Background(), req, rect, func(FrameBuffer) error { return nil })
	})
	if !errors.Is(err, ErrRenderInFlight) {
		t.Fatalf("got %v want %v", err, ErrRenderInFlight)
	}
	for _, fb := range e.buffers {
		if !fb.Released() {
			t.Fatal("buffer not released")
		}
	}
	if len(e.buffers) != 1 {
		t.Fatalf("buffers got %d want 1", len(e.buffers))
	}
}

func TestInvokerReportsLeakedView(t *testing.T) {
	e := newFakeEngine()
	iv := NewInvoker(e, Camera{}, FrameBufferOptions{})
	req, _ := ParseRequest("0 0 0 0 1 0 0 0 -1 2 2 0 1 1 60")
	rect, _ := MapTile(0, 1, 1)
	err := iv.Render(context.Background(), req, rect, func(fb FrameBuffer) error {
		_, err := fb.Map(ChannelColor)
		return err
	})
	if !errors.Is(err, ErrBufferMapped) {
		t.Fatalf("got %v want %v", err, ErrBufferMapped)
	}
}
