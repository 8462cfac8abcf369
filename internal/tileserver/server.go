package tileserver

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

var (
	// ErrOutput marks a failure to write to the frame stream. It ends Serve.
	ErrOutput      = errors.New("frame output failed")
	ErrLineTooLong = errors.New("request line too long")
)

// maxLineSize bounds one request line.
const maxLineSize = 64 * 1024

// ServerOptions wires a Server. Engine and Output are required.
type ServerOptions struct {
	Engine   RenderEngine
	Camera   Camera // startup camera; fovy and focus distance apply to every tile
	Pipeline *Pipeline
	Encoder  *EncoderAdapter
	Presets  *PresetRegistry
	Output   io.Writer

	// Reload re-imports light presets into the registry. It runs on the
	// render loop between requests after RequestReload.
	Reload func(*PresetRegistry) error
}

// Stats counts what happened to every request line.
type Stats struct {
	Lines          int
	Frames         int
	Bytes          int64
	ProtocolErrors int
	RenderErrors   int
	EncodeErrors   int
	Render         time.Duration
}

// Skipped is the number of non-blank lines that produced no frame.
func (s Stats) Skipped() int { return s.ProtocolErrors + s.RenderErrors + s.EncodeErrors }

// Server is the request loop: one line in, at most one framed image out.
// Requests are handled strictly one after another.
type Server struct {
	engine   RenderEngine
	invoker  *Invoker
	pipeline *Pipeline
	encoder  *EncoderAdapter
	presets  *PresetRegistry
	frames   *FrameWriter
	reload   func(*PresetRegistry) error

	reloadPending atomic.Bool
	nextPending   atomic.Bool
	activeGroup   GroupID

	stats Stats
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("server needs a render engine")
	}
	if opts.Output == nil {
		return nil, errors.New("server needs an output stream")
	}
	if opts.Pipeline == nil {
		opts.Pipeline = &Pipeline{}
	}
	if opts.Encoder == nil {
		opts.Encoder = NewEncoderAdapter(JPEGCompressor{}, JPEGQuality)
	}
	if opts.Presets == nil {
		opts.Presets = NewPresetRegistry()
	}
	fbOpts := FrameBufferOptions{Denoise: opts.Pipeline.Denoise}
	return &Server{
		engine:   opts.Engine,
		invoker:  NewInvoker(opts.Engine, opts.Camera, fbOpts),
		pipeline: opts.Pipeline,
		encoder:  opts.Encoder,
		presets:  opts.Presets,
		frames:   NewFrameWriter(opts.Output),
		reload:   opts.Reload,
	}, nil
}

// RequestReload asks the loop to re-import light presets before the next
// request. Safe to call from any goroutine.
func (s *Server) RequestReload() { s.reloadPending.Store(true) }

// RequestNextPreset asks the loop to switch to the next light preset before
// the next request. Safe to call from any goroutine.
func (s *Server) RequestNextPreset() { s.nextPending.Store(true) }

// Stats returns the counters. Only meaningful once Serve has returned.
func (s *Server) Stats() Stats { return s.stats }

// Serve handles every line of r until end of input. Per-request failures are
// logged and the frame is skipped; only a broken output stream or ctx ends
// the loop early. The preset registry is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	log := Logger()
	defer func() {
		s.presets.Close()
		st := s.stats
		log.Info("request stream finished",
			"lines", st.Lines, "frames", st.Frames, "bytes", st.Bytes,
			"protocol_errors", st.ProtocolErrors, "render_errors", st.RenderErrors,
			"encode_errors", st.EncodeErrors, "render_time", st.Render)
	}()

	lines := make(chan inputLine)
	readErr := make(chan error, 1)
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	go func() {
		defer close(lines)
		br := bufio.NewReader(r)
		for {
			in, err := nextLine(br, maxLineSize)
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
			select {
			case lines <- in:
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		var (
			in inputLine
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-readErr:
				return fmt.Errorf("read requests: %w", err)
			default:
			}
			return nil
		}
		if in.overlong {
			s.stats.Lines++
			s.stats.ProtocolErrors++
			log.Warn("skipping frame", "err", fmt.Errorf("%w: %d bytes, limit %d", ErrLineTooLong, in.size, maxLineSize))
			continue
		}
		line := in.text
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.applyPending()
		if err := s.HandleLine(ctx, line); err != nil {
			if errors.Is(err, ErrOutput) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("skipping frame", "err", err)
		}
	}
}

// inputLine is one request line. An overlong line is consumed whole and
// carries no text.
type inputLine struct {
	text     string
	size     int
	overlong bool
}

// nextLine reads up to the next newline. Lines longer than limit are drained
// without being kept. It returns io.EOF only when no bytes are left.
func nextLine(br *bufio.Reader, limit int) (inputLine, error) {
	var (
		buf []byte
		in  inputLine
	)
	for {
		chunk, err := br.ReadSlice('\n')
		in.size += len(chunk)
		if !in.overlong {
			if in.size > limit+1 {
				in.overlong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			if in.size == 0 {
				return inputLine{}, io.EOF
			}
		case err != nil:
			return inputLine{}, err
		}
		if !in.overlong {
			in.text = strings.TrimRight(string(buf), "\r\n")
		}
		return in, nil
	}
}

// applyPending runs preset operations requested from other goroutines. It is
// only called between requests.
func (s *Server) applyPending() {
	log := Logger()
	if s.reloadPending.Swap(false) && s.reload != nil {
		if err := s.reload(s.presets); err != nil {
			log.Warn("reloading light presets failed", "err", err)
		} else {
			log.Info("light presets reloaded", "presets", s.presets.Len(), "retired", s.presets.Retired())
		}
	}
	if s.nextPending.Swap(false) {
		s.presets.Next()
		if p, _, err := s.presets.Current(); err == nil {
			log.Info("switched light preset", "preset", p.Label())
		}
	}
	s.presets.DrainRetired()
}

// HandleLine serves one non-blank request line and writes its frame.
func (s *Server) HandleLine(ctx context.Context, line string) error {
	s.stats.Lines++
	req, err := ParseRequest(line)
	if err != nil {
		s.stats.ProtocolErrors++
		return err
	}
	rect, err := mapRequest(line, req)
	if err != nil {
		s.stats.ProtocolErrors++
		return err
	}
	if req.SquareGridAssumed {
		DebugLogOnce("12 field requests assume a square %dx%d grid", req.NCols, req.NCols)
	}

	group := s.bindLights()
	if group != 0 {
		s.presets.Pin(group)
		defer s.presets.Unpin(group)
	}

	start := time.Now()
	var frame []byte
	err = s.invoker.Render(ctx, req, rect, func(fb FrameBuffer) error {
		img, err := s.pipeline.Process(fb)
		if err != nil {
			return err
		}
		frame, err = s.encoder.Encode(img)
		return err
	})
	elapsed := time.Since(start)
	s.stats.Render += elapsed
	if err != nil {
		if errors.Is(err, ErrEncode) {
			s.stats.EncodeErrors++
		} else {
			s.stats.RenderErrors++
		}
		return fmt.Errorf("tile %d of %dx%d: %w", req.TileIndex, req.NCols, req.NRows, err)
	}

	if err := s.frames.WriteFrame(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrOutput, err)
	}
	s.stats.Frames++
	s.stats.Bytes += int64(len(frame))
	if log := Logger(); log.Enabled(ctx, slog.LevelDebug) {
		sum := blake3.Sum256(frame)
		log.Debug("frame written",
			"tile", req.TileIndex, "cols", req.NCols, "rows", req.NRows,
			"width", req.Width, "height", req.Height,
			"bytes", len(frame), "blake3", hex.EncodeToString(sum[:8]), "took", elapsed)
	}
	return nil
}

// bindLights hands the current preset's group to the engine and returns its
// id, or 0 when no preset is registered.
func (s *Server) bindLights() GroupID {
	_, g, err := s.presets.Current()
	if err != nil || g == nil {
		return 0
	}
	if g.ID != s.activeGroup {
		s.engine.SetLights(g)
		s.activeGroup = g.ID
	}
	return g.ID
}
