package tileserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

var (
	ErrBadTilePath = errors.New("malformed tile path")
	ErrTileTimeout = errors.New("tile server did not answer")
)

// DefaultTileTimeout bounds one submit/receive round trip.
const DefaultTileTimeout = 2 * time.Minute

// TileQuery is a decoded /image/ request.
type TileQuery struct {
	What      string
	Pos       Vec3
	Up        Vec3
	Dir       Vec3
	Quality   int
	TileIndex int
	NumTiles  int
	Options   map[string]string
}

// NCols is the column count of the square grid the tile count implies.
func (q TileQuery) NCols() int { return int(math.Sqrt(float64(q.NumTiles))) }

// Line renders the query as a 12 field request line.
func (q TileQuery) Line() string {
	return fmt.Sprintf("%f %f %f %f %f %f %f %f %f %d %d %d",
		q.Pos.X, q.Pos.Y, q.Pos.Z, q.Up.X, q.Up.Y, q.Up.Z, q.Dir.X, q.Dir.Y, q.Dir.Z,
		q.Quality, q.TileIndex, q.NCols())
}

// ParseTilePath decodes
// /image/<what>/<x>/<y>/<z>/<ux>/<uy>/<uz>/<vx>/<vy>/<vz>/<quality>/<options>
// where options is a comma separated list of alternating keys and values.
// The tiling option is "<index>-<count>" and defaults to "0-1".
//
// Only paths whose request line the tile server will answer are accepted:
// the server writes nothing for a line it rejects.
func ParseTilePath(path string) (TileQuery, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 14 || parts[0] != "" || parts[1] != "image" {
		return TileQuery{}, fmt.Errorf("%w: %q", ErrBadTilePath, path)
	}
	q := TileQuery{What: parts[2], Options: map[string]string{}}
	var nums [9]Real
	for i := range nums {
		v, err := strconv.ParseFloat(parts[3+i], 64)
		if err != nil {
			return TileQuery{}, fmt.Errorf("%w: component %d: %v", ErrBadTilePath, i, err)
		}
		nums[i] = v
	}
	q.Pos = Vec3{nums[0], nums[1], nums[2]}
	q.Up = Vec3{nums[3], nums[4], nums[5]}
	q.Dir = Vec3{nums[6], nums[7], nums[8]}
	quality, err := strconv.Atoi(parts[12])
	if err != nil || quality <= 0 {
		return TileQuery{}, fmt.Errorf("%w: quality %q", ErrBadTilePath, parts[12])
	}
	q.Quality = quality

	opts := strings.Split(parts[13], ",")
	for i := 0; i+1 < len(opts); i += 2 {
		q.Options[opts[i]] = opts[i+1]
	}
	tiling := q.Options["tiling"]
	if tiling == "" {
		tiling = "0-1"
	}
	idx, count, ok := strings.Cut(tiling, "-")
	if !ok {
		return TileQuery{}, fmt.Errorf("%w: tiling %q", ErrBadTilePath, tiling)
	}
	if q.TileIndex, err = strconv.Atoi(idx); err != nil {
		return TileQuery{}, fmt.Errorf("%w: tiling %q", ErrBadTilePath, tiling)
	}
	if q.NumTiles, err = strconv.Atoi(count); err != nil || q.NumTiles < 1 {
		return TileQuery{}, fmt.Errorf("%w: tiling %q", ErrBadTilePath, tiling)
	}
	if err := q.validate(); err != nil {
		return TileQuery{}, fmt.Errorf("%w: %v", ErrBadTilePath, err)
	}
	return q, nil
}

// validate runs the query's request line through the same checks the tile
// server applies before rendering.
func (q TileQuery) validate() error {
	req, err := ParseRequest(q.Line())
	if err != nil {
		return err
	}
	if _, err := MapTile(req.TileIndex, req.NCols, req.NRows); err != nil {
		return err
	}
	_, err = newCameraBasis(Camera{Pos: req.Pos, Up: req.Up, Dir: req.Dir})
	return err
}

// Gateway serves tiles over HTTP from one tile server process. Requests
// share the process and are submitted one at a time.
type Gateway struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	frames *FrameReader
	cmd    *exec.Cmd

	root        string
	files       http.Handler
	contentType string

	// Timeout bounds one round trip; zero waits forever. After a timeout the
	// frame stream is out of step with the requests, so the process is
	// stopped and every later submit fails.
	Timeout time.Duration
	broken  error
}

// NewGateway talks to a tile server through requests (its stdin) and frames
// (its frame stream). root is the directory holding static/ and favicon.ico.
func NewGateway(requests io.WriteCloser, frames io.Reader, root string) *Gateway {
	if root == "" {
		root = "."
	}
	return &Gateway{
		stdin:       requests,
		frames:      NewFrameReader(frames),
		root:        root,
		files:       http.FileServer(http.Dir(root)),
		contentType: "image/jpeg",
		Timeout:     DefaultTileTimeout,
	}
}

// StartProcess runs exe through bash with its frame descriptor routed to
// the pipe the gateway reads and its stdout sent to stderr.
func StartProcess(ctx context.Context, exe, root string) (*Gateway, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", fmt.Sprintf("%s %d>&1 1>&2", exe, FramesFD))
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", exe, err)
	}
	Logger().Info("tile server started", "exe", exe, "pid", cmd.Process.Pid)
	g := NewGateway(stdin, stdout, root)
	g.cmd = cmd
	return g, nil
}

// SetContentType overrides the type tiles are served as.
func (g *Gateway) SetContentType(ct string) { g.contentType = ct }

type submitResult struct {
	frame []byte
	err   error
}

// Submit sends one request line and waits for its frame, at most Timeout.
func (g *Gateway) Submit(line string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.broken != nil {
		return nil, g.broken
	}
	done := make(chan submitResult, 1)
	go func() {
		if _, err := io.WriteString(g.stdin, line+"\n"); err != nil {
			done <- submitResult{err: fmt.Errorf("submit: %w", err)}
			return
		}
		frame, err := g.frames.ReadFrame()
		if err != nil {
			err = fmt.Errorf("receive: %w", err)
		}
		done <- submitResult{frame: frame, err: err}
	}()

	var expired <-chan time.Time
	if g.Timeout > 0 {
		t := time.NewTimer(g.Timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-done:
		return r.frame, r.err
	case <-expired:
		g.broken = fmt.Errorf("%w within %v", ErrTileTimeout, g.Timeout)
		Logger().Error("tile server stalled, stopping it", "line", line, "timeout", g.Timeout)
		g.stop()
		return nil, g.broken
	}
}

// stop ends the request stream and kills the process, if one was started.
func (g *Gateway) stop() {
	_ = g.stdin.Close()
	if g.cmd != nil && g.cmd.Process != nil {
		_ = g.cmd.Process.Kill()
	}
}

// Close ends the request stream and waits for the process, if one was started.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var err error
	if g.broken == nil {
		err = g.stdin.Close()
	}
	if g.cmd != nil {
		if werr := g.cmd.Wait(); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	return err
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch p := r.URL.Path; {
	case p == "/":
		http.ServeFile(w, r, filepath.Join(g.root, "static", "index.html"))
	case p == "/favicon.ico", strings.HasPrefix(p, "/static/"):
		g.files.ServeHTTP(w, r)
	case strings.HasPrefix(p, "/image/"):
		g.serveImage(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (g *Gateway) serveImage(w http.ResponseWriter, r *http.Request) {
	log := Logger()
	q, err := ParseTilePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frame, err := g.Submit(q.Line())
	if err != nil {
		log.Error("tile request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "tile server unavailable", http.StatusBadGateway)
		return
	}
	sum := blake3.Sum256(frame)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", g.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	if strings.EqualFold(r.Header.Get("Connection"), "keep-alive") {
		w.Header().Set("Connection", "keep-alive")
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(frame); err != nil {
		log.Debug("client went away", "path", r.URL.Path, "err", err)
	}
}
