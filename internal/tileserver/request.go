package tileserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrFieldCount    = errors.New("unexpected number of fields")
	ErrBadNumber     = errors.New("malformed number")
	ErrBadDimensions = errors.New("tile dimensions out of range")
	ErrInvalidGrid   = errors.New("invalid grid")
	ErrTileIndex     = errors.New("tile index out of range")
)

// Schema identifies which of the two accepted line layouts a request used.
type Schema uint8

const (
	// SchemaExplicit: x y z ux uy uz vx vy vz width height tile_index n_cols n_rows fovy
	SchemaExplicit Schema = iota
	// SchemaQuality: x y z ux uy uz vx vy vz quality tile_index n_cols
	SchemaQuality
)

const (
	explicitFields = 15
	qualityFields  = 12
)

func (s Schema) String() string {
	switch s {
	case SchemaExplicit:
		return "explicit"
	case SchemaQuality:
		return "quality"
	default:
		return fmt.Sprintf("schema(%d)", uint8(s))
	}
}

// RenderRequest is one decoded request line.
type RenderRequest struct {
	Schema    Schema
	Pos       Vec3
	Up        Vec3
	Dir       Vec3
	Width     int
	Height    int
	TileIndex int
	NCols     int
	NRows     int
	Fovy      Real
	HasFovy   bool

	// SquareGridAssumed is set for SchemaQuality lines, whose row count is
	// taken from n_cols. Non-square grids tile differently than the same
	// grid requested with SchemaExplicit.
	SquareGridAssumed bool
}

// ProtocolError reports a request line that cannot be served.
type ProtocolError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol error: %v: %q", e.Err, e.Line)
	}
	return fmt.Sprintf("protocol error: %v: %s: %q", e.Err, e.Reason, e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErr(line string, err error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Line: line, Err: err, Reason: fmt.Sprintf(format, args...)}
}

// ParseRequest decodes one request line. The schema is chosen by field count
// alone; anything other than exactly 15 or 12 fields is rejected.
func ParseRequest(line string) (RenderRequest, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)

	var req RenderRequest
	switch len(fields) {
	case explicitFields:
		req.Schema = SchemaExplicit
	case qualityFields:
		req.Schema = SchemaQuality
	default:
		return RenderRequest{}, protocolErr(line, ErrFieldCount, "got %d, want %d or %d", len(fields), explicitFields, qualityFields)
	}

	p := fieldParser{line: line, fields: fields}
	req.Pos = p.vec3(0)
	req.Up = p.vec3(3)
	req.Dir = p.vec3(6)

	if req.Schema == SchemaExplicit {
		req.Width = p.integer(9)
		req.Height = p.integer(10)
		req.TileIndex = p.integer(11)
		req.NCols = p.integer(12)
		req.NRows = p.integer(13)
		req.Fovy = p.float(14)
		req.HasFovy = true
	} else {
		quality := p.integer(9)
		req.Width, req.Height = quality, quality
		req.TileIndex = p.integer(10)
		req.NCols = p.integer(11)
		req.NRows = req.NCols
		req.SquareGridAssumed = true
	}
	if p.err != nil {
		return RenderRequest{}, p.err
	}

	if req.Width <= 0 || req.Height <= 0 || req.Width > MaxTileDim || req.Height > MaxTileDim {
		return RenderRequest{}, protocolErr(line, ErrBadDimensions, "%dx%d, limit %d", req.Width, req.Height, MaxTileDim)
	}
	if req.HasFovy && (!isFinite(req.Fovy) || req.Fovy <= 0 || req.Fovy >= 180) {
		return RenderRequest{}, protocolErr(line, ErrBadNumber, "fovy %g outside (0, 180)", req.Fovy)
	}
	return req, nil
}

// fieldParser keeps the first conversion error so the happy path reads
// straight through.
type fieldParser struct {
	line   string
	fields []string
	err    error
}

func (p *fieldParser) float(i int) Real {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(p.fields[i], 64)
	if err != nil || !isFinite(v) {
		p.err = protocolErr(p.line, ErrBadNumber, "field %d: %q", i+1, p.fields[i])
		return 0
	}
	return v
}

func (p *fieldParser) integer(i int) int {
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(p.fields[i])
	if err != nil {
		p.err = protocolErr(p.line, ErrBadNumber, "field %d: %q", i+1, p.fields[i])
		return 0
	}
	return v
}

func (p *fieldParser) vec3(i int) Vec3 {
	return Vec3{p.float(i), p.float(i + 1), p.float(i + 2)}
}
