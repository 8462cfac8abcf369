package tileserver

import "fmt"

// TileRect is the normalized [Start, End) sub-window of the full image a
// tile covers. Image space has its origin at the bottom-left, so grid row 0
// (the top row) ends at Y=1.
type TileRect struct {
	Start Vec2
	End   Vec2
	Col   int
	Row   int
}

// MapTile maps a grid position to its sub-window. Columns advance left to
// right and rows top to bottom with increasing tile index.
func MapTile(tileIndex, nCols, nRows int) (TileRect, error) {
	if nCols <= 0 || nRows <= 0 {
		return TileRect{}, fmt.Errorf("%w: %dx%d", ErrInvalidGrid, nCols, nRows)
	}
	// tileIndex/nCols is the row; nCols*nRows may not fit in an int.
	if tileIndex < 0 || tileIndex/nCols >= nRows {
		return TileRect{}, fmt.Errorf("%w: %d outside a %dx%d grid", ErrTileIndex, tileIndex, nCols, nRows)
	}
	col := tileIndex % nCols
	row := tileIndex / nCols
	return TileRect{
		// Neighbours share an edge computed by the same expression, so the
		// grid has no gaps or overlaps in floating point either.
		Start: Vec2{
			X: Real(col) / Real(nCols),
			Y: Real(nRows-row-1) / Real(nRows),
		},
		End: Vec2{
			X: Real(col+1) / Real(nCols),
			Y: Real(nRows-row) / Real(nRows),
		},
		Col: col,
		Row: row,
	}, nil
}

// Width and Height are the normalized extents of the rectangle.
func (r TileRect) Width() Real  { return r.End.X - r.Start.X }
func (r TileRect) Height() Real { return r.End.Y - r.Start.Y }

// Contains reports whether a normalized point lies in [Start, End).
func (r TileRect) Contains(p Vec2) bool {
	return p.X >= r.Start.X && p.X < r.End.X && p.Y >= r.Start.Y && p.Y < r.End.Y
}

// Aspect is the width/height ratio of the full image implied by a w×h
// pixel tile covering this rectangle.
func (r TileRect) Aspect(w, h int) Real {
	fullW := Real(w) / r.Width()
	fullH := Real(h) / r.Height()
	return fullW / fullH
}

// mapRequest validates the grid of a parsed request and returns its rectangle.
func mapRequest(line string, req RenderRequest) (TileRect, error) {
	rect, err := MapTile(req.TileIndex, req.NCols, req.NRows)
	if err != nil {
		return TileRect{}, &ProtocolError{Line: line, Err: err, Reason: fmt.Sprintf("tile %d of %dx%d", req.TileIndex, req.NCols, req.NRows)}
	}
	return rect, nil
}
