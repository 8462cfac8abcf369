package tileserver

import (
	"errors"
	"math"
	"testing"
)

func TestMapTileFullImage(t *testing.T) {
	r, err := MapTile(0, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != (Vec2{0, 0}) || r.End != (Vec2{1, 1}) {
		t.Fatalf("got %+v want [0,1)x[0,1)", r)
	}
	if a := r.Aspect(4, 4); a != 1 {
		t.Fatalf("aspect got %v want 1", a)
	}
}

func TestMapTileTopLeftQuadrant(t *testing.T) {
	r, err := MapTile(0, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != (Vec2{0, 0.5}) || r.End != (Vec2{0.5, 1}) {
		t.Fatalf("got %+v want [0,0.5)x[0.5,1)", r)
	}
	r3, _ := MapTile(3, 2, 2)
	if r3.Start != (Vec2{0.5, 0}) || r3.End != (Vec2{1, 0.5}) {
		t.Fatalf("tile 3 got %+v want [0.5,1)x[0,0.5)", r3)
	}
}

func TestMapTileAspect(t *testing.T) {
	// A 100x50 tile covering a quarter of the width and half the height
	// implies a 400x100 image.
	r, err := MapTile(0, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if a := r.Aspect(100, 50); !almostEq(a, 4) {
		t.Fatalf("aspect got %v want 4", a)
	}
}

func TestMapTileErrors(t *testing.T) {
	cases := []struct {
		idx, cols, rows int
		want            error
	}{
		{0, 0, 1, ErrInvalidGrid},
		{0, 1, 0, ErrInvalidGrid},
		{0, -2, 2, ErrInvalidGrid},
		{4, 2, 2, ErrTileIndex},
		{-1, 2, 2, ErrTileIndex},
		{6, 3, 2, ErrTileIndex},
	}
	for _, tc := range cases {
		if _, err := MapTile(tc.idx, tc.cols, tc.rows); !errors.Is(err, tc.want) {
			t.Errorf("MapTile(%d, %d, %d) got %v want %v", tc.idx, tc.cols, tc.rows, err, tc.want)
		}
	}
}

// Every sample point of [0,1)² must fall in exactly one tile.
func TestMapTilePartition(t *testing.T) {
	grids := [][2]int{{1, 1}, {2, 2}, {3, 1}, {1, 5}, {3, 7}, {6, 4}, {10, 10}}
	const n = 97
	for _, g := range grids {
		cols, rows := g[0], g[1]
		rects := make([]TileRect, cols*rows)
		area := 0.0
		for i := range rects {
			r, err := MapTile(i, cols, rows)
			if err != nil {
				t.Fatal(err)
			}
			if r.Col != i%cols || r.Row != i/cols {
				t.Fatalf("%dx%d tile %d: col/row got %d/%d", cols, rows, i, r.Col, r.Row)
			}
			rects[i] = r
			area += r.Width() * r.Height()
		}
		if !almostEq(area, 1) {
			t.Fatalf("%dx%d: area got %v want 1", cols, rows, area)
		}
		for sy := 0; sy < n; sy++ {
			for sx := 0; sx < n; sx++ {
				p := Vec2{Real(sx) / n, Real(sy) / n}
				hits := 0
				for _, r := range rects {
					if r.Contains(p) {
						hits++
					}
				}
				if hits != 1 {
					t.Fatalf("%dx%d: point %+v in %d tiles", cols, rows, p, hits)
				}
			}
		}
		// Shared edges are bit-identical.
		for i, r := range rects {
			if col := i % cols; col+1 < cols && r.End.X != rects[i+1].Start.X {
				t.Fatalf("%dx%d: gap between tile %d and %d", cols, rows, i, i+1)
			}
			if row := i / cols; row+1 < rows && r.Start.Y != rects[i+cols].End.Y {
				t.Fatalf("%dx%d: gap between tile %d and %d", cols, rows, i, i+cols)
			}
		}
	}
}

func TestMapTileHugeGrid(t *testing.T) {
	// nCols*nRows does not fit in an int.
	cols := math.MaxInt/4 + 1
	r, err := MapTile(4, cols, 4)
	if err != nil {
		t.Fatal(err)
	}
	if r.Col != 4 || r.Row != 0 {
		t.Fatalf("got col %d row %d want col 4 row 0", r.Col, r.Row)
	}
	if _, err := MapTile(math.MaxInt, 2, 2); !errors.Is(err, ErrTileIndex) {
		t.Fatalf("got %v want %v", err, ErrTileIndex)
	}
	if _, err := MapTile(math.MaxInt, math.MaxInt/2+1, 2); err != nil {
		t.Fatalf("last tile of a huge grid: %v", err)
	}
}
