package voxel

import (
	"math"
	"testing"
)

func testGrid(t *testing.T) *Grid {
	t.Helper()
	g, err := NewGrid(Point{0, 0, 0}, Point{10, 10, 10}, 2, 2, 2)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func TestNewGrid_Invalid(t *testing.T) {
	cases := []struct {
		name       string
		min, max   Point
		nx, ny, nz int
	}{
		{"minEqualsMax", Point{0, 0, 0}, Point{0, 10, 10}, 2, 2, 2},
		{"minAboveMax", Point{5, 0, 0}, Point{1, 10, 10}, 2, 2, 2},
		{"zeroCells", Point{0, 0, 0}, Point{10, 10, 10}, 0, 2, 2},
		{"negativeCells", Point{0, 0, 0}, Point{10, 10, 10}, 2, -1, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGrid(tc.min, tc.max, tc.nx, tc.ny, tc.nz); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestBinOf(t *testing.T) {
	g := testGrid(t)

	cases := []struct {
		name string
		p    Point
		want int
	}{
		{"firstCell", Point{2, 2, 2}, 0},
		{"lastCell", Point{8, 8, 8}, 7},
		{"upperXCell", Point{8, 2, 2}, 1},
		{"upperYCell", Point{2, 8, 2}, 2},
		{"upperZCell", Point{2, 2, 8}, 4},
		{"lowerCorner", Point{0, 0, 0}, 0},
		{"interiorBoundaryGoesUp", Point{5, 2, 2}, 1},
		{"outside", Point{20, 20, 20}, InvalidBin},
		{"belowBox", Point{-1, 2, 2}, InvalidBin},
		{"onUpperFace", Point{10, 2, 2}, InvalidBin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := g.BinOf(tc.p); got != tc.want {
				t.Fatalf("BinOf(%v) = %d, want %d", tc.p, got, tc.want)
			}
		})
	}
}

func TestBinIDRoundTrip(t *testing.T) {
	g, err := NewGrid(Point{-5, 0, 10}, Point{5, 20, 40}, 3, 4, 5)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	for id := 0; id < g.NBins(); id++ {
		ix, iy, iz, ok := g.BinIndices(id)
		if !ok {
			t.Fatalf("BinIndices(%d) not ok", id)
		}
		if back := g.BinID(ix, iy, iz); back != id {
			t.Fatalf("BinID(BinIndices(%d)) = %d", id, back)
		}
		c, ok := g.BinCenter(id)
		if !ok {
			t.Fatalf("BinCenter(%d) not ok", id)
		}
		if got := g.BinOf(c); got != id {
			t.Fatalf("BinOf(center of %d) = %d", id, got)
		}
	}
}

func TestAxisCenter(t *testing.T) {
	g := testGrid(t)
	if got := g.AxisCenter(0, 0); got != 2.5 {
		t.Fatalf("AxisCenter(0,0) = %g, want 2.5", got)
	}
	if got := g.AxisCenter(2, 1); got != 7.5 {
		t.Fatalf("AxisCenter(2,1) = %g, want 7.5", got)
	}
}

func TestNeighbors_CellCenter(t *testing.T) {
	g := testGrid(t)

	// At the exact center of a cell the stencil collapses onto that cell.
	neis := g.Neighbors(Point{2.5, 2.5, 2.5})
	var total float64
	for _, n := range neis {
		total += n.Weight
		if n.ID != 0 && n.Weight != 0 {
			t.Fatalf("unexpected weight %g on bin %d", n.Weight, n.ID)
		}
		if n.ID == 0 && n.Weight != 1 {
			t.Fatalf("center weight = %g, want 1", n.Weight)
		}
	}
	if math.Abs(total-1) > 1e-12 {
		t.Fatalf("total weight = %g, want 1", total)
	}
}

func TestNeighbors_FaceMidpoint(t *testing.T) {
	g := testGrid(t)

	// Midpoint of the shared x-face between bins 0 and 1, centered in y and z:
	// half the weight on each.
	neis := g.Neighbors(Point{5, 2.5, 2.5})
	weights := map[int]float64{}
	for _, n := range neis {
		weights[n.ID] += n.Weight
	}
	if math.Abs(weights[0]-0.5) > 1e-12 || math.Abs(weights[1]-0.5) > 1e-12 {
		t.Fatalf("face midpoint weights = %v, want 0.5 on bins 0 and 1", weights)
	}
}

func TestNeighbors_EdgeDropsWeight(t *testing.T) {
	g := testGrid(t)

	// Near the lower corner part of the stencil falls outside the grid; the
	// dropped candidates are not renormalized, so the sum stays below 1.
	neis := g.Neighbors(Point{1, 1, 1})
	if len(neis) == 0 {
		t.Fatal("expected a non-empty stencil inside the grid")
	}
	var total float64
	for _, n := range neis {
		if n.ID < 0 || n.ID >= g.NBins() {
			t.Fatalf("stencil returned out-of-grid bin %d", n.ID)
		}
		total += n.Weight
	}
	if total >= 1 {
		t.Fatalf("edge stencil weight = %g, want < 1 (dropped neighbors are not redistributed)", total)
	}
}

func TestNeighbors_OutsideIsEmpty(t *testing.T) {
	g := testGrid(t)
	if neis := g.Neighbors(Point{20, 20, 20}); neis != nil {
		t.Fatalf("Neighbors outside grid = %v, want nil", neis)
	}
}

func TestGridEqual(t *testing.T) {
	a := testGrid(t)
	b := testGrid(t)
	if !a.Equal(b) {
		t.Fatal("identical definitions reported unequal")
	}
	c, err := NewGrid(Point{0, 0, 0}, Point{10, 10, 10}, 4, 2, 2)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	if a.Equal(c) {
		t.Fatal("different resolutions reported equal")
	}
}
