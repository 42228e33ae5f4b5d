// Package voxel implements the spatial discretization used by the photon
// visibility library: an axis-aligned box partitioned into equal cells with a
// fixed row-major bin numbering.
package voxel

import (
	"fmt"
	"math"
)

// InvalidBin is returned for points outside the grid box.
const InvalidBin = -1

// Point is a position in detector or library coordinates (cm).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Coord returns the coordinate along axis 0 (x), 1 (y) or 2 (z).
func (p Point) Coord(axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	case 2:
		return p.Z
	}
	panic(fmt.Sprintf("voxel: invalid axis %d", axis))
}

// WeightedBin is one candidate cell of the interpolation stencil.
type WeightedBin struct {
	ID     int
	Weight float64
}

// Grid is an immutable voxel grid definition. Bin ids are assigned row-major:
// id = ix + Nx*(iy + Ny*iz), never reassigned after construction.
type Grid struct {
	min  [3]float64
	max  [3]float64
	n    [3]int
	step [3]float64
}

// NewGrid builds a grid over [min,max] with n cells per axis. It returns an
// error when any axis has min >= max or fewer than one cell.
func NewGrid(min, max Point, nx, ny, nz int) (*Grid, error) {
	g := &Grid{
		min: [3]float64{min.X, min.Y, min.Z},
		max: [3]float64{max.X, max.Y, max.Z},
		n:   [3]int{nx, ny, nz},
	}
	for axis := 0; axis < 3; axis++ {
		if g.min[axis] >= g.max[axis] {
			return nil, fmt.Errorf("voxel: axis %d bounds invalid: min %g >= max %g", axis, g.min[axis], g.max[axis])
		}
		if g.n[axis] < 1 {
			return nil, fmt.Errorf("voxel: axis %d cell count invalid: %d", axis, g.n[axis])
		}
		g.step[axis] = (g.max[axis] - g.min[axis]) / float64(g.n[axis])
	}
	return g, nil
}

// NBins returns the total number of cells.
func (g *Grid) NBins() int { return g.n[0] * g.n[1] * g.n[2] }

// Dims returns the cell counts per axis.
func (g *Grid) Dims() (nx, ny, nz int) { return g.n[0], g.n[1], g.n[2] }

// Bounds returns the lower and upper corners of the box.
func (g *Grid) Bounds() (min, max Point) {
	return Point{g.min[0], g.min[1], g.min[2]}, Point{g.max[0], g.max[1], g.max[2]}
}

// CellSize returns the cell width along each axis.
func (g *Grid) CellSize() (dx, dy, dz float64) { return g.step[0], g.step[1], g.step[2] }

// Contains reports whether p lies inside the box. The lower faces are
// inclusive and the upper faces exclusive, consistent with the boundary
// convention of AxisBin.
func (g *Grid) Contains(p Point) bool {
	for axis := 0; axis < 3; axis++ {
		v := p.Coord(axis)
		if v < g.min[axis] || v >= g.max[axis] {
			return false
		}
	}
	return true
}

// AxisBin returns the cell index along one axis by truncating the offset from
// the lower bound by the cell width. A coordinate exactly on an interior cell
// boundary belongs to the upper cell; a coordinate exactly on the box's upper
// face falls in index n (outside). The result is not clamped to the grid.
func (g *Grid) AxisBin(axis int, v float64) int {
	return int(math.Floor((v - g.min[axis]) / g.step[axis]))
}

// AxisCenter returns the center coordinate of cell i along an axis.
func (g *Grid) AxisCenter(axis, i int) float64 {
	return g.min[axis] + (float64(i)+0.5)*g.step[axis]
}

// BinID composes a bin id from per-axis indices, or InvalidBin when any index
// is out of range.
func (g *Grid) BinID(ix, iy, iz int) int {
	if ix < 0 || ix >= g.n[0] || iy < 0 || iy >= g.n[1] || iz < 0 || iz >= g.n[2] {
		return InvalidBin
	}
	return ix + g.n[0]*(iy+g.n[1]*iz)
}

// BinIndices decomposes a bin id into per-axis indices.
func (g *Grid) BinIndices(id int) (ix, iy, iz int, ok bool) {
	if id < 0 || id >= g.NBins() {
		return 0, 0, 0, false
	}
	ix = id % g.n[0]
	iy = (id / g.n[0]) % g.n[1]
	iz = id / (g.n[0] * g.n[1])
	return ix, iy, iz, true
}

// BinOf maps a point to its bin id, or InvalidBin when the point lies outside
// the box on any axis.
func (g *Grid) BinOf(p Point) int {
	if !g.Contains(p) {
		return InvalidBin
	}
	return g.BinID(g.AxisBin(0, p.X), g.AxisBin(1, p.Y), g.AxisBin(2, p.Z))
}

// BinCenter returns the center point of a bin.
func (g *Grid) BinCenter(id int) (Point, bool) {
	ix, iy, iz, ok := g.BinIndices(id)
	if !ok {
		return Point{}, false
	}
	return Point{g.AxisCenter(0, ix), g.AxisCenter(1, iy), g.AxisCenter(2, iz)}, true
}

// Neighbors returns the multilinear interpolation stencil for p: up to 2^3
// cells bracketing the point, each with the product of per-axis linear
// weights measured from the cell centers. Candidates outside the grid are
// dropped and their weight is NOT redistributed, so at the box edge the
// retained weights sum to less than 1 and an interpolated value there
// under-counts; this mirrors the library generation convention and is kept
// deliberately. Returns nil when p itself is outside the grid.
func (g *Grid) Neighbors(p Point) []WeightedBin {
	if !g.Contains(p) {
		return nil
	}

	// Per-axis lower stencil index and the fractional position of p between
	// the centers of cells base and base+1.
	var base [3]int
	var frac [3]float64
	for axis := 0; axis < 3; axis++ {
		u := (p.Coord(axis)-g.min[axis])/g.step[axis] - 0.5
		f := math.Floor(u)
		base[axis] = int(f)
		frac[axis] = u - f
	}

	out := make([]WeightedBin, 0, 8)
	for corner := 0; corner < 8; corner++ {
		var idx [3]int
		w := 1.0
		for axis := 0; axis < 3; axis++ {
			d := (corner >> axis) & 1
			idx[axis] = base[axis] + d
			f := frac[axis]
			if d == 0 {
				f = 1 - f
			}
			if f < 0 {
				f = 0
			} else if f > 1 {
				f = 1
			}
			w *= f
		}
		id := g.BinID(idx[0], idx[1], idx[2])
		if id == InvalidBin {
			continue
		}
		out = append(out, WeightedBin{ID: id, Weight: w})
	}
	return out
}

// Equal reports whether two grid definitions describe the same box and
// resolution.
func (g *Grid) Equal(o *Grid) bool {
	if g == nil || o == nil {
		return g == o
	}
	return g.min == o.min && g.max == o.max && g.n == o.n
}

// String renders the definition for log messages.
func (g *Grid) String() string {
	return fmt.Sprintf("grid %dx%dx%d over [%g,%g]x[%g,%g]x[%g,%g]",
		g.n[0], g.n[1], g.n[2],
		g.min[0], g.max[0], g.min[1], g.max[1], g.min[2], g.max[2])
}
