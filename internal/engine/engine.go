// Package engine ties the voxel grid, the channel mapping and the visibility
// library together into the query and build surface the service layer uses.
package engine

import (
	"fmt"
	"log"
	"sync"

	"github.com/photonvis/server/internal/mapping"
	"github.com/photonvis/server/internal/photlib"
	"github.com/photonvis/server/internal/voxel"
)

// Mode selects whether an engine serves an existing library or accumulates a
// new one.
type Mode string

const (
	// ModeQuery loads the library from the store at construction and serves
	// read-only lookups.
	ModeQuery Mode = "query"
	// ModeBuild starts from an empty writable library; the table is
	// materialized on first access so that a configured but idle build
	// engine costs nothing.
	ModeBuild Mode = "build"
)

// Params configures an engine.
type Params struct {
	// StorePath is the library store directory, loaded in query mode and
	// written by Store in build mode.
	StorePath string
	Mode      Mode
	// Interpolate enables the multilinear stencil for direct and reflected
	// visibility lookups. Arrival times and timing parameters always use the
	// containing voxel.
	Interpolate bool
	Grid        *voxel.Grid
	Transform   mapping.Transform
	// Opts selects the optional arrays of a library built in build mode. In
	// query mode the stored library's own options apply.
	Opts photlib.Options
}

// Engine answers visibility lookups for one library. Read methods are safe
// for concurrent use; build-mode writes must not race with reads.
type Engine struct {
	params Params
	grid   *voxel.Grid
	mapper mapping.Transform

	mu    sync.Mutex
	table *photlib.Table
	build *photlib.BuildTable

	// Single-slot memo of the last recorded photon production, consumed by
	// the generation jobs to pair a deposit with its voxel.
	prodBin int
	prodN   float64
	prodOK  bool
}

// New builds an engine. In query mode the library is loaded immediately and
// load errors are returned; a missing or unreadable store is a deployment
// problem, not something to discover per request.
func New(p Params) (*Engine, error) {
	if p.Grid == nil {
		return nil, fmt.Errorf("engine: nil grid")
	}
	if p.Transform == nil {
		return nil, fmt.Errorf("engine: nil transform")
	}
	switch p.Mode {
	case ModeQuery, ModeBuild:
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", p.Mode)
	}
	if err := p.Opts.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{params: p, grid: p.Grid, mapper: p.Transform}
	if p.Mode == ModeQuery {
		t, err := photlib.Load(p.StorePath, p.Grid, p.Transform.LibrarySize())
		if err != nil {
			return nil, err
		}
		e.table = t
		// The stored definition is authoritative for bin lookups.
		e.grid = t.Grid()
	}
	return e, nil
}

// Grid returns the grid lookups resolve against. In query mode this is the
// definition stored with the library.
func (e *Engine) Grid() *voxel.Grid { return e.grid }

// Mode returns the configured mode.
func (e *Engine) Mode() Mode { return e.params.Mode }

// Interpolated reports whether visibility lookups use the stencil.
func (e *Engine) Interpolated() bool { return e.params.Interpolate }

// Opts returns the library's optional-array configuration.
func (e *Engine) Opts() photlib.Options { return e.lib().Opts() }

// NChannels returns the number of detector channels served.
func (e *Engine) NChannels() int { return e.mapper.DetectorChannels() }

// lib returns the active table, materializing the build table on first use.
func (e *Engine) lib() *photlib.Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table != nil {
		return e.table
	}
	b, err := photlib.NewBuildTable(e.grid, e.mapper.LibrarySize(), e.params.Opts)
	if err != nil {
		// Params were validated at construction; only a broken grid mutation
		// could land here.
		panic(fmt.Sprintf("engine: cannot materialize build table: %v", err))
	}
	e.build = b
	e.table = &b.Table
	return e.table
}

// buildTable returns the writable table, panicking in query mode. Writing
// through a served library is a programming error, not a runtime condition.
func (e *Engine) buildTable() *photlib.BuildTable {
	if e.params.Mode != ModeBuild {
		panic("engine: write to a query-mode library")
	}
	e.lib()
	return e.build
}

// Visibility returns the fraction of photons produced at p that reach one
// detector channel. Points outside the grid see nothing.
func (e *Engine) Visibility(p voxel.Point, detCh int, reflected bool) float32 {
	t := e.lib()
	lp := e.mapper.ToLibrary(p)
	libCh := e.mapper.LibraryIndex(p, detCh)
	if libCh < 0 {
		return 0
	}

	if !e.params.Interpolate {
		bin := e.grid.BinOf(lp)
		if bin == voxel.InvalidBin {
			return 0
		}
		return e.value(t, bin, libCh, reflected)
	}

	var sum float64
	for _, n := range e.grid.Neighbors(lp) {
		sum += n.Weight * float64(e.value(t, n.ID, libCh, reflected))
	}
	return float32(sum)
}

func (e *Engine) value(t *photlib.Table, bin, libCh int, reflected bool) float32 {
	if reflected {
		return t.ReflCount(bin, libCh)
	}
	return t.Count(bin, libCh)
}

// AllVisibilities returns the visibility of p for every detector channel, in
// channel order. The accumulation buffer is local to the call, so concurrent
// queries never share results.
func (e *Engine) AllVisibilities(p voxel.Point, reflected bool) []float32 {
	t := e.lib()
	lp := e.mapper.ToLibrary(p)
	out := make([]float32, e.mapper.DetectorChannels())

	if !e.params.Interpolate {
		bin := e.grid.BinOf(lp)
		if bin == voxel.InvalidBin {
			return out
		}
		row := e.row(t, bin, reflected)
		if row != nil {
			e.mapper.Expand(p, row, out)
		}
		return out
	}

	acc := make([]float32, e.mapper.LibrarySize())
	for _, n := range e.grid.Neighbors(lp) {
		row := e.row(t, n.ID, reflected)
		if row == nil {
			continue
		}
		w := float32(n.Weight)
		for i, v := range row {
			acc[i] += w * v
		}
	}
	e.mapper.Expand(p, acc, out)
	return out
}

func (e *Engine) row(t *photlib.Table, bin int, reflected bool) []float32 {
	if reflected {
		return t.ReflCountRow(bin)
	}
	return t.CountRow(bin)
}

// HasVisibility reports whether the voxel containing p carries any non-zero
// entry. Interpolation does not apply; this answers "was this voxel ever
// populated", not "is the interpolated value non-zero".
func (e *Engine) HasVisibility(p voxel.Point, reflected bool) bool {
	t := e.lib()
	bin := e.grid.BinOf(e.mapper.ToLibrary(p))
	if bin == voxel.InvalidBin {
		return false
	}
	return t.HasEntries(bin, reflected)
}

// ReflT0s returns the earliest reflected-light arrival time per detector
// channel for the voxel containing p, or nil when the library carries no
// arrival times. Times are not interpolated; blending them across voxels has
// no physical meaning.
func (e *Engine) ReflT0s(p voxel.Point) []float32 {
	t := e.lib()
	if !t.Opts().ReflT0 {
		return nil
	}
	out := make([]float32, e.mapper.DetectorChannels())
	bin := e.grid.BinOf(e.mapper.ToLibrary(p))
	if bin == voxel.InvalidBin {
		return out
	}
	for ch := range out {
		libCh := e.mapper.LibraryIndex(p, ch)
		if libCh < 0 {
			continue
		}
		out[ch] = t.ReflT0(bin, libCh)
	}
	return out
}

// TimingPars returns the timing parameterization for one detector channel at
// the voxel containing p: all zeros outside the grid, nil when the library
// carries no parameterization.
func (e *Engine) TimingPars(p voxel.Point, detCh int) []float32 {
	t := e.lib()
	npar := t.Opts().TimingNPar
	if npar == 0 {
		return nil
	}
	out := make([]float32, npar)
	bin := e.grid.BinOf(e.mapper.ToLibrary(p))
	if bin == voxel.InvalidBin {
		return out
	}
	libCh := e.mapper.LibraryIndex(p, detCh)
	if libCh < 0 {
		return out
	}
	for par := 0; par < npar; par++ {
		out[par] = t.TimingPar(bin, libCh, par)
	}
	return out
}

// ChannelValues copies one library channel's values across all voxels, in
// bin order. Used by the statistics and rendering paths.
func (e *Engine) ChannelValues(libCh int, reflected bool) []float32 {
	t := e.lib()
	if libCh < 0 || libCh >= t.NChannels() {
		return nil
	}
	out := make([]float32, t.NBins())
	for bin := range out {
		out[bin] = e.value(t, bin, libCh, reflected)
	}
	return out
}

// ChannelPlane copies one library channel's values across the z=k plane, row
// major with x fastest, or nil when k is out of range.
func (e *Engine) ChannelPlane(k, libCh int, reflected bool) []float32 {
	t := e.lib()
	nx, ny, nz := e.grid.Dims()
	if k < 0 || k >= nz || libCh < 0 || libCh >= t.NChannels() {
		return nil
	}
	out := make([]float32, nx*ny)
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			out[iy*nx+ix] = e.value(t, e.grid.BinID(ix, iy, k), libCh, reflected)
		}
	}
	return out
}

// RecordProduction memoizes the voxel of the most recent photon production
// and its photon count. The slot holds exactly one entry; each call replaces
// the previous one.
func (e *Engine) RecordProduction(p voxel.Point, nPhotons float64) {
	bin := e.grid.BinOf(e.mapper.ToLibrary(p))
	e.mu.Lock()
	e.prodBin = bin
	e.prodN = nPhotons
	e.prodOK = true
	e.mu.Unlock()
}

// LastProduction returns the memoized production, or ok=false when nothing
// has been recorded.
func (e *Engine) LastProduction() (bin int, nPhotons float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prodBin, e.prodN, e.prodOK
}

// SetEntry stores a visibility value during library generation. Panics in
// query mode.
func (e *Engine) SetEntry(bin, libCh int, v float32, reflected bool) {
	b := e.buildTable()
	if reflected {
		b.SetReflCount(bin, libCh, v)
		return
	}
	b.SetCount(bin, libCh, v)
}

// SetReflT0Entry stores a reflected arrival time. Panics in query mode.
func (e *Engine) SetReflT0Entry(bin, libCh int, v float32) {
	e.buildTable().SetReflT0(bin, libCh, v)
}

// SetTimingParEntry stores one timing parameterization value. Panics in
// query mode.
func (e *Engine) SetTimingParEntry(bin, libCh, par int, v float32) {
	e.buildTable().SetTimingPar(bin, libCh, par, v)
}

// Store writes the built library to the configured store path. In query mode
// this logs and does nothing: the library on disk is the source of truth and
// a served engine never rewrites it.
func (e *Engine) Store() error {
	if e.params.Mode != ModeBuild {
		log.Printf("[Engine] Store called on a query-mode library (%s); ignoring", e.params.StorePath)
		return nil
	}
	b := e.buildTable()
	return b.Store(e.params.StorePath)
}
