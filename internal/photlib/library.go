// Package photlib holds the visibility library: dense per-voxel, per-channel
// lookup arrays plus the on-disk store format. A Table is the read-only query
// surface; a BuildTable additionally accepts writes during library generation.
package photlib

import (
	"fmt"

	"github.com/photonvis/server/internal/voxel"
)

// Options selects which optional arrays a library carries beyond the direct
// visibility counts.
type Options struct {
	// Reflected enables the reflected-light visibility array.
	Reflected bool `json:"reflected"`
	// ReflT0 enables the reflected-light arrival time array. Requires
	// Reflected.
	ReflT0 bool `json:"refl_t0"`
	// TimingNPar is the number of timing parameterization values stored per
	// (voxel, channel); zero disables the timing array.
	TimingNPar int `json:"timing_npar"`
}

// Validate rejects option combinations the store cannot represent.
func (o Options) Validate() error {
	if o.ReflT0 && !o.Reflected {
		return fmt.Errorf("photlib: refl_t0 requires reflected")
	}
	if o.TimingNPar < 0 {
		return fmt.Errorf("photlib: timing_npar must be >= 0, got %d", o.TimingNPar)
	}
	return nil
}

// Table is an in-memory visibility library. All arrays are dense, indexed by
// [voxel*nChannels + channel]; absent optional arrays read as zero. A Table is
// immutable after construction and safe for concurrent reads.
type Table struct {
	grid      *voxel.Grid
	nBins     int
	nChannels int
	opts      Options

	counts     []float32
	reflCounts []float32
	reflT0     []float32
	// timingPars is indexed by (voxel*nChannels + channel)*TimingNPar + par.
	timingPars []float32
}

func newTable(grid *voxel.Grid, nChannels int, opts Options) (*Table, error) {
	if grid == nil {
		return nil, fmt.Errorf("photlib: nil grid")
	}
	if nChannels < 1 {
		return nil, fmt.Errorf("photlib: need at least one channel, got %d", nChannels)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	t := &Table{
		grid:      grid,
		nBins:     grid.NBins(),
		nChannels: nChannels,
		opts:      opts,
	}
	t.counts = make([]float32, t.nBins*t.nChannels)
	if opts.Reflected {
		t.reflCounts = make([]float32, t.nBins*t.nChannels)
	}
	if opts.ReflT0 {
		t.reflT0 = make([]float32, t.nBins*t.nChannels)
	}
	if opts.TimingNPar > 0 {
		t.timingPars = make([]float32, t.nBins*t.nChannels*opts.TimingNPar)
	}
	return t, nil
}

// Grid returns the voxel grid the library was generated on.
func (t *Table) Grid() *voxel.Grid { return t.grid }

// NBins returns the number of voxels per array.
func (t *Table) NBins() int { return t.nBins }

// NChannels returns the number of library channels per voxel.
func (t *Table) NChannels() int { return t.nChannels }

// Opts returns the optional-array configuration.
func (t *Table) Opts() Options { return t.opts }

// index returns the flat offset for (bin, ch), or -1 when either is out of
// range. Out-of-range reads yield zero rather than an error; the generation
// jobs probe freely around the grid edges.
func (t *Table) index(bin, ch int) int {
	if bin < 0 || bin >= t.nBins || ch < 0 || ch >= t.nChannels {
		return -1
	}
	return bin*t.nChannels + ch
}

// Count returns the direct visibility for one voxel and channel.
func (t *Table) Count(bin, ch int) float32 {
	i := t.index(bin, ch)
	if i < 0 {
		return 0
	}
	return t.counts[i]
}

// ReflCount returns the reflected visibility, or zero when the library does
// not carry the reflected array.
func (t *Table) ReflCount(bin, ch int) float32 {
	i := t.index(bin, ch)
	if i < 0 || t.reflCounts == nil {
		return 0
	}
	return t.reflCounts[i]
}

// ReflT0 returns the earliest reflected-light arrival time, or zero when the
// library does not carry the array.
func (t *Table) ReflT0(bin, ch int) float32 {
	i := t.index(bin, ch)
	if i < 0 || t.reflT0 == nil {
		return 0
	}
	return t.reflT0[i]
}

// TimingPar returns one timing parameterization value, or zero when the
// library does not carry timing data or par is out of range.
func (t *Table) TimingPar(bin, ch, par int) float32 {
	i := t.index(bin, ch)
	if i < 0 || t.timingPars == nil || par < 0 || par >= t.opts.TimingNPar {
		return 0
	}
	return t.timingPars[i*t.opts.TimingNPar+par]
}

// CountRow returns the direct visibility row for one voxel, in library channel
// order. The returned slice aliases the table and must not be modified; it is
// nil for an out-of-range voxel.
func (t *Table) CountRow(bin int) []float32 {
	if bin < 0 || bin >= t.nBins {
		return nil
	}
	return t.counts[bin*t.nChannels : (bin+1)*t.nChannels]
}

// ReflCountRow returns the reflected visibility row for one voxel, or nil
// when absent.
func (t *Table) ReflCountRow(bin int) []float32 {
	if bin < 0 || bin >= t.nBins || t.reflCounts == nil {
		return nil
	}
	return t.reflCounts[bin*t.nChannels : (bin+1)*t.nChannels]
}

// HasEntries reports whether any channel of a voxel carries a non-zero value
// in the selected array.
func (t *Table) HasEntries(bin int, reflected bool) bool {
	row := t.CountRow(bin)
	if reflected {
		row = t.ReflCountRow(bin)
	}
	for _, v := range row {
		if v != 0 {
			return true
		}
	}
	return false
}

// ChannelColumn copies one channel's direct visibility across all voxels into
// a new slice.
func (t *Table) ChannelColumn(ch int) []float32 {
	if ch < 0 || ch >= t.nChannels {
		return nil
	}
	out := make([]float32, t.nBins)
	for bin := 0; bin < t.nBins; bin++ {
		out[bin] = t.counts[bin*t.nChannels+ch]
	}
	return out
}

// BuildTable is a Table that accepts writes. It exists only during library
// generation; queries served to clients always go through a plain Table.
type BuildTable struct {
	Table
}

// NewBuildTable allocates a writable, zero-filled library.
func NewBuildTable(grid *voxel.Grid, nChannels int, opts Options) (*BuildTable, error) {
	t, err := newTable(grid, nChannels, opts)
	if err != nil {
		return nil, err
	}
	return &BuildTable{Table: *t}, nil
}

// mustIndex panics on an out-of-range write. Writes come from the build jobs,
// where a bad index means corrupt input rather than an edge probe.
func (b *BuildTable) mustIndex(bin, ch int) int {
	i := b.index(bin, ch)
	if i < 0 {
		panic(fmt.Sprintf("photlib: write out of range: bin %d, channel %d (table %dx%d)", bin, ch, b.nBins, b.nChannels))
	}
	return i
}

// SetCount stores a direct visibility value. Repeated writes to the same slot
// overwrite; the last write wins.
func (b *BuildTable) SetCount(bin, ch int, v float32) {
	b.counts[b.mustIndex(bin, ch)] = v
}

// SetReflCount stores a reflected visibility value. Panics when the library
// was built without the reflected array.
func (b *BuildTable) SetReflCount(bin, ch int, v float32) {
	if b.reflCounts == nil {
		panic("photlib: reflected array not enabled")
	}
	b.reflCounts[b.mustIndex(bin, ch)] = v
}

// SetReflT0 stores a reflected arrival time. Panics when the library was
// built without the refl_t0 array.
func (b *BuildTable) SetReflT0(bin, ch int, v float32) {
	if b.reflT0 == nil {
		panic("photlib: refl_t0 array not enabled")
	}
	b.reflT0[b.mustIndex(bin, ch)] = v
}

// SetTimingPar stores one timing parameterization value. Panics when timing
// data is not enabled or par is out of range.
func (b *BuildTable) SetTimingPar(bin, ch, par int, v float32) {
	if b.timingPars == nil {
		panic("photlib: timing array not enabled")
	}
	if par < 0 || par >= b.opts.TimingNPar {
		panic(fmt.Sprintf("photlib: timing par %d out of range (npar %d)", par, b.opts.TimingNPar))
	}
	b.timingPars[b.mustIndex(bin, ch)*b.opts.TimingNPar+par] = v
}
