package engine

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/photonvis/server/internal/geometry"
	"github.com/photonvis/server/internal/mapping"
	"github.com/photonvis/server/internal/photlib"
	"github.com/photonvis/server/internal/voxel"
)

func grid2(t *testing.T) *voxel.Grid {
	t.Helper()
	g, err := voxel.NewGrid(voxel.Point{}, voxel.Point{X: 10, Y: 10, Z: 10}, 2, 2, 2)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func buildEngine(t *testing.T, interpolate bool, opts photlib.Options) *Engine {
	t.Helper()
	e, err := New(Params{
		StorePath:   filepath.Join(t.TempDir(), "lib"),
		Mode:        ModeBuild,
		Interpolate: interpolate,
		Grid:        grid2(t),
		Transform:   mapping.NewIdentity(4),
		Opts:        opts,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNew_Invalid(t *testing.T) {
	g := grid2(t)
	id := mapping.NewIdentity(4)
	cases := []struct {
		name string
		p    Params
	}{
		{"nilGrid", Params{Mode: ModeBuild, Transform: id}},
		{"nilTransform", Params{Mode: ModeBuild, Grid: g}},
		{"badMode", Params{Mode: "replay", Grid: g, Transform: id}},
		{"badOpts", Params{Mode: ModeBuild, Grid: g, Transform: id, Opts: photlib.Options{ReflT0: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.p); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestVisibility_NearestVoxel(t *testing.T) {
	e := buildEngine(t, false, photlib.Options{})
	e.SetEntry(0, 0, 0.5, false)

	if got := e.Visibility(voxel.Point{X: 2, Y: 2, Z: 2}, 0, false); got != 0.5 {
		t.Errorf("inside populated voxel = %g, want 0.5", got)
	}
	if got := e.Visibility(voxel.Point{X: 8, Y: 8, Z: 8}, 0, false); got != 0 {
		t.Errorf("inside empty voxel = %g, want 0", got)
	}
	if got := e.Visibility(voxel.Point{X: 20, Y: 20, Z: 20}, 0, false); got != 0 {
		t.Errorf("outside grid = %g, want 0", got)
	}
}

func TestVisibility_Interpolated(t *testing.T) {
	e := buildEngine(t, true, photlib.Options{})
	e.SetEntry(0, 0, 1.0, false)
	e.SetEntry(1, 0, 0.5, false)

	// At a cell center the stencil collapses onto that cell.
	if got := e.Visibility(voxel.Point{X: 2.5, Y: 2.5, Z: 2.5}, 0, false); got != 1.0 {
		t.Errorf("cell center = %g, want 1.0", got)
	}
	// Midway between the centers of bins 0 and 1 the values blend evenly.
	got := e.Visibility(voxel.Point{X: 5, Y: 2.5, Z: 2.5}, 0, false)
	if math.Abs(float64(got)-0.75) > 1e-6 {
		t.Errorf("face midpoint = %g, want 0.75", got)
	}
	if got := e.Visibility(voxel.Point{X: 20, Y: 20, Z: 20}, 0, false); got != 0 {
		t.Errorf("outside grid = %g, want 0", got)
	}
}

func TestVisibility_EdgeUnderCounts(t *testing.T) {
	e := buildEngine(t, true, photlib.Options{})
	for bin := 0; bin < 8; bin++ {
		e.SetEntry(bin, 0, 1.0, false)
	}

	// Near the box corner part of the stencil is dropped without
	// renormalization, so a uniformly filled library reads below 1 there.
	got := e.Visibility(voxel.Point{X: 1, Y: 1, Z: 1}, 0, false)
	if got <= 0 || got >= 1 {
		t.Errorf("corner visibility = %g, want in (0,1)", got)
	}
}

func TestAllVisibilities(t *testing.T) {
	e := buildEngine(t, false, photlib.Options{Reflected: true})
	e.SetEntry(0, 1, 0.25, false)
	e.SetEntry(0, 3, 0.125, false)
	e.SetEntry(0, 1, 0.5, true)

	p := voxel.Point{X: 2, Y: 2, Z: 2}
	direct := e.AllVisibilities(p, false)
	want := []float32{0, 0.25, 0, 0.125}
	for i := range want {
		if direct[i] != want[i] {
			t.Errorf("direct[%d] = %g, want %g", i, direct[i], want[i])
		}
	}
	refl := e.AllVisibilities(p, true)
	if refl[1] != 0.5 || refl[0] != 0 {
		t.Errorf("reflected = %v", refl)
	}

	outside := e.AllVisibilities(voxel.Point{X: -1, Y: 0, Z: 0}, false)
	for i, v := range outside {
		if v != 0 {
			t.Errorf("outside[%d] = %g, want 0", i, v)
		}
	}
}

func TestAllVisibilities_Interpolated(t *testing.T) {
	e := buildEngine(t, true, photlib.Options{})
	e.SetEntry(0, 0, 1.0, false)
	e.SetEntry(1, 0, 0.5, false)

	got := e.AllVisibilities(voxel.Point{X: 5, Y: 2.5, Z: 2.5}, false)
	if math.Abs(float64(got[0])-0.75) > 1e-6 {
		t.Errorf("interpolated all[0] = %g, want 0.75", got[0])
	}
	for ch := 1; ch < 4; ch++ {
		if got[ch] != 0 {
			t.Errorf("all[%d] = %g, want 0", ch, got[ch])
		}
	}
}

func TestHasVisibility(t *testing.T) {
	e := buildEngine(t, true, photlib.Options{})
	e.SetEntry(0, 2, 0.25, false)

	if !e.HasVisibility(voxel.Point{X: 2, Y: 2, Z: 2}, false) {
		t.Error("populated voxel should have visibility")
	}
	if e.HasVisibility(voxel.Point{X: 8, Y: 8, Z: 8}, false) {
		t.Error("empty voxel should not")
	}
	if e.HasVisibility(voxel.Point{X: 20, Y: 0, Z: 0}, false) {
		t.Error("outside the grid should not")
	}
}

func TestReflT0sAndTimingPars(t *testing.T) {
	e := buildEngine(t, true, photlib.Options{Reflected: true, ReflT0: true, TimingNPar: 2})
	e.SetReflT0Entry(0, 1, 12.5)
	e.SetTimingParEntry(0, 1, 0, 3)
	e.SetTimingParEntry(0, 1, 1, -4)

	p := voxel.Point{X: 2, Y: 2, Z: 2}
	t0s := e.ReflT0s(p)
	if t0s[1] != 12.5 || t0s[0] != 0 {
		t.Errorf("ReflT0s = %v", t0s)
	}
	pars := e.TimingPars(p, 1)
	if len(pars) != 2 || pars[0] != 3 || pars[1] != -4 {
		t.Errorf("TimingPars = %v", pars)
	}
	empty := e.TimingPars(voxel.Point{X: -5, Y: 0, Z: 0}, 1)
	for _, v := range empty {
		if v != 0 {
			t.Errorf("outside TimingPars = %v", empty)
		}
	}
}

func TestProductionMemo(t *testing.T) {
	e := buildEngine(t, false, photlib.Options{})

	if _, _, ok := e.LastProduction(); ok {
		t.Fatal("fresh engine should have no production")
	}
	e.RecordProduction(voxel.Point{X: 2, Y: 2, Z: 2}, 1000)
	e.RecordProduction(voxel.Point{X: 8, Y: 8, Z: 8}, 500)

	bin, n, ok := e.LastProduction()
	if !ok {
		t.Fatal("production not recorded")
	}
	if bin != 7 || n != 500 {
		t.Errorf("LastProduction = (%d, %g), want (7, 500)", bin, n)
	}
}

func TestStoreThenQuery(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lib")
	g := grid2(t)

	b, err := New(Params{
		StorePath: dir,
		Mode:      ModeBuild,
		Grid:      g,
		Transform: mapping.NewIdentity(4),
		Opts:      photlib.Options{Reflected: true},
	})
	if err != nil {
		t.Fatalf("New(build): %v", err)
	}
	b.SetEntry(3, 2, 0.5, false)
	b.SetEntry(3, 2, 0.25, true)
	if err := b.Store(); err != nil {
		t.Fatalf("Store: %v", err)
	}

	q, err := New(Params{
		StorePath: dir,
		Mode:      ModeQuery,
		Grid:      g,
		Transform: mapping.NewIdentity(4),
	})
	if err != nil {
		t.Fatalf("New(query): %v", err)
	}
	p, ok := g.BinCenter(3)
	if !ok {
		t.Fatal("BinCenter(3)")
	}
	if got := q.Visibility(p, 2, false); got != 0.5 {
		t.Errorf("queried visibility = %g, want 0.5", got)
	}
	if got := q.Visibility(p, 2, true); got != 0.25 {
		t.Errorf("queried reflected = %g, want 0.25", got)
	}

	// Store on a served library is a no-op, not an error.
	if err := q.Store(); err != nil {
		t.Errorf("query-mode Store: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("write to a query-mode library did not panic")
		}
	}()
	q.SetEntry(0, 0, 1, false)
}

func TestQueryMode_MissingStore(t *testing.T) {
	_, err := New(Params{
		StorePath: filepath.Join(t.TempDir(), "missing"),
		Mode:      ModeQuery,
		Grid:      grid2(t),
		Transform: mapping.NewIdentity(4),
	})
	if err == nil {
		t.Fatal("expected load error for a missing store")
	}
}

func TestMirrorSymmetry(t *testing.T) {
	det := &geometry.Detector{
		Name:   "mirror",
		Bounds: geometry.Boundary{XMin: 0, XMax: 10, YMin: 0, YMax: 10, ZMin: 0, ZMax: 10},
		Channels: []geometry.Channel{
			{ID: 0, X: 1, Y: 5, Z: 5},
			{ID: 1, X: 9, Y: 5, Z: 5},
		},
	}
	if err := det.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m, err := mapping.NewMirrorX(det, 5)
	if err != nil {
		t.Fatalf("NewMirrorX: %v", err)
	}

	e, err := New(Params{
		StorePath: filepath.Join(t.TempDir(), "lib"),
		Mode:      ModeBuild,
		Grid:      grid2(t),
		Transform: m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Populate only the covered half: voxel containing (7,2,2) is bin 1.
	e.SetEntry(1, 1, 0.5, false)

	covered := voxel.Point{X: 7, Y: 2, Z: 2}
	mirrored := voxel.Point{X: 3, Y: 2, Z: 2}

	if got := e.Visibility(covered, 1, false); got != 0.5 {
		t.Errorf("covered side channel 1 = %g, want 0.5", got)
	}
	// Reflecting the point swaps which physical channel sees the light.
	if got := e.Visibility(mirrored, 0, false); got != 0.5 {
		t.Errorf("mirrored side channel 0 = %g, want 0.5", got)
	}
	if got := e.Visibility(mirrored, 1, false); got != 0 {
		t.Errorf("mirrored side channel 1 = %g, want 0", got)
	}
}
