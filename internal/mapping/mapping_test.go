package mapping

import (
	"testing"

	"github.com/photonvis/server/internal/geometry"
	"github.com/photonvis/server/internal/voxel"
)

// mirrorDetector has four channels symmetric across x = 100.
func mirrorDetector(t *testing.T) *geometry.Detector {
	t.Helper()
	det := &geometry.Detector{
		Name: "mirror",
		Bounds: geometry.Boundary{
			XMin: 0, XMax: 200, YMin: -50, YMax: 50, ZMin: 0, ZMax: 100,
		},
		Channels: []geometry.Channel{
			{ID: 0, X: 10, Y: 0, Z: 25},
			{ID: 1, X: 190, Y: 0, Z: 25},
			{ID: 2, X: 10, Y: 0, Z: 75},
			{ID: 3, X: 190, Y: 0, Z: 75},
		},
	}
	if err := det.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return det
}

func TestNew_UnknownTransform(t *testing.T) {
	if _, err := New("fold_y", mirrorDetector(t), 0); err == nil {
		t.Fatal("expected error for unknown transform")
	}
}

func TestIdentity(t *testing.T) {
	m := NewIdentity(4)
	p := voxel.Point{X: 1, Y: 2, Z: 3}
	if got := m.ToLibrary(p); got != p {
		t.Errorf("ToLibrary changed the point: %v", got)
	}
	for ch := 0; ch < 4; ch++ {
		if got := m.LibraryIndex(p, ch); got != ch {
			t.Errorf("LibraryIndex(%d) = %d", ch, got)
		}
	}
	if got := m.LibraryIndex(p, 4); got != -1 {
		t.Errorf("LibraryIndex(4) = %d, want -1", got)
	}

	lib := []float32{0.1, 0.2, 0.3, 0.4}
	out := make([]float32, 4)
	m.Expand(p, lib, out)
	for i := range lib {
		if out[i] != lib[i] {
			t.Errorf("Expand out[%d] = %g, want %g", i, out[i], lib[i])
		}
	}
}

func TestMirrorX_Pairing(t *testing.T) {
	m, err := NewMirrorX(mirrorDetector(t), 100)
	if err != nil {
		t.Fatalf("NewMirrorX: %v", err)
	}
	wantPartner := []int{1, 0, 3, 2}
	for ch, want := range wantPartner {
		p := voxel.Point{X: 50, Y: 0, Z: 0} // mirrored side
		if got := m.LibraryIndex(p, ch); got != want {
			t.Errorf("mirrored LibraryIndex(%d) = %d, want %d", ch, got, want)
		}
		q := voxel.Point{X: 150, Y: 0, Z: 0} // covered side
		if got := m.LibraryIndex(q, ch); got != ch {
			t.Errorf("covered LibraryIndex(%d) = %d, want %d", ch, got, ch)
		}
	}
}

func TestMirrorX_Unpaired(t *testing.T) {
	det := &geometry.Detector{
		Name:   "lopsided",
		Bounds: geometry.Boundary{XMin: 0, XMax: 200, YMin: -1, YMax: 1, ZMin: 0, ZMax: 1},
		Channels: []geometry.Channel{
			{ID: 0, X: 10, Y: 0, Z: 0},
			{ID: 1, X: 150, Y: 0, Z: 0},
		},
	}
	if _, err := NewMirrorX(det, 100); err == nil {
		t.Fatal("expected pairing error")
	}
}

func TestMirrorX_ToLibrary(t *testing.T) {
	m, err := NewMirrorX(mirrorDetector(t), 100)
	if err != nil {
		t.Fatalf("NewMirrorX: %v", err)
	}

	covered := voxel.Point{X: 150, Y: 10, Z: 20}
	if got := m.ToLibrary(covered); got != covered {
		t.Errorf("covered-side point moved: %v", got)
	}

	mirrored := voxel.Point{X: 30, Y: 10, Z: 20}
	want := voxel.Point{X: 170, Y: 10, Z: 20}
	if got := m.ToLibrary(mirrored); got != want {
		t.Errorf("ToLibrary(%v) = %v, want %v", mirrored, got, want)
	}

	onPlane := voxel.Point{X: 100, Y: 0, Z: 0}
	if got := m.ToLibrary(onPlane); got != onPlane {
		t.Errorf("point on the plane moved: %v", got)
	}
}

func TestMirrorX_ExpandSymmetry(t *testing.T) {
	m, err := NewMirrorX(mirrorDetector(t), 100)
	if err != nil {
		t.Fatalf("NewMirrorX: %v", err)
	}

	lib := []float32{0.1, 0.2, 0.3, 0.4}
	out := make([]float32, 4)

	// Covered side: library order passes through unchanged.
	m.Expand(voxel.Point{X: 150, Y: 0, Z: 0}, lib, out)
	for i := range lib {
		if out[i] != lib[i] {
			t.Errorf("covered Expand out[%d] = %g, want %g", i, out[i], lib[i])
		}
	}

	// Mirrored side: each channel reads its partner's library slot, so the
	// physical picture is the reflected one.
	m.Expand(voxel.Point{X: 50, Y: 0, Z: 0}, lib, out)
	want := []float32{0.2, 0.1, 0.4, 0.3}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("mirrored Expand out[%d] = %g, want %g", i, out[i], want[i])
		}
	}
}
