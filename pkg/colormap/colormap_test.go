package colormap

import (
	"image/color"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Viridis.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c0)
	}

	c1, ok := Viridis.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c1)
	}

	// Out-of-range inputs clamp to the endpoints.
	if Viridis.At(-1) != Viridis.At(0) || Viridis.At(2) != Viridis.At(1) {
		t.Fatal("out-of-range values should clamp")
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	if ByName("plasma").At(0) != Plasma.At(0) {
		t.Error("ByName(plasma) did not resolve")
	}
	if ByName("does-not-exist").At(0.5) != Viridis.At(0.5) {
		t.Error("unknown names should fall back to viridis")
	}
}
