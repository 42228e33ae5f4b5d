// Package mapping translates between detector space and library space. A
// visibility library may cover only part of the detector and rely on a
// symmetry to serve the rest; the Transform implementations here encode the
// supported symmetries.
package mapping

import (
	"fmt"

	"github.com/photonvis/server/internal/geometry"
	"github.com/photonvis/server/internal/voxel"
)

// Transform maps query positions and channels into the frame the library was
// generated in. Implementations must be safe for concurrent use.
type Transform interface {
	// ToLibrary maps a detector-space point to library space.
	ToLibrary(p voxel.Point) voxel.Point

	// LibraryIndex returns the library channel that holds the value for a
	// detector channel when queried from p, or -1 when the channel has no
	// library counterpart.
	LibraryIndex(p voxel.Point, detCh int) int

	// Expand rearranges one library row into detector channel order. out must
	// have length DetectorChannels; channels without a counterpart are zero.
	Expand(p voxel.Point, lib []float32, out []float32)

	// LibrarySize is the number of channels stored per library entry.
	LibrarySize() int

	// DetectorChannels is the number of physical channels served.
	DetectorChannels() int
}

// New builds the transform named in the configuration. mirrorPlaneX is only
// consulted for the mirror_x transform.
func New(name string, det *geometry.Detector, mirrorPlaneX float64) (Transform, error) {
	switch name {
	case "", "identity":
		return NewIdentity(det.NChannels()), nil
	case "mirror_x":
		return NewMirrorX(det, mirrorPlaneX)
	default:
		return nil, fmt.Errorf("mapping: unknown transform %q", name)
	}
}

// Identity serves a library generated over the full detector: no coordinate
// change, library channels equal detector channels.
type Identity struct {
	nChannels int
}

func NewIdentity(nChannels int) *Identity {
	return &Identity{nChannels: nChannels}
}

func (m *Identity) ToLibrary(p voxel.Point) voxel.Point { return p }

func (m *Identity) LibraryIndex(_ voxel.Point, detCh int) int {
	if detCh < 0 || detCh >= m.nChannels {
		return -1
	}
	return detCh
}

func (m *Identity) Expand(_ voxel.Point, lib []float32, out []float32) {
	copy(out, lib)
	for i := len(lib); i < len(out); i++ {
		out[i] = 0
	}
}

func (m *Identity) LibrarySize() int      { return m.nChannels }
func (m *Identity) DetectorChannels() int { return m.nChannels }

// MirrorX serves a detector that is symmetric under reflection across the
// plane x = plane from a library generated on the x >= plane half. Points on
// the far side are reflected into the covered half, and each channel on one
// side answers for its mirror partner on the other.
type MirrorX struct {
	plane     float64
	nChannels int

	// partner[ch] is the channel at the reflected position of ch. Channels
	// on the plane itself are their own partner.
	partner []int
}

// channel positions are matched to their reflections within this distance
const pairTolerance = 1e-6

// NewMirrorX pairs up the detector's channels across the plane. Every channel
// must have exactly one partner at its reflected position.
func NewMirrorX(det *geometry.Detector, plane float64) (*MirrorX, error) {
	n := det.NChannels()
	m := &MirrorX{
		plane:     plane,
		nChannels: n,
		partner:   make([]int, n),
	}
	for ch := 0; ch < n; ch++ {
		pos, _ := det.Position(ch)
		want := voxel.Point{X: 2*plane - pos.X, Y: pos.Y, Z: pos.Z}
		m.partner[ch] = -1
		for other := 0; other < n; other++ {
			if det.DistanceToChannel(want, other) < pairTolerance {
				m.partner[ch] = other
				break
			}
		}
		if m.partner[ch] < 0 {
			return nil, fmt.Errorf("mapping: channel %d at %v has no mirror partner across x=%g", ch, pos, plane)
		}
	}
	for ch, p := range m.partner {
		if m.partner[p] != ch {
			return nil, fmt.Errorf("mapping: channels %d and %d are not mutual mirror partners", ch, p)
		}
	}
	return m, nil
}

// mirrored reports whether p falls on the uncovered side of the plane.
func (m *MirrorX) mirrored(p voxel.Point) bool { return p.X < m.plane }

func (m *MirrorX) ToLibrary(p voxel.Point) voxel.Point {
	if m.mirrored(p) {
		p.X = 2*m.plane - p.X
	}
	return p
}

func (m *MirrorX) LibraryIndex(p voxel.Point, detCh int) int {
	if detCh < 0 || detCh >= m.nChannels {
		return -1
	}
	if m.mirrored(p) {
		return m.partner[detCh]
	}
	return detCh
}

func (m *MirrorX) Expand(p voxel.Point, lib []float32, out []float32) {
	for ch := 0; ch < m.nChannels && ch < len(out); ch++ {
		idx := m.LibraryIndex(p, ch)
		if idx < 0 || idx >= len(lib) {
			out[ch] = 0
			continue
		}
		out[ch] = lib[idx]
	}
}

func (m *MirrorX) LibrarySize() int      { return m.nChannels }
func (m *MirrorX) DetectorChannels() int { return m.nChannels }

// Plane returns the mirror plane coordinate.
func (m *MirrorX) Plane() float64 { return m.plane }
