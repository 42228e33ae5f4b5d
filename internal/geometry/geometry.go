// Package geometry loads the detector description consumed by the visibility
// engine: the set of optical channels with their positions, and the detector
// boundary the voxel grid can be derived from.
package geometry

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/photonvis/server/internal/voxel"
)

// Channel is one physical optical detector channel.
type Channel struct {
	ID int     `yaml:"id" json:"id"`
	X  float64 `yaml:"x" json:"x"`
	Y  float64 `yaml:"y" json:"y"`
	Z  float64 `yaml:"z" json:"z"`
}

// Boundary is the detector's axis-aligned bounding box.
type Boundary struct {
	XMin float64 `yaml:"x_min" json:"x_min"`
	XMax float64 `yaml:"x_max" json:"x_max"`
	YMin float64 `yaml:"y_min" json:"y_min"`
	YMax float64 `yaml:"y_max" json:"y_max"`
	ZMin float64 `yaml:"z_min" json:"z_min"`
	ZMax float64 `yaml:"z_max" json:"z_max"`
}

// Detector is an immutable geometry description.
type Detector struct {
	Name     string    `yaml:"detector" json:"detector"`
	Bounds   Boundary  `yaml:"boundary" json:"boundary"`
	Channels []Channel `yaml:"channels" json:"channels"`
}

// Load reads a detector description from a YAML file.
func Load(path string) (*Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read geometry file: %w", err)
	}

	var det Detector
	if err := yaml.Unmarshal(data, &det); err != nil {
		return nil, fmt.Errorf("failed to parse geometry file: %w", err)
	}
	if err := det.Validate(); err != nil {
		return nil, err
	}
	return &det, nil
}

// Validate checks that the description is usable: at least one channel,
// contiguous channel ids starting at 0, and a well-formed boundary.
func (d *Detector) Validate() error {
	if len(d.Channels) == 0 {
		return fmt.Errorf("geometry %q has no channels", d.Name)
	}
	for i, ch := range d.Channels {
		if ch.ID != i {
			return fmt.Errorf("geometry %q: channel ids must be contiguous from 0, got %d at position %d", d.Name, ch.ID, i)
		}
	}
	b := d.Bounds
	if b.XMin >= b.XMax || b.YMin >= b.YMax || b.ZMin >= b.ZMax {
		return fmt.Errorf("geometry %q: boundary is degenerate", d.Name)
	}
	return nil
}

// NChannels returns the number of physical channels.
func (d *Detector) NChannels() int { return len(d.Channels) }

// Position returns the position of a channel.
func (d *Detector) Position(ch int) (voxel.Point, bool) {
	if ch < 0 || ch >= len(d.Channels) {
		return voxel.Point{}, false
	}
	c := d.Channels[ch]
	return voxel.Point{X: c.X, Y: c.Y, Z: c.Z}, true
}

// BoundaryCorners returns the boundary as grid corner points.
func (d *Detector) BoundaryCorners() (min, max voxel.Point) {
	b := d.Bounds
	return voxel.Point{X: b.XMin, Y: b.YMin, Z: b.ZMin},
		voxel.Point{X: b.XMax, Y: b.YMax, Z: b.ZMax}
}

// DistanceToChannel returns the straight-line distance from p to a channel,
// or NaN for an unknown channel.
func (d *Detector) DistanceToChannel(p voxel.Point, ch int) float64 {
	pos, ok := d.Position(ch)
	if !ok {
		return math.NaN()
	}
	dx, dy, dz := p.X-pos.X, p.Y-pos.Y, p.Z-pos.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
