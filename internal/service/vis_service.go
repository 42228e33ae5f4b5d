// Package service provides business logic for the visibility server.
package service

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/photonvis/server/internal/cache"
	"github.com/photonvis/server/internal/engine"
	"github.com/photonvis/server/internal/geometry"
	"github.com/photonvis/server/internal/render"
	"github.com/photonvis/server/internal/voxel"
)

// VisServiceConfig contains visibility service configuration.
type VisServiceConfig struct {
	LibraryID string
	Engine    *engine.Engine
	Detector  *geometry.Detector
	Cache     *cache.Manager
	Renderer  *render.SliceRenderer
}

// VisService serves one library: point queries, channel statistics and
// rendered slices.
type VisService struct {
	libraryID string
	eng       *engine.Engine
	det       *geometry.Detector
	cache     *cache.Manager
	renderer  *render.SliceRenderer

	// Per-channel statistics, computed once per process. The library is
	// immutable in query mode and stats on a building library are a
	// progress snapshot, so staleness is acceptable there.
	statsMu    sync.Mutex
	statsCache map[string]*ChannelStats
}

// NewVisService creates a new visibility service.
func NewVisService(cfg VisServiceConfig) *VisService {
	return &VisService{
		libraryID:  cfg.LibraryID,
		eng:        cfg.Engine,
		det:        cfg.Detector,
		cache:      cfg.Cache,
		renderer:   cfg.Renderer,
		statsCache: make(map[string]*ChannelStats),
	}
}

// LibraryID returns the configured library name.
func (s *VisService) LibraryID() string { return s.libraryID }

// Engine returns the underlying engine. The build service drives writes
// through it.
func (s *VisService) Engine() *engine.Engine { return s.eng }

// Detector returns the detector geometry.
func (s *VisService) Detector() *geometry.Detector { return s.det }

// Visibility returns the visibility of p for one detector channel.
func (s *VisService) Visibility(p voxel.Point, ch int, reflected bool) float32 {
	return s.eng.Visibility(p, ch, reflected)
}

// AllVisibilities returns the visibility of p for every detector channel.
func (s *VisService) AllVisibilities(p voxel.Point, reflected bool) []float32 {
	return s.eng.AllVisibilities(p, reflected)
}

// AllVisibilitiesJSON returns the encoded all-channel response for p. Query
// mode libraries are immutable, so their responses are cached in the query
// LRU; a building library changes under the reader and is encoded fresh.
func (s *VisService) AllVisibilitiesJSON(p voxel.Point, reflected bool) ([]byte, error) {
	key := cache.QueryKey(s.libraryID, [3]float64{p.X, p.Y, p.Z}, reflected)
	cacheable := s.eng.Mode() == engine.ModeQuery
	if cacheable {
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}

	data, err := json.Marshal(map[string]interface{}{
		"x":            p.X,
		"y":            p.Y,
		"z":            p.Z,
		"reflected":    reflected,
		"visibilities": s.eng.AllVisibilities(p, reflected),
	})
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}

// HasVisibility reports whether the voxel containing p has any entry.
func (s *VisService) HasVisibility(p voxel.Point, reflected bool) bool {
	return s.eng.HasVisibility(p, reflected)
}

// ReflT0s returns per-channel reflected arrival times at p.
func (s *VisService) ReflT0s(p voxel.Point) []float32 {
	return s.eng.ReflT0s(p)
}

// TimingPars returns the timing parameterization for one channel at p.
func (s *VisService) TimingPars(p voxel.Point, ch int) []float32 {
	return s.eng.TimingPars(p, ch)
}

// Metadata describes a served library.
type Metadata struct {
	LibraryID   string             `json:"library_id"`
	Detector    string             `json:"detector"`
	NChannels   int                `json:"n_channels"`
	NBins       int                `json:"n_bins"`
	GridDims    [3]int             `json:"grid_dims"`
	GridMin     voxel.Point        `json:"grid_min"`
	GridMax     voxel.Point        `json:"grid_max"`
	Mode        string             `json:"mode"`
	Interpolate bool               `json:"interpolate"`
	Reflected   bool               `json:"reflected"`
	ReflT0      bool               `json:"refl_t0"`
	TimingNPar  int                `json:"timing_npar"`
	Channels    []geometry.Channel `json:"channels"`
}

// Metadata returns the library description served at the metadata endpoint.
func (s *VisService) Metadata() Metadata {
	g := s.eng.Grid()
	nx, ny, nz := g.Dims()
	min, max := g.Bounds()
	opts := s.eng.Opts()
	return Metadata{
		LibraryID:   s.libraryID,
		Detector:    s.det.Name,
		NChannels:   s.eng.NChannels(),
		NBins:       g.NBins(),
		GridDims:    [3]int{nx, ny, nz},
		GridMin:     min,
		GridMax:     max,
		Mode:        string(s.eng.Mode()),
		Interpolate: s.eng.Interpolated(),
		Reflected:   opts.Reflected,
		ReflT0:      opts.ReflT0,
		TimingNPar:  opts.TimingNPar,
		Channels:    s.det.Channels,
	}
}

// ChannelStats summarizes one library channel across all voxels.
type ChannelStats struct {
	Channel       int     `json:"channel"`
	Reflected     bool    `json:"reflected"`
	VisibleVoxels int     `json:"visible_voxels"`
	TotalVoxels   int     `json:"total_voxels"`
	Mean          float64 `json:"mean"`
	Max           float64 `json:"max"`
	P80           float64 `json:"p80"`
}

// ChannelStats computes summary statistics over one library channel. Mean and
// P80 are over the visible (non-zero) voxels only; a channel that sees
// nothing reports zeros.
func (s *VisService) ChannelStats(ch int, reflected bool) (*ChannelStats, error) {
	key := cache.StatsKey(s.libraryID, ch, reflected)

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if st, ok := s.statsCache[key]; ok {
		return st, nil
	}

	values := s.eng.ChannelValues(ch, reflected)
	if values == nil {
		return nil, fmt.Errorf("channel out of range: %d", ch)
	}

	visible := make([]float64, 0, len(values)/4)
	var max float64
	for _, v := range values {
		if v <= 0 {
			continue
		}
		f := float64(v)
		visible = append(visible, f)
		if f > max {
			max = f
		}
	}

	st := &ChannelStats{
		Channel:       ch,
		Reflected:     reflected,
		VisibleVoxels: len(visible),
		TotalVoxels:   len(values),
	}
	if len(visible) > 0 {
		st.Mean = stat.Mean(visible, nil)
		st.Max = max
		sort.Float64s(visible)
		st.P80 = stat.Quantile(0.80, stat.Empirical, visible, nil)
	}

	s.statsCache[key] = st
	return st, nil
}

// Slice renders the z=k plane of one library channel as a PNG heatmap,
// normalized against the channel's maximum. Results are cached.
func (s *VisService) Slice(k, ch int, reflected bool, colormapName string) ([]byte, error) {
	key := cache.SliceKey(s.libraryID, k, ch, reflected, colormapName)
	if data, ok := s.cache.GetSlice(key); ok {
		return data, nil
	}

	values := s.eng.ChannelPlane(k, ch, reflected)
	if values == nil {
		return s.renderer.CreateEmptySlice()
	}

	st, err := s.ChannelStats(ch, reflected)
	if err != nil {
		return nil, err
	}

	nx, ny, _ := s.eng.Grid().Dims()
	data, err := s.renderer.RenderSlice(values, nx, ny, float32(st.Max), colormapName)
	if err != nil {
		return nil, fmt.Errorf("failed to render slice: %w", err)
	}

	if err := s.cache.SetSlice(key, data); err != nil {
		log.Printf("[VisService] failed to cache slice %s: %v", key, err)
	}
	return data, nil
}

// CacheStats exposes the shared cache counters for the stats endpoint.
func (s *VisService) CacheStats() map[string]interface{} {
	return s.cache.Stats()
}
