// Package config handles configuration loading for the visibility server.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Libraries map[string]LibraryConfig `yaml:"libraries"`
	// DefaultLibrary is the library served at the unprefixed API paths.
	DefaultLibrary string       `yaml:"default_library"`
	Cache          CacheConfig  `yaml:"cache"`
	Render         RenderConfig `yaml:"render"`
	Build          BuildConfig  `yaml:"build"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// LibraryConfig describes one visibility library and how to serve it.
type LibraryConfig struct {
	// StorePath is the library store directory.
	StorePath string `yaml:"store_path"`
	// GeometryPath is the detector geometry YAML file.
	GeometryPath string `yaml:"geometry_path"`
	// Mode is "query" (serve an existing store) or "build" (accumulate a new
	// library through build jobs).
	Mode string `yaml:"mode"`
	// Interpolate enables stencil interpolation for visibility lookups.
	Interpolate bool `yaml:"interpolate"`
	// Mapping is "identity" or "mirror_x".
	Mapping      string  `yaml:"mapping"`
	MirrorPlaneX float64 `yaml:"mirror_plane_x"`
	// Optional arrays carried by a library built in build mode.
	StoreReflected bool `yaml:"store_reflected"`
	StoreReflT0    bool `yaml:"store_refl_t0"`
	TimingNPar     int  `yaml:"timing_npar"`

	Grid GridConfig `yaml:"grid"`
}

// GridConfig defines the voxel grid. When UseDetectorBoundary is set the box
// comes from the geometry file and only the cell counts are read here.
type GridConfig struct {
	UseDetectorBoundary bool    `yaml:"use_detector_boundary"`
	XMin                float64 `yaml:"x_min"`
	XMax                float64 `yaml:"x_max"`
	YMin                float64 `yaml:"y_min"`
	YMax                float64 `yaml:"y_max"`
	ZMin                float64 `yaml:"z_min"`
	ZMax                float64 `yaml:"z_max"`
	NX                  int     `yaml:"nx"`
	NY                  int     `yaml:"ny"`
	NZ                  int     `yaml:"nz"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	SliceSizeMB     int `yaml:"slice_size_mb"`
	SliceTTLMinutes int `yaml:"slice_ttl_minutes"`
	QueryEntries    int `yaml:"query_entries"`
}

// RenderConfig contains slice rendering settings.
type RenderConfig struct {
	// SliceSize is the output image edge length in pixels.
	SliceSize       int    `yaml:"slice_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// BuildConfig contains build campaign settings.
type BuildConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration: one query-mode library
// under ./data, interpolation on.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Photon Visibility Server",
		},
		Libraries: map[string]LibraryConfig{
			"default": {
				StorePath:    "./data/library",
				GeometryPath: "./data/geometry.yaml",
				Mode:         "query",
				Interpolate:  true,
				Mapping:      "identity",
				Grid:         GridConfig{UseDetectorBoundary: true, NX: 64, NY: 64, NZ: 64},
			},
		},
		DefaultLibrary: "default",
		Cache: CacheConfig{
			SliceSizeMB:     256,
			SliceTTLMinutes: 10,
			QueryEntries:    4096,
		},
		Render: RenderConfig{
			SliceSize:       512,
			DefaultColormap: "viridis",
		},
		Build: BuildConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/build_jobs.db",
			RetentionDays: 14,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Libraries) == 0 {
		cfg.Libraries = defaults.Libraries
	}
	if cfg.DefaultLibrary == "" {
		for name := range cfg.Libraries {
			if cfg.DefaultLibrary == "" || name < cfg.DefaultLibrary {
				cfg.DefaultLibrary = name
			}
		}
	}
	for name, lib := range cfg.Libraries {
		if lib.Mode == "" {
			lib.Mode = "query"
		}
		if lib.Mapping == "" {
			lib.Mapping = "identity"
		}
		if lib.Grid.NX == 0 {
			lib.Grid.NX = 64
		}
		if lib.Grid.NY == 0 {
			lib.Grid.NY = 64
		}
		if lib.Grid.NZ == 0 {
			lib.Grid.NZ = 64
		}
		cfg.Libraries[name] = lib
	}
	if cfg.Cache.SliceSizeMB == 0 {
		cfg.Cache.SliceSizeMB = defaults.Cache.SliceSizeMB
	}
	if cfg.Cache.SliceTTLMinutes == 0 {
		cfg.Cache.SliceTTLMinutes = defaults.Cache.SliceTTLMinutes
	}
	if cfg.Cache.QueryEntries == 0 {
		cfg.Cache.QueryEntries = defaults.Cache.QueryEntries
	}
	if cfg.Render.SliceSize == 0 {
		cfg.Render.SliceSize = defaults.Render.SliceSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Build.MaxConcurrent == 0 {
		cfg.Build.MaxConcurrent = defaults.Build.MaxConcurrent
	}
	if cfg.Build.SQLitePath == "" {
		cfg.Build.SQLitePath = defaults.Build.SQLitePath
	}
	if cfg.Build.RetentionDays == 0 {
		cfg.Build.RetentionDays = defaults.Build.RetentionDays
	}
}

// LibraryIDs returns the configured library names in sorted order.
func (c *Config) LibraryIDs() []string {
	ids := make([]string, 0, len(c.Libraries))
	for name := range c.Libraries {
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids
}

// Validate rejects configurations that cannot describe a working server.
// Errors here are fatal at startup; a misconfigured library never serves.
func (c *Config) Validate() error {
	if _, ok := c.Libraries[c.DefaultLibrary]; !ok {
		return fmt.Errorf("config: default_library %q is not configured", c.DefaultLibrary)
	}
	for name, lib := range c.Libraries {
		if lib.StorePath == "" {
			return fmt.Errorf("config: library %q has no store_path", name)
		}
		if lib.GeometryPath == "" {
			return fmt.Errorf("config: library %q has no geometry_path", name)
		}
		switch lib.Mode {
		case "query", "build":
		default:
			return fmt.Errorf("config: library %q has unknown mode %q", name, lib.Mode)
		}
		switch lib.Mapping {
		case "identity", "mirror_x":
		default:
			return fmt.Errorf("config: library %q has unknown mapping %q", name, lib.Mapping)
		}
		if lib.StoreReflT0 && !lib.StoreReflected {
			return fmt.Errorf("config: library %q enables store_refl_t0 without store_reflected", name)
		}
		if lib.TimingNPar < 0 {
			return fmt.Errorf("config: library %q has negative timing_npar", name)
		}
		g := lib.Grid
		if g.NX < 1 || g.NY < 1 || g.NZ < 1 {
			return fmt.Errorf("config: library %q grid needs at least one cell per axis", name)
		}
		if !g.UseDetectorBoundary {
			if g.XMin >= g.XMax || g.YMin >= g.YMax || g.ZMin >= g.ZMax {
				return fmt.Errorf("config: library %q grid bounds are degenerate", name)
			}
		}
	}
	return nil
}
