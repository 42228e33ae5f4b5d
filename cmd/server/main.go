// Package main is the entry point for the photon visibility server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/photonvis/server/internal/api"
	"github.com/photonvis/server/internal/cache"
	"github.com/photonvis/server/internal/config"
	"github.com/photonvis/server/internal/engine"
	"github.com/photonvis/server/internal/geometry"
	"github.com/photonvis/server/internal/mapping"
	"github.com/photonvis/server/internal/photlib"
	"github.com/photonvis/server/internal/render"
	"github.com/photonvis/server/internal/service"
	"github.com/photonvis/server/internal/voxel"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting photon visibility server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all libraries)
	cacheManager, err := cache.NewManager(cache.Config{
		SliceCacheSizeMB: cfg.Cache.SliceSizeMB,
		SliceTTL:         time.Duration(cfg.Cache.SliceTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize slice renderer (shared across all libraries)
	sliceRenderer := render.NewSliceRenderer(render.Config{
		SliceSize:       cfg.Render.SliceSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize library registry
	libraryIDs := cfg.LibraryIDs()
	registry := api.NewLibraryRegistry(cfg.DefaultLibrary, libraryIDs, cfg.Server.Title)

	log.Printf("Initializing %d library(ies), default: %s", len(libraryIDs), cfg.DefaultLibrary)

	// Initialize each library
	for _, libraryID := range libraryIDs {
		lc := cfg.Libraries[libraryID]

		det, err := geometry.Load(lc.GeometryPath)
		if err != nil {
			log.Fatalf("Failed to load geometry for library %q: %v", libraryID, err)
		}
		log.Printf("  [%s] Detector %s: %d channels", libraryID, det.Name, det.NChannels())

		grid, err := libraryGrid(lc.Grid, det)
		if err != nil {
			log.Fatalf("Failed to build voxel grid for library %q: %v", libraryID, err)
		}

		transform, err := mapping.New(lc.Mapping, det, lc.MirrorPlaneX)
		if err != nil {
			log.Fatalf("Failed to build channel mapping for library %q: %v", libraryID, err)
		}

		eng, err := engine.New(engine.Params{
			StorePath:   lc.StorePath,
			Mode:        engine.Mode(lc.Mode),
			Interpolate: lc.Interpolate,
			Grid:        grid,
			Transform:   transform,
			Opts: photlib.Options{
				Reflected:  lc.StoreReflected,
				ReflT0:     lc.StoreReflT0,
				TimingNPar: lc.TimingNPar,
			},
		})
		if err != nil {
			log.Fatalf("Failed to initialize engine for library %q: %v", libraryID, err)
		}
		log.Printf("  [%s] Mode %s, grid %s, store: %s", libraryID, eng.Mode(), eng.Grid(), lc.StorePath)

		registry.Register(libraryID, service.NewVisService(service.VisServiceConfig{
			LibraryID: libraryID,
			Engine:    eng,
			Detector:  det,
			Cache:     cacheManager,
			Renderer:  sliceRenderer,
		}))
	}

	// Initialize job manager for build jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Build.MaxConcurrent,
		SQLitePath:    cfg.Build.SQLitePath,
		RetentionDays: cfg.Build.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Build job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Build.MaxConcurrent, cfg.Build.RetentionDays, cfg.Build.SQLitePath)

	// Wire up the build service as job executor
	buildService := service.NewBuildService(registry)
	jobManager.Executor = buildService.ExecuteBuildJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// libraryGrid builds the voxel grid from config, taking the box from the
// detector boundary when requested.
func libraryGrid(gc config.GridConfig, det *geometry.Detector) (*voxel.Grid, error) {
	min := voxel.Point{X: gc.XMin, Y: gc.YMin, Z: gc.ZMin}
	max := voxel.Point{X: gc.XMax, Y: gc.YMax, Z: gc.ZMax}
	if gc.UseDetectorBoundary {
		min, max = det.BoundaryCorners()
	}
	return voxel.NewGrid(min, max, gc.NX, gc.NY, gc.NZ)
}
