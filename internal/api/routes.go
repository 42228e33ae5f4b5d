package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/photonvis/server/internal/buildstore"
	"github.com/photonvis/server/internal/engine"
	"github.com/photonvis/server/internal/service"
	"github.com/photonvis/server/internal/voxel"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *LibraryRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global libraries endpoint (not library-scoped)
	r.Get("/api/libraries", librariesHandler(cfg.Registry))

	// Global build job endpoints (not library-scoped)
	r.Route("/api/build/jobs", func(r chi.Router) {
		r.Post("/", buildJobSubmitHandler(cfg.JobManager, cfg.Registry))
		r.Get("/", buildJobListHandler(cfg.JobManager))
		r.Get("/{job_id}", buildJobStatusHandler(cfg.JobManager))
		r.Delete("/{job_id}", buildJobCancelHandler(cfg.JobManager))
	})

	// Library-scoped routes: /l/{library}/...
	r.Route("/l/{library}", func(r chi.Router) {
		r.Use(libraryMiddleware(cfg.Registry))

		// Slice heatmap endpoint
		r.Get("/slices/{k}/{channel}.png", libSliceHandler)

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", libMetadataHandler)
			r.Get("/visibility", libVisibilityHandler)
			r.Get("/visibility/all", libAllVisibilitiesHandler)
			r.Get("/visibility/has", libHasVisibilityHandler)
			r.Get("/refl_t0", libReflT0Handler)
			r.Get("/timing", libTimingHandler)
			r.Get("/channels/{channel}/stats", libChannelStatsHandler)
			r.Get("/stats", libStatsHandler)
		})
	})

	return r
}

// Context key for library service
type ctxKey string

const libraryServiceKey ctxKey = "libraryService"

// libraryMiddleware resolves the library from URL and injects the visibility
// service into context.
func libraryMiddleware(registry *LibraryRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			libraryID := chi.URLParam(r, "library")
			svc := registry.Get(libraryID)
			if svc == nil {
				http.Error(w, "library not found: "+libraryID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), libraryServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getLibraryService(r *http.Request) *service.VisService {
	if svc, ok := r.Context().Value(libraryServiceKey).(*service.VisService); ok {
		return svc
	}
	return nil
}

// librariesHandler returns the list of available libraries.
func librariesHandler(registry *LibraryRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":   registry.DefaultLibraryID(),
			"libraries": registry.Libraries(),
			"title":     registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// parsePoint reads the x/y/z query parameters. All three are required and
// must be finite.
func parsePoint(query url.Values) (voxel.Point, error) {
	var p voxel.Point
	for _, axis := range []struct {
		name string
		dst  *float64
	}{
		{"x", &p.X},
		{"y", &p.Y},
		{"z", &p.Z},
	} {
		raw := strings.TrimSpace(query.Get(axis.name))
		if raw == "" {
			return voxel.Point{}, &missingParamError{axis.name}
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return voxel.Point{}, &badParamError{axis.name, raw}
		}
		*axis.dst = v
	}
	return p, nil
}

type missingParamError struct{ name string }

func (e *missingParamError) Error() string {
	return "missing required query param: " + e.name
}

type badParamError struct{ name, value string }

func (e *badParamError) Error() string {
	return "invalid " + e.name + ": " + e.value
}

func parseReflected(query url.Values) (bool, error) {
	raw := strings.TrimSpace(query.Get("reflected"))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &badParamError{"reflected", raw}
	}
	return v, nil
}

func parseChannel(query url.Values) (int, error) {
	raw := strings.TrimSpace(query.Get("channel"))
	if raw == "" {
		return 0, &missingParamError{"channel"}
	}
	ch, err := strconv.Atoi(raw)
	if err != nil || ch < 0 {
		return 0, &badParamError{"channel", raw}
	}
	return ch, nil
}

// Library-scoped handlers (get service from context)

func libMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(svc.Metadata())
}

func libVisibilityHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	p, err := parsePoint(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch, err := parseChannel(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reflected, err := parseReflected(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x":          p.X,
		"y":          p.Y,
		"z":          p.Z,
		"channel":    ch,
		"reflected":  reflected,
		"visibility": svc.Visibility(p, ch, reflected),
	})
}

func libAllVisibilitiesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	p, err := parsePoint(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reflected, err := parseReflected(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := svc.AllVisibilitiesJSON(p, reflected)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func libHasVisibilityHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	p, err := parsePoint(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reflected, err := parseReflected(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x":              p.X,
		"y":              p.Y,
		"z":              p.Z,
		"reflected":      reflected,
		"has_visibility": svc.HasVisibility(p, reflected),
	})
}

func libReflT0Handler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	p, err := parsePoint(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t0s := svc.ReflT0s(p)
	if t0s == nil {
		http.Error(w, "reflected t0 not stored for this library", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x":   p.X,
		"y":   p.Y,
		"z":   p.Z,
		"t0s": t0s,
	})
}

func libTimingHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	p, err := parsePoint(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch, err := parseChannel(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pars := svc.TimingPars(p, ch)
	if pars == nil {
		http.Error(w, "timing parameters not stored for this library", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"x":       p.X,
		"y":       p.Y,
		"z":       p.Z,
		"channel": ch,
		"pars":    pars,
	})
}

func libChannelStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	reflected, err := parseReflected(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := svc.ChannelStats(ch, reflected)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func libStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	md := svc.Metadata()
	response := map[string]interface{}{
		"library_id": md.LibraryID,
		"n_channels": md.NChannels,
		"n_bins":     md.NBins,
		"mode":       md.Mode,
		"cache":      svc.CacheStats(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func libSliceHandler(w http.ResponseWriter, r *http.Request) {
	svc := getLibraryService(r)
	if svc == nil {
		http.Error(w, "library service not found", http.StatusInternalServerError)
		return
	}

	k, err := strconv.Atoi(chi.URLParam(r, "k"))
	if err != nil {
		http.Error(w, "invalid k", http.StatusBadRequest)
		return
	}
	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	reflected, err := parseReflected(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	colormap := r.URL.Query().Get("colormap")
	if colormap == "" {
		colormap = "viridis"
	}

	data, err := svc.Slice(k, ch, reflected, colormap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// Build job handlers

type buildJobSubmitRequest struct {
	Library         string `json:"library"`
	RecordsPath     string `json:"records_path"`
	CheckpointEvery int    `json:"checkpoint_every"`
}

func buildJobSubmitHandler(jm *JobManager, registry *LibraryRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req buildJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate required fields
		if req.Library == "" {
			http.Error(w, "library is required", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.RecordsPath) == "" {
			http.Error(w, "records_path is required", http.StatusBadRequest)
			return
		}
		svc := registry.Get(req.Library)
		if svc == nil {
			http.Error(w, "library not found: "+req.Library, http.StatusNotFound)
			return
		}
		if svc.Engine().Mode() != engine.ModeBuild {
			http.Error(w, "library is not in build mode: "+req.Library, http.StatusBadRequest)
			return
		}
		if req.CheckpointEvery < 0 {
			req.CheckpointEvery = 0
		}

		params := buildstore.JobParams{
			LibraryID:       req.Library,
			RecordsPath:     req.RecordsPath,
			CheckpointEvery: req.CheckpointEvery,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func buildJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		library := strings.TrimSpace(r.URL.Query().Get("library"))
		if library == "" {
			http.Error(w, "missing required query param: library", http.StatusBadRequest)
			return
		}

		jobs, err := jm.Store().ListJobsByLibrary(library)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"library": library,
			"jobs":    jobs,
		})
	}
}

func buildJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"library":     job.LibraryID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"records":     job.Records,
			"error":       job.Error,
		})
	}
}

func buildJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		jm.Cancel(jobID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    jobID,
			"cancelled": true,
		})
	}
}
