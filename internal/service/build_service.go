package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/photonvis/server/internal/buildstore"
	"github.com/photonvis/server/internal/engine"
)

// BuildRecord is one line of a build job's JSONL input: a single library
// entry to store. Kind selects the target array; an empty kind means the
// direct visibility array.
type BuildRecord struct {
	Bin     int     `json:"bin"`
	Channel int     `json:"channel"`
	Value   float32 `json:"value"`
	// Kind is "", "reflected", "refl_t0" or "timing".
	Kind string `json:"kind,omitempty"`
	// Par is the timing parameter index for kind "timing".
	Par int `json:"par,omitempty"`
}

// progressEvery is the record interval between job progress updates.
const progressEvery = 50000

// BuildService ingests visibility records into build-mode libraries.
type BuildService struct {
	registry interface {
		Get(libraryID string) *VisService
	}
}

// NewBuildService creates a new build service.
func NewBuildService(registry interface{ Get(libraryID string) *VisService }) *BuildService {
	return &BuildService{registry: registry}
}

// ExecuteBuildJob runs one build campaign (called by the job manager worker):
// stream the records file, apply every entry to the library, checkpoint the
// store along the way and write the final library when the input is done.
func (s *BuildService) ExecuteBuildJob(ctx context.Context, store *buildstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.Params.LibraryID)
	if svc == nil {
		return fmt.Errorf("library not found: %s", job.Params.LibraryID)
	}
	eng := svc.Engine()
	if eng.Mode() != engine.ModeBuild {
		return fmt.Errorf("library %s is not in build mode", job.Params.LibraryID)
	}

	store.UpdateJobProgress(jobID, "counting", 0, 0)
	total, err := countLines(job.Params.RecordsPath)
	if err != nil {
		return fmt.Errorf("failed to read records file: %w", err)
	}

	f, err := os.Open(job.Params.RecordsPath)
	if err != nil {
		return fmt.Errorf("failed to open records file: %w", err)
	}
	defer f.Close()

	store.UpdateJobProgress(jobID, "ingest", 0, total)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	applied := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec BuildRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("bad record at line %d: %w", line, err)
		}
		if err := applyRecord(eng, rec); err != nil {
			return fmt.Errorf("bad record at line %d: %w", line, err)
		}
		applied++

		if applied%progressEvery == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			store.UpdateJobProgress(jobID, "ingest", applied, total)
			store.UpdateJobRecords(jobID, applied)
		}
		if job.Params.CheckpointEvery > 0 && applied%job.Params.CheckpointEvery == 0 {
			store.UpdateJobProgress(jobID, "checkpoint", applied, total)
			if err := eng.Store(); err != nil {
				return fmt.Errorf("failed to checkpoint library: %w", err)
			}
			store.UpdateJobProgress(jobID, "ingest", applied, total)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read records file: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	store.UpdateJobProgress(jobID, "store", applied, total)
	if err := eng.Store(); err != nil {
		return fmt.Errorf("failed to store library: %w", err)
	}

	store.UpdateJobProgress(jobID, "done", applied, total)
	store.UpdateJobRecords(jobID, applied)
	return nil
}

// applyRecord writes one record into the library. The engine panics on
// out-of-range writes; recover them into errors so one corrupt line fails the
// job instead of the process.
func applyRecord(eng *engine.Engine, rec BuildRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	switch rec.Kind {
	case "", "direct":
		eng.SetEntry(rec.Bin, rec.Channel, rec.Value, false)
	case "reflected":
		eng.SetEntry(rec.Bin, rec.Channel, rec.Value, true)
	case "refl_t0":
		eng.SetReflT0Entry(rec.Bin, rec.Channel, rec.Value)
	case "timing":
		eng.SetTimingParEntry(rec.Bin, rec.Channel, rec.Par, rec.Value)
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
