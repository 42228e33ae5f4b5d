package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/photonvis/server/internal/buildstore"
)

type stubRegistry struct {
	services map[string]*VisService
}

func (r *stubRegistry) Get(libraryID string) *VisService {
	return r.services[libraryID]
}

func setupBuildJob(t *testing.T, records string) (*BuildService, *buildstore.Store, *VisService, string) {
	t.Helper()

	svc := testService(t)
	reg := &stubRegistry{services: map[string]*VisService{"testlib": svc}}
	bs := NewBuildService(reg)

	store, err := buildstore.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("buildstore.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	recPath := filepath.Join(t.TempDir(), "records.jsonl")
	if err := os.WriteFile(recPath, []byte(records), 0o644); err != nil {
		t.Fatalf("write records: %v", err)
	}

	job := &buildstore.Job{
		ID:        "job1",
		LibraryID: "testlib",
		Status:    buildstore.JobStatusQueued,
		Params: buildstore.JobParams{
			LibraryID:   "testlib",
			RecordsPath: recPath,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return bs, store, svc, "job1"
}

func TestExecuteBuildJob(t *testing.T) {
	records := `{"bin":0,"channel":0,"value":0.5}
{"bin":1,"channel":1,"value":0.25,"kind":"direct"}
{"bin":2,"channel":0,"value":0.125,"kind":"reflected"}
`
	bs, store, svc, jobID := setupBuildJob(t, records)

	if err := bs.ExecuteBuildJob(context.Background(), store, jobID); err != nil {
		t.Fatalf("ExecuteBuildJob: %v", err)
	}

	eng := svc.Engine()
	g := eng.Grid()
	p0, _ := g.BinCenter(0)
	if got := eng.Visibility(p0, 0, false); got != 0.5 {
		t.Errorf("bin 0 channel 0 = %g, want 0.5", got)
	}
	p1, _ := g.BinCenter(1)
	if got := eng.Visibility(p1, 1, false); got != 0.25 {
		t.Errorf("bin 1 channel 1 = %g, want 0.25", got)
	}
	p2, _ := g.BinCenter(2)
	if got := eng.Visibility(p2, 0, true); got != 0.125 {
		t.Errorf("bin 2 channel 0 reflected = %g, want 0.125", got)
	}

	// The finished job stored the library on disk.
	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Records != 3 || job.Progress.Phase != "done" {
		t.Errorf("job after run: records=%d phase=%q", job.Records, job.Progress.Phase)
	}
}

func TestExecuteBuildJob_BadRecord(t *testing.T) {
	cases := []struct {
		name    string
		records string
	}{
		{"notJSON", "this is not json\n"},
		{"outOfRange", `{"bin":99999,"channel":0,"value":1}` + "\n"},
		{"unknownKind", `{"bin":0,"channel":0,"value":1,"kind":"sideways"}` + "\n"},
		{"disabledArray", `{"bin":0,"channel":0,"value":1,"kind":"refl_t0"}` + "\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bs, store, _, jobID := setupBuildJob(t, tc.records)
			if err := bs.ExecuteBuildJob(context.Background(), store, jobID); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestExecuteBuildJob_UnknownLibrary(t *testing.T) {
	bs, store, _, _ := setupBuildJob(t, "")

	job := &buildstore.Job{
		ID:        "job2",
		LibraryID: "absent",
		Status:    buildstore.JobStatusQueued,
		Params:    buildstore.JobParams{LibraryID: "absent", RecordsPath: "/dev/null"},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := bs.ExecuteBuildJob(context.Background(), store, "job2"); err == nil {
		t.Fatal("expected error for unknown library")
	}
}
