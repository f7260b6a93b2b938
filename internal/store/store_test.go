package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/lipsync/internal/pipeline"
	"github.com/andresmejia3/lipsync/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("lipsync_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	if err := s.EnsureMedia(ctx, "media_1", "/tmp/face.mp4"); err != nil {
		t.Fatalf("EnsureMedia failed: %v", err)
	}
	// Registering the same media twice is an upsert.
	if err := s.EnsureMedia(ctx, "media_1", "/tmp/face.mp4"); err != nil {
		t.Fatalf("EnsureMedia (second) failed: %v", err)
	}

	started := time.Now().Add(-time.Minute)
	run := Run{ID: "run-a", MediaID: "media_1", FacePath: "/tmp/face.mp4", AudioPath: "/tmp/a.wav", OutFile: "/tmp/out.mp4", StartedAt: started}
	if err := s.StartRun(ctx, run); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := s.StartRun(ctx, Run{ID: "run-b", FacePath: "f.png", AudioPath: "b.wav", OutFile: "o.mp4"}); err != nil {
		t.Fatalf("StartRun without media failed: %v", err)
	}

	fallbacks := []pipeline.Fallback{
		{Frame: 7, Coords: types.Coords{Y1: 1, Y2: 2, X1: 3, X2: 4}, Reason: "face not detected"},
		{Frame: 3, Coords: types.Coords{Y1: 5, Y2: 6, X1: 7, X2: 8}, Reason: "face not detected"},
	}
	if err := s.InsertFallbacks(ctx, "run-a", fallbacks); err != nil {
		t.Fatalf("InsertFallbacks failed: %v", err)
	}

	stats := pipeline.Stats{Frames: 40, Fallbacks: fallbacks, Restarts: 1, DetectionTime: 1500 * time.Millisecond}
	if err := s.FinishRun(ctx, "run-a", Result{Status: StatusSucceeded, Batches: 3, Stats: stats}); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := s.FinishRun(ctx, "missing", Result{Status: StatusFailed}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}

	got, err := s.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != StatusSucceeded || got.Frames != 40 || got.Batches != 3 || got.Fallbacks != 2 || got.Restarts != 1 {
		t.Errorf("Unexpected run record: %+v", got)
	}
	if got.Detection != 1500*time.Millisecond {
		t.Errorf("Detection = %v, want 1.5s", got.Detection)
	}
	if got.FinishedAt == nil {
		t.Error("Expected FinishedAt to be set")
	}
	if got.MediaID != "media_1" {
		t.Errorf("MediaID = %q, want media_1", got.MediaID)
	}

	if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" {
		t.Errorf("Expected newest run first, got %+v", runs)
	}
	limited, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 run, got %d", len(limited))
	}

	stored, err := s.GetFallbacks(ctx, "run-a")
	if err != nil {
		t.Fatalf("GetFallbacks failed: %v", err)
	}
	if len(stored) != 2 || stored[0].Frame != 3 || stored[1].Coords != fallbacks[0].Coords {
		t.Errorf("Unexpected fallbacks: %+v", stored)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRuns(ctx, 0); err == nil {
		t.Error("Expected ListRuns to fail after Reset dropped the tables")
	}
}
