package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/lipsync/internal/pipeline"
	"github.com/andresmejia3/lipsync/internal/types"
)

// ErrRunNotFound is returned when a run ID has no record.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one recorded sync invocation.
type Run struct {
	ID         string
	MediaID    string
	FacePath   string
	AudioPath  string
	OutFile    string
	Status     string
	Frames     int
	Batches    int
	Fallbacks  int
	Restarts   int
	Detection  time.Duration
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Result holds the outcome written by FinishRun.
type Result struct {
	Status  string
	Batches int
	Stats   pipeline.Stats
	Err     error
}

// Store manages the PostgreSQL connection holding the run history.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS media (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			seen_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			media_id TEXT REFERENCES media(id),
			face_path TEXT NOT NULL,
			audio_path TEXT NOT NULL,
			outfile TEXT NOT NULL,
			status TEXT NOT NULL,
			frames INT NOT NULL DEFAULT 0,
			batches INT NOT NULL DEFAULT 0,
			fallbacks INT NOT NULL DEFAULT 0,
			restarts INT NOT NULL DEFAULT 0,
			detection_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS detection_fallbacks (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES sync_runs(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			y1 INT NOT NULL,
			y2 INT NOT NULL,
			x1 INT NOT NULL,
			x2 INT NOT NULL,
			reason TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS detection_fallbacks_run_id_idx ON detection_fallbacks (run_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureMedia registers the face input. If it exists, it updates the timestamp.
func (s *Store) EnsureMedia(ctx context.Context, mediaID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO media (id, path, seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET seen_at = NOW(), path = EXCLUDED.path
	`, mediaID, path)
	return err
}

// StartRun records a run in the running state.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sync_runs (id, media_id, face_path, audio_path, outfile, status, started_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
	`, run.ID, run.MediaID, run.FacePath, run.AudioPath, run.OutFile, StatusRunning, run.StartedAt)
	return err
}

// FinishRun stores the final counters and status of a run.
func (s *Store) FinishRun(ctx context.Context, id string, res Result) error {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, frames = $3, batches = $4, fallbacks = $5, restarts = $6,
			detection_ms = $7, error = $8, finished_at = NOW()
		WHERE id = $1
	`, id, res.Status, res.Stats.Frames, res.Batches, len(res.Stats.Fallbacks), res.Stats.Restarts,
		res.Stats.DetectionTime.Milliseconds(), msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// InsertFallbacks bulk-loads the frames that reused an earlier face crop.
func (s *Store) InsertFallbacks(ctx context.Context, runID string, fallbacks []pipeline.Fallback) error {
	if len(fallbacks) == 0 {
		return nil
	}
	rows := make([][]any, len(fallbacks))
	for i, f := range fallbacks {
		rows[i] = []any{runID, f.Frame, f.Coords.Y1, f.Coords.Y2, f.Coords.X1, f.Coords.X2, f.Reason}
	}
	_, err := s.conn.CopyFrom(ctx,
		pgx.Identifier{"detection_fallbacks"},
		[]string{"run_id", "frame_index", "y1", "y2", "x1", "x2", "reason"},
		pgx.CopyFromRows(rows),
	)
	return err
}

const runColumns = `id, COALESCE(media_id, ''), face_path, audio_path, outfile, status,
	frames, batches, fallbacks, restarts, detection_ms, error, started_at, finished_at`

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	var detectionMS int64
	err := row.Scan(&r.ID, &r.MediaID, &r.FacePath, &r.AudioPath, &r.OutFile, &r.Status,
		&r.Frames, &r.Batches, &r.Fallbacks, &r.Restarts, &detectionMS, &r.Error, &r.StartedAt, &r.FinishedAt)
	r.Detection = time.Duration(detectionMS) * time.Millisecond
	return r, err
}

// ListRuns returns the most recent runs first. A limit of 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM sync_runs ORDER BY started_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches a single run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.conn.QueryRow(ctx, "SELECT "+runColumns+" FROM sync_runs WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// GetFallbacks returns the fallback frames of a run in frame order.
func (s *Store) GetFallbacks(ctx context.Context, runID string) ([]pipeline.Fallback, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT frame_index, y1, y2, x1, x2, reason
		FROM detection_fallbacks WHERE run_id = $1 ORDER BY frame_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Fallback
	for rows.Next() {
		var f pipeline.Fallback
		var c types.Coords
		if err := rows.Scan(&f.Frame, &c.Y1, &c.Y2, &c.X1, &c.X2, &f.Reason); err != nil {
			return nil, err
		}
		f.Coords = c
		out = append(out, f)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS detection_fallbacks CASCADE;
		DROP TABLE IF EXISTS sync_runs CASCADE;
		DROP TABLE IF EXISTS media CASCADE;
	`)
	return err
}
