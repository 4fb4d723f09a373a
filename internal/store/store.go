package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/veil/internal/frames"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps the run history in PostgreSQL: which videos were processed, how each
// run progressed and which boxes were redacted on which frame.
type Store struct {
	pool *pgxpool.Pool
}

// Run is one row of run history.
type Run struct {
	ID        string
	VideoID   string
	Input     string
	State     string
	Frames    int
	FPS       float64
	Faces     int
	Error     string
	StartedAt time.Time
	UpdatedAt time.Time
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS blur_runs (
			id UUID PRIMARY KEY,
			video_id TEXT REFERENCES video_metadata(id) ON DELETE CASCADE,
			input TEXT NOT NULL,
			state TEXT NOT NULL,
			frames INT NOT NULL DEFAULT 0,
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_detections (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID REFERENCES blur_runs(id) ON DELETE CASCADE,
			frame TEXT NOT NULL,
			frame_index INT NOT NULL,
			x1 INT NOT NULL,
			y1 INT NOT NULL,
			x2 INT NOT NULL,
			y2 INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS face_detections_run_id_idx ON face_detections (run_id);
		CREATE INDEX IF NOT EXISTS blur_runs_video_id_idx ON blur_runs (video_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureVideoMetadata registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideoMetadata(ctx context.Context, videoID, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// BeginRun records a new run in INIT.
func (s *Store) BeginRun(ctx context.Context, runID, videoID, input string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO blur_runs (id, video_id, input, state)
		VALUES ($1, $2, $3, 'INIT')
	`, id, videoID, input)
	return err
}

// UpdateRunState mirrors the latest run record.
func (s *Store) UpdateRunState(ctx context.Context, runID, state string, frames int, fps float64, errMsg string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE blur_runs
		SET state = $2, frames = $3, fps = $4, error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, state, frames, fps, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// InsertDetections replaces the stored boxes of a run with the contents of m.
func (s *Store) InsertDetections(ctx context.Context, runID string, m types.Manifest) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	var rows [][]any
	for _, name := range m.Frames() {
		idx, _ := frames.ParseIndex(name)
		for _, b := range m[name] {
			rows = append(rows, []any{id, name, idx, b.X1, b.Y1, b.X2, b.Y2})
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Clean up old data to ensure idempotency when detection is re-run for the same run.
	if _, err := tx.Exec(ctx, "DELETE FROM face_detections WHERE run_id = $1", id); err != nil {
		return err
	}
	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"face_detections"},
			[]string{"run_id", "frame", "frame_index", "x1", "y1", "x2", "y2"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListRuns returns the most recent runs first. A non-positive limit returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT r.id::text, COALESCE(r.video_id, ''), r.input, r.state, r.frames, r.fps, r.error,
			r.started_at, r.updated_at,
			(SELECT COUNT(*) FROM face_detections d WHERE d.run_id = r.id) AS faces
		FROM blur_runs r
		ORDER BY r.started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.VideoID, &r.Input, &r.State, &r.Frames, &r.FPS, &r.Error, &r.StartedAt, &r.UpdatedAt, &r.Faces); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Detections loads the stored boxes of a run back into manifest form.
func (s *Store) Detections(ctx context.Context, runID string) (types.Manifest, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT frame, x1, y1, x2, y2 FROM face_detections
		WHERE run_id = $1
		ORDER BY frame_index, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := types.Manifest{}
	for rows.Next() {
		var frame string
		var b types.BoundingBox
		if err := rows.Scan(&frame, &b.X1, &b.Y1, &b.X2, &b.Y2); err != nil {
			return nil, err
		}
		m[frame] = append(m[frame], b)
	}
	return m, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS face_detections CASCADE;
		DROP TABLE IF EXISTS blur_runs CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
