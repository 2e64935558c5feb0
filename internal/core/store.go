package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ovn-org/ovn-ci/pkg/api"
)

// Store is a SQLite-backed history of runs and base image rebuilds.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// StartRun records a run that has just begun.
func (s *Store) StartRun(ctx context.Context, id string, startedAt time.Time, hash, logDir string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status, hash, log_dir) VALUES (?, ?, ?, ?, ?)`,
		id, startedAt.Unix(), string(api.RunRunning), hash, logDir)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the job results and the final status of a run.
func (s *Store) FinishRun(ctx context.Context, id string, finishedAt time.Time, status api.RunStatus, jobs []api.JobResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (run_id, name, success, duration_ms, error, log_dir) VALUES (?, ?, ?, ?, ?, ?)`,
			id, j.Name, j.Success, j.Duration.Milliseconds(), j.Error, j.LogDir); err != nil {
			return fmt.Errorf("insert job %q: %w", j.Name, err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		finishedAt.Unix(), string(status), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run: unknown run %q", id)
	}
	return tx.Commit()
}

// RecentRuns returns up to limit runs, newest first, with their jobs.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]api.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, 0), status, hash, log_dir
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var runs []api.RunSummary
	for rows.Next() {
		var (
			r                 api.RunSummary
			started, finished int64
			status            string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &status, &r.Hash, &r.LogDir); err != nil {
			rows.Close()
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0)
		if finished > 0 {
			r.FinishedAt = time.Unix(finished, 0)
		}
		r.Status = api.RunStatus(status)
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		jobs, err := s.jobs(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Jobs = jobs
	}
	return runs, nil
}

func (s *Store) jobs(ctx context.Context, runID string) ([]api.JobResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, success, duration_ms, error, log_dir FROM jobs WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []api.JobResult
	for rows.Next() {
		var (
			j  api.JobResult
			ms int64
		)
		if err := rows.Scan(&j.Name, &j.Success, &ms, &j.Error, &j.LogDir); err != nil {
			return nil, err
		}
		j.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, j)
	}
	return out, rows.Err()
}

// LastRebuild returns when the base image was last rebuilt. ok is false if never.
func (s *Store) LastRebuild(ctx context.Context) (t time.Time, ok bool, err error) {
	var unix int64
	err = s.db.QueryRowContext(ctx, `SELECT rebuilt_at FROM base_image WHERE id = 1`).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query base image: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

// RecordRebuild stores the time of a successful base image rebuild.
func (s *Store) RecordRebuild(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO base_image (id, rebuilt_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET rebuilt_at = excluded.rebuilt_at`, at.Unix())
	if err != nil {
		return fmt.Errorf("record rebuild: %w", err)
	}
	return nil
}
