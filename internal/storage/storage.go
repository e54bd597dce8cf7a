package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed history of runs and their queued tasks.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer; workers record concurrently
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            stage TEXT NOT NULL,
            project TEXT,
            scale TEXT,
            options_json TEXT,
            status TEXT NOT NULL,
            total INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            summary TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            run_id TEXT,
            cmd TEXT NOT NULL,
            args_json TEXT,
            dir TEXT,
            status TEXT NOT NULL,
            rc INTEGER,
            retries INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS task_results (
            task_id TEXT,
            stdout TEXT,
            stderr TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one pyramid, link or alignment run.
type RunRecord struct {
	ID          string
	Stage       string
	Project     string
	Scale       string
	OptionsJSON string
	Status      string
	Total       int
	Failed      int
	Summary     string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// TaskRecord captures persisted task info.
type TaskRecord struct {
	ID          string
	RunID       string
	Cmd         string
	Args        []string
	Dir         string
	Status      string
	RC          int
	Retries     int
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = "running"
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, stage, project, scale, options_json, status) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Stage, rec.Project, rec.Scale, rec.OptionsJSON, rec.Status)
	return err
}

// RecordRunResult finalizes a run with its aggregate counts.
func (s *Store) RecordRunResult(id, status string, total, failed int, summary string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, total=?, failed=?, summary=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, total, failed, summary, id)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, stage, project, scale, options_json, status, total, failed, summary, created_at, completed_at FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var project, scale, options, summary sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Stage, &project, &scale, &options, &rec.Status, &rec.Total, &rec.Failed, &summary, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		rec.Project = project.String
		rec.Scale = scale.String
		rec.OptionsJSON = options.String
		rec.Summary = summary.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordTaskQueued inserts a queued task.
func (s *Store) RecordTaskQueued(rec TaskRecord) error {
	if s == nil {
		return nil
	}
	args, _ := json.Marshal(rec.Args)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO tasks (id, run_id, cmd, args_json, dir, status) VALUES (?, ?, ?, ?, ?, 'queued');`,
		rec.ID, rec.RunID, rec.Cmd, string(args), rec.Dir)
	return err
}

// RecordTaskStart marks a task as running.
func (s *Store) RecordTaskStart(id string, retries int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE tasks SET status='running', retries=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, retries, id)
	return err
}

// RecordTaskResult finalizes a task with its exit code and captured output.
func (s *Store) RecordTaskResult(id, status string, rc int, stdout, stderr string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE tasks SET status=?, rc=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, rc, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO task_results (task_id, stdout, stderr, meta_json) VALUES (?, ?, ?, ?);`, id, stdout, stderr, string(metaJSON))
	return err
}

// RunTasks lists the tasks recorded for a run in queue order.
func (s *Store) RunTasks(runID string) ([]TaskRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, run_id, cmd, args_json, dir, status, rc, retries, created_at, started_at, completed_at, error_message FROM tasks WHERE run_id=? ORDER BY rowid;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var args, dir, errorMsg sql.NullString
		var rc sql.NullInt64
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Cmd, &args, &dir, &rec.Status, &rc, &rec.Retries, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &rec.Args); err != nil {
				return nil, fmt.Errorf("unmarshal args of %s: %w", rec.ID, err)
			}
		}
		rec.Dir = dir.String
		rec.RC = int(rc.Int64)
		rec.Error = errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TaskOutput fetches the last captured stdout and stderr for a task.
func (s *Store) TaskOutput(id string) (stdout, stderr string, err error) {
	if s == nil {
		return "", "", errors.New("store not initialized")
	}
	err = s.DB.QueryRow(`SELECT stdout, stderr FROM task_results WHERE task_id=? ORDER BY rowid DESC LIMIT 1;`, id).Scan(&stdout, &stderr)
	return stdout, stderr, err
}
