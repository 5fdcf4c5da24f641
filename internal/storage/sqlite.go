package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mpataki/neuron/internal/models"
	_ "modernc.org/sqlite"
)

// Storage is the execution journal. The worker only writes to it; the
// history and monitor commands read it.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Pipelines write concurrently; a single connection serialises them
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		level TEXT,
		success INTEGER NOT NULL DEFAULT 0,
		timed_out INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		output TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		work_dir TEXT,
		submit_status TEXT NOT NULL DEFAULT 'pending',
		completed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_item ON executions(item_id);
	CREATE INDEX IF NOT EXISTS idx_executions_completed ON executions(completed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) RecordExecution(ctx context.Context, e *models.JournalEntry) (int64, error) {
	status := e.SubmitStatus
	if status == "" {
		status = models.SubmitStatusPending
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (item_id, worker_id, level, success, timed_out, exit_code, output, error, duration_ms, work_dir, submit_status, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.WorkerID, e.Level, e.Success, e.TimedOut, e.ExitCode,
		e.Output, e.Error, e.DurationMs, e.WorkDir, status, e.CompletedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record execution: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	e.SubmitStatus = status
	return id, nil
}

func (s *Storage) MarkSubmitted(ctx context.Context, id int64, status models.SubmitStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET submit_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update submit status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("execution %d not found", id)
	}
	return nil
}

const selectColumns = `SELECT id, item_id, worker_id, level, success, timed_out, exit_code, output, error, duration_ms, work_dir, submit_status, completed_at FROM executions`

// ListRecent returns the newest entries first.
func (s *Storage) ListRecent(ctx context.Context, limit int) ([]*models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetByItem returns every execution journaled for an item, oldest first.
func (s *Storage) GetByItem(ctx context.Context, itemID string) ([]*models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Totals summarises the whole journal.
type Totals struct {
	Executions int64
	Succeeded  int64
	TimedOut   int64
	Unreported int64
}

func (s *Storage) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(SUM(timed_out), 0),
		       COALESCE(SUM(CASE WHEN submit_status IN ('pending', 'failed') THEN 1 ELSE 0 END), 0)
		FROM executions`,
	).Scan(&t.Executions, &t.Succeeded, &t.TimedOut, &t.Unreported)
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.JournalEntry, error) {
	var e models.JournalEntry
	var level, output, errMsg, workDir sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(
		&e.ID, &e.ItemID, &e.WorkerID, &level, &e.Success, &e.TimedOut, &exitCode,
		&output, &errMsg, &e.DurationMs, &workDir, &e.SubmitStatus, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Level = level.String
	e.Output = output.String
	e.Error = errMsg.String
	e.WorkDir = workDir.String
	if exitCode.Valid {
		e.ExitCode = int(exitCode.Int64)
	}
	return &e, nil
}
