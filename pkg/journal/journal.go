// Package journal keeps the history of task runs in SQLite: one row per
// run and one row per transition, step and cleanup. It observes a
// task.Runner and never blocks it; write failures are logged.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"labcore/pkg/log"
	"labcore/pkg/task"
)

// Run statuses.
const (
	StatusInProgress    = "in_progress"
	StatusCompleted     = "completed"
	StatusAborted       = "aborted"
	StatusStartupFailed = "startup_failed"
	StatusError         = "error"
)

// Run is one pass of a task.
type Run struct {
	ID        string     `json:"run_id"`
	Task      string     `json:"task"`
	Status    string     `json:"status"`
	Cursor    int        `json:"cursor"`
	Steps     int        `json:"steps"`
	Error     string     `json:"error,omitempty"`
	Cleanup   string     `json:"cleanup,omitempty"`
	Forced    bool       `json:"forced"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns how long the run took, or has taken so far.
func (r Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Event is one journal entry of a run.
type Event struct {
	ID       int64         `json:"id"`
	RunID    string        `json:"run_id"`
	Kind     string        `json:"kind"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
	Event    string        `json:"event,omitempty"`
	Step     int           `json:"step"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Time     time.Time     `json:"time"`
}

// Totals aggregates the runs of a task.
type Totals struct {
	Runs      int           `json:"runs"`
	Completed int           `json:"completed"`
	Aborted   int           `json:"aborted"`
	Failed    int           `json:"failed"`
	TotalTime time.Duration `json:"total_time"`
	Longest   time.Duration `json:"longest"`
}

// Journal is the SQLite-backed run history.
type Journal struct {
	db  *sql.DB
	log *log.Logger
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, log: log.GetLogger("journal")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		status TEXT NOT NULL,
		cursor INTEGER NOT NULL DEFAULT 0,
		steps INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		cleanup TEXT NOT NULL DEFAULT '',
		forced INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		event TEXT NOT NULL DEFAULT '',
		step INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		time DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task);
	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// TaskNotice implements task.Observer.
func (j *Journal) TaskNotice(n task.Notice) {
	if err := j.Record(context.Background(), n); err != nil {
		j.log.WithError(err).WithField("run_id", n.RunID).Warn("journal write failed")
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Record appends a notice to the journal.
func (j *Journal) Record(ctx context.Context, n task.Notice) error {
	if n.RunID == "" {
		return nil
	}
	if n.Kind == task.NoticeTransition && n.To == task.Starting {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO runs (id, task, status, started_at) VALUES (?, ?, ?, ?)`,
			n.RunID, n.Task, StatusInProgress, n.Time.UTC())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (run_id, kind, from_state, to_state, event, step, duration_ns, error, time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.RunID, string(n.Kind), stateText(n, n.From), stateText(n, n.To), eventText(n), n.Step, int64(n.Duration), errText(n.Err), n.Time.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	switch n.Kind {
	case task.NoticeStep:
		_, err = j.db.ExecContext(ctx, `UPDATE runs SET cursor = ?, steps = ? WHERE id = ?`, n.Cursor, n.Steps, n.RunID)
	case task.NoticeCleanup:
		cleanup := "ok"
		if n.Err != nil {
			cleanup = n.Err.Error()
		}
		_, err = j.db.ExecContext(ctx, `UPDATE runs SET cleanup = ?, forced = ? WHERE id = ?`, cleanup, n.Forced, n.RunID)
	case task.NoticeTransition:
		if n.To == task.Stopped {
			_, err = j.db.ExecContext(ctx,
				`UPDATE runs SET status = ?, cursor = ?, steps = ?, error = CASE WHEN ? != '' THEN ? ELSE error END, ended_at = ? WHERE id = ?`,
				finalStatus(n), n.Cursor, n.Steps, errText(n.Err), errText(n.Err), n.Time.UTC(), n.RunID)
		} else if n.Err != nil {
			// an escalation records the error that caused the abort
			_, err = j.db.ExecContext(ctx, `UPDATE runs SET error = ? WHERE id = ?`, n.Err.Error(), n.RunID)
		}
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func stateText(n task.Notice, s task.State) string {
	if n.Kind != task.NoticeTransition {
		return ""
	}
	return s.String()
}

func eventText(n task.Notice) string {
	if n.Kind != task.NoticeTransition {
		return ""
	}
	return n.Event.String()
}

func finalStatus(n task.Notice) string {
	switch {
	case n.From == task.Aborting:
		return StatusAborted
	case n.From == task.Starting:
		return StatusStartupFailed
	case n.Err != nil:
		return StatusError
	default:
		return StatusCompleted
	}
}

const runColumns = `id, task, status, cursor, steps, error, cleanup, forced, started_at, ended_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var ended sql.NullTime
	if err := row.Scan(&r.ID, &r.Task, &r.Status, &r.Cursor, &r.Steps, &r.Error, &r.Cleanup, &r.Forced, &r.StartedAt, &ended); err != nil {
		return r, err
	}
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	return r, nil
}

// Run returns one run, or nil when it does not exist.
func (j *Journal) Run(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return &r, nil
}

// Runs returns the runs of taskName, newest first; all tasks when
// taskName is empty. limit <= 0 means no limit.
func (j *Journal) Runs(ctx context.Context, taskName string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if taskName != "" {
		query += ` WHERE task = ?`
		args = append(args, taskName)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Events returns the events of a run in order.
func (j *Journal) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, kind, from_state, to_state, event, step, duration_ns, error, time FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ns int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.From, &e.To, &e.Event, &e.Step, &ns, &e.Error, &e.Time); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Duration = time.Duration(ns)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Totals aggregates the finished runs of taskName (all tasks when empty).
func (j *Journal) Totals(ctx context.Context, taskName string) (Totals, error) {
	runs, err := j.Runs(ctx, taskName, 0)
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	for _, r := range runs {
		if r.EndedAt == nil {
			continue
		}
		t.Runs++
		switch r.Status {
		case StatusCompleted:
			t.Completed++
		case StatusAborted:
			t.Aborted++
		default:
			t.Failed++
		}
		d := r.Duration()
		t.TotalTime += d
		t.Longest = max(t.Longest, d)
	}
	return t, nil
}
