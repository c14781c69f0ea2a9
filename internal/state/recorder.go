package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vibeflow/orchestra/internal/orchestrator"
	"github.com/vibeflow/orchestra/pkg/models"
)

// RunRecord is one row of run history.
type RunRecord struct {
	ID          string
	WorkflowID  string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	TotalTokens int64
	Error       string
}

// TaskRecord is one task's final state within a recorded run.
type TaskRecord struct {
	RunID      string
	TaskID     string
	Status     string
	Attempts   int
	TokensUsed int64
	Error      string
}

// Recorder persists a run's lifecycle to the database. Create one per
// run: call Start before consuming events, Observe for each event, and
// rely on the terminal event's report to write the final rows.
type Recorder struct {
	db *DB
}

// NewRecorder creates a Recorder backed by the given database. The
// schema must already be migrated.
func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

// Start inserts the run row in its running state.
func (r *Recorder) Start(runID, workflowID string) error {
	_, err := r.db.Exec(`
		INSERT INTO runs (id, workflow_id, status, started_at)
		VALUES (?, ?, 'running', ?)
	`, runID, workflowID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// Observe records one progress event. Only terminal events carry the
// report and close out the run; everything else is ignored, so the
// recorder can sit on the raw event stream without filtering.
func (r *Recorder) Observe(event orchestrator.Event) error {
	switch event.Type {
	case orchestrator.EventWorkflowCompleted, orchestrator.EventWorkflowFailed:
		if event.Report == nil {
			return fmt.Errorf("terminal event %s missing report", event.Type)
		}
		return r.finish(event.Report)
	default:
		return nil
	}
}

// finish writes the final run row and per-task rows in one transaction.
func (r *Recorder) finish(report *orchestrator.Report) error {
	return r.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE runs
			SET status = ?, finished_at = ?, total_tokens = ?, error = ?
			WHERE id = ?
		`, string(report.Status), formatTime(time.Now()), report.TotalTokens, report.Err, report.RunID)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", report.RunID, err)
		}

		for _, tr := range report.Tasks {
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO run_tasks (run_id, task_id, status, attempts, tokens_used, error)
				VALUES (?, ?, ?, ?, ?, ?)
			`, report.RunID, tr.TaskID, string(tr.Status), tr.Attempts, tr.TokensUsed, tr.Reason)
			if err != nil {
				return fmt.Errorf("record task %s: %w", tr.TaskID, err)
			}
		}

		return nil
	})
}

// GetRun returns a recorded run by ID.
func (r *Recorder) GetRun(runID string) (*RunRecord, error) {
	row := r.db.QueryRow(`
		SELECT id, workflow_id, status, started_at, finished_at, total_tokens, COALESCE(error, '')
		FROM runs WHERE id = ?
	`, runID)

	rec := &RunRecord{}
	var startedAt string
	var finishedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.Status, &startedAt, &finishedAt, &rec.TotalTokens, &rec.Error)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	rec.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	rec.FinishedAt = parseNullableTime(finishedAt)

	return rec, nil
}

// GetRunTasks returns the recorded task rows for a run, ordered by task ID.
func (r *Recorder) GetRunTasks(runID string) ([]TaskRecord, error) {
	rows, err := r.db.Query(`
		SELECT run_id, task_id, status, attempts, tokens_used, COALESCE(error, '')
		FROM run_tasks WHERE run_id = ? ORDER BY task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Status, &rec.Attempts, &rec.TokensUsed, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan run task: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListRuns returns recent runs for a workflow, newest first. An empty
// workflowID lists runs across all workflows.
func (r *Recorder) ListRuns(workflowID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, workflow_id, status, started_at, finished_at, total_tokens, COALESCE(error, '')
		FROM runs
	`
	args := []any{}
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.Status, &startedAt, &finishedAt, &rec.TotalTokens, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt, err = parseTime(startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		rec.FinishedAt = parseNullableTime(finishedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns how many recorded tasks of a run ended in the
// given status.
func (r *Recorder) CountByStatus(runID string, status models.TaskStatus) (int, error) {
	var count int
	row := r.db.QueryRow(`
		SELECT COUNT(*) FROM run_tasks WHERE run_id = ? AND status = ?
	`, runID, string(status))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}
