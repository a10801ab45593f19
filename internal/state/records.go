package state

import (
	"database/sql"
	"fmt"
	"time"
)

// DecisionRow is the audit record of one routed decision.
type DecisionRow struct {
	ID         string
	Action     string
	Role       string
	Confidence float64
	Band       string
	Outcome    string
	RoutedAt   time.Time
	ResolvedAt *time.Time
}

// FailureRow is the audit record of one handled failure.
type FailureRow struct {
	ID         string
	IssueType  string
	Severity   string
	Source     string
	Message    string
	Strategy   string
	Attempts   int
	Outcome    string
	Detail     string
	RecordedAt time.Time
}

// TaskRunRow is the audit record of one finished task.
type TaskRunRow struct {
	ID          string
	Role        string
	Priority    string
	State       string
	Error       string
	SubmittedAt time.Time
	FinishedAt  *time.Time
}

// SaveDecision inserts or updates a decision row.
func (db *DB) SaveDecision(d *DecisionRow) error {
	_, err := db.Exec(`
		INSERT INTO decisions (id, action, role, confidence, band, outcome, routed_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, resolved_at = excluded.resolved_at
	`, d.ID, d.Action, d.Role, d.Confidence, d.Band, d.Outcome, formatTime(d.RoutedAt), nullableTime(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by ID. Returns nil if not found.
func (db *DB) GetDecision(id string) (*DecisionRow, error) {
	row := db.QueryRow(`
		SELECT id, action, role, confidence, band, outcome, routed_at, resolved_at
		FROM decisions WHERE id = ?
	`, id)

	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns the most recent decisions, newest first.
func (db *DB) ListDecisions(limit int) ([]DecisionRow, error) {
	rows, err := db.Query(`
		SELECT id, action, role, confidence, band, outcome, routed_at, resolved_at
		FROM decisions ORDER BY routed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (*DecisionRow, error) {
	var d DecisionRow
	var role sql.NullString
	var routedAt string
	var resolvedAt sql.NullString
	if err := s.Scan(&d.ID, &d.Action, &role, &d.Confidence, &d.Band, &d.Outcome, &routedAt, &resolvedAt); err != nil {
		return nil, err
	}
	d.Role = role.String
	d.RoutedAt, _ = parseTime(routedAt)
	d.ResolvedAt = parseNullableTime(resolvedAt)
	return &d, nil
}

// SaveFailure inserts a failure row.
func (db *DB) SaveFailure(f *FailureRow) error {
	_, err := db.Exec(`
		INSERT INTO failures (id, issue_type, severity, source, message, strategy, attempts, outcome, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.IssueType, f.Severity, f.Source, f.Message, f.Strategy, f.Attempts, f.Outcome, f.Detail, formatTime(f.RecordedAt))
	if err != nil {
		return fmt.Errorf("save failure: %w", err)
	}
	return nil
}

// ListFailures returns the most recent failures, newest first. An empty
// outcome matches every row.
func (db *DB) ListFailures(outcome string, limit int) ([]FailureRow, error) {
	query := `
		SELECT id, issue_type, severity, source, message, strategy, attempts, outcome, detail, recorded_at
		FROM failures`
	args := []any{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, outcome)
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []FailureRow
	for rows.Next() {
		var f FailureRow
		var source, strategy, detail sql.NullString
		var recordedAt string
		if err := rows.Scan(&f.ID, &f.IssueType, &f.Severity, &source, &f.Message, &strategy, &f.Attempts, &f.Outcome, &detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Source = source.String
		f.Strategy = strategy.String
		f.Detail = detail.String
		f.RecordedAt, _ = parseTime(recordedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveTaskRun inserts or replaces a task run row.
func (db *DB) SaveTaskRun(r *TaskRunRow) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO task_runs (id, role, priority, state, error, submitted_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Role, r.Priority, r.State, r.Error, formatTime(r.SubmittedAt), nullableTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("save task run: %w", err)
	}
	return nil
}

// GetTaskRun retrieves a task run by ID. Returns nil if not found.
func (db *DB) GetTaskRun(id string) (*TaskRunRow, error) {
	row := db.QueryRow(`
		SELECT id, role, priority, state, error, submitted_at, finished_at
		FROM task_runs WHERE id = ?
	`, id)

	var r TaskRunRow
	var errText, finishedAt sql.NullString
	var submittedAt string
	err := row.Scan(&r.ID, &r.Role, &r.Priority, &r.State, &errText, &submittedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task run: %w", err)
	}
	r.Error = errText.String
	r.SubmittedAt, _ = parseTime(submittedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

// CountTaskRuns returns how many task runs ended in the given state.
func (db *DB) CountTaskRuns(state string) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM task_runs WHERE state = ?`, state).Scan(&n); err != nil {
		return 0, fmt.Errorf("count task runs: %w", err)
	}
	return n, nil
}
