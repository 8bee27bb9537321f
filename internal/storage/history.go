package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ExecutionOutcome is how a single execution attempt ended
type ExecutionOutcome string

const (
	OutcomeRunning   ExecutionOutcome = "running"
	OutcomeDone      ExecutionOutcome = "done"
	OutcomeSuspended ExecutionOutcome = "suspended"
	OutcomeFailed    ExecutionOutcome = "failed"
)

// ErrRecordNotFound is returned by Get for unknown record ids
var ErrRecordNotFound = errors.New("execution record not found")

// ExecutionRecord is one attempt at running a task. A task that suspends and
// resumes produces one record per attempt.
type ExecutionRecord struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Tool        string           `json:"tool"`
	Outcome     ExecutionOutcome `json:"outcome"`
	ChildID     string           `json:"child_id,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// History stores execution records
type History interface {
	// Store inserts a record when an attempt starts
	Store(ctx context.Context, record *ExecutionRecord) error

	// Update writes the outcome of an attempt
	Update(ctx context.Context, record *ExecutionRecord) error

	// Get retrieves a record by ID
	Get(ctx context.Context, id string) (*ExecutionRecord, error)

	// List retrieves records, newest first, matching filters
	List(ctx context.Context, filters map[string]any, offset, limit int) ([]*ExecutionRecord, error)

	// Count returns the number of records matching filters
	Count(ctx context.Context, filters map[string]any) (int, error)

	// DeleteBefore deletes records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// Close releases the underlying database
	Close() error
}

// filterColumns are the keys accepted in List and Count filters
var filterColumns = map[string]bool{
	"task_id": true,
	"tool":    true,
	"outcome": true,
}

const selectColumns = "id, task_id, tool, outcome, child_id, result, error, started_at, completed_at, duration"

// SQLiteHistory implements History on SQLite
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHistory opens (or creates) the history database at dbPath
func NewSQLiteHistory(dbPath string, logger *zap.Logger) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	h := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	h.logger.Info("Execution history opened", zap.String("path", dbPath))
	return h, nil
}

func (h *SQLiteHistory) initialize() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			outcome TEXT NOT NULL,
			child_id TEXT,
			result TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_task_id ON execution_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_tool ON execution_history(tool);
		CREATE INDEX IF NOT EXISTS idx_execution_history_outcome ON execution_history(outcome);
		CREATE INDEX IF NOT EXISTS idx_execution_history_started_at ON execution_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements History.Store
func (h *SQLiteHistory) Store(ctx context.Context, record *ExecutionRecord) error {
	if record.Outcome == "" {
		record.Outcome = OutcomeRunning
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			id, task_id, tool, outcome, started_at
		) VALUES (?, ?, ?, ?, ?)`,
		record.ID,
		record.TaskID,
		record.Tool,
		record.Outcome,
		record.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store execution record: %w", err)
	}
	return nil
}

// Update implements History.Update
func (h *SQLiteHistory) Update(ctx context.Context, record *ExecutionRecord) error {
	var completedAt sql.NullTime
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: record.CompletedAt.UTC(), Valid: true}
	}

	res, err := h.db.ExecContext(ctx, `
		UPDATE execution_history SET
			outcome = ?,
			child_id = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		record.Outcome,
		sql.NullString{String: record.ChildID, Valid: record.ChildID != ""},
		sql.NullString{String: string(record.Result), Valid: len(record.Result) > 0},
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(record.Duration), Valid: record.Duration != 0},
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, record.ID)
	}
	return nil
}

// Get implements History.Get
func (h *SQLiteHistory) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := h.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM execution_history WHERE id = ?", id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan execution record: %w", err)
	}
	return record, nil
}

// List implements History.List
func (h *SQLiteHistory) List(ctx context.Context, filters map[string]any, offset, limit int) ([]*ExecutionRecord, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + selectColumns + " FROM execution_history" + where +
		" ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Count implements History.Count
func (h *SQLiteHistory) Count(ctx context.Context, filters map[string]any) (int, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return 0, err
	}

	var count int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count execution history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements History.DeleteBefore
func (h *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, "DELETE FROM execution_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	h.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return affected, nil
}

// Close closes the database connection
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ExecutionRecord, error) {
	var (
		record                  ExecutionRecord
		childID, result, errStr sql.NullString
		completedAt             sql.NullTime
		durationNanos           sql.NullInt64
	)

	if err := row.Scan(
		&record.ID,
		&record.TaskID,
		&record.Tool,
		&record.Outcome,
		&childID,
		&result,
		&errStr,
		&record.StartedAt,
		&completedAt,
		&durationNanos,
	); err != nil {
		return nil, err
	}

	record.ChildID = childID.String
	record.Error = errStr.String
	if result.Valid && result.String != "" {
		record.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		record.CompletedAt = &t
	}
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	return &record, nil
}

func whereClause(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filters))
	for key := range filters {
		if !filterColumns[key] {
			return "", nil, fmt.Errorf("unsupported history filter: %s", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		conds[i] = key + " = ?"
		args[i] = filters[key]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}
