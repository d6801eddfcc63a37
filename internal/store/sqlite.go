package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/cellrun/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    code        TEXT NOT NULL,
    wrap        INTEGER NOT NULL,
    backend     TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT '',
    text        TEXT NOT NULL DEFAULT '',
    image       TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS execution_events (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    seq          INTEGER NOT NULL,
    type         TEXT NOT NULL,
    data         TEXT NOT NULL,
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (execution_id, seq)
)`

const executionColumns = `id, status, code, wrap, backend, kind, text, image, error,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"executions":       createExecutionsTable,
		"execution_events": createEventsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	var durationMS sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&e.ID, &e.Status, &e.Code, &e.Wrap, &e.Backend, &e.Kind, &e.Text, &e.Image, &e.Error,
		&durationMS, &e.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	if durationMS.Valid {
		d := int(durationMS.Int64)
		e.DurationMS = &d
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}
	return e, nil
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Status, e.Code, e.Wrap, e.Backend, e.Kind, e.Text, e.Image, e.Error,
		e.DurationMS, e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a paginated list of executions ordered by created_at DESC,
// along with the total count of all executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// UpdateExecutionStatus moves an execution to status, enforcing the status
// transition table. Moving to running sets started_at; terminal statuses set
// finished_at.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read execution status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.StatusCompleted, model.StatusFailed:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return tx.Commit()
}

// UpdateExecution writes the final state of an execution: status, backend,
// result fields and timing. Fields left zero keep their stored value.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.Execution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
			status      = ?,
			backend     = CASE WHEN ? = '' THEN backend ELSE ? END,
			kind        = ?,
			text        = ?,
			image       = ?,
			error       = ?,
			duration_ms = COALESCE(?, duration_ms),
			started_at  = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		e.Status, e.Backend, e.Backend, e.Kind, e.Text, e.Image, e.Error,
		e.DurationMS, e.StartedAt, e.FinishedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecutionStats aggregates counts and the mean duration of finished executions.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus:  make(map[string]int),
		CountByBackend: make(map[string]int),
		CountByKind:    make(map[string]int),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN error != '' AND status = ? THEN 1 ELSE 0 END), 0),
			AVG(duration_ms)
		FROM executions`, model.StatusCompleted,
	).Scan(&stats.Total, &stats.GuestErrors, &avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate executions: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"backend", stats.CountByBackend},
		{"kind", stats.CountByKind},
	}
	for _, g := range groups {
		if err := s.countBy(ctx, g.column, g.into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// countBy fills into with row counts grouped by column, skipping empty values.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM executions WHERE `+column+` != '' GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertEvent appends one event to an execution's stream.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev model.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, seq, type, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ExecutionID, ev.Seq, ev.Type, ev.Data, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns an execution's events in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, executionID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, seq, type, data, created_at FROM execution_events
		WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ExecutionID, &ev.Seq, &ev.Type, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
