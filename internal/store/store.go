package store

import (
	"context"
	"errors"

	"github.com/seantiz/cellrun/internal/model"
)

// ErrInvalidTransition is returned when an execution status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByBackend map[string]int `json:"count_by_backend"`
	CountByKind    map[string]int `json:"count_by_kind"`
	GuestErrors    int            `json:"guest_errors"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for execution history.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	UpdateExecution(ctx context.Context, e *model.Execution) error
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertEvent(ctx context.Context, ev model.Event) error
	GetEvents(ctx context.Context, executionID string) ([]model.Event, error)
	Close() error
}
