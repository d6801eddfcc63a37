package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/cellrun/internal/model"
)

// statusEvent is the payload of an EventStatus event.
type statusEvent struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
}

// resultEvent is the payload of an EventResult event.
type resultEvent struct {
	Status     string                `json:"status"`
	Result     model.ExecutionResult `json:"result"`
	Error      string                `json:"error,omitempty"`
	DurationMS int                   `json:"duration_ms"`
}

// Submit records an execution as pending and runs it in the background
// through the same queue as Execute. Progress is published on the broker and
// persisted as events.
func (e *Engine) Submit(ctx context.Context, code string, wrap bool) (*model.Execution, error) {
	if e.store == nil {
		return nil, ErrNoStore
	}

	exec := &model.Execution{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Code:      code,
		Wrap:      wrap,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	eCopy := *exec
	e.wg.Go(func() {
		e.run(&eCopy)
	})
	return exec, nil
}

// Wait blocks until all submitted executions finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run drives one submitted execution: pending→running→completed/failed.
// Completed means a result was produced, even if the guest code raised.
func (e *Engine) run(exec *model.Execution) {
	defer e.broker.Close(exec.ID)
	ctx := context.Background()
	logger := e.logger.With("execution_id", exec.ID)

	var seq int
	emit := func(typ string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.Error("marshal event", "type", typ, "error", err)
			return
		}
		ev := model.Event{
			ExecutionID: exec.ID,
			Seq:         seq,
			Type:        typ,
			Data:        string(data),
			CreatedAt:   time.Now().UTC(),
		}
		seq++
		if err := e.store.InsertEvent(ctx, ev); err != nil {
			logger.Error("failed to persist event", "seq", ev.Seq, "error", err)
		}
		e.broker.Publish(ev)
	}

	if err := e.store.UpdateExecutionStatus(ctx, exec.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finish(exec, nil, model.ExecutionResult{}, fmt.Errorf("failed to start: %w", err), emit)
		return
	}
	start := time.Now().UTC()
	emit(model.EventStatus, statusEvent{Status: model.StatusRunning})

	res, err := e.Execute(ctx, exec.Code, exec.Wrap)
	e.finish(exec, &start, res, err, emit)
}

// finish persists the final state of exec and emits the result event.
func (e *Engine) finish(exec *model.Execution, startedAt *time.Time, res model.ExecutionResult, runErr error, emit func(string, any)) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
	}

	done := &model.Execution{
		ID:         exec.ID,
		Status:     model.StatusCompleted,
		Backend:    e.Backend(),
		Kind:       res.Kind,
		Text:       res.Text,
		Image:      res.Image,
		Error:      res.Error,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}
	ev := resultEvent{Status: model.StatusCompleted, Result: res, DurationMS: durationMS}
	if runErr != nil {
		done.Status = model.StatusFailed
		done.Error = runErr.Error()
		ev.Status = model.StatusFailed
		ev.Error = runErr.Error()
	}

	if err := e.store.UpdateExecution(context.Background(), done); err != nil {
		e.logger.Error("failed to update execution", "execution_id", exec.ID, "error", err)
	}
	emit(model.EventResult, ev)
}
