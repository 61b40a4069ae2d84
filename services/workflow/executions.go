package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateExecution records a pending run. Resubmitting a run id resets its
// record so the redelivered run can replay its completed steps.
func (r *Repository) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, status, started_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, error = '', completed_at = NULL
	`, exec.ID, exec.WorkflowID, string(exec.Status), exec.StartedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// MarkRunning moves an execution to RUNNING, creating it when the run was not
// submitted through the dispatcher.
func (r *Repository) MarkRunning(ctx context.Context, id, workflowID string, startedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, status, started_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, error = '', completed_at = NULL
	`, id, workflowID, string(ExecutionRunning), startedAt)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	return nil
}

func (r *Repository) FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg string, completedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE executions SET status = $2, error = $3, completed_at = $4 WHERE id = $1
	`, id, string(status), errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

// GetExecution returns nil, nil if the execution does not exist.
func (r *Repository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT id, workflow_id, status, error, started_at, completed_at
		FROM executions WHERE id = $1
	`, id).Scan(&exec.ID, &exec.WorkflowID, &status, &exec.Error, &exec.StartedAt, &exec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	exec.Status = ExecutionStatus(status)
	return &exec, nil
}

// ListExecutions returns the latest executions of a workflow, newest first.
func (r *Repository) ListExecutions(ctx context.Context, workflowID string, limit int) ([]Execution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_id, status, error, started_at, completed_at
		FROM executions WHERE workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	execs := []Execution{}
	for rows.Next() {
		var exec Execution
		var status string
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &status, &exec.Error, &exec.StartedAt, &exec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.Status = ExecutionStatus(status)
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}
