package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bizsim/internal/model"
)

const taskColumns = `id, session_id, round, status, attempts, result, error, created_at, updated_at, completed_at`

// CreateTask inserts a pending task. Only one pending task may exist per round.
func (r *Postgres) CreateTask(ctx context.Context, t *model.InferenceTask) error {
	result, err := encodeNullable(t.Result)
	if err != nil {
		return err
	}
	const query = `INSERT INTO inference_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.Exec(ctx, query,
		t.ID, t.SessionID, t.Round, t.Status, t.Attempts, result, t.Error, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_inference_tasks_pending") {
			return ErrTaskInFlight
		}
		return fmt.Errorf("failed to create inference task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (r *Postgres) GetTask(ctx context.Context, id string) (*model.InferenceTask, error) {
	return scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM inference_tasks WHERE id = $1`, id))
}

// GetPendingTask returns the pending task of a round.
func (r *Postgres) GetPendingTask(ctx context.Context, sessionID string, round int) (*model.InferenceTask, error) {
	query := `SELECT ` + taskColumns + ` FROM inference_tasks
		WHERE session_id = $1 AND round = $2 AND status = 'pending'`
	return scanTask(r.db.QueryRow(ctx, query, sessionID, round))
}

// LatestTask returns the most recently created task of a round, whatever its status.
func (r *Postgres) LatestTask(ctx context.Context, sessionID string, round int) (*model.InferenceTask, error) {
	query := `SELECT ` + taskColumns + ` FROM inference_tasks
		WHERE session_id = $1 AND round = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanTask(r.db.QueryRow(ctx, query, sessionID, round))
}

// UpdateTask writes the status, attempts, result and error of t.
func (r *Postgres) UpdateTask(ctx context.Context, t *model.InferenceTask) error {
	result, err := encodeNullable(t.Result)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE inference_tasks
		SET status = $2, attempts = $3, result = $4, error = $5, updated_at = $6, completed_at = $7
		WHERE id = $1
	`, t.ID, t.Status, t.Attempts, result, t.Error, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update inference task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*model.InferenceTask, error) {
	var (
		t      model.InferenceTask
		result []byte
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.Round, &t.Status, &t.Attempts, &result, &t.Error, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get inference task: %w", err)
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
	}
	return &t, nil
}
