package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bizsim/internal/model"
)

// UpsertDecision inserts or overwrites the decision of (session, user, round). The
// write only happens while the session is in the decision phase of that round;
// otherwise ErrRoundClosed is returned.
func (r *Postgres) UpsertDecision(ctx context.Context, d *model.Decision) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode decision payload: %w", err)
	}

	const query = `
		INSERT INTO decisions (session_id, user_id, round, payload, status, submitted_by, submitted_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (
			SELECT 1 FROM sessions
			WHERE id = $1 AND phase = 'decision' AND current_round = $3
		)
		ON CONFLICT (session_id, user_id, round)
		DO UPDATE SET payload = EXCLUDED.payload, status = EXCLUDED.status,
			submitted_by = EXCLUDED.submitted_by, submitted_at = EXCLUDED.submitted_at
	`
	tag, err := r.db.Exec(ctx, query, d.SessionID, d.UserID, d.Round, payload, d.Status, d.SubmittedBy, d.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoundClosed
	}
	return nil
}

// ListDecisions returns the decisions of a round ordered by submission time.
func (r *Postgres) ListDecisions(ctx context.Context, sessionID string, round int) ([]*model.Decision, error) {
	const query = `
		SELECT session_id, user_id, round, payload, status, submitted_by, submitted_at
		FROM decisions
		WHERE session_id = $1 AND round = $2
		ORDER BY submitted_at ASC, user_id ASC
	`
	rows, err := r.db.Query(ctx, query, sessionID, round)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return scanDecisions(rows)
}

// ListAllDecisions returns every decision of a session.
func (r *Postgres) ListAllDecisions(ctx context.Context, sessionID string) ([]*model.Decision, error) {
	const query = `
		SELECT session_id, user_id, round, payload, status, submitted_by, submitted_at
		FROM decisions
		WHERE session_id = $1
		ORDER BY round ASC, submitted_at ASC, user_id ASC
	`
	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return scanDecisions(rows)
}

func scanDecisions(rows pgx.Rows) ([]*model.Decision, error) {
	defer rows.Close()

	var decisions []*model.Decision
	for rows.Next() {
		var (
			d       model.Decision
			payload []byte
		)
		if err := rows.Scan(&d.SessionID, &d.UserID, &d.Round, &payload, &d.Status, &d.SubmittedBy, &d.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if err := json.Unmarshal(payload, &d.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode decision payload: %w", err)
		}
		decisions = append(decisions, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}

// CountDecisions returns the number of decisions recorded for a round.
func (r *Postgres) CountDecisions(ctx context.Context, sessionID string, round int) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM decisions WHERE session_id = $1 AND round = $2`, sessionID, round).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return n, nil
}

// MarkDecisionsReviewed locks every decision of a round.
func (r *Postgres) MarkDecisionsReviewed(ctx context.Context, sessionID string, round int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE decisions SET status = 'reviewed' WHERE session_id = $1 AND round = $2`,
		sessionID, round,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark decisions reviewed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteDecisions removes every decision of a round.
func (r *Postgres) DeleteDecisions(ctx context.Context, sessionID string, round int) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM decisions WHERE session_id = $1 AND round = $2`, sessionID, round)
	if err != nil {
		return 0, fmt.Errorf("failed to delete decisions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReplaceDecisions swaps every decision of a session for the given set.
func (r *Postgres) ReplaceDecisions(ctx context.Context, sessionID string, decisions []*model.Decision) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM decisions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to clear decisions: %w", err)
	}
	const query = `
		INSERT INTO decisions (session_id, user_id, round, payload, status, submitted_by, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, d := range decisions {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode decision payload: %w", err)
		}
		if _, err := r.db.Exec(ctx, query, sessionID, d.UserID, d.Round, payload, d.Status, d.SubmittedBy, d.SubmittedAt); err != nil {
			return fmt.Errorf("failed to restore decision: %w", err)
		}
	}
	return nil
}
