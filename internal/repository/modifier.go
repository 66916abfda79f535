package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bizsim/internal/model"
)

const modifierColumns = `id, session_id, source_kind, kind, content, affected_attributes, multiplier, flat_bonus,
	effective_rounds, progress_current, progress_total, created_round, created_at, completed_at`

// CreateModifier inserts a modifier.
func (r *Postgres) CreateModifier(ctx context.Context, m *model.Modifier) error {
	const query = `INSERT INTO modifiers (` + modifierColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	cur, total := progressColumns(m.Progress)
	_, err := r.db.Exec(ctx, query,
		m.ID, m.SessionID, m.SourceKind, m.Kind, m.Content, m.AffectedAttributes, m.Multiplier, m.FlatBonus,
		m.EffectiveRounds, cur, total, m.CreatedRound, m.CreatedAt, m.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create modifier: %w", err)
	}
	return nil
}

// GetModifier retrieves a modifier by id.
func (r *Postgres) GetModifier(ctx context.Context, id string) (*model.Modifier, error) {
	row := r.db.QueryRow(ctx, `SELECT `+modifierColumns+` FROM modifiers WHERE id = $1`, id)
	m, err := scanModifier(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrModifierNotFound
		}
		return nil, fmt.Errorf("failed to get modifier: %w", err)
	}
	return m, nil
}

// UpdateModifier writes the mutable progress fields of m.
func (r *Postgres) UpdateModifier(ctx context.Context, m *model.Modifier) error {
	cur, total := progressColumns(m.Progress)
	tag, err := r.db.Exec(ctx,
		`UPDATE modifiers SET progress_current = $2, progress_total = $3, completed_at = $4 WHERE id = $1`,
		m.ID, cur, total, m.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update modifier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrModifierNotFound
	}
	return nil
}

// ListModifiers returns every modifier of a session, oldest first.
func (r *Postgres) ListModifiers(ctx context.Context, sessionID string) ([]*model.Modifier, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+modifierColumns+` FROM modifiers WHERE session_id = $1 ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list modifiers: %w", err)
	}
	defer rows.Close()

	var mods []*model.Modifier
	for rows.Next() {
		m, err := scanModifier(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan modifier: %w", err)
		}
		mods = append(mods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modifiers: %w", err)
	}
	return mods, nil
}

// ReplaceModifiers swaps every modifier of a session for the given set.
func (r *Postgres) ReplaceModifiers(ctx context.Context, sessionID string, modifiers []*model.Modifier) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM modifiers WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to clear modifiers: %w", err)
	}
	for _, m := range modifiers {
		m.SessionID = sessionID
		if err := r.CreateModifier(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func scanModifier(row pgx.Row) (*model.Modifier, error) {
	var (
		m          model.Modifier
		cur, total *int
	)
	err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.SourceKind,
		&m.Kind,
		&m.Content,
		&m.AffectedAttributes,
		&m.Multiplier,
		&m.FlatBonus,
		&m.EffectiveRounds,
		&cur,
		&total,
		&m.CreatedRound,
		&m.CreatedAt,
		&m.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if cur != nil && total != nil {
		m.Progress = &model.Progress{Current: *cur, Total: *total}
	}
	return &m, nil
}

func progressColumns(p *model.Progress) (*int, *int) {
	if p == nil {
		return nil, nil
	}
	cur, total := p.Current, p.Total
	return &cur, &total
}
