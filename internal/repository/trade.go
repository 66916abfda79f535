package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bizsim/internal/model"
)

const tradeColumns = `id, session_id, round, from_user, to_user, give, want, note, status, expires_at, created_at, resolved_at`

// CreateTrade inserts a trade offer.
func (r *Postgres) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO trades (`+tradeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.SessionID, t.Round, t.FromUser, t.ToUser, t.Give, t.Want, t.Note, t.Status, t.ExpiresAt, t.CreatedAt, t.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// GetTrade retrieves a trade by id.
func (r *Postgres) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(r.db.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// UpdateTrade writes the status of t.
func (r *Postgres) UpdateTrade(ctx context.Context, t *model.Trade) error {
	tag, err := r.db.Exec(ctx, `UPDATE trades SET status = $2, resolved_at = $3 WHERE id = $1`, t.ID, t.Status, t.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// ListTrades returns the trades of a session with the given status, or all of them
// when status is empty.
func (r *Postgres) ListTrades(ctx context.Context, sessionID string, status model.TradeStatus) ([]*model.Trade, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE session_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at ASC, id ASC
	`, sessionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	err := row.Scan(&t.ID, &t.SessionID, &t.Round, &t.FromUser, &t.ToUser, &t.Give, &t.Want, &t.Note,
		&t.Status, &t.ExpiresAt, &t.CreatedAt, &t.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
