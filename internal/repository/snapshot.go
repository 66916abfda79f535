package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bizsim/internal/model"
)

const snapshotColumns = `id, session_id, round, reason, payload, created_at`

// CreateSnapshot stores an immutable snapshot.
func (r *Postgres) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.SessionID, snap.Round, snap.Reason, payload, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by id.
func (r *Postgres) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	return scanSnapshot(r.db.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id))
}

// LatestSnapshotBefore returns the newest snapshot taken in a round earlier than beforeRound.
// Within a round the auto snapshot of its committed result wins over manual ones.
func (r *Postgres) LatestSnapshotBefore(ctx context.Context, sessionID string, beforeRound int) (*model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots
		WHERE session_id = $1 AND round < $2
		ORDER BY round DESC, (reason = 'auto') DESC, created_at DESC LIMIT 1`
	return scanSnapshot(r.db.QueryRow(ctx, query, sessionID, beforeRound))
}

// ListSnapshots returns every snapshot of a session, newest first.
func (r *Postgres) ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE session_id = $1 ORDER BY created_at DESC, id DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(row pgx.Row) (*model.Snapshot, error) {
	var (
		snap    model.Snapshot
		payload []byte
	)
	if err := row.Scan(&snap.ID, &snap.SessionID, &snap.Round, &snap.Reason, &payload, &snap.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snap.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
