package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bizsim/internal/model"
)

const sessionColumns = `id, room_id, operator_id, participants, current_round, phase, decision_deadline,
	total_rounds, status, game_state, ai_config, rule_text, version, created_at, updated_at`

// CreateSession inserts a new session at version 1.
func (r *Postgres) CreateSession(ctx context.Context, s *model.Session) error {
	if err := model.ValidateStateForPhase(s.Phase, s.GameState); err != nil {
		return err
	}
	state, err := model.EncodeState(s.GameState)
	if err != nil {
		return err
	}
	aiConfig, err := encodeNullable(s.AIConfig)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $13)
	`
	_, err = r.db.Exec(ctx, query,
		s.ID, s.RoomID, s.OperatorID, s.Participants, s.CurrentRound, s.Phase, s.DecisionDeadline,
		s.TotalRounds, s.Status, state, aiConfig, s.RuleText, s.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_sessions_active_room") {
			return ErrRoomBusy
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.Version = 1
	s.UpdatedAt = s.CreatedAt
	return nil
}

// GetSession retrieves a session by id.
// Returns ErrSessionNotFound if the session does not exist.
func (r *Postgres) GetSession(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return r.scanSession(r.db.QueryRow(ctx, query, id))
}

// GetActiveSessionByRoom retrieves the active session of a room.
func (r *Postgres) GetActiveSessionByRoom(ctx context.Context, roomID string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE room_id = $1 AND status = 'active'`
	return r.scanSession(r.db.QueryRow(ctx, query, roomID))
}

// UpdateSession writes s if its version is current and bumps the version.
func (r *Postgres) UpdateSession(ctx context.Context, s *model.Session) error {
	if err := model.ValidateStateForPhase(s.Phase, s.GameState); err != nil {
		return err
	}
	state, err := model.EncodeState(s.GameState)
	if err != nil {
		return err
	}
	aiConfig, err := encodeNullable(s.AIConfig)
	if err != nil {
		return err
	}

	const query = `
		UPDATE sessions
		SET participants = $3, current_round = $4, phase = $5, decision_deadline = $6,
			total_rounds = $7, status = $8, game_state = $9, ai_config = $10, rule_text = $11,
			version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	var version int64
	err = r.db.QueryRow(ctx, query,
		s.ID, s.Version, s.Participants, s.CurrentRound, s.Phase, s.DecisionDeadline,
		s.TotalRounds, s.Status, state, aiConfig, s.RuleText, s.UpdatedAt,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetSession(ctx, s.ID); errors.Is(getErr, ErrSessionNotFound) {
				return ErrSessionNotFound
			}
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to update session: %w", err)
	}
	s.Version = version
	return nil
}

func (r *Postgres) scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s        model.Session
		state    []byte
		aiConfig []byte
	)
	err := row.Scan(
		&s.ID,
		&s.RoomID,
		&s.OperatorID,
		&s.Participants,
		&s.CurrentRound,
		&s.Phase,
		&s.DecisionDeadline,
		&s.TotalRounds,
		&s.Status,
		&state,
		&aiConfig,
		&s.RuleText,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.GameState, err = model.DecodeState(state)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	if err := model.ValidateStateForPhase(s.Phase, s.GameState); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	if len(aiConfig) > 0 {
		s.AIConfig = &model.AIConfig{}
		if err := json.Unmarshal(aiConfig, s.AIConfig); err != nil {
			return nil, fmt.Errorf("session %s: failed to decode ai config: %w", s.ID, err)
		}
	}
	return &s, nil
}

// encodeNullable marshals v, mapping a nil pointer to SQL NULL.
func encodeNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return b, nil
}
