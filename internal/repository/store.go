// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"bizsim/internal/model"
)

// Common errors for repository operations.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrRoomBusy         = errors.New("room already has an active session")
	ErrVersionConflict  = errors.New("session was modified concurrently")
	ErrRoundClosed      = errors.New("round is not accepting decisions")
	ErrModifierNotFound = errors.New("modifier not found")
	ErrTaskNotFound     = errors.New("inference task not found")
	ErrTaskInFlight     = errors.New("inference task already pending for round")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrTradeNotFound    = errors.New("trade not found")
)

// SessionStore persists sessions. UpdateSession writes s only if the stored
// version equals s.Version and then increments s.Version.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetActiveSessionByRoom(ctx context.Context, roomID string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error
}

// DecisionStore persists decisions. UpsertDecision only writes while the session
// is in the decision phase of d.Round.
type DecisionStore interface {
	UpsertDecision(ctx context.Context, d *model.Decision) error
	ListDecisions(ctx context.Context, sessionID string, round int) ([]*model.Decision, error)
	CountDecisions(ctx context.Context, sessionID string, round int) (int, error)
	MarkDecisionsReviewed(ctx context.Context, sessionID string, round int) (int, error)
	DeleteDecisions(ctx context.Context, sessionID string, round int) (int, error)
	ListAllDecisions(ctx context.Context, sessionID string) ([]*model.Decision, error)
	ReplaceDecisions(ctx context.Context, sessionID string, decisions []*model.Decision) error
}

// ModifierStore persists modifiers.
type ModifierStore interface {
	CreateModifier(ctx context.Context, m *model.Modifier) error
	GetModifier(ctx context.Context, id string) (*model.Modifier, error)
	UpdateModifier(ctx context.Context, m *model.Modifier) error
	ListModifiers(ctx context.Context, sessionID string) ([]*model.Modifier, error)
	ReplaceModifiers(ctx context.Context, sessionID string, modifiers []*model.Modifier) error
}

// TaskStore persists inference tasks. CreateTask fails with ErrTaskInFlight when a
// pending task already exists for the round.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.InferenceTask) error
	GetTask(ctx context.Context, id string) (*model.InferenceTask, error)
	GetPendingTask(ctx context.Context, sessionID string, round int) (*model.InferenceTask, error)
	LatestTask(ctx context.Context, sessionID string, round int) (*model.InferenceTask, error)
	UpdateTask(ctx context.Context, t *model.InferenceTask) error
}

// SnapshotStore persists snapshots. Snapshots are never updated.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	// LatestSnapshotBefore returns the newest snapshot with round < beforeRound,
	// preferring the auto snapshot within a round.
	LatestSnapshotBefore(ctx context.Context, sessionID string, beforeRound int) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error)
}

// TradeStore persists trades.
type TradeStore interface {
	CreateTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	UpdateTrade(ctx context.Context, t *model.Trade) error
	ListTrades(ctx context.Context, sessionID string, status model.TradeStatus) ([]*model.Trade, error)
}

// Store is the durable store. InTx runs fn against a store whose writes commit
// together or not at all; nested calls reuse the outer transaction.
type Store interface {
	SessionStore
	DecisionStore
	ModifierStore
	TaskStore
	SnapshotStore
	TradeStore
	InTx(ctx context.Context, fn func(tx Store) error) error
}
