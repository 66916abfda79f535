package service

import (
	"context"
	"sort"

	"bizsim/internal/model"
)

// Standing is one participant's place on the board.
type Standing struct {
	Rank     int     `json:"rank"`
	UserID   string  `json:"user_id"`
	Balance  float64 `json:"balance"`
	Bankrupt bool    `json:"bankrupt"`
}

// Standings ranks a session's participants by balance, highest first. Bankrupt
// players rank below solvent ones; ties keep participant order.
func Standings(s *model.Session) []Standing {
	board := model.BoardOf(s.GameState)
	if board == nil {
		return nil
	}
	order := rankByBalance(board, s.Participants)
	out := make([]Standing, 0, len(order))
	for i, id := range order {
		p := board.Players[id]
		out = append(out, Standing{Rank: i + 1, UserID: id, Balance: p.Balance, Bankrupt: p.Bankrupt})
	}
	return out
}

// Standings returns the current standings of a session.
func (o *Orchestrator) Standings(ctx context.Context, sessionID string) ([]Standing, error) {
	s, err := o.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Standings(s), nil
}

func rankByBalance(board *model.Board, participants []string) []string {
	if board == nil {
		return nil
	}
	order := make([]string, 0, len(participants))
	for _, id := range participants {
		if _, ok := board.Players[id]; ok {
			order = append(order, id)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := board.Players[order[i]], board.Players[order[j]]
		if a.Bankrupt != b.Bankrupt {
			return !a.Bankrupt
		}
		return a.Balance > b.Balance
	})
	return order
}
