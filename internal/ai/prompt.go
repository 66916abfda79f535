package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"bizsim/internal/game/modifier"
	"bizsim/internal/model"
)

// systemPrompt fixes the output contract every adapter expects from the model.
const systemPrompt = `You are the game master of a turn-based business simulation.
Resolve the round from the players' decisions, the board, the active effects and the rules.
Reply with a single JSON object and nothing else:
{"narrative": string,
 "deltas": [{"user_id": string, "balance": number, "attributes": {string: number}, "note": string}],
 "ranking": [user_id, ...],
 "risks": [string], "opportunities": [string],
 "achievements": [{"user_id": string, "name": string, "description": string}]}
Deltas are changes, not totals. Effects listed under active_effects are applied by the engine afterwards; do not apply them yourself.`

// DecisionView is a decision as shown to the model.
type DecisionView struct {
	UserID      string                `json:"user_id"`
	Decision    model.DecisionPayload `json:"decision"`
	SubmittedBy string                `json:"submitted_by,omitempty"`
}

// ModifierView is an active modifier as shown to the model.
type ModifierView struct {
	Content    string          `json:"content"`
	Kind       string          `json:"kind"`
	Source     string          `json:"source"`
	Attributes []string        `json:"attributes"`
	Multiplier *float64        `json:"multiplier,omitempty"`
	FlatBonus  *float64        `json:"flat_bonus,omitempty"`
	Progress   *model.Progress `json:"progress,omitempty"`
}

// PromptContext is everything a round resolution is based on.
type PromptContext struct {
	SessionID     string                     `json:"session_id"`
	Round         int                        `json:"round"`
	TotalRounds   *int                       `json:"total_rounds,omitempty"`
	RuleText      string                     `json:"rules,omitempty"`
	Participants  []string                   `json:"participants"`
	Decisions     []DecisionView             `json:"decisions"`
	Modifiers     []ModifierView             `json:"active_modifiers"`
	Effects       map[string]modifier.Effect `json:"active_effects,omitempty"`
	Board         *model.Board               `json:"board"`
	PreviousRound *model.RoundResult         `json:"previous_result,omitempty"`
}

// NewPromptContext assembles the context for session s from its round decisions, its
// modifier engine and the previous round's result, if any.
func NewPromptContext(s *model.Session, decisions []*model.Decision, engine *modifier.Engine, previous *model.RoundResult) *PromptContext {
	pc := &PromptContext{
		SessionID:     s.ID,
		Round:         s.CurrentRound,
		TotalRounds:   s.TotalRounds,
		RuleText:      s.RuleText,
		Participants:  s.Participants,
		Decisions:     make([]DecisionView, 0, len(decisions)),
		Modifiers:     []ModifierView{},
		Board:         model.BoardOf(s.GameState),
		PreviousRound: previous,
	}
	for _, d := range decisions {
		v := DecisionView{UserID: d.UserID, Decision: d.Payload}
		if d.SubmittedBy != d.UserID {
			v.SubmittedBy = d.SubmittedBy
		}
		pc.Decisions = append(pc.Decisions, v)
	}
	if engine != nil {
		for _, m := range engine.Active() {
			pc.Modifiers = append(pc.Modifiers, ModifierView{
				Content:    m.Content,
				Kind:       string(m.Kind),
				Source:     string(m.SourceKind),
				Attributes: m.AffectedAttributes,
				Multiplier: m.Multiplier,
				FlatBonus:  m.FlatBonus,
				Progress:   m.Progress,
			})
		}
		pc.Effects = engine.Effects()
	}
	return pc
}

// BuildRequest renders pc into a provider request for cfg.
func BuildRequest(pc *PromptContext, cfg model.AIConfig) (Request, error) {
	body, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return Request{}, fmt.Errorf("failed to encode prompt context: %w", err)
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Resolve round %d.\n", pc.Round)
	if pc.TotalRounds != nil && pc.Round >= *pc.TotalRounds {
		user.WriteString("This is the final round.\n")
	}
	user.Write(body)

	return Request{
		SessionID:    pc.SessionID,
		Round:        pc.Round,
		SystemPrompt: systemPrompt,
		UserPrompt:   user.String(),
		Config:       cfg,
		Data:         pc,
	}, nil
}
