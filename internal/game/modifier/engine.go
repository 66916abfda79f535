package modifier

import (
	"sort"
	"time"

	"bizsim/internal/model"
)

// Effect is the combined adjustment to one attribute.
type Effect struct {
	Multiplier float64 `json:"multiplier"`
	FlatBonus  float64 `json:"flat_bonus"`
}

// Engine evaluates a session's modifiers at a given round. It does not own the
// modifiers; callers persist whatever Advance or ExpireSingleRound changed.
type Engine struct {
	modifiers []*model.Modifier
	round     int
}

// NewEngine wraps the modifiers of one session as seen from round.
func NewEngine(modifiers []*model.Modifier, round int) *Engine {
	return &Engine{modifiers: modifiers, round: round}
}

// Active returns the modifiers in effect, oldest first.
func (e *Engine) Active() []*model.Modifier {
	out := make([]*model.Modifier, 0, len(e.modifiers))
	for _, m := range e.modifiers {
		if IsActive(m, e.round) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ComputeMultiplier is the product of the active multipliers on attr.
func (e *Engine) ComputeMultiplier(attr string) float64 {
	product := 1.0
	for _, m := range e.Active() {
		if m.Multiplier != nil && m.Affects(attr) {
			product *= *m.Multiplier
		}
	}
	return product
}

// ComputeFlatBonus is the sum of the active flat bonuses on attr.
func (e *Engine) ComputeFlatBonus(attr string) float64 {
	sum := 0.0
	for _, m := range e.Active() {
		if m.FlatBonus != nil && m.Affects(attr) {
			sum += *m.FlatBonus
		}
	}
	return sum
}

// Apply adjusts value for attr: multiply first, then add the flat bonus.
func (e *Engine) Apply(attr string, value float64) float64 {
	return value*e.ComputeMultiplier(attr) + e.ComputeFlatBonus(attr)
}

// Effects returns the combined effect for every attribute touched by an active modifier.
func (e *Engine) Effects() map[string]Effect {
	effects := make(map[string]Effect)
	for _, m := range e.Active() {
		for _, attr := range m.AffectedAttributes {
			if _, ok := effects[attr]; ok {
				continue
			}
			effects[attr] = Effect{
				Multiplier: e.ComputeMultiplier(attr),
				FlatBonus:  e.ComputeFlatBonus(attr),
			}
		}
	}
	return effects
}

// AdvanceAll advances every active tracked modifier by one completed inference and
// returns the modifiers that changed and the subset that completed.
func (e *Engine) AdvanceAll(now time.Time) (advanced, completed []*model.Modifier) {
	for _, m := range e.Active() {
		if !m.Kind.Tracked() {
			continue
		}
		done, err := Advance(m, now)
		if err != nil {
			continue
		}
		advanced = append(advanced, m)
		if done {
			completed = append(completed, m)
		}
	}
	return advanced, completed
}

// ExpireSingleRound stamps completedAt on single_round modifiers that no longer apply
// once the match moves to nextRound.
func (e *Engine) ExpireSingleRound(nextRound int, now time.Time) []*model.Modifier {
	var expired []*model.Modifier
	for _, m := range e.modifiers {
		if m.Kind.Tracked() || m.CompletedAt != nil {
			continue
		}
		if nextRound > m.CreatedRound {
			t := now
			m.CompletedAt = &t
			expired = append(expired, m)
		}
	}
	return expired
}
