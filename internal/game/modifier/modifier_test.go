package modifier

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"bizsim/internal/model"
)

func f(v float64) *float64 { return &v }

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestNewValidation(t *testing.T) {
	base := Spec{
		SourceKind:         model.SourceEvent,
		Kind:               model.ModifierMultiRound,
		Content:            "Drought",
		AffectedAttributes: []string{"harvest"},
		Multiplier:         f(0.5),
		EffectiveRounds:    2,
	}

	tests := []struct {
		name   string
		mutate func(*Spec)
		want   error
	}{
		{"bad kind", func(s *Spec) { s.Kind = "forever" }, ErrInvalidKind},
		{"bad source", func(s *Spec) { s.SourceKind = "rumor" }, ErrInvalidSource},
		{"empty content", func(s *Spec) { s.Content = "  " }, ErrEmptyContent},
		{"no attributes", func(s *Spec) { s.AffectedAttributes = []string{" "} }, ErrNoAttributes},
		{"zero rounds", func(s *Spec) { s.EffectiveRounds = 0 }, ErrInvalidDuration},
		{"event without effect", func(s *Spec) { s.Multiplier = nil }, ErrNoEffect},
		{"negative multiplier", func(s *Spec) { s.Multiplier = f(-1) }, ErrNegativeMultiplier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.mutate(&spec)
			_, err := New("s1", 1, spec, t0)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	rule := base
	rule.Kind = model.ModifierRule
	rule.Multiplier = nil
	m, err := New("s1", 1, rule, t0)
	require.NoError(t, err)
	assert.Nil(t, m.Multiplier)
	assert.Nil(t, m.FlatBonus)
	e := NewEngine([]*model.Modifier{m}, 1)
	assert.Equal(t, 1.0, e.ComputeMultiplier("harvest"))
	assert.Equal(t, 0.0, e.ComputeFlatBonus("harvest"))

	single := base
	single.Kind = model.ModifierSingleRound
	single.EffectiveRounds = 0
	m, err = New("s1", 4, single, t0)
	require.NoError(t, err)
	assert.Nil(t, m.Progress)
	assert.Equal(t, 1, m.EffectiveRounds)
}

func TestMultiRoundLifecycle(t *testing.T) {
	m, err := New("s1", 2, Spec{
		SourceKind:         model.SourceHexagram,
		Kind:               model.ModifierMultiRound,
		Content:            "Market boom",
		AffectedAttributes: []string{"Revenue", "revenue"},
		Multiplier:         f(1.5),
		EffectiveRounds:    3,
	}, t0)
	require.NoError(t, err)
	require.NotNil(t, m.Progress)
	assert.Equal(t, model.Progress{Current: 0, Total: 3}, *m.Progress)
	assert.Equal(t, []string{"revenue"}, m.AffectedAttributes)

	for round := 2; round <= 4; round++ {
		e := NewEngine([]*model.Modifier{m}, round)
		require.Len(t, e.Active(), 1, "round %d", round)
		advanced, completed := e.AdvanceAll(t0.Add(time.Duration(round) * time.Hour))
		assert.Len(t, advanced, 1)
		if round < 4 {
			assert.Empty(t, completed)
		} else {
			assert.Len(t, completed, 1)
		}
	}

	assert.Equal(t, 3, m.Progress.Current)
	require.NotNil(t, m.CompletedAt)
	assert.Empty(t, NewEngine([]*model.Modifier{m}, 5).Active())

	_, err = Advance(m, t0)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestSingleRoundExpiry(t *testing.T) {
	m, err := New("s1", 3, Spec{
		SourceKind:         model.SourceEvent,
		Kind:               model.ModifierSingleRound,
		Content:            "Flash sale",
		AffectedAttributes: []string{model.AttrBalance},
		FlatBonus:          f(100),
	}, t0)
	require.NoError(t, err)

	assert.True(t, IsActive(m, 3))
	assert.False(t, IsActive(m, 4))

	e := NewEngine([]*model.Modifier{m}, 3)
	advanced, _ := e.AdvanceAll(t0)
	assert.Empty(t, advanced, "single round modifiers carry no progress")

	_, err = Advance(m, t0)
	assert.ErrorIs(t, err, ErrNotTracked)

	expired := e.ExpireSingleRound(4, t0)
	require.Len(t, expired, 1)
	assert.NotNil(t, m.CompletedAt)
}

func TestMultiplyThenAdd(t *testing.T) {
	mods := []*model.Modifier{
		{ID: "a", Kind: model.ModifierRule, AffectedAttributes: []string{"revenue"}, Multiplier: f(2), Progress: &model.Progress{Total: 2}, CreatedAt: t0},
		{ID: "b", Kind: model.ModifierRule, AffectedAttributes: []string{"revenue"}, Multiplier: f(1.5), FlatBonus: f(10), Progress: &model.Progress{Total: 2}, CreatedAt: t0.Add(time.Second)},
		{ID: "c", Kind: model.ModifierRule, AffectedAttributes: []string{"cost"}, FlatBonus: f(-5), Progress: &model.Progress{Total: 2}, CreatedAt: t0.Add(2 * time.Second)},
		{ID: "done", Kind: model.ModifierRule, AffectedAttributes: []string{"revenue"}, Multiplier: f(100), Progress: &model.Progress{Current: 2, Total: 2}, CreatedAt: t0},
	}
	e := NewEngine(mods, 1)

	assert.InDelta(t, 3.0, e.ComputeMultiplier("revenue"), 1e-9)
	assert.InDelta(t, 10.0, e.ComputeFlatBonus("revenue"), 1e-9)
	assert.InDelta(t, 1.0, e.ComputeMultiplier("cost"), 1e-9)
	assert.InDelta(t, 0.0, e.ComputeFlatBonus("unknown"), 1e-9)
	assert.InDelta(t, 310.0, e.Apply("revenue", 100), 1e-9)
	assert.InDelta(t, 95.0, e.Apply("cost", 100), 1e-9)

	effects := e.Effects()
	assert.Equal(t, Effect{Multiplier: 3, FlatBonus: 10}, effects["revenue"])
	assert.Equal(t, Effect{Multiplier: 1, FlatBonus: -5}, effects["cost"])
	assert.Len(t, effects, 2)
}

// TestProgressNeverExceedsTotalProperty advances random tracked modifiers an arbitrary
// number of times and checks progress stays bounded and completion is permanent.
func TestProgressNeverExceedsTotalProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(1, 8).Draw(t, "total")
		kind := rapid.SampledFrom([]model.ModifierKind{model.ModifierMultiRound, model.ModifierRule}).Draw(t, "kind")
		m, err := New("s", 1, Spec{
			SourceKind:         model.SourceEvent,
			Kind:               kind,
			Content:            "effect",
			AffectedAttributes: []string{"x"},
			FlatBonus:          f(1),
			EffectiveRounds:    total,
		}, t0)
		if err != nil {
			t.Fatalf("new: %v", err)
		}

		ticks := rapid.IntRange(0, 20).Draw(t, "ticks")
		for i := 0; i < ticks; i++ {
			e := NewEngine([]*model.Modifier{m}, 1+i)
			wasActive := IsActive(m, 1+i)
			e.AdvanceAll(t0)
			if m.Progress.Current > m.Progress.Total {
				t.Fatalf("progress %d exceeds total %d", m.Progress.Current, m.Progress.Total)
			}
			if !wasActive && IsActive(m, 1+i) {
				t.Fatal("completed modifier reactivated")
			}
		}

		want := ticks
		if want > total {
			want = total
		}
		if m.Progress.Current != want {
			t.Fatalf("expected progress %d, got %d", want, m.Progress.Current)
		}
		if (m.CompletedAt != nil) != (ticks >= total) {
			t.Fatalf("completedAt=%v after %d of %d ticks", m.CompletedAt, ticks, total)
		}
	})
}

// TestApplyOrderProperty checks that Apply always equals value*product+sum regardless
// of how many modifiers stack.
func TestApplyOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		mods := make([]*model.Modifier, 0, n)
		product, sum := 1.0, 0.0
		for i := 0; i < n; i++ {
			m := &model.Modifier{
				Kind:               model.ModifierRule,
				AffectedAttributes: []string{"x"},
				Progress:           &model.Progress{Total: 3},
				CreatedAt:          t0.Add(time.Duration(i) * time.Second),
			}
			if rapid.Bool().Draw(t, "hasMult") {
				v := rapid.Float64Range(0, 3).Draw(t, "mult")
				m.Multiplier = &v
				product *= v
			}
			if rapid.Bool().Draw(t, "hasBonus") {
				v := rapid.Float64Range(-50, 50).Draw(t, "bonus")
				m.FlatBonus = &v
				sum += v
			}
			mods = append(mods, m)
		}
		value := rapid.Float64Range(-1000, 1000).Draw(t, "value")

		got := NewEngine(mods, 1).Apply("x", value)
		want := value*product + sum
		if math.Abs(got-want) > 1e-6 {
			t.Fatalf("apply: got %v want %v", got, want)
		}
	})
}
