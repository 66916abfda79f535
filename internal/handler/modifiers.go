package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"bizsim/internal/game/modifier"
	"bizsim/internal/model"
)

// ErrAmbiguousID is returned when a short id prefix matches more than one item.
var ErrAmbiguousID = errors.New("id prefix matches more than one item")

const (
	eventUsage = "Usage: /event <single|multi> <rounds> <attr,attr> <x1.5|+50> <description>"
	ruleUsage  = "Usage: /rule <rounds> <attr,attr> <x1.5|+50|none> <description>"
)

// HandleEvent handles /event, adding a temporary event during review.
func (h *Handler) HandleEvent(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		args := c.Args()
		if len(args) < 5 {
			return c.Reply(eventUsage)
		}
		var kind model.ModifierKind
		switch strings.ToLower(args[0]) {
		case "single":
			kind = model.ModifierSingleRound
		case "multi":
			kind = model.ModifierMultiRound
		default:
			return c.Reply(eventUsage)
		}
		spec, err := modifierSpec(args[1:])
		if err != nil {
			return c.Reply(eventUsage)
		}
		spec.Kind = kind
		m, err := h.orch.AddTemporaryEvent(ctx, s.ID, actor, spec)
		if err != nil {
			return h.fail(c, err)
		}
		return c.Reply("Added " + FormatModifier(m))
	})(c)
}

// HandleRule handles /rule, adding a temporary rule during review.
func (h *Handler) HandleRule(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		args := c.Args()
		if len(args) < 4 {
			return c.Reply(ruleUsage)
		}
		spec, err := modifierSpec(args)
		if err != nil {
			return c.Reply(ruleUsage)
		}
		m, err := h.orch.AddTemporaryRule(ctx, s.ID, actor, spec)
		if err != nil {
			return h.fail(c, err)
		}
		return c.Reply("Added " + FormatModifier(m))
	})(c)
}

// modifierSpec reads <rounds> <attrs> <effect> <content...>.
func modifierSpec(args []string) (modifier.Spec, error) {
	rounds, err := ParseRound(args[0])
	if err != nil {
		return modifier.Spec{}, err
	}
	mult, flat, err := ParseEffect(args[2])
	if err != nil {
		return modifier.Spec{}, err
	}
	return modifier.Spec{
		SourceKind:         model.SourceEvent,
		Content:            strings.Join(args[3:], " "),
		AffectedAttributes: ParseAttributes(args[1]),
		Multiplier:         mult,
		FlatBonus:          flat,
		EffectiveRounds:    rounds,
	}, nil
}

// HandleProgress handles /progress <id> <n>.
func (h *Handler) HandleProgress(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		args := c.Args()
		if len(args) != 2 {
			return c.Reply("Usage: /progress <modifier id> <rounds done>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return c.Reply("Usage: /progress <modifier id> <rounds done>")
		}
		mods, err := h.orch.ListModifiers(ctx, s.ID, false)
		if err != nil {
			return h.fail(c, err)
		}
		id, err := resolveID(args[0], mods, func(m *model.Modifier) string { return m.ID })
		if err != nil {
			return c.Reply(err.Error())
		}
		m, err := h.orch.UpdateModifierProgress(ctx, s.ID, actor, id, n)
		if err != nil {
			return h.fail(c, err)
		}
		return c.Reply(FormatModifier(m))
	})(c)
}

// HandleModifiers handles /modifiers [all].
func (h *Handler) HandleModifiers(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, _ string) error {
		all := len(c.Args()) > 0 && c.Args()[0] == "all"
		mods, err := h.orch.ListModifiers(ctx, s.ID, !all)
		if err != nil {
			return h.fail(c, err)
		}
		if len(mods) == 0 {
			return c.Reply("No modifiers.")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Modifiers in round %d:\n", s.CurrentRound)
		for _, m := range mods {
			b.WriteString("\n" + FormatModifier(m))
		}
		return c.Reply(b.String())
	})(c)
}

// resolveID expands a full id or a unique prefix of one.
func resolveID[T any](prefix string, items []T, id func(T) string) (string, error) {
	var match string
	for _, it := range items {
		v := id(it)
		if v == prefix {
			return v, nil
		}
		if strings.HasPrefix(v, prefix) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", ErrAmbiguousID, prefix)
			}
			match = v
		}
	}
	if match == "" {
		return prefix, nil
	}
	return match, nil
}
