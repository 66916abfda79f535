package handler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"bizsim/internal/model"
	"bizsim/internal/service"
)

// FormatSession renders the state of a match.
func FormatSession(s *model.Session, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d", s.CurrentRound)
	if s.TotalRounds != nil {
		fmt.Fprintf(&b, " of %d", *s.TotalRounds)
	}
	fmt.Fprintf(&b, ", phase %s\n", s.Phase)
	if s.DecisionDeadline != nil {
		left := s.DecisionDeadline.Sub(now).Round(time.Second)
		if left > 0 {
			fmt.Fprintf(&b, "Decisions close in %s\n", left)
		} else {
			b.WriteString("Decision deadline passed\n")
		}
	}
	fmt.Fprintf(&b, "Players: %d\n\n", len(s.Participants))
	b.WriteString(FormatStandings(service.Standings(s)))
	return b.String()
}

// FormatStandings renders a ranking.
func FormatStandings(standings []service.Standing) string {
	if len(standings) == 0 {
		return "No players yet."
	}
	var b strings.Builder
	for _, st := range standings {
		fmt.Fprintf(&b, "%d. %s  %.2f", st.Rank, st.UserID, st.Balance)
		if st.Bankrupt {
			b.WriteString(" (bankrupt)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatResult renders the inference of a round.
func FormatResult(v *service.InferenceView) string {
	if v.Result == nil {
		switch v.Status {
		case model.TaskPending:
			return fmt.Sprintf("Round %d is still being resolved.", v.Round)
		case model.TaskFailed:
			return fmt.Sprintf("Round %d failed after %d attempts: %s", v.Round, v.Attempts, v.Error)
		default:
			return fmt.Sprintf("Round %d has no result (%s).", v.Round, v.Status)
		}
	}
	res := v.Result
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d\n\n%s\n", v.Round, res.Narrative)
	if len(res.Deltas) > 0 {
		b.WriteString("\nChanges:\n")
		for _, d := range res.Deltas {
			fmt.Fprintf(&b, "%s  %+.2f", d.UserID, d.Balance)
			keys := make([]string, 0, len(d.Attributes))
			for k := range d.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, ", %s %+g", k, d.Attributes[k])
			}
			if d.Note != "" {
				fmt.Fprintf(&b, " (%s)", d.Note)
			}
			b.WriteByte('\n')
		}
	}
	for _, a := range res.Achievements {
		fmt.Fprintf(&b, "Achievement for %s: %s\n", a.UserID, a.Name)
	}
	if res.Partial {
		b.WriteString("\nThe AI answer could only be read in part.")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatModifier renders one modifier on a line.
func FormatModifier(m *model.Modifier) string {
	line := fmt.Sprintf("[%s] %s %s on %s", short(m.ID), m.Kind, FormatEffect(m.Multiplier, m.FlatBonus), strings.Join(m.AffectedAttributes, ","))
	if m.Progress != nil {
		line += fmt.Sprintf(" %d/%d", m.Progress.Current, m.Progress.Total)
	}
	if m.CompletedAt != nil {
		line += " done"
	}
	return line + ": " + m.Content
}

// FormatEvent renders a broadcast for the chat. It reports false for events the
// chat is not told about.
func FormatEvent(ev model.Event) (string, bool) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", false
	}
	p := gjson.ParseBytes(raw)

	switch ev.Type {
	case model.EventRoundStageChanged:
		from, to := p.Get("from").String(), p.Get("to").String()
		if from == "" {
			return fmt.Sprintf("Match started. Round %d is open, submit with /decide.", ev.Round), true
		}
		if to == string(model.PhaseFinished) || to == string(model.PhaseDecision) && from == string(model.PhaseResult) {
			return "", false
		}
		msg := fmt.Sprintf("Round %d: %s -> %s", ev.Round, from, to)
		if action := p.Get("action").String(); action != "" {
			msg += " (" + action + ")"
		}
		return msg, true
	case model.EventDecisionSubmitted:
		return fmt.Sprintf("Decision received, %d so far.", p.Get("count").Int()), true
	case model.EventInferenceStarted:
		return fmt.Sprintf("The AI is resolving round %d.", ev.Round), true
	case model.EventInferenceProgress:
		return fmt.Sprintf("Attempt %d of %d failed, retrying in %.0fs.",
			p.Get("attempt").Int(), p.Get("max_attempts").Int(), p.Get("retry_in_seconds").Float()), true
	case model.EventInferenceCompleted:
		return fmt.Sprintf("Round %d is resolved. Read it with /result.", ev.Round), true
	case model.EventInferenceFailed:
		return fmt.Sprintf("The AI failed after %d attempts: %s\nThe host can /infer again.",
			p.Get("attempts").Int(), p.Get("error").String()), true
	case model.EventRoundChanged:
		return fmt.Sprintf("Round %d begins. Submit with /decide.", p.Get("to").Int()), true
	case model.EventModifierProgress:
		if prog := p.Get("progress"); prog.Exists() {
			return fmt.Sprintf("Modifier %q at %d/%d.", p.Get("content").String(), prog.Get("current").Int(), prog.Get("total").Int()), true
		}
		return fmt.Sprintf("Modifier %q applies this round.", p.Get("content").String()), true
	case model.EventModifierCompleted:
		return fmt.Sprintf("Modifier %q has ended.", p.Get("content").String()), true
	case model.EventGameRestored:
		return fmt.Sprintf("The match was restored to round %d, phase %s.", ev.Round, ev.Phase), true
	case model.EventGameFinished:
		var b strings.Builder
		b.WriteString("The match is over.\n")
		for _, st := range p.Array() {
			fmt.Fprintf(&b, "\n%d. %s  %.2f", st.Get("rank").Int(), st.Get("user_id").String(), st.Get("balance").Float())
		}
		return b.String(), true
	case model.EventTradeUpdated:
		return fmt.Sprintf("Trade %s from %s to %s is %s.", short(p.Get("id").String()), p.Get("from_user").String(), p.Get("to_user").String(), p.Get("status").String()), true
	}
	return "", false
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
