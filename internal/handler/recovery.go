package handler

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"bizsim/internal/model"
)

// HandleAnomalies handles /anomalies.
func (h *Handler) HandleAnomalies(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, _ string) error {
		found, err := h.orch.DetectAnomalies(ctx, s.ID)
		if err != nil {
			return h.fail(c, err)
		}
		if len(found) == 0 {
			return c.Reply("Everything looks fine.")
		}
		var b strings.Builder
		b.WriteString("Anomalies:\n")
		for _, a := range found {
			fmt.Fprintf(&b, "\n[%s] round %d: %s", a.Kind, a.Round, a.Message)
			if a.Suggested != "" {
				fmt.Fprintf(&b, "\n  fix with /recover %s", a.Suggested)
			}
		}
		return c.Reply(b.String())
	})(c)
}

// HandleRecover handles /recover <action>.
func (h *Handler) HandleRecover(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		args := c.Args()
		if len(args) != 1 {
			actions := make([]string, 0, len(model.RecoveryActions()))
			for _, a := range model.RecoveryActions() {
				actions = append(actions, string(a))
			}
			return c.Reply("Usage: /recover <action>\nActions: " + strings.Join(actions, ", "))
		}
		report, err := h.orch.ExecuteRecovery(ctx, s.ID, actor, model.RecoveryAction(args[0]))
		if err != nil {
			return h.fail(c, err)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%s done. Round %d, %s.", report.Action, report.Session.CurrentRound, report.Session.Phase)
		if n := len(report.InvalidatedTasks); n > 0 {
			fmt.Fprintf(&b, "\nDiscarded %d AI task(s).", n)
		}
		if report.DeletedDecisions > 0 {
			fmt.Fprintf(&b, "\nRemoved %d decision(s).", report.DeletedDecisions)
		}
		for _, r := range report.Repairs {
			b.WriteString("\n" + r)
		}
		return c.Reply(b.String())
	})(c)
}

// HandleSnapshot handles /snapshot.
func (h *Handler) HandleSnapshot(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		snap, err := h.orch.CreateSnapshot(ctx, s.ID, actor)
		if err != nil {
			return h.fail(c, err)
		}
		return c.Reply(fmt.Sprintf("Snapshot %s saved at round %d.", short(snap.ID), snap.Round))
	})(c)
}

// HandleSnapshots handles /snapshots.
func (h *Handler) HandleSnapshots(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, _ string) error {
		snaps, err := h.orch.ListSnapshots(ctx, s.ID)
		if err != nil {
			return h.fail(c, err)
		}
		if len(snaps) == 0 {
			return c.Reply("No snapshots yet.")
		}
		var b strings.Builder
		b.WriteString("Snapshots:\n")
		for _, snap := range snaps {
			fmt.Fprintf(&b, "\n%s round %d (%s) %s", short(snap.ID), snap.Round, snap.Reason, snap.CreatedAt.Format("15:04:05"))
		}
		return c.Reply(b.String())
	})(c)
}

// HandleRestore handles /restore <snapshot id>.
func (h *Handler) HandleRestore(c tele.Context) error {
	return h.inMatch(func(ctx context.Context, c tele.Context, s *model.Session, actor string) error {
		args := c.Args()
		if len(args) != 1 {
			return c.Reply("Usage: /restore <snapshot id>")
		}
		snaps, err := h.orch.ListSnapshots(ctx, s.ID)
		if err != nil {
			return h.fail(c, err)
		}
		id, err := resolveID(args[0], snaps, func(s *model.Snapshot) string { return s.ID })
		if err != nil {
			return c.Reply(err.Error())
		}
		if _, err := h.orch.RestoreSnapshot(ctx, actor, id); err != nil {
			return h.fail(c, err)
		}
		return nil
	})(c)
}
