package repository

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"

	"bizsim/internal/model"
)

type decisionKey struct {
	sessionID string
	userID    string
	round     int
}

type memData struct {
	seq       int64
	sessions  map[string]*model.Session
	decisions map[decisionKey]*model.Decision
	modifiers map[string]*model.Modifier
	tasks     map[string]*model.InferenceTask
	snapshots map[string]*model.Snapshot
	trades    map[string]*model.Trade
	order     map[string]int64
}

func newMemData() *memData {
	return &memData{
		sessions:  make(map[string]*model.Session),
		decisions: make(map[decisionKey]*model.Decision),
		modifiers: make(map[string]*model.Modifier),
		tasks:     make(map[string]*model.InferenceTask),
		snapshots: make(map[string]*model.Snapshot),
		trades:    make(map[string]*model.Trade),
		order:     make(map[string]int64),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	c.seq = d.seq
	for k, v := range d.sessions {
		c.sessions[k] = v.Clone()
	}
	for k, v := range d.decisions {
		c.decisions[k] = v.Clone()
	}
	for k, v := range d.modifiers {
		c.modifiers[k] = v.Clone()
	}
	for k, v := range d.tasks {
		c.tasks[k] = cloneTask(v)
	}
	for k, v := range d.snapshots {
		c.snapshots[k] = cloneSnapshot(v)
	}
	for k, v := range d.trades {
		c.trades[k] = cloneTrade(v)
	}
	for k, v := range d.order {
		c.order[k] = v
	}
	return c
}

func (d *memData) stamp(id string) {
	d.seq++
	d.order[id] = d.seq
}

// Memory implements Store in process memory. It enforces the same guards as Postgres.
// A transaction works on a copy of the data that replaces the original on success.
type Memory struct {
	mu   sync.Mutex
	data *memData
	tx   bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

// InTx runs fn against a private copy and commits the copy if fn succeeds.
// Other callers block until the transaction ends.
func (m *Memory) InTx(ctx context.Context, fn func(tx Store) error) error {
	if m.tx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	txStore := &Memory{data: m.data.clone(), tx: true}
	if err := fn(txStore); err != nil {
		return err
	}
	m.data = txStore.data
	return nil
}

func (m *Memory) CreateSession(_ context.Context, s *model.Session) error {
	if err := model.ValidateStateForPhase(s.Phase, s.GameState); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Status == model.StatusActive {
		for _, other := range m.data.sessions {
			if other.RoomID == s.RoomID && other.Status == model.StatusActive {
				return ErrRoomBusy
			}
		}
	}
	s.Version = 1
	s.UpdatedAt = s.CreatedAt
	m.data.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.data.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) GetActiveSessionByRoom(_ context.Context, roomID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.data.sessions {
		if s.RoomID == roomID && s.Status == model.StatusActive {
			return s.Clone(), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *Memory) UpdateSession(_ context.Context, s *model.Session) error {
	if err := model.ValidateStateForPhase(s.Phase, s.GameState); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.data.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if stored.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	m.data.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) UpsertDecision(_ context.Context, d *model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.data.sessions[d.SessionID]
	if !ok || s.Phase != model.PhaseDecision || s.CurrentRound != d.Round {
		return ErrRoundClosed
	}
	m.data.decisions[decisionKey{d.SessionID, d.UserID, d.Round}] = d.Clone()
	return nil
}

func (m *Memory) ListDecisions(_ context.Context, sessionID string, round int) ([]*model.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.decisionsWhere(func(k decisionKey) bool {
		return k.sessionID == sessionID && k.round == round
	}), nil
}

func (m *Memory) ListAllDecisions(_ context.Context, sessionID string) ([]*model.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.decisionsWhere(func(k decisionKey) bool { return k.sessionID == sessionID }), nil
}

func (m *Memory) decisionsWhere(match func(decisionKey) bool) []*model.Decision {
	var out []*model.Decision
	for k, d := range m.data.decisions {
		if match(k) {
			out = append(out, d.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Decision) int {
		return cmp.Or(
			cmp.Compare(a.Round, b.Round),
			a.SubmittedAt.Compare(b.SubmittedAt),
			cmp.Compare(a.UserID, b.UserID),
		)
	})
	return out
}

func (m *Memory) CountDecisions(ctx context.Context, sessionID string, round int) (int, error) {
	list, err := m.ListDecisions(ctx, sessionID, round)
	return len(list), err
}

func (m *Memory) MarkDecisionsReviewed(_ context.Context, sessionID string, round int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, d := range m.data.decisions {
		if k.sessionID == sessionID && k.round == round {
			d.Status = model.DecisionReviewed
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteDecisions(_ context.Context, sessionID string, round int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.data.decisions {
		if k.sessionID == sessionID && k.round == round {
			delete(m.data.decisions, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ReplaceDecisions(_ context.Context, sessionID string, decisions []*model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.data.decisions {
		if k.sessionID == sessionID {
			delete(m.data.decisions, k)
		}
	}
	for _, d := range decisions {
		c := d.Clone()
		c.SessionID = sessionID
		m.data.decisions[decisionKey{sessionID, c.UserID, c.Round}] = c
	}
	return nil
}

func (m *Memory) CreateModifier(_ context.Context, mod *model.Modifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.modifiers[mod.ID] = mod.Clone()
	m.data.stamp(mod.ID)
	return nil
}

func (m *Memory) GetModifier(_ context.Context, id string) (*model.Modifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mod, ok := m.data.modifiers[id]
	if !ok {
		return nil, ErrModifierNotFound
	}
	return mod.Clone(), nil
}

func (m *Memory) UpdateModifier(_ context.Context, mod *model.Modifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.data.modifiers[mod.ID]
	if !ok {
		return ErrModifierNotFound
	}
	c := stored.Clone()
	if mod.Progress != nil {
		p := *mod.Progress
		c.Progress = &p
	} else {
		c.Progress = nil
	}
	c.CompletedAt = mod.Clone().CompletedAt
	m.data.modifiers[mod.ID] = c
	return nil
}

func (m *Memory) ListModifiers(_ context.Context, sessionID string) ([]*model.Modifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Modifier
	for _, mod := range m.data.modifiers {
		if mod.SessionID == sessionID {
			out = append(out, mod.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Modifier) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(m.data.order[a.ID], m.data.order[b.ID]))
	})
	return out, nil
}

func (m *Memory) ReplaceModifiers(_ context.Context, sessionID string, modifiers []*model.Modifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, mod := range m.data.modifiers {
		if mod.SessionID == sessionID {
			delete(m.data.modifiers, id)
		}
	}
	for _, mod := range modifiers {
		c := mod.Clone()
		c.SessionID = sessionID
		m.data.modifiers[c.ID] = c
		m.data.stamp(c.ID)
	}
	return nil
}

func (m *Memory) CreateTask(_ context.Context, t *model.InferenceTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !t.Status.Terminal() {
		for _, other := range m.data.tasks {
			if other.SessionID == t.SessionID && other.Round == t.Round && !other.Status.Terminal() {
				return ErrTaskInFlight
			}
		}
	}
	m.data.tasks[t.ID] = cloneTask(t)
	m.data.stamp(t.ID)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.InferenceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.data.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (m *Memory) GetPendingTask(_ context.Context, sessionID string, round int) (*model.InferenceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.data.tasks {
		if t.SessionID == sessionID && t.Round == round && !t.Status.Terminal() {
			return cloneTask(t), nil
		}
	}
	return nil, ErrTaskNotFound
}

func (m *Memory) LatestTask(_ context.Context, sessionID string, round int) (*model.InferenceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *model.InferenceTask
	for _, t := range m.data.tasks {
		if t.SessionID != sessionID || t.Round != round {
			continue
		}
		if latest == nil || m.data.order[t.ID] > m.data.order[latest.ID] {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrTaskNotFound
	}
	return cloneTask(latest), nil
}

func (m *Memory) UpdateTask(_ context.Context, t *model.InferenceTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	m.data.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) CreateSnapshot(_ context.Context, snap *model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.snapshots[snap.ID] = cloneSnapshot(snap)
	m.data.stamp(snap.ID)
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, id string) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.data.snapshots[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return cloneSnapshot(snap), nil
}

func (m *Memory) LatestSnapshotBefore(_ context.Context, sessionID string, beforeRound int) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *model.Snapshot
	for _, snap := range m.data.snapshots {
		if snap.SessionID != sessionID || snap.Round >= beforeRound {
			continue
		}
		if best == nil || snap.Round > best.Round || (snap.Round == best.Round && m.newerSnapshot(snap, best)) {
			best = snap
		}
	}
	if best == nil {
		return nil, ErrSnapshotNotFound
	}
	return cloneSnapshot(best), nil
}

// newerSnapshot orders snapshots of one round: auto before manual, then by write order.
func (m *Memory) newerSnapshot(a, b *model.Snapshot) bool {
	aAuto, bAuto := a.Reason == model.SnapshotAuto, b.Reason == model.SnapshotAuto
	if aAuto != bAuto {
		return aAuto
	}
	return m.data.order[a.ID] > m.data.order[b.ID]
}

func (m *Memory) ListSnapshots(_ context.Context, sessionID string) ([]*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Snapshot
	for _, snap := range m.data.snapshots {
		if snap.SessionID == sessionID {
			out = append(out, cloneSnapshot(snap))
		}
	}
	slices.SortFunc(out, func(a, b *model.Snapshot) int {
		return cmp.Compare(m.data.order[b.ID], m.data.order[a.ID])
	})
	return out, nil
}

func (m *Memory) CreateTrade(_ context.Context, t *model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.trades[t.ID] = cloneTrade(t)
	m.data.stamp(t.ID)
	return nil
}

func (m *Memory) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.data.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return cloneTrade(t), nil
}

func (m *Memory) UpdateTrade(_ context.Context, t *model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.data.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	c := cloneTrade(stored)
	c.Status = t.Status
	c.ResolvedAt = cloneTrade(t).ResolvedAt
	m.data.trades[t.ID] = c
	return nil
}

func (m *Memory) ListTrades(_ context.Context, sessionID string, status model.TradeStatus) ([]*model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Trade
	for _, t := range m.data.trades {
		if t.SessionID == sessionID && (status == "" || t.Status == status) {
			out = append(out, cloneTrade(t))
		}
	}
	slices.SortFunc(out, func(a, b *model.Trade) int {
		return cmp.Compare(m.data.order[a.ID], m.data.order[b.ID])
	})
	return out, nil
}

func cloneTask(t *model.InferenceTask) *model.InferenceTask {
	c := *t
	if t.Result != nil {
		c.Result = cloneJSON(t.Result)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneSnapshot(s *model.Snapshot) *model.Snapshot {
	c := *s
	c.Payload.Session = s.Payload.Session.Clone()
	c.Payload.Decisions = make([]*model.Decision, len(s.Payload.Decisions))
	for i, d := range s.Payload.Decisions {
		c.Payload.Decisions[i] = d.Clone()
	}
	c.Payload.Modifiers = make([]*model.Modifier, len(s.Payload.Modifiers))
	for i, mod := range s.Payload.Modifiers {
		c.Payload.Modifiers[i] = mod.Clone()
	}
	return &c
}

func cloneTrade(t *model.Trade) *model.Trade {
	c := *t
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// cloneJSON deep-copies v through its JSON form.
func cloneJSON[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var c T
	if err := json.Unmarshal(b, &c); err != nil {
		return v
	}
	return &c
}
