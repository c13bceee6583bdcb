package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"yuzu/coach/internal/callstate"
	"yuzu/coach/internal/types"
)

// Memory keeps sessions in process. It is the default when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*types.CallSession
	events   map[string][]types.Event
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*types.CallSession),
		events:   make(map[string][]types.Event),
	}
}

func (m *Memory) Create(_ context.Context, s *types.CallSession) error {
	if err := checkStatus(s.Status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	m.sessions[s.ID] = s.Clone()
	m.events[s.ID] = []types.Event{}
	sessionsCreated.Inc()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*types.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) ListByOwner(_ context.Context, ownerID string, skip, limit int) ([]*types.CallSession, int, error) {
	m.mu.RLock()
	var owned []*types.CallSession
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			owned = append(owned, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(owned, func(i, j int) bool { return owned[i].CreatedAt.After(owned[j].CreatedAt) })
	total := len(owned)
	if skip < 0 {
		skip = 0
	}
	if skip > total {
		skip = total
	}
	end := total
	if limit >= 0 && skip+limit < end {
		end = skip + limit
	}
	return owned[skip:end], total, nil
}

func (m *Memory) Complete(_ context.Context, id string, c types.Completion) (*types.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := callstate.Check(s.Status, types.StatusCompleted); err != nil {
		rejectedTransitions.WithLabelValues(string(s.Status), string(types.StatusCompleted)).Inc()
		return nil, err
	}
	if s.Transcript != nil || s.EndedAt != nil {
		return nil, ErrAlreadySet
	}
	d := c.DurationSeconds
	ended := c.EndedAt.UTC()
	s.DurationSeconds = &d
	s.Transcript = c.Transcript
	s.EmotionData = c.EmotionData
	s.ExternalChatID = c.ExternalChatID
	s.EndedAt = &ended
	statusTransitions.WithLabelValues(string(s.Status), string(types.StatusCompleted)).Inc()
	s.Status = types.StatusCompleted
	return s.Clone(), nil
}

func (m *Memory) SetStatus(_ context.Context, id string, to types.Status, results types.Results) (*types.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := callstate.Check(s.Status, to); err != nil {
		rejectedTransitions.WithLabelValues(string(s.Status), string(to)).Inc()
		return nil, err
	}
	statusTransitions.WithLabelValues(string(s.Status), string(to)).Inc()
	s.Status = to
	if results != nil {
		s.AnalysisResults = results
	}
	return s.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.events, id)
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, id, typ string, payload map[string]any) (types.Event, error) {
	evt := types.Event{Type: typ, Ts: time.Now().UTC(), Payload: payload}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return types.Event{}, ErrNotFound
	}
	m.events[id] = append(m.events[id], evt)
	if l := len(m.events[id]); l > maxEvents {
		// keep the newest events and leave room for one truncation marker
		keep := maxEvents - 1
		dropped := l - keep
		m.events[id] = append([]types.Event(nil), m.events[id][l-keep:]...)
		m.events[id] = append(m.events[id], types.Event{
			Type:    "events_truncated",
			Ts:      time.Now().UTC(),
			Payload: map[string]any{"session_id": id, "dropped": dropped, "kept": keep},
		})
	}
	return evt, nil
}

func (m *Memory) ListEvents(_ context.Context, id string) ([]types.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	src := m.events[id]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
