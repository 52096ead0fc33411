package store

import (
	"context"
	"sync"

	"daysync/internal/model"
)

type dayKey struct {
	user string
	date string
}

// Memory is an in-process Store. Values are copied in and out.
type Memory struct {
	mu        sync.RWMutex
	timelines map[dayKey][]model.TimelineItem
	done      map[dayKey]map[string]bool
	tokens    map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		timelines: make(map[dayKey][]model.TimelineItem),
		done:      make(map[dayKey]map[string]bool),
		tokens:    make(map[string]string),
	}
}

func (m *Memory) LoadTimeline(_ context.Context, userID, date string) ([]model.TimelineItem, error) {
	if err := checkKey(userID, date); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.TimelineItem{}, m.timelines[dayKey{userID, date}]...), nil
}

func (m *Memory) SaveTimeline(_ context.Context, userID, date string, items []model.TimelineItem) error {
	if err := checkKey(userID, date); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timelines[dayKey{userID, date}] = append([]model.TimelineItem{}, items...)
	return nil
}

func (m *Memory) Done(_ context.Context, userID, date string) (map[string]bool, error) {
	if err := checkKey(userID, date); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.done[dayKey{userID, date}]))
	for k := range m.done[dayKey{userID, date}] {
		out[k] = true
	}
	return out, nil
}

func (m *Memory) MarkDone(_ context.Context, userID, date, key string) (bool, error) {
	if err := checkKey(userID, date); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dayKey{userID, date}
	set := m.done[k]
	if set == nil {
		set = make(map[string]bool)
		m.done[k] = set
	}
	if set[key] {
		return false, nil
	}
	set[key] = true
	return true, nil
}

func (m *Memory) UnmarkDone(_ context.Context, userID, date, key string) (bool, error) {
	if err := checkKey(userID, date); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.done[dayKey{userID, date}]
	if !set[key] {
		return false, nil
	}
	delete(set, key)
	return true, nil
}

func (m *Memory) SetToken(_ context.Context, userID, token string) error {
	if err := checkKey(userID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = token
	return nil
}

func (m *Memory) Token(_ context.Context, userID string) (string, error) {
	if err := checkKey(userID); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[userID], nil
}

func (m *Memory) ClearToken(_ context.Context, userID string) error {
	if err := checkKey(userID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}

func (m *Memory) Close() error { return nil }
