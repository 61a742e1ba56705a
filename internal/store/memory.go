package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/voxchain/internal/apperr"
	"github.com/fyrsmithlabs/voxchain/internal/taskchain"
)

// Memory is an in-process Store. Values are copied in and out.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*taskchain.Session
	chains   map[string]*taskchain.Chain
	items    map[string]*taskchain.Item
	byChain  map[string][]string
	history  map[string][]*taskchain.HistoryEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*taskchain.Session),
		chains:   make(map[string]*taskchain.Chain),
		items:    make(map[string]*taskchain.Item),
		byChain:  make(map[string][]string),
		history:  make(map[string][]*taskchain.HistoryEntry),
	}
}

func (m *Memory) GetSession(ctx context.Context, id string) (*taskchain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return cloneSession(s), nil
}

func (m *Memory) SaveSession(ctx context.Context, s *taskchain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *Memory) ExpiredSessions(ctx context.Context, now time.Time) ([]*taskchain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*taskchain.Session
	for _, s := range m.sessions {
		if s.Status.Open() && !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) CreateChain(ctx context.Context, c *taskchain.Chain, items []*taskchain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.chains[c.ID]; exists {
		return apperr.Conflict("chain %s already exists", c.ID)
	}
	m.chains[c.ID] = cloneChain(c)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		m.items[it.ID] = cloneItem(it)
		ids = append(ids, it.ID)
	}
	m.byChain[c.ID] = ids
	return nil
}

func (m *Memory) GetChain(ctx context.Context, id string) (*taskchain.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", id, apperr.ErrNotFound)
	}
	return cloneChain(c), nil
}

func (m *Memory) CommitChain(ctx context.Context, c *taskchain.Chain, expectedVersion int64, items ...*taskchain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.chains[c.ID]
	if !ok {
		return fmt.Errorf("chain %s: %w", c.ID, apperr.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return apperr.Conflict("chain %s at version %d, expected %d", c.ID, cur.Version, expectedVersion)
	}
	for _, it := range items {
		if _, ok := m.items[it.ID]; !ok {
			return fmt.Errorf("task %s: %w", it.ID, apperr.ErrNotFound)
		}
	}
	for _, it := range items {
		m.items[it.ID] = cloneItem(it)
	}
	m.chains[c.ID] = cloneChain(c)
	return nil
}

func (m *Memory) GetItem(ctx context.Context, id string) (*taskchain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	return cloneItem(it), nil
}

func (m *Memory) ItemsByChain(ctx context.Context, chainID string) ([]*taskchain.Item, error) {
	return m.ItemsByStatus(ctx, chainID)
}

// ItemsByStatus with no statuses returns every item of the chain.
func (m *Memory) ItemsByStatus(ctx context.Context, chainID string, statuses ...taskchain.ItemStatus) ([]*taskchain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[taskchain.ItemStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*taskchain.Item
	for _, id := range m.byChain[chainID] {
		it := m.items[id]
		if len(want) == 0 || want[it.Status] {
			out = append(out, cloneItem(it))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (m *Memory) FirstItemByStatus(ctx context.Context, chainID string, status taskchain.ItemStatus) (*taskchain.Item, error) {
	items, err := m.ItemsByStatus(ctx, chainID, status)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("chain %s has no %s task: %w", chainID, status, apperr.ErrNotFound)
	}
	return items[0], nil
}

func (m *Memory) UpdateItemStatus(ctx context.Context, id string, status taskchain.ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	it.Status = status
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) IncrementRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, apperr.ErrNotFound)
	}
	it.RetryCount++
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendHistory(ctx context.Context, e *taskchain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ee := *e
	m.history[e.SessionID] = append(m.history[e.SessionID], &ee)
	return nil
}

func (m *Memory) History(ctx context.Context, sessionID string) ([]*taskchain.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[sessionID]
	out := make([]*taskchain.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		ee := *e
		out = append(out, &ee)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
