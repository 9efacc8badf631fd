package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/patterngate/internal/model"
)

const lockStripes = 64

// Memory is an in-process Store. Writers of one key are serialized by a
// striped mutex; the maps themselves sit behind an RWMutex.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	trials   map[string]*model.TrialRecord

	stripes [lockStripes]sync.Mutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*model.Session),
		trials:   make(map[string]*model.TrialRecord),
	}
}

func (m *Memory) stripe(kind, key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte(key))
	return &m.stripes[h.Sum32()%lockStripes]
}

// CreateSession implements SessionStore.
func (m *Memory) CreateSession(ctx context.Context, s *model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Token]; ok {
		return ErrExists
	}
	c := s.Clone()
	c.Version = 1
	m.sessions[s.Token] = c
	s.Version = 1
	return nil
}

// GetSession implements SessionStore.
func (m *Memory) GetSession(ctx context.Context, token string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// UpdateSession implements SessionStore.
func (m *Memory) UpdateSession(ctx context.Context, token string, fn func(*model.Session) error) (*model.Session, error) {
	lock := m.stripe("session", token)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	next, err := nextSession(cur, fn)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	m.mu.Lock()
	m.sessions[token] = next.Clone()
	m.mu.Unlock()
	return next, nil
}

// ExpireSessions implements SessionStore.
func (m *Memory) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	var candidates []string
	for token, s := range m.sessions {
		if s.Status == model.StatusActive && now.After(s.ExpiresAt) {
			candidates = append(candidates, token)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, token := range candidates {
		var expired bool
		if _, err := m.UpdateSession(ctx, token, expireSession(now, &expired)); err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// CreateTrial implements TrialStore.
func (m *Memory) CreateTrial(ctx context.Context, rec *model.TrialRecord) (*model.TrialRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.trials[rec.DeviceHash]; ok {
		return existing.Clone(), false, nil
	}
	c := rec.Clone()
	c.Version = 1
	m.trials[rec.DeviceHash] = c
	return c.Clone(), true, nil
}

// GetTrial implements TrialStore.
func (m *Memory) GetTrial(ctx context.Context, deviceHash string) (*model.TrialRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.trials[deviceHash]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// UpdateTrial implements TrialStore.
func (m *Memory) UpdateTrial(ctx context.Context, deviceHash string, fn func(*model.TrialRecord) error) (*model.TrialRecord, error) {
	lock := m.stripe("trial", deviceHash)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.GetTrial(ctx, deviceHash)
	if err != nil {
		return nil, err
	}
	next, err := nextTrial(cur, fn)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	m.mu.Lock()
	m.trials[deviceHash] = next.Clone()
	m.mu.Unlock()
	return next, nil
}

// ExpireTrials implements TrialStore.
func (m *Memory) ExpireTrials(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	var candidates []string
	for hash, r := range m.trials {
		if (r.Stage == model.StageAnonymous || r.Stage == model.StageExtended) && now.After(r.ExpiresAt) {
			candidates = append(candidates, hash)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, hash := range candidates {
		var expired bool
		if _, err := m.UpdateTrial(ctx, hash, expireTrial(now, &expired)); err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
