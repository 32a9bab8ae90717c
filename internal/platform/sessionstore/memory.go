// Package sessionstore keeps merge sessions between HTTP requests.
package sessionstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casemerge/internal/merge"
)

type memoryEntry struct {
	state     merge.State
	expiresAt time.Time
}

// Memory is a process-local store. Sessions expire ttl after their last write.
type Memory struct {
	mu      sync.Mutex
	entries map[uuid.UUID]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[uuid.UUID]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) Put(_ context.Context, st merge.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	m.entries[st.ID] = memoryEntry{state: st, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (merge.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !m.now().Before(e.expiresAt) {
		delete(m.entries, id)
		return merge.State{}, fmt.Errorf("%w: %s", merge.ErrSessionNotFound, id)
	}
	return e.state, nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len reports the number of live sessions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	return len(m.entries)
}

func (m *Memory) evictLocked() {
	now := m.now()
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}

// Ping always succeeds; it lets Memory sit in the health checks.
func (m *Memory) Ping(context.Context) error { return nil }
