package execlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps execution logs in process memory
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]*Entry)}
}

func (r *MemoryRepository) Save(_ context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("save execution log: duplicate id %s", e.ID)
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *MemoryRepository) Finalize(_ context.Context, id string, f Final) error {
	if !f.Status.IsTerminal() {
		return fmt.Errorf("finalize execution log: %s is not a terminal status", f.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusRunning {
		return fmt.Errorf("finalize execution log %s: %w", id, ErrAlreadyFinalized)
	}
	e.Status = f.Status
	e.Output = f.Output
	e.Error = f.Error
	e.Duration = f.Duration
	e.FinishedAt = time.Now()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]*Entry, error) {
	r.mu.RLock()
	var out []*Entry
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
