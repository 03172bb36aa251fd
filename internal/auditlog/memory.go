package auditlog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLog is an in-memory, thread-safe Log.
type MemoryLog struct {
	mu           sync.RWMutex
	entries      []*Entry
	byProduction map[int64][]int
}

// NewMemoryLog creates a MemoryLog holding only the genesis entry.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		entries:      []*Entry{genesisEntry(now())},
		byProduction: make(map[int64][]int),
	}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, d Draft) (*Entry, error) {
	e, err := newEntry(d)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	e.Index = len(l.entries)
	e.Timestamp = now()
	e.PrevHash = prev.Hash
	e.Hash = hashEntry(&e)

	l.entries = append(l.entries, &e)
	if e.ProductionID != 0 {
		l.byProduction[e.ProductionID] = append(l.byProduction[e.ProductionID], e.Index)
	}
	cp := e
	return &cp, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	cp := *l.entries[index]
	return &cp, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// List implements Log.
func (l *MemoryLog) List(_ context.Context, offset, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.entries) || limit <= 0 {
		return []*Entry{}, nil
	}
	end := offset + limit
	if end > len(l.entries) {
		end = len(l.entries)
	}
	out := make([]*Entry, 0, end-offset)
	for _, e := range l.entries[offset:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ListByProduction implements Log.
func (l *MemoryLog) ListByProduction(_ context.Context, productionID int64) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byProduction[productionID]
	out := make([]*Entry, 0, len(idx))
	for _, i := range idx {
		cp := *l.entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

// LatestConfirmed implements Log.
func (l *MemoryLog) LatestConfirmed(_ context.Context, productionID int64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byProduction[productionID]
	for i := len(idx) - 1; i >= 0; i-- {
		e := l.entries[idx[i]]
		if e.Operation == OpAnchor && e.Outcome == OutcomeConfirmed {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var prev *Entry
	for _, curr := range l.entries {
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
