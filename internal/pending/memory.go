package pending

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	m   *xsync.Map[int64, Submission]
	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: xsync.NewMap[int64, Submission](), now: time.Now}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, sub *Submission) error {
	ts := s.now().UTC()
	s.m.Compute(sub.ProductionID, func(old Submission, loaded bool) (Submission, xsync.ComputeOp) {
		next := *sub
		if loaded {
			next.CreatedAt = old.CreatedAt
		} else {
			next.CreatedAt = ts
		}
		next.UpdatedAt = ts
		return next, xsync.UpdateOp
	})
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, productionID int64) (*Submission, error) {
	sub, ok := s.m.Load(productionID)
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, productionID int64) error {
	s.m.Delete(productionID)
	return nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Submission, error) {
	out := []*Submission{}
	s.m.Range(func(_ int64, sub Submission) bool {
		if sub.Status == status {
			cp := sub
			out = append(out, &cp)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProductionID < out[j].ProductionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, status Status) (int, error) {
	n := 0
	s.m.Range(func(_ int64, sub Submission) bool {
		if sub.Status == status {
			n++
		}
		return true
	})
	return n, nil
}
