package anchoring

import (
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lockTable hands out one mutex per production id. Entries are dropped when
// the last holder or waiter releases them.
type lockTable struct {
	m *xsync.Map[int64, *lockEntry]
}

func newLockTable() *lockTable {
	return &lockTable{m: xsync.NewMap[int64, *lockEntry]()}
}

func (t *lockTable) lock(id int64) (unlock func()) {
	e, _ := t.m.Compute(id, func(old *lockEntry, loaded bool) (*lockEntry, xsync.ComputeOp) {
		if !loaded {
			old = &lockEntry{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.m.Compute(id, func(old *lockEntry, loaded bool) (*lockEntry, xsync.ComputeOp) {
			if !loaded {
				return old, xsync.CancelOp
			}
			old.refs--
			if old.refs <= 0 {
				return nil, xsync.DeleteOp
			}
			return old, xsync.UpdateOp
		})
	}
}

// lockAll takes the locks for ids in ascending order so concurrent batches
// cannot deadlock.
func (t *lockTable) lockAll(ids []int64) (unlock func()) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, t.lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (t *lockTable) size() int {
	return t.m.Size()
}
