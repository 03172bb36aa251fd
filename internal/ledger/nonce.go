package ledger

import (
	"context"
	"sync"
)

// nonceAllocator hands out account nonces one submission at a time. The
// lock covers signing and sending only, never the wait for a receipt.
type nonceAllocator struct {
	mu     sync.Mutex
	next   uint64
	synced bool
	fetch  func(ctx context.Context) (uint64, error)
}

func newNonceAllocator(fetch func(ctx context.Context) (uint64, error)) *nonceAllocator {
	return &nonceAllocator{fetch: fetch}
}

// use runs send with the next nonce. The nonce is consumed only when send
// succeeds; any failure forces a re-read from the network next time, since
// the node may or may not have accepted the transaction.
func (a *nonceAllocator) use(ctx context.Context, send func(nonce uint64) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.synced {
		n, err := a.fetch(ctx)
		if err != nil {
			return err
		}
		a.next = n
		a.synced = true
	}

	if err := send(a.next); err != nil {
		a.synced = false
		return err
	}
	a.next++
	return nil
}

// reset forgets the tracked nonce.
func (a *nonceAllocator) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synced = false
}
