package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingLedger wraps the mock ledger and counts calls. submitErr, when
// set, is returned by the next Submit after the mock has applied it
// (applied=true) or without touching the mock.
type countingLedger struct {
	*ledger.MockClient
	submits atomic.Int32
	calls   atomic.Int32

	mu        sync.Mutex
	submitErr error
	applied   bool
}

func newCountingLedger() *countingLedger {
	return &countingLedger{MockClient: ledger.NewMockClient(ledger.MockConfig{ChainID: 31337})}
}

func (c *countingLedger) failNext(err error, applied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr, c.applied = err, applied
}

func (c *countingLedger) Submit(ctx context.Context, tx *ledger.Transaction) (*ledger.Receipt, error) {
	c.submits.Add(1)
	c.mu.Lock()
	err, applied := c.submitErr, c.applied
	c.submitErr = nil
	c.mu.Unlock()
	if err != nil {
		if applied {
			_, _ = c.MockClient.Submit(ctx, tx)
		}
		return nil, err
	}
	return c.MockClient.Submit(ctx, tx)
}

func (c *countingLedger) Call(ctx context.Context, q ledger.Query) (*ledger.QueryResult, error) {
	c.calls.Add(1)
	return c.MockClient.Call(ctx, q)
}

func registerEntries(t *testing.T, log auditlog.Log) []*auditlog.Entry {
	t.Helper()
	all, err := log.List(context.Background(), 0, 100)
	require.NoError(t, err)
	var out []*auditlog.Entry
	for _, e := range all {
		if e.Operation == auditlog.OpRegister {
			out = append(out, e)
		}
	}
	return out
}

func TestEnsureRegistered_registersOnce(t *testing.T) {
	ctx := context.Background()
	l := newCountingLedger()
	audit := auditlog.NewMemoryLog()
	r := NewRegistry(l, audit, zap.NewNop())

	first, err := r.EnsureRegistered(ctx, 42, "")
	require.NoError(t, err)
	assert.False(t, first.AlreadyRegistered)
	assert.NotEmpty(t, first.TxHash)
	assert.Equal(t, ledger.MockAddress, first.Address)

	second, err := r.EnsureRegistered(ctx, 42, "")
	require.NoError(t, err)
	assert.True(t, second.AlreadyRegistered)
	assert.Empty(t, second.TxHash)

	assert.Equal(t, int32(1), l.submits.Load())
	assert.True(t, r.IsKnown(42))

	entries := registerEntries(t, audit)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeConfirmed, entries[0].Outcome)
	assert.Equal(t, first.TxHash, entries[0].TxHash)
	assert.NotEmpty(t, entries[0].CostWei)
}

func TestEnsureRegistered_concurrentCallersShareOneTransaction(t *testing.T) {
	ctx := context.Background()
	l := newCountingLedger()
	r := NewRegistry(l, nil, zap.NewNop())

	var wg sync.WaitGroup
	var fresh atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.EnsureRegistered(ctx, 7, "")
			if err != nil {
				t.Errorf("EnsureRegistered: %v", err)
				return
			}
			if !res.AlreadyRegistered {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), l.submits.Load())
	assert.Equal(t, int32(1), fresh.Load())
}

func TestEnsureRegistered_alreadyOnLedger(t *testing.T) {
	ctx := context.Background()
	l := newCountingLedger()
	_, err := l.MockClient.Submit(ctx, &ledger.Transaction{
		Kind:            ledger.TxRegisterProducer,
		ProducerID:      5,
		ProducerAddress: ledger.MockAddress,
	})
	require.NoError(t, err)

	audit := auditlog.NewMemoryLog()
	r := NewRegistry(l, audit, zap.NewNop())

	res, err := r.EnsureRegistered(ctx, 5, "")
	require.NoError(t, err)
	assert.True(t, res.AlreadyRegistered)
	assert.Equal(t, int32(0), l.submits.Load())

	entries := registerEntries(t, audit)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeAlreadyRegistered, entries[0].Outcome)
}

func TestEnsureRegistered_cacheSkipsLedgerRead(t *testing.T) {
	ctx := context.Background()
	l := newCountingLedger()
	r := NewRegistry(l, nil, zap.NewNop())

	_, err := r.EnsureRegistered(ctx, 9, "")
	require.NoError(t, err)
	reads := l.calls.Load()

	_, err = r.EnsureRegistered(ctx, 9, "")
	require.NoError(t, err)
	assert.Equal(t, reads, l.calls.Load())
}

func TestEnsureRegistered_failureIsNotCached(t *testing.T) {
	ctx := context.Background()
	l := newCountingLedger()
	audit := auditlog.NewMemoryLog()
	r := NewRegistry(l, audit, zap.NewNop())

	l.failNext(&ledger.TransientNetworkError{Op: "submit", Err: errors.New("connection reset")}, false)
	_, err := r.EnsureRegistered(ctx, 3, "")
	require.Error(t, err)
	assert.Equal(t, ledger.KindTransient, ledger.Classify(err))
	assert.False(t, r.IsKnown(3))

	res, err := r.EnsureRegistered(ctx, 3, "")
	require.NoError(t, err)
	assert.False(t, res.AlreadyRegistered)

	entries := registerEntries(t, audit)
	require.Len(t, entries, 2)
	assert.Equal(t, auditlog.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, string(ledger.KindTransient), entries[0].ErrorKind)
	assert.Equal(t, auditlog.OutcomeConfirmed, entries[1].Outcome)
}

func TestEnsureRegistered_unknownOutcomeResolvedByRead(t *testing.T) {
	ctx := context.Background()
	l := newCountingLedger()
	audit := auditlog.NewMemoryLog()
	r := NewRegistry(l, audit, zap.NewNop())

	l.failNext(&ledger.OutcomeUnknownError{TxHash: "0xfeed", Err: context.DeadlineExceeded}, true)
	res, err := r.EnsureRegistered(ctx, 11, "")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", res.TxHash)
	assert.True(t, r.IsKnown(11))

	entries := registerEntries(t, audit)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeConfirmed, entries[0].Outcome)
}

func TestEnsureRegistered_unknownOutcomeStillUnknown(t *testing.T) {
	ctx := context.Background()
	l := newCountingLedger()
	audit := auditlog.NewMemoryLog()
	r := NewRegistry(l, audit, zap.NewNop())

	l.failNext(&ledger.OutcomeUnknownError{TxHash: "0xbeef", Err: context.DeadlineExceeded}, false)
	_, err := r.EnsureRegistered(ctx, 12, "")
	require.Error(t, err)
	assert.Equal(t, ledger.KindUnknownOutcome, ledger.Classify(err))
	assert.False(t, r.IsKnown(12))

	entries := registerEntries(t, audit)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeUnknown, entries[0].Outcome)
	assert.Equal(t, "0xbeef", entries[0].TxHash)
}

func TestEnsureRegistered_rejectsBadProducerID(t *testing.T) {
	r := NewRegistry(newCountingLedger(), nil, zap.NewNop())
	_, err := r.EnsureRegistered(context.Background(), 0, "")
	require.Error(t, err)
	assert.Equal(t, ledger.KindInvalid, ledger.Classify(err))
}
