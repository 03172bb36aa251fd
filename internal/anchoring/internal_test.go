package anchoring

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_doublesAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}.withDefaults()

	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 4*time.Second, cfg.backoff(3))
	assert.Equal(t, 5*time.Second, cfg.backoff(4))
}

func TestBackoff_jitterStaysInBand(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}.withDefaults()
	for i := 0; i < 100; i++ {
		d := cfg.backoff(1)
		assert.GreaterOrEqual(t, d, 850*time.Millisecond)
		assert.LessOrEqual(t, d, 1150*time.Millisecond)
	}
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, time.Duration(0), cfg.BaseDelay)
}

func TestLockTable_serialisesAndCleansUp(t *testing.T) {
	locks := newLockTable()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(7)
			defer unlock()
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 0, locks.size())

	unlock := locks.lockAll([]int64{3, 1, 3, 2})
	assert.Equal(t, 3, locks.size())
	unlock()
	assert.Equal(t, 0, locks.size())
}

func TestTracker_checkpoint(t *testing.T) {
	tr := &tracker{}
	assert.Equal(t, CancelledBeforeDispatch, tr.cancel())
	assert.True(t, tr.checkpoint())

	tr = &tracker{}
	assert.False(t, tr.checkpoint())
	assert.Equal(t, SuppressedAfterDispatch, tr.cancel())
	assert.True(t, tr.suppressed())
}

func TestHashItem_reportsHashing(t *testing.T) {
	tr := &tracker{state: StatePending}
	it, err := hashItem(tr, record.CarbonSummary{
		ProductionID:   5,
		ProducerID:     42,
		TotalEmissions: 10,
		TotalOffsets:   4,
		CropType:       "Citrus",
		Timestamp:      1700000000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), it.id())
	state, attempt := tr.snapshot()
	assert.Equal(t, StateHashing, state)
	assert.Equal(t, 0, attempt)

	tr = &tracker{state: StatePending}
	_, err = hashItem(tr, record.CarbonSummary{ProductionID: 5, ProducerID: 42, CropType: "Citrus"})
	var encErr *record.EncodingError
	require.ErrorAs(t, err, &encErr)
	state, _ = tr.snapshot()
	assert.Equal(t, StateFailed, state)
}

func TestChunkAndSplit(t *testing.T) {
	work := make([]*member, 5)
	for i := range work {
		work[i] = &member{index: i}
	}
	chunks := chunk(work, 2)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 1)

	halves := split(work)
	assert.Len(t, halves[0], 2)
	assert.Len(t, halves[1], 3)

	assert.Len(t, singles(work), 5)
	assert.Len(t, chunk(work, 0), 5)
}

func TestShareOf_sumsToTotal(t *testing.T) {
	r := &ledger.Receipt{TxHash: "0x1", GasUsed: 1000, GasPrice: big.NewInt(7)}
	var total uint64
	for i := 0; i < 3; i++ {
		total += shareOf(r, 3, i).GasUsed
	}
	assert.Equal(t, uint64(1000), total)
	assert.Equal(t, uint64(334), shareOf(r, 3, 2).GasUsed)
	assert.Same(t, r, shareOf(r, 1, 0))
}
