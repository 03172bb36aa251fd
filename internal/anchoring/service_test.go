package anchoring_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/anchoring"
	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/gas"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/pending"
	"github.com/jmerrifield20/carbonanchor/internal/producer"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// step scripts the outcome of one anchoring Submit. With apply set the mock
// ledger accepts the transaction before err is returned.
type step struct {
	err   error
	apply bool
}

// scriptedLedger is the mock ledger with scripted anchoring failures.
// Registration transactions always go straight to the mock.
type scriptedLedger struct {
	*ledger.MockClient

	mu        sync.Mutex
	script    []step
	anchors   int
	refreshes int

	// When gate is set, anchoring Submit signals entered and waits for
	// gate to close.
	gate    chan struct{}
	entered chan struct{}
}

func newScriptedLedger(steps ...step) *scriptedLedger {
	return &scriptedLedger{
		MockClient: ledger.NewMockClient(ledger.MockConfig{ChainID: 31337}),
		script:     steps,
	}
}

func (l *scriptedLedger) Submit(ctx context.Context, tx *ledger.Transaction) (*ledger.Receipt, error) {
	if tx.Kind == ledger.TxRegisterProducer {
		return l.MockClient.Submit(ctx, tx)
	}

	l.mu.Lock()
	l.anchors++
	var st *step
	if len(l.script) > 0 {
		next := l.script[0]
		l.script = l.script[1:]
		st = &next
	}
	gate, entered := l.gate, l.entered
	l.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	if st == nil || st.err == nil {
		return l.MockClient.Submit(ctx, tx)
	}
	if st.apply {
		rcpt, err := l.MockClient.Submit(ctx, tx)
		if err != nil {
			return nil, err
		}
		var unknown *ledger.OutcomeUnknownError
		if errors.As(st.err, &unknown) {
			return nil, &ledger.OutcomeUnknownError{TxHash: rcpt.TxHash, Err: unknown.Err}
		}
	}
	return nil, st.err
}

func (l *scriptedLedger) RefreshNonce(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return nil
}

func (l *scriptedLedger) anchorSubmits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anchors
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Dispatch(_ context.Context, eventType string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type harness struct {
	ledger   *scriptedLedger
	audit    *auditlog.MemoryLog
	store    *pending.MemoryStore
	registry *producer.Registry
	notifier *recordingNotifier
	svc      *anchoring.Service
}

func fastConfig() anchoring.Config {
	return anchoring.Config{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ReconcileWindow: 0,
		Workers:         2,
		ExplorerBaseURL: "https://explorer.example/",
	}
}

func newHarness(t *testing.T, cfg anchoring.Config, l *scriptedLedger, wrap ...func(anchoring.Registrar) anchoring.Registrar) *harness {
	t.Helper()
	audit := auditlog.NewMemoryLog()
	store := pending.NewMemoryStore()
	reg := producer.NewRegistry(l, audit, zap.NewNop())
	var registrar anchoring.Registrar = reg
	for _, w := range wrap {
		registrar = w(registrar)
	}
	opt := gas.NewOptimizer(l, gas.NewMemoryCache(time.Minute), gas.DefaultConfig(), zap.NewNop())
	svc := anchoring.NewService(l, registrar, opt, audit, store, cfg, zaptest.NewLogger(t))
	n := &recordingNotifier{}
	svc.SetNotifier(n)
	return &harness{ledger: l, audit: audit, store: store, registry: reg, notifier: n, svc: svc}
}

func citrus(productionID int64) record.CarbonSummary {
	return record.CarbonSummary{
		ProductionID:   productionID,
		ProducerID:     42,
		TotalEmissions: 1247.5,
		TotalOffsets:   892.3,
		CropType:       "Citrus",
		USDACompliant:  true,
		Timestamp:      1700000000,
	}
}

func anchorEntries(t *testing.T, log auditlog.Log, productionID int64) []*auditlog.Entry {
	t.Helper()
	all, err := log.ListByProduction(context.Background(), productionID)
	require.NoError(t, err)
	var out []*auditlog.Entry
	for _, e := range all {
		if e.Operation == auditlog.OpAnchor {
			out = append(out, e)
		}
	}
	return out
}

func TestAnchor_confirmsCitrusRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(), newScriptedLedger())

	res, err := h.svc.Anchor(ctx, citrus(1001))
	require.NoError(t, err)

	assert.Equal(t, anchoring.StateConfirmed, res.State)
	assert.True(t, res.Verified)
	assert.Len(t, res.RecordHash, 64)
	assert.NotEmpty(t, res.TxHash)
	assert.NotZero(t, res.BlockNumber)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "https://explorer.example/tx/"+res.TxHash, res.ExplorerURL)
	assert.NotEmpty(t, res.CostWei)

	q, err := h.ledger.Call(ctx, ledger.Query{Kind: ledger.QueryRecord, ProductionID: 1001})
	require.NoError(t, err)
	require.NotNil(t, q.Record)
	assert.Equal(t, res.RecordHash, q.Record.DataHash.Hex())
	assert.Equal(t, int64(1247500), q.Record.TotalEmissions)
	assert.Equal(t, int64(892300), q.Record.TotalOffsets)

	entries := anchorEntries(t, h.audit, 1001)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeConfirmed, entries[0].Outcome)
	assert.True(t, entries[0].Terminal)
	require.NoError(t, h.audit.Verify(ctx))

	_, err = h.store.Get(ctx, 1001)
	assert.ErrorIs(t, err, pending.ErrNotFound)
}

func TestAnchor_invalidSummaryNeverReachesLedger(t *testing.T) {
	h := newHarness(t, fastConfig(), newScriptedLedger())
	s := citrus(1002)
	s.TotalEmissions = -5

	res, err := h.svc.Anchor(context.Background(), s)
	assert.Nil(t, res)
	var encErr *record.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, 0, h.ledger.anchorSubmits())
	assert.Empty(t, anchorEntries(t, h.audit, 1002))
}

func TestAnchor_retriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	transient := &ledger.TransientNetworkError{Op: "submit", Err: errors.New("connection reset by peer")}
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: transient}, step{err: transient}))

	_, err := h.registry.EnsureRegistered(ctx, 42, "")
	require.NoError(t, err)

	res, err := h.svc.Anchor(ctx, citrus(1003))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, h.ledger.anchorSubmits())

	entries := anchorEntries(t, h.audit, 1003)
	require.Len(t, entries, 3)
	for i, e := range entries[:2] {
		assert.Equal(t, auditlog.OutcomeFailed, e.Outcome)
		assert.Equal(t, string(ledger.KindTransient), e.ErrorKind)
		assert.Equal(t, i+1, e.Attempt)
		assert.False(t, e.Terminal)
	}
	assert.Equal(t, auditlog.OutcomeConfirmed, entries[2].Outcome)
	assert.Equal(t, 3, entries[2].Attempt)
	assert.True(t, entries[2].Terminal)
	for _, e := range entries {
		assert.Equal(t, res.RecordHash, e.RecordHash)
	}
}

func TestAnchor_transientExhaustionFails(t *testing.T) {
	ctx := context.Background()
	transient := &ledger.TransientNetworkError{Op: "submit", Err: errors.New("i/o timeout")}
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: transient}, step{err: transient}, step{err: transient}))

	res, err := h.svc.Anchor(ctx, citrus(1004))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateFailed, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, string(ledger.KindTransient), res.ErrorKind)
	assert.Contains(t, res.Error, "i/o timeout")

	entries := anchorEntries(t, h.audit, 1004)
	require.Len(t, entries, 3)
	assert.True(t, entries[2].Terminal)
	assert.Equal(t, []string{anchoring.EventAnchorFailed}, h.notifier.seen())

	_, err = h.store.Get(ctx, 1004)
	assert.ErrorIs(t, err, pending.ErrNotFound)
}

func TestAnchor_invalidTransactionIsNotRetried(t *testing.T) {
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: &ledger.InvalidTransactionError{Reason: "bad signature"}}))

	res, err := h.svc.Anchor(context.Background(), citrus(1005))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, string(ledger.KindInvalid), res.ErrorKind)
	assert.Equal(t, 1, h.ledger.anchorSubmits())
}

func TestAnchor_nonceConflictRefreshesOnce(t *testing.T) {
	conflict := &ledger.InvalidTransactionError{Reason: "nonce conflict", NonceConflict: true}
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: conflict}))

	res, err := h.svc.Anchor(context.Background(), citrus(1006))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, h.ledger.refreshes)
}

func TestAnchor_secondNonceConflictFails(t *testing.T) {
	conflict := &ledger.InvalidTransactionError{Reason: "nonce conflict", NonceConflict: true}
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: conflict}, step{err: conflict}))

	res, err := h.svc.Anchor(context.Background(), citrus(1007))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateFailed, res.State)
	assert.Equal(t, string(ledger.KindNonceConflict), res.ErrorKind)
	assert.Equal(t, 1, h.ledger.refreshes)
}

func TestAnchor_nonceRefreshRetryIsNotCounted(t *testing.T) {
	conflict := &ledger.InvalidTransactionError{Reason: "nonce conflict", NonceConflict: true}
	transient := &ledger.TransientNetworkError{Op: "submit", Err: errors.New("connection reset by peer")}
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: conflict}, step{err: transient}, step{err: transient}))

	res, err := h.svc.Anchor(context.Background(), citrus(1016))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, res.State)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, h.ledger.anchorSubmits())
	assert.Equal(t, 1, h.ledger.refreshes)
}

func TestAnchor_idempotentAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(), newScriptedLedger())

	first, err := h.svc.Anchor(ctx, citrus(1008))
	require.NoError(t, err)
	second, err := h.svc.Anchor(ctx, citrus(1008))
	require.NoError(t, err)

	assert.Equal(t, 1, h.ledger.anchorSubmits())
	assert.True(t, second.Cached)
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, first.RecordHash, second.RecordHash)
	assert.Equal(t, anchoring.StateConfirmed, second.State)
}

func TestAnchor_concurrentCallsForSameProduction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(), newScriptedLedger())

	var wg sync.WaitGroup
	results := make([]*anchoring.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Anchor(ctx, citrus(1009))
			if err != nil {
				t.Errorf("Anchor: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.ledger.anchorSubmits())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, anchoring.StateConfirmed, res.State)
	}
}

func TestAnchor_unknownOutcomeResolvedBeforeRetry(t *testing.T) {
	unknown := &ledger.OutcomeUnknownError{Err: context.DeadlineExceeded}
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: unknown, apply: true}))

	res, err := h.svc.Anchor(context.Background(), citrus(1010))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.TxHash)
	assert.Equal(t, 1, h.ledger.anchorSubmits())
}

func TestAnchor_unresolvedOutcomeIsLeftForReconciler(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	unknown := &ledger.OutcomeUnknownError{TxHash: "0xdead", Err: context.DeadlineExceeded}
	h := newHarness(t, cfg, newScriptedLedger(step{err: unknown}))

	res, err := h.svc.Anchor(ctx, citrus(1011))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateUnknown, res.State)
	assert.Equal(t, "0xdead", res.TxHash)
	assert.Contains(t, h.notifier.seen(), anchoring.EventAnchorUnknown)

	sub, err := h.store.Get(ctx, 1011)
	require.NoError(t, err)
	assert.Equal(t, pending.StatusUnknown, sub.Status)

	status, err := h.svc.Status(ctx, 1011)
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateUnknown, status.State)

	// Nothing landed and the window has passed, so the reconciler re-drives.
	rep, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Redriven)

	status, err = h.svc.Status(ctx, 1011)
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, status.State)
	assert.Equal(t, 2, h.ledger.anchorSubmits())
}

func TestAnchor_reanchorAfterUnknownChecksLedgerFirst(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	unknown := &ledger.OutcomeUnknownError{TxHash: "0xcafe", Err: context.DeadlineExceeded}
	h := newHarness(t, cfg, newScriptedLedger(step{err: unknown}))

	res, err := h.svc.Anchor(ctx, citrus(1013))
	require.NoError(t, err)
	require.Equal(t, anchoring.StateUnknown, res.State)

	// The first transaction lands before anyone asks again.
	hash, norm, err := record.HashSummary(citrus(1013))
	require.NoError(t, err)
	_, err = h.ledger.MockClient.Submit(ctx, &ledger.Transaction{
		Kind:    ledger.TxAnchorRecord,
		Records: []ledger.AnchorPayload{{Hash: hash, Record: norm}},
	})
	require.NoError(t, err)

	res, err = h.svc.Anchor(ctx, citrus(1013))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, res.State)
	assert.True(t, res.Verified)
	assert.Equal(t, hash.Hex(), res.RecordHash)
	assert.Equal(t, 1, h.ledger.anchorSubmits())

	_, err = h.store.Get(ctx, 1013)
	assert.ErrorIs(t, err, pending.ErrNotFound)
	for _, e := range anchorEntries(t, h.audit, 1013) {
		assert.NotEqual(t, auditlog.OutcomeFailed, e.Outcome)
	}

	confirmed, err := h.audit.LatestConfirmed(ctx, 1013)
	require.NoError(t, err)
	assert.Equal(t, hash.Hex(), confirmed.RecordHash)
}

func TestAnchor_reanchorInsideWindowStaysUnknown(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.ReconcileWindow = time.Hour
	h := newHarness(t, cfg, newScriptedLedger())

	hash, _, err := record.HashSummary(citrus(1014))
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, &pending.Submission{
		ProductionID:  1014,
		ProducerID:    42,
		RecordHash:    hash.Hex(),
		Status:        pending.StatusUnknown,
		Attempt:       1,
		TxHash:        "0xf00d",
		LastError:     "ledger: outcome unknown",
		LastErrorKind: string(ledger.KindUnknownOutcome),
		Summary:       citrus(1014),
	}))

	res, err := h.svc.Anchor(ctx, citrus(1014))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateUnknown, res.State)
	assert.Equal(t, "0xf00d", res.TxHash)
	assert.Equal(t, 0, h.ledger.anchorSubmits())

	sub, err := h.store.Get(ctx, 1014)
	require.NoError(t, err)
	assert.Equal(t, pending.StatusUnknown, sub.Status)

	entries := anchorEntries(t, h.audit, 1014)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeUnknown, entries[0].Outcome)
	assert.True(t, entries[0].Terminal)
}

func TestReconcile_findsLandedHash(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	unknown := &ledger.OutcomeUnknownError{TxHash: "0xbeef", Err: context.DeadlineExceeded}
	h := newHarness(t, cfg, newScriptedLedger(step{err: unknown}))

	res, err := h.svc.Anchor(ctx, citrus(1012))
	require.NoError(t, err)
	require.Equal(t, anchoring.StateUnknown, res.State)

	// The transaction lands after all, under a hash the client never saw.
	hash, norm, err := record.HashSummary(citrus(1012))
	require.NoError(t, err)
	_, err = h.ledger.MockClient.Submit(ctx, &ledger.Transaction{
		Kind:    ledger.TxAnchorRecord,
		Records: []ledger.AnchorPayload{{Hash: hash, Record: norm}},
	})
	require.NoError(t, err)

	rep, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Equal(t, 0, rep.Redriven)

	status, err := h.svc.Status(ctx, 1012)
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, status.State)
	assert.Equal(t, 1, h.ledger.anchorSubmits())
}

func TestAnchor_insufficientFundsHaltsAndQueues(t *testing.T) {
	ctx := context.Background()
	funds := &ledger.InsufficientFundsError{Account: "0x00000000000000000000000000000000000000aa"}
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: funds}))

	first, err := h.svc.Anchor(ctx, citrus(2001))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateFailed, first.State)
	assert.Equal(t, string(ledger.KindInsufficientFunds), first.ErrorKind)
	assert.True(t, h.svc.Halted())
	assert.Contains(t, h.notifier.seen(), anchoring.EventFundsInsufficient)

	second, err := h.svc.Anchor(ctx, citrus(2002))
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateQueued, second.State)
	assert.Equal(t, 1, h.ledger.anchorSubmits())

	// Reconcile leaves queued work alone while halted.
	rep, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Redriven)

	rep, err = h.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Redriven)
	assert.False(t, h.svc.Halted())

	status, err := h.svc.Status(ctx, 2002)
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateConfirmed, status.State)

	_, err = h.svc.Resume(ctx)
	assert.ErrorIs(t, err, anchoring.ErrNotHalted)
}

func TestCancel_queuedSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fastConfig(), newScriptedLedger(step{err: &ledger.InsufficientFundsError{}}))

	_, err := h.svc.Anchor(ctx, citrus(2101))
	require.NoError(t, err)
	res, err := h.svc.Anchor(ctx, citrus(2102))
	require.NoError(t, err)
	require.Equal(t, anchoring.StateQueued, res.State)

	outcome, err := h.svc.Cancel(ctx, 2102)
	require.NoError(t, err)
	assert.Equal(t, anchoring.Dequeued, outcome)

	status, err := h.svc.Status(ctx, 2102)
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateCancelled, status.State)

	_, err = h.svc.Cancel(ctx, 9999)
	assert.ErrorIs(t, err, anchoring.ErrNotFound)
}

// gatedRegistrar blocks registration until released so a test can act
// while an attempt is known to be before dispatch.
type gatedRegistrar struct {
	anchoring.Registrar
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRegistrar) EnsureRegistered(ctx context.Context, producerID int64, address string) (*producer.Result, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Registrar.EnsureRegistered(ctx, producerID, address)
}

func TestCancel_beforeDispatch(t *testing.T) {
	ctx := context.Background()
	gate := &gatedRegistrar{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, fastConfig(), newScriptedLedger(), func(r anchoring.Registrar) anchoring.Registrar {
		gate.Registrar = r
		return gate
	})

	done := make(chan *anchoring.Result, 1)
	go func() {
		res, err := h.svc.Anchor(ctx, citrus(3001))
		if err != nil {
			t.Errorf("Anchor: %v", err)
		}
		done <- res
	}()

	<-gate.entered
	outcome, err := h.svc.Cancel(ctx, 3001)
	require.NoError(t, err)
	assert.Equal(t, anchoring.CancelledBeforeDispatch, outcome)
	close(gate.release)

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, anchoring.StateCancelled, res.State)
	assert.Equal(t, 0, h.ledger.anchorSubmits())

	status, err := h.svc.Status(ctx, 3001)
	require.NoError(t, err)
	assert.Equal(t, anchoring.StateCancelled, status.State)
}

func TestCancel_afterDispatchOnlySuppressesBookkeeping(t *testing.T) {
	ctx := context.Background()
	l := newScriptedLedger()
	l.gate = make(chan struct{})
	l.entered = make(chan struct{})
	h := newHarness(t, fastConfig(), l)

	done := make(chan *anchoring.Result, 1)
	go func() {
		res, err := h.svc.Anchor(ctx, citrus(3002))
		if err != nil {
			t.Errorf("Anchor: %v", err)
		}
		done <- res
	}()

	<-l.entered
	outcome, err := h.svc.Cancel(ctx, 3002)
	require.NoError(t, err)
	assert.Equal(t, anchoring.SuppressedAfterDispatch, outcome)
	close(l.gate)

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, anchoring.StateConfirmed, res.State)
	assert.True(t, res.CancelRequested)

	// The ledger outcome is still audited.
	entries := anchorEntries(t, h.audit, 3002)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeConfirmed, entries[0].Outcome)
}

func TestStatus_unknownProduction(t *testing.T) {
	h := newHarness(t, fastConfig(), newScriptedLedger())
	_, err := h.svc.Status(context.Background(), 424242)
	assert.ErrorIs(t, err, anchoring.ErrNotFound)
}
