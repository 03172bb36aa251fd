package anchoring

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"github.com/jmerrifield20/carbonanchor/internal/pending"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"go.uber.org/zap"
)

// member is one production inside a batch run.
type member struct {
	index   int
	it      *item
	tr      *tracker
	attempt int
	lastTx  string
	// extra is added to MaxAttempts after a nonce refresh.
	extra int
}

// batchRun holds the state of one AnchorBatch call.
type batchRun struct {
	s              *Service
	results        []*Result
	nonceRefreshed bool
}

// AnchorBatch anchors summaries, packing several records into each ledger
// transaction. Chunk size follows the gas advice for the remaining work.
//
// A chunk either confirms as a whole or fails as a whole. When the ledger
// call fails every member gets a failed attempt and is retried, split into
// smaller chunks, until it confirms or runs out of attempts. Invalid
// summaries and duplicate production ids get a Failed result without
// touching the ledger. Results are returned in input order.
func (s *Service) AnchorBatch(ctx context.Context, summaries []record.CarbonSummary) ([]*Result, error) {
	results := make([]*Result, len(summaries))
	members := make([]*member, 0, len(summaries))
	seen := make(map[int64]bool, len(summaries))

	for i, sum := range summaries {
		it, err := newItem(sum)
		if err != nil {
			results[i] = rejected(sum.ProductionID, ledger.KindEncoding, err)
			metrics.RecordAnchor(string(StateFailed))
			continue
		}
		if seen[it.id()] {
			results[i] = rejected(it.id(), ledger.KindInvalid,
				fmt.Errorf("production %d appears more than once in the batch", it.id()))
			metrics.RecordAnchor(string(StateFailed))
			continue
		}
		seen[it.id()] = true
		members = append(members, &member{index: i, it: it})
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.it.id())
	}
	unlock := s.locks.lockAll(ids)
	defer unlock()

	tracked := make([]*member, 0, len(members))
	for _, m := range members {
		if res, ok := s.cachedResult(ctx, m.it); ok {
			results[m.index] = res
			continue
		}
		m.tr = s.track(m.it.id())
		tracked = append(tracked, m)
	}
	defer func() {
		for _, m := range tracked {
			s.inflight.Delete(m.it.id())
		}
		s.publishPending(ctx)
	}()

	work := make([]*member, 0, len(tracked))
	for _, m := range tracked {
		res, err := s.settlePrior(ctx, m.it, m.tr)
		if err != nil {
			return nil, err
		}
		if res != nil {
			results[m.index] = res
			continue
		}
		work = append(work, m)
	}

	b := &batchRun{s: s, results: results}
	if err := b.run(ctx, work); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *batchRun) run(ctx context.Context, work []*member) error {
	if len(work) == 0 {
		return nil
	}
	rec := b.s.recommend(ctx, len(work))
	queue := chunk(work, rec.BatchSize)

	for len(queue) > 0 {
		group := queue[0]
		queue = queue[1:]

		if b.s.Halted() {
			for _, g := range append([][]*member{group}, queue...) {
				for _, m := range g {
					res, err := b.s.enqueue(ctx, m.it, m.tr, m.attempt)
					if err != nil {
						return err
					}
					b.results[m.index] = res
				}
			}
			return nil
		}

		ready, retry, err := b.prepare(ctx, group)
		if err != nil {
			return err
		}
		if len(ready) > 0 {
			more, err := b.submit(ctx, ready)
			if err != nil {
				return err
			}
			retry = append(retry, more...)
		}
		queue = append(retry, queue...)
	}
	return nil
}

// prepare drops members that already landed or were cancelled and makes
// sure every remaining producer is registered.
func (b *batchRun) prepare(ctx context.Context, group []*member) (ready []*member, retry [][]*member, err error) {
	regErr := make(map[int64]error)
	regFailed := make(map[int64][]*member)
	var order []int64

	for _, m := range group {
		if m.attempt > 0 {
			if landed, lerr := b.s.hashLanded(ctx, m.it.hash); lerr == nil && landed {
				m.attempt++
				res, err := b.s.confirm(ctx, m.it, m.tr, m.attempt, &ledger.Receipt{TxHash: m.lastTx})
				if err != nil {
					return nil, nil, err
				}
				b.results[m.index] = res
				continue
			}
		}

		pid := m.it.norm.ProducerID
		rerr, done := regErr[pid]
		if !done {
			m.tr.set(StateRegistering, m.attempt)
			_, rerr = b.s.registry.EnsureRegistered(ctx, pid, m.it.summary.ProducerAddress)
			regErr[pid] = rerr
		}
		if rerr != nil {
			if len(regFailed[pid]) == 0 {
				order = append(order, pid)
			}
			regFailed[pid] = append(regFailed[pid], m)
			continue
		}

		if m.tr.checkpoint() {
			res, err := b.s.cancelled(ctx, m.it, m.tr, m.attempt+1)
			if err != nil {
				return nil, nil, err
			}
			b.results[m.index] = res
			continue
		}
		ready = append(ready, m)
	}

	for _, pid := range order {
		failed := regFailed[pid]
		for _, m := range failed {
			m.attempt++
		}
		more, err := b.handleFailure(ctx, failed, attemptResult{outcome: outcomeFailed, err: regErr[pid]})
		if err != nil {
			return nil, nil, err
		}
		retry = append(retry, more...)
	}
	return ready, retry, nil
}

// submit sends one chunk as a single transaction.
func (b *batchRun) submit(ctx context.Context, group []*member) ([][]*member, error) {
	for _, m := range group {
		m.attempt++
		m.tr.set(StateSubmitting, m.attempt)
		b.s.putPending(ctx, m.it, m.tr, pending.Submission{Status: pending.StatusInFlight, Attempt: m.attempt})
	}

	rec := b.s.recommend(ctx, len(group))
	tx := &ledger.Transaction{Kind: ledger.TxAnchorBatch, GasPrice: rec.GasPrice}
	if len(group) == 1 {
		tx.Kind = ledger.TxAnchorRecord
	}
	hashes := make([]record.Hash, 0, len(group))
	for _, m := range group {
		tx.Records = append(tx.Records, m.it.payload())
		hashes = append(hashes, m.it.hash)
	}

	metrics.RecordBatch(len(group))
	ar := b.s.submit(ctx, tx)
	metrics.RecordAttempt(string(ledger.Classify(ar.err)))

	switch ar.outcome {
	case outcomeConfirmed:
		return nil, b.confirmAll(ctx, group, ar.receipt)

	case outcomeUnknown:
		status, rcpt := b.s.resolveUnknown(ctx, hashes, ar.txHash)
		switch status {
		case ledger.TxStatusConfirmed:
			if rcpt == nil {
				rcpt = &ledger.Receipt{TxHash: ar.txHash}
			}
			return nil, b.confirmAll(ctx, group, rcpt)
		case ledger.TxStatusReverted:
			ar = attemptResult{outcome: outcomeFailed, txHash: ar.txHash,
				err: &ledger.InvalidTransactionError{Reason: "transaction reverted", Err: ar.err}}
		default:
			return b.unresolved(ctx, group, ar)
		}
	}
	return b.handleFailure(ctx, group, ar)
}

func (b *batchRun) confirmAll(ctx context.Context, group []*member, rcpt *ledger.Receipt) error {
	for i, m := range group {
		res, err := b.s.confirm(ctx, m.it, m.tr, m.attempt, shareOf(rcpt, len(group), i))
		if err != nil {
			return err
		}
		b.results[m.index] = res
	}
	b.s.logger.Info("batch anchored",
		zap.Int("records", len(group)),
		zap.String("tx_hash", rcpt.TxHash),
	)
	return nil
}

// unresolved handles a chunk whose transaction was not seen within the
// reconcile window.
func (b *batchRun) unresolved(ctx context.Context, group []*member, ar attemptResult) ([][]*member, error) {
	var retry []*member
	for _, m := range group {
		m.lastTx = ar.txHash
		if m.attempt >= b.s.cfg.MaxAttempts+m.extra {
			res, err := b.s.finishUnknown(ctx, m.it, m.tr, m.attempt, ar)
			if err != nil {
				return nil, err
			}
			b.results[m.index] = res
			continue
		}
		b.s.recordRetry(ctx, m.it, m.tr, m.attempt, auditlog.OutcomeUnknown, ar)
		retry = append(retry, m)
	}
	return b.backoff(ctx, retry, ar, split)
}

// handleFailure applies the retry policy to every member of a failed chunk.
func (b *batchRun) handleFailure(ctx context.Context, group []*member, ar attemptResult) ([][]*member, error) {
	kind := ledger.Classify(ar.err)
	switch {
	case kind == ledger.KindNonceConflict && !b.nonceRefreshed:
		b.nonceRefreshed = true
		for _, m := range group {
			m.extra = 1
			b.s.recordRetry(ctx, m.it, m.tr, m.attempt, auditlog.OutcomeFailed, ar)
		}
		if err := b.s.client.RefreshNonce(ctx); err != nil {
			return nil, b.failAll(ctx, group, ar.txHash, err)
		}
		return [][]*member{group}, nil

	case kind == ledger.KindInsufficientFunds:
		b.s.halt(ctx, ar.err)
		return nil, b.failAll(ctx, group, ar.txHash, ar.err)

	case kind == ledger.KindTransient, kind == ledger.KindUnknownOutcome:
		return b.retryOrFail(ctx, group, ar, split)

	case kind == ledger.KindInvalid && len(group) > 1:
		// One bad record rejects the whole chunk; retrying each record on
		// its own isolates it.
		return b.retryOrFail(ctx, group, ar, singles)
	}
	return nil, b.failAll(ctx, group, ar.txHash, ar.err)
}

func (b *batchRun) retryOrFail(ctx context.Context, group []*member, ar attemptResult, regroup func([]*member) [][]*member) ([][]*member, error) {
	var retry []*member
	for _, m := range group {
		if m.attempt >= b.s.cfg.MaxAttempts+m.extra {
			res, err := b.s.fail(ctx, m.it, m.tr, m.attempt, ar.txHash, ar.err)
			if err != nil {
				return nil, err
			}
			b.results[m.index] = res
			continue
		}
		b.s.recordRetry(ctx, m.it, m.tr, m.attempt, auditlog.OutcomeFailed, ar)
		retry = append(retry, m)
	}
	if len(retry) > 0 {
		b.s.logger.Warn("batch attempt failed, retrying",
			zap.Int("records", len(retry)),
			zap.String("error_kind", string(ledger.Classify(ar.err))),
			zap.Error(ar.err),
		)
	}
	return b.backoff(ctx, retry, ar, regroup)
}

// backoff waits before retrying members. A cancelled context fails them.
func (b *batchRun) backoff(ctx context.Context, retry []*member, ar attemptResult, regroup func([]*member) [][]*member) ([][]*member, error) {
	if len(retry) == 0 {
		return nil, nil
	}
	attempt := 0
	for _, m := range retry {
		attempt = max(attempt, m.attempt)
	}
	if err := sleepCtx(ctx, b.s.cfg.backoff(attempt)); err != nil {
		for _, m := range retry {
			var (
				res  *Result
				ferr error
			)
			if ar.outcome == outcomeUnknown {
				res, ferr = b.s.finishUnknown(ctx, m.it, m.tr, m.attempt, ar)
			} else {
				res, ferr = b.s.fail(ctx, m.it, m.tr, m.attempt, ar.txHash, err)
			}
			if ferr != nil {
				return nil, ferr
			}
			b.results[m.index] = res
		}
		return nil, nil
	}
	return regroup(retry), nil
}

func (b *batchRun) failAll(ctx context.Context, group []*member, txHash string, cause error) error {
	for _, m := range group {
		res, err := b.s.fail(ctx, m.it, m.tr, m.attempt, txHash, cause)
		if err != nil {
			return err
		}
		b.results[m.index] = res
	}
	return nil
}

func rejected(productionID int64, kind ledger.ErrorKind, err error) *Result {
	return &Result{
		ProductionID: productionID,
		State:        StateFailed,
		ErrorKind:    string(kind),
		Error:        err.Error(),
	}
}

// chunk cuts work into groups of at most size members.
func chunk(work []*member, size int) [][]*member {
	if size <= 0 {
		size = 1
	}
	var out [][]*member
	for len(work) > size {
		out = append(out, work[:size:size])
		work = work[size:]
	}
	if len(work) > 0 {
		out = append(out, work)
	}
	return out
}

func split(group []*member) [][]*member {
	if len(group) <= 1 {
		return [][]*member{group}
	}
	mid := len(group) / 2
	return [][]*member{group[:mid:mid], group[mid:]}
}

func singles(group []*member) [][]*member {
	out := make([][]*member, 0, len(group))
	for _, m := range group {
		out = append(out, []*member{m})
	}
	return out
}

// shareOf attributes an even share of a batch receipt's gas to member i.
// The last member takes the remainder so shares sum to the total.
func shareOf(r *ledger.Receipt, n, i int) *ledger.Receipt {
	if n <= 1 {
		return r
	}
	per := r.GasUsed / uint64(n)
	used := per
	if i == n-1 {
		used = r.GasUsed - per*uint64(n-1)
	}
	return &ledger.Receipt{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		GasUsed:     used,
		GasPrice:    r.GasPrice,
	}
}
