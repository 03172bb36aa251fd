package anchoring

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/gas"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"github.com/jmerrifield20/carbonanchor/internal/pending"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"go.uber.org/zap"
)

// drive runs the attempt loop for a single production. Each iteration
// produces an attemptResult; the switch below is the whole retry policy.
func (s *Service) drive(ctx context.Context, it *item, tr *tracker) (*Result, error) {
	var (
		nonceRefreshed bool
		lastTx         string
	)
	limit := s.cfg.MaxAttempts
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			// A retry must never pay twice for a record that already landed.
			if landed, err := s.hashLanded(ctx, it.hash); err == nil && landed {
				return s.confirm(ctx, it, tr, attempt, &ledger.Receipt{TxHash: lastTx})
			}
			if s.Halted() {
				return s.enqueue(ctx, it, tr, attempt-1)
			}
		}

		ar := s.attemptOnce(ctx, it, tr, attempt)
		if errors.Is(ar.err, ErrCancelled) {
			return s.cancelled(ctx, it, tr, attempt)
		}
		metrics.RecordAttempt(string(ledger.Classify(ar.err)))

		switch ar.outcome {
		case outcomeConfirmed:
			return s.confirm(ctx, it, tr, attempt, ar.receipt)

		case outcomeUnknown:
			lastTx = ar.txHash
			status, rcpt := s.resolveUnknown(ctx, []record.Hash{it.hash}, ar.txHash)
			switch status {
			case ledger.TxStatusConfirmed:
				if rcpt == nil {
					rcpt = &ledger.Receipt{TxHash: ar.txHash}
				}
				return s.confirm(ctx, it, tr, attempt, rcpt)
			case ledger.TxStatusReverted:
				ar = attemptResult{outcome: outcomeFailed, txHash: ar.txHash,
					err: &ledger.InvalidTransactionError{Reason: "transaction reverted", Err: ar.err}}
			default:
				if attempt >= limit {
					return s.finishUnknown(ctx, it, tr, attempt, ar)
				}
				s.recordRetry(ctx, it, tr, attempt, auditlog.OutcomeUnknown, ar)
				if err := sleepCtx(ctx, s.cfg.backoff(attempt)); err != nil {
					return s.finishUnknown(ctx, it, tr, attempt, ar)
				}
				continue
			}
		}

		kind := ledger.Classify(ar.err)
		switch {
		case kind == ledger.KindNonceConflict && !nonceRefreshed:
			nonceRefreshed = true
			limit++
			s.recordRetry(ctx, it, tr, attempt, auditlog.OutcomeFailed, ar)
			if err := s.client.RefreshNonce(ctx); err != nil {
				return s.fail(ctx, it, tr, attempt, ar.txHash, err)
			}
			continue

		case kind == ledger.KindInsufficientFunds:
			s.halt(ctx, ar.err)
			return s.fail(ctx, it, tr, attempt, ar.txHash, ar.err)

		case (kind == ledger.KindTransient || kind == ledger.KindUnknownOutcome) && attempt < limit:
			delay := s.cfg.backoff(attempt)
			s.recordRetry(ctx, it, tr, attempt, auditlog.OutcomeFailed, ar)
			s.logger.Warn("anchor attempt failed, retrying",
				zap.Int64("production_id", it.id()),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", limit),
				zap.Duration("retry_in", delay),
				zap.Error(ar.err),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return s.fail(ctx, it, tr, attempt, ar.txHash, err)
			}
			continue
		}
		return s.fail(ctx, it, tr, attempt, ar.txHash, ar.err)
	}
}

// attemptOnce registers the producer and submits the record. It returns
// ErrCancelled without touching the ledger if a cancel arrived first.
func (s *Service) attemptOnce(ctx context.Context, it *item, tr *tracker, attempt int) attemptResult {
	tr.set(StateRegistering, attempt)
	s.putPending(ctx, it, tr, pending.Submission{Status: pending.StatusInFlight, Attempt: attempt})

	if _, err := s.registry.EnsureRegistered(ctx, it.norm.ProducerID, it.summary.ProducerAddress); err != nil {
		return attemptResult{outcome: outcomeFailed, err: err}
	}

	rec := s.recommend(ctx, 1)
	if tr.checkpoint() {
		return attemptResult{outcome: outcomeFailed, err: ErrCancelled}
	}
	tr.set(StateSubmitting, attempt)

	return s.submit(ctx, &ledger.Transaction{
		Kind:     ledger.TxAnchorRecord,
		Records:  []ledger.AnchorPayload{it.payload()},
		GasPrice: rec.GasPrice,
	})
}

func (s *Service) submit(ctx context.Context, tx *ledger.Transaction) attemptResult {
	rcpt, err := s.client.Submit(ctx, tx)
	if err == nil {
		return attemptResult{outcome: outcomeConfirmed, receipt: rcpt, txHash: rcpt.TxHash}
	}
	if ledger.Classify(err) == ledger.KindUnknownOutcome {
		return attemptResult{outcome: outcomeUnknown, txHash: txHashOf(err), err: err}
	}
	return attemptResult{outcome: outcomeFailed, err: err}
}

func (s *Service) recommend(ctx context.Context, n int) gas.Recommendation {
	if s.gas == nil {
		return gas.Recommendation{BatchSize: n}
	}
	rec := s.gas.Recommend(ctx, n)
	metrics.RecordGasRecommendation(rec.GasPrice, string(rec.Congestion))
	return rec
}

func (s *Service) hashLanded(ctx context.Context, h record.Hash) (bool, error) {
	res, err := s.client.Call(ctx, ledger.Query{Kind: ledger.QueryHashAnchored, Hash: h})
	if err != nil {
		s.logger.Debug("hash lookup failed", zap.String("record_hash", h.Hex()), zap.Error(err))
		return false, err
	}
	return res.Anchored, nil
}

// resolveUnknown polls a dispatched transaction and the record hashes it
// carried until one of them resolves or the reconcile window closes.
// TxStatusNotFound means the window closed without a resolution.
func (s *Service) resolveUnknown(ctx context.Context, hashes []record.Hash, txHash string) (ledger.TxStatus, *ledger.Receipt) {
	deadline := time.Now().Add(s.cfg.ReconcileWindow)
	for {
		if txHash != "" {
			status, rcpt, err := s.client.TransactionStatus(ctx, txHash)
			if err == nil && (status == ledger.TxStatusConfirmed || status == ledger.TxStatusReverted) {
				return status, rcpt
			}
		}
		if s.allLanded(ctx, hashes) {
			return ledger.TxStatusConfirmed, nil
		}
		if !time.Now().Before(deadline) {
			return ledger.TxStatusNotFound, nil
		}
		if err := sleepCtx(ctx, min(s.cfg.ReconcilePoll, time.Until(deadline))); err != nil {
			return ledger.TxStatusNotFound, nil
		}
	}
}

func (s *Service) allLanded(ctx context.Context, hashes []record.Hash) bool {
	for _, h := range hashes {
		if ok, err := s.hashLanded(ctx, h); err != nil || !ok {
			return false
		}
	}
	return len(hashes) > 0
}

func anchorDraft(it *item, attempt int, outcome auditlog.Outcome) auditlog.Draft {
	return auditlog.Draft{
		Operation:    auditlog.OpAnchor,
		Outcome:      outcome,
		ProductionID: it.id(),
		ProducerID:   it.norm.ProducerID,
		Attempt:      attempt,
		RecordHash:   it.hash.Hex(),
	}
}

// recordRetry logs a non-terminal attempt and updates the pending row.
func (s *Service) recordRetry(ctx context.Context, it *item, tr *tracker, attempt int, outcome auditlog.Outcome, ar attemptResult) {
	kind := ledger.Classify(ar.err)
	d := anchorDraft(it, attempt, outcome)
	d.TxHash = ar.txHash
	d.ErrorKind = string(kind)
	if ar.err != nil {
		d.ErrorDetail = ar.err.Error()
	}
	s.appendAttempt(ctx, d)

	sub := pending.Submission{
		Status:        pending.StatusInFlight,
		Attempt:       attempt,
		LastErrorKind: string(kind),
		TxHash:        ar.txHash,
		NextRetryAt:   time.Now().Add(s.cfg.backoff(attempt)),
	}
	if ar.err != nil {
		sub.LastError = ar.err.Error()
	}
	s.putPending(ctx, it, tr, sub)
}

func (s *Service) confirm(ctx context.Context, it *item, tr *tracker, attempt int, rcpt *ledger.Receipt) (*Result, error) {
	tr.set(StateConfirmed, attempt)
	d := anchorDraft(it, attempt, auditlog.OutcomeConfirmed)
	d.Terminal = true
	d.TxHash = rcpt.TxHash
	d.BlockNumber = rcpt.BlockNumber
	d.GasUsed = rcpt.GasUsed
	d.GasPrice = rcpt.GasPrice
	if err := s.appendTerminal(ctx, d); err != nil {
		return nil, err
	}
	s.dropPending(ctx, it.id())
	metrics.RecordAnchor(string(StateConfirmed))
	metrics.AddGasSpent(rcpt.Cost())

	s.logger.Info("record anchored",
		zap.Int64("production_id", it.id()),
		zap.String("record_hash", it.hash.Hex()),
		zap.String("tx_hash", rcpt.TxHash),
		zap.Uint64("block_number", rcpt.BlockNumber),
		zap.Int("attempt", attempt),
	)
	return &Result{
		ProductionID:    it.id(),
		State:           StateConfirmed,
		RecordHash:      it.hash.Hex(),
		TxHash:          rcpt.TxHash,
		BlockNumber:     rcpt.BlockNumber,
		GasUsed:         rcpt.GasUsed,
		CostWei:         costString(rcpt),
		Verified:        true,
		ExplorerURL:     s.explorerURL(rcpt.TxHash),
		Attempts:        attempt,
		CancelRequested: tr.suppressed(),
	}, nil
}

func (s *Service) fail(ctx context.Context, it *item, tr *tracker, attempt int, txHash string, cause error) (*Result, error) {
	tr.set(StateFailed, attempt)
	kind := ledger.Classify(cause)
	d := anchorDraft(it, attempt, auditlog.OutcomeFailed)
	d.Terminal = true
	d.TxHash = txHash
	d.ErrorKind = string(kind)
	d.ErrorDetail = cause.Error()
	if err := s.appendTerminal(ctx, d); err != nil {
		return nil, err
	}
	s.dropPending(ctx, it.id())
	metrics.RecordAnchor(string(StateFailed))

	payload := productionPayload(it)
	payload["error_kind"] = string(kind)
	payload["error"] = cause.Error()
	s.notify(ctx, tr, EventAnchorFailed, payload)

	s.logger.Error("anchoring failed",
		zap.Int64("production_id", it.id()),
		zap.Int("attempt", attempt),
		zap.String("error_kind", string(kind)),
		zap.Error(cause),
	)
	return &Result{
		ProductionID:    it.id(),
		State:           StateFailed,
		RecordHash:      it.hash.Hex(),
		TxHash:          txHash,
		Attempts:        attempt,
		ErrorKind:       string(kind),
		Error:           cause.Error(),
		CancelRequested: tr.suppressed(),
	}, nil
}

// finishUnknown gives up on resolving a dispatched transaction. The
// submission stays behind for the reconciler.
func (s *Service) finishUnknown(ctx context.Context, it *item, tr *tracker, attempt int, ar attemptResult) (*Result, error) {
	tr.set(StateUnknown, attempt)
	d := anchorDraft(it, attempt, auditlog.OutcomeUnknown)
	d.Terminal = true
	d.TxHash = ar.txHash
	d.ErrorKind = string(ledger.KindUnknownOutcome)
	d.ErrorDetail = ar.err.Error()
	if err := s.appendTerminal(ctx, d); err != nil {
		return nil, err
	}
	s.putPending(ctx, it, tr, pending.Submission{
		Status:        pending.StatusUnknown,
		Attempt:       attempt,
		TxHash:        ar.txHash,
		LastError:     ar.err.Error(),
		LastErrorKind: string(ledger.KindUnknownOutcome),
	})
	metrics.RecordAnchor(string(StateUnknown))

	payload := productionPayload(it)
	payload["tx_hash"] = ar.txHash
	s.notify(ctx, tr, EventAnchorUnknown, payload)

	s.logger.Warn("anchor outcome unknown, left for reconciliation",
		zap.Int64("production_id", it.id()),
		zap.String("tx_hash", ar.txHash),
		zap.Int("attempt", attempt),
	)
	return &Result{
		ProductionID: it.id(),
		State:        StateUnknown,
		RecordHash:   it.hash.Hex(),
		TxHash:       ar.txHash,
		ExplorerURL:  s.explorerURL(ar.txHash),
		Attempts:     attempt,
		ErrorKind:    string(ledger.KindUnknownOutcome),
		Error:        ar.err.Error(),
	}, nil
}

func (s *Service) cancelled(ctx context.Context, it *item, tr *tracker, attempt int) (*Result, error) {
	tr.set(StateCancelled, attempt)
	d := anchorDraft(it, attempt, auditlog.OutcomeCancelled)
	d.Terminal = true
	d.ErrorKind = string(ledger.KindCancelled)
	d.ErrorDetail = ErrCancelled.Error()
	if err := s.appendTerminal(ctx, d); err != nil {
		return nil, err
	}
	s.dropPending(ctx, it.id())
	metrics.RecordAnchor(string(StateCancelled))
	s.logger.Info("anchor cancelled before dispatch", zap.Int64("production_id", it.id()))
	return &Result{
		ProductionID: it.id(),
		State:        StateCancelled,
		RecordHash:   it.hash.Hex(),
		Attempts:     attempt,
		ErrorKind:    string(ledger.KindCancelled),
		Error:        ErrCancelled.Error(),
	}, nil
}

func costString(r *ledger.Receipt) string {
	if r == nil || r.GasPrice == nil {
		return ""
	}
	return r.Cost().String()
}

func txHashOf(err error) string {
	var unknown *ledger.OutcomeUnknownError
	if errors.As(err, &unknown) {
		return unknown.TxHash
	}
	return ""
}
