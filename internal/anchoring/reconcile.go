package anchoring

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"github.com/jmerrifield20/carbonanchor/internal/pending"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"go.uber.org/zap"
)

// reconcileBatchLimit caps how many submissions one pass picks up per status.
const reconcileBatchLimit = 500

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	// Confirmed counts unknown outcomes found on the ledger.
	Confirmed int `json:"confirmed"`
	// Reverted counts unknown outcomes whose transaction reverted.
	Reverted int `json:"reverted"`
	// Redriven counts submissions sent through Anchor again.
	Redriven int `json:"redriven"`
	// StillUnknown counts submissions left for a later pass.
	StillUnknown int `json:"still_unknown"`
	Errors       int `json:"errors"`
}

type reconcileCounters struct {
	confirmed, reverted, redriven, stillUnknown, errors atomic.Int32
}

func (c *reconcileCounters) report() *ReconcileReport {
	return &ReconcileReport{
		Confirmed:    int(c.confirmed.Load()),
		Reverted:     int(c.reverted.Load()),
		Redriven:     int(c.redriven.Load()),
		StillUnknown: int(c.stillUnknown.Load()),
		Errors:       int(c.errors.Load()),
	}
}

// Reconcile resolves submissions whose outcome is unknown and, unless
// anchoring is halted, re-drives queued ones. It is safe to run while
// anchoring is in progress.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	defer s.publishPending(ctx)

	unknown, err := s.store.ListByStatus(ctx, pending.StatusUnknown, reconcileBatchLimit)
	if err != nil {
		return nil, err
	}
	var queued []*pending.Submission
	if !s.Halted() {
		if queued, err = s.store.ListByStatus(ctx, pending.StatusQueued, reconcileBatchLimit); err != nil {
			return nil, err
		}
	}
	if len(unknown) == 0 && len(queued) == 0 {
		return &ReconcileReport{}, nil
	}

	var c reconcileCounters
	tasks := make([]func(context.Context), 0, len(unknown)+len(queued))
	for _, sub := range unknown {
		tasks = append(tasks, func(ctx context.Context) { s.reconcileUnknown(ctx, sub, &c) })
	}
	for _, sub := range queued {
		tasks = append(tasks, func(ctx context.Context) { s.redrive(ctx, sub, &c) })
	}
	s.runPool(ctx, tasks)

	rep := c.report()
	s.logger.Info("reconciliation pass complete",
		zap.Int("confirmed", rep.Confirmed),
		zap.Int("reverted", rep.Reverted),
		zap.Int("redriven", rep.Redriven),
		zap.Int("still_unknown", rep.StillUnknown),
		zap.Int("errors", rep.Errors),
	)
	return rep, nil
}

// drainQueued re-drives every queued submission.
func (s *Service) drainQueued(ctx context.Context) (*ReconcileReport, error) {
	defer s.publishPending(ctx)

	queued, err := s.store.ListByStatus(ctx, pending.StatusQueued, reconcileBatchLimit)
	if err != nil {
		return nil, err
	}
	var c reconcileCounters
	tasks := make([]func(context.Context), 0, len(queued))
	for _, sub := range queued {
		tasks = append(tasks, func(ctx context.Context) { s.redrive(ctx, sub, &c) })
	}
	s.runPool(ctx, tasks)
	return c.report(), nil
}

// runPool runs tasks on a bounded worker pool and waits for them.
func (s *Service) runPool(ctx context.Context, tasks []func(context.Context)) {
	if len(tasks) == 0 {
		return
	}
	pool := pond.NewPool(s.cfg.Workers, pond.WithQueueSize(max(len(tasks), 16)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, task := range tasks {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			task(groupCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("some reconciliation tasks failed", zap.Error(err))
	}
}

// redrive sends a queued or abandoned submission back through Anchor.
func (s *Service) redrive(ctx context.Context, sub *pending.Submission, c *reconcileCounters) {
	if s.Halted() {
		return
	}
	res, err := s.Anchor(ctx, sub.Summary)
	if err != nil {
		c.errors.Add(1)
		s.logger.Error("re-drive failed",
			zap.Int64("production_id", sub.ProductionID),
			zap.Error(err),
		)
		return
	}
	c.redriven.Add(1)
	s.logger.Info("submission re-driven",
		zap.Int64("production_id", sub.ProductionID),
		zap.String("state", string(res.State)),
	)
}

// reconcileUnknown looks an unknown submission up on the ledger. A
// submission nobody has seen for a full reconcile window is re-driven.
func (s *Service) reconcileUnknown(ctx context.Context, sub *pending.Submission, c *reconcileCounters) {
	unlock := s.locks.lock(sub.ProductionID)
	redrive := false
	defer func() {
		unlock()
		if redrive {
			s.redrive(ctx, sub, c)
		}
	}()

	// A concurrent caller may have resolved it already.
	if _, err := s.audit.LatestConfirmed(ctx, sub.ProductionID); err == nil {
		s.dropPending(ctx, sub.ProductionID)
		return
	}

	status, rcpt, err := s.priorStatus(ctx, sub)
	if err != nil {
		c.errors.Add(1)
		s.logger.Warn("transaction status lookup failed",
			zap.Int64("production_id", sub.ProductionID),
			zap.String("tx_hash", sub.TxHash),
			zap.Error(err),
		)
		return
	}

	switch status {
	case ledger.TxStatusConfirmed:
		if _, err := s.confirmSubmission(ctx, sub, rcpt); err != nil {
			c.errors.Add(1)
			s.logger.Error("record reconciled confirmation", zap.Error(err))
			return
		}
		c.confirmed.Add(1)

	case ledger.TxStatusReverted:
		d := auditlog.Draft{
			Operation:    auditlog.OpAnchor,
			Outcome:      auditlog.OutcomeFailed,
			Terminal:     true,
			ProductionID: sub.ProductionID,
			ProducerID:   sub.ProducerID,
			Attempt:      sub.Attempt,
			RecordHash:   sub.RecordHash,
			TxHash:       sub.TxHash,
			ErrorKind:    string(ledger.KindInvalid),
			ErrorDetail:  "transaction reverted",
		}
		if err := s.appendTerminal(ctx, d); err != nil {
			c.errors.Add(1)
			s.logger.Error("record reconciled revert", zap.Error(err))
			return
		}
		s.dropPending(ctx, sub.ProductionID)
		metrics.RecordAnchor(string(StateFailed))
		c.reverted.Add(1)

	case ledger.TxStatusPending:
		c.stillUnknown.Add(1)

	default:
		if time.Since(sub.UpdatedAt) < s.cfg.ReconcileWindow {
			c.stillUnknown.Add(1)
			return
		}
		redrive = true
	}
}

// priorStatus reports what became of the transaction a pending submission
// last dispatched. A record hash found on the ledger counts as confirmed
// even when the transaction itself cannot be found.
func (s *Service) priorStatus(ctx context.Context, sub *pending.Submission) (ledger.TxStatus, *ledger.Receipt, error) {
	status := ledger.TxStatusNotFound
	var rcpt *ledger.Receipt
	if sub.TxHash != "" {
		st, r, err := s.client.TransactionStatus(ctx, sub.TxHash)
		if err != nil {
			return ledger.TxStatusNotFound, nil, err
		}
		status, rcpt = st, r
	}
	if status != ledger.TxStatusConfirmed && status != ledger.TxStatusReverted {
		if h, err := record.ParseHash(sub.RecordHash); err == nil {
			if landed, err := s.hashLanded(ctx, h); err == nil && landed {
				status = ledger.TxStatusConfirmed
			}
		}
	}
	return status, rcpt, nil
}

// confirmSubmission closes a pending submission whose record was found on
// the ledger.
func (s *Service) confirmSubmission(ctx context.Context, sub *pending.Submission, rcpt *ledger.Receipt) (*Result, error) {
	d := auditlog.Draft{
		Operation:    auditlog.OpAnchor,
		Outcome:      auditlog.OutcomeConfirmed,
		Terminal:     true,
		ProductionID: sub.ProductionID,
		ProducerID:   sub.ProducerID,
		Attempt:      sub.Attempt,
		RecordHash:   sub.RecordHash,
		TxHash:       sub.TxHash,
	}
	if rcpt != nil {
		d.TxHash = rcpt.TxHash
		d.BlockNumber = rcpt.BlockNumber
		d.GasUsed = rcpt.GasUsed
		d.GasPrice = rcpt.GasPrice
	}
	if err := s.appendTerminal(ctx, d); err != nil {
		return nil, err
	}
	s.dropPending(ctx, sub.ProductionID)
	metrics.RecordAnchor(string(StateConfirmed))
	if rcpt != nil {
		metrics.AddGasSpent(rcpt.Cost())
	}
	s.logger.Info("outstanding submission found on ledger",
		zap.Int64("production_id", sub.ProductionID),
		zap.String("record_hash", sub.RecordHash),
		zap.String("tx_hash", d.TxHash),
	)

	res := &Result{
		ProductionID: sub.ProductionID,
		State:        StateConfirmed,
		RecordHash:   sub.RecordHash,
		TxHash:       d.TxHash,
		BlockNumber:  d.BlockNumber,
		GasUsed:      d.GasUsed,
		CostWei:      costString(rcpt),
		Verified:     true,
		ExplorerURL:  s.explorerURL(d.TxHash),
		Attempts:     sub.Attempt,
	}
	return res, nil
}

// settlePrior looks at the submission an earlier call left behind for it,
// if any, before anything is sent again. A record already on the ledger is
// confirmed. A dispatched transaction that is still pending, or that has
// not been seen for less than a reconcile window, leaves the production
// unknown. A nil Result means a fresh submission may go ahead.
func (s *Service) settlePrior(ctx context.Context, it *item, tr *tracker) (*Result, error) {
	sub, err := s.store.Get(ctx, it.id())
	if errors.Is(err, pending.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("pending submission lookup failed", zap.Int64("production_id", it.id()), zap.Error(err))
		return nil, nil
	}

	dispatched := sub.Status == pending.StatusUnknown || sub.Status == pending.StatusInFlight
	status, rcpt, err := s.priorStatus(ctx, sub)
	if err != nil {
		if !dispatched {
			return nil, nil
		}
		s.logger.Warn("outstanding transaction lookup failed",
			zap.Int64("production_id", it.id()),
			zap.String("tx_hash", sub.TxHash),
			zap.Error(err),
		)
		return s.stillUnknown(ctx, it, tr, sub)
	}

	switch status {
	case ledger.TxStatusConfirmed:
		tr.set(StateConfirmed, sub.Attempt)
		if sub.RecordHash != it.hash.Hex() {
			s.logger.Warn("production already anchored with different content",
				zap.Int64("production_id", it.id()),
				zap.String("anchored_hash", sub.RecordHash),
				zap.String("record_hash", it.hash.Hex()),
			)
		}
		return s.confirmSubmission(ctx, sub, rcpt)
	case ledger.TxStatusPending:
		return s.stillUnknown(ctx, it, tr, sub)
	case ledger.TxStatusNotFound:
		if dispatched && time.Since(sub.UpdatedAt) < s.cfg.ReconcileWindow {
			return s.stillUnknown(ctx, it, tr, sub)
		}
	}
	return nil, nil
}

// stillUnknown reports an outstanding transaction that has not resolved
// yet. Nothing is resubmitted and the submission stays with the reconciler.
func (s *Service) stillUnknown(ctx context.Context, it *item, tr *tracker, sub *pending.Submission) (*Result, error) {
	tr.set(StateUnknown, sub.Attempt)
	detail := sub.LastError
	if detail == "" {
		detail = "outcome of earlier submission not yet known"
	}
	d := anchorDraft(it, sub.Attempt, auditlog.OutcomeUnknown)
	d.Terminal = true
	d.RecordHash = sub.RecordHash
	d.TxHash = sub.TxHash
	d.ErrorKind = string(ledger.KindUnknownOutcome)
	d.ErrorDetail = detail
	if err := s.appendTerminal(ctx, d); err != nil {
		return nil, err
	}
	if sub.Status != pending.StatusUnknown {
		next := *sub
		next.Status = pending.StatusUnknown
		next.LastErrorKind = string(ledger.KindUnknownOutcome)
		if err := s.store.Put(context.WithoutCancel(ctx), &next); err != nil {
			s.logger.Warn("pending submission write failed", zap.Int64("production_id", it.id()), zap.Error(err))
		}
	}
	metrics.RecordAnchor(string(StateUnknown))
	s.logger.Info("earlier submission still unresolved, not resubmitting",
		zap.Int64("production_id", it.id()),
		zap.String("tx_hash", sub.TxHash),
		zap.Int("attempt", sub.Attempt),
	)
	return &Result{
		ProductionID: it.id(),
		State:        StateUnknown,
		RecordHash:   sub.RecordHash,
		TxHash:       sub.TxHash,
		ExplorerURL:  s.explorerURL(sub.TxHash),
		Attempts:     sub.Attempt,
		ErrorKind:    string(ledger.KindUnknownOutcome),
		Error:        detail,
	}, nil
}
