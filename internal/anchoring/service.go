// Package anchoring drives carbon summaries onto the ledger.
//
// Each production moves through Pending, Hashing, Registering and
// Submitting to one of Confirmed, Failed or Unknown. Calls for the same
// production are serialised; calls for different productions run
// concurrently. Every terminal outcome is written to the audit log before it
// is returned.
package anchoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/gas"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"github.com/jmerrifield20/carbonanchor/internal/pending"
	"github.com/jmerrifield20/carbonanchor/internal/producer"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Registrar ensures a producer exists on-ledger.
type Registrar interface {
	EnsureRegistered(ctx context.Context, producerID int64, address string) (*producer.Result, error)
}

// GasAdvisor recommends gas prices and batch sizes.
type GasAdvisor interface {
	Recommend(ctx context.Context, pending int) gas.Recommendation
}

// Notifier delivers operator events. Delivery is best effort.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Operator event types.
const (
	EventAnchorFailed      = "anchor.failed"
	EventAnchorUnknown     = "anchor.unknown"
	EventFundsInsufficient = "ledger.funds_insufficient"
)

// Service is the anchoring orchestrator. Safe for concurrent use.
type Service struct {
	client   ledger.Client
	registry Registrar
	gas      GasAdvisor
	audit    auditlog.Log
	store    pending.Store
	notifier Notifier
	cfg      Config
	logger   *zap.Logger

	locks    *lockTable
	inflight *xsync.Map[int64, *tracker]
	halted   atomic.Bool
}

// NewService creates a Service. store may be nil, in which case an
// in-memory store is used.
func NewService(
	client ledger.Client,
	registry Registrar,
	advisor GasAdvisor,
	audit auditlog.Log,
	store pending.Store,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if store == nil {
		store = pending.NewMemoryStore()
	}
	return &Service{
		client:   client,
		registry: registry,
		gas:      advisor,
		audit:    audit,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		locks:    newLockTable(),
		inflight: xsync.NewMap[int64, *tracker](),
	}
}

// SetNotifier configures operator notifications.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Halted reports whether anchoring is paused for insufficient funds.
func (s *Service) Halted() bool {
	return s.halted.Load()
}

// Anchor hashes summary and anchors it on the ledger.
//
// An invalid summary fails with *record.EncodingError before any ledger
// call. Every ledger outcome, including failure, is reported in the Result;
// the returned error is reserved for invalid input and for a terminal
// outcome that could not be written to the audit log.
func (s *Service) Anchor(ctx context.Context, summary record.CarbonSummary) (*Result, error) {
	unlock := s.locks.lock(summary.ProductionID)
	defer unlock()

	tr := s.track(summary.ProductionID)
	defer s.inflight.Delete(summary.ProductionID)

	it, err := hashItem(tr, summary)
	if err != nil {
		metrics.RecordAnchor(string(StateFailed))
		return nil, err
	}
	if res, ok := s.cachedResult(ctx, it); ok {
		return res, nil
	}
	defer s.publishPending(ctx)

	if res, err := s.settlePrior(ctx, it, tr); res != nil || err != nil {
		return res, err
	}
	if s.Halted() {
		return s.enqueue(ctx, it, tr, 0)
	}
	return s.drive(ctx, it, tr)
}

// Status reports the current or last known state of a production.
func (s *Service) Status(ctx context.Context, productionID int64) (*Result, error) {
	if tr, ok := s.inflight.Load(productionID); ok {
		state, attempt := tr.snapshot()
		return &Result{ProductionID: productionID, State: state, Attempts: attempt}, nil
	}
	if e, err := s.audit.LatestConfirmed(ctx, productionID); err == nil {
		return s.resultFromEntry(e), nil
	} else if !errors.Is(err, auditlog.ErrNotFound) {
		return nil, fmt.Errorf("lookup confirmed entry: %w", err)
	}
	if sub, err := s.store.Get(ctx, productionID); err == nil {
		state := StateSubmitting
		switch sub.Status {
		case pending.StatusQueued:
			state = StateQueued
		case pending.StatusUnknown:
			state = StateUnknown
		}
		return &Result{
			ProductionID: productionID,
			State:        state,
			RecordHash:   sub.RecordHash,
			TxHash:       sub.TxHash,
			ExplorerURL:  s.explorerURL(sub.TxHash),
			Attempts:     sub.Attempt,
			ErrorKind:    sub.LastErrorKind,
			Error:        sub.LastError,
		}, nil
	} else if !errors.Is(err, pending.ErrNotFound) {
		return nil, fmt.Errorf("lookup pending submission: %w", err)
	}

	entries, err := s.audit.ListByProduction(ctx, productionID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if e := entries[i]; e.Operation == auditlog.OpAnchor && e.Terminal {
			return s.resultFromEntry(e), nil
		}
	}
	return nil, ErrNotFound
}

// Cancel stops an anchoring attempt that has not been dispatched yet. Once
// dispatched the transaction cannot be recalled; Cancel then only
// suppresses notifications and pending bookkeeping for it.
func (s *Service) Cancel(ctx context.Context, productionID int64) (CancelOutcome, error) {
	if tr, ok := s.inflight.Load(productionID); ok {
		outcome := tr.cancel()
		s.logger.Info("anchor cancel requested",
			zap.Int64("production_id", productionID),
			zap.String("outcome", string(outcome)),
		)
		return outcome, nil
	}

	unlock := s.locks.lock(productionID)
	defer unlock()

	sub, err := s.store.Get(ctx, productionID)
	if errors.Is(err, pending.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup pending submission: %w", err)
	}
	if sub.Status != pending.StatusQueued {
		// Unknown outcomes were dispatched and belong to the reconciler.
		return "", fmt.Errorf("production %d is %s: %w", productionID, sub.Status, ErrNotCancellable)
	}
	if err := s.appendTerminal(ctx, auditlog.Draft{
		Operation:    auditlog.OpAnchor,
		Outcome:      auditlog.OutcomeCancelled,
		Terminal:     true,
		ProductionID: productionID,
		ProducerID:   sub.ProducerID,
		Attempt:      sub.Attempt,
		RecordHash:   sub.RecordHash,
		ErrorKind:    string(ledger.KindCancelled),
		ErrorDetail:  ErrCancelled.Error(),
	}); err != nil {
		return "", err
	}
	if err := s.store.Delete(ctx, productionID); err != nil {
		s.logger.Warn("delete cancelled submission", zap.Int64("production_id", productionID), zap.Error(err))
	}
	metrics.RecordAnchor(string(StateCancelled))
	s.publishPending(ctx)
	return Dequeued, nil
}

// Resume lifts a funds halt and re-drives every queued submission.
func (s *Service) Resume(ctx context.Context) (*ReconcileReport, error) {
	if !s.halted.CompareAndSwap(true, false) {
		return nil, ErrNotHalted
	}
	metrics.SetHalted(false)
	s.logger.Info("anchoring resumed")
	return s.drainQueued(ctx)
}

func (s *Service) track(id int64) *tracker {
	tr := &tracker{state: StatePending}
	s.inflight.Store(id, tr)
	return tr
}

// cachedResult returns the earlier confirmation for it, if any.
func (s *Service) cachedResult(ctx context.Context, it *item) (*Result, bool) {
	e, err := s.audit.LatestConfirmed(ctx, it.id())
	if err != nil {
		if !errors.Is(err, auditlog.ErrNotFound) {
			s.logger.Warn("confirmed entry lookup failed", zap.Int64("production_id", it.id()), zap.Error(err))
		}
		return nil, false
	}
	if e.RecordHash != it.hash.Hex() {
		s.logger.Warn("production already anchored with different content",
			zap.Int64("production_id", it.id()),
			zap.String("anchored_hash", e.RecordHash),
			zap.String("record_hash", it.hash.Hex()),
		)
	}
	res := s.resultFromEntry(e)
	res.Cached = true
	return res, true
}

func (s *Service) resultFromEntry(e *auditlog.Entry) *Result {
	res := &Result{
		ProductionID: e.ProductionID,
		RecordHash:   e.RecordHash,
		TxHash:       e.TxHash,
		BlockNumber:  e.BlockNumber,
		GasUsed:      e.GasUsed,
		CostWei:      e.CostWei,
		ExplorerURL:  s.explorerURL(e.TxHash),
		Attempts:     e.Attempt,
		ErrorKind:    e.ErrorKind,
		Error:        e.ErrorDetail,
	}
	switch e.Outcome {
	case auditlog.OutcomeConfirmed:
		res.State = StateConfirmed
		res.Verified = true
	case auditlog.OutcomeUnknown:
		res.State = StateUnknown
	case auditlog.OutcomeCancelled:
		res.State = StateCancelled
	case auditlog.OutcomeQueued:
		res.State = StateQueued
	default:
		res.State = StateFailed
	}
	return res
}

func (s *Service) explorerURL(txHash string) string {
	if s.cfg.ExplorerBaseURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.ExplorerBaseURL, "/") + "/tx/" + txHash
}

// appendTerminal writes an entry that closes an attempt sequence. Failure
// is returned to the caller.
func (s *Service) appendTerminal(ctx context.Context, d auditlog.Draft) error {
	if _, err := s.audit.Append(context.WithoutCancel(ctx), d); err != nil {
		return fmt.Errorf("write terminal audit entry for production %d: %w", d.ProductionID, err)
	}
	metrics.RecordAuditAppend(string(d.Operation))
	return nil
}

// appendAttempt writes an intermediate entry in a non-fatal manner.
func (s *Service) appendAttempt(ctx context.Context, d auditlog.Draft) {
	if _, err := s.audit.Append(context.WithoutCancel(ctx), d); err != nil {
		s.logger.Error("audit append failed (non-fatal)",
			zap.Int64("production_id", d.ProductionID),
			zap.Int("attempt", d.Attempt),
			zap.Error(err),
		)
		return
	}
	metrics.RecordAuditAppend(string(d.Operation))
}

func (s *Service) putPending(ctx context.Context, it *item, tr *tracker, sub pending.Submission) {
	if tr != nil && tr.suppressed() {
		return
	}
	sub.ProductionID = it.id()
	sub.ProducerID = it.norm.ProducerID
	sub.RecordHash = it.hash.Hex()
	sub.Summary = it.summary
	if err := s.store.Put(context.WithoutCancel(ctx), &sub); err != nil {
		s.logger.Warn("pending submission write failed",
			zap.Int64("production_id", it.id()),
			zap.Error(err),
		)
	}
}

func (s *Service) dropPending(ctx context.Context, id int64) {
	if err := s.store.Delete(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("pending submission delete failed", zap.Int64("production_id", id), zap.Error(err))
	}
}

func (s *Service) publishPending(ctx context.Context) {
	for _, st := range []pending.Status{pending.StatusInFlight, pending.StatusUnknown, pending.StatusQueued} {
		n, err := s.store.Count(context.WithoutCancel(ctx), st)
		if err != nil {
			continue
		}
		metrics.SetPending(string(st), n)
	}
}

func (s *Service) notify(ctx context.Context, tr *tracker, event string, payload map[string]string) {
	if s.notifier == nil || (tr != nil && tr.suppressed()) {
		return
	}
	s.notifier.Dispatch(context.WithoutCancel(ctx), event, payload)
}

// halt pauses anchoring after an insufficient funds error. Only the first
// caller notifies.
func (s *Service) halt(ctx context.Context, err error) {
	if !s.halted.CompareAndSwap(false, true) {
		return
	}
	metrics.SetHalted(true)
	account := s.client.Address()
	var funds *ledger.InsufficientFundsError
	if errors.As(err, &funds) && funds.Account != "" {
		account = funds.Account
	}
	s.logger.Error("anchoring halted: top up the submitting account and resume",
		zap.String("account", account),
		zap.Error(err),
	)
	if s.notifier != nil {
		s.notifier.Dispatch(context.WithoutCancel(ctx), EventFundsInsufficient, map[string]string{
			"account": account,
			"error":   err.Error(),
		})
	}
}

// enqueue parks it until the halt is lifted.
func (s *Service) enqueue(ctx context.Context, it *item, tr *tracker, attempt int) (*Result, error) {
	tr.set(StateQueued, attempt)
	s.putPending(ctx, it, nil, pending.Submission{
		Status:        pending.StatusQueued,
		Attempt:       attempt,
		LastError:     ErrHalted.Error(),
		LastErrorKind: string(ledger.KindInsufficientFunds),
	})
	s.appendAttempt(ctx, auditlog.Draft{
		Operation:    auditlog.OpAnchor,
		Outcome:      auditlog.OutcomeQueued,
		ProductionID: it.id(),
		ProducerID:   it.norm.ProducerID,
		Attempt:      attempt,
		RecordHash:   it.hash.Hex(),
		ErrorKind:    string(ledger.KindInsufficientFunds),
		ErrorDetail:  ErrHalted.Error(),
	})
	metrics.RecordAnchor(string(StateQueued))
	s.logger.Info("anchor queued while halted", zap.Int64("production_id", it.id()))
	return &Result{
		ProductionID: it.id(),
		State:        StateQueued,
		RecordHash:   it.hash.Hex(),
		Attempts:     attempt,
		ErrorKind:    string(ledger.KindInsufficientFunds),
		Error:        ErrHalted.Error(),
	}, nil
}

func productionPayload(it *item) map[string]string {
	return map[string]string{
		"production_id": strconv.FormatInt(it.id(), 10),
		"producer_id":   strconv.FormatInt(it.norm.ProducerID, 10),
		"record_hash":   it.hash.Hex(),
	}
}
