// Package producer makes sure a producer is registered on-ledger before any
// of its records are anchored.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/gas"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Result describes what EnsureRegistered did.
type Result struct {
	ProducerID        int64  `json:"producer_id"`
	Address           string `json:"address"`
	AlreadyRegistered bool   `json:"already_registered"`
	// TxHash is set only when this call submitted the registration.
	TxHash string `json:"tx_hash,omitempty"`
}

// GasAdvisor supplies the gas price for registration transactions.
type GasAdvisor interface {
	Recommend(ctx context.Context, pending int) gas.Recommendation
}

// Registry registers producers idempotently. Safe for concurrent use.
type Registry struct {
	client ledger.Client
	audit  auditlog.Log
	gas    GasAdvisor
	logger *zap.Logger

	// confirmed holds producers seen registered on-ledger. Entries are added
	// only after a read or receipt proves registration.
	confirmed *xsync.Map[int64, string]
	locks     *xsync.Map[int64, *sync.Mutex]
}

// NewRegistry creates a Registry. audit may be nil.
func NewRegistry(client ledger.Client, audit auditlog.Log, logger *zap.Logger) *Registry {
	return &Registry{
		client:    client,
		audit:     audit,
		logger:    logger,
		confirmed: xsync.NewMap[int64, string](),
		locks:     xsync.NewMap[int64, *sync.Mutex](),
	}
}

// SetGasAdvisor configures where registration gas prices come from. Without
// one the ledger client picks the price.
func (r *Registry) SetGasAdvisor(g GasAdvisor) {
	r.gas = g
}

// IsKnown reports whether producerID is in the confirmed cache.
func (r *Registry) IsKnown(producerID int64) bool {
	_, ok := r.confirmed.Load(producerID)
	return ok
}

// EnsureRegistered registers producerID with address unless the ledger
// already has it. An empty address registers the submitting account.
//
// Calls for the same producer are serialised, so two concurrent callers
// produce at most one registration transaction.
func (r *Registry) EnsureRegistered(ctx context.Context, producerID int64, address string) (*Result, error) {
	if producerID <= 0 {
		return nil, &ledger.InvalidTransactionError{Reason: fmt.Sprintf("producer id %d must be positive", producerID)}
	}
	if address == "" {
		address = r.client.Address()
	}

	if addr, ok := r.confirmed.Load(producerID); ok {
		return &Result{ProducerID: producerID, Address: addr, AlreadyRegistered: true}, nil
	}

	mu, _ := r.locks.LoadOrStore(producerID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have finished while we waited.
	if addr, ok := r.confirmed.Load(producerID); ok {
		return &Result{ProducerID: producerID, Address: addr, AlreadyRegistered: true}, nil
	}

	registered, err := r.isRegistered(ctx, producerID)
	if err != nil {
		return nil, err
	}
	if registered {
		r.confirmed.Store(producerID, address)
		r.record(ctx, auditlog.Draft{
			Operation:  auditlog.OpRegister,
			Outcome:    auditlog.OutcomeAlreadyRegistered,
			ProducerID: producerID,
		})
		metrics.RecordRegistration(string(auditlog.OutcomeAlreadyRegistered))
		return &Result{ProducerID: producerID, Address: address, AlreadyRegistered: true}, nil
	}

	tx := &ledger.Transaction{
		Kind:            ledger.TxRegisterProducer,
		ProducerID:      producerID,
		ProducerAddress: address,
	}
	if r.gas != nil {
		tx.GasPrice = r.gas.Recommend(ctx, 1).GasPrice
	}

	rcpt, err := r.client.Submit(ctx, tx)
	if err != nil {
		return r.handleSubmitError(ctx, producerID, address, err)
	}

	r.confirmed.Store(producerID, address)
	r.record(ctx, auditlog.Draft{
		Operation:   auditlog.OpRegister,
		Outcome:     auditlog.OutcomeConfirmed,
		Terminal:    true,
		ProducerID:  producerID,
		Attempt:     1,
		TxHash:      rcpt.TxHash,
		BlockNumber: rcpt.BlockNumber,
		GasUsed:     rcpt.GasUsed,
		GasPrice:    rcpt.GasPrice,
	})
	metrics.RecordRegistration(string(auditlog.OutcomeConfirmed))
	metrics.AddGasSpent(rcpt.Cost())

	r.logger.Info("producer registered",
		zap.Int64("producer_id", producerID),
		zap.String("address", address),
		zap.String("tx_hash", rcpt.TxHash),
	)
	return &Result{ProducerID: producerID, Address: address, TxHash: rcpt.TxHash}, nil
}

// handleSubmitError resolves an unknown outcome with one more read and
// otherwise reports the failure.
func (r *Registry) handleSubmitError(ctx context.Context, producerID int64, address string, err error) (*Result, error) {
	kind := ledger.Classify(err)
	outcome := auditlog.OutcomeFailed

	if kind == ledger.KindUnknownOutcome {
		if ok, rerr := r.isRegistered(ctx, producerID); rerr == nil && ok {
			r.confirmed.Store(producerID, address)
			r.record(ctx, auditlog.Draft{
				Operation:  auditlog.OpRegister,
				Outcome:    auditlog.OutcomeConfirmed,
				Terminal:   true,
				ProducerID: producerID,
				Attempt:    1,
				TxHash:     txHashOf(err),
			})
			metrics.RecordRegistration(string(auditlog.OutcomeConfirmed))
			return &Result{ProducerID: producerID, Address: address, TxHash: txHashOf(err)}, nil
		}
		outcome = auditlog.OutcomeUnknown
	}

	r.record(ctx, auditlog.Draft{
		Operation:   auditlog.OpRegister,
		Outcome:     outcome,
		ProducerID:  producerID,
		Attempt:     1,
		TxHash:      txHashOf(err),
		ErrorKind:   string(kind),
		ErrorDetail: err.Error(),
	})
	metrics.RecordRegistration(string(outcome))
	r.logger.Warn("producer registration failed",
		zap.Int64("producer_id", producerID),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
	return nil, fmt.Errorf("register producer %d: %w", producerID, err)
}

func (r *Registry) isRegistered(ctx context.Context, producerID int64) (bool, error) {
	res, err := r.client.Call(ctx, ledger.Query{Kind: ledger.QueryProducerRegistered, ProducerID: producerID})
	if err != nil {
		return false, fmt.Errorf("check producer %d registration: %w", producerID, err)
	}
	return res.Registered, nil
}

// record appends an audit entry in a non-fatal manner.
func (r *Registry) record(ctx context.Context, d auditlog.Draft) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, d); err != nil {
		r.logger.Error("audit append failed (non-fatal)",
			zap.Int64("producer_id", d.ProducerID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordAuditAppend(string(d.Operation))
}

func txHashOf(err error) string {
	var unknown *ledger.OutcomeUnknownError
	if errors.As(err, &unknown) {
		return unknown.TxHash
	}
	return ""
}
