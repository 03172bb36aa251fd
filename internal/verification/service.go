// Package verification checks a carbon summary against its anchored record.
//
// Verification is read-only and costs no gas. A mismatch is reported as-is
// with both hashes; absence of a record is reported as *NotAnchoredError and
// is never folded into a mismatch.
package verification

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/metrics"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"go.uber.org/zap"
)

// FieldDataHash is reported when the hashes differ but every decoded field
// matches, which points at an encoding or schema change.
const FieldDataHash = "data_hash"

// NotAnchoredError means the ledger holds no record for the production.
type NotAnchoredError struct {
	ProductionID int64
}

func (e *NotAnchoredError) Error() string {
	return fmt.Sprintf("production %d is not anchored", e.ProductionID)
}

// Result is the outcome of a verification.
type Result struct {
	ProductionID   int64    `json:"production_id"`
	Verified       bool     `json:"verified"`
	OnChainHash    string   `json:"on_chain_hash"`
	RecomputedHash string   `json:"recomputed_hash"`
	MismatchFields []string `json:"mismatch_fields,omitempty"`

	// Anchored is the on-ledger record the summary was checked against.
	Anchored *ledger.AnchorRecord `json:"anchored_record"`
}

// Service verifies summaries against the ledger.
type Service struct {
	client ledger.Client
	audit  auditlog.Log
	logger *zap.Logger
}

// NewService creates a Service. audit may be nil.
func NewService(client ledger.Client, audit auditlog.Log, logger *zap.Logger) *Service {
	return &Service{client: client, audit: audit, logger: logger}
}

// Verify recomputes the hash of current and compares it byte for byte with
// the hash anchored for productionID. A zero current.ProductionID is taken
// to mean productionID.
func (s *Service) Verify(ctx context.Context, productionID int64, current record.CarbonSummary) (*Result, error) {
	if current.ProductionID == 0 {
		current.ProductionID = productionID
	}
	if current.ProductionID != productionID {
		return nil, &record.EncodingError{
			Field:  record.FieldProductionID,
			Reason: fmt.Sprintf("%d does not match requested production %d", current.ProductionID, productionID),
		}
	}
	recomputed, norm, err := record.HashSummary(current)
	if err != nil {
		return nil, err
	}

	q, err := s.client.Call(ctx, ledger.Query{Kind: ledger.QueryRecord, ProductionID: productionID})
	if err != nil {
		s.record(ctx, auditlog.Draft{
			Operation:    auditlog.OpVerify,
			Outcome:      auditlog.OutcomeFailed,
			ProductionID: productionID,
			RecordHash:   recomputed.Hex(),
			ErrorKind:    string(ledger.Classify(err)),
			ErrorDetail:  err.Error(),
		})
		metrics.RecordVerification(string(auditlog.OutcomeFailed))
		return nil, fmt.Errorf("read anchored record %d: %w", productionID, err)
	}
	if q.Record == nil || q.Record.DataHash.IsZero() {
		s.record(ctx, auditlog.Draft{
			Operation:    auditlog.OpVerify,
			Outcome:      auditlog.OutcomeNotAnchored,
			ProductionID: productionID,
			RecordHash:   recomputed.Hex(),
			ErrorKind:    string(ledger.KindNotAnchored),
		})
		metrics.RecordVerification(string(auditlog.OutcomeNotAnchored))
		return nil, &NotAnchoredError{ProductionID: productionID}
	}

	anchored := q.Record
	res := &Result{
		ProductionID:   productionID,
		Verified:       anchored.DataHash == recomputed,
		OnChainHash:    anchored.DataHash.Hex(),
		RecomputedHash: recomputed.Hex(),
		Anchored:       anchored,
	}
	outcome := auditlog.OutcomeVerified
	if !res.Verified {
		outcome = auditlog.OutcomeMismatch
		res.MismatchFields = record.Diff(anchored.Normalized(), norm)
		if len(res.MismatchFields) == 0 {
			res.MismatchFields = []string{FieldDataHash}
		}
		s.logger.Warn("anchored record does not match",
			zap.Int64("production_id", productionID),
			zap.String("on_chain_hash", res.OnChainHash),
			zap.String("recomputed_hash", res.RecomputedHash),
			zap.Strings("mismatch_fields", res.MismatchFields),
		)
	}

	d := auditlog.Draft{
		Operation:    auditlog.OpVerify,
		Outcome:      outcome,
		ProductionID: productionID,
		ProducerID:   anchored.ProducerID,
		RecordHash:   recomputed.Hex(),
	}
	if !res.Verified {
		d.ErrorDetail = fmt.Sprintf("on-chain %s, fields %v", res.OnChainHash, res.MismatchFields)
	}
	s.record(ctx, d)
	metrics.RecordVerification(string(outcome))
	return res, nil
}

// record appends an audit entry in a non-fatal manner.
func (s *Service) record(ctx context.Context, d auditlog.Draft) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(context.WithoutCancel(ctx), d); err != nil {
		s.logger.Warn("audit append failed (non-fatal)",
			zap.Int64("production_id", d.ProductionID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordAuditAppend(string(d.Operation))
}
