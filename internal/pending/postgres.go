package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `production_id, producer_id, record_hash, status, attempt, last_error,
	last_error_kind, tx_hash, next_retry_at, summary, created_at, updated_at`

// PostgresStore persists submissions in the pending_submissions table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, sub *Submission) error {
	summary, err := json.Marshal(sub.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	var next *time.Time
	if !sub.NextRetryAt.IsZero() {
		t := sub.NextRetryAt.UTC()
		next = &t
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO pending_submissions
		   (production_id, producer_id, record_hash, status, attempt, last_error,
		    last_error_kind, tx_hash, next_retry_at, summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (production_id) DO UPDATE SET
		   producer_id = EXCLUDED.producer_id,
		   record_hash = EXCLUDED.record_hash,
		   status = EXCLUDED.status,
		   attempt = EXCLUDED.attempt,
		   last_error = EXCLUDED.last_error,
		   last_error_kind = EXCLUDED.last_error_kind,
		   tx_hash = EXCLUDED.tx_hash,
		   next_retry_at = EXCLUDED.next_retry_at,
		   summary = EXCLUDED.summary,
		   updated_at = now()`,
		sub.ProductionID, sub.ProducerID, sub.RecordHash, string(sub.Status), sub.Attempt,
		sub.LastError, sub.LastErrorKind, sub.TxHash, next, summary,
	); err != nil {
		return fmt.Errorf("upsert pending submission %d: %w", sub.ProductionID, err)
	}
	return nil
}

func scanSubmission(row pgx.Row) (*Submission, error) {
	var (
		sub     Submission
		status  string
		next    *time.Time
		summary []byte
	)
	if err := row.Scan(
		&sub.ProductionID, &sub.ProducerID, &sub.RecordHash, &status, &sub.Attempt,
		&sub.LastError, &sub.LastErrorKind, &sub.TxHash, &next, &summary,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	if next != nil {
		sub.NextRetryAt = next.UTC()
	}
	if err := json.Unmarshal(summary, &sub.Summary); err != nil {
		return nil, fmt.Errorf("decode summary for %d: %w", sub.ProductionID, err)
	}
	return &sub, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, productionID int64) (*Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM pending_submissions WHERE production_id = $1`, productionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending submission %d: %w", productionID, err)
	}
	return sub, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, productionID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM pending_submissions WHERE production_id = $1`, productionID,
	); err != nil {
		return fmt.Errorf("delete pending submission %d: %w", productionID, err)
	}
	return nil
}

// ListByStatus implements Store.
func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Submission, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+columns+` FROM pending_submissions
		 WHERE status = $1 ORDER BY created_at ASC, production_id ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	defer rows.Close()

	out := []*Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, status Status) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pending_submissions WHERE status = $1`, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending submissions: %w", err)
	}
	return n, nil
}
