package auditlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises Append across every anchord instance sharing
// the database.
const advisoryLockKey = int64(1_700_424_242)

const selectColumns = `idx, id, ts, operation, outcome, terminal, production_id, producer_id,
	attempt, record_hash, tx_hash, block_number, gas_used, gas_price_wei, cost_wei,
	error_kind, error_detail, prev_hash, hash`

// PostgresLog persists the audit chain in the audit_log table.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by pool. Call EnsureGenesis
// once before use.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// EnsureGenesis inserts the genesis entry into an empty table.
func (l *PostgresLog) EnsureGenesis(ctx context.Context) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	var n int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return fmt.Errorf("count audit entries: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := insert(ctx, tx, genesisEntry(now())); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	l.logger.Info("audit log initialised with genesis entry")
	return nil
}

// Append implements Log. It takes a transaction-scoped advisory lock, reads
// the tail, chains the new entry to it and inserts it.
func (l *PostgresLog) Append(ctx context.Context, d Draft) (*Entry, error) {
	e, err := newEntry(d)
	if err != nil {
		return nil, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM audit_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}

	e.Index = prevIdx + 1
	e.Timestamp = now()
	e.PrevHash = prevHash
	e.Hash = hashEntry(&e)

	if err := insert(ctx, tx, &e); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int("idx", e.Index),
		zap.String("operation", string(e.Operation)),
		zap.String("outcome", string(e.Outcome)),
		zap.Int64("production_id", e.ProductionID),
	)
	return &e, nil
}

func insert(ctx context.Context, tx pgx.Tx, e *Entry) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (`+selectColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.Index, e.ID, e.Timestamp, string(e.Operation), string(e.Outcome), e.Terminal,
		e.ProductionID, e.ProducerID, e.Attempt, e.RecordHash, e.TxHash,
		int64(e.BlockNumber), int64(e.GasUsed), e.GasPriceWei, e.CostWei,
		e.ErrorKind, e.ErrorDetail, e.PrevHash, e.Hash,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e              Entry
		op, outcome    string
		block, gasUsed int64
	)
	if err := row.Scan(
		&e.Index, &e.ID, &e.Timestamp, &op, &outcome, &e.Terminal,
		&e.ProductionID, &e.ProducerID, &e.Attempt, &e.RecordHash, &e.TxHash,
		&block, &gasUsed, &e.GasPriceWei, &e.CostWei,
		&e.ErrorKind, &e.ErrorDetail, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Operation = Operation(op)
	e.Outcome = Outcome(outcome)
	e.BlockNumber = uint64(block)
	e.GasUsed = uint64(gasUsed)
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func (l *PostgresLog) query(ctx context.Context, sql string, args ...any) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM audit_log WHERE idx = $1`, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// List implements Log.
func (l *PostgresLog) List(ctx context.Context, offset, limit int) ([]*Entry, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []*Entry{}, nil
	}
	return l.query(ctx,
		`SELECT `+selectColumns+` FROM audit_log ORDER BY idx ASC OFFSET $1 LIMIT $2`, offset, limit)
}

// ListByProduction implements Log.
func (l *PostgresLog) ListByProduction(ctx context.Context, productionID int64) ([]*Entry, error) {
	return l.query(ctx,
		`SELECT `+selectColumns+` FROM audit_log WHERE production_id = $1 ORDER BY idx ASC`, productionID)
}

// LatestConfirmed implements Log.
func (l *PostgresLog) LatestConfirmed(ctx context.Context, productionID int64) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM audit_log
		 WHERE production_id = $1 AND operation = $2 AND outcome = $3
		 ORDER BY idx DESC LIMIT 1`,
		productionID, string(OpAnchor), string(OutcomeConfirmed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest confirmed for %d: %w", productionID, err)
	}
	return e, nil
}

// Verify implements Log. It streams every row in index order. O(n).
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `SELECT `+selectColumns+` FROM audit_log ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get audit root: %w", err)
	}
	return hash, nil
}
