package anchoring

import (
	"errors"
	"sync"

	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/record"
)

// State is where a production is in the anchoring state machine.
type State string

const (
	StatePending     State = "pending"
	StateHashing     State = "hashing"
	StateRegistering State = "registering"
	StateSubmitting  State = "submitting"
	StateConfirmed   State = "confirmed"
	StateFailed      State = "failed"
	StateUnknown     State = "unknown"
	StateQueued      State = "queued"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether the state ends an anchoring call. Unknown is
// terminal for the caller; the reconciler may still resolve it later.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateUnknown, StateCancelled:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned by Status and Cancel for productions the
	// service has no record of.
	ErrNotFound = errors.New("production not found")

	// ErrHalted is the error recorded on submissions queued while anchoring
	// is halted for insufficient funds.
	ErrHalted = errors.New("anchoring halted: submitting account has insufficient funds")

	// ErrCancelled is the error recorded on attempts cancelled before
	// dispatch.
	ErrCancelled = errors.New("anchoring cancelled before dispatch")

	// ErrNotHalted is returned by Resume when there is nothing to resume.
	ErrNotHalted = errors.New("anchoring is not halted")

	// ErrNotCancellable is returned by Cancel for dispatched submissions
	// awaiting reconciliation.
	ErrNotCancellable = errors.New("submission cannot be cancelled")
)

// Result is what a caller gets back for one production.
type Result struct {
	ProductionID int64  `json:"production_id"`
	State        State  `json:"state"`
	RecordHash   string `json:"record_hash,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	GasUsed      uint64 `json:"gas_used,omitempty"`
	CostWei      string `json:"cost_wei,omitempty"`
	// Verified is true once the ledger has confirmed the record.
	Verified    bool   `json:"verified"`
	ExplorerURL string `json:"explorer_url,omitempty"`
	Attempts    int    `json:"attempts"`

	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	// Cached is set when an earlier confirmation was returned instead of
	// submitting again.
	Cached bool `json:"cached,omitempty"`
	// CancelRequested is set when a cancel arrived after dispatch. The
	// ledger outcome is still reported.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// CancelOutcome describes what Cancel managed to do.
type CancelOutcome string

const (
	// CancelledBeforeDispatch stops the attempt; nothing reaches the ledger.
	CancelledBeforeDispatch CancelOutcome = "cancelled"
	// SuppressedAfterDispatch only silences local bookkeeping. The
	// transaction may still confirm.
	SuppressedAfterDispatch CancelOutcome = "suppressed"
	// Dequeued removes a submission waiting on a funds halt.
	Dequeued CancelOutcome = "dequeued"
)

// item is one validated summary moving through the service.
type item struct {
	summary record.CarbonSummary
	norm    record.Normalized
	hash    record.Hash
}

func newItem(s record.CarbonSummary) (*item, error) {
	h, n, err := record.HashSummary(s)
	if err != nil {
		return nil, err
	}
	return &item{summary: s, norm: n, hash: h}, nil
}

// hashItem validates and hashes summary, reporting Hashing on tr while it
// runs. An invalid summary leaves tr Failed.
func hashItem(tr *tracker, summary record.CarbonSummary) (*item, error) {
	tr.set(StateHashing, 0)
	it, err := newItem(summary)
	if err != nil {
		tr.set(StateFailed, 0)
		return nil, err
	}
	return it, nil
}

func (it *item) id() int64 { return it.norm.ProductionID }

func (it *item) payload() ledger.AnchorPayload {
	return ledger.AnchorPayload{Hash: it.hash, Record: it.norm}
}

// tracker is the live state of an in-flight production. The dispatched flag
// flips exactly once, at the last checkpoint before the first Submit.
type tracker struct {
	mu         sync.Mutex
	state      State
	attempt    int
	dispatched bool
	cancelled  bool
}

func (t *tracker) set(s State, attempt int) {
	t.mu.Lock()
	t.state, t.attempt = s, attempt
	t.mu.Unlock()
}

func (t *tracker) snapshot() (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.attempt
}

// checkpoint is called right before dispatch. It returns true if the attempt
// was cancelled and must not be sent.
func (t *tracker) checkpoint() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled && !t.dispatched {
		return true
	}
	t.dispatched = true
	return false
}

func (t *tracker) cancel() CancelOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.dispatched {
		return SuppressedAfterDispatch
	}
	return CancelledBeforeDispatch
}

// suppressed reports a cancel that arrived after dispatch.
func (t *tracker) suppressed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled && t.dispatched
}

// attemptOutcome is the result of one submission.
type attemptOutcome int

const (
	outcomeConfirmed attemptOutcome = iota
	outcomeFailed
	outcomeUnknown
)

type attemptResult struct {
	outcome attemptOutcome
	receipt *ledger.Receipt
	txHash  string
	err     error
}
