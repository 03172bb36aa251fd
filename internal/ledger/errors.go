package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransientNetworkError covers timeouts, connection resets and rate limiting.
// Retriable.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("ledger %s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// InvalidTransactionError covers malformed, unsigned or reverted
// transactions. Not retriable, except that a nonce conflict allows a single
// retry after RefreshNonce.
type InvalidTransactionError struct {
	Reason        string
	NonceConflict bool
	Err           error
}

func (e *InvalidTransactionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: invalid transaction: %s: %v", e.Reason, e.Err)
	}
	return "ledger: invalid transaction: " + e.Reason
}

func (e *InvalidTransactionError) Unwrap() error { return e.Err }

// InsufficientFundsError means the submitting account cannot pay for gas.
// An operator has to top the account up.
type InsufficientFundsError struct {
	Account string
	Err     error
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: account %s has insufficient funds for gas; top up the account before anchoring resumes", e.Account)
}

func (e *InsufficientFundsError) Unwrap() error { return e.Err }

// OutcomeUnknownError is returned when a dispatched transaction was not
// observed as mined before the confirmation timeout. It is not a failure.
type OutcomeUnknownError struct {
	TxHash string
	Err    error
}

func (e *OutcomeUnknownError) Error() string {
	return fmt.Sprintf("ledger: outcome of %s unknown: %v", e.TxHash, e.Err)
}

func (e *OutcomeUnknownError) Unwrap() error { return e.Err }

// ErrorKind is a stable label for an error class, used in audit rows,
// metrics and API responses.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindEncoding          ErrorKind = "encoding"
	KindTransient         ErrorKind = "transient"
	KindInvalid           ErrorKind = "invalid_transaction"
	KindNonceConflict     ErrorKind = "nonce_conflict"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindUnknownOutcome    ErrorKind = "unknown_outcome"
	KindNotAnchored       ErrorKind = "not_anchored"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// Classify maps err to its ErrorKind. Errors this package does not know
// about are KindInternal; callers with richer taxonomies check those first.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		transient *TransientNetworkError
		invalid   *InvalidTransactionError
		funds     *InsufficientFundsError
		unknown   *OutcomeUnknownError
	)
	switch {
	case errors.As(err, &unknown):
		return KindUnknownOutcome
	case errors.As(err, &funds):
		return KindInsufficientFunds
	case errors.As(err, &invalid):
		if invalid.NonceConflict {
			return KindNonceConflict
		}
		return KindInvalid
	case errors.As(err, &transient):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// IsRetriable reports whether the anchoring retry loop may try again.
func IsRetriable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindUnknownOutcome:
		return true
	}
	return false
}

// classifyRPCError converts a raw RPC error into the taxonomy above. JSON-RPC
// nodes report most conditions only as message text.
func classifyRPCError(op, account string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientNetworkError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientNetworkError{Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return &InsufficientFundsError{Account: account, Err: err}
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return &InvalidTransactionError{Reason: "nonce conflict", NonceConflict: true, Err: err}
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"):
		return &TransientNetworkError{Op: op, Err: err}
	}
	return &InvalidTransactionError{Reason: op + " rejected", Err: err}
}
