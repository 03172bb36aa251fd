package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the hash of the genesis entry. Every later entry chains
// from it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Operation is the kind of attempt an entry records.
type Operation string

const (
	OpGenesis  Operation = "genesis"
	OpRegister Operation = "register"
	OpAnchor   Operation = "anchor"
	OpVerify   Operation = "verify"
)

// Outcome is the result of one attempt.
type Outcome string

const (
	OutcomeConfirmed         Outcome = "confirmed"
	OutcomeAlreadyRegistered Outcome = "already_registered"
	OutcomeFailed            Outcome = "failed"
	OutcomeUnknown           Outcome = "unknown"
	OutcomeQueued            Outcome = "queued"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeVerified          Outcome = "verified"
	OutcomeMismatch          Outcome = "mismatch"
	OutcomeNotAnchored       Outcome = "not_anchored"
)

// Entry is one immutable audit row.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`

	Operation Operation `json:"operation"`
	Outcome   Outcome   `json:"outcome"`
	// Terminal marks the entry that closed the attempt sequence for a
	// production: a final confirmation, failure or unresolved outcome.
	Terminal bool `json:"terminal"`

	ProductionID int64  `json:"production_id,omitempty"`
	ProducerID   int64  `json:"producer_id,omitempty"`
	Attempt      int    `json:"attempt"`
	RecordHash   string `json:"record_hash,omitempty"`

	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	GasPriceWei string `json:"gas_price_wei,omitempty"`
	CostWei     string `json:"cost_wei,omitempty"`

	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Draft is the caller-supplied content of an entry. The log assigns the ID,
// index, timestamp and chain hashes.
type Draft struct {
	Operation    Operation
	Outcome      Outcome
	Terminal     bool
	ProductionID int64
	ProducerID   int64
	Attempt      int
	RecordHash   string
	TxHash       string
	BlockNumber  uint64
	GasUsed      uint64
	GasPrice     *big.Int
	ErrorKind    string
	ErrorDetail  string
}

// ErrInvalidDraft is returned when a Draft is inconsistent with its
// operation.
var ErrInvalidDraft = errors.New("invalid audit draft")

// builders maps each operation to the pure function that shapes its entry.
var builders = map[Operation]func(Draft) (Entry, error){
	OpRegister: buildRegister,
	OpAnchor:   buildAnchor,
	OpVerify:   buildVerify,
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDraft, fmt.Sprintf(format, args...))
}

// newEntry builds the unchained part of an entry from d.
func newEntry(d Draft) (Entry, error) {
	build, ok := builders[d.Operation]
	if !ok {
		return Entry{}, invalid("unknown operation %q", d.Operation)
	}
	return build(d)
}

func base(d Draft) Entry {
	return Entry{
		ID:           uuid.New(),
		Operation:    d.Operation,
		Outcome:      d.Outcome,
		Terminal:     d.Terminal,
		ProductionID: d.ProductionID,
		ProducerID:   d.ProducerID,
		Attempt:      d.Attempt,
		RecordHash:   d.RecordHash,
		TxHash:       d.TxHash,
		ErrorKind:    d.ErrorKind,
		ErrorDetail:  d.ErrorDetail,
	}
}

// withCost fills gas fields. Cost is gasUsed × gasPrice.
func withCost(e Entry, d Draft) Entry {
	e.BlockNumber = d.BlockNumber
	e.GasUsed = d.GasUsed
	if d.GasPrice != nil {
		e.GasPriceWei = d.GasPrice.String()
		e.CostWei = new(big.Int).Mul(new(big.Int).SetUint64(d.GasUsed), d.GasPrice).String()
	}
	return e
}

func buildRegister(d Draft) (Entry, error) {
	if d.ProducerID <= 0 {
		return Entry{}, invalid("register entry needs a producer id")
	}
	switch d.Outcome {
	case OutcomeConfirmed:
		if d.TxHash == "" {
			return Entry{}, invalid("confirmed registration needs a tx hash")
		}
	case OutcomeAlreadyRegistered, OutcomeFailed, OutcomeUnknown:
	default:
		return Entry{}, invalid("register entry cannot have outcome %q", d.Outcome)
	}
	return withCost(base(d), d), nil
}

func buildAnchor(d Draft) (Entry, error) {
	if d.ProductionID <= 0 {
		return Entry{}, invalid("anchor entry needs a production id")
	}
	switch d.Outcome {
	case OutcomeConfirmed:
		// The tx hash can be missing when a landed hash was discovered by
		// lookup after a send whose hash was never returned.
		if d.RecordHash == "" {
			return Entry{}, invalid("confirmed anchor needs a record hash")
		}
	case OutcomeFailed, OutcomeUnknown, OutcomeQueued, OutcomeCancelled:
	default:
		return Entry{}, invalid("anchor entry cannot have outcome %q", d.Outcome)
	}
	return withCost(base(d), d), nil
}

func buildVerify(d Draft) (Entry, error) {
	if d.ProductionID <= 0 {
		return Entry{}, invalid("verify entry needs a production id")
	}
	switch d.Outcome {
	case OutcomeVerified, OutcomeMismatch, OutcomeNotAnchored, OutcomeFailed:
	default:
		return Entry{}, invalid("verify entry cannot have outcome %q", d.Outcome)
	}
	// Reads cost nothing; gas fields stay empty.
	e := base(d)
	e.TxHash = ""
	return e, nil
}

// genesisEntry returns the fixed first entry of every chain.
func genesisEntry(ts time.Time) *Entry {
	return &Entry{
		ID:        uuid.Nil,
		Index:     0,
		Timestamp: ts,
		Operation: OpGenesis,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// hashEntry computes the SHA-256 over an entry's content and its
// predecessor's hash. Never called on the genesis entry.
func hashEntry(e *Entry) string {
	fields := []string{
		strconv.Itoa(e.Index),
		e.ID.String(),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Operation),
		string(e.Outcome),
		strconv.FormatBool(e.Terminal),
		strconv.FormatInt(e.ProductionID, 10),
		strconv.FormatInt(e.ProducerID, 10),
		strconv.Itoa(e.Attempt),
		e.RecordHash,
		e.TxHash,
		strconv.FormatUint(e.BlockNumber, 10),
		strconv.FormatUint(e.GasUsed, 10),
		e.GasPriceWei,
		e.CostWei,
		e.ErrorKind,
		e.ErrorDetail,
		e.PrevHash,
	}
	// Length-prefixed so text cannot move across a field boundary.
	buf := make([]byte, 0, 512)
	for _, f := range fields {
		buf = strconv.AppendInt(buf, int64(len(f)), 10)
		buf = append(buf, ':')
		buf = append(buf, f...)
	}
	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:])
}

// checkLink validates curr against its predecessor. prev is nil for the
// first entry, which must be the genesis entry.
func checkLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
