// Package record defines the carbon summary consumed from the footprint
// calculator and the deterministic content hash that gets anchored on-ledger.
//
// A RecordHash is the Keccak-256 digest of a versioned canonical encoding of
// the summary. Mass quantities are converted to integer grams before encoding
// so that two summaries that differ only in floating point representation
// produce the same hash on every platform.
package record

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaVersion is embedded in every canonical encoding. Bump it whenever the
// field set or encoding changes so new hashes never collide with old ones.
const SchemaVersion = "carbon-record/v1"

// GramsPerUnit converts the calculator's kilogram figures into base units.
const GramsPerUnit = 1000

// CarbonSummary is the footprint of a single production as reported by the
// upstream calculator. It is read-only here.
type CarbonSummary struct {
	ProductionID   int64   `json:"production_id"`
	ProducerID     int64   `json:"producer_id"`
	TotalEmissions float64 `json:"total_emissions"` // kg CO2e
	TotalOffsets   float64 `json:"total_offsets"`   // kg CO2e
	CropType       string  `json:"crop_type"`
	USDACompliant  bool    `json:"usda_compliant"`
	Timestamp      int64   `json:"timestamp"` // unix seconds

	// ProducerAddress is the producer's ledger address. It is not part of the
	// hashed content; when empty the submitting account is registered instead.
	ProducerAddress string `json:"producer_address,omitempty"`
}

// Normalized is a CarbonSummary with all quantities in integer grams. It is
// the exact input to the canonical encoding.
type Normalized struct {
	ProductionID   int64  `json:"production_id"`
	ProducerID     int64  `json:"producer_id"`
	EmissionsGrams int64  `json:"emissions_grams"`
	OffsetsGrams   int64  `json:"offsets_grams"`
	CropType       string `json:"crop_type"`
	USDACompliant  bool   `json:"usda_compliant"`
	Timestamp      int64  `json:"timestamp"`
}

// NetGrams returns emissions minus offsets. It may be negative.
func (n Normalized) NetGrams() int64 {
	return n.EmissionsGrams - n.OffsetsGrams
}

// Hash is a 256-bit record digest.
type Hash [32]byte

// Hex returns the 64 character lowercase hex form without a 0x prefix.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether h is the all-zero hash, which the ledger uses to
// signal an absent record.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON accepts a hex string with or without a 0x prefix.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64 character hex string, optionally 0x-prefixed.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return h, fmt.Errorf("record hash must be 64 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode record hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// EncodingError reports a summary that cannot be canonically encoded.
// It is never retriable.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode carbon summary: %s %s", e.Field, e.Reason)
}
