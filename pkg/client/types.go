package client

import (
	"math/big"
	"time"
)

// CarbonSummary is the upstream record anchored and verified. Masses are
// kilograms CO2e; Timestamp is unix seconds.
type CarbonSummary struct {
	ProductionID    int64   `json:"production_id"`
	ProducerID      int64   `json:"producer_id"`
	TotalEmissions  float64 `json:"total_emissions"`
	TotalOffsets    float64 `json:"total_offsets"`
	CropType        string  `json:"crop_type"`
	USDACompliant   bool    `json:"usda_compliant"`
	Timestamp       int64   `json:"timestamp"`
	ProducerAddress string  `json:"producer_address,omitempty"`
}

// Anchoring states reported in AnchorResult.State.
const (
	StateConfirmed = "confirmed"
	StateFailed    = "failed"
	StateUnknown   = "unknown"
	StateQueued    = "queued"
	StateCancelled = "cancelled"
)

// AnchorResult is the outcome of an anchoring request.
type AnchorResult struct {
	ProductionID    int64  `json:"production_id"`
	State           string `json:"state"`
	RecordHash      string `json:"record_hash,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	CostWei         string `json:"cost_wei,omitempty"`
	Verified        bool   `json:"verified"`
	ExplorerURL     string `json:"explorer_url,omitempty"`
	Attempts        int    `json:"attempts"`
	ErrorKind       string `json:"error_kind,omitempty"`
	Error           string `json:"error,omitempty"`
	Cached          bool   `json:"cached,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
}

// AnchoredRecord is the on-ledger record. Masses are grams.
type AnchoredRecord struct {
	DataHash       string `json:"data_hash"`
	ProducerID     int64  `json:"producer_id"`
	ProductionID   int64  `json:"production_id"`
	TotalEmissions int64  `json:"total_emissions"`
	TotalOffsets   int64  `json:"total_offsets"`
	NetFootprint   int64  `json:"net_footprint"`
	CropType       string `json:"crop_type"`
	USDACompliant  bool   `json:"usda_compliant"`
	CreditsIssued  bool   `json:"credits_issued"`
	CreditsAmount  int64  `json:"credits_amount"`
	Timestamp      int64  `json:"timestamp"`
	SubmittedBy    string `json:"submitted_by"`
}

// VerificationResult is the outcome of Verify.
type VerificationResult struct {
	ProductionID   int64           `json:"production_id"`
	Verified       bool            `json:"verified"`
	OnChainHash    string          `json:"on_chain_hash"`
	RecomputedHash string          `json:"recomputed_hash"`
	MismatchFields []string        `json:"mismatch_fields,omitempty"`
	Anchored       *AnchoredRecord `json:"anchored_record"`
}

// CancelResult is returned by Cancel. Outcome is "cancelled", "suppressed"
// or "dequeued".
type CancelResult struct {
	ProductionID int64  `json:"production_id"`
	Outcome      string `json:"outcome"`
}

// ReconcileReport is returned by Resume.
type ReconcileReport struct {
	Confirmed    int `json:"confirmed"`
	Reverted     int `json:"reverted"`
	Redriven     int `json:"redriven"`
	StillUnknown int `json:"still_unknown"`
	Errors       int `json:"errors"`
}

// GasRecommendation is returned by Gas.
type GasRecommendation struct {
	GasPrice     *big.Int `json:"gas_price_wei"`
	BatchSize    int      `json:"batch_size"`
	Congestion   string   `json:"congestion"`
	NetworkPrice *big.Int `json:"network_price_wei"`
	Degraded     bool     `json:"degraded"`
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID           string    `json:"id"`
	Index        int       `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	Outcome      string    `json:"outcome"`
	Terminal     bool      `json:"terminal"`
	ProductionID int64     `json:"production_id,omitempty"`
	ProducerID   int64     `json:"producer_id,omitempty"`
	Attempt      int       `json:"attempt"`
	RecordHash   string    `json:"record_hash,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	BlockNumber  uint64    `json:"block_number,omitempty"`
	GasUsed      uint64    `json:"gas_used,omitempty"`
	GasPriceWei  string    `json:"gas_price_wei,omitempty"`
	CostWei      string    `json:"cost_wei,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// AuditPage is returned by Audit.
type AuditPage struct {
	Entries int           `json:"entries"`
	Root    string        `json:"root"`
	Offset  int           `json:"offset"`
	Items   []*AuditEntry `json:"items"`
}

// AuditIntegrity is returned by VerifyAudit.
type AuditIntegrity struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Health is returned by Health.
type Health struct {
	Status     string `json:"status"`
	LedgerMode string `json:"ledger_mode"`
	Halted     bool   `json:"halted"`
	Ledger     struct {
		Healthy             bool      `json:"healthy"`
		ConsecutiveFailures int       `json:"consecutive_failures"`
		LastCheckedAt       time.Time `json:"last_checked_at"`
	} `json:"ledger"`
}
