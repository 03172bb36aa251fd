// Package ledger is the transport to the anchoring contract.
//
// A Client is constructed once in either live or mock mode and never
// switches. Live mode signs and submits EIP-155 transactions through
// go-ethereum; mock mode keeps an in-memory contract and returns
// deterministic receipts without network I/O.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/jmerrifield20/carbonanchor/internal/secrets"
	"go.uber.org/zap"
)

// Mode is fixed for the lifetime of a Client.
type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

// TxKind identifies the contract method a Transaction invokes.
type TxKind string

const (
	TxRegisterProducer TxKind = "register_producer"
	TxAnchorRecord     TxKind = "anchor_record"
	TxAnchorBatch      TxKind = "anchor_batch"
)

// AnchorPayload is one record inside an anchoring transaction.
type AnchorPayload struct {
	Hash   record.Hash
	Record record.Normalized
}

// Transaction is an unsigned write against the contract.
type Transaction struct {
	Kind TxKind

	// Registration fields.
	ProducerID      int64
	ProducerAddress string

	// Anchoring fields. TxAnchorRecord carries exactly one payload.
	Records []AnchorPayload

	// GasPrice in wei. Nil lets the client ask the network.
	GasPrice *big.Int
	// GasLimit of zero lets the client estimate.
	GasLimit uint64
}

// Receipt is the confirmation of a mined transaction.
type Receipt struct {
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
	GasUsed     uint64   `json:"gas_used"`
	GasPrice    *big.Int `json:"gas_price"`
}

// Cost returns gasUsed × gasPrice in wei.
func (r *Receipt) Cost() *big.Int {
	if r == nil || r.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.GasPrice)
}

// AnchorRecord is the on-ledger state for one production. Mass fields are
// grams.
type AnchorRecord struct {
	DataHash       record.Hash `json:"data_hash"`
	ProducerID     int64       `json:"producer_id"`
	ProductionID   int64       `json:"production_id"`
	TotalEmissions int64       `json:"total_emissions"`
	TotalOffsets   int64       `json:"total_offsets"`
	NetFootprint   int64       `json:"net_footprint"`
	CropType       string      `json:"crop_type"`
	USDACompliant  bool        `json:"usda_compliant"`
	CreditsIssued  bool        `json:"credits_issued"`
	CreditsAmount  int64       `json:"credits_amount"`
	Timestamp      int64       `json:"timestamp"`
	SubmittedBy    string      `json:"submitted_by"`
}

// Normalized returns the hashed subset of the record.
func (r AnchorRecord) Normalized() record.Normalized {
	return record.Normalized{
		ProductionID:   r.ProductionID,
		ProducerID:     r.ProducerID,
		EmissionsGrams: r.TotalEmissions,
		OffsetsGrams:   r.TotalOffsets,
		CropType:       r.CropType,
		USDACompliant:  r.USDACompliant,
		Timestamp:      r.Timestamp,
	}
}

// QueryKind selects a read-only contract call.
type QueryKind int

const (
	QueryProducerRegistered QueryKind = iota + 1
	QueryRecord
	QueryHashAnchored
)

// Query is a read against the contract. Only the fields relevant to Kind are
// consulted.
type Query struct {
	Kind         QueryKind
	ProducerID   int64
	ProductionID int64
	Hash         record.Hash
}

// QueryResult carries the answer to a Query.
type QueryResult struct {
	Registered bool
	Anchored   bool
	// Record is nil when no record exists for the production.
	Record *AnchorRecord
}

// TxStatus is the resolution state of a previously dispatched transaction.
type TxStatus string

const (
	TxStatusNotFound  TxStatus = "not_found"
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusReverted  TxStatus = "reverted"
)

// Client is the ledger transport used by the registry, anchoring and
// verification services.
type Client interface {
	Mode() Mode

	// Address is the hex account transactions are submitted from.
	Address() string

	IsConnected(ctx context.Context) bool

	// SuggestGasPrice returns the network's current gas price in wei.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// Submit signs and sends tx, then blocks until a receipt is observed or
	// the confirmation timeout elapses. A timeout yields
	// *OutcomeUnknownError: the transaction may still confirm.
	Submit(ctx context.Context, tx *Transaction) (*Receipt, error)

	// Call performs a read-only query. It never costs gas.
	Call(ctx context.Context, q Query) (*QueryResult, error)

	// TransactionStatus polls the resolution of a dispatched transaction.
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, *Receipt, error)

	// RefreshNonce discards the locally tracked account nonce so the next
	// submission re-reads it from the network.
	RefreshNonce(ctx context.Context) error
}

// Config selects and parameterises a Client.
type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	CreditsContract string
	SigningKeyRef   string
	ForceMock       bool

	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
	CallTimeout         time.Duration
}

// MockMode reports whether cfg selects mock mode: either forced, or live
// mode is impossible because the contract address or signing key is absent.
func (c Config) MockMode() bool {
	return c.ForceMock || c.ContractAddress == "" || c.SigningKeyRef == ""
}

func (c Config) withDefaults() Config {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 120 * time.Second
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// New builds the Client selected by cfg. The mode is decided here, once.
func New(ctx context.Context, cfg Config, resolver secrets.Resolver, logger *zap.Logger) (Client, error) {
	cfg = cfg.withDefaults()
	if cfg.MockMode() {
		logger.Warn("ledger client in mock mode, receipts are synthetic",
			zap.Bool("forced", cfg.ForceMock),
			zap.Bool("contract_configured", cfg.ContractAddress != ""),
			zap.Bool("signing_key_configured", cfg.SigningKeyRef != ""),
		)
		return NewMockClient(MockConfig{ChainID: cfg.ChainID}), nil
	}
	live, err := DialLive(ctx, cfg, resolver, logger)
	if err != nil {
		return nil, err
	}
	return live, nil
}
