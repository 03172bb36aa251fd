package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/jmerrifield20/carbonanchor/internal/record"
)

// Gas charged by the mock contract. The numbers are in the same order of
// magnitude as the deployed contract so cost estimates stay meaningful.
const (
	mockRegisterGas    = 65_000
	mockAnchorBaseGas  = 48_000
	mockPerRecordGas   = 120_000
	mockBatchRecordGas = 78_000
)

// MockAddress is the account the mock client reports as its signer.
const MockAddress = "0x000000000000000000000000000000000000c0de"

// MockConfig parameterises a MockClient.
type MockConfig struct {
	ChainID int64
	// GasPriceWei is the price SuggestGasPrice reports. Default 20 gwei.
	GasPriceWei *big.Int
}

// MockClient is an in-memory contract. Every call is deterministic: the
// same sequence of submissions yields the same hashes and block numbers.
type MockClient struct {
	mu        sync.Mutex
	chainID   int64
	gasPrice  *big.Int
	nonce     uint64
	block     uint64
	producers map[int64]string
	records   map[int64]AnchorRecord
	hashes    map[record.Hash]int64
	receipts  map[string]*Receipt
}

// NewMockClient returns an empty mock ledger.
func NewMockClient(cfg MockConfig) *MockClient {
	price := cfg.GasPriceWei
	if price == nil {
		price = new(big.Int).Mul(big.NewInt(20), big.NewInt(params.GWei))
	}
	return &MockClient{
		chainID:   cfg.ChainID,
		gasPrice:  new(big.Int).Set(price),
		producers: make(map[int64]string),
		records:   make(map[int64]AnchorRecord),
		hashes:    make(map[record.Hash]int64),
		receipts:  make(map[string]*Receipt),
	}
}

// Mode implements Client.
func (m *MockClient) Mode() Mode { return ModeMock }

// Address implements Client.
func (m *MockClient) Address() string { return MockAddress }

// IsConnected implements Client.
func (m *MockClient) IsConnected(context.Context) bool { return true }

// SetGasPrice changes the price reported by SuggestGasPrice.
func (m *MockClient) SetGasPrice(wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasPrice = new(big.Int).Set(wei)
}

// SuggestGasPrice implements Client.
func (m *MockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientNetworkError{Op: "gas price", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.gasPrice), nil
}

// Submit implements Client. It enforces the same preconditions as the
// contract: producers register once and each production is anchored once.
func (m *MockClient) Submit(ctx context.Context, tx *Transaction) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientNetworkError{Op: "submit", Err: err}
	}
	if tx == nil {
		return nil, &InvalidTransactionError{Reason: "nil transaction"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var gasUsed uint64
	switch tx.Kind {
	case TxRegisterProducer:
		if tx.ProducerID <= 0 || !common.IsHexAddress(tx.ProducerAddress) {
			return nil, &InvalidTransactionError{Reason: "registerProducer: bad arguments"}
		}
		if _, ok := m.producers[tx.ProducerID]; ok {
			return nil, &InvalidTransactionError{Reason: fmt.Sprintf("registerProducer: producer %d already registered", tx.ProducerID)}
		}
		gasUsed = mockRegisterGas

	case TxAnchorRecord, TxAnchorBatch:
		if len(tx.Records) == 0 || (tx.Kind == TxAnchorRecord && len(tx.Records) != 1) {
			return nil, &InvalidTransactionError{Reason: fmt.Sprintf("%s: wrong record count %d", tx.Kind, len(tx.Records))}
		}
		seen := make(map[int64]bool, len(tx.Records))
		for _, p := range tx.Records {
			id := p.Record.ProductionID
			if _, ok := m.records[id]; ok || seen[id] {
				return nil, &InvalidTransactionError{Reason: fmt.Sprintf("%s: production %d already anchored", tx.Kind, id)}
			}
			if _, ok := m.producers[p.Record.ProducerID]; !ok {
				return nil, &InvalidTransactionError{Reason: fmt.Sprintf("%s: producer %d not registered", tx.Kind, p.Record.ProducerID)}
			}
			seen[id] = true
		}
		if tx.Kind == TxAnchorRecord {
			gasUsed = mockAnchorBaseGas + mockPerRecordGas
		} else {
			gasUsed = mockAnchorBaseGas + uint64(len(tx.Records))*mockBatchRecordGas
		}

	default:
		return nil, &InvalidTransactionError{Reason: fmt.Sprintf("unknown transaction kind %q", tx.Kind)}
	}

	price := m.gasPrice
	if tx.GasPrice != nil {
		price = tx.GasPrice
	}
	if tx.GasLimit > 0 && tx.GasLimit < gasUsed {
		return nil, &InvalidTransactionError{Reason: fmt.Sprintf("out of gas: limit %d below %d", tx.GasLimit, gasUsed)}
	}

	// Apply only after every precondition held: a transaction is atomic.
	m.nonce++
	m.block++
	txHash := m.txHash(tx)

	switch tx.Kind {
	case TxRegisterProducer:
		m.producers[tx.ProducerID] = tx.ProducerAddress
	default:
		for _, p := range tx.Records {
			n := p.Record
			m.records[n.ProductionID] = AnchorRecord{
				DataHash:       p.Hash,
				ProducerID:     n.ProducerID,
				ProductionID:   n.ProductionID,
				TotalEmissions: n.EmissionsGrams,
				TotalOffsets:   n.OffsetsGrams,
				NetFootprint:   n.NetGrams(),
				CropType:       n.CropType,
				USDACompliant:  n.USDACompliant,
				Timestamp:      n.Timestamp,
				SubmittedBy:    MockAddress,
			}
			m.hashes[p.Hash] = n.ProductionID
		}
	}

	rcpt := &Receipt{
		TxHash:      txHash,
		BlockNumber: m.block,
		GasUsed:     gasUsed,
		GasPrice:    new(big.Int).Set(price),
	}
	m.receipts[txHash] = rcpt
	cp := *rcpt
	return &cp, nil
}

// txHash derives a synthetic transaction hash from the nonce and payload.
func (m *MockClient) txHash(tx *Transaction) string {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], m.nonce)
	parts := [][]byte{[]byte(MockAddress), nonce[:], []byte(tx.Kind)}
	if tx.Kind == TxRegisterProducer {
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], uint64(tx.ProducerID))
		parts = append(parts, id[:])
	}
	for _, p := range tx.Records {
		parts = append(parts, p.Hash[:])
	}
	return crypto.Keccak256Hash(parts...).Hex()
}

// Call implements Client.
func (m *MockClient) Call(ctx context.Context, q Query) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientNetworkError{Op: "call", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch q.Kind {
	case QueryProducerRegistered:
		_, ok := m.producers[q.ProducerID]
		return &QueryResult{Registered: ok}, nil
	case QueryRecord:
		rec, ok := m.records[q.ProductionID]
		if !ok {
			return &QueryResult{}, nil
		}
		return &QueryResult{Anchored: true, Record: &rec}, nil
	case QueryHashAnchored:
		_, ok := m.hashes[q.Hash]
		return &QueryResult{Anchored: ok}, nil
	}
	return nil, fmt.Errorf("ledger: unknown query kind %d", q.Kind)
}

// TransactionStatus implements Client.
func (m *MockClient) TransactionStatus(_ context.Context, txHash string) (TxStatus, *Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rcpt, ok := m.receipts[txHash]
	if !ok {
		return TxStatusNotFound, nil, nil
	}
	cp := *rcpt
	return TxStatusConfirmed, &cp, nil
}

// RefreshNonce implements Client. The mock never loses track of its nonce.
func (m *MockClient) RefreshNonce(context.Context) error { return nil }
