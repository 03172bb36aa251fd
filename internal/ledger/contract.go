package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/carbonanchor/internal/record"
)

// contractABI is the external call surface of the verification contract.
// Storage layout is the contract's business; only these methods are used.
const contractABI = `[
  {"type":"function","name":"registerProducer","stateMutability":"nonpayable",
   "inputs":[{"name":"producerId","type":"uint256"},{"name":"wallet","type":"address"}],"outputs":[]},
  {"type":"function","name":"isProducerRegistered","stateMutability":"view",
   "inputs":[{"name":"producerId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"anchorRecord","stateMutability":"nonpayable",
   "inputs":[
     {"name":"dataHash","type":"bytes32"},{"name":"producerId","type":"uint256"},
     {"name":"productionId","type":"uint256"},{"name":"totalEmissions","type":"uint256"},
     {"name":"totalOffsets","type":"uint256"},{"name":"netFootprint","type":"int256"},
     {"name":"cropType","type":"string"},{"name":"usdaCompliant","type":"bool"},
     {"name":"timestamp","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"anchorBatch","stateMutability":"nonpayable",
   "inputs":[
     {"name":"dataHashes","type":"bytes32[]"},{"name":"producerIds","type":"uint256[]"},
     {"name":"productionIds","type":"uint256[]"},{"name":"totalEmissions","type":"uint256[]"},
     {"name":"totalOffsets","type":"uint256[]"},{"name":"netFootprints","type":"int256[]"},
     {"name":"cropTypes","type":"string[]"},{"name":"usdaCompliant","type":"bool[]"},
     {"name":"timestamps","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"getRecord","stateMutability":"view",
   "inputs":[{"name":"productionId","type":"uint256"}],
   "outputs":[
     {"name":"dataHash","type":"bytes32"},{"name":"producerId","type":"uint256"},
     {"name":"productionId","type":"uint256"},{"name":"totalEmissions","type":"uint256"},
     {"name":"totalOffsets","type":"uint256"},{"name":"netFootprint","type":"int256"},
     {"name":"cropType","type":"string"},{"name":"usdaCompliant","type":"bool"},
     {"name":"creditsIssued","type":"bool"},{"name":"creditsAmount","type":"uint256"},
     {"name":"timestamp","type":"uint256"},{"name":"submittedBy","type":"address"}]},
  {"type":"function","name":"isHashAnchored","stateMutability":"view",
   "inputs":[{"name":"dataHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// contract packs calls and unpacks results for the verification contract.
type contract struct {
	abi abi.ABI
}

func newContract() (*contract, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract ABI: %w", err)
	}
	return &contract{abi: parsed}, nil
}

// packTransaction encodes the calldata for a write.
func (c *contract) packTransaction(tx *Transaction) ([]byte, error) {
	switch tx.Kind {
	case TxRegisterProducer:
		if !common.IsHexAddress(tx.ProducerAddress) {
			return nil, &InvalidTransactionError{Reason: fmt.Sprintf("producer address %q is not a hex address", tx.ProducerAddress)}
		}
		return c.abi.Pack("registerProducer", big.NewInt(tx.ProducerID), common.HexToAddress(tx.ProducerAddress))

	case TxAnchorRecord:
		if len(tx.Records) != 1 {
			return nil, &InvalidTransactionError{Reason: fmt.Sprintf("anchorRecord takes one record, got %d", len(tx.Records))}
		}
		p := tx.Records[0]
		n := p.Record
		return c.abi.Pack("anchorRecord",
			[32]byte(p.Hash),
			big.NewInt(n.ProducerID),
			big.NewInt(n.ProductionID),
			big.NewInt(n.EmissionsGrams),
			big.NewInt(n.OffsetsGrams),
			big.NewInt(n.NetGrams()),
			n.CropType,
			n.USDACompliant,
			big.NewInt(n.Timestamp),
		)

	case TxAnchorBatch:
		if len(tx.Records) == 0 {
			return nil, &InvalidTransactionError{Reason: "anchorBatch with no records"}
		}
		var (
			hashes      = make([][32]byte, len(tx.Records))
			producers   = make([]*big.Int, len(tx.Records))
			productions = make([]*big.Int, len(tx.Records))
			emissions   = make([]*big.Int, len(tx.Records))
			offsets     = make([]*big.Int, len(tx.Records))
			nets        = make([]*big.Int, len(tx.Records))
			crops       = make([]string, len(tx.Records))
			usda        = make([]bool, len(tx.Records))
			timestamps  = make([]*big.Int, len(tx.Records))
		)
		for i, p := range tx.Records {
			n := p.Record
			hashes[i] = [32]byte(p.Hash)
			producers[i] = big.NewInt(n.ProducerID)
			productions[i] = big.NewInt(n.ProductionID)
			emissions[i] = big.NewInt(n.EmissionsGrams)
			offsets[i] = big.NewInt(n.OffsetsGrams)
			nets[i] = big.NewInt(n.NetGrams())
			crops[i] = n.CropType
			usda[i] = n.USDACompliant
			timestamps[i] = big.NewInt(n.Timestamp)
		}
		return c.abi.Pack("anchorBatch", hashes, producers, productions, emissions, offsets, nets, crops, usda, timestamps)
	}
	return nil, &InvalidTransactionError{Reason: fmt.Sprintf("unknown transaction kind %q", tx.Kind)}
}

// packQuery encodes the calldata for a read and returns the method name
// needed to unpack its result.
func (c *contract) packQuery(q Query) (string, []byte, error) {
	var (
		method string
		data   []byte
		err    error
	)
	switch q.Kind {
	case QueryProducerRegistered:
		method = "isProducerRegistered"
		data, err = c.abi.Pack(method, big.NewInt(q.ProducerID))
	case QueryRecord:
		method = "getRecord"
		data, err = c.abi.Pack(method, big.NewInt(q.ProductionID))
	case QueryHashAnchored:
		method = "isHashAnchored"
		data, err = c.abi.Pack(method, [32]byte(q.Hash))
	default:
		return "", nil, fmt.Errorf("ledger: unknown query kind %d", q.Kind)
	}
	return method, data, err
}

// unpackQuery decodes the raw return data of a read.
func (c *contract) unpackQuery(method string, raw []byte) (*QueryResult, error) {
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}

	switch method {
	case "isProducerRegistered":
		ok, err := unpackBool(out, 0)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Registered: ok}, nil

	case "isHashAnchored":
		ok, err := unpackBool(out, 0)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Anchored: ok}, nil

	case "getRecord":
		rec, err := decodeRecord(out)
		if err != nil {
			return nil, err
		}
		if rec.DataHash.IsZero() {
			return &QueryResult{}, nil
		}
		return &QueryResult{Anchored: true, Record: rec}, nil
	}
	return nil, fmt.Errorf("unpack: unexpected method %s", method)
}

func decodeRecord(out []interface{}) (*AnchorRecord, error) {
	if len(out) != 12 {
		return nil, fmt.Errorf("getRecord: expected 12 outputs, got %d", len(out))
	}
	hash, ok := out[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("getRecord: dataHash has type %T", out[0])
	}
	ints := make([]int64, 0, 7)
	for _, i := range []int{1, 2, 3, 4, 5, 9, 10} {
		v, ok := out[i].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("getRecord: output %d has type %T", i, out[i])
		}
		if !v.IsInt64() {
			return nil, fmt.Errorf("getRecord: output %d overflows int64", i)
		}
		ints = append(ints, v.Int64())
	}
	crop, ok := out[6].(string)
	if !ok {
		return nil, fmt.Errorf("getRecord: cropType has type %T", out[6])
	}
	usda, err := unpackBool(out, 7)
	if err != nil {
		return nil, err
	}
	credits, err := unpackBool(out, 8)
	if err != nil {
		return nil, err
	}
	submitter, ok := out[11].(common.Address)
	if !ok {
		return nil, fmt.Errorf("getRecord: submittedBy has type %T", out[11])
	}

	return &AnchorRecord{
		DataHash:       record.Hash(hash),
		ProducerID:     ints[0],
		ProductionID:   ints[1],
		TotalEmissions: ints[2],
		TotalOffsets:   ints[3],
		NetFootprint:   ints[4],
		CropType:       crop,
		USDACompliant:  usda,
		CreditsIssued:  credits,
		CreditsAmount:  ints[5],
		Timestamp:      ints[6],
		SubmittedBy:    submitter.Hex(),
	}, nil
}

func unpackBool(out []interface{}, i int) (bool, error) {
	if i >= len(out) {
		return false, fmt.Errorf("missing output %d", i)
	}
	v, ok := out[i].(bool)
	if !ok {
		return false, fmt.Errorf("output %d has type %T, want bool", i, out[i])
	}
	return v, nil
}
