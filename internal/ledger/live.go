package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jmerrifield20/carbonanchor/internal/secrets"
	"go.uber.org/zap"
)

// gasHeadroom pads eth_estimateGas results by 20%.
const gasHeadroom = 120

// LiveClient talks to a real network through go-ethereum.
type LiveClient struct {
	cfg      Config
	eth      *ethclient.Client
	contract *contract
	to       common.Address
	chainID  *big.Int
	signer   types.Signer
	from     common.Address
	secrets  secrets.Resolver
	nonces   *nonceAllocator
	logger   *zap.Logger
}

// DialLive connects to cfg.RPCURL and prepares a signing client. The signing
// key is resolved once here to derive the account address and discarded;
// every Submit resolves it again.
func DialLive(ctx context.Context, cfg Config, resolver secrets.Resolver, logger *zap.Logger) (*LiveClient, error) {
	cfg = cfg.withDefaults()
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger: rpc url is required in live mode")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ledger: contract address %q is not a hex address", cfg.ContractAddress)
	}
	if resolver == nil {
		return nil, errors.New("ledger: secret resolver is required in live mode")
	}

	c, err := newContract()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(dialCtx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}

	l := &LiveClient{
		cfg:      cfg,
		eth:      eth,
		contract: c,
		to:       common.HexToAddress(cfg.ContractAddress),
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		secrets:  resolver,
		logger:   logger,
	}

	key, err := l.signingKey(ctx)
	if err != nil {
		eth.Close()
		return nil, err
	}
	l.from = crypto.PubkeyToAddress(key.PublicKey)
	l.nonces = newNonceAllocator(func(ctx context.Context) (uint64, error) {
		n, err := l.eth.PendingNonceAt(ctx, l.from)
		if err != nil {
			return 0, classifyRPCError("nonce", l.from.Hex(), err)
		}
		return n, nil
	})

	logger.Info("ledger client connected",
		zap.String("mode", string(ModeLive)),
		zap.String("chain_id", chainID.String()),
		zap.String("contract", l.to.Hex()),
		zap.String("account", l.from.Hex()),
	)
	return l, nil
}

// Close releases the RPC connection.
func (l *LiveClient) Close() {
	l.eth.Close()
}

// Mode implements Client.
func (l *LiveClient) Mode() Mode { return ModeLive }

// Address implements Client.
func (l *LiveClient) Address() string { return l.from.Hex() }

// signingKey resolves the key reference. The caller must not retain it.
func (l *LiveClient) signingKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	raw, err := l.secrets.Resolve(ctx, l.cfg.SigningKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve signing key: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, &InvalidTransactionError{Reason: "signing key is not a valid secp256k1 key"}
	}
	return key, nil
}

// IsConnected implements Client.
func (l *LiveClient) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	_, err := l.eth.BlockNumber(ctx)
	return err == nil
}

// SuggestGasPrice implements Client.
func (l *LiveClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := l.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classifyRPCError("gas price", l.from.Hex(), err)
	}
	return price, nil
}

// Submit implements Client.
func (l *LiveClient) Submit(ctx context.Context, tx *Transaction) (*Receipt, error) {
	if tx == nil {
		return nil, &InvalidTransactionError{Reason: "nil transaction"}
	}
	data, err := l.contract.packTransaction(tx)
	if err != nil {
		var invalid *InvalidTransactionError
		if errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &InvalidTransactionError{Reason: "pack calldata", Err: err}
	}

	gasPrice := tx.GasPrice
	if gasPrice == nil {
		if gasPrice, err = l.SuggestGasPrice(ctx); err != nil {
			return nil, err
		}
	}

	gasLimit := tx.GasLimit
	if gasLimit == 0 {
		est, err := l.eth.EstimateGas(ctx, ethereum.CallMsg{
			From:     l.from,
			To:       &l.to,
			GasPrice: gasPrice,
			Data:     data,
		})
		if err != nil {
			return nil, classifyRPCError("estimate gas", l.from.Hex(), err)
		}
		gasLimit = est * gasHeadroom / 100
	}

	var signed *types.Transaction
	err = l.nonces.use(ctx, func(nonce uint64) error {
		key, err := l.signingKey(ctx)
		if err != nil {
			return err
		}
		unsigned := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &l.to,
			Data:     data,
		})
		signed, err = types.SignTx(unsigned, l.signer, key)
		if err != nil {
			return &InvalidTransactionError{Reason: "sign transaction", Err: err}
		}
		if err := l.eth.SendTransaction(ctx, signed); err != nil {
			// The node already holds this exact transaction: treat as sent.
			if strings.Contains(strings.ToLower(err.Error()), "already known") {
				return nil
			}
			return classifyRPCError("send transaction", l.from.Hex(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	txHash := signed.Hash().Hex()
	l.logger.Info("ledger transaction dispatched",
		zap.String("kind", string(tx.Kind)),
		zap.String("tx_hash", txHash),
		zap.Uint64("nonce", signed.Nonce()),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("gas_price_wei", gasPrice.String()),
		zap.Int("records", len(tx.Records)),
	)

	return l.waitMined(ctx, signed.Hash(), gasPrice)
}

// waitMined polls for a receipt until the confirmation timeout. Running out
// of time is reported as an unknown outcome because the transaction is
// already in the network's hands.
func (l *LiveClient) waitMined(ctx context.Context, hash common.Hash, gasPrice *big.Int) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := l.eth.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil:
			return l.toReceipt(hash, rcpt, gasPrice)
		case errors.Is(err, ethereum.NotFound):
		default:
			if waitCtx.Err() == nil {
				l.logger.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			}
		}

		select {
		case <-waitCtx.Done():
			return nil, &OutcomeUnknownError{TxHash: hash.Hex(), Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

func (l *LiveClient) toReceipt(hash common.Hash, rcpt *types.Receipt, gasPrice *big.Int) (*Receipt, error) {
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return nil, &InvalidTransactionError{Reason: fmt.Sprintf("transaction %s reverted", hash.Hex())}
	}
	price := gasPrice
	if rcpt.EffectiveGasPrice != nil {
		price = rcpt.EffectiveGasPrice
	}
	var block uint64
	if rcpt.BlockNumber != nil {
		block = rcpt.BlockNumber.Uint64()
	}
	return &Receipt{
		TxHash:      hash.Hex(),
		BlockNumber: block,
		GasUsed:     rcpt.GasUsed,
		GasPrice:    price,
	}, nil
}

// Call implements Client.
func (l *LiveClient) Call(ctx context.Context, q Query) (*QueryResult, error) {
	method, data, err := l.contract.packQuery(q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	raw, err := l.eth.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &l.to, Data: data}, nil)
	if err != nil {
		return nil, classifyRPCError("call "+method, l.from.Hex(), err)
	}
	return l.contract.unpackQuery(method, raw)
}

// TransactionStatus implements Client.
func (l *LiveClient) TransactionStatus(ctx context.Context, txHash string) (TxStatus, *Receipt, error) {
	hash := common.HexToHash(txHash)
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	rcpt, err := l.eth.TransactionReceipt(ctx, hash)
	if err == nil {
		out, convErr := l.toReceipt(hash, rcpt, nil)
		if convErr != nil {
			return TxStatusReverted, nil, nil
		}
		return TxStatusConfirmed, out, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", nil, classifyRPCError("receipt", l.from.Hex(), err)
	}

	_, pending, err := l.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxStatusNotFound, nil, nil
	}
	if err != nil {
		return "", nil, classifyRPCError("transaction by hash", l.from.Hex(), err)
	}
	if pending {
		return TxStatusPending, nil, nil
	}
	// Known and not pending but without a receipt yet: still settling.
	return TxStatusPending, nil, nil
}

// RefreshNonce implements Client.
func (l *LiveClient) RefreshNonce(context.Context) error {
	l.nonces.reset()
	l.logger.Info("ledger nonce reset", zap.String("account", l.from.Hex()))
	return nil
}
