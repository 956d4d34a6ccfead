// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chain owns one signing identity per configured EVM chain and
// provides signed sends and read-only calls against it.
//
// Sends from the same identity are serialized through a per-identity nonce
// lock that is held only while the transaction is built, signed and
// accepted by the provider. Waiting for confirmations happens outside the
// lock so in-flight transactions confirm concurrently.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/config"
	"github.com/bcem/relayer/internal/metrics"
)

const (
	DefaultPollInterval        = 2 * time.Second
	DefaultConfirmationTimeout = 3 * time.Minute
)

// Backend is the subset of *ethclient.Client the gateway needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TxRequest is an unsigned call from the gateway's identity.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int // nil means zero
	GasLimit uint64   // zero means estimate
}

// Receipt is a confirmed transaction.
type Receipt struct {
	TxHash      string // 0x-prefixed
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway signs and submits transactions for one chain.
type Gateway struct {
	name    string
	chainID *big.Int
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
	backend Backend
	lock    *nonceLock

	minConfirmations uint64
	pollInterval     time.Duration
	confirmTimeout   time.Duration

	logger *zap.Logger
	closer func()
}

// Option customises a Gateway.
type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

func WithConfirmationTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.confirmTimeout = d
		}
	}
}

// Setup dials the RPC endpoint configured for chainName and returns a
// gateway for it. The endpoint's chain id must match the configured one.
func Setup(ctx context.Context, chainName string, chains map[string]config.ChainConfig, opts ...Option) (*Gateway, error) {
	cc, ok := chains[chainName]
	if !ok {
		return nil, &ConfigurationError{Chain: chainName, Err: ErrUnknownChain}
	}

	client, err := ethclient.DialContext(ctx, cc.RPCURL)
	if err != nil {
		return nil, &ConfigurationError{Chain: chainName, Err: fmt.Errorf("dial rpc: %w", err)}
	}

	g, err := New(chainName, cc, client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}

	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, &ConfigurationError{Chain: chainName, Err: fmt.Errorf("query chain id: %w", err)}
	}
	if remoteID.Cmp(g.chainID) != 0 {
		client.Close()
		return nil, &ConfigurationError{
			Chain: chainName,
			Err:   fmt.Errorf("rpc reports chain id %s, configured %s", remoteID, g.chainID),
		}
	}

	g.closer = client.Close
	g.logger.Info("chain gateway ready",
		zap.String("chain", chainName),
		zap.String("chain_id", g.chainID.String()),
		zap.String("address", g.address.Hex()),
		zap.Uint64("min_confirmations", g.minConfirmations),
	)
	return g, nil
}

// New builds a gateway over an existing backend.
func New(name string, cc config.ChainConfig, backend Backend, opts ...Option) (*Gateway, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cc.PrivateKey), "0x"))
	if err != nil {
		return nil, &ConfigurationError{Chain: name, Err: fmt.Errorf("parse private key: %w", err)}
	}
	if cc.ChainID == 0 {
		return nil, &ConfigurationError{Chain: name, Err: errors.New("chain id is zero")}
	}

	chainID := new(big.Int).SetUint64(cc.ChainID)
	address := crypto.PubkeyToAddress(key.PublicKey)

	g := &Gateway{
		name:             name,
		chainID:          chainID,
		key:              key,
		address:          address,
		signer:           types.LatestSignerForChainID(chainID),
		backend:          backend,
		lock:             nonceLocks.get(chainID, address),
		minConfirmations: cc.MinConfirmations,
		pollInterval:     DefaultPollInterval,
		confirmTimeout:   DefaultConfirmationTimeout,
		logger:           zap.NewNop(),
	}
	if g.minConfirmations == 0 {
		g.minConfirmations = config.DefaultMinConfirmations
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name returns the configured chain name.
func (g *Gateway) Name() string { return g.name }

// Address returns the signing account.
func (g *Gateway) Address() common.Address { return g.address }

// ChainID returns the configured chain id.
func (g *Gateway) ChainID() *big.Int { return new(big.Int).Set(g.chainID) }

// Close releases the RPC connection opened by Setup.
func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// Send signs and submits req, then blocks until the transaction has the
// configured number of confirmations.
func (g *Gateway) Send(ctx context.Context, req TxRequest) (*Receipt, error) {
	tx, err := g.submit(ctx, req)
	if err != nil {
		metrics.TxSubmitted.WithLabelValues(g.name, "rejected").Inc()
		return nil, err
	}
	metrics.TxSubmitted.WithLabelValues(g.name, "accepted").Inc()

	g.logger.Info("transaction submitted",
		zap.String("chain", g.name),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()),
		zap.String("to", req.To.Hex()),
	)

	start := time.Now()
	receipt, err := g.waitConfirmed(ctx, tx.Hash())
	switch {
	case err == nil:
		metrics.RecordConfirmation(g.name, "confirmed", time.Since(start))
	case errors.Is(err, ErrReverted):
		metrics.RecordConfirmation(g.name, "reverted", time.Since(start))
	default:
		metrics.RecordConfirmation(g.name, "no_receipt", time.Since(start))
	}
	return receipt, err
}

// submit holds the nonce lock from nonce selection until the provider
// accepts the transaction. The deferred release covers every exit path.
func (g *Gateway) submit(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	if err := g.lock.acquire(ctx); err != nil {
		return nil, g.submissionError("acquire nonce lock", "", err)
	}
	defer g.lock.release()

	pending, err := g.backend.PendingNonceAt(ctx, g.address)
	if err != nil {
		return nil, g.submissionError("fetch nonce", "", err)
	}
	nonce := g.lock.reserve(pending)

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gas := req.GasLimit
	if gas == 0 {
		to := req.To
		gas, err = g.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  g.address,
			To:    &to,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, g.submissionError("estimate gas", "", err)
		}
	}

	tx, err := g.buildTx(ctx, nonce, req.To, value, gas, req.Data)
	if err != nil {
		return nil, err
	}

	signed, err := types.SignTx(tx, g.signer, g.key)
	if err != nil {
		return nil, g.submissionError("sign transaction", "", err)
	}

	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		g.lock.invalidate()
		return nil, g.submissionError("send transaction", signed.Hash().Hex(), err)
	}
	g.lock.advance(nonce)
	return signed, nil
}

// buildTx prices the transaction as EIP-1559 when the chain reports a base
// fee and as legacy otherwise.
func (g *Gateway) buildTx(ctx context.Context, nonce uint64, to common.Address, value *big.Int, gas uint64, data []byte) (*types.Transaction, error) {
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, g.submissionError("fetch head", "", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := g.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, g.submissionError("suggest gas price", "", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	}

	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, g.submissionError("suggest tip", "", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

// waitConfirmed polls for the receipt and then for chain depth. The wait is
// bounded by the confirmation timeout.
func (g *Gateway) waitConfirmed(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, g.submissionError("execute", hash.Hex(), ErrReverted)
			}
			if receipt.BlockNumber == nil {
				break
			}
			included := receipt.BlockNumber.Uint64()
			head, err := g.backend.BlockNumber(ctx)
			if err != nil {
				g.logger.Debug("block number poll failed", zap.String("chain", g.name), zap.Error(err))
				break
			}
			if head+1 >= included+g.minConfirmations {
				return &Receipt{
					TxHash:      hash.Hex(),
					BlockNumber: included,
					GasUsed:     receipt.GasUsed,
				}, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			g.logger.Debug("receipt poll failed",
				zap.String("chain", g.name),
				zap.String("tx_hash", hash.Hex()),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			g.logger.Warn("confirmation wait ended without receipt",
				zap.String("chain", g.name),
				zap.String("tx_hash", hash.Hex()),
				zap.Duration("timeout", g.confirmTimeout),
			)
			return nil, &NoReceiptError{Chain: g.name, TxHash: hash.Hex(), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Call performs a read-only call of method on contract and unpacks the
// outputs. Nothing is signed and no confirmation is awaited.
func (g *Gateway) Call(ctx context.Context, contract common.Address, method abi.Method, args ...interface{}) ([]interface{}, error) {
	input, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s arguments: %w", method.Name, err)
	}
	data := append(append([]byte{}, method.ID...), input...)

	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{
		From: g.address,
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain %s: call %s: %w", g.name, method.Name, err)
	}

	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s result: %w", method.Name, err)
	}
	return values, nil
}

func (g *Gateway) submissionError(op, txHash string, err error) error {
	return &SubmissionError{Chain: g.name, Op: op, TxHash: txHash, Err: err}
}
