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

// Package dkim is a typed client for the on-chain DKIM key-hash registry.
//
// The registry enforces its own authorization policy (signer threshold,
// activation delay, revocation). This client only submits and queries;
// validity answers reflect the contract at the time of the call and must
// not be cached.
package dkim

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/chain"
)

// Prefixes of the messages the registry signer signs.
const (
	SetPrefix    = "SET:"
	RevokePrefix = "REVOKE:"
)

const registryABI = `[
  {"type":"function","name":"setDKIMPublicKeyHash","stateMutability":"nonpayable",
   "inputs":[{"name":"selector","type":"string"},{"name":"domainName","type":"string"},
             {"name":"publicKeyHash","type":"bytes32"},{"name":"signature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"revokeDKIMPublicKeyHash","stateMutability":"nonpayable",
   "inputs":[{"name":"selector","type":"string"},{"name":"domainName","type":"string"},
             {"name":"publicKeyHash","type":"bytes32"},{"name":"signature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"isDKIMPublicKeyHashValid","stateMutability":"view",
   "inputs":[{"name":"domainName","type":"string"},{"name":"publicKeyHash","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"computeSignedMsg","stateMutability":"pure",
   "inputs":[{"name":"prefix","type":"string"},{"name":"selector","type":"string"},
             {"name":"domainName","type":"string"},{"name":"publicKeyHash","type":"bytes32"}],
   "outputs":[{"name":"","type":"string"}]}
]`

// ABI returns the registry interface used by the client.
func ABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		panic(fmt.Sprintf("dkim: invalid registry ABI: %v", err))
	}
	return parsed
}

// Gateway is the chain access the registry client needs.
type Gateway interface {
	Send(ctx context.Context, req chain.TxRequest) (*chain.Receipt, error)
	Call(ctx context.Context, contract common.Address, method abi.Method, args ...interface{}) ([]interface{}, error)
}

// Registry talks to one deployed registry contract.
type Registry struct {
	gw      Gateway
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

// NewRegistry validates the contract address and returns a client.
func NewRegistry(gw Gateway, address string, logger *zap.Logger) (*Registry, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("dkim: invalid registry address %q", address)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		gw:      gw,
		address: common.HexToAddress(address),
		abi:     ABI(),
		logger:  logger,
	}, nil
}

// Address returns the registry contract address.
func (r *Registry) Address() common.Address { return r.address }

// PublishKeyHash registers keyHash for domain. It goes through the same
// nonce discipline as every other send on the chain and returns the
// confirmed transaction hash.
func (r *Registry) PublishKeyHash(ctx context.Context, selector, domain string, keyHash common.Hash, signature []byte) (string, error) {
	return r.submit(ctx, "setDKIMPublicKeyHash", selector, domain, keyHash, signature)
}

// RevokeKeyHash revokes a previously published key hash.
func (r *Registry) RevokeKeyHash(ctx context.Context, selector, domain string, keyHash common.Hash, signature []byte) (string, error) {
	return r.submit(ctx, "revokeDKIMPublicKeyHash", selector, domain, keyHash, signature)
}

func (r *Registry) submit(ctx context.Context, method, selector, domain string, keyHash common.Hash, signature []byte) (string, error) {
	data, err := r.abi.Pack(method, selector, domain, [32]byte(keyHash), signature)
	if err != nil {
		return "", fmt.Errorf("dkim: pack %s: %w", method, err)
	}

	receipt, err := r.gw.Send(ctx, chain.TxRequest{To: r.address, Data: data})
	if err != nil {
		return "", err
	}

	r.logger.Info("dkim registry updated",
		zap.String("method", method),
		zap.String("selector", selector),
		zap.String("domain", domain),
		zap.String("key_hash", keyHash.Hex()),
		zap.String("tx_hash", receipt.TxHash),
	)
	return receipt.TxHash, nil
}

// IsKeyHashValid asks the registry whether keyHash is currently valid for
// domain.
func (r *Registry) IsKeyHashValid(ctx context.Context, domain string, keyHash common.Hash) (bool, error) {
	out, err := r.gw.Call(ctx, r.address, r.abi.Methods["isDKIMPublicKeyHashValid"], domain, [32]byte(keyHash))
	if err != nil {
		return false, fmt.Errorf("dkim: query key hash: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("dkim: unexpected result length %d", len(out))
	}
	valid, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("dkim: unexpected result type %T", out[0])
	}
	return valid, nil
}

// SignedMessage returns the exact string the registry signer must sign for
// a set or revoke operation.
func (r *Registry) SignedMessage(ctx context.Context, prefix, selector, domain string, keyHash common.Hash) (string, error) {
	out, err := r.gw.Call(ctx, r.address, r.abi.Methods["computeSignedMsg"], prefix, selector, domain, [32]byte(keyHash))
	if err != nil {
		return "", fmt.Errorf("dkim: compute signed message: %w", err)
	}
	if len(out) != 1 {
		return "", fmt.Errorf("dkim: unexpected result length %d", len(out))
	}
	msg, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("dkim: unexpected result type %T", out[0])
	}
	return msg, nil
}
