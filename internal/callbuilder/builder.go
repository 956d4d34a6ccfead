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

// Package callbuilder turns a call spec and an email authorization message
// into a submitted transaction.
package callbuilder

import (
	"context"

	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/calldata"
	"github.com/bcem/relayer/internal/chain"
)

// Sender submits a transaction and waits for it to confirm.
type Sender interface {
	Send(ctx context.Context, req chain.TxRequest) (*chain.Receipt, error)
}

// Builder is stateless apart from its sender.
type Builder struct {
	sender Sender
	logger *zap.Logger
}

// New creates a builder that submits through sender.
func New(sender Sender, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{sender: sender, logger: logger}
}

// Build encodes the call without touching the network. Arity is checked
// before any type resolution.
func (b *Builder) Build(spec calldata.CallSpec, msg calldata.EmailAuthMsg) (chain.TxRequest, error) {
	if err := spec.Validate(); err != nil {
		return chain.TxRequest{}, err
	}
	data, err := spec.Encode(msg)
	if err != nil {
		return chain.TxRequest{}, err
	}
	return chain.TxRequest{To: spec.ContractAddress, Data: data}, nil
}

// Execute builds and submits the call and returns the confirmed
// transaction hash. Sender errors are returned unchanged.
func (b *Builder) Execute(ctx context.Context, spec calldata.CallSpec, msg calldata.EmailAuthMsg) (string, error) {
	req, err := b.Build(spec, msg)
	if err != nil {
		b.logger.Warn("call rejected before submission",
			zap.String("function", spec.Function.Name),
			zap.String("contract", spec.ContractAddress.Hex()),
			zap.Error(err),
		)
		return "", err
	}

	receipt, err := b.sender.Send(ctx, req)
	if err != nil {
		return "", err
	}

	b.logger.Info("call confirmed",
		zap.String("function", spec.Function.Name),
		zap.String("contract", spec.ContractAddress.Hex()),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
	)
	return receipt.TxHash, nil
}
