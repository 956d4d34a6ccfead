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

package chain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownChain = errors.New("chain not configured")
	ErrReverted     = errors.New("transaction reverted")
)

// ConfigurationError is returned by Setup and New. It is not retryable.
type ConfigurationError struct {
	Chain string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("chain %s: configuration: %v", e.Chain, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SubmissionError wraps an RPC failure while building, sending or
// executing a transaction. TxHash is empty when nothing was broadcast.
type SubmissionError struct {
	Chain  string
	Op     string
	TxHash string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain %s: %s (tx %s): %v", e.Chain, e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain %s: %s: %v", e.Chain, e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// NoReceiptError means the transaction was accepted but the confirmation
// wait ended first. The transaction may still land; callers decide whether
// to retry.
type NoReceiptError struct {
	Chain  string
	TxHash string
	Err    error
}

func (e *NoReceiptError) Error() string {
	return fmt.Sprintf("chain %s: no receipt for %s: %v", e.Chain, e.TxHash, e.Err)
}

func (e *NoReceiptError) Unwrap() error { return e.Err }
