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

package calldata

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrArityMismatch means the function declares a different number of
	// parameters than the proof plus the extra arguments.
	ErrArityMismatch = errors.New("calldata: arity mismatch")

	// ErrInvalidDescriptor means the function descriptor itself is unusable.
	ErrInvalidDescriptor = errors.New("calldata: invalid function descriptor")
)

// CallSpec is what a request calls and with which extra arguments. The
// EmailAuthMsg is supplied at execution time and always occupies the
// first parameter slot.
type CallSpec struct {
	ContractAddress common.Address `json:"contract_address"`
	Function        Function       `json:"function"`
	ExtraArgs       []Value        `json:"extra_args"`
}

// Validate checks the spec without resolving any types.
func (s CallSpec) Validate() error {
	if s.Function.Name == "" {
		return fmt.Errorf("%w: missing function name", ErrInvalidDescriptor)
	}
	if want := 1 + len(s.ExtraArgs); len(s.Function.Inputs) != want {
		return fmt.Errorf("%w: %s declares %d parameters, want %d (proof + %d extra)",
			ErrArityMismatch, s.Function.Name, len(s.Function.Inputs), want, len(s.ExtraArgs))
	}
	if s.ContractAddress == (common.Address{}) {
		return fmt.Errorf("%w: zero contract address", ErrInvalidDescriptor)
	}
	return nil
}

// Method resolves the single-method interface for the spec. A bare
// "tuple" in the first slot is expanded to the EmailAuthMsg layout; an
// explicit tuple must match that layout exactly.
func (s CallSpec) Method() (abi.Method, error) {
	if err := s.Validate(); err != nil {
		return abi.Method{}, err
	}

	fn := Function{Name: s.Function.Name, Inputs: append([]Param(nil), s.Function.Inputs...)}
	first := fn.Inputs[0]
	switch {
	case first.Type == "tuple" && len(first.Components) == 0:
		fn.Inputs[0] = EmailAuthMsgParam
	case first.Type == "tuple":
		got, err := first.ABIType()
		if err != nil {
			return abi.Method{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		want, _ := EmailAuthMsgParam.ABIType()
		if got.String() != want.String() {
			return abi.Method{}, fmt.Errorf("%w: first parameter %s is not the email auth tuple %s",
				ErrInvalidDescriptor, got.String(), want.String())
		}
	default:
		return abi.Method{}, fmt.Errorf("%w: first parameter must be a tuple, got %q", ErrInvalidDescriptor, first.Type)
	}

	m, err := fn.Method()
	if err != nil {
		return abi.Method{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return m, nil
}

// Encode returns the calldata for invoking the spec with msg.
func (s CallSpec) Encode(msg EmailAuthMsg) ([]byte, error) {
	m, err := s.Method()
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, 1+len(s.ExtraArgs))
	values = append(values, msg.Value())
	values = append(values, s.ExtraArgs...)
	return EncodeCall(m, values)
}
