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

// Package calldata describes contract calls as data: a function descriptor,
// a list of tagged argument values, and the email authorization tuple that
// every relayed call receives as its first argument. Encoding is done
// against go-ethereum's ABI types at request time, so no contract binding
// is compiled in.
package calldata

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind tags the variant held by a Value.
type Kind string

const (
	KindInt     Kind = "int"
	KindBool    Kind = "bool"
	KindBytes   Kind = "bytes"
	KindString  Kind = "string"
	KindAddress Kind = "address"
	KindArray   Kind = "array"
	KindTuple   Kind = "tuple"
)

// Value is a runtime argument value. Only the field matching Kind is
// meaningful. The declared ABI type it will be encoded as is carried
// separately by the function descriptor.
type Value struct {
	Kind  Kind
	Int   *big.Int
	Bool  bool
	Bytes []byte
	Str   string
	Addr  common.Address
	Items []Value
}

// Int returns an integer value. It is coerced to any intN/uintN type that
// can hold it.
func Int(x *big.Int) Value {
	if x == nil {
		x = new(big.Int)
	}
	return Value{Kind: KindInt, Int: new(big.Int).Set(x)}
}

// Uint64 is a convenience wrapper around Int.
func Uint64(x uint64) Value {
	return Value{Kind: KindInt, Int: new(big.Int).SetUint64(x)}
}

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func Bytes(b []byte) Value {
	return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }

func Address(a common.Address) Value { return Value{Kind: KindAddress, Addr: a} }

// Array returns a value for T[] and T[k] parameters.
func Array(items ...Value) Value { return Value{Kind: KindArray, Items: items} }

// Tuple returns a value for tuple parameters; items are positional.
func Tuple(items ...Value) Value { return Value{Kind: KindTuple, Items: items} }

// wireValue is the JSON form persisted with a request's call spec.
type wireValue struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Items []Value         `json:"items,omitempty"`
}

// MarshalJSON encodes integers as decimal strings and byte strings as 0x hex.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.Kind}
	var (
		raw []byte
		err error
	)
	switch v.Kind {
	case KindInt:
		n := v.Int
		if n == nil {
			n = new(big.Int)
		}
		raw, err = json.Marshal(n.String())
	case KindBool:
		raw, err = json.Marshal(v.Bool)
	case KindBytes:
		raw, err = json.Marshal(hexutil.Encode(v.Bytes))
	case KindString:
		raw, err = json.Marshal(v.Str)
	case KindAddress:
		raw, err = json.Marshal(v.Addr.Hex())
	case KindArray, KindTuple:
		w.Items = v.Items
	default:
		return nil, fmt.Errorf("calldata: unknown value kind %q", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	w.Value = raw
	return json.Marshal(w)
}

// UnmarshalJSON accepts the form produced by MarshalJSON. Integers may
// also be given as JSON numbers or 0x-prefixed hex strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{Kind: w.Kind}
	switch w.Kind {
	case KindInt:
		n, err := parseJSONInt(w.Value)
		if err != nil {
			return err
		}
		out.Int = n
	case KindBool:
		if err := json.Unmarshal(w.Value, &out.Bool); err != nil {
			return fmt.Errorf("calldata: bool value: %w", err)
		}
	case KindBytes:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("calldata: bytes value: %w", err)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return fmt.Errorf("calldata: bytes value %q: %w", s, err)
		}
		out.Bytes = b
	case KindString:
		if err := json.Unmarshal(w.Value, &out.Str); err != nil {
			return fmt.Errorf("calldata: string value: %w", err)
		}
	case KindAddress:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("calldata: address value: %w", err)
		}
		if !common.IsHexAddress(s) {
			return fmt.Errorf("calldata: invalid address %q", s)
		}
		out.Addr = common.HexToAddress(s)
	case KindArray, KindTuple:
		out.Items = w.Items
	default:
		return fmt.Errorf("calldata: unknown value kind %q", w.Kind)
	}

	*v = out
	return nil
}

func parseJSONInt(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			return nil, fmt.Errorf("calldata: int value must be a string or number")
		}
		s = num.String()
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("calldata: invalid integer %q", s)
	}
	return n, nil
}
