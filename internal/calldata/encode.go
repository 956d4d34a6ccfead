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
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EncodingError reports a value that cannot be coerced to its declared type.
type EncodingError struct {
	Path   string // e.g. "arg[2].items[0]"
	Type   string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("calldata: cannot encode %s as %s: %s", e.Path, e.Type, e.Reason)
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// Coerce converts v into the Go representation go-ethereum packs for t.
func Coerce(t abi.Type, v Value) (interface{}, error) {
	rv, err := coerce(t, v, "value")
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// Pack encodes values against args positionally.
func Pack(args abi.Arguments, values []Value) ([]byte, error) {
	if len(args) != len(values) {
		return nil, fmt.Errorf("%w: %d parameters, %d values", ErrArityMismatch, len(args), len(values))
	}
	goValues := make([]interface{}, len(values))
	for i, v := range values {
		rv, err := coerce(args[i].Type, v, fmt.Sprintf("arg[%d]", i))
		if err != nil {
			return nil, err
		}
		goValues[i] = rv.Interface()
	}
	packed, err := args.Pack(goValues...)
	if err != nil {
		return nil, fmt.Errorf("calldata: pack arguments: %w", err)
	}
	return packed, nil
}

// EncodeCall returns selector ++ encoded arguments for method.
func EncodeCall(method abi.Method, values []Value) ([]byte, error) {
	packed, err := Pack(method.Inputs, values)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(method.ID)+len(packed))
	data = append(data, method.ID...)
	return append(data, packed...), nil
}

func coerce(t abi.Type, v Value, path string) (reflect.Value, error) {
	fail := func(format string, a ...interface{}) (reflect.Value, error) {
		return reflect.Value{}, &EncodingError{Path: path, Type: t.String(), Reason: fmt.Sprintf(format, a...)}
	}

	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, ok := v.integer()
		if !ok {
			return fail("expected an integer, got %s", v.Kind)
		}
		if t.T == abi.UintTy {
			if n.Sign() < 0 || n.BitLen() > t.Size {
				return fail("%s out of range", n)
			}
		} else {
			limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
			if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
				return fail("%s out of range", n)
			}
		}
		goType := t.GetType()
		if goType == bigIntType {
			return reflect.ValueOf(new(big.Int).Set(n)), nil
		}
		if t.T == abi.UintTy {
			return reflect.ValueOf(n.Uint64()).Convert(goType), nil
		}
		return reflect.ValueOf(n.Int64()).Convert(goType), nil

	case abi.BoolTy:
		if v.Kind != KindBool {
			return fail("expected a bool, got %s", v.Kind)
		}
		return reflect.ValueOf(v.Bool), nil

	case abi.StringTy:
		if v.Kind != KindString {
			return fail("expected a string, got %s", v.Kind)
		}
		return reflect.ValueOf(v.Str), nil

	case abi.BytesTy:
		if v.Kind != KindBytes {
			return fail("expected bytes, got %s", v.Kind)
		}
		return reflect.ValueOf(append([]byte{}, v.Bytes...)), nil

	case abi.FixedBytesTy:
		if v.Kind != KindBytes {
			return fail("expected bytes, got %s", v.Kind)
		}
		if len(v.Bytes) != t.Size {
			return fail("expected %d bytes, got %d", t.Size, len(v.Bytes))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(v.Bytes))
		return arr, nil

	case abi.AddressTy:
		switch {
		case v.Kind == KindAddress:
			return reflect.ValueOf(v.Addr), nil
		case v.Kind == KindBytes && len(v.Bytes) == common.AddressLength:
			return reflect.ValueOf(common.BytesToAddress(v.Bytes)), nil
		case v.Kind == KindString && common.IsHexAddress(v.Str):
			return reflect.ValueOf(common.HexToAddress(v.Str)), nil
		}
		return fail("expected an address, got %s", v.Kind)

	case abi.SliceTy:
		if v.Kind != KindArray {
			return fail("expected an array, got %s", v.Kind)
		}
		out := reflect.MakeSlice(t.GetType(), len(v.Items), len(v.Items))
		for i, item := range v.Items {
			ev, err := coerce(*t.Elem, item, fmt.Sprintf("%s.items[%d]", path, i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case abi.ArrayTy:
		if v.Kind != KindArray {
			return fail("expected an array, got %s", v.Kind)
		}
		if len(v.Items) != t.Size {
			return fail("expected %d items, got %d", t.Size, len(v.Items))
		}
		out := reflect.New(t.GetType()).Elem()
		for i, item := range v.Items {
			ev, err := coerce(*t.Elem, item, fmt.Sprintf("%s.items[%d]", path, i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case abi.TupleTy:
		if v.Kind != KindTuple {
			return fail("expected a tuple, got %s", v.Kind)
		}
		if len(v.Items) != len(t.TupleElems) {
			return fail("expected %d components, got %d", len(t.TupleElems), len(v.Items))
		}
		out := reflect.New(t.GetType()).Elem()
		for i, elem := range t.TupleElems {
			ev, err := coerce(*elem, v.Items[i], fmt.Sprintf("%s.%s", path, t.TupleRawNames[i]))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(ev)
		}
		return out, nil
	}

	return fail("unsupported parameter type")
}

// integer accepts int values and numeric strings.
func (v Value) integer() (*big.Int, bool) {
	switch v.Kind {
	case KindInt:
		if v.Int == nil {
			return new(big.Int), true
		}
		return v.Int, true
	case KindString:
		return new(big.Int).SetString(v.Str, 0)
	}
	return nil, false
}
