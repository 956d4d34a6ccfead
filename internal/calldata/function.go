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
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Param is one declared function parameter. Components are set for tuple
// types only.
type Param struct {
	Name       string  `json:"name,omitempty"`
	Type       string  `json:"type"`
	Components []Param `json:"components,omitempty"`
}

// Function describes the single function a request is allowed to invoke.
type Function struct {
	Name   string  `json:"name"`
	Inputs []Param `json:"inputs"`
}

// ParseFunction parses a signature such as "foo(tuple,uint256)" or
// "bar((uint256,bytes)[],address)". Parameter names are not supported.
func ParseFunction(sig string) (Function, error) {
	sig = strings.TrimSpace(sig)
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return Function{}, fmt.Errorf("calldata: malformed signature %q", sig)
	}
	params, err := parseParams(sig[open+1 : len(sig)-1])
	if err != nil {
		return Function{}, fmt.Errorf("calldata: signature %q: %w", sig, err)
	}
	return Function{Name: sig[:open], Inputs: params}, nil
}

func parseParams(list string) ([]Param, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}

	var (
		params []Param
		depth  int
		start  int
	)
	for i := 0; i <= len(list); i++ {
		if i < len(list) {
			switch list[i] {
			case '(':
				depth++
				continue
			case ')':
				depth--
				if depth < 0 {
					return nil, fmt.Errorf("unbalanced parentheses")
				}
				continue
			case ',':
				if depth > 0 {
					continue
				}
			default:
				continue
			}
		}
		if depth != 0 {
			return nil, fmt.Errorf("unbalanced parentheses")
		}
		p, err := parseParam(strings.TrimSpace(list[start:i]))
		if err != nil {
			return nil, err
		}
		params = append(params, p)
		start = i + 1
	}
	return params, nil
}

func parseParam(s string) (Param, error) {
	if s == "" {
		return Param{}, fmt.Errorf("empty parameter type")
	}
	if !strings.HasPrefix(s, "(") {
		return Param{Type: s}, nil
	}
	end := strings.LastIndexByte(s, ')')
	components, err := parseParams(s[1:end])
	if err != nil {
		return Param{}, err
	}
	return Param{Type: "tuple" + s[end+1:], Components: components}, nil
}

// argumentMarshaling converts the component list into go-ethereum's
// form. Tuple components need names to get struct fields, so unnamed
// components are numbered.
func argumentMarshaling(params []Param) []abi.ArgumentMarshaling {
	if len(params) == 0 {
		return nil
	}
	out := make([]abi.ArgumentMarshaling, len(params))
	for i, p := range params {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("field%d", i)
		}
		out[i] = abi.ArgumentMarshaling{
			Name:       name,
			Type:       p.Type,
			Components: argumentMarshaling(p.Components),
		}
	}
	return out
}

// ABIType resolves the parameter into a go-ethereum ABI type.
func (p Param) ABIType() (abi.Type, error) {
	t, err := abi.NewType(p.Type, "", argumentMarshaling(p.Components))
	if err != nil {
		return abi.Type{}, fmt.Errorf("calldata: parameter type %q: %w", p.Type, err)
	}
	return t, nil
}

// Arguments resolves the function's inputs.
func (f Function) Arguments() (abi.Arguments, error) {
	args := make(abi.Arguments, len(f.Inputs))
	for i, p := range f.Inputs {
		t, err := p.ABIType()
		if err != nil {
			return nil, err
		}
		args[i] = abi.Argument{Name: p.Name, Type: t}
	}
	return args, nil
}

// Method builds a one-method ABI entry for the function. The selector is
// derived from the canonical signature.
func (f Function) Method() (abi.Method, error) {
	if f.Name == "" {
		return abi.Method{}, fmt.Errorf("calldata: function name is empty")
	}
	args, err := f.Arguments()
	if err != nil {
		return abi.Method{}, err
	}
	return abi.NewMethod(f.Name, f.Name, abi.Function, "nonpayable", false, false, args, nil), nil
}
