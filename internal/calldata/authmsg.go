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

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EmailProof is the nested proof record of an EmailAuthMsg.
type EmailProof struct {
	DomainName     string        `json:"domain_name"`
	PublicKeyHash  common.Hash   `json:"public_key_hash"`
	Timestamp      *big.Int      `json:"timestamp"`
	MaskedCommand  string        `json:"masked_command"`
	EmailNullifier common.Hash   `json:"email_nullifier"`
	AccountSalt    common.Hash   `json:"account_salt"`
	IsCodeExist    bool          `json:"is_code_exist"`
	Proof          hexutil.Bytes `json:"proof"`
}

// EmailAuthMsg is the authorization proof passed as the first argument of
// every relayed call. Field order matches the on-chain struct layout and
// must not change.
type EmailAuthMsg struct {
	TemplateID           *big.Int        `json:"template_id"`
	CommandParams        []hexutil.Bytes `json:"command_params"`
	SkippedCommandPrefix *big.Int        `json:"skipped_command_prefix"`
	Proof                EmailProof      `json:"proof"`
}

// EmailAuthMsgParam declares the tuple layout of EmailAuthMsg.
var EmailAuthMsgParam = Param{
	Name: "emailAuthMsg",
	Type: "tuple",
	Components: []Param{
		{Name: "templateId", Type: "uint256"},
		{Name: "commandParams", Type: "bytes[]"},
		{Name: "skippedCommandPrefix", Type: "uint256"},
		{Name: "proof", Type: "tuple", Components: []Param{
			{Name: "domainName", Type: "string"},
			{Name: "publicKeyHash", Type: "bytes32"},
			{Name: "timestamp", Type: "uint256"},
			{Name: "maskedCommand", Type: "string"},
			{Name: "emailNullifier", Type: "bytes32"},
			{Name: "accountSalt", Type: "bytes32"},
			{Name: "isCodeExist", Type: "bool"},
			{Name: "proof", Type: "bytes"},
		}},
	},
}

// Value converts the message into a tuple value for encoding.
func (m EmailAuthMsg) Value() Value {
	params := make([]Value, len(m.CommandParams))
	for i, p := range m.CommandParams {
		params[i] = Bytes(p)
	}
	p := m.Proof
	return Tuple(
		Int(m.TemplateID),
		Array(params...),
		Int(m.SkippedCommandPrefix),
		Tuple(
			String(p.DomainName),
			Bytes(p.PublicKeyHash[:]),
			Int(p.Timestamp),
			String(p.MaskedCommand),
			Bytes(p.EmailNullifier[:]),
			Bytes(p.AccountSalt[:]),
			Bool(p.IsCodeExist),
			Bytes(p.Proof),
		),
	)
}

// DecodeEmailAuthMsg converts a tuple produced by abi.Arguments.Unpack
// back into an EmailAuthMsg.
func DecodeEmailAuthMsg(unpacked interface{}) (msg EmailAuthMsg, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calldata: decode email auth msg: %v", r)
		}
	}()
	out := abi.ConvertType(unpacked, new(EmailAuthMsg)).(*EmailAuthMsg)
	return *out, nil
}
