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

// Package models defines the data structures shared across the relayer.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bcem/relayer/internal/calldata"
)

// Status is a request's position in the lifecycle.
type Status string

const (
	StatusReceived  Status = "received"
	StatusEmailSent Status = "email_sent"
	StatusReplied   Status = "replied"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// IsTerminal reports whether no further status writes are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusEmailSent, StatusReplied, StatusCompleted, StatusErrored:
		return true
	}
	return false
}

// Request is one inbound command's lifecycle record. Requests are never
// deleted.
type Request struct {
	ID           uuid.UUID          `json:"id"`
	Status       Status             `json:"status"`
	EmailAddr    string             `json:"email_addr"`
	Subject      string             `json:"subject"`
	Command      string             `json:"command"`
	AccountCode  string             `json:"account_code,omitempty"`
	ExpectsReply bool               `json:"expects_reply"`
	CallSpec     *calldata.CallSpec `json:"chain_call_spec,omitempty"`
	TxHash       string             `json:"tx_hash,omitempty"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ExpectedReply records that an outbound message solicited one reply.
type ExpectedReply struct {
	MessageID  string     `json:"message_id"`
	RequestID  uuid.UUID  `json:"request_id"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Result carries the outcome written alongside a status change.
type Result struct {
	TxHash string
	Error  string
}

// Command is a parsed, verified email command.
type Command struct {
	// MessageID is the inbound email's own Message-ID.
	MessageID    string                 `json:"message_id"`
	EmailAddr    string                 `json:"email_addr"`
	Subject      string                 `json:"subject"`
	Command      string                 `json:"command"`
	AccountCode  string                 `json:"account_code,omitempty"`
	Body         string                 `json:"body,omitempty"`
	ExpectsReply bool                   `json:"expects_reply"`
	CallSpec     *calldata.CallSpec     `json:"chain_call_spec,omitempty"`
	Proof        *calldata.EmailAuthMsg `json:"proof,omitempty"`
}

// Reply is an inbound answer to a dispatched command email.
type Reply struct {
	Email InboundEmail           `json:"email"`
	Proof *calldata.EmailAuthMsg `json:"proof,omitempty"`
}
