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

package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParsedEmail is an already-parsed, already-verified inbound email.
// Verification and MIME parsing happen upstream.
type ParsedEmail interface {
	Header(name string) (string, bool)
}

// InboundEmail is the JSON form of a parsed email delivered by the
// IMAP/prover bridge.
type InboundEmail struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	Subject   string            `json:"subject"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Header looks up a header case-insensitively. Message-ID falls back to the
// MessageID field.
func (e InboundEmail) Header(name string) (string, bool) {
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v, v != ""
		}
	}
	if strings.EqualFold(name, "Message-ID") && e.MessageID != "" {
		return e.MessageID, true
	}
	return "", false
}

// EmailMessage is the request body for POST {smtp_url}/api/sendEmail.
type EmailMessage struct {
	To              string       `json:"to"`
	Subject         string       `json:"subject"`
	Reference       *string      `json:"reference"`
	ReplyTo         *string      `json:"reply_to"`
	BodyPlain       string       `json:"body_plain"`
	BodyHTML        string       `json:"body_html"`
	BodyAttachments []Attachment `json:"body_attachments,omitempty"`
}

// Attachment is an inline attachment on an outbound email.
type Attachment struct {
	InlineID    string    `json:"inline_id"`
	ContentType string    `json:"content_type"`
	Contents    ByteArray `json:"contents"`
}

// ByteArray marshals as a JSON array of numbers rather than base64, which
// is what the email gateway expects.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, c := range b {
		ints[i] = int(c)
	}
	return json.Marshal(ints)
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// SendResult is the email gateway's success response.
type SendResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}
