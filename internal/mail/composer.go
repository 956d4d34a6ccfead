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

package mail

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bcem/relayer/internal/models"
)

//go:embed templates/*.html
var embedded embed.FS

// Template names. Each is looked up in the override directory first.
const (
	CommandTemplate    = "command_template.html"
	AckTemplate        = "acknowledgement.html"
	CompletionTemplate = "completion.html"
	ErrorTemplate      = "error.html"
)

var templateNames = []string{CommandTemplate, AckTemplate, CompletionTemplate, ErrorTemplate}

// Composer renders the relayer's outbound emails.
type Composer struct {
	templates   map[string]*template.Template
	relayerAddr string
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithRelayerAddr sets the relayer's own address, which every template can
// show as relayerEmailAddr.
func WithRelayerAddr(addr string) ComposerOption {
	return func(c *Composer) { c.relayerAddr = addr }
}

// NewComposer loads the built-in templates, replacing any that exist in dir.
// An empty dir uses the built-ins only.
func NewComposer(dir string, opts ...ComposerOption) (*Composer, error) {
	builtin, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}

	c := &Composer{templates: make(map[string]*template.Template, len(templateNames))}
	for _, o := range opts {
		o(c)
	}
	for _, name := range templateNames {
		src := builtin
		if dir != "" {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				src = os.DirFS(dir)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("stat template %s: %w", name, err)
			}
		}
		t, err := template.ParseFS(src, name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		c.templates[name] = t
	}
	return c, nil
}

func (c *Composer) render(name string, data map[string]any) (string, error) {
	t, ok := c.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %s", name)
	}
	data["relayerEmailAddr"] = c.relayerAddr
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// CommandEmail asks the user to confirm a command by replying. The account
// code, when present, is appended to the command line.
func (c *Composer) CommandEmail(requestID uuid.UUID, emailAddr, subject, command, accountCode, body string) (models.EmailMessage, error) {
	if accountCode != "" {
		command = fmt.Sprintf("%s Code %s", command, accountCode)
	}
	html, err := c.render(CommandTemplate, map[string]any{
		"userEmailAddr": emailAddr,
		"body":          body,
		"requestId":     requestID.String(),
		"command":       command,
	})
	if err != nil {
		return models.EmailMessage{}, err
	}
	return models.EmailMessage{
		To:        emailAddr,
		Subject:   subject,
		BodyPlain: fmt.Sprintf("ZK Email request. Your request ID is %s", requestID),
		BodyHTML:  html,
	}, nil
}

// AckEmail confirms receipt of a command, threaded under the original.
func (c *Composer) AckEmail(emailAddr, command, originalMessageID, originalSubject string) (models.EmailMessage, error) {
	html, err := c.render(AckTemplate, map[string]any{
		"userEmailAddr": emailAddr,
		"request":       command,
	})
	if err != nil {
		return models.EmailMessage{}, err
	}
	return reply(emailAddr, originalSubject, originalMessageID,
		fmt.Sprintf("Hi %s!\nYour email with the command %s is received.", emailAddr, command), html), nil
}

// CompletionEmail reports a completed request and its transaction.
func (c *Composer) CompletionEmail(requestID uuid.UUID, emailAddr, txHash, originalMessageID, originalSubject string) (models.EmailMessage, error) {
	html, err := c.render(CompletionTemplate, map[string]any{
		"userEmailAddr": emailAddr,
		"requestId":     requestID.String(),
		"txHash":        txHash,
	})
	if err != nil {
		return models.EmailMessage{}, err
	}
	plain := fmt.Sprintf("Your request %s has been completed.", requestID)
	if txHash != "" {
		plain += fmt.Sprintf(" Transaction: %s", txHash)
	}
	return reply(emailAddr, originalSubject, originalMessageID, plain, html), nil
}

// ErrorEmail reports a failed request.
func (c *Composer) ErrorEmail(emailAddr, errText, originalMessageID, originalSubject string) (models.EmailMessage, error) {
	html, err := c.render(ErrorTemplate, map[string]any{
		"userEmailAddr": emailAddr,
		"error":         errText,
	})
	if err != nil {
		return models.EmailMessage{}, err
	}
	return reply(emailAddr, originalSubject, originalMessageID,
		fmt.Sprintf("An error occurred while processing your request. Error: %s", errText), html), nil
}

func reply(to, subject, messageID, plain, html string) models.EmailMessage {
	msg := models.EmailMessage{
		To:        to,
		Subject:   "Re: " + subject,
		BodyPlain: plain,
		BodyHTML:  html,
	}
	if messageID != "" {
		ref := messageID
		msg.Reference = &ref
		msg.ReplyTo = &ref
	}
	return msg
}
