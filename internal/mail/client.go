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

// Package mail sends outbound email through the relayer's email gateway and
// renders the messages it sends.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/relayer/internal/config"
	"github.com/bcem/relayer/internal/models"
)

const maxErrorBody = 4 << 10

// GatewayError is a non-2xx answer from the email gateway. Body is the
// gateway's error detail.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("email gateway returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client posts messages to {smtp_url}/api/sendEmail.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewHTTPClient returns the HTTP client for the email gateway. When OAuth
// is configured, requests carry a client-credentials bearer token.
func NewHTTPClient(ctx context.Context, oauth config.OAuthConfig, timeout time.Duration) *http.Client {
	if !oauth.Enabled() {
		return &http.Client{Timeout: timeout}
	}
	creds := &clientcredentials.Config{
		ClientID:     oauth.ClientID,
		ClientSecret: oauth.ClientSecret,
		TokenURL:     oauth.TokenURL,
		Scopes:       oauth.Scopes,
	}
	c := creds.Client(ctx)
	c.Timeout = timeout
	return c
}

// NewClient creates an email gateway client.
func NewClient(httpClient *http.Client, smtpURL string, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(smtpURL, "/"),
		logger:     logger,
	}
}

// Send delivers msg and returns the gateway's message id for it. A nil
// error means the gateway accepted the message.
func (c *Client) Send(ctx context.Context, msg models.EmailMessage) (*models.SendResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sendEmail", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	var result models.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}

	c.logger.Debug("email sent",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("message_id", result.MessageID),
	)
	return &result, nil
}
