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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bcem/relayer/internal/models"
)

// TestClientSend verifies the request shape and the returned message id.
func TestClientSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sendEmail", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"success","message_id":"<m1@relayer>"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL+"/", zaptest.NewLogger(t))
	ref := "<orig@user>"
	res, err := c.Send(context.Background(), models.EmailMessage{
		To:        "alice@example.com",
		Subject:   "hello",
		Reference: &ref,
		BodyPlain: "plain",
		BodyHTML:  "<p>html</p>",
		BodyAttachments: []models.Attachment{
			{InlineID: "logo", ContentType: "image/png", Contents: models.ByteArray{1, 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "<m1@relayer>", res.MessageID)

	assert.Equal(t, "alice@example.com", got["to"])
	assert.Equal(t, "<orig@user>", got["reference"])
	assert.Nil(t, got["reply_to"])
	assert.Equal(t, "plain", got["body_plain"])
	atts := got["body_attachments"].([]any)
	require.Len(t, atts, 1)
	assert.Equal(t, []any{float64(1), float64(2)}, atts[0].(map[string]any)["contents"])
}

// TestClientSend_GatewayError verifies non-2xx bodies become the error detail.
func TestClientSend_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("smtp relay unavailable\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, nil)
	_, err := c.Send(context.Background(), models.EmailMessage{To: "a@b.c"})

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, gwErr.StatusCode)
	assert.Equal(t, "smtp relay unavailable", gwErr.Body)
}

// TestComposer_CommandEmail verifies the account code suffix and bodies.
func TestComposer_CommandEmail(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)
	id := uuid.MustParse("6f1c7c36-4f6e-4a3b-9a53-0d8e2f7f1a11")

	msg, err := c.CommandEmail(id, "alice@example.com", "Recover", "recover account", "0x12", "")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", msg.To)
	assert.Equal(t, "Recover", msg.Subject)
	assert.Equal(t, "ZK Email request. Your request ID is 6f1c7c36-4f6e-4a3b-9a53-0d8e2f7f1a11", msg.BodyPlain)
	assert.Contains(t, msg.BodyHTML, "recover account Code 0x12")
	assert.Contains(t, msg.BodyHTML, id.String())
	assert.Nil(t, msg.Reference)

	msg, err = c.CommandEmail(id, "alice@example.com", "Recover", "recover account", "", "")
	require.NoError(t, err)
	assert.NotContains(t, msg.BodyHTML, "Code")
}

// TestComposer_Replies verifies threaded replies quote the original message.
func TestComposer_Replies(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	ack, err := c.AckEmail("alice@example.com", "Send 1 ETH", "<orig@user>", "Transfer")
	require.NoError(t, err)
	assert.Equal(t, "Re: Transfer", ack.Subject)
	require.NotNil(t, ack.Reference)
	require.NotNil(t, ack.ReplyTo)
	assert.Equal(t, "<orig@user>", *ack.Reference)
	assert.Equal(t, "<orig@user>", *ack.ReplyTo)

	e, err := c.ErrorEmail("alice@example.com", "execution reverted", "", "Transfer")
	require.NoError(t, err)
	assert.Equal(t, "An error occurred while processing your request. Error: execution reverted", e.BodyPlain)
	assert.Contains(t, e.BodyHTML, "execution reverted")
	assert.Nil(t, e.Reference)

	done, err := c.CompletionEmail(uuid.New(), "alice@example.com", "0xabc", "<orig@user>", "Transfer")
	require.NoError(t, err)
	assert.Contains(t, done.BodyPlain, "0xabc")
	assert.Contains(t, done.BodyHTML, "0xabc")
}

// TestComposer_RelayerAddr verifies the relayer's address is shown only
// when configured.
func TestComposer_RelayerAddr(t *testing.T) {
	c, err := NewComposer("", WithRelayerAddr("relayer@example.org"))
	require.NoError(t, err)

	msg, err := c.CommandEmail(uuid.New(), "alice@example.com", "Recover", "recover account", "", "")
	require.NoError(t, err)
	assert.Contains(t, msg.BodyHTML, "Sent by relayer@example.org")

	done, err := c.CompletionEmail(uuid.New(), "alice@example.com", "0xabc", "", "Transfer")
	require.NoError(t, err)
	assert.Contains(t, done.BodyHTML, "relayer@example.org")

	plain, err := NewComposer("")
	require.NoError(t, err)
	msg, err = plain.CommandEmail(uuid.New(), "alice@example.com", "Recover", "recover account", "", "")
	require.NoError(t, err)
	assert.NotContains(t, msg.BodyHTML, "Sent by")
}

// TestComposer_EscapesHTML verifies user input is escaped.
func TestComposer_EscapesHTML(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	msg, err := c.ErrorEmail("a@b.c", "<script>alert(1)</script>", "", "x")
	require.NoError(t, err)
	assert.NotContains(t, msg.BodyHTML, "<script>")
}

// TestComposer_OverrideDir verifies templates in the directory win over
// the built-ins and missing ones fall back.
func TestComposer_OverrideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ErrorTemplate), []byte(`custom: {{.error}}`), 0o644))

	c, err := NewComposer(dir)
	require.NoError(t, err)

	msg, err := c.ErrorEmail("a@b.c", "boom", "", "x")
	require.NoError(t, err)
	assert.Equal(t, "custom: boom", msg.BodyHTML)

	ack, err := c.AckEmail("a@b.c", "cmd", "", "x")
	require.NoError(t, err)
	assert.Contains(t, ack.BodyHTML, "We received your email")
}

// TestComposer_BadOverride verifies a broken override fails at load time.
func TestComposer_BadOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CommandTemplate), []byte(`{{.unclosed`), 0o644))

	_, err := NewComposer(dir)
	assert.Error(t, err)
}
