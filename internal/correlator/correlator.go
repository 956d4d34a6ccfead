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

// Package correlator links inbound replies to the requests whose outbound
// email solicited them. Each expectation resolves at most once; that is the
// only defense against duplicate replies.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/metrics"
	"github.com/bcem/relayer/internal/models"
	"github.com/bcem/relayer/internal/store"
)

// ErrDuplicateMessageID means an expectation already exists for the
// message id. Message ids are unique per send, so this is a caller bug.
var ErrDuplicateMessageID = store.ErrDuplicateMessageID

// Correlator records and resolves reply expectations.
type Correlator struct {
	store  store.Store
	logger *zap.Logger
}

// New creates a correlator over s.
func New(s store.Store, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{store: s, logger: logger}
}

// NormalizeMessageID strips whitespace and angle brackets so ids compare
// equal however a mail client quoted them. Only the first id of a
// multi-valued header is kept.
func NormalizeMessageID(raw string) string {
	raw = strings.TrimSpace(raw)
	if fields := strings.Fields(raw); len(fields) > 0 {
		raw = fields[0]
	}
	return strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
}

// RecordExpectation records that messageID expects one reply for requestID.
func (c *Correlator) RecordExpectation(ctx context.Context, messageID string, requestID uuid.UUID) error {
	id := NormalizeMessageID(messageID)
	if id == "" {
		return fmt.Errorf("correlator: empty message id")
	}
	if err := c.store.InsertExpectedReply(ctx, id, requestID); err != nil {
		return c.recordFailed(id, requestID, err)
	}
	return nil
}

// RecordDispatch records the expectation and advances the request to
// email_sent in one store transaction.
func (c *Correlator) RecordDispatch(ctx context.Context, messageID string, requestID uuid.UUID) error {
	id := NormalizeMessageID(messageID)
	if id == "" {
		return fmt.Errorf("correlator: empty message id")
	}
	if err := c.store.RecordDispatch(ctx, id, requestID); err != nil {
		return c.recordFailed(id, requestID, err)
	}
	c.logger.Debug("reply expected",
		zap.String("message_id", id),
		zap.String("request_id", requestID.String()),
	)
	return nil
}

func (c *Correlator) recordFailed(id string, requestID uuid.UUID, err error) error {
	if errors.Is(err, ErrDuplicateMessageID) {
		c.logger.Error("duplicate outbound message id",
			zap.String("message_id", id),
			zap.String("request_id", requestID.String()),
		)
		return fmt.Errorf("correlator: message %s: %w", id, err)
	}
	return fmt.Errorf("correlator: record expectation: %w", err)
}

// Resolve consumes the expectation for inReplyTo. ok is false when the
// header is empty, unknown, or already resolved.
func (c *Correlator) Resolve(ctx context.Context, inReplyTo string) (uuid.UUID, bool, error) {
	id := NormalizeMessageID(inReplyTo)
	if id == "" {
		metrics.Replies.WithLabelValues("not_a_reply").Inc()
		return uuid.Nil, false, nil
	}

	requestID, ok, err := c.store.ResolveExpectedReply(ctx, id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("correlator: resolve %s: %w", id, err)
	}
	if !ok {
		metrics.Replies.WithLabelValues("unmatched").Inc()
		c.logger.Info("reply did not match a pending expectation", zap.String("in_reply_to", id))
		return uuid.Nil, false, nil
	}

	metrics.Replies.WithLabelValues("matched").Inc()
	c.logger.Info("reply matched",
		zap.String("in_reply_to", id),
		zap.String("request_id", requestID.String()),
	)
	return requestID, true, nil
}

// AcceptReply consumes the expectation named by the email's In-Reply-To
// header and moves its request from email_sent to replied in one store
// transaction. ok is false when nothing pending matched; req is still
// returned when the expectation matched a request that had moved on. On
// error nothing was consumed and the reply can be redelivered.
func (c *Correlator) AcceptReply(ctx context.Context, email models.ParsedEmail) (*models.Request, bool, error) {
	header, _ := email.Header("In-Reply-To")
	id := NormalizeMessageID(header)
	if id == "" {
		metrics.Replies.WithLabelValues("not_a_reply").Inc()
		return nil, false, nil
	}

	req, ok, err := c.store.ResolveReply(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("correlator: accept reply to %s: %w", id, err)
	}
	switch {
	case req == nil:
		metrics.Replies.WithLabelValues("unmatched").Inc()
		c.logger.Info("reply did not match a pending expectation", zap.String("in_reply_to", id))
	case !ok:
		metrics.Replies.WithLabelValues("stale").Inc()
		c.logger.Info("reply matched a request that already moved on",
			zap.String("in_reply_to", id),
			zap.String("request_id", req.ID.String()),
			zap.String("status", string(req.Status)),
		)
	default:
		metrics.Replies.WithLabelValues("matched").Inc()
		c.logger.Info("reply matched",
			zap.String("in_reply_to", id),
			zap.String("request_id", req.ID.String()),
		)
	}
	return req, ok, nil
}
