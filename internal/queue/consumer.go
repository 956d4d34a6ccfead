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

// Package queue consumes parsed, verified emails that the IMAP/prover
// bridge pushes onto a Redis list and hands them to the lifecycle manager.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/lifecycle"
	"github.com/bcem/relayer/internal/metrics"
	"github.com/bcem/relayer/internal/models"
)

// Envelope kinds.
const (
	KindCommand = "command"
	KindReply   = "reply"
)

var ErrMalformed = errors.New("queue: malformed envelope")

// Envelope is one message on the inbound list.
type Envelope struct {
	Kind    string          `json:"kind"`
	Command *models.Command `json:"command,omitempty"`
	Reply   *models.Reply   `json:"reply,omitempty"`
}

// MessageID is the inbound email's own Message-ID, used for dedup.
func (e Envelope) MessageID() string {
	switch e.Kind {
	case KindCommand:
		return e.Command.MessageID
	case KindReply:
		return e.Reply.Email.MessageID
	}
	return ""
}

// Decode parses and checks a raw envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case env.Kind == KindCommand && env.Command != nil:
	case env.Kind == KindReply && env.Reply != nil:
	default:
		return Envelope{}, fmt.Errorf("%w: kind %q without a matching body", ErrMalformed, env.Kind)
	}
	return env, nil
}

// Handler is what the consumer drives.
type Handler interface {
	HandleCommand(ctx context.Context, cmd models.Command) (*models.Request, error)
	HandleReply(ctx context.Context, reply models.Reply) (*models.Request, error)
}

// Deduper remembers inbound Message-IDs.
type Deduper interface {
	IsNew(ctx context.Context, kind, messageID string) (bool, error)
	Forget(ctx context.Context, kind, messageID string) error
}

// Consumer pops envelopes with BRPOP and processes them one at a time.
type Consumer struct {
	rdb     *redis.Client
	queue   string
	handler Handler
	dedup   Deduper
	block   time.Duration
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConsumerConfig holds the consumer's collaborators. Dedup is optional.
type ConsumerConfig struct {
	Redis   *redis.Client
	Queue   string
	Handler Handler
	Dedup   Deduper
	Block   time.Duration
	Logger  *zap.Logger
}

// NewConsumer creates an inbound consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{
		rdb:     cfg.Redis,
		queue:   cfg.Queue,
		handler: cfg.Handler,
		dedup:   cfg.Dedup,
		block:   cfg.Block,
		logger:  cfg.Logger,
	}
	if c.block <= 0 {
		c.block = 5 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Start runs the consume loop in the background.
func (c *Consumer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(loopCtx)
	c.logger.Info("inbound consumer started", zap.String("queue", c.queue))
}

// Stop cancels the loop and waits for the in-flight message to finish.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		res, err := c.rdb.BRPop(ctx, c.block, c.queue).Result()
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			c.logger.Error("inbound BRPOP failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res is [queue, value].
		if len(res) != 2 {
			continue
		}
		if err := c.Process(ctx, []byte(res[1])); err != nil {
			c.logger.Error("inbound message failed", zap.Error(err))
		}
	}
}

// Process handles one raw envelope. Duplicate deliveries and duplicate
// replies are absorbed and return nil.
func (c *Consumer) Process(ctx context.Context, raw []byte) error {
	env, err := Decode(raw)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("unknown", "malformed").Inc()
		return err
	}

	msgID := env.MessageID()
	if c.dedup != nil && msgID != "" {
		fresh, err := c.dedup.IsNew(ctx, env.Kind, msgID)
		if err != nil {
			// Process anyway; the store guards every transition.
			c.logger.Warn("dedup check failed", zap.String("message_id", msgID), zap.Error(err))
		} else if !fresh {
			metrics.InboundMessages.WithLabelValues(env.Kind, "duplicate").Inc()
			c.logger.Debug("duplicate delivery dropped", zap.String("message_id", msgID))
			return nil
		}
	}

	var req *models.Request
	switch env.Kind {
	case KindCommand:
		req, err = c.handler.HandleCommand(ctx, *env.Command)
	case KindReply:
		req, err = c.handler.HandleReply(ctx, *env.Reply)
	}

	switch {
	case err == nil:
		metrics.InboundMessages.WithLabelValues(env.Kind, "ok").Inc()
		return nil
	case errors.Is(err, lifecycle.ErrDuplicateReply):
		metrics.InboundMessages.WithLabelValues(env.Kind, "duplicate").Inc()
		c.logger.Info("duplicate reply absorbed", zap.String("message_id", msgID))
		return nil
	}

	metrics.InboundMessages.WithLabelValues(env.Kind, "failed").Inc()
	if req == nil && c.dedup != nil && msgID != "" {
		// Nothing was persisted, so let a redelivery through.
		if ferr := c.dedup.Forget(ctx, env.Kind, msgID); ferr != nil {
			c.logger.Warn("dedup forget failed", zap.String("message_id", msgID), zap.Error(ferr))
		}
	}
	return fmt.Errorf("%s %s: %w", env.Kind, msgID, err)
}
