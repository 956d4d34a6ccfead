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

// Package events publishes request status changes for downstream
// consumers. Publishing is best effort; a lost event never blocks a
// request.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/models"
)

// Event describes one status change.
type Event struct {
	ID        string        `json:"id"`
	RequestID uuid.UUID     `json:"request_id"`
	From      models.Status `json:"from,omitempty"`
	Status    models.Status `json:"status"`
	TxHash    string        `json:"tx_hash,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// NewEvent stamps a status change with a fresh id and the current time.
func NewEvent(requestID uuid.UUID, from, to models.Status, res models.Result) Event {
	return Event{
		ID:        uuid.NewString(),
		RequestID: requestID,
		From:      from,
		Status:    to,
		TxHash:    res.TxHash,
		Error:     res.Error,
		At:        time.Now().UTC(),
	}
}

// RoutingKey is the AMQP routing key for the event, e.g. "request.completed".
func (e Event) RoutingKey() string {
	return "request." + string(e.Status)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// RedisPublisher pushes events onto a Redis list.
type RedisPublisher struct {
	rdb       *redis.Client
	queueName string
}

// NewRedisPublisher creates a publisher targeting queueName.
func NewRedisPublisher(rdb *redis.Client, queueName string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, queueName: queueName}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.queueName, body).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }

// AMQPPublisher publishes events to a topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.At,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Backend names accepted by New.
const (
	BackendRedis = "redis"
	BackendAMQP  = "amqp"
	BackendNone  = "none"
)

// Options selects and configures a publisher.
type Options struct {
	Backend   string
	Redis     *redis.Client
	QueueName string
	AMQPURL   string
	Exchange  string
}

// New builds the publisher for opts.Backend.
func New(opts Options, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.Backend {
	case BackendRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("events: redis backend needs a client")
		}
		logger.Info("publishing events to redis", zap.String("queue", opts.QueueName))
		return NewRedisPublisher(opts.Redis, opts.QueueName), nil
	case BackendAMQP:
		p, err := NewAMQPPublisher(opts.AMQPURL, opts.Exchange)
		if err != nil {
			return nil, err
		}
		logger.Info("publishing events to amqp", zap.String("exchange", opts.Exchange))
		return p, nil
	case BackendNone, "":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("events: unknown backend %q", opts.Backend)
}
