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

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/relayer/internal/models"
)

// TestNewEvent verifies event fields and the routing key.
func TestNewEvent(t *testing.T) {
	id := uuid.New()
	e := NewEvent(id, models.StatusReplied, models.StatusCompleted, models.Result{TxHash: "0xabc"})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, id, e.RequestID)
	assert.Equal(t, models.StatusCompleted, e.Status)
	assert.Equal(t, "0xabc", e.TxHash)
	assert.False(t, e.At.IsZero())
	assert.Equal(t, "request.completed", e.RoutingKey())
}

// TestNew_Backends verifies backend selection.
func TestNew_Backends(t *testing.T) {
	p, err := New(Options{Backend: BackendNone}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{}))

	_, err = New(Options{Backend: BackendRedis}, nil)
	assert.Error(t, err, "redis backend without a client")

	_, err = New(Options{Backend: "kafka"}, nil)
	assert.Error(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer rdb.Close()
	p, err = New(Options{Backend: BackendRedis, Redis: rdb, QueueName: "q"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisPublisher{}, p)
}

// TestRedisPublisher verifies events land on the list when a Redis server
// is available at RELAYER_TEST_REDIS_URL.
func TestRedisPublisher(t *testing.T) {
	url := os.Getenv("RELAYER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RELAYER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	queue := "relayer:test:events:" + uuid.NewString()
	defer rdb.Del(ctx, queue)

	p := NewRedisPublisher(rdb, queue)
	require.NoError(t, p.Ping(ctx))

	e := NewEvent(uuid.New(), models.StatusReceived, models.StatusEmailSent, models.Result{})
	require.NoError(t, p.Publish(ctx, e))

	raw, err := rdb.RPop(ctx, queue).Result()
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, models.StatusEmailSent, got.Status)
}
