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

package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "relayer:seen:reply:<a@b>", Key("reply", "<a@b>"))
	assert.Equal(t, DefaultTTL, NewFilter(nil, 0).ttl)
	assert.Equal(t, time.Hour, NewFilter(nil, time.Hour).ttl)
}

// TestFilter runs against a real Redis at RELAYER_TEST_REDIS_URL.
func TestFilter(t *testing.T) {
	url := os.Getenv("RELAYER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RELAYER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	f := NewFilter(rdb, time.Minute)
	id := "<" + uuid.NewString() + "@test>"
	defer rdb.Del(ctx, Key("command", id))

	fresh, err := f.IsNew(ctx, "command", id)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = f.IsNew(ctx, "command", id)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Kinds are independent.
	fresh, err = f.IsNew(ctx, "reply", id)
	require.NoError(t, err)
	assert.True(t, fresh)
	defer rdb.Del(ctx, Key("reply", id))

	require.NoError(t, f.Forget(ctx, "command", id))
	fresh, err = f.IsNew(ctx, "command", id)
	require.NoError(t, err)
	assert.True(t, fresh)
}
