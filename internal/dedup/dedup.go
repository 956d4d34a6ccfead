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

// Package dedup drops inbound emails that were already delivered, keyed
// on the email's own Message-ID. The bridge delivers at least once, so the
// same email can show up on the inbound queue more than once.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen Message-ID is remembered.
	DefaultTTL = 7 * 24 * time.Hour

	keyPrefix = "relayer:seen:"
)

// Filter tracks which inbound messages have already been handled.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A zero ttl uses
// DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// Key returns the Redis key for kind and messageID.
func Key(kind, messageID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, kind, messageID)
}

// IsNew reports whether messageID has not been seen for kind, and marks it
// seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, kind, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, Key(kind, messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget clears the mark so a message that failed transiently can be
// redelivered.
func (f *Filter) Forget(ctx context.Context, kind, messageID string) error {
	if err := f.rdb.Del(ctx, Key(kind, messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
