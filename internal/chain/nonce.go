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

package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceLock serializes submissions for one signing identity. The channel
// is a one-slot semaphore so waiters can give up on context cancellation;
// blocked senders are released in arrival order.
//
// next and synced are only touched while the slot is held.
type nonceLock struct {
	sem    chan struct{}
	next   uint64
	synced bool
}

func (l *nonceLock) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *nonceLock) release() { <-l.sem }

// reserve picks the nonce for the next transaction given the provider's
// pending count. A provider lagging behind our own accepted sends must not
// hand out a nonce we already used.
func (l *nonceLock) reserve(pending uint64) uint64 {
	if l.synced && l.next > pending {
		return l.next
	}
	return pending
}

func (l *nonceLock) advance(used uint64) {
	l.next = used + 1
	l.synced = true
}

// invalidate forces the next reserve to trust the provider.
func (l *nonceLock) invalidate() { l.synced = false }

type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*nonceLock
}

// nonceLocks is shared by every Gateway in the process so two gateways
// for the same identity never race each other.
var nonceLocks = &lockRegistry{locks: make(map[string]*nonceLock)}

func (r *lockRegistry) get(chainID *big.Int, addr common.Address) *nonceLock {
	key := fmt.Sprintf("%s:%s", chainID, addr.Hex())

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = &nonceLock{sem: make(chan struct{}, 1)}
		r.locks[key] = l
	}
	return l
}
