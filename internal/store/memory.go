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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/relayer/internal/models"
)

// Memory is an in-process Store with the same guarantees as Postgres.
// A single mutex makes every operation atomic.
type Memory struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*models.Request
	replies  map[string]*models.ExpectedReply
	now      func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[uuid.UUID]*models.Request),
		replies:  make(map[string]*models.ExpectedReply),
		now:      time.Now,
	}
}

func (m *Memory) CreateRequest(ctx context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("store: request %s already exists", r.ID)
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRequests(ctx context.Context, status models.Status, limit int) ([]models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []models.Request
	for _, r := range m.requests {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status, res models.Result) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, from, to, res)
}

func (m *Memory) updateLocked(id uuid.UUID, from, to models.Status, res models.Result) error {
	r, ok := m.requests[id]
	if !ok || r.Status != from || r.Status.IsTerminal() {
		var current models.Status
		if ok {
			current = r.Status
		}
		return classify(current, ok)
	}
	r.Status = to
	if res.TxHash != "" {
		r.TxHash = res.TxHash
	}
	if res.Error != "" {
		r.Error = res.Error
	}
	r.UpdatedAt = m.now()
	return nil
}

func (m *Memory) InsertExpectedReply(ctx context.Context, messageID string, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(messageID, requestID)
}

func (m *Memory) insertLocked(messageID string, requestID uuid.UUID) error {
	if _, ok := m.replies[messageID]; ok {
		return ErrDuplicateMessageID
	}
	if _, ok := m.requests[requestID]; !ok {
		return ErrNotFound
	}
	m.replies[messageID] = &models.ExpectedReply{
		MessageID: messageID,
		RequestID: requestID,
		CreatedAt: m.now(),
	}
	return nil
}

func (m *Memory) RecordDispatch(ctx context.Context, messageID string, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.replies[messageID]; ok {
		return ErrDuplicateMessageID
	}
	if err := m.updateLocked(requestID, models.StatusReceived, models.StatusEmailSent, models.Result{}); err != nil {
		return err
	}
	return m.insertLocked(messageID, requestID)
}

func (m *Memory) ResolveExpectedReply(ctx context.Context, messageID string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.replies[messageID]
	if !ok || e.Resolved {
		return uuid.Nil, false, nil
	}
	now := m.now()
	e.Resolved = true
	e.ResolvedAt = &now
	return e.RequestID, true, nil
}

func (m *Memory) ResolveReply(ctx context.Context, messageID string) (*models.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.replies[messageID]
	if !ok || e.Resolved {
		return nil, false, nil
	}
	now := m.now()
	e.Resolved = true
	e.ResolvedAt = &now

	r, ok := m.requests[e.RequestID]
	if !ok {
		return nil, false, nil
	}
	advanced := m.updateLocked(r.ID, models.StatusEmailSent, models.StatusReplied, models.Result{}) == nil
	cp := *r
	return &cp, advanced, nil
}

func (m *Memory) GetExpectedReply(ctx context.Context, messageID string) (*models.ExpectedReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.replies[messageID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}
