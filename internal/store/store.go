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

// Package store persists requests and reply expectations.
//
// Terminal statuses are enforced here: once a request is completed or
// errored, UpdateStatus refuses every further write.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bcem/relayer/internal/models"
)

var (
	ErrNotFound           = errors.New("store: request not found")
	ErrTerminalStatus     = errors.New("store: request is in a terminal status")
	ErrStatusConflict     = errors.New("store: request status changed concurrently")
	ErrDuplicateMessageID = errors.New("store: duplicate message id")
	ErrInvalidTransition  = errors.New("store: invalid status transition")
)

// Store is the request store contract. Postgres backs production; Memory
// backs tests and single-process tooling.
type Store interface {
	CreateRequest(ctx context.Context, r *models.Request) error
	// GetRequest returns nil, nil when the request does not exist.
	GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error)
	ListRequests(ctx context.Context, status models.Status, limit int) ([]models.Request, error)

	// UpdateStatus moves a request from one status to another. It fails
	// with ErrTerminalStatus when the request is already completed or
	// errored, and with ErrStatusConflict when the current status is not
	// from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status, res models.Result) error

	InsertExpectedReply(ctx context.Context, messageID string, requestID uuid.UUID) error
	// RecordDispatch inserts the expectation and moves the request from
	// received to email_sent atomically.
	RecordDispatch(ctx context.Context, messageID string, requestID uuid.UUID) error
	// ResolveExpectedReply marks an unresolved expectation resolved and
	// returns its request. ok is false when there is nothing to resolve.
	ResolveExpectedReply(ctx context.Context, messageID string) (requestID uuid.UUID, ok bool, err error)
	// ResolveReply resolves the expectation and moves its request from
	// email_sent to replied atomically. ok is true only when the request
	// advanced. A matched request that had already moved on is returned
	// with ok false and the expectation stays resolved. On error nothing
	// changes.
	ResolveReply(ctx context.Context, messageID string) (req *models.Request, ok bool, err error)
	GetExpectedReply(ctx context.Context, messageID string) (*models.ExpectedReply, error)
}

func checkTransition(from, to models.Status) error {
	if !from.Valid() || !to.Valid() || from == to {
		return ErrInvalidTransition
	}
	if from.IsTerminal() {
		return ErrTerminalStatus
	}
	return nil
}

// classify explains why a guarded update matched no row.
func classify(current models.Status, found bool) error {
	switch {
	case !found:
		return ErrNotFound
	case current.IsTerminal():
		return ErrTerminalStatus
	default:
		return ErrStatusConflict
	}
}
