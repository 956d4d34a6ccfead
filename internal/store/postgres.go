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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/calldata"
	"github.com/bcem/relayer/internal/models"
)

// Postgres stores requests and expectations in Postgres.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a store backed by the given pool and ensures the
// schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Postgres{pool: pool, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure request schema: %w", err)
	}
	logger.Info("request store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS requests (
			id              UUID PRIMARY KEY,
			status          TEXT NOT NULL,
			email_addr      TEXT NOT NULL DEFAULT '',
			subject         TEXT NOT NULL DEFAULT '',
			command         TEXT NOT NULL DEFAULT '',
			account_code    TEXT NOT NULL DEFAULT '',
			expects_reply   BOOLEAN NOT NULL DEFAULT FALSE,
			chain_call_spec JSONB,
			tx_hash         TEXT NOT NULL DEFAULT '',
			error           TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);

		CREATE TABLE IF NOT EXISTS expected_replies (
			message_id  TEXT PRIMARY KEY,
			request_id  UUID NOT NULL REFERENCES requests(id),
			resolved    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_expected_replies_request ON expected_replies(request_id);
	`)
	return err
}

// CreateRequest inserts a new request. CreatedAt and UpdatedAt are filled
// from the database.
func (s *Postgres) CreateRequest(ctx context.Context, r *models.Request) error {
	spec, err := marshalSpec(r.CallSpec)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO requests
			(id, status, email_addr, subject, command, account_code, expects_reply, chain_call_spec, tx_hash, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, r.ID, string(r.Status), r.EmailAddr, r.Subject, r.Command, r.AccountCode,
		r.ExpectsReply, spec, r.TxHash, r.Error,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

const requestColumns = `id, status, email_addr, subject, command, account_code,
	expects_reply, chain_call_spec, tx_hash, error, created_at, updated_at`

// GetRequest retrieves a request by id.
func (s *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	return scanRequest(row)
}

// ListRequests returns requests in the given status, oldest first. An empty
// status lists everything.
func (s *Postgres) ListRequests(ctx context.Context, status models.Status, limit int) ([]models.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE $1 = '' OR status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateStatus applies a guarded status transition.
func (s *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.Status, res models.Result) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	return s.updateStatus(ctx, s.pool, id, from, to, res)
}

// dbtx is satisfied by both the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Postgres) updateStatus(ctx context.Context, q dbtx, id uuid.UUID, from, to models.Status, res models.Result) error {
	tag, err := q.Exec(ctx, `
		UPDATE requests
		SET status     = $3,
		    tx_hash    = CASE WHEN $4 = '' THEN tx_hash ELSE $4 END,
		    error      = CASE WHEN $5 = '' THEN error ELSE $5 END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2 AND status NOT IN ('completed', 'errored')
	`, id, string(from), string(to), res.TxHash, res.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = q.QueryRow(ctx, `SELECT status FROM requests WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return classify("", false)
	}
	if err != nil {
		return err
	}
	return classify(models.Status(current), true)
}

// RecordDispatch moves the request to email_sent and records the
// expectation in one transaction. Either both happen or neither does.
func (s *Postgres) RecordDispatch(ctx context.Context, messageID string, requestID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dispatch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.updateStatus(ctx, tx, requestID, models.StatusReceived, models.StatusEmailSent, models.Result{}); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO expected_replies (message_id, request_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateMessageID
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dispatch tx: %w", err)
	}
	return nil
}

// InsertExpectedReply records an expectation for messageID.
func (s *Postgres) InsertExpectedReply(ctx context.Context, messageID string, requestID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO expected_replies (message_id, request_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateMessageID
	}
	return nil
}

// ResolveExpectedReply consumes the expectation at most once.
func (s *Postgres) ResolveExpectedReply(ctx context.Context, messageID string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		UPDATE expected_replies
		SET resolved = TRUE, resolved_at = NOW()
		WHERE message_id = $1 AND resolved = FALSE
		RETURNING request_id
	`, messageID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// ResolveReply consumes the expectation and advances its request in one
// transaction, so a failure leaves the reply redeliverable.
func (s *Postgres) ResolveReply(ctx context.Context, messageID string) (*models.Request, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin reply tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE expected_replies
		SET resolved = TRUE, resolved_at = NOW()
		WHERE message_id = $1 AND resolved = FALSE
		RETURNING request_id
	`, messageID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	err = s.updateStatus(ctx, tx, id, models.StatusEmailSent, models.StatusReplied, models.Result{})
	advanced := err == nil
	switch {
	case err == nil:
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrTerminalStatus), errors.Is(err, ErrNotFound):
		s.logger.Debug("reply matched a request that already moved on",
			zap.String("message_id", messageID),
			zap.String("request_id", id.String()),
		)
	default:
		return nil, false, err
	}

	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit reply tx: %w", err)
	}
	return req, advanced, nil
}

// GetExpectedReply returns nil, nil when there is no expectation.
func (s *Postgres) GetExpectedReply(ctx context.Context, messageID string) (*models.ExpectedReply, error) {
	var e models.ExpectedReply
	err := s.pool.QueryRow(ctx, `
		SELECT message_id, request_id, resolved, created_at, resolved_at
		FROM expected_replies
		WHERE message_id = $1
	`, messageID).Scan(&e.MessageID, &e.RequestID, &e.Resolved, &e.CreatedAt, &e.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalSpec(spec *calldata.CallSpec) ([]byte, error) {
	if spec == nil {
		return nil, nil
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal call spec: %w", err)
	}
	return b, nil
}

// scanRequest scans a single row into a Request.
func scanRequest(row pgx.Row) (*models.Request, error) {
	var (
		r      models.Request
		status string
		spec   []byte
	)
	err := row.Scan(
		&r.ID, &status, &r.EmailAddr, &r.Subject, &r.Command, &r.AccountCode,
		&r.ExpectsReply, &spec, &r.TxHash, &r.Error, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	if len(spec) > 0 {
		var cs calldata.CallSpec
		if err := json.Unmarshal(spec, &cs); err != nil {
			return nil, fmt.Errorf("decode call spec for %s: %w", r.ID, err)
		}
		r.CallSpec = &cs
	}
	return &r, nil
}
