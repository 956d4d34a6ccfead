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

// Package lifecycle drives each request through its states:
//
//	received   -> email_sent          command email sent and expectation recorded
//	received   -> completed | errored direct chain action
//	email_sent -> replied             matching reply
//	replied    -> completed | errored follow-up chain action
//
// A request with no reply stays email_sent; expiry is left to operators.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/calldata"
	"github.com/bcem/relayer/internal/events"
	"github.com/bcem/relayer/internal/mail"
	"github.com/bcem/relayer/internal/metrics"
	"github.com/bcem/relayer/internal/models"
	"github.com/bcem/relayer/internal/store"
)

var (
	// ErrDuplicateReply means the reply matched nothing pending. It is
	// expected under at-least-once delivery and callers absorb it.
	ErrDuplicateReply = errors.New("lifecycle: duplicate reply")

	ErrInvalidCommand  = errors.New("lifecycle: invalid command")
	ErrMissingProof    = errors.New("lifecycle: missing email auth proof")
	ErrRequestNotFound = errors.New("lifecycle: request not found")
	ErrNotRetryable    = errors.New("lifecycle: request cannot be redispatched")
	ErrNoMessageID     = errors.New("lifecycle: email gateway returned no message id")
)

// PartialDispatchError means the command email went out but the
// expectation was not recorded. The request is still received, so
// RetryDispatch is allowed; it sends the email again.
type PartialDispatchError struct {
	RequestID uuid.UUID
	MessageID string
	Err       error
}

func (e *PartialDispatchError) Error() string {
	return fmt.Sprintf("request %s: email %q sent but reply expectation not recorded: %v", e.RequestID, e.MessageID, e.Err)
}

func (e *PartialDispatchError) Unwrap() error { return e.Err }

// Executor submits a generic call.
type Executor interface {
	Execute(ctx context.Context, spec calldata.CallSpec, msg calldata.EmailAuthMsg) (string, error)
}

// Mailer delivers an outbound email.
type Mailer interface {
	Send(ctx context.Context, msg models.EmailMessage) (*models.SendResult, error)
}

// Correlator records and resolves reply expectations.
type Correlator interface {
	RecordDispatch(ctx context.Context, messageID string, requestID uuid.UUID) error
	AcceptReply(ctx context.Context, email models.ParsedEmail) (*models.Request, bool, error)
}

// Manager is the request state machine. It is safe for concurrent use;
// every transition is guarded by the store.
type Manager struct {
	store      store.Store
	correlator Correlator
	executor   Executor
	mailer     Mailer
	composer   *mail.Composer
	events     events.Publisher
	sendAcks   bool
	logger     *zap.Logger
}

// ManagerConfig holds the manager's collaborators.
type ManagerConfig struct {
	Store      store.Store
	Correlator Correlator
	Executor   Executor
	Mailer     Mailer
	Composer   *mail.Composer
	Events     events.Publisher
	SendAcks   bool
	Logger     *zap.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		store:      cfg.Store,
		correlator: cfg.Correlator,
		executor:   cfg.Executor,
		mailer:     cfg.Mailer,
		composer:   cfg.Composer,
		events:     cfg.Events,
		sendAcks:   cfg.SendAcks,
		logger:     cfg.Logger,
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Get returns a request or ErrRequestNotFound.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

// HandleCommand accepts a new command. Construction errors reject it
// before a request is created. Chain failures on the direct path are
// recorded on the request (errored) and are not returned as errors.
func (m *Manager) HandleCommand(ctx context.Context, cmd models.Command) (*models.Request, error) {
	if err := m.validate(cmd); err != nil {
		m.logger.Warn("command rejected",
			zap.String("email", cmd.EmailAddr),
			zap.String("message_id", cmd.MessageID),
			zap.Error(err),
		)
		if cmd.EmailAddr != "" {
			m.notifyError(ctx, cmd.EmailAddr, err.Error(), cmd.MessageID, cmd.Subject)
		}
		return nil, err
	}

	req := &models.Request{
		ID:           uuid.New(),
		Status:       models.StatusReceived,
		EmailAddr:    cmd.EmailAddr,
		Subject:      cmd.Subject,
		Command:      cmd.Command,
		AccountCode:  cmd.AccountCode,
		ExpectsReply: cmd.ExpectsReply,
		CallSpec:     cmd.CallSpec,
	}
	if err := m.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	m.publish(ctx, req, "", models.Result{})

	m.logger.Info("request received",
		zap.String("request_id", req.ID.String()),
		zap.String("email", req.EmailAddr),
		zap.Bool("expects_reply", req.ExpectsReply),
	)

	if m.sendAcks && cmd.MessageID != "" {
		m.sendAck(ctx, cmd)
	}

	if cmd.ExpectsReply {
		if err := m.dispatch(ctx, req, cmd.Body); err != nil {
			return req, err
		}
		return req, nil
	}
	return req, m.execute(ctx, req, models.StatusReceived, *cmd.Proof, cmd.MessageID)
}

func (m *Manager) validate(cmd models.Command) error {
	if cmd.EmailAddr == "" {
		return fmt.Errorf("%w: missing email address", ErrInvalidCommand)
	}
	if !cmd.ExpectsReply && cmd.CallSpec == nil {
		return fmt.Errorf("%w: command neither expects a reply nor calls a contract", ErrInvalidCommand)
	}
	if cmd.CallSpec == nil {
		return nil
	}
	if err := cmd.CallSpec.Validate(); err != nil {
		return err
	}
	if cmd.ExpectsReply {
		_, err := cmd.CallSpec.Method()
		return err
	}
	if cmd.Proof == nil {
		return ErrMissingProof
	}
	_, err := cmd.CallSpec.Encode(*cmd.Proof)
	return err
}

// RetryDispatch resends the command email for a request left in received
// after a failed or partial dispatch.
func (m *Manager) RetryDispatch(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	req, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusReceived || !req.ExpectsReply {
		return req, fmt.Errorf("%w: request %s is %s", ErrNotRetryable, req.ID, req.Status)
	}
	m.logger.Info("redispatching command email", zap.String("request_id", req.ID.String()))
	return req, m.dispatch(ctx, req, "")
}

// dispatch sends the command email and records the expectation. The
// request only advances when both succeed.
func (m *Manager) dispatch(ctx context.Context, req *models.Request, body string) error {
	msg, err := m.composer.CommandEmail(req.ID, req.EmailAddr, req.Subject, req.Command, req.AccountCode, body)
	if err != nil {
		return fmt.Errorf("compose command email: %w", err)
	}

	res, err := m.mailer.Send(ctx, msg)
	if err != nil {
		metrics.EmailsSent.WithLabelValues("command", "failed").Inc()
		m.logger.Error("command email failed",
			zap.String("request_id", req.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("send command email: %w", err)
	}
	metrics.EmailsSent.WithLabelValues("command", "sent").Inc()

	if res.MessageID == "" {
		return &PartialDispatchError{RequestID: req.ID, Err: ErrNoMessageID}
	}
	if err := m.correlator.RecordDispatch(ctx, res.MessageID, req.ID); err != nil {
		m.logger.Error("command email sent but expectation not recorded",
			zap.String("request_id", req.ID.String()),
			zap.String("message_id", res.MessageID),
			zap.Error(err),
		)
		return &PartialDispatchError{RequestID: req.ID, MessageID: res.MessageID, Err: err}
	}

	from := req.Status
	req.Status = models.StatusEmailSent
	metrics.RecordTransition(string(from), string(req.Status))
	m.publish(ctx, req, from, models.Result{})
	m.logger.Info("command email sent",
		zap.String("request_id", req.ID.String()),
		zap.String("message_id", res.MessageID),
	)
	return nil
}

// HandleReply processes an inbound reply. Replies that match nothing
// pending, or whose request already moved on, yield ErrDuplicateReply and
// change nothing. Resolving the expectation and marking the request
// replied happen together, so an error here leaves the reply
// redeliverable.
func (m *Manager) HandleReply(ctx context.Context, reply models.Reply) (*models.Request, error) {
	req, ok, err := m.correlator.AcceptReply(ctx, reply.Email)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.Info("reply ignored", zap.String("message_id", reply.Email.MessageID))
		return req, ErrDuplicateReply
	}

	metrics.RecordTransition(string(models.StatusEmailSent), string(models.StatusReplied))
	m.publish(ctx, req, models.StatusEmailSent, models.Result{})

	switch {
	case req.CallSpec == nil:
		return req, m.finish(ctx, req, models.StatusReplied, models.StatusCompleted, models.Result{}, reply.Email.MessageID)
	case reply.Proof == nil:
		return req, m.finish(ctx, req, models.StatusReplied, models.StatusErrored,
			models.Result{Error: ErrMissingProof.Error()}, reply.Email.MessageID)
	}
	return req, m.execute(ctx, req, models.StatusReplied, *reply.Proof, reply.Email.MessageID)
}

// execute runs the request's call and records the terminal status.
func (m *Manager) execute(ctx context.Context, req *models.Request, from models.Status, proof calldata.EmailAuthMsg, replyTo string) error {
	txHash, err := m.executor.Execute(ctx, *req.CallSpec, proof)
	if err != nil {
		m.logger.Error("chain call failed",
			zap.String("request_id", req.ID.String()),
			zap.Error(err),
		)
		return m.finish(ctx, req, from, models.StatusErrored, models.Result{Error: err.Error()}, replyTo)
	}
	return m.finish(ctx, req, from, models.StatusCompleted, models.Result{TxHash: txHash}, replyTo)
}

func (m *Manager) finish(ctx context.Context, req *models.Request, from, to models.Status, res models.Result, replyTo string) error {
	if err := m.store.UpdateStatus(ctx, req.ID, from, to, res); err != nil {
		return fmt.Errorf("mark request %s %s: %w", req.ID, to, err)
	}
	req.Status = to
	if res.TxHash != "" {
		req.TxHash = res.TxHash
	}
	if res.Error != "" {
		req.Error = res.Error
	}
	metrics.RecordTransition(string(from), string(to))
	m.publish(ctx, req, from, res)

	m.logger.Info("request finished",
		zap.String("request_id", req.ID.String()),
		zap.String("status", string(to)),
		zap.String("tx_hash", res.TxHash),
	)

	if to == models.StatusErrored {
		m.notifyError(ctx, req.EmailAddr, res.Error, replyTo, req.Subject)
		return nil
	}
	msg, err := m.composer.CompletionEmail(req.ID, req.EmailAddr, res.TxHash, replyTo, req.Subject)
	if err != nil {
		m.logger.Warn("compose completion email", zap.Error(err))
		return nil
	}
	m.sendBestEffort(ctx, "completion", msg)
	return nil
}

func (m *Manager) sendAck(ctx context.Context, cmd models.Command) {
	msg, err := m.composer.AckEmail(cmd.EmailAddr, cmd.Command, cmd.MessageID, cmd.Subject)
	if err != nil {
		m.logger.Warn("compose acknowledgement email", zap.Error(err))
		return
	}
	m.sendBestEffort(ctx, "ack", msg)
}

func (m *Manager) notifyError(ctx context.Context, to, errText, replyTo, subject string) {
	msg, err := m.composer.ErrorEmail(to, errText, replyTo, subject)
	if err != nil {
		m.logger.Warn("compose error email", zap.Error(err))
		return
	}
	m.sendBestEffort(ctx, "error", msg)
}

// sendBestEffort sends a notification whose failure must not change the
// request's outcome.
func (m *Manager) sendBestEffort(ctx context.Context, kind string, msg models.EmailMessage) {
	if _, err := m.mailer.Send(ctx, msg); err != nil {
		metrics.EmailsSent.WithLabelValues(kind, "failed").Inc()
		m.logger.Warn("notification email failed",
			zap.String("kind", kind),
			zap.String("to", msg.To),
			zap.Error(err),
		)
		return
	}
	metrics.EmailsSent.WithLabelValues(kind, "sent").Inc()
}

func (m *Manager) publish(ctx context.Context, req *models.Request, from models.Status, res models.Result) {
	if err := m.events.Publish(ctx, events.NewEvent(req.ID, from, req.Status, res)); err != nil {
		m.logger.Warn("publish lifecycle event",
			zap.String("request_id", req.ID.String()),
			zap.Error(err),
		)
	}
}
