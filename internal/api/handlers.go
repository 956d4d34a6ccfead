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

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/calldata"
	"github.com/bcem/relayer/internal/lifecycle"
	"github.com/bcem/relayer/internal/models"
)

type handler struct {
	lifecycle Lifecycle
	registry  Registry
	ready     func(ctx context.Context) error
	logger    *zap.Logger
}

func (h *handler) health(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) postCommand(c *gin.Context) {
	var cmd models.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.lifecycle.HandleCommand(c.Request.Context(), cmd)
	if err != nil {
		h.lifecycleError(c, req, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *handler) postReply(c *gin.Context) {
	var reply models.Reply
	if err := c.ShouldBindJSON(&reply); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.lifecycle.HandleReply(c.Request.Context(), reply)
	if errors.Is(err, lifecycle.ErrDuplicateReply) {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	if err != nil {
		h.lifecycleError(c, req, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *handler) getRequest(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	req, err := h.lifecycle.Get(c.Request.Context(), id)
	if err != nil {
		h.lifecycleError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *handler) retryDispatch(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	req, err := h.lifecycle.RetryDispatch(c.Request.Context(), id)
	if err != nil {
		h.lifecycleError(c, req, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// lifecycleError maps lifecycle errors onto status codes.
func (h *handler) lifecycleError(c *gin.Context, req *models.Request, err error) {
	body := gin.H{"error": err.Error()}
	if req != nil {
		body["request_id"] = req.ID.String()
		body["status"] = req.Status
	}

	var partial *lifecycle.PartialDispatchError
	var encErr *calldata.EncodingError
	switch {
	case errors.Is(err, lifecycle.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, body)
	case errors.Is(err, lifecycle.ErrNotRetryable):
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, lifecycle.ErrInvalidCommand),
		errors.Is(err, lifecycle.ErrMissingProof),
		errors.Is(err, calldata.ErrArityMismatch),
		errors.Is(err, calldata.ErrInvalidDescriptor),
		errors.As(err, &encErr):
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &partial):
		body["request_id"] = partial.RequestID.String()
		if partial.MessageID != "" {
			body["message_id"] = partial.MessageID
		}
		c.JSON(http.StatusBadGateway, body)
	case req != nil:
		c.JSON(http.StatusBadGateway, body)
	default:
		h.logger.Error("request handling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
	}
}

func requestID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return uuid.Nil, false
	}
	return id, true
}

type publishRequest struct {
	Selector      string `json:"selector" binding:"required"`
	Domain        string `json:"domain" binding:"required"`
	PublicKeyHash string `json:"public_key_hash" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
}

func (h *handler) publishKeyHash(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dkim registry not configured"})
		return
	}
	var body publishRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keyHash, err := parseHash(body.PublicKeyHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public_key_hash: " + err.Error()})
		return
	}
	sig, err := hexutil.Decode(body.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature: " + err.Error()})
		return
	}

	txHash, err := h.registry.PublishKeyHash(c.Request.Context(), body.Selector, body.Domain, keyHash, sig)
	if err != nil {
		h.logger.Error("dkim publish failed",
			zap.String("domain", body.Domain),
			zap.String("selector", body.Selector),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_hash": txHash})
}

func (h *handler) keyHashValid(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dkim registry not configured"})
		return
	}
	domain := c.Query("domain")
	if domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domain is required"})
		return
	}
	keyHash, err := parseHash(c.Query("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash: " + err.Error()})
		return
	}

	valid, err := h.registry.IsKeyHashValid(c.Request.Context(), domain, keyHash)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": domain, "hash": keyHash.Hex(), "valid": valid})
}

// parseHash accepts a 0x-prefixed 32-byte hex string.
func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.New("must be 32 bytes")
	}
	return common.BytesToHash(b), nil
}
