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

// Package api is the relayer's HTTP surface: command and reply intake for
// bridges that push over HTTP, request inspection, redispatch and DKIM
// registry operations.
package api

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/models"
)

// Lifecycle is the request state machine.
type Lifecycle interface {
	HandleCommand(ctx context.Context, cmd models.Command) (*models.Request, error)
	HandleReply(ctx context.Context, reply models.Reply) (*models.Request, error)
	RetryDispatch(ctx context.Context, id uuid.UUID) (*models.Request, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Request, error)
}

// Registry is the DKIM registry client.
type Registry interface {
	PublishKeyHash(ctx context.Context, selector, domain string, keyHash common.Hash, signature []byte) (string, error)
	IsKeyHashValid(ctx context.Context, domain string, keyHash common.Hash) (bool, error)
}

// Config holds the router's dependencies. Registry and Ready are optional.
type Config struct {
	Lifecycle   Lifecycle
	Registry    Registry
	Ready       func(ctx context.Context) error
	JWTSecret   string
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &handler{
		lifecycle: cfg.Lifecycle,
		registry:  cfg.Registry,
		ready:     cfg.Ready,
		logger:    cfg.Logger,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization", "Accept"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("/api", requireJWT(cfg.JWTSecret))
	authed.POST("/commands", h.postCommand)
	authed.POST("/replies", h.postReply)
	authed.GET("/requests/:id", h.getRequest)
	authed.POST("/requests/:id/dispatch", h.retryDispatch)
	authed.POST("/dkim/publish", h.publishKeyHash)
	authed.GET("/dkim/valid", h.keyHashValid)

	return router
}

// Server wraps the router in an http.Server.
func Server(addr string, router http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: router}
}
