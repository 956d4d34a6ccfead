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

// Email relayer service
//
// Entry point for the relayer. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Dials every configured chain and checks its chain id
//  4. Wires the lifecycle manager to the email gateway and the chain
//  5. Consumes verified emails from the inbound Redis list
//  6. Serves the HTTP API
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/api"
	"github.com/bcem/relayer/internal/callbuilder"
	"github.com/bcem/relayer/internal/chain"
	"github.com/bcem/relayer/internal/config"
	"github.com/bcem/relayer/internal/correlator"
	"github.com/bcem/relayer/internal/dedup"
	"github.com/bcem/relayer/internal/dkim"
	"github.com/bcem/relayer/internal/events"
	"github.com/bcem/relayer/internal/lifecycle"
	"github.com/bcem/relayer/internal/logging"
	"github.com/bcem/relayer/internal/mail"
	"github.com/bcem/relayer/internal/queue"
	"github.com/bcem/relayer/internal/store"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting email relayer",
		zap.Strings("chains", cfg.ChainNames()),
		zap.String("default_chain", cfg.DefaultChain),
		zap.Duration("confirmation_timeout", cfg.ConfirmationTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("invalid DATABASE_URL", zap.Error(err))
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1

	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to create Postgres pool", zap.Error(err))
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	logger.Info("connected to PostgreSQL")

	requests, err := store.NewPostgres(ctx, pgPool, logger)
	if err != nil {
		logger.Fatal("failed to initialise request store", zap.Error(err))
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis")

	// --- Chain Gateways ---
	gateways := make(map[string]*chain.Gateway)
	for _, name := range cfg.ChainNames() {
		gw, err := chain.Setup(ctx, name, cfg.Chains,
			chain.WithLogger(logger),
			chain.WithPollInterval(cfg.PollInterval),
			chain.WithConfirmationTimeout(cfg.ConfirmationTimeout),
		)
		if err != nil {
			logger.Fatal("failed to set up chain", zap.String("chain", name), zap.Error(err))
		}
		defer gw.Close()
		gateways[name] = gw
	}

	defaultGW, ok := gateways[cfg.DefaultChain]
	if !ok {
		logger.Fatal("default chain is not configured", zap.String("chain", cfg.DefaultChain))
	}
	builder := callbuilder.New(defaultGW, logger)

	// --- DKIM Registry ---
	var registry api.Registry
	if cfg.DKIMRegistryAddress != "" {
		dkimChain := cfg.DKIMChain
		if dkimChain == "" {
			dkimChain = cfg.DefaultChain
		}
		gw, ok := gateways[dkimChain]
		if !ok {
			logger.Fatal("dkim chain is not configured", zap.String("chain", dkimChain))
		}
		reg, err := dkim.NewRegistry(gw, cfg.DKIMRegistryAddress, logger)
		if err != nil {
			logger.Fatal("failed to set up dkim registry", zap.Error(err))
		}
		registry = reg
		logger.Info("dkim registry ready",
			zap.String("chain", dkimChain),
			zap.String("address", reg.Address().Hex()),
		)
	}

	// --- Email Gateway ---
	mailer := mail.NewClient(mail.NewHTTPClient(ctx, cfg.EmailOAuth, 30*time.Second), cfg.SMTPURL, logger)
	composer, err := mail.NewComposer(cfg.EmailTemplatesDir, mail.WithRelayerAddr(cfg.RelayerEmailAddr))
	if err != nil {
		logger.Fatal("failed to load email templates", zap.Error(err))
	}

	// --- Lifecycle Events ---
	publisher, err := events.New(events.Options{
		Backend:   cfg.EventsBackend,
		Redis:     rdb,
		QueueName: cfg.EventsQueue,
		AMQPURL:   cfg.AMQPURL,
		Exchange:  cfg.EventsExchange,
	}, logger)
	if err != nil {
		logger.Fatal("failed to set up event publisher", zap.Error(err))
	}
	defer publisher.Close()

	// --- Lifecycle Manager ---
	mgr := lifecycle.NewManager(lifecycle.ManagerConfig{
		Store:      requests,
		Correlator: correlator.New(requests, logger),
		Executor:   builder,
		Mailer:     mailer,
		Composer:   composer,
		Events:     publisher,
		SendAcks:   cfg.SendAcks,
		Logger:     logger,
	})

	// --- Inbound Consumer ---
	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Redis:   rdb,
		Queue:   cfg.InboundQueue,
		Handler: mgr,
		Dedup:   dedup.NewFilter(rdb, 0),
		Logger:  logger,
	})
	consumer.Start(ctx)

	// --- HTTP API ---
	router := api.NewRouter(api.Config{
		Lifecycle: mgr,
		Registry:  registry,
		Ready: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			if err := pgPool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			return nil
		},
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := api.Server(addr, router)
	server.ReadTimeout = 10 * time.Second
	// Direct calls wait for confirmation inside the request.
	server.WriteTimeout = cfg.ConfirmationTimeout + 30*time.Second

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		consumer.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		cancel()
	}()

	logger.Info("relayer listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("relayer stopped")
}
