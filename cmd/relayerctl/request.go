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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bcem/relayer/internal/models"
	"github.com/bcem/relayer/internal/store"
)

func newRequestCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Inspect and redispatch relayer requests",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one request from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id: %w", err)
			}
			return a.withStore(cmd.Context(), func(s *store.Postgres) error {
				req, err := s.GetRequest(cmd.Context(), id)
				if err != nil {
					return err
				}
				if req == nil {
					return fmt.Errorf("request %s not found", id)
				}
				return printJSON(cmd, req)
			})
		},
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent requests, optionally filtered by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := models.Status(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return a.withStore(cmd.Context(), func(s *store.Postgres) error {
				reqs, err := s.ListRequests(cmd.Context(), st, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, reqs)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	server := os.Getenv("RELAYER_SERVER")
	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Ask a running relayer to resend the command email for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id: %w", err)
			}
			return a.retryDispatch(cmd, server, id)
		},
	}
	retry.Flags().StringVar(&server, "server", server, "Relayer base URL (defaults to http://localhost:<PORT>)")

	cmd.AddCommand(get, list, retry)
	return cmd
}

func (a *app) withStore(ctx context.Context, fn func(s *store.Postgres) error) error {
	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	s, err := store.NewPostgres(ctx, pool, a.logger)
	if err != nil {
		return err
	}
	return fn(s)
}

func (a *app) retryDispatch(cmd *cobra.Command, server string, id uuid.UUID) error {
	server = strings.TrimSuffix(strings.TrimSpace(server), "/")
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", a.cfg.Port)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/requests/"+id.String()+"/dispatch", nil)
	if err != nil {
		return err
	}
	if a.cfg.JWTSecret != "" {
		token, err := operatorToken(a.cfg.JWTSecret)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call relayer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relayer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out models.Request
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return printJSON(cmd, out)
}

// operatorToken mints a short-lived HS256 token for the relayer API.
func operatorToken(secret string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "relayerctl",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
