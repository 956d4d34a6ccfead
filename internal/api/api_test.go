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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bcem/relayer/internal/calldata"
	"github.com/bcem/relayer/internal/lifecycle"
	"github.com/bcem/relayer/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLifecycle struct {
	cmdReq   *models.Request
	cmdErr   error
	replyReq *models.Request
	replyErr error
	requests map[uuid.UUID]*models.Request
	retryErr error
}

func (f *fakeLifecycle) HandleCommand(ctx context.Context, cmd models.Command) (*models.Request, error) {
	return f.cmdReq, f.cmdErr
}

func (f *fakeLifecycle) HandleReply(ctx context.Context, reply models.Reply) (*models.Request, error) {
	return f.replyReq, f.replyErr
}

func (f *fakeLifecycle) RetryDispatch(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, lifecycle.ErrRequestNotFound
	}
	return req, f.retryErr
}

func (f *fakeLifecycle) Get(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, lifecycle.ErrRequestNotFound
	}
	return req, nil
}

type fakeRegistry struct {
	valid      map[common.Hash]bool
	publishErr error
}

func (f *fakeRegistry) PublishKeyHash(ctx context.Context, selector, domain string, keyHash common.Hash, signature []byte) (string, error) {
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.valid[keyHash] = true
	return "0xabc", nil
}

func (f *fakeRegistry) IsKeyHashValid(ctx context.Context, domain string, keyHash common.Hash) (bool, error) {
	return f.valid[keyHash], nil
}

func do(t *testing.T, router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const commandBody = `{"message_id":"<c1@user>","email_addr":"alice@example.com","command":"recover account","expects_reply":true}`

// TestHealth verifies the readiness check.
func TestHealth(t *testing.T) {
	router := NewRouter(Config{Lifecycle: &fakeLifecycle{}, Logger: zaptest.NewLogger(t)})
	rec := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	router = NewRouter(Config{
		Lifecycle: &fakeLifecycle{},
		Ready:     func(ctx context.Context) error { return errors.New("postgres down") },
		Logger:    zaptest.NewLogger(t),
	})
	rec = do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "postgres down", decode(t, rec)["error"])
}

// TestPostCommand_StatusCodes verifies how lifecycle outcomes map to
// HTTP statuses.
func TestPostCommand_StatusCodes(t *testing.T) {
	id := uuid.New()
	sent := &models.Request{ID: id, Status: models.StatusEmailSent}
	received := &models.Request{ID: id, Status: models.StatusReceived}

	tests := []struct {
		name   string
		req    *models.Request
		err    error
		status int
	}{
		{"accepted", sent, nil, http.StatusOK},
		{"invalid", nil, fmt.Errorf("%w: missing email address", lifecycle.ErrInvalidCommand), http.StatusBadRequest},
		{"arity", nil, fmt.Errorf("%w: f", calldata.ErrArityMismatch), http.StatusBadRequest},
		{"encoding", nil, &calldata.EncodingError{Path: "arg[0]", Type: "uint8", Reason: "overflow"}, http.StatusBadRequest},
		{"partial", received, &lifecycle.PartialDispatchError{RequestID: id, MessageID: "<m1@relayer>", Err: errors.New("db")}, http.StatusBadGateway},
		{"send failed", received, errors.New("send command email: 503"), http.StatusBadGateway},
		{"store failed", nil, errors.New("create request: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(Config{
				Lifecycle: &fakeLifecycle{cmdReq: tt.req, cmdErr: tt.err},
				Logger:    zaptest.NewLogger(t),
			})
			rec := do(t, router, http.MethodPost, "/api/commands", commandBody)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode(t, rec)
			switch {
			case tt.err == nil:
				assert.Equal(t, id.String(), body["id"])
			case tt.req != nil:
				assert.Equal(t, id.String(), body["request_id"])
			default:
				assert.NotContains(t, body, "request_id")
			}
		})
	}
}

// TestPostCommand_PartialIncludesMessageID verifies the gateway message id
// is reported for a partial dispatch.
func TestPostCommand_PartialIncludesMessageID(t *testing.T) {
	id := uuid.New()
	router := NewRouter(Config{
		Lifecycle: &fakeLifecycle{
			cmdReq: &models.Request{ID: id, Status: models.StatusReceived},
			cmdErr: &lifecycle.PartialDispatchError{RequestID: id, MessageID: "<m1@relayer>", Err: errors.New("db")},
		},
		Logger: zaptest.NewLogger(t),
	})
	rec := do(t, router, http.MethodPost, "/api/commands", commandBody)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "<m1@relayer>", body["message_id"])
	assert.Equal(t, string(models.StatusReceived), body["status"])
}

// TestPostCommand_BadJSON verifies malformed bodies are rejected.
func TestPostCommand_BadJSON(t *testing.T) {
	router := NewRouter(Config{Lifecycle: &fakeLifecycle{}, Logger: zaptest.NewLogger(t)})
	rec := do(t, router, http.MethodPost, "/api/commands", `{"email_addr":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestPostReply verifies duplicate replies are acknowledged.
func TestPostReply(t *testing.T) {
	const replyBody = `{"email":{"message_id":"<r1@user>","headers":{"In-Reply-To":"<m1@relayer>"}}}`

	router := NewRouter(Config{
		Lifecycle: &fakeLifecycle{replyErr: lifecycle.ErrDuplicateReply},
		Logger:    zaptest.NewLogger(t),
	})
	rec := do(t, router, http.MethodPost, "/api/replies", replyBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["status"])

	id := uuid.New()
	router = NewRouter(Config{
		Lifecycle: &fakeLifecycle{replyReq: &models.Request{ID: id, Status: models.StatusCompleted, TxHash: "0xfeed"}},
		Logger:    zaptest.NewLogger(t),
	})
	rec = do(t, router, http.MethodPost, "/api/replies", replyBody)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(models.StatusCompleted), body["status"])
	assert.Equal(t, "0xfeed", body["tx_hash"])
}

// TestGetRequest verifies lookup, missing ids and malformed ids.
func TestGetRequest(t *testing.T) {
	id := uuid.New()
	router := NewRouter(Config{
		Lifecycle: &fakeLifecycle{requests: map[uuid.UUID]*models.Request{
			id: {ID: id, Status: models.StatusEmailSent, EmailAddr: "alice@example.com"},
		}},
		Logger: zaptest.NewLogger(t),
	})

	rec := do(t, router, http.MethodGet, "/api/requests/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.com", decode(t, rec)["email_addr"])

	rec = do(t, router, http.MethodGet, "/api/requests/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/requests/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestRetryDispatch verifies redispatch outcomes.
func TestRetryDispatch(t *testing.T) {
	id := uuid.New()
	fake := &fakeLifecycle{requests: map[uuid.UUID]*models.Request{
		id: {ID: id, Status: models.StatusCompleted},
	}}
	router := NewRouter(Config{Lifecycle: fake, Logger: zaptest.NewLogger(t)})

	fake.retryErr = fmt.Errorf("%w: request %s is completed", lifecycle.ErrNotRetryable, id)
	rec := do(t, router, http.MethodPost, "/api/requests/"+id.String()+"/dispatch", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	fake.retryErr = nil
	fake.requests[id].Status = models.StatusEmailSent
	rec = do(t, router, http.MethodPost, "/api/requests/"+id.String()+"/dispatch", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/requests/"+uuid.NewString()+"/dispatch", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDKIMRoutes verifies publish and validity checks.
func TestDKIMRoutes(t *testing.T) {
	reg := &fakeRegistry{valid: make(map[common.Hash]bool)}
	router := NewRouter(Config{Lifecycle: &fakeLifecycle{}, Registry: reg, Logger: zaptest.NewLogger(t)})

	hash := common.HexToHash("0x1234")
	rec := do(t, router, http.MethodGet, "/api/dkim/valid?domain=example.com&hash="+hash.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["valid"])

	publish := fmt.Sprintf(`{"selector":"s1","domain":"example.com","public_key_hash":%q,"signature":"0x0102"}`, hash.Hex())
	rec = do(t, router, http.MethodPost, "/api/dkim/publish", publish)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "0xabc", decode(t, rec)["tx_hash"])

	rec = do(t, router, http.MethodGet, "/api/dkim/valid?domain=example.com&hash="+hash.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["valid"])

	rec = do(t, router, http.MethodGet, "/api/dkim/valid?domain=example.com&hash=0x12", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	reg.publishErr = errors.New("transaction reverted")
	rec = do(t, router, http.MethodPost, "/api/dkim/publish", publish)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// TestDKIMRoutes_NoRegistry verifies the routes report unavailability.
func TestDKIMRoutes_NoRegistry(t *testing.T) {
	router := NewRouter(Config{Lifecycle: &fakeLifecycle{}, Logger: zaptest.NewLogger(t)})
	rec := do(t, router, http.MethodGet, "/api/dkim/valid?domain=example.com&hash="+common.Hash{}.Hex(), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestJWT verifies bearer tokens are required once a secret is set.
func TestJWT(t *testing.T) {
	const secret = "test-secret"
	id := uuid.New()
	router := NewRouter(Config{
		Lifecycle: &fakeLifecycle{requests: map[uuid.UUID]*models.Request{id: {ID: id}}},
		JWTSecret: secret,
		Logger:    zaptest.NewLogger(t),
	})
	path := "/api/requests/" + id.String()

	rec := do(t, router, http.MethodGet, path, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sign := func(key string, method jwt.SigningMethod, exp time.Time) string {
		tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		s, err := tok.SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}

	rec = do(t, router, http.MethodGet, path, "", "Authorization", "Bearer "+sign(secret, jwt.SigningMethodHS256, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, path, "", "Authorization", "Bearer "+sign("wrong", jwt.SigningMethodHS256, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodGet, path, "", "Authorization", "Bearer "+sign(secret, jwt.SigningMethodHS512, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, http.MethodGet, path, "", "Authorization", "Bearer "+sign(secret, jwt.SigningMethodHS256, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open.
	rec = do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer"))
	assert.Empty(t, bearerToken(""))
}
