package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/metrics"
	"github.com/prn-tf/membership/internal/pkg/crypto"
	"github.com/prn-tf/membership/internal/repository"
	"github.com/prn-tf/membership/internal/repository/memory"
	"github.com/prn-tf/membership/internal/service"
)

type testServer struct {
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	security := config.SecurityConfig{
		DefaultTenant:                     "default",
		EmailIsUnique:                     true,
		RequireAccountVerification:        true,
		AllowLoginAfterAccountCreation:    true,
		AccountLockoutFailedLoginAttempts: 5,
		AccountLockoutDuration:            time.Minute,
		AllowAccountDeletion:              false,
		VerificationKeyLifetime:           time.Hour,
	}
	env := domain.NewEnv(crypto.NewProvider(bcrypt.MinCost), clockwork.NewFakeClock(), security.VerificationKeyLifetime)
	store := memory.NewStore()

	reg, m := metrics.NewRegistry()
	svc := service.NewAccountService(
		&repository.Repositories{Accounts: store, Tx: store, Database: store},
		env, security, zerolog.Nop(), service.WithMetrics(m),
	)

	router := NewRouter(RouterConfig{
		AccountHandler: NewAccountHandler(svc, zerolog.Nop()),
		Health:         store,
		Gatherer:       reg,
		MaxBodySize:    1 << 20,
		Logger:         zerolog.Nop(),
	})
	return &testServer{handler: router.Handler(), store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

type unhealthy struct{}

func (unhealthy) Health(context.Context) error { return errors.New("database is down") }

func TestRouter_Unhealthy(t *testing.T) {
	h := NewRouter(RouterConfig{Health: unhealthy{}, Logger: zerolog.Nop()}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_AccountLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/accounts", CreateAccountRequest{
		Username: "alice", Password: "Passw0rd!", Email: "alice@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AccountResponse](t, rec)
	assert.Equal(t, domain.StateUnverified, created.State)
	assert.Equal(t, domain.PendingVerifyAccount, created.PendingKind)
	assert.NotContains(t, rec.Body.String(), "password\"", "hash is never serialized")

	rec = s.do(t, http.MethodPost, "/api/v1/authenticate", AuthenticateRequest{Username: "alice", Password: "Passw0rd!"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unverified accounts cannot log in")

	stored, err := s.store.FindByUsername(context.Background(), "default", "alice")
	require.NoError(t, err)

	rec = s.do(t, http.MethodGet, "/accounts/verify/"+stored.VerificationKey(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ResultResponse](t, rec).Success)

	rec = s.do(t, http.MethodPost, "/api/v1/accounts/verify", KeyRequest{Key: stored.VerificationKey()})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/authenticate", AuthenticateRequest{Username: "alice", Password: "Passw0rd!"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"authenticated": true}, decode[map[string]bool](t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/accounts/by-username/alice/claims", ClaimRequest{Type: "role", Value: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[AccountResponse](t, rec)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, []domain.Claim{{Type: "role", Value: "admin"}}, got.Claims)

	rec = s.do(t, http.MethodDelete, "/api/v1/accounts/by-username/alice/claims/role?value=admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/accounts/by-username/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/by-username/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StateClosed, decode[AccountResponse](t, rec).State)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]AccountResponse](t, rec))
}

func TestRouter_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation failure",
			method:     http.MethodPost,
			path:       "/api/v1/accounts",
			body:       CreateAccountRequest{Username: "alice", Password: "Passw0rd!", Email: "nope"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "ValidationFailed",
		},
		{
			name:       "missing argument",
			method:     http.MethodPost,
			path:       "/api/v1/accounts",
			body:       CreateAccountRequest{Username: "alice", Email: "a@example.com"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidArgument",
		},
		{
			name:       "unknown field",
			method:     http.MethodPost,
			path:       "/api/v1/authenticate",
			body:       map[string]string{"user": "alice"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidArgument",
		},
		{
			name:       "unknown account",
			method:     http.MethodGet,
			path:       "/api/v1/accounts/by-username/ghost",
			wantStatus: http.StatusNotFound,
			wantCode:   "NotFound",
		},
		{
			name:       "malformed id",
			method:     http.MethodGet,
			path:       "/api/v1/accounts/not-a-uuid",
			wantStatus: http.StatusNotFound,
			wantCode:   "NotFound",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestRouter_Exists(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/accounts", CreateAccountRequest{
		Username: "alice", Password: "Passw0rd!", Email: "alice@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/exists/username/ALICE", nil)
	assert.Equal(t, map[string]bool{"exists": true}, decode[map[string]bool](t, rec))

	rec = s.do(t, http.MethodGet, "/api/v1/exists/email/bob@example.com", nil)
	assert.Equal(t, map[string]bool{"exists": false}, decode[map[string]bool](t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/username/reminder", EmailRequest{Email: "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/authenticate", AuthenticateRequest{Username: "ghost", Password: "x"})

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `membership_operations_total{operation="authenticate",outcome="rejected"} 1`)
}
