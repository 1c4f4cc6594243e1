package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"modernwms.org/internal/audit"
	"modernwms.org/internal/auth"
	"modernwms.org/internal/obs"
)

const testSigningKey = "http-test-signing-key-0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiClient struct {
	t      *testing.T
	srv    *httptest.Server
	store  *auth.MemoryStore
	svc    *auth.Service
	clock  *testClock
	hasher auth.BcryptHasher
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	obs.SetOutput(io.Discard)
	t.Cleanup(func() { obs.SetOutput(nil) })

	store := auth.NewMemoryStore()
	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)
	tokens, err := auth.NewTokenIssuer(testSigningKey, "wms-test", "wms-clients", time.Hour)
	require.NoError(t, err)
	recorder := audit.NewRecorder(store.Audit(context.Background()), audit.WithLogger(obs.Logger()))
	svc, err := auth.NewService(store, tokens,
		auth.WithClock(clock.Now),
		auth.WithHasher(hasher),
		auth.WithAuditSink(recorder),
	)
	require.NoError(t, err)
	rbac, err := auth.NewRBACService(svc)
	require.NoError(t, err)

	opts = append([]Option{WithRateLimit(100, 100)}, opts...)
	api := New(ReadyProbe{}, "test", svc, rbac, opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{t: t, srv: srv, store: store, svc: svc, clock: clock, hasher: hasher}
}

func (c *apiClient) addUser(id, password string, roles ...string) {
	c.t.Helper()
	hash, err := c.hasher.Hash(password)
	require.NoError(c.t, err)
	now := c.clock.Now()
	c.store.PutUser(&auth.User{
		ID:                id,
		DisplayName:       id,
		PasswordHash:      hash,
		PasswordChangedAt: &now,
		Status:            auth.UserStatusActive,
		Roles:             roles,
	})
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, payload)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *apiClient) login(username, password string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
}

// token logs in and returns the bearer token, failing the test otherwise.
func (c *apiClient) token(username, password string) string {
	c.t.Helper()
	resp := c.login(username, password)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	var body loginResponse
	decodeBody(c.t, resp, &body)
	require.NotEmpty(c.t, body.Token)
	return body.Token
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]any
	decodeBody(t, resp, &body)
	msg, _ := body["error"].(string)
	return msg
}
