package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modernwms.org/internal/auth"
)

func TestLoginLockoutOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	c.addUser("alice", "Correct#Pass1")

	for i := 1; i <= 4; i++ {
		resp := c.login("alice", "wrong")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, auth.MsgInvalidCredentials, errorBody(t, resp))
	}

	resp := c.login("alice", "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Account locked due to too many failed attempts. Try again in 15 minutes.", errorBody(t, resp))

	resp = c.login("alice", "Correct#Pass1")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Account is locked. Try again in 15 minutes.", errorBody(t, resp))

	c.clock.Advance(16 * time.Minute)
	resp = c.login("alice", "Correct#Pass1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body loginResponse
	decodeBody(t, resp, &body)
	require.Equal(t, "alice", body.UserID)
	require.Equal(t, "Bearer", body.TokenType)
	require.False(t, body.MustChangePassword)
}

func TestLoginUnknownUserMatchesWrongPassword(t *testing.T) {
	c := newTestAPI(t)
	c.addUser("alice", "Correct#Pass1")

	unknown := c.login("nobody", "whatever")
	wrong := c.login("alice", "whatever")
	require.Equal(t, wrong.StatusCode, unknown.StatusCode)
	require.Equal(t, errorBody(t, wrong), errorBody(t, unknown))
}

func TestLoginValidatesBody(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/api/auth/login", "", map[string]string{"password": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "username is required", errorBody(t, resp))

	resp = c.do(http.MethodPost, "/api/auth/login", "", map[string]any{"username": "a", "extra": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginRateLimited(t *testing.T) {
	c := newTestAPI(t, WithRateLimit(2, 1))
	c.addUser("alice", "Correct#Pass1")

	require.Equal(t, http.StatusUnauthorized, c.login("alice", "wrong").StatusCode)
	require.Equal(t, http.StatusUnauthorized, c.login("alice", "wrong").StatusCode)
	resp := c.login("alice", "wrong")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// rate limited attempts never reach the failure counter
	u, err := c.store.Users(t.Context()).Get(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, 2, u.FailedLoginAttempts)
}

// loginVia posts a login carrying the given X-Forwarded-For value.
func (c *apiClient) loginVia(forwardedFor, username, password string) *http.Response {
	c.t.Helper()
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	require.NoError(c.t, err)
	req, err := http.NewRequest(http.MethodPost, c.srv.URL+"/api/auth/login", bytes.NewReader(body))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestLoginRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	c := newTestAPI(t, WithRateLimit(2, 1))
	c.addUser("alice", "Correct#Pass1")

	limited := 0
	for i := range 20 {
		resp := c.loginVia(fmt.Sprintf("203.0.113.%d", i+1), "alice", "wrong")
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	require.Greater(t, limited, 10)
}

func TestLoginRateLimitHonoursTrustedProxy(t *testing.T) {
	c := newTestAPI(t, WithRateLimit(2, 1),
		WithTrustedProxies([]netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}))
	c.addUser("alice", "Correct#Pass1")

	for i := range 5 {
		resp := c.loginVia(fmt.Sprintf("203.0.113.%d", i+1), "alice", "wrong")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	require.Equal(t, http.StatusUnauthorized, c.loginVia("198.51.100.7", "alice", "wrong").StatusCode)
	require.Equal(t, http.StatusUnauthorized, c.loginVia("198.51.100.7", "alice", "wrong").StatusCode)
	require.Equal(t, http.StatusTooManyRequests, c.loginVia("198.51.100.7", "alice", "wrong").StatusCode)
}

func TestPasswordPolicyIsPublic(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/api/password/policy", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var policy auth.PasswordPolicy
	decodeBody(t, resp, &policy)
	require.Equal(t, auth.DefaultPasswordPolicy(), policy)
}

func TestChangePasswordOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	c.addUser("bob", "Original#1")
	token := c.token("bob", "Original#1")

	resp := c.do(http.MethodPost, "/api/auth/change-password", token, map[string]string{
		"current_password": "nope",
		"new_password":     "Another#Pass2",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, auth.MsgInvalidCurrentPassword, errorBody(t, resp))

	resp = c.do(http.MethodPost, "/api/auth/change-password", token, map[string]string{
		"current_password": "Original#1",
		"new_password":     "short",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Password must be at least 8 characters long", errorBody(t, resp))

	resp = c.do(http.MethodPost, "/api/password/change", token, map[string]string{
		"current_password": "Original#1",
		"new_password":     "Original#1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, auth.MsgPasswordReused, errorBody(t, resp))

	resp = c.do(http.MethodPost, "/api/auth/change-password", token, map[string]string{
		"current_password": "Original#1",
		"new_password":     "Another#Pass2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusUnauthorized, c.login("bob", "Original#1").StatusCode)
	require.Equal(t, http.StatusOK, c.login("bob", "Another#Pass2").StatusCode)
}

func TestChangePasswordRequiresToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/api/auth/change-password", "", map[string]string{
		"current_password": "a",
		"new_password":     "b",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp = c.do(http.MethodPost, "/api/auth/change-password", "not-a-jwt", map[string]string{
		"current_password": "a",
		"new_password":     "b",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid token", errorBody(t, resp))
}

func TestAdminResetForcesRotationGate(t *testing.T) {
	c := newTestAPI(t)
	c.addUser("admin", "Admin#Pass1", auth.AdminRoleID)
	c.addUser("carol", "Carol#Pass1", auth.AdminRoleID)
	admin := c.token("admin", "Admin#Pass1")

	resp := c.do(http.MethodPost, "/api/password/reset/carol", admin, map[string]string{
		"new_password": "Temp#Pass123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/password/reset/ghost", admin, map[string]string{
		"new_password": "Temp#Pass123",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = c.login("carol", "Temp#Pass123")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body loginResponse
	decodeBody(t, resp, &body)
	require.True(t, body.MustChangePassword)

	// even an administrator is confined until the password is rotated
	resp = c.do(http.MethodGet, "/api/users", body.Token, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "password change required", errorBody(t, resp))

	resp = c.do(http.MethodGet, "/api/auth/me", body.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me meResponse
	decodeBody(t, resp, &me)
	require.Equal(t, "carol", me.User.ID)
	require.True(t, me.MustChangePassword)

	resp = c.do(http.MethodPost, "/api/auth/change-password", body.Token, map[string]string{
		"current_password": "Temp#Pass123",
		"new_password":     "Fresh#Pass456",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fresh := c.token("carol", "Fresh#Pass456")
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/users", fresh, nil).StatusCode)
}

func TestResetRequiresPermission(t *testing.T) {
	c := newTestAPI(t)
	c.addUser("bob", "Original#1")
	token := c.token("bob", "Original#1")

	resp := c.do(http.MethodPost, "/api/password/reset/bob", token, map[string]string{
		"new_password": "Temp#Pass123",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", errorBody(t, resp))
}
