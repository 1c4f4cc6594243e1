package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"modernwms.org/internal/auth"
	"modernwms.org/internal/obs"
)

// handleAuthError maps service errors to HTTP responses. Storage details are
// logged and never returned.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		lockErr   *auth.LockoutError
		policyErr *auth.PolicyError
	)
	switch {
	case errors.As(err, &lockErr):
		writeError(w, r, http.StatusUnauthorized, lockErr.Message())
	case errors.As(err, &policyErr):
		writeError(w, r, http.StatusBadRequest, policyErr.Reason)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, auth.MsgInvalidCredentials)
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidCurrentPassword):
		writeError(w, r, http.StatusBadRequest, auth.MsgInvalidCurrentPassword)
	case errors.Is(err, auth.ErrPasswordReused):
		writeError(w, r, http.StatusBadRequest, auth.MsgPasswordReused)
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource was modified concurrently or already exists")
	case errors.Is(err, auth.ErrStorageUnavailable):
		obs.Logger().Error("storage unavailable",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		obs.Logger().Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
