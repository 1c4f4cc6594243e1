package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"modernwms.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// rotationPaths stay reachable while a session must rotate its password.
var rotationPaths = map[string]struct{}{
	"/api/auth/me":              {},
	"/api/auth/change-password": {},
	"/api/password/change":      {},
	"/api/password/policy":      {},
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wms"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		session, err := a.svc.Authenticate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wms", error="invalid_token"`)
			handleAuthError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithSession(r.Context(), session)))
	})
}

// requirePasswordRotation confines sessions issued with a forced or expired
// password to the endpoints needed to rotate it.
func requirePasswordRotation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := auth.SessionFromContext(r.Context())
		if ok && session.RotationRequired() {
			if _, allowed := rotationPaths[strings.TrimSuffix(r.URL.Path, "/")]; !allowed {
				writeError(w, r, http.StatusForbidden, "password change required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ensurePermissions resolves the caller's current grants from storage and
// writes 401 or 403 when perm is missing.
func (a *API) ensurePermissions(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return auth.Principal{}, false
	}
	principal, err := a.svc.Require(r.Context(), userID, perm)
	if err != nil {
		handleAuthError(w, r, err)
		return auth.Principal{}, false
	}
	return principal, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
