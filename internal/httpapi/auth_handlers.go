package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"modernwms.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"max=1024"`
}

type loginResponse struct {
	Token              string    `json:"token"`
	TokenType          string    `json:"token_type"`
	ExpiresAt          time.Time `json:"expires_at"`
	UserID             string    `json:"user_id"`
	Name               string    `json:"name"`
	Roles              []string  `json:"roles"`
	Permissions        []string  `json:"permissions"`
	MustChangePassword bool      `json:"must_change_password"`
	PasswordExpired    bool      `json:"password_expired"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=1024"`
	NewPassword     string `json:"new_password" validate:"max=1024"`
}

type resetPasswordRequest struct {
	NewPassword string `json:"new_password" validate:"max=1024"`
}

type meResponse struct {
	User               *auth.User `json:"user"`
	MustChangePassword bool       `json:"must_change_password"`
	PasswordExpired    bool       `json:"password_expired"`
	ExpiresAt          time.Time  `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := a.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:              res.Token,
		TokenType:          "Bearer",
		ExpiresAt:          res.ExpiresAt,
		UserID:             res.UserID,
		Name:               res.DisplayName,
		Roles:              nonNil(res.Roles),
		Permissions:        nonNil(res.Permissions),
		MustChangePassword: res.MustChangePassword,
		PasswordExpired:    res.PasswordExpired,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	session, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	principal, err := a.svc.Principal(r.Context(), session.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:               principal.User,
		MustChangePassword: session.MustChangePassword,
		PasswordExpired:    session.PasswordExpired,
		ExpiresAt:          session.ExpiresAt,
	})
}

func (a *API) handlePasswordPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.PasswordPolicy())
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req changePasswordRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	if err := a.svc.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeMessage(w, "Password changed successfully")
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.ensurePermissions(w, r, auth.PermUserResetPassword)
	if !ok {
		return
	}
	var req resetPasswordRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	target := chi.URLParam(r, "userID")
	if err := a.svc.AdminResetPassword(r.Context(), principal.User.ID, target, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeMessage(w, fmt.Sprintf("Password reset for user %s. User must change password on next login.", target))
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
