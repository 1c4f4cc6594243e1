// Package app wires the account services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"modernwms.org/internal/audit"
	"modernwms.org/internal/auth"
	"modernwms.org/internal/config"
	"modernwms.org/internal/obs"
)

// BootstrapActor is recorded as the actor of installation-time changes.
const BootstrapActor = "SYSTEM"

// Services bundles everything the transports need.
type Services struct {
	Auth  *auth.Service
	RBAC  *auth.RBACService
	Audit *audit.Recorder
}

// NewServices builds the token issuer, audit recorder and account services
// over store.
func NewServices(cfg *config.Config, store auth.Store, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = obs.Logger()
	}
	tokens, err := auth.NewTokenIssuer(cfg.JWT.Key, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.TTL())
	if err != nil {
		return nil, err
	}
	recorder := audit.NewRecorder(store.Audit(context.Background()), audit.WithLogger(logger))
	svc, err := auth.NewService(store, tokens,
		auth.WithPolicy(cfg.Security.PasswordPolicy),
		auth.WithHasher(auth.NewBcryptHasher(cfg.Security.BcryptCost)),
		auth.WithAuditSink(recorder),
		auth.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	rbac, err := auth.NewRBACService(svc)
	if err != nil {
		return nil, err
	}
	return &Services{Auth: svc, RBAC: rbac, Audit: recorder}, nil
}

// BootstrapAdmin sets the password of the seeded administrator. The account
// must change it on first login. Once a password exists the call is refused
// so a rerun cannot silently take over the account.
func BootstrapAdmin(ctx context.Context, s *Services, userID, password string) error {
	user, err := s.RBAC.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load %s: %w", userID, err)
	}
	if user.PasswordHash != "" {
		return errors.New("administrator password already set; use the reset endpoint")
	}
	return s.Auth.AdminResetPassword(ctx, BootstrapActor, userID, password)
}
