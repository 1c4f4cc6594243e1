package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL is the session lifetime when none is configured.
	DefaultTokenTTL = 60 * time.Minute
	// MinSigningKeyBytes is the shortest accepted HMAC key.
	MinSigningKeyBytes = 32
)

// Session is the typed view of a verified session token.
type Session struct {
	UserID             string
	TokenID            string
	MustChangePassword bool
	PasswordExpired    bool
	Roles              []string
	Permissions        []string
	IssuedAt           time.Time
	ExpiresAt          time.Time
}

// RotationRequired reports whether the session may only be used to rotate the password.
func (s Session) RotationRequired() bool {
	return s.MustChangePassword || s.PasswordExpired
}

// claims is the wire form of Session. Boolean flags travel as "true"/"false".
type claims struct {
	MustChangePassword string   `json:"must_change_password"`
	PasswordExpired    string   `json:"password_expired"`
	Roles              []string `json:"roles,omitempty"`
	Permissions        []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS512 session tokens.
type TokenIssuer struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewTokenIssuer validates the key and returns an issuer.
func NewTokenIssuer(key, issuer, audience string, ttl time.Duration) (*TokenIssuer, error) {
	if len(key) < MinSigningKeyBytes {
		return nil, fmt.Errorf("auth: signing key must be at least %d bytes", MinSigningKeyBytes)
	}
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, errors.New("auth: issuer and audience are required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: []byte(key), issuer: issuer, audience: audience, ttl: ttl}, nil
}

// TTL returns the configured session lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue signs a token for the session. IssuedAt, ExpiresAt and TokenID are
// filled in from now and the configured lifetime.
func (t *TokenIssuer) Issue(s Session, now time.Time) (string, Session, error) {
	if strings.TrimSpace(s.UserID) == "" {
		return "", Session{}, errors.New("auth: subject is required")
	}
	now = now.UTC().Truncate(time.Second)
	s.TokenID = uuid.NewString()
	s.IssuedAt = now
	s.ExpiresAt = now.Add(t.ttl)

	c := claims{
		MustChangePassword: boolClaim(s.MustChangePassword),
		PasswordExpired:    boolClaim(s.PasswordExpired),
		Roles:              s.Roles,
		Permissions:        s.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   s.UserID,
			Audience:  jwt.ClaimStrings{t.audience},
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
			ID:        s.TokenID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, c).SignedString(t.key)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, s, nil
}

// Parse verifies signature, algorithm, issuer, audience and expiry.
func (t *TokenIssuer) Parse(token string, now time.Time) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var c claims
	parsed, err := parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return t.key, nil
	})
	if err != nil || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" || c.ID == "" {
		return Session{}, ErrInvalidToken
	}
	s := Session{
		UserID:             c.Subject,
		TokenID:            c.ID,
		MustChangePassword: c.MustChangePassword == "true",
		PasswordExpired:    c.PasswordExpired == "true",
		Roles:              c.Roles,
		Permissions:        c.Permissions,
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

func boolClaim(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
