// Package config loads service settings from an optional TOML file and the
// WMS_* environment variables. Environment values override the file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"

	"modernwms.org/internal/auth"
)

// Config holds all service configuration.
type Config struct {
	HTTP     HTTPConfig     `toml:"http"`
	GRPC     GRPCConfig     `toml:"grpc"`
	Database DatabaseConfig `toml:"database"`
	JWT      JWTConfig      `toml:"jwt"`
	Security SecurityConfig `toml:"security"`
}

type HTTPConfig struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	RateBurst   int      `toml:"rate_burst"`
	RatePerSec  int      `toml:"rate_per_sec"`
	// TrustedProxies are CIDRs or bare addresses allowed to set forwarding headers.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// Proxies parses TrustedProxies. A bare address is a single host prefix.
func (h HTTPConfig) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, v := range h.TrustedProxies {
		p, err := parseProxy(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseProxy(v string) (netip.Prefix, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid proxy %q", v)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid proxy %q", v)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

type GRPCConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	DSN string `toml:"dsn"`
}

// JWTConfig configures session tokens. Prefer WMS_JWT_KEY over a key in the file.
type JWTConfig struct {
	Key               string `toml:"key"`
	Issuer            string `toml:"issuer"`
	Audience          string `toml:"audience"`
	ExpirationMinutes int    `toml:"expiration_minutes"`
}

// TTL returns the token lifetime.
func (j JWTConfig) TTL() time.Duration {
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

type SecurityConfig struct {
	BcryptCost     int                 `toml:"bcrypt_cost"`
	PasswordPolicy auth.PasswordPolicy `toml:"password_policy"`
}

// Default returns the configuration used before file and environment are applied.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
			RateBurst:   10,
			RatePerSec:  1,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		JWT: JWTConfig{
			Issuer:            "ModernWMS",
			Audience:          "ModernWMS",
			ExpirationMinutes: int(auth.DefaultTokenTTL / time.Minute),
		},
		Security: SecurityConfig{
			BcryptCost:     auth.DefaultBcryptCost,
			PasswordPolicy: auth.DefaultPasswordPolicy(),
		},
	}
}

// Load builds the configuration from defaults, WMS_CONFIG_FILE and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("WMS_CONFIG_FILE"); path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes path over cfg. Keys absent from the file keep their
// current values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs ValidateErrors
	cfg.HTTP.Addr = getEnv("WMS_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.GRPC.Addr = getEnv("WMS_GRPC_ADDR", cfg.GRPC.Addr)
	cfg.Database.DSN = getEnv("WMS_PG_DSN", cfg.Database.DSN)
	cfg.JWT.Key = getEnv("WMS_JWT_KEY", cfg.JWT.Key)
	cfg.JWT.Issuer = getEnv("WMS_JWT_ISSUER", cfg.JWT.Issuer)
	cfg.JWT.Audience = getEnv("WMS_JWT_AUDIENCE", cfg.JWT.Audience)
	if v := os.Getenv("WMS_CORS_ORIGINS"); v != "" {
		cfg.HTTP.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("WMS_TRUSTED_PROXIES"); v != "" {
		cfg.HTTP.TrustedProxies = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"WMS_JWT_EXPIRATION_MINUTES", &cfg.JWT.ExpirationMinutes},
		{"WMS_BCRYPT_COST", &cfg.Security.BcryptCost},
		{"WMS_RATE_BURST", &cfg.HTTP.RateBurst},
		{"WMS_RATE_PER_SEC", &cfg.HTTP.RatePerSec},
	}
	for _, e := range ints {
		if err := getIntEnv(e.key, e.dst); err != nil {
			errs = append(errs, ValidationError{Field: e.key, Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		add("http.addr", "is required")
	}
	if c.HTTP.RateBurst < 1 {
		add("http.rate_burst", "must be positive")
	}
	if c.HTTP.RatePerSec < 1 {
		add("http.rate_per_sec", "must be positive")
	}
	if _, err := c.HTTP.Proxies(); err != nil {
		add("http.trusted_proxies", err.Error())
	}
	if len(c.JWT.Key) < auth.MinSigningKeyBytes {
		add("jwt.key", fmt.Sprintf("must be at least %d bytes", auth.MinSigningKeyBytes))
	}
	if strings.TrimSpace(c.JWT.Issuer) == "" {
		add("jwt.issuer", "is required")
	}
	if strings.TrimSpace(c.JWT.Audience) == "" {
		add("jwt.audience", "is required")
	}
	if c.JWT.ExpirationMinutes < 1 {
		add("jwt.expiration_minutes", "must be positive")
	}
	if c.Security.BcryptCost < bcrypt.MinCost || c.Security.BcryptCost > bcrypt.MaxCost {
		add("security.bcrypt_cost", fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if err := c.Security.PasswordPolicy.Check(); err != nil {
		add("security.password_policy", strings.TrimPrefix(err.Error(), "auth: invalid input: "))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return errors.New("must be an integer")
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
