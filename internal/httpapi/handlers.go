package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"modernwms.org/internal/auth"
	"modernwms.org/internal/obs"
)

const (
	serviceName     = "wms-api"
	maxRequestBytes = 1 << 20
)

// ReadyProbe is a simple readiness check (for example a database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	readyProbe ReadyProbe
	version    string
	svc        *auth.Service
	rbac       *auth.RBACService
	validate   *validator.Validate

	rateBurst      int
	ratePerSec     int
	corsOrigins    []string
	trustedProxies []netip.Prefix
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per client token bucket on the login endpoint.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

// WithCORSOrigins sets the origins allowed to call the API from a browser.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) {
		if len(origins) > 0 {
			a.corsOrigins = origins
		}
	}
}

// WithTrustedProxies lists the networks whose forwarding headers name the
// real client. Without it the socket peer is always the client.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = append([]netip.Prefix(nil), prefixes...)
	}
}

func New(rp ReadyProbe, version string, svc *auth.Service, rbac *auth.RBACService, opts ...Option) *API {
	a := &API{
		readyProbe:  rp,
		version:     version,
		svc:         svc,
		rbac:        rbac,
		validate:    newValidator(),
		rateBurst:   10,
		ratePerSec:  1,
		corsOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RealIP(a.trustedProxies))
	r.Use(Logging)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, maxRequestBytes) })
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: false,
		MaxAge:           600,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	limiter := newRateLimiter(a.rateBurst, a.ratePerSec)
	r.Route("/api", func(r chi.Router) {
		r.With(limiter.Middleware).Post("/auth/login", a.handleLogin)
		r.Get("/password/policy", a.handlePasswordPolicy)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Use(requirePasswordRotation)

			r.Get("/auth/me", a.handleMe)
			r.Post("/auth/change-password", a.handleChangePassword)
			r.Post("/password/change", a.handleChangePassword)
			r.Post("/password/reset/{userID}", a.handleResetPassword)

			r.Route("/users", func(r chi.Router) {
				r.Get("/", a.handleListUsers)
				r.Post("/", a.handleCreateUser)
				r.Get("/{userID}", a.handleGetUser)
				r.Put("/{userID}", a.handleUpdateUser)
				r.Delete("/{userID}", a.handleDeactivateUser)
			})
			r.Route("/roles", func(r chi.Router) {
				r.Get("/", a.handleListRoles)
				r.Get("/permissions", a.handleListPermissions)
				r.Get("/{roleID}/permissions", a.handleRolePermissions)
				r.Post("/{roleID}/permissions", a.handleUpdateRolePermissions)
			})
		})
	})
	return r
}

// Handler returns the http.Handler for the server.
func (a *API) Handler() http.Handler {
	return a.router
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.Logger().Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeAndValidate decodes the body into dst and runs struct validation.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters long"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
