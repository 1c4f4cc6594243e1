package obs

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/users/{id}", "418"))
	for _, id := range []string{"alice", "bob"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users/"+id, nil))
		if rr.Code != http.StatusTeapot {
			t.Fatalf("expected 418, got %d", rr.Code)
		}
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/users/{id}", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests under the route pattern, got %v", after-before)
	}
}

func TestObserveLogin(t *testing.T) {
	before := testutil.ToFloat64(loginAttempts.WithLabelValues(LoginLocked))
	ObserveLogin(LoginLocked)
	if got := testutil.ToFloat64(loginAttempts.WithLabelValues(LoginLocked)); got != before+1 {
		t.Fatalf("expected counter %v, got %v", before+1, got)
	}
}

func TestLogRequestWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	LogRequest("rid-1", http.MethodPost, "/api/auth/login", http.StatusUnauthorized, 1.5)

	line := buf.String()
	for _, want := range []string{`"msg":"request_complete"`, `"request_id":"rid-1"`, `"status":401`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %s", want, line)
		}
	}
}

func TestInitBuildInfoKeepsOneSeries(t *testing.T) {
	InitBuildInfo("1.0.0", "abc123")
	InitBuildInfo("1.0.1", "")

	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected one build series, got %d", n)
	}
	if got := testutil.ToFloat64(buildInfo.WithLabelValues("wms-api", "1.0.1", "unknown")); got != 1 {
		t.Fatalf("expected current build gauge at 1, got %v", got)
	}
}
