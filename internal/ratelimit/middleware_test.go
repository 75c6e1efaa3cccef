package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/config"
)

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		Window:    time.Hour,
		KeyCreate: 10,
		KeyTest:   30,
		KeyRotate: 3,
		KeyExport: 2,
	}
}

func TestMiddleware_AllowsRequest(t *testing.T) {
	guard := NewGuard(NewLimiter(nil), testLimits())
	mw := Middleware(guard, OpKeyCreate, nil)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", nil)
	req = req.WithContext(auth.ContextWithAuth(req.Context(), &auth.AuthInfo{UserID: "user-1"}))
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-1")

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRateLimitRemaining); h == "" {
		t.Error("expected X-RateLimit-Remaining header")
	}
	if h := rec.Header().Get(headerRateLimitReset); h == "" {
		t.Error("expected X-RateLimit-Reset header")
	}
}

func TestMiddleware_NoAuth_PassThrough(t *testing.T) {
	guard := NewGuard(NewLimiter(nil), testLimits())
	mw := Middleware(guard, OpKeyCreate, nil)

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to be called when no auth context")
	}
}

func TestGuard_UnconfiguredKindDenied(t *testing.T) {
	guard := NewGuard(NewLimiter(nil), config.LimitsConfig{Window: time.Hour})

	res, err := guard.Check(context.Background(), "user-1", OpKeyExport)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("expected deny for kind with no configured ceiling")
	}
	if res.Severity != SeverityCritical {
		t.Errorf("severity = %s, want %s", res.Severity, SeverityCritical)
	}
}

func TestOpKindSeverity(t *testing.T) {
	tests := []struct {
		kind OpKind
		want Severity
	}{
		{OpKeyCreate, SeverityLow},
		{OpKeyTest, SeverityLow},
		{OpKeyRotate, SeverityElevated},
		{OpKeyExport, SeverityCritical},
	}
	for _, tt := range tests {
		if got := tt.kind.Severity(); got != tt.want {
			t.Errorf("%s.Severity() = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestParseOpKind(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"key_create", true},
		{"key_test", true},
		{"key_rotate", true},
		{"key_export", true},
		{"chat", false},
		{"", false},
	}
	for _, tt := range tests {
		_, ok := ParseOpKind(tt.input)
		if ok != tt.valid {
			t.Errorf("ParseOpKind(%q) valid = %v, want %v", tt.input, ok, tt.valid)
		}
	}
}

func TestGuard_NilRedis_FailOpen(t *testing.T) {
	guard := NewGuard(NewLimiter(nil), testLimits())

	res, err := guard.Check(context.Background(), "user-1", OpKeyExport)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("expected allowed when Redis is nil")
	}
	if res.Remaining != 1 {
		t.Errorf("remaining = %d, want 1 (export ceiling 2 minus this attempt)", res.Remaining)
	}
}

func TestGuard_RecordFailedAttempt_NilRedis(t *testing.T) {
	guard := NewGuard(NewLimiter(nil), testLimits())
	if err := guard.RecordFailedAttempt(context.Background(), "user-1", OpKeyTest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
