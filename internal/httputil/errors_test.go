package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/af-corp/relay-gateway/internal/types"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req_123", http.StatusBadRequest, "invalid_request_error", "bad_request", "test message")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	if rid := w.Header().Get("X-Request-ID"); rid != "req_123" {
		t.Errorf("expected X-Request-ID req_123, got %s", rid)
	}

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Error.Message != "test message" {
		t.Errorf("expected message 'test message', got %q", resp.Error.Message)
	}
	if resp.Error.Type != "invalid_request_error" {
		t.Errorf("expected type 'invalid_request_error', got %q", resp.Error.Type)
	}
	if resp.Error.RelayReqID != "req_123" {
		t.Errorf("expected relay_request_id 'req_123', got %q", resp.Error.RelayReqID)
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAuthError(w, "req_456", "Invalid token")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != "invalid_session_token" {
		t.Errorf("expected code 'invalid_session_token', got %q", resp.Error.Code)
	}
}

func TestWriteKindError(t *testing.T) {
	tests := []struct {
		kind       types.ErrorKind
		wantStatus int
		wantType   string
	}{
		{types.ErrUnknownModel, http.StatusBadRequest, "invalid_request_error"},
		{types.ErrValidationError, http.StatusBadRequest, "invalid_request_error"},
		{types.ErrNoCredential, http.StatusForbidden, "credential_error"},
		{types.ErrCredentialInvalid, http.StatusUnauthorized, "credential_error"},
		{types.ErrVendorAuthError, http.StatusUnauthorized, "credential_error"},
		{types.ErrRateLimitExceeded, http.StatusTooManyRequests, "rate_limit_error"},
		{types.ErrVendorRateLimited, http.StatusTooManyRequests, "rate_limit_error"},
		{types.ErrTimeout, http.StatusGatewayTimeout, "server_error"},
		{types.ErrVendorTransportError, http.StatusBadGateway, "vendor_error"},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteKindError(w, "req_789", tt.kind, "boom")

		if w.Code != tt.wantStatus {
			t.Errorf("%s: expected status %d, got %d", tt.kind, tt.wantStatus, w.Code)
		}

		var resp APIError
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Error.Type != tt.wantType {
			t.Errorf("%s: expected type %q, got %q", tt.kind, tt.wantType, resp.Error.Type)
		}
		if resp.Error.Code != string(tt.kind) {
			t.Errorf("%s: expected code %q, got %q", tt.kind, tt.kind, resp.Error.Code)
		}
	}
}
