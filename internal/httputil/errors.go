package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/af-corp/relay-gateway/internal/types"
)

// APIError is the envelope for all non-streaming error responses.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	RelayReqID string `json:"relay_request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{
		Error: APIErrorBody{
			Message:    message,
			Type:       errType,
			Code:       code,
			RelayReqID: requestID,
		},
	})
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", "invalid_session_token", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", string(types.ErrRateLimitExceeded), message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteKindError(w, requestID, types.ErrValidationError, message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "invalid_request_error", "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "server_error", "service_unavailable", message)
}

// WriteKindError maps a chunk error kind onto a non-streaming HTTP response,
// for endpoints that fail before any chunk has been written.
func WriteKindError(w http.ResponseWriter, requestID string, kind types.ErrorKind, message string) {
	status, errType := kindStatus(kind)
	WriteError(w, requestID, status, errType, string(kind), message)
}

func kindStatus(kind types.ErrorKind) (int, string) {
	switch kind {
	case types.ErrUnknownModel, types.ErrValidationError:
		return http.StatusBadRequest, "invalid_request_error"
	case types.ErrNoCredential:
		return http.StatusForbidden, "credential_error"
	case types.ErrCredentialInvalid, types.ErrVendorAuthError:
		return http.StatusUnauthorized, "credential_error"
	case types.ErrRateLimitExceeded, types.ErrVendorRateLimited:
		return http.StatusTooManyRequests, "rate_limit_error"
	case types.ErrTimeout:
		return http.StatusGatewayTimeout, "server_error"
	default:
		return http.StatusBadGateway, "vendor_error"
	}
}
