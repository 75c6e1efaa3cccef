package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/byok"
	"github.com/af-corp/relay-gateway/internal/httputil"
	"github.com/af-corp/relay-gateway/internal/router/adapters"
)

type credentialResponse struct {
	ID            string              `json:"id"`
	Vendor        string              `json:"vendor"`
	KeyName       string              `json:"key_name"`
	Status        string              `json:"status"`
	LastValidated *time.Time          `json:"last_validated,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	Quota         *adapters.QuotaInfo `json:"quota,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func toCredentialResponse(c *byok.Credential) credentialResponse {
	return credentialResponse{
		ID:            c.ID,
		Vendor:        c.Vendor,
		KeyName:       c.KeyName,
		Status:        string(c.Status),
		LastValidated: c.LastValidated,
		LastError:     c.LastError,
		Quota:         c.Quota,
		CreatedAt:     c.CreatedAt,
	}
}

// CreateKey handles POST /v1/keys.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var body struct {
		Vendor  string `json:"vendor"`
		KeyName string `json:"key_name"`
		APIKey  string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if body.Vendor == "" || body.APIKey == "" {
		httputil.WriteBadRequestError(w, reqID, "vendor and api_key are required")
		return
	}

	cred, err := h.keys.Create(r.Context(), authInfo.UserID, body.Vendor, body.KeyName, body.APIKey)
	if err != nil {
		writeKeyError(w, reqID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toCredentialResponse(cred))
}

// ListKeys handles GET /v1/keys.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	creds, err := h.keys.List(r.Context(), authInfo.UserID)
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Failed to list credentials")
		return
	}

	out := make([]credentialResponse, 0, len(creds))
	for i := range creds {
		out = append(out, toCredentialResponse(&creds[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"keys": out})
}

// TestKey handles POST /v1/keys/test.
func (h *Handler) TestKey(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		httputil.WriteBadRequestError(w, reqID, "id is required")
		return
	}

	cred, err := h.keys.Test(r.Context(), authInfo.UserID, body.ID)
	if err != nil {
		writeKeyError(w, reqID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toCredentialResponse(cred))
}

// RotateKeys handles POST /v1/keys/rotate.
func (h *Handler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	rotated, err := h.keys.Rotate(r.Context(), authInfo.UserID)
	if err != nil {
		httputil.WriteInternalError(w, reqID, "Rotation incomplete: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"rotated": rotated})
}

// ExportKeys handles POST /v1/keys/export. The response body is the sealed,
// ciphertext-only backup package.
func (h *Handler) ExportKeys(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var body struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	sealed, err := h.keys.Export(r.Context(), authInfo.UserID, body.Passphrase)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="relay-keys.backup"`)
	w.WriteHeader(http.StatusOK)
	w.Write(sealed)
}

// DeleteKey handles DELETE /v1/keys/{id}.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	if err := h.keys.Delete(r.Context(), authInfo.UserID, chi.URLParam(r, "id")); err != nil {
		writeKeyError(w, reqID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeKeyError(w http.ResponseWriter, reqID string, err error) {
	switch {
	case errors.Is(err, byok.ErrNotFound):
		httputil.WriteNotFoundError(w, reqID, "Credential not found")
	case errors.Is(err, byok.ErrDuplicateName):
		httputil.WriteBadRequestError(w, reqID, err.Error())
	case errors.Is(err, byok.ErrUnknownVendor):
		httputil.WriteBadRequestError(w, reqID, "Unknown vendor")
	case errors.Is(err, byok.ErrDecryptFailed):
		httputil.WriteInternalError(w, reqID, "Credential could not be decrypted")
	default:
		httputil.WriteInternalError(w, reqID, "Credential operation failed")
	}
}
