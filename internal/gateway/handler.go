package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/byok"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/httputil"
	"github.com/af-corp/relay-gateway/internal/router"
	"github.com/af-corp/relay-gateway/internal/streamstate"
	"github.com/af-corp/relay-gateway/internal/telemetry"
	"github.com/af-corp/relay-gateway/internal/types"
)

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	router    *router.Router
	keys      *byok.Service
	states    streamstate.Store
	broadcast *streamstate.Broadcaster
	modelsCfg func() *config.ModelsConfig
	metrics   *telemetry.Metrics
}

func NewHandler(rt *router.Router, keys *byok.Service, states streamstate.Store, broadcast *streamstate.Broadcaster, modelsCfg func() *config.ModelsConfig, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		router:    rt,
		keys:      keys,
		states:    states,
		broadcast: broadcast,
		modelsCfg: modelsCfg,
		metrics:   metrics,
	}
}

// ChatStream handles POST /v1/chat/stream.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var req types.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	defer r.Body.Close()

	req.RequestID = reqID
	req.UserID = authInfo.UserID
	req.ReceivedAt = time.Now()

	if msg := validateCompletion(&req); msg != "" {
		httputil.WriteBadRequestError(w, reqID, msg)
		return
	}

	slog.Info("stream started",
		"request_id", reqID,
		"model", req.Model,
		"conversation_id", req.ConversationID,
		"user_id", authInfo.UserID,
	)

	stream := h.router.CreateCompletion(r.Context(), req)
	writeChunks(w, r, reqID, stream)
}

// ResumeStream handles POST /v1/chat/stream/resume.
func (h *Handler) ResumeStream(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	var req types.ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	defer r.Body.Close()

	req.RequestID = reqID
	req.UserID = authInfo.UserID
	req.ReceivedAt = time.Now()

	if req.StreamID == "" {
		httputil.WriteBadRequestError(w, reqID, "streamId is required")
		return
	}
	if req.Model == "" {
		httputil.WriteBadRequestError(w, reqID, "model is required")
		return
	}

	// A stored state must belong to the caller
	if state, err := h.states.Get(r.Context(), req.StreamID); err == nil && state.UserID != authInfo.UserID {
		httputil.WriteNotFoundError(w, reqID, "Stream not found")
		return
	}

	slog.Info("stream resume requested",
		"request_id", reqID,
		"stream_id", req.StreamID,
		"from_chunk", req.FromChunkIndex,
		"user_id", authInfo.UserID,
	)

	stream := h.router.ResumeCompletion(r.Context(), req)
	writeChunks(w, r, reqID, stream)
}

// Recoverable handles GET /v1/conversations/{id}/recoverable.
func (h *Handler) Recoverable(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	conversationID := chi.URLParam(r, "id")
	recs, err := h.states.Recoverable(r.Context(), conversationID)
	if err != nil {
		slog.Error("recoverable scan failed", "error", err, "conversation_id", conversationID)
		httputil.WriteInternalError(w, reqID, "Failed to scan for recoverable streams")
		return
	}

	// Only the owner's streams are offered back
	owned := make([]streamstate.RecoverableStream, 0, len(recs))
	for _, rec := range recs {
		if rec.State.UserID == authInfo.UserID {
			owned = append(owned, rec)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"recoverable": owned})
}

// DiscardStream handles DELETE /v1/streams/{id}. Terminal: the state is gone
// and cannot be resumed afterwards.
func (h *Handler) DiscardStream(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	streamID := chi.URLParam(r, "id")
	state, err := h.states.Get(r.Context(), streamID)
	if err != nil || state.UserID != authInfo.UserID {
		httputil.WriteNotFoundError(w, reqID, "Stream not found")
		return
	}

	if err := h.states.Discard(r.Context(), streamID); err != nil {
		slog.Error("discard failed", "error", err, "stream_id", streamID)
		httputil.WriteInternalError(w, reqID, "Failed to discard stream")
		return
	}

	h.broadcast.Publish(r.Context(), streamstate.Event{
		Type:           streamstate.EventDiscarded,
		StreamID:       streamID,
		ConversationID: state.ConversationID,
		MessageID:      state.MessageID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// PauseStream handles POST /v1/streams/{id}/pause. The flag is orthogonal to
// recording; a paused stream is still a recovery candidate.
func (h *Handler) PauseStream(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	streamID := chi.URLParam(r, "id")
	state, err := h.states.Get(r.Context(), streamID)
	if err != nil || state.UserID != authInfo.UserID {
		httputil.WriteNotFoundError(w, reqID, "Stream not found")
		return
	}

	// Default is pausing; {"paused": false} unpauses.
	body := struct {
		Paused *bool `json:"paused"`
	}{}
	json.NewDecoder(r.Body).Decode(&body)
	paused := true
	if body.Paused != nil {
		paused = *body.Paused
	}

	if err := h.states.SetPaused(r.Context(), streamID, paused); err != nil {
		httputil.WriteInternalError(w, reqID, "Failed to update pause state")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"paused": paused})
}

// ListModels handles GET /v1/models. Each entry reports whether the caller
// has their own credential for the owning vendor.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	authInfo, ok := auth.AuthFromContext(r.Context())
	if !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	userVendors := make(map[string]bool)
	if creds, err := h.keys.List(r.Context(), authInfo.UserID); err == nil {
		for _, c := range creds {
			if c.Status == byok.StatusValid {
				userVendors[c.Vendor] = true
			}
		}
	}

	var models []modelObject
	for name, mapping := range h.modelsCfg().Models {
		models = append(models, modelObject{
			ID:          name,
			DisplayName: mapping.DisplayName,
			Vendor:      mapping.Vendor,
			Multimodal:  mapping.Multimodal,
			HasUserKey:  userVendors[mapping.Vendor],
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(modelListResponse{Models: models})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func validateCompletion(req *types.CompletionRequest) string {
	if req.Model == "" {
		return "model is required"
	}
	if len(req.Messages) == 0 {
		return "messages is required"
	}
	for i, m := range req.Messages {
		if _, ok := types.ParseRole(string(m.Role)); !ok {
			return "invalid role in message " + strconv.Itoa(i)
		}
	}
	if req.ConversationID == "" {
		return "conversation_id is required"
	}
	if req.MessageID == "" {
		return "message_id is required"
	}
	return ""
}

type modelObject struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Vendor      string `json:"vendor"`
	Multimodal  bool   `json:"multimodal"`
	HasUserKey  bool   `json:"has_user_key"`
}

type modelListResponse struct {
	Models []modelObject `json:"models"`
}
