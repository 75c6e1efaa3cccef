package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/httputil"
	"github.com/af-corp/relay-gateway/internal/types"
)

// writeChunks relays a chunk stream to the client as NDJSON: one JSON object
// per line, terminal chunk last. Client disconnects cancel the request
// context, which tears down the vendor transport through the stream's Close.
func writeChunks(w http.ResponseWriter, r *http.Request, reqID string, stream types.Stream) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			slog.Error("stream read failed", "error", err, "request_id", reqID)
			return
		}

		select {
		case <-r.Context().Done():
			return
		default:
		}

		if err := enc.Encode(chunk); err != nil {
			// Client went away mid-write; the partial state is already
			// persisted as a recovery candidate.
			slog.Info("client disconnected mid-stream", "request_id", reqID)
			return
		}
		flusher.Flush()

		if chunk.Terminal() {
			return
		}
	}
}

// ConversationEvents handles GET /v1/conversations/{id}/events: an SSE
// mirror of the conversation's broadcast channel, so passive tabs follow the
// driving tab's progress without opening their own vendor stream.
func (h *Handler) ConversationEvents(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")

	if _, ok := auth.AuthFromContext(r.Context()); !ok {
		httputil.WriteAuthError(w, reqID, "Not authenticated")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return
	}

	conversationID := chi.URLParam(r, "id")
	events, cancel, err := h.broadcast.Subscribe(r.Context(), conversationID)
	if err != nil {
		httputil.WriteServiceUnavailableError(w, reqID, "Event mirroring unavailable")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
