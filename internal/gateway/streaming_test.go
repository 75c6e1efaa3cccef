package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/relay-gateway/internal/audit"
	"github.com/af-corp/relay-gateway/internal/auth"
	"github.com/af-corp/relay-gateway/internal/byok"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/router"
	"github.com/af-corp/relay-gateway/internal/router/adapters"
	"github.com/af-corp/relay-gateway/internal/streamstate"
	"github.com/af-corp/relay-gateway/internal/types"
)

// scriptedAdapter plays back a fixed chunk sequence.
type scriptedAdapter struct {
	name    string
	chunks  []types.Chunk
	testErr error
}

func (a *scriptedAdapter) Name() string         { return a.name }
func (a *scriptedAdapter) SupportsImages() bool { return false }

func (a *scriptedAdapter) Stream(ctx context.Context, req adapters.Request) types.Stream {
	return types.SliceStream(a.chunks...)
}

func (a *scriptedAdapter) TestCredential(ctx context.Context, apiKey string) (adapters.QuotaInfo, error) {
	return adapters.QuotaInfo{RequestsRemaining: "100"}, a.testErr
}

func (a *scriptedAdapter) InvalidateClient(fingerprint string) {}

type testEnv struct {
	handler *Handler
	states  *streamstate.MemoryStore
	keys    *byok.Service
	mux     *chi.Mux
}

func newTestEnv(t *testing.T, adapter *scriptedAdapter) *testEnv {
	t.Helper()

	registry := router.NewRegistry()
	registry.Register("openai", adapter)

	models := &config.ModelsConfig{Models: map[string]config.ModelMapping{
		"gpt-4o": {DisplayName: "GPT-4o", Vendor: "openai", Model: "gpt-4o-2024-11-20"},
	}}
	modelsFn := func() *config.ModelsConfig { return models }
	modelSource := modelSourceFunc(modelsFn)

	masterHex, _ := byok.GenerateMasterKey()
	cipher, _ := byok.NewCipher(masterHex)
	credStore := byok.NewMemoryStore()
	resolver := byok.NewResolver(credStore, cipher, map[string]string{"openai": "sk-operator"}, nil)
	keys := byok.NewService(credStore, cipher, resolver, registry, audit.NewLogger(nil), nil)

	states := streamstate.NewMemoryStore(8)
	broadcast := streamstate.NewBroadcaster(nil)

	rt := router.New(registry, modelSource, resolver, states, broadcast, nil, config.StreamingConfig{
		CompletionTimeout: time.Minute,
		SnapshotBytes:     8,
	})

	h := NewHandler(rt, keys, states, broadcast, modelsFn, nil)

	mux := chi.NewRouter()
	mux.Use(fakeAuth("user-1"))
	mux.Post("/v1/chat/stream", h.ChatStream)
	mux.Post("/v1/chat/stream/resume", h.ResumeStream)
	mux.Get("/v1/conversations/{id}/recoverable", h.Recoverable)
	mux.Delete("/v1/streams/{id}", h.DiscardStream)
	mux.Post("/v1/streams/{id}/pause", h.PauseStream)
	mux.Get("/v1/models", h.ListModels)
	mux.Post("/v1/keys", h.CreateKey)
	mux.Get("/v1/keys", h.ListKeys)
	mux.Post("/v1/keys/test", h.TestKey)
	mux.Post("/v1/keys/rotate", h.RotateKeys)
	mux.Post("/v1/keys/export", h.ExportKeys)
	mux.Delete("/v1/keys/{id}", h.DeleteKey)

	return &testEnv{handler: h, states: states, keys: keys, mux: mux}
}

type modelSourceFunc func() *config.ModelsConfig

func (f modelSourceFunc) Models() *config.ModelsConfig { return f() }

func fakeAuth(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Request-ID", "req_test")
			ctx := auth.ContextWithAuth(r.Context(), &auth.AuthInfo{
				SessionID: "sess-1", UserID: userID, DisplayName: "Test User",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func doJSON(t *testing.T, mux *chi.Mux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeLines(t *testing.T, body string) []types.Chunk {
	t.Helper()
	var out []types.Chunk
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var c types.Chunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("line %q is not a chunk: %v", line, err)
		}
		out = append(out, c)
	}
	return out
}

func TestChatStream_NDJSON(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai", chunks: []types.Chunk{
		types.ContentChunk("Hello ", 2),
		types.ContentChunk("world", 2),
		types.CompletedChunk(4, 0.2),
	}})

	w := doJSON(t, env.mux, "POST", "/v1/chat/stream", map[string]any{
		"model":           "gpt-4o",
		"conversation_id": "c1",
		"message_id":      "m1",
		"messages":        []map[string]string{{"role": "user", "content": "Say hello"}},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("expected NDJSON content type, got %s", ct)
	}

	chunks := decodeLines(t, w.Body.String())
	if len(chunks) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(chunks))
	}
	if chunks[0].Kind != types.ChunkContent || chunks[0].MessageID != "m1" {
		t.Errorf("first line should be content with message id, got %+v", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if last.Kind != types.ChunkCompleted || !last.Finished {
		t.Errorf("last line should be terminal completed, got %+v", last)
	}
}

func TestChatStream_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai"})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing model", map[string]any{"conversation_id": "c1", "message_id": "m1", "messages": []map[string]string{{"role": "user", "content": "x"}}}},
		{"missing messages", map[string]any{"model": "gpt-4o", "conversation_id": "c1", "message_id": "m1"}},
		{"missing conversation", map[string]any{"model": "gpt-4o", "message_id": "m1", "messages": []map[string]string{{"role": "user", "content": "x"}}}},
		{"bad role", map[string]any{"model": "gpt-4o", "conversation_id": "c1", "message_id": "m1", "messages": []map[string]string{{"role": "wizard", "content": "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, env.mux, "POST", "/v1/chat/stream", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestChatStream_UnknownModelAsErrorChunk(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai"})

	w := doJSON(t, env.mux, "POST", "/v1/chat/stream", map[string]any{
		"model":           "made-up",
		"conversation_id": "c1",
		"message_id":      "m1",
		"messages":        []map[string]string{{"role": "user", "content": "x"}},
	})

	// Stream contract: the failure arrives as a terminal error chunk, not
	// an HTTP error.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	chunks := decodeLines(t, w.Body.String())
	if len(chunks) != 1 || chunks[0].Kind != types.ChunkError || chunks[0].Code != types.ErrUnknownModel {
		t.Fatalf("expected single unknown_model error line, got %+v", chunks)
	}
}

func TestResumeStream_MarkerFirst(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai", chunks: []types.Chunk{
		types.ContentChunk("ld!", 1),
		types.CompletedChunk(3, 0.1),
	}})

	env.states.Save(context.Background(), &streamstate.StreamState{
		StreamID: "s1", ConversationID: "c1", MessageID: "m1", UserID: "user-1",
		Vendor: "openai", Model: "gpt-4o", Content: "Hello wor", ChunkIndex: 3,
		LastUpdateTime: time.Now().UTC(),
	})

	w := doJSON(t, env.mux, "POST", "/v1/chat/stream/resume", map[string]any{
		"streamId":         "s1",
		"fromChunkIndex":   3,
		"conversationId":   "c1",
		"messageId":        "m1",
		"model":            "gpt-4o",
		"lastKnownContent": "Hello wor",
		"messages":         []map[string]string{{"role": "user", "content": "Say hello world"}},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	chunks := decodeLines(t, w.Body.String())
	if chunks[0].Kind != types.ChunkResumed || chunks[0].ResumedFromChunk != 4 {
		t.Fatalf("first line must be the resumed marker, got %+v", chunks[0])
	}
	if chunks[1].Content != "ld!" {
		t.Errorf("expected continuation content, got %+v", chunks[1])
	}
}

func TestResumeStream_OtherUsersStream(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai"})

	env.states.Save(context.Background(), &streamstate.StreamState{
		StreamID: "s1", ConversationID: "c1", UserID: "someone-else",
		Vendor: "openai", Model: "gpt-4o", Content: "x", ChunkIndex: 1,
		LastUpdateTime: time.Now().UTC(),
	})

	w := doJSON(t, env.mux, "POST", "/v1/chat/stream/resume", map[string]any{
		"streamId": "s1", "model": "gpt-4o", "conversationId": "c1",
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user's stream, got %d", w.Code)
	}
}

func TestRecoverable_OwnerScoped(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai"})
	ctx := context.Background()

	env.states.Save(ctx, &streamstate.StreamState{
		StreamID: "mine", ConversationID: "c1", UserID: "user-1",
		Content: "partial", ChunkIndex: 2, LastUpdateTime: time.Now().UTC(),
	})
	env.states.Save(ctx, &streamstate.StreamState{
		StreamID: "theirs", ConversationID: "c1", UserID: "user-2",
		Content: "other", ChunkIndex: 2, LastUpdateTime: time.Now().UTC(),
	})

	w := doJSON(t, env.mux, "GET", "/v1/conversations/c1/recoverable", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Recoverable []streamstate.RecoverableStream `json:"recoverable"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Recoverable) != 1 || resp.Recoverable[0].State.StreamID != "mine" {
		t.Errorf("expected only the caller's stream, got %+v", resp.Recoverable)
	}
}

func TestDiscardStream(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai"})
	ctx := context.Background()

	env.states.Save(ctx, &streamstate.StreamState{
		StreamID: "s1", ConversationID: "c1", UserID: "user-1",
		Content: "partial", ChunkIndex: 2, LastUpdateTime: time.Now().UTC(),
	})

	w := doJSON(t, env.mux, "DELETE", "/v1/streams/s1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	if _, err := env.states.Get(ctx, "s1"); err == nil {
		t.Error("discarded stream should be gone")
	}

	// Discarding again is a 404: terminal and not reversible
	w = doJSON(t, env.mux, "DELETE", "/v1/streams/s1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on double discard, got %d", w.Code)
	}
}

func TestPauseStream(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{name: "openai"})
	ctx := context.Background()

	env.states.Save(ctx, &streamstate.StreamState{
		StreamID: "s1", ConversationID: "c1", UserID: "user-1",
		Content: "partial", ChunkIndex: 2, LastUpdateTime: time.Now().UTC(),
	})

	w := doJSON(t, env.mux, "POST", "/v1/streams/s1/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	state, _ := env.states.Get(ctx, "s1")
	if !state.IsPaused {
		t.Error("stream should be paused")
	}

	w = doJSON(t, env.mux, "POST", "/v1/streams/s1/pause", map[string]bool{"paused": false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	state, _ = env.states.Get(ctx, "s1")
	if state.IsPaused {
		t.Error("stream should be unpaused")
	}
}

func TestHealth(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}
