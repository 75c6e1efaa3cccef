package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/types"
)

func openAIMockServer(t *testing.T, chunks []string, usage int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", c)
			flusher.Flush()
		}
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		if usage > 0 {
			fmt.Fprintf(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":%d}}\n\n", usage)
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func collect(t *testing.T, s types.Stream) []types.Chunk {
	t.Helper()
	var out []types.Chunk
	for {
		c, err := s.Recv()
		if err != nil {
			return out
		}
		out = append(out, c)
	}
}

func TestOpenAIStream_ConcatenationMatchesBuffered(t *testing.T) {
	srv := openAIMockServer(t, []string{"Hello", " world", "!"}, 12)
	defer srv.Close()

	a := NewOpenAIAdapter(config.VendorConfig{Type: "openai", BaseURL: srv.URL})
	s := a.Stream(context.Background(), Request{
		Model:    "gpt-test",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		APIKey:   "sk-test",
		UserID:   "u1",
	})

	c, err := types.Drain(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Content != "Hello world!" {
		t.Errorf("content = %q, want %q", c.Content, "Hello world!")
	}
	if c.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want vendor-reported 12", c.TotalTokens)
	}
	if c.Err != nil {
		t.Errorf("unexpected error chunk: %+v", c.Err)
	}
}

func TestOpenAIStream_ExactlyOneTerminalChunk(t *testing.T) {
	srv := openAIMockServer(t, []string{"a", "b"}, 0)
	defer srv.Close()

	a := NewOpenAIAdapter(config.VendorConfig{Type: "openai", BaseURL: srv.URL})
	s := a.Stream(context.Background(), Request{
		Model:    "gpt-test",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		APIKey:   "sk-test",
		UserID:   "u1",
	})
	defer s.Close()

	chunks := collect(t, s)
	terminals := 0
	for i, c := range chunks {
		if c.Terminal() {
			terminals++
			if i != len(chunks)-1 {
				t.Errorf("terminal chunk at position %d, want last (%d)", i, len(chunks)-1)
			}
		}
	}
	if terminals != 1 {
		t.Errorf("terminal chunks = %d, want exactly 1", terminals)
	}
}

func TestOpenAIStream_AuthErrorChunk(t *testing.T) {
	srv := openAIMockServer(t, nil, 0)
	defer srv.Close()

	a := NewOpenAIAdapter(config.VendorConfig{Type: "openai", BaseURL: srv.URL})
	s := a.Stream(context.Background(), Request{
		Model:    "gpt-test",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		APIKey:   "sk-wrong",
		UserID:   "u1",
	})
	defer s.Close()

	chunks := collect(t, s)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Code != types.ErrVendorAuthError {
		t.Errorf("code = %s, want %s", chunks[0].Code, types.ErrVendorAuthError)
	}
	if !chunks[0].Finished {
		t.Error("auth error chunk must be terminal")
	}
}

func TestOpenAIStream_RateLimitedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(config.VendorConfig{Type: "openai", BaseURL: srv.URL})
	s := a.Stream(context.Background(), Request{
		Model:    "gpt-test",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		APIKey:   "sk-test",
		UserID:   "u1",
	})
	defer s.Close()

	chunks := collect(t, s)
	if len(chunks) != 1 || chunks[0].Code != types.ErrVendorRateLimited {
		t.Fatalf("expected single vendor_rate_limited chunk, got %+v", chunks)
	}
}

func TestOpenAIStream_DroppedConnectionIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		flusher.Flush()
		// Close without finish_reason or [DONE].
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(config.VendorConfig{Type: "openai", BaseURL: srv.URL})
	s := a.Stream(context.Background(), Request{
		Model:    "gpt-test",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		APIKey:   "sk-test",
		UserID:   "u1",
	})
	defer s.Close()

	chunks := collect(t, s)
	if len(chunks) != 2 {
		t.Fatalf("expected content + error chunks, got %+v", chunks)
	}
	if chunks[0].Content != "partial" {
		t.Errorf("first chunk content = %q, want %q", chunks[0].Content, "partial")
	}
	last := chunks[len(chunks)-1]
	if last.Code != types.ErrVendorTransportError || !last.Finished {
		t.Errorf("expected terminal transport error, got %+v", last)
	}
}

func TestOpenAIStream_CloseCancelsPromptly(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := NewOpenAIAdapter(config.VendorConfig{Type: "openai", BaseURL: srv.URL})
	s := a.Stream(context.Background(), Request{
		Model:    "gpt-test",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		APIKey:   "sk-test",
		UserID:   "u1",
	})

	if _, err := s.Recv(); err != nil {
		t.Fatalf("unexpected error on first chunk: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return promptly")
	}

	if _, err := s.Recv(); err != types.ErrStreamClosed {
		t.Errorf("Recv after Close = %v, want ErrStreamClosed", err)
	}
}

func TestOpenAITestCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("x-ratelimit-remaining-requests", "99")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(config.VendorConfig{Type: "openai", BaseURL: srv.URL})

	quota, err := a.TestCredential(context.Background(), "sk-good")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quota.RequestsRemaining != "99" {
		t.Errorf("quota remaining = %q, want 99", quota.RequestsRemaining)
	}

	if _, err := a.TestCredential(context.Background(), "sk-bad"); err == nil {
		t.Error("expected error for rejected key")
	}
}

func TestClientCache_ReuseAndInvalidate(t *testing.T) {
	cache := newClientCache(config.VendorConfig{})

	c1 := cache.get("u1", "key-a")
	c2 := cache.get("u1", "key-a")
	if c1 != c2 {
		t.Error("expected cached client for same (user, credential)")
	}

	c3 := cache.get("u1", "key-b")
	if c3 == c1 {
		t.Error("expected distinct client for different credential")
	}

	cache.invalidate(Fingerprint("u1", "key-a"))
	c4 := cache.get("u1", "key-a")
	if c4 == c1 {
		t.Error("expected fresh client after invalidation")
	}
}
