package types

import (
	"errors"
	"io"
	"testing"
)

func TestChunkTerminal(t *testing.T) {
	tests := []struct {
		chunk    Chunk
		terminal bool
	}{
		{ContentChunk("hi", 1), false},
		{ResumedChunk(4), false},
		{CompletedChunk(10, 1.5), true},
		{ErrorChunk(ErrTimeout, ""), true},
	}

	for _, tt := range tests {
		if got := tt.chunk.Terminal(); got != tt.terminal {
			t.Errorf("Terminal() for kind %s = %v, want %v", tt.chunk.Kind, got, tt.terminal)
		}
	}
}

func TestErrorChunk_IsTerminalAndFinished(t *testing.T) {
	c := ErrorChunk(ErrNoCredential, "")
	if !c.Finished {
		t.Error("error chunk must carry finished=true")
	}
	if c.Error == "" {
		t.Error("error chunk must carry an actionable message")
	}
	if c.Code != ErrNoCredential {
		t.Errorf("expected code %s, got %s", ErrNoCredential, c.Code)
	}
}

func TestDrain_ConcatenatesContent(t *testing.T) {
	s := SliceStream(
		ContentChunk("Hello", 1),
		ContentChunk(" world", 2),
		CompletedChunk(3, 0.5),
	)

	c, err := Drain(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Content != "Hello world" {
		t.Errorf("content = %q, want %q", c.Content, "Hello world")
	}
	if c.TotalTokens != 3 {
		t.Errorf("total tokens = %d, want 3", c.TotalTokens)
	}
	if c.Err != nil {
		t.Errorf("unexpected error chunk: %+v", c.Err)
	}
}

func TestDrain_ErrorTerminal(t *testing.T) {
	s := SliceStream(
		ContentChunk("partial", 1),
		ErrorChunk(ErrVendorTransportError, ""),
	)

	c, err := Drain(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Err == nil {
		t.Fatal("expected error chunk to be captured")
	}
	if c.Err.Code != ErrVendorTransportError {
		t.Errorf("expected code %s, got %s", ErrVendorTransportError, c.Err.Code)
	}
	if c.Content != "partial" {
		t.Errorf("content before failure should be preserved, got %q", c.Content)
	}
}

func TestSingleChunkStream_EOFAfterTerminal(t *testing.T) {
	s := SingleChunkStream(ErrorChunk(ErrUnknownModel, ""))

	first, err := s.Recv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Terminal() {
		t.Error("expected terminal chunk")
	}

	_, err = s.Recv()
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after terminal chunk, got %v", err)
	}
}

func TestApproxTokens(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"ab", 1},
		{"12345678", 2},
	}
	for _, tt := range tests {
		if got := ApproxTokens(tt.content); got != tt.want {
			t.Errorf("ApproxTokens(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}
