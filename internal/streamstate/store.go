package streamstate

import (
	"context"
	"errors"
)

var ErrStateNotFound = errors.New("stream state not found")

// Store persists StreamStates. Save is monotonic in ChunkIndex: a writer
// carrying an older index than what is stored loses silently, so a stale
// snapshot can never roll content back. Discard is terminal.
type Store interface {
	// Save writes a snapshot, creating the state on first call. Returns
	// true when the write was applied, false when a newer snapshot was
	// already present.
	Save(ctx context.Context, state *StreamState) (bool, error)
	Get(ctx context.Context, streamID string) (*StreamState, error)
	// Recoverable returns the conversation's interrupted, non-empty
	// states with estimated completion delays.
	Recoverable(ctx context.Context, conversationID string) ([]RecoverableStream, error)
	Discard(ctx context.Context, streamID string) error
	SetPaused(ctx context.Context, streamID string, paused bool) error
}
