package streamstate

import (
	"time"
)

// StreamState is the persisted snapshot of one in-flight assistant message.
// There is exactly one per in-flight message; MessageID is the ownership key
// into the caller's message store.
type StreamState struct {
	StreamID       string        `json:"stream_id"`
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	UserID         string        `json:"user_id"`
	Vendor         string        `json:"vendor"`
	Model          string        `json:"model"`
	Content        string        `json:"content"`
	ChunkIndex     int64         `json:"chunk_index"`
	TotalTokens    int           `json:"total_tokens,omitempty"`
	ElapsedTime    time.Duration `json:"elapsed_time"`
	LastUpdateTime time.Time     `json:"last_update_time"`
	IsComplete     bool          `json:"is_complete"`
	IsPaused       bool          `json:"is_paused"`
}

// Recoverable reports whether this state is worth offering back to a client:
// the stream never finished and produced something.
func (s *StreamState) Recoverable() bool {
	return !s.IsComplete && s.Content != ""
}

// RecoverableStream is a detection result: an interrupted stream plus a
// rough guess at how long finishing it will take.
type RecoverableStream struct {
	State          StreamState   `json:"state"`
	EstimatedDelay time.Duration `json:"estimated_delay"`
}

// estimateDelay guesses time-to-completion from how long the stream had
// already been running. Longer-running generations tend to have more left.
func estimateDelay(elapsed time.Duration) time.Duration {
	est := elapsed
	if est < 2*time.Second {
		est = 2 * time.Second
	}
	if est > 60*time.Second {
		est = 60 * time.Second
	}
	return est
}
