package types

import "time"

// CompletionRequest is the canonical internal representation of a generation
// request. All vendor-specific call shapes are derived from this type.
type CompletionRequest struct {
	// Identity (set by auth middleware)
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`

	// Ownership keys into the external conversation store.
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`

	// Request content
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`

	// Internal tracking
	ReceivedAt time.Time `json:"-"`
}

// ResumeRequest re-enters the router for an interrupted stream, seeded with
// the client's last known partial content.
type ResumeRequest struct {
	StreamID         string    `json:"streamId"`
	FromChunkIndex   int       `json:"fromChunkIndex"`
	ConversationID   string    `json:"conversationId"`
	MessageID        string    `json:"messageId"`
	Model            string    `json:"model"`
	LastKnownContent string    `json:"lastKnownContent"`
	Messages         []Message `json:"messages,omitempty"`

	UserID     string    `json:"-"`
	RequestID  string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}
