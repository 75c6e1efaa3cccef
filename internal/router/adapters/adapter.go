package adapters

import (
	"context"

	"github.com/af-corp/relay-gateway/internal/types"
)

// Request is the normalized call shape handed to a vendor adapter. The
// credential has already been resolved; adapters never talk to the key
// resolver themselves.
type Request struct {
	Model          string
	Messages       []types.Message
	Temperature    *float64
	MaxTokens      *int
	Multimodal     bool
	APIKey         string
	UserID         string
	ConversationID string
}

// QuotaInfo is the vendor-reported quota snapshot captured when a credential
// is tested. Values are opaque header strings; absent fields stay empty.
type QuotaInfo struct {
	RequestsLimit     string `json:"requests_limit,omitempty"`
	RequestsRemaining string `json:"requests_remaining,omitempty"`
	TokensRemaining   string `json:"tokens_remaining,omitempty"`
}

// VendorAdapter turns the normalized request into one vendor's call shape and
// that vendor's streaming response back into normalized chunks.
//
// Stream never fails out-of-band: every failure, including pre-flight ones,
// is delivered as a single terminal error chunk so callers have one failure
// shape to handle.
type VendorAdapter interface {
	Name() string
	SupportsImages() bool
	Stream(ctx context.Context, req Request) types.Stream

	// TestCredential issues the cheapest authenticated call the vendor
	// offers. A nil error means the key works.
	TestCredential(ctx context.Context, apiKey string) (QuotaInfo, error)

	// InvalidateClient drops the cached transport for a credential
	// fingerprint after the credential changes.
	InvalidateClient(fingerprint string)
}
