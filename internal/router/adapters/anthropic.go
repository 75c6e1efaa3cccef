package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/types"
)

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	cfg     config.VendorConfig
	clients *clientCache
}

func NewAnthropicAdapter(cfg config.VendorConfig) *AnthropicAdapter {
	return &AnthropicAdapter{cfg: cfg, clients: newClientCache(cfg)}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) SupportsImages() bool { return true }

func (a *AnthropicAdapter) InvalidateClient(fingerprint string) {
	a.clients.invalidate(fingerprint)
}

func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) types.Stream {
	// System messages move to the dedicated system field.
	var system string
	var messages []anthropicMessage
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Flatten()
			continue
		}
		messages = append(messages, a.mapMessage(req, m))
	}

	// Anthropic requires max_tokens.
	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := anthropicRequestBody{
		Model:       req.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return types.SingleChunkStream(types.ErrorChunk(types.ErrValidationError, "could not encode request"))
	}

	client := a.clients.get(req.UserID, req.APIKey)

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		cancel()
		return types.SingleChunkStream(types.ErrorChunk(types.ErrVendorTransportError, ""))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", client.apiKey)
	if a.cfg.APIVersion != "" {
		httpReq.Header.Set("anthropic-version", a.cfg.APIVersion)
	}
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := client.http.Do(httpReq)
	if err != nil {
		cancel()
		return types.SingleChunkStream(transportErrorChunk(err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return types.SingleChunkStream(statusErrorChunk(resp.StatusCode))
	}

	return newSSEStream(cancel, resp, &anthropicParser{})
}

func (a *AnthropicAdapter) TestCredential(ctx context.Context, apiKey string) (QuotaInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/models", nil)
	if err != nil {
		return QuotaInfo{}, err
	}
	httpReq.Header.Set("x-api-key", apiKey)
	if a.cfg.APIVersion != "" {
		httpReq.Header.Set("anthropic-version", a.cfg.APIVersion)
	}

	client := a.clients.get("credential-test", apiKey)
	resp, err := client.http.Do(httpReq)
	if err != nil {
		return QuotaInfo{}, fmt.Errorf("vendor unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return QuotaInfo{
			RequestsLimit:     resp.Header.Get("anthropic-ratelimit-requests-limit"),
			RequestsRemaining: resp.Header.Get("anthropic-ratelimit-requests-remaining"),
			TokensRemaining:   resp.Header.Get("anthropic-ratelimit-tokens-remaining"),
		}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return QuotaInfo{}, fmt.Errorf("vendor rejected the key (status %d)", resp.StatusCode)
	default:
		return QuotaInfo{}, fmt.Errorf("vendor returned status %d", resp.StatusCode)
	}
}

func (a *AnthropicAdapter) mapMessage(req Request, m types.Message) anthropicMessage {
	if req.Multimodal && m.HasNonText() {
		var blocks []anthropicContentBlock
		for _, p := range m.Parts {
			switch p.Type {
			case types.PartText:
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
			case types.PartImage:
				blocks = append(blocks, anthropicContentBlock{
					Type: "image",
					Source: &anthropicImageSource{
						Type:      "base64",
						MediaType: p.MediaType,
						Data:      p.Data,
					},
				})
			case types.PartFile:
				flat := types.Message{Parts: []types.ContentPart{p}}.Flatten()
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: flat})
			}
		}
		return anthropicMessage{Role: string(m.Role), Blocks: blocks}
	}
	return anthropicMessage{Role: string(m.Role), Content: m.Flatten()}
}

// anthropicParser reduces Anthropic stream events to normalized chunks.
// Event order: message_start, content_block_start, content_block_delta*,
// content_block_stop, message_delta, message_stop.
type anthropicParser struct {
	inputTokens  int
	outputTokens int
	approxTotal  int
}

func (p *anthropicParser) parse(data string) []types.Chunk {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
		Message struct {
			Usage struct {
				InputTokens int `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil // skip unparseable events
	}

	switch event.Type {
	case "message_start":
		p.inputTokens = event.Message.Usage.InputTokens
		return nil
	case "content_block_delta":
		if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
			return nil
		}
		tokens := types.ApproxTokens(event.Delta.Text)
		p.approxTotal += tokens
		return []types.Chunk{types.ContentChunk(event.Delta.Text, tokens)}
	case "message_delta":
		p.outputTokens = event.Usage.OutputTokens
		return nil
	case "message_stop":
		return []types.Chunk{types.CompletedChunk(p.total(), 0)}
	default:
		// content_block_start, content_block_stop, ping
		return nil
	}
}

func (p *anthropicParser) finish() types.Chunk {
	return types.ErrorChunk(types.ErrVendorTransportError, "stream ended before completion")
}

func (p *anthropicParser) total() int {
	if p.inputTokens+p.outputTokens > 0 {
		return p.inputTokens + p.outputTokens
	}
	return p.approxTotal
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content string                  `json:"content,omitempty"`
	Blocks  []anthropicContentBlock `json:"-"`
}

func (m anthropicMessage) MarshalJSON() ([]byte, error) {
	if len(m.Blocks) == 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}
	return json.Marshal(struct {
		Role    string                  `json:"role"`
		Content []anthropicContentBlock `json:"content"`
	}{m.Role, m.Blocks})
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}
