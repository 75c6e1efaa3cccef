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

// OpenAIAdapter handles communication with OpenAI-compatible chat APIs.
type OpenAIAdapter struct {
	cfg     config.VendorConfig
	clients *clientCache
}

func NewOpenAIAdapter(cfg config.VendorConfig) *OpenAIAdapter {
	return &OpenAIAdapter{cfg: cfg, clients: newClientCache(cfg)}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) SupportsImages() bool { return true }

func (a *OpenAIAdapter) InvalidateClient(fingerprint string) {
	a.clients.invalidate(fingerprint)
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) types.Stream {
	body := openAIRequestBody{
		Model:         req.Model,
		Messages:      a.mapMessages(req),
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return types.SingleChunkStream(types.ErrorChunk(types.ErrValidationError, "could not encode request"))
	}

	client := a.clients.get(req.UserID, req.APIKey)

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		cancel()
		return types.SingleChunkStream(types.ErrorChunk(types.ErrVendorTransportError, ""))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+client.apiKey)
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

	return newSSEStream(cancel, resp, &openAIParser{})
}

func (a *OpenAIAdapter) TestCredential(ctx context.Context, apiKey string) (QuotaInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/models", nil)
	if err != nil {
		return QuotaInfo{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	client := a.clients.get("credential-test", apiKey)
	resp, err := client.http.Do(httpReq)
	if err != nil {
		return QuotaInfo{}, fmt.Errorf("vendor unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return QuotaInfo{
			RequestsLimit:     resp.Header.Get("x-ratelimit-limit-requests"),
			RequestsRemaining: resp.Header.Get("x-ratelimit-remaining-requests"),
			TokensRemaining:   resp.Header.Get("x-ratelimit-remaining-tokens"),
		}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return QuotaInfo{}, fmt.Errorf("vendor rejected the key (status %d)", resp.StatusCode)
	default:
		return QuotaInfo{}, fmt.Errorf("vendor returned status %d", resp.StatusCode)
	}
}

// mapMessages converts canonical messages to OpenAI's schema. Multimodal
// models receive image parts natively; file parts and non-multimodal models
// get the flattened text form.
func (a *OpenAIAdapter) mapMessages(req Request) []openAIMessage {
	out := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if req.Multimodal && m.HasNonText() {
			var parts []openAIContentPart
			for _, p := range m.Parts {
				switch p.Type {
				case types.PartText:
					parts = append(parts, openAIContentPart{Type: "text", Text: p.Text})
				case types.PartImage:
					parts = append(parts, openAIContentPart{
						Type: "image_url",
						ImageURL: &openAIImageURL{
							URL: "data:" + p.MediaType + ";base64," + p.Data,
						},
					})
				case types.PartFile:
					flat := types.Message{Parts: []types.ContentPart{p}}.Flatten()
					parts = append(parts, openAIContentPart{Type: "text", Text: flat})
				}
			}
			out = append(out, openAIMessage{Role: string(m.Role), Parts: parts})
			continue
		}
		out = append(out, openAIMessage{Role: string(m.Role), Content: m.Flatten()})
	}
	return out
}

// openAIParser reduces OpenAI stream events to normalized chunks.
// Terminal signal is the [DONE] sentinel; usage arrives in a dedicated final
// event when stream_options.include_usage is set.
type openAIParser struct {
	usageTotal  int
	approxTotal int
}

func (p *openAIParser) parse(data string) []types.Chunk {
	if data == "[DONE]" {
		return []types.Chunk{types.CompletedChunk(p.total(), 0)}
	}

	var event struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil // skip unparseable events
	}

	if event.Usage != nil {
		p.usageTotal = event.Usage.TotalTokens
	}
	if len(event.Choices) == 0 {
		return nil
	}
	content := event.Choices[0].Delta.Content
	if content == "" {
		return nil
	}
	tokens := types.ApproxTokens(content)
	p.approxTotal += tokens
	return []types.Chunk{types.ContentChunk(content, tokens)}
}

func (p *openAIParser) finish() types.Chunk {
	// The vendor closed the connection without [DONE]: the generation was
	// cut off, not completed.
	return types.ErrorChunk(types.ErrVendorTransportError, "stream ended before completion")
}

func (p *openAIParser) total() int {
	if p.usageTotal > 0 {
		return p.usageTotal
	}
	return p.approxTotal
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content string              `json:"content,omitempty"`
	Parts   []openAIContentPart `json:"-"`
}

// MarshalJSON emits content as a string or a part array depending on shape.
func (m openAIMessage) MarshalJSON() ([]byte, error) {
	if len(m.Parts) == 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}
	return json.Marshal(struct {
		Role    string              `json:"role"`
		Content []openAIContentPart `json:"content"`
	}{m.Role, m.Parts})
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequestBody struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
}
