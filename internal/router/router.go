package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/af-corp/relay-gateway/internal/byok"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/ratelimit"
	"github.com/af-corp/relay-gateway/internal/router/adapters"
	"github.com/af-corp/relay-gateway/internal/streamstate"
	"github.com/af-corp/relay-gateway/internal/telemetry"
	"github.com/af-corp/relay-gateway/internal/types"
)

// KeyResolver is what the router needs from the credential layer. (nil, nil)
// means no credential exists anywhere, which is a normal outcome.
type KeyResolver interface {
	Resolve(ctx context.Context, vendor, userID string) (*byok.ResolvedKey, error)
}

// ModelSource provides the current model catalog; hot-reload safe.
type ModelSource interface {
	Models() *config.ModelsConfig
}

// Router resolves a model to its vendor adapter, attaches a credential, and
// relays the adapter's chunk stream while mirroring snapshots into the
// stream state store for later recovery.
//
// Every failure, including pre-flight ones, is delivered as a terminal error
// chunk; Create and Resume never return an error out-of-band.
type Router struct {
	registry  *Registry
	models    ModelSource
	resolver  KeyResolver
	store     streamstate.Store
	broadcast *streamstate.Broadcaster
	metrics   *telemetry.Metrics
	streaming config.StreamingConfig
	usage     *ratelimit.UsageTracker
}

// SetUsageTracker enables daily token accounting for completed streams.
func (rt *Router) SetUsageTracker(u *ratelimit.UsageTracker) { rt.usage = u }

func New(registry *Registry, models ModelSource, resolver KeyResolver, store streamstate.Store, broadcast *streamstate.Broadcaster, metrics *telemetry.Metrics, streaming config.StreamingConfig) *Router {
	return &Router{
		registry:  registry,
		models:    models,
		resolver:  resolver,
		store:     store,
		broadcast: broadcast,
		metrics:   metrics,
		streaming: streaming,
	}
}

// CreateCompletion opens a fresh stream for the request. The returned
// stream's chunks are already normalized; the caller only relays them.
func (rt *Router) CreateCompletion(ctx context.Context, req types.CompletionRequest) types.Stream {
	mapping, adapter, errChunk := rt.route(req.Model)
	if errChunk != nil {
		return rt.failStream(*errChunk)
	}

	key, err := rt.resolver.Resolve(ctx, mapping.Vendor, req.UserID)
	if err != nil {
		slog.Error("credential resolution failed",
			"error", err, "vendor", mapping.Vendor, "user_id", req.UserID)
		return rt.failStream(types.ErrorChunk(types.ErrCredentialInvalid, err.Error()))
	}
	if key == nil {
		return rt.failStream(types.ErrorChunk(types.ErrNoCredential, ""))
	}

	streamID := uuid.NewString()
	state := &streamstate.StreamState{
		StreamID:       streamID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		UserID:         req.UserID,
		Vendor:         mapping.Vendor,
		Model:          req.Model,
		LastUpdateTime: time.Now().UTC(),
	}
	rt.saveWithRetry(ctx, state)

	vendorReq := rt.vendorRequest(mapping, key, req.Model, req.Messages, req.Temperature, req.MaxTokens, req.UserID, req.ConversationID)
	return rt.relay(ctx, adapter, vendorReq, state, key, time.Now(), "")
}

// ResumeCompletion re-enters generation for an interrupted stream. The
// returned sequence starts with a resumed marker, then only new content.
func (rt *Router) ResumeCompletion(ctx context.Context, req types.ResumeRequest) types.Stream {
	mapping, adapter, errChunk := rt.route(req.Model)
	if errChunk != nil {
		return rt.failStream(*errChunk)
	}

	state, err := rt.store.Get(ctx, req.StreamID)
	if err != nil {
		// State may have aged out of the store; the client's copy is
		// still a valid seed.
		state = &streamstate.StreamState{
			StreamID:       req.StreamID,
			ConversationID: req.ConversationID,
			MessageID:      req.MessageID,
			UserID:         req.UserID,
			Vendor:         mapping.Vendor,
			Model:          req.Model,
			Content:        req.LastKnownContent,
			ChunkIndex:     int64(req.FromChunkIndex),
		}
	}

	// Never seed with content older than the latest snapshot.
	seed := state.Content
	if len(req.LastKnownContent) > len(seed) {
		seed = req.LastKnownContent
	}
	state.Content = seed
	// Resuming implies the client is actively driving again.
	if err := rt.store.SetPaused(ctx, req.StreamID, false); err != nil && err != streamstate.ErrStateNotFound {
		slog.Warn("failed to clear pause flag on resume", "error", err, "stream_id", req.StreamID)
	}
	state.IsPaused = false

	if state.IsComplete {
		// Nothing left to generate; replay the terminal outcome.
		rt.recordResume("replayed")
		return types.SliceStream(
			types.ResumedChunk(int(state.ChunkIndex)+1),
			types.CompletedChunk(state.TotalTokens, state.ElapsedTime.Seconds()),
		)
	}

	key, err := rt.resolver.Resolve(ctx, mapping.Vendor, req.UserID)
	if err != nil {
		rt.recordResume("failed")
		return rt.failStream(types.ErrorChunk(types.ErrCredentialInvalid, err.Error()))
	}
	if key == nil {
		rt.recordResume("failed")
		return rt.failStream(types.ErrorChunk(types.ErrNoCredential, ""))
	}

	// Continuation by reprompting: replay the conversation with the
	// partial answer as an assistant prefill, so the vendor carries on
	// instead of restarting.
	messages := append(append([]types.Message(nil), req.Messages...),
		types.Message{Role: types.RoleAssistant, Content: seed})

	vendorReq := rt.vendorRequest(mapping, key, req.Model, messages, nil, nil, req.UserID, req.ConversationID)

	rt.recordResume("resumed")
	relay := rt.relay(ctx, adapter, vendorReq, state, key, time.Now(), seed)
	return &resumedStream{
		inner:  relay,
		marker: types.ResumedChunk(int(state.ChunkIndex) + 1),
	}
}

// route maps a public model name to its catalog entry and adapter.
func (rt *Router) route(model string) (config.ModelMapping, adapters.VendorAdapter, *types.Chunk) {
	mapping, ok := rt.models.Models().Models[model]
	if !ok {
		c := types.ErrorChunk(types.ErrUnknownModel, model)
		return config.ModelMapping{}, nil, &c
	}
	adapter, ok := rt.registry.Adapter(mapping.Vendor)
	if !ok {
		c := types.ErrorChunk(types.ErrUnknownModel, mapping.Vendor)
		return config.ModelMapping{}, nil, &c
	}
	return mapping, adapter, nil
}

func (rt *Router) vendorRequest(mapping config.ModelMapping, key *byok.ResolvedKey, model string, messages []types.Message, temperature *float64, maxTokens *int, userID, conversationID string) adapters.Request {
	if maxTokens == nil && mapping.MaxOutputTokens > 0 {
		mt := mapping.MaxOutputTokens
		maxTokens = &mt
	}
	return adapters.Request{
		Model:          mapping.Model,
		Messages:       messages,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		Multimodal:     mapping.Multimodal,
		APIKey:         key.APIKey,
		UserID:         userID,
		ConversationID: conversationID,
	}
}

func (rt *Router) failStream(chunk types.Chunk) types.Stream {
	if rt.metrics != nil {
		rt.metrics.RecordErrorChunk(string(chunk.Code))
	}
	return types.SingleChunkStream(chunk)
}

func (rt *Router) recordResume(outcome string) {
	if rt.metrics != nil {
		rt.metrics.RecordResume(outcome)
	}
}

// saveWithRetry retries persistence-store failures with backoff: store
// trouble is an operational problem, not a user error, and should not kill
// an otherwise healthy stream.
func (rt *Router) saveWithRetry(ctx context.Context, state *streamstate.StreamState) {
	var err error
	for attempt := 0; attempt <= rt.streaming.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(rt.streaming.StoreRetryBackoff):
			case <-ctx.Done():
				return
			}
		}
		if _, err = rt.store.Save(ctx, state); err == nil {
			return
		}
	}
	slog.Error("stream state save failed after retries",
		"error", err, "stream_id", state.StreamID, "retries", rt.streaming.StoreRetries)
}
