package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/af-corp/relay-gateway/internal/byok"
	"github.com/af-corp/relay-gateway/internal/router/adapters"
	"github.com/af-corp/relay-gateway/internal/streamstate"
	"github.com/af-corp/relay-gateway/internal/telemetry"
	"github.com/af-corp/relay-gateway/internal/types"
)

// relay opens the vendor stream under the wall-clock ceiling and wraps it so
// every chunk passing through updates the persisted state. A non-empty seed
// marks a resumed stream: any part of it the vendor restates is trimmed
// before the content reaches the state or the caller.
func (rt *Router) relay(parent context.Context, adapter adapters.VendorAdapter, req adapters.Request, state *streamstate.StreamState, key *byok.ResolvedKey, started time.Time, seed string) types.Stream {
	ctx := parent
	cancel := context.CancelFunc(func() {})
	if rt.streaming.CompletionTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, rt.streaming.CompletionTimeout)
	}

	if rt.metrics != nil {
		rt.metrics.StreamStarted(adapter.Name())
	}

	keySource := "operator"
	if key.IsUserKey {
		keySource = "user"
	}

	return &relayStream{
		rt:        rt,
		inner:     adapter.Stream(ctx, req),
		ctx:       ctx,
		cancel:    cancel,
		state:     state,
		vendor:    adapter.Name(),
		keySource: keySource,
		started:   started,
		seed:      seed,
		seedDone:  seed == "",
		// A resumed stream starts with the seed already persisted.
		snapshotLen: len(state.Content),
	}
}

// relayStream mirrors chunks into the state store at a bounded cadence and
// finalizes state, metrics, and broadcasts on the terminal chunk.
type relayStream struct {
	rt        *Router
	inner     types.Stream
	ctx       context.Context
	cancel    context.CancelFunc
	state     *streamstate.StreamState
	vendor    string
	keySource string
	started   time.Time
	seed      string

	mu          sync.Mutex
	snapshotLen int
	seedDone    bool
	seedBuf     string
	held        *types.Chunk
	finished    bool
}

func (s *relayStream) Recv() (types.Chunk, error) {
	for {
		chunk, ok := s.pending()
		if !ok {
			var err error
			chunk, err = s.inner.Recv()
			if err != nil {
				return types.Chunk{}, err
			}
			if chunk, ok = s.absorbSeed(chunk); !ok {
				continue
			}
		}
		if chunk, deliver := s.observe(chunk); deliver {
			return chunk, nil
		}
	}
}

func (s *relayStream) pending() (types.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		return types.Chunk{}, false
	}
	c := *s.held
	s.held = nil
	return c, true
}

// absorbSeed withholds a resumed stream's leading content until enough has
// arrived to decide how much of it restates the seed. Vendors may re-emit
// the partial answer split across any number of chunks; the restated prefix
// is at most len(seed) bytes, so buffering that much settles the trim before
// anything reaches the state or the caller.
func (s *relayStream) absorbSeed(chunk types.Chunk) (types.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seedDone {
		return chunk, true
	}

	if chunk.Kind == types.ChunkContent {
		s.seedBuf += chunk.Content
		if len(s.seedBuf) < len(s.seed) {
			return types.Chunk{}, false
		}
		s.seedDone = true
		content := trimOverlap(s.seed, s.seedBuf)
		s.seedBuf = ""
		if content == "" {
			return types.Chunk{}, false
		}
		chunk.Content = content
		chunk.TokenCount = types.ApproxTokens(content)
		return chunk, true
	}

	// Terminal chunk before the buffer filled: flush whatever new content
	// the withheld prefix carried, then deliver the terminal chunk.
	s.seedDone = true
	content := trimOverlap(s.seed, s.seedBuf)
	s.seedBuf = ""
	if content != "" {
		held := chunk
		s.held = &held
		return types.ContentChunk(content, types.ApproxTokens(content)), true
	}
	return chunk, true
}

func (s *relayStream) observe(chunk types.Chunk) (types.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch chunk.Kind {
	case types.ChunkContent:
		if chunk.Content == "" {
			return chunk, false
		}

		chunk.MessageID = s.state.MessageID
		s.state.Content += chunk.Content
		s.state.ChunkIndex++
		s.state.ElapsedTime = time.Since(s.started)
		s.state.LastUpdateTime = time.Now().UTC()
		if s.rt.metrics != nil {
			s.rt.metrics.RecordChunk(s.vendor)
		}

		// Snapshot on content-length cadence, not every chunk, to bound
		// write amplification.
		if len(s.state.Content)-s.snapshotLen >= s.rt.streaming.SnapshotBytes {
			s.snapshot()
		}

	case types.ChunkCompleted:
		s.state.IsComplete = true
		s.state.TotalTokens = chunk.TotalTokens
		s.state.ElapsedTime = time.Since(s.started)
		s.state.LastUpdateTime = time.Now().UTC()
		chunk.ProcessingTime = s.state.ElapsedTime.Seconds()
		s.rt.saveWithRetry(s.ctx, s.state)
		// Mirroring tabs need the text generated since the last cadence
		// snapshot, so completion carries the full content.
		s.rt.broadcast.Publish(s.ctx, streamstate.Event{
			Type:           streamstate.EventCompleted,
			StreamID:       s.state.StreamID,
			ConversationID: s.state.ConversationID,
			MessageID:      s.state.MessageID,
			ChunkIndex:     s.state.ChunkIndex,
			Content:        s.state.Content,
			TotalTokens:    s.state.TotalTokens,
		})
		s.finishLocked("completed")

	case types.ChunkError:
		// An interrupted state stays incomplete: it becomes a recovery
		// candidate rather than being lost.
		s.state.ElapsedTime = time.Since(s.started)
		s.state.LastUpdateTime = time.Now().UTC()
		s.snapshot()
		if s.rt.metrics != nil {
			s.rt.metrics.RecordErrorChunk(string(chunk.Code))
		}
		s.finishLocked("error")
	}

	return chunk, true
}

// snapshot persists the current state and tells the other tabs. Caller
// holds s.mu.
func (s *relayStream) snapshot() {
	s.snapshotLen = len(s.state.Content)
	s.rt.saveWithRetry(s.ctx, s.state)
	s.rt.broadcast.Publish(s.ctx, streamstate.Event{
		Type:           streamstate.EventProgress,
		StreamID:       s.state.StreamID,
		ConversationID: s.state.ConversationID,
		MessageID:      s.state.MessageID,
		ChunkIndex:     s.state.ChunkIndex,
		Content:        s.state.Content,
	})
}

func (s *relayStream) finishLocked(status string) {
	if s.finished {
		return
	}
	s.finished = true
	if status == "completed" && s.rt.usage != nil {
		if err := s.rt.usage.RecordTokens(context.Background(), s.state.UserID, int64(s.state.TotalTokens)); err != nil {
			slog.Warn("usage recording failed", "error", err, "user_id", s.state.UserID)
		}
	}
	if s.rt.metrics != nil {
		s.rt.metrics.StreamFinished(s.vendor)
		s.rt.metrics.RecordStream(telemetry.StreamLabels{
			Model:            s.state.Model,
			Vendor:           s.vendor,
			Status:           status,
			KeySource:        s.keySource,
			DurationMs:       float64(time.Since(s.started).Milliseconds()),
			CompletionTokens: s.state.TotalTokens,
		})
	}
	s.cancel()
}

// Close abandons the stream: the vendor transport is torn down promptly and
// the partial state is persisted as a future recovery candidate.
func (s *relayStream) Close() error {
	s.mu.Lock()
	if !s.finished && s.state.Content != "" && len(s.state.Content) > s.snapshotLen {
		s.snapshot()
	}
	s.finishLocked("abandoned")
	s.mu.Unlock()
	return s.inner.Close()
}

// resumedStream prepends the resumed marker; the caller then sees only new
// content because the underlying relay trims the seed overlap.
type resumedStream struct {
	inner  types.Stream
	marker types.Chunk

	mu         sync.Mutex
	markerSent bool
}

func (s *resumedStream) Recv() (types.Chunk, error) {
	s.mu.Lock()
	if !s.markerSent {
		s.markerSent = true
		m := s.marker
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	return s.inner.Recv()
}

func (s *resumedStream) Close() error { return s.inner.Close() }

// trimOverlap drops the longest prefix of chunk that overlaps a suffix of
// the seed, covering vendors that restate the partial answer before
// continuing it.
func trimOverlap(seed, chunk string) string {
	max := len(chunk)
	if len(seed) < max {
		max = len(seed)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(seed, chunk[:l]) {
			return chunk[l:]
		}
	}
	return chunk
}
