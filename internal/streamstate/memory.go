package streamstate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used in tests and single-node dev
// setups. Same monotonic-save and eviction semantics as the Redis store.
type MemoryStore struct {
	mu                 sync.Mutex
	states             map[string]*StreamState
	conversations      map[string][]string
	maxPerConversation int
}

func NewMemoryStore(maxPerConversation int) *MemoryStore {
	if maxPerConversation <= 0 {
		maxPerConversation = 8
	}
	return &MemoryStore{
		states:             make(map[string]*StreamState),
		conversations:      make(map[string][]string),
		maxPerConversation: maxPerConversation,
	}
}

func (s *MemoryStore) Save(ctx context.Context, state *StreamState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	if cur, ok := s.states[state.StreamID]; ok {
		if cur.ChunkIndex > state.ChunkIndex {
			return false, nil
		}
		// The pause flag is owned by SetPaused; a snapshot from the
		// driving stream must not revert it.
		cp.IsPaused = cur.IsPaused
	} else {
		s.conversations[state.ConversationID] = append(s.conversations[state.ConversationID], state.StreamID)
	}
	s.states[state.StreamID] = &cp

	s.evictLocked(state.ConversationID)
	return true, nil
}

func (s *MemoryStore) evictLocked(conversationID string) {
	ids := s.conversations[conversationID]
	if len(ids) <= s.maxPerConversation {
		return
	}

	sort.Slice(ids, func(i, j int) bool {
		return s.states[ids[i]].LastUpdateTime.Before(s.states[ids[j]].LastUpdateTime)
	})
	for _, id := range ids[:len(ids)-s.maxPerConversation] {
		delete(s.states, id)
	}
	s.conversations[conversationID] = append([]string(nil), ids[len(ids)-s.maxPerConversation:]...)
}

func (s *MemoryStore) Get(ctx context.Context, streamID string) (*StreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[streamID]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := *state
	return &cp, nil
}

func (s *MemoryStore) Recoverable(ctx context.Context, conversationID string) ([]RecoverableStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RecoverableStream
	for _, id := range s.conversations[conversationID] {
		state, ok := s.states[id]
		if !ok || !state.Recoverable() {
			continue
		}
		out = append(out, RecoverableStream{
			State:          *state,
			EstimatedDelay: estimateDelay(state.ElapsedTime),
		})
	}
	return out, nil
}

func (s *MemoryStore) Discard(ctx context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[streamID]
	if !ok {
		return ErrStateNotFound
	}
	delete(s.states, streamID)

	ids := s.conversations[state.ConversationID]
	for i, id := range ids {
		if id == streamID {
			s.conversations[state.ConversationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) SetPaused(ctx context.Context, streamID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[streamID]
	if !ok {
		return ErrStateNotFound
	}
	state.IsPaused = paused
	state.LastUpdateTime = time.Now().UTC()
	return nil
}
