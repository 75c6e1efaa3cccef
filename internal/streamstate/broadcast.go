package streamstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const eventChannelPrefix = "relay:events:"

// EventType labels a cross-tab broadcast event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventDiscarded EventType = "discarded"
)

// Event is one broadcast message for a conversation. One tab drives the
// vendor stream; every other observer mirrors these instead of opening its
// own stream.
type Event struct {
	Type           EventType `json:"type"`
	StreamID       string    `json:"stream_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	ChunkIndex     int64     `json:"chunk_index,omitempty"`
	Content        string    `json:"content,omitempty"`
	TotalTokens    int       `json:"total_tokens,omitempty"`
}

// Broadcaster fans stream progress out over Redis pub/sub, one channel per
// conversation. With no Redis client the broadcaster is a no-op: single-node
// setups simply have no second tab to tell.
type Broadcaster struct {
	rdb *redis.Client
}

func NewBroadcaster(rdb *redis.Client) *Broadcaster {
	return &Broadcaster{rdb: rdb}
}

func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	if b == nil || b.rdb == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode broadcast event", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, eventChannelPrefix+ev.ConversationID, data).Err(); err != nil {
		slog.Warn("broadcast publish failed", "error", err,
			"conversation_id", ev.ConversationID, "type", ev.Type)
	}
}

// Subscribe delivers the conversation's events until ctx is done or the
// returned cancel func is called.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan Event, func(), error) {
	if b == nil || b.rdb == nil {
		return nil, nil, fmt.Errorf("broadcast requires redis")
	}

	sub := b.rdb.Subscribe(ctx, eventChannelPrefix+conversationID)
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed broadcast event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
