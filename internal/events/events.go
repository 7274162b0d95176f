package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TopicDispatched = "webhook.dispatched"
	TopicRoute      = "route.event"
)

// Bus publishes fire-and-forget notifications.
type Bus interface {
	Publish(ctx context.Context, topic string, data any) error
}

type Event struct {
	ID    int64           `json:"id"`
	Topic string          `json:"topic"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

func encode(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Hub is an in-process pub/sub with a ring buffer of recent events.
// Events are also handed to Forward when set.
type Hub struct {
	Forward Bus

	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int, forward Bus) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		Forward: forward,
		ring:    make([]Event, capacity),
		subs:    make(map[int]chan Event),
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, data any) error {
	ev := Event{
		ID:    h.nextID.Add(1),
		Topic: topic,
		At:    time.Now().UTC(),
		Data:  encode(data),
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers drop events rather than block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()

	if h.Forward != nil {
		if err := h.Forward.Publish(ctx, topic, data); err != nil {
			slog.Warn("forward event", "topic", topic, "error", err)
		}
	}
	return nil
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns buffered events with ID > afterID, oldest first.
func (h *Hub) Recent(afterID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// RedisBus publishes events as JSON on a channel named prefix + topic.
type RedisBus struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisBus(rdb redis.Cmdable, prefix string) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: prefix}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, data any) error {
	msg, err := json.Marshal(Event{Topic: topic, At: time.Now().UTC(), Data: encode(data)})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+topic, msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
