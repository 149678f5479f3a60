package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/metrics"
	"github.com/mahaj/teamchat/pkg/model"
)

// Hub is the in-process dispatcher every transport delivers into. Used on its
// own it is the local transport.
type Hub struct {
	mu      sync.RWMutex
	streams map[model.Topic]map[string]chan model.Envelope
	closed  bool
	log     *zap.Logger
}

var _ Bus = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		streams: make(map[model.Topic]map[string]chan model.Envelope),
		log:     log,
	}
}

// Publish delivers env to the local subscribers of its topic.
func (h *Hub) Publish(_ context.Context, env model.Envelope) error {
	if !h.Deliver(env) {
		metrics.PublishFailures.WithLabelValues(string(env.Topic)).Inc()
		return ErrClosed
	}
	metrics.EventsPublished.WithLabelValues(string(env.Topic)).Inc()
	return nil
}

// Deliver fans env out without blocking. It reports false once the hub is
// closed.
func (h *Hub) Deliver(env model.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	for id, ch := range h.streams[env.Topic] {
		select {
		case ch <- env:
		default:
			metrics.EventsDropped.WithLabelValues(string(env.Topic)).Inc()
			h.log.Warn("Dropping event for slow subscriber",
				zap.String("topic", string(env.Topic)),
				zap.String("subscription_id", id))
		}
	}
	return true
}

func (h *Hub) Subscribe(topic model.Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	id := uuid.NewString()
	ch := make(chan model.Envelope, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return closedSubscription(topic)
	}
	streams, ok := h.streams[topic]
	if !ok {
		streams = make(map[string]chan model.Envelope)
		h.streams[topic] = streams
	}
	streams[id] = ch
	h.mu.Unlock()

	return &Subscription{
		ID:     id,
		Topic:  topic,
		C:      ch,
		cancel: func() { h.remove(topic, id) },
	}
}

func (h *Hub) remove(topic model.Topic, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	streams := h.streams[topic]
	if ch, ok := streams[id]; ok {
		delete(streams, id)
		close(ch)
	}
	if len(streams) == 0 {
		delete(h.streams, topic)
	}
}

// Subscribers counts attached streams for topic.
func (h *Hub) Subscribers(topic model.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[topic])
}

func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close closes every stream. Later publishes fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for topic, streams := range h.streams {
		for _, ch := range streams {
			close(ch)
		}
		delete(h.streams, topic)
	}
	return nil
}
