// Package eventbus is the topic publish/subscribe broker between mutations and
// live subscribers. Delivery is at-most-once with no replay: a subscriber only
// sees events published while it is attached, and a subscriber whose buffer is
// full loses events instead of blocking the publisher.
//
// Every transport fans remote events into a local Hub, so subscribers are
// always in-process channels regardless of how events travel between nodes.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/mahaj/teamchat/pkg/model"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 64

var (
	ErrClosed = errors.New("eventbus: closed")
	// ErrUnavailable wraps transport failures. The durable write that
	// preceded the publish is unaffected.
	ErrUnavailable = errors.New("eventbus: transport unavailable")
)

type Publisher interface {
	Publish(ctx context.Context, env model.Envelope) error
}

type Subscriber interface {
	Subscribe(topic model.Topic, buffer int) *Subscription
}

// Bus is a transport. Run pumps remote events into the local hub until ctx is
// done; the local transport simply waits.
type Bus interface {
	Publisher
	Subscriber
	Run(ctx context.Context) error
	Close() error
}

// Subscription is one attached stream. C is closed when the subscription is
// closed or the bus shuts down.
type Subscription struct {
	ID    string
	Topic model.Topic
	C     <-chan model.Envelope

	once   sync.Once
	cancel func()
}

// Close detaches the subscription. It returns once the hub no longer holds a
// reference to the stream and is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func closedSubscription(topic model.Topic) *Subscription {
	ch := make(chan model.Envelope)
	close(ch)
	return &Subscription{Topic: topic, C: ch}
}
