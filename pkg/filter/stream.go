package filter

import (
	"context"
	"sync"

	"github.com/mahaj/teamchat/pkg/eventbus"
	"github.com/mahaj/teamchat/pkg/model"
)

// Stream is a bus subscription narrowed by a Filter. C yields the matching
// envelopes and is closed after Close or when the bus shuts down.
type Stream struct {
	ID     string
	Filter Filter
	C      <-chan model.Envelope

	sub    *eventbus.Subscription
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// NewStream starts forwarding from sub through f. ctx bounds the store
// lookups the filter makes and should live as long as the connection.
func NewStream(ctx context.Context, sub *eventbus.Subscription, f Filter) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan model.Envelope, cap(sub.C))
	s := &Stream{
		ID:     sub.ID,
		Filter: f,
		C:      out,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.forward(ctx, out)
	return s
}

func (s *Stream) forward(ctx context.Context, out chan<- model.Envelope) {
	defer close(s.done)
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-s.sub.C:
			if !ok {
				return
			}
			if !s.Filter.Match(ctx, env) {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close detaches the subscription and waits for the forwarder to exit.
// C is closed by the time Close returns.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		s.sub.Close()
		<-s.done
	})
}

// Done is closed when forwarding has stopped.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
