package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/metrics"
	"github.com/mahaj/teamchat/pkg/model"
)

// Redis carries envelopes over pub/sub, one redis channel per bus topic.
// A redis channel preserves publish order, so per-topic FIFO holds.
type Redis struct {
	hub    *Hub
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

var _ Bus = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string, hub *Hub, log *zap.Logger) *Redis {
	return &Redis{hub: hub, client: client, prefix: prefix, log: log}
}

func (r *Redis) channel(topic model.Topic) string {
	return r.prefix + ":events:" + string(topic)
}

func (r *Redis) Publish(ctx context.Context, env model.Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(env.Topic), data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues(string(env.Topic)).Inc()
		return fmt.Errorf("%w: redis: %v", ErrUnavailable, err)
	}
	metrics.EventsPublished.WithLabelValues(string(env.Topic)).Inc()
	return nil
}

func (r *Redis) Subscribe(topic model.Topic, buffer int) *Subscription {
	return r.hub.Subscribe(topic, buffer)
}

// Run pattern-subscribes to every topic channel and delivers into the hub.
// ready, when non-nil, is closed once the subscription is confirmed.
func (r *Redis) Run(ctx context.Context) error {
	return r.run(ctx, nil)
}

func (r *Redis) run(ctx context.Context, ready chan<- struct{}) error {
	pattern := r.prefix + ":events:*"
	ps := r.client.PSubscribe(ctx, pattern)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: redis psubscribe: %v", ErrUnavailable, err)
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info("Redis fan-in started", zap.String("pattern", pattern))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("Skipping undecodable event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if string(env.Topic) != strings.TrimPrefix(msg.Channel, r.prefix+":events:") {
				r.log.Warn("Event topic does not match channel", zap.String("channel", msg.Channel))
				continue
			}
			if !r.hub.Deliver(env) {
				return ErrClosed
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.hub.Close()
}
