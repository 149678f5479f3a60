package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/metrics"
	"github.com/mahaj/teamchat/pkg/model"
)

type KafkaOptions struct {
	Brokers []string
	Topic   string
	// GroupPrefix names the reader group. Each node appends a random suffix
	// so every gateway receives every event.
	GroupPrefix string
}

// Kafka publishes envelopes to one Kafka topic keyed by bus topic, so all
// events of a bus topic share a partition and keep their order. Every node
// that calls Run reads the topic from the latest offset and delivers into its
// hub, including the events it produced itself. Publish-only processes never
// call Run and never join a group.
type Kafka struct {
	opts   KafkaOptions
	hub    *Hub
	writer *kafka.Writer
	log    *zap.Logger

	mu     sync.Mutex
	reader *kafka.Reader
}

var _ Bus = (*Kafka)(nil)

func NewKafka(opts KafkaOptions, hub *Hub, log *zap.Logger) *Kafka {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           5 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{opts: opts, hub: hub, writer: writer, log: log}
}

func (k *Kafka) Publish(ctx context.Context, env model.Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(env.Topic), Value: data})
	if err != nil {
		metrics.PublishFailures.WithLabelValues(string(env.Topic)).Inc()
		return fmt.Errorf("%w: kafka: %v", ErrUnavailable, err)
	}
	metrics.EventsPublished.WithLabelValues(string(env.Topic)).Inc()
	return nil
}

func (k *Kafka) Subscribe(topic model.Topic, buffer int) *Subscription {
	return k.hub.Subscribe(topic, buffer)
}

// Run consumes until ctx is done or the reader fails.
func (k *Kafka) Run(ctx context.Context) error {
	groupID := k.opts.GroupPrefix + "-" + uuid.NewString()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.opts.Brokers,
		Topic:       k.opts.Topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
	k.mu.Lock()
	k.reader = reader
	k.mu.Unlock()
	defer reader.Close()

	k.log.Info("Kafka fan-in started", zap.String("topic", k.opts.Topic), zap.String("group_id", groupID))
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Error("Kafka fan-in stopped", zap.Error(err))
			return err
		}
		env, err := Decode(m.Value)
		if err != nil {
			k.log.Warn("Skipping undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}
		if !k.hub.Deliver(env) {
			return ErrClosed
		}
	}
}

func (k *Kafka) Close() error {
	err := k.writer.Close()
	k.mu.Lock()
	if k.reader != nil {
		_ = k.reader.Close()
	}
	k.mu.Unlock()
	_ = k.hub.Close()
	return err
}
