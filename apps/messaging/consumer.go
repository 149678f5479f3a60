package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/eventbus"
	"github.com/mahaj/teamchat/pkg/model"
)

// Recorder indexes a direct message into the conversation inbox.
type Recorder interface {
	Record(ctx context.Context, dm *model.DirectMessage) error
}

// Consumer reads the event topic in a shared group, so each event is
// indexed by exactly one messaging instance.
type Consumer struct {
	reader   *kafka.Reader
	recorder Recorder
	log      *zap.Logger
}

func NewConsumer(brokers []string, topic string, groupID string, recorder Recorder, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})

	return &Consumer{reader: r, recorder: recorder, log: log}
}

// Consume runs until ctx is done. An event whose write fails is retried
// until it succeeds, and its offset is committed only afterwards.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("Error reading message, retrying in 1s", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for attempt := 1; ; attempt++ {
			err := c.handle(ctx, m.Value)
			if err == nil {
				break
			}
			c.log.Error("Failed to index event", zap.Int64("offset", m.Offset), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return
			}
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("Failed to commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// handle indexes direct messages and skips every other topic. Undecodable
// events are logged and skipped rather than retried forever.
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	env, err := eventbus.Decode(value)
	if err != nil {
		c.log.Warn("Skipping undecodable event", zap.Error(err))
		return nil
	}
	if env.Topic != model.TopicDirectMessage {
		return nil
	}

	var dm model.DirectMessage
	if err := json.Unmarshal(env.Payload, &dm); err != nil {
		c.log.Warn("Skipping malformed direct message", zap.Error(err))
		return nil
	}
	if dm.TeamID == "" || dm.SenderID == "" || dm.ReceiverID == "" {
		c.log.Warn("Skipping direct message without team or participants", zap.Int64("id", dm.ID))
		return nil
	}
	if err := c.recorder.Record(ctx, &dm); err != nil {
		return err
	}
	c.log.Debug("Conversation updated",
		zap.String("team_id", dm.TeamID),
		zap.String("sender_id", dm.SenderID),
		zap.String("receiver_id", dm.ReceiverID))
	return nil
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	return min(d, 10*time.Second)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
