package eventbus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/model"
)

func envelope(t *testing.T, topic model.Topic, channelID string, payload any) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(topic, model.RoutingKeys{ChannelID: channelID}, payload)
	require.NoError(t, err)
	return env
}

func receive(t *testing.T, sub *Subscription) model.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.Envelope{}
	}
}

func TestHubRoutesByTopic(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(zap.NewNop())
	msgs := hub.Subscribe(model.TopicChannelMessage, 4)
	typing := hub.Subscribe(model.TopicTyping, 4)
	defer msgs.Close()
	defer typing.Close()

	require.NoError(t, hub.Publish(ctx, envelope(t, model.TopicChannelMessage, "c1", "hi")))

	got := receive(t, msgs)
	assert.Equal(t, "c1", got.Keys.ChannelID)
	assert.JSONEq(t, `"hi"`, string(got.Payload))
	assert.Empty(t, typing.C)
}

func TestHubPreservesPublishOrder(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe(model.TopicChannelMessage, 32)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, hub.Publish(ctx, envelope(t, model.TopicChannelMessage, "c1", i)))
	}
	for i := 0; i < 20; i++ {
		assert.JSONEq(t, fmt.Sprint(i), string(receive(t, sub).Payload))
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(zap.NewNop())
	slow := hub.Subscribe(model.TopicTyping, 1)
	fast := hub.Subscribe(model.TopicTyping, 16)
	defer slow.Close()
	defer fast.Close()

	events := make([]model.Envelope, 10)
	for i := range events {
		events[i] = envelope(t, model.TopicTyping, "c1", i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, env := range events {
			_ = hub.Publish(ctx, env)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, slow.C, 1)
	assert.Len(t, fast.C, 10)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe(model.TopicUserStatus, 0)
	assert.Equal(t, 1, hub.Subscribers(model.TopicUserStatus))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers(model.TopicUserStatus))

	_, ok := <-sub.C
	assert.False(t, ok)

	// publishing after detach reaches nobody
	require.NoError(t, hub.Publish(context.Background(), envelope(t, model.TopicUserStatus, "", nil)))
}

func TestHubClose(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe(model.TopicTyping, 1)
	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()

	err := hub.Publish(context.Background(), envelope(t, model.TopicTyping, "c1", nil))
	require.ErrorIs(t, err, ErrClosed)

	late := hub.Subscribe(model.TopicTyping, 1)
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestCodecRejectsMissingTopic(t *testing.T) {
	_, err := Encode(model.Envelope{})
	require.Error(t, err)

	_, err = Decode([]byte(`{"payload":{}}`))
	require.Error(t, err)

	env := envelope(t, model.TopicDirectMessage, "", map[string]string{"text": "yo"})
	env.Keys.SenderID = "a"
	data, err := Encode(env)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "a", back.Keys.SenderID)
}

func TestRedisTransport(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prefix := "test-" + uuid.NewString()
	bus := NewRedis(client, prefix, NewHub(zap.NewNop()), zap.NewNop())
	sub := bus.Subscribe(model.TopicChannelMessage, 8)
	defer sub.Close()

	ready := make(chan struct{})
	go func() { _ = bus.run(ctx, ready) }()
	<-ready

	require.NoError(t, bus.Publish(ctx, envelope(t, model.TopicChannelMessage, "c9", "remote")))
	got := receive(t, sub)
	assert.Equal(t, "c9", got.Keys.ChannelID)
}
