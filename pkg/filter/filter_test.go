package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/authz"
	"github.com/mahaj/teamchat/pkg/eventbus"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/store/memory"
)

type fixture struct {
	store *memory.Store
	gate  *authz.Gate
	hub   *eventbus.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateTeam(ctx,
		&model.Team{ID: "t1", Name: "acme", OwnerID: "owner", MemberIDs: []string{"alice", "bob"}},
		&model.Channel{ID: "general", TeamID: "t1", Name: "general", Visibility: model.VisibilityPublic}))
	require.NoError(t, s.CreateChannel(ctx,
		&model.Channel{ID: "private", TeamID: "t1", Name: "private", Visibility: model.VisibilityPrivate, MemberIDs: []string{"owner", "alice"}}))
	return &fixture{store: s, gate: authz.NewGate(s), hub: eventbus.NewHub(zap.NewNop())}
}

func env(t *testing.T, topic model.Topic, keys model.RoutingKeys, payload any) model.Envelope {
	t.Helper()
	e, err := model.NewEnvelope(topic, keys, payload)
	require.NoError(t, err)
	return e
}

func TestChannelMessagesRechecksOnEveryEvent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	f := &ChannelMessages{Gate: fx.gate, UserID: "alice", ChannelID: "private", Log: zap.NewNop()}
	msg := env(t, model.TopicChannelMessage, model.RoutingKeys{ChannelID: "private"}, "x")

	assert.True(t, f.Match(ctx, msg))
	assert.False(t, f.Match(ctx, env(t, model.TopicChannelMessage, model.RoutingKeys{ChannelID: "general"}, "x")))

	require.NoError(t, fx.store.RemoveChannelMember(ctx, "private", "alice"))
	assert.False(t, f.Match(ctx, msg))
}

func TestChannelMessagesPublicNeedsTeam(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	msg := env(t, model.TopicChannelMessage, model.RoutingKeys{ChannelID: "general"}, "x")

	assert.True(t, (&ChannelMessages{Gate: fx.gate, UserID: "bob", ChannelID: "general", Log: zap.NewNop()}).Match(ctx, msg))
	assert.False(t, (&ChannelMessages{Gate: fx.gate, UserID: "outsider", ChannelID: "general", Log: zap.NewNop()}).Match(ctx, msg))
	assert.False(t, (&ChannelMessages{Gate: fx.gate, UserID: "alice", ChannelID: "deleted", Log: zap.NewNop()}).Match(ctx,
		env(t, model.TopicChannelMessage, model.RoutingKeys{ChannelID: "deleted"}, "x")))
}

func TestDirectMessagesBothDirections(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	f := &DirectMessages{Gate: fx.gate, UserID: "alice", TeamID: "t1", OtherUserID: "bob", Log: zap.NewNop()}

	ab := env(t, model.TopicDirectMessage, model.RoutingKeys{TeamID: "t1", SenderID: "alice", ReceiverID: "bob"}, "x")
	ba := env(t, model.TopicDirectMessage, model.RoutingKeys{TeamID: "t1", SenderID: "bob", ReceiverID: "alice"}, "x")
	other := env(t, model.TopicDirectMessage, model.RoutingKeys{TeamID: "t1", SenderID: "bob", ReceiverID: "owner"}, "x")
	otherTeam := env(t, model.TopicDirectMessage, model.RoutingKeys{TeamID: "t2", SenderID: "bob", ReceiverID: "alice"}, "x")

	assert.True(t, f.Match(ctx, ab))
	assert.True(t, f.Match(ctx, ba))
	assert.False(t, f.Match(ctx, other))
	assert.False(t, f.Match(ctx, otherTeam))

	gone := &DirectMessages{Gate: fx.gate, UserID: "alice", TeamID: "t2", OtherUserID: "bob", Log: zap.NewNop()}
	assert.False(t, gone.Match(ctx, otherTeam))
}

func TestTypingSuppressesRepeats(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	f := &Typing{Gate: fx.gate, UserID: "alice", ChannelID: "general", Log: zap.NewNop()}
	keys := model.RoutingKeys{ChannelID: "general", UserID: "bob"}
	start := env(t, model.TopicTyping, keys, model.TypingEvent{ChannelID: "general", UserID: "bob", Typing: true})
	stop := env(t, model.TopicTyping, keys, model.TypingEvent{ChannelID: "general", UserID: "bob", Typing: false})

	assert.True(t, f.Match(ctx, start))
	assert.False(t, f.Match(ctx, start))
	assert.True(t, f.Match(ctx, stop))
	assert.Empty(t, f.typing, "stopped typers are forgotten")
	assert.True(t, f.Match(ctx, start))
	assert.Len(t, f.typing, 1)
}

func TestPresenceTeamScoped(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	f := &Presence{Gate: fx.gate, UserID: "alice", TeamID: "t1", Log: zap.NewNop()}

	assert.True(t, f.Match(ctx, env(t, model.TopicUserStatus, model.RoutingKeys{UserID: "bob"}, nil)))
	assert.True(t, f.Match(ctx, env(t, model.TopicUserStatus, model.RoutingKeys{UserID: "owner"}, nil)))
	assert.False(t, f.Match(ctx, env(t, model.TopicUserStatus, model.RoutingKeys{UserID: "alice"}, nil)), "own change")
	assert.False(t, f.Match(ctx, env(t, model.TopicUserStatus, model.RoutingKeys{UserID: "stranger"}, nil)))

	outsider := &Presence{Gate: fx.gate, UserID: "stranger", TeamID: "t1", Log: zap.NewNop()}
	assert.False(t, outsider.Match(ctx, env(t, model.TopicUserStatus, model.RoutingKeys{UserID: "bob"}, nil)))
}

type brokenGate struct{}

var errStore = errors.New("timeout")

func (brokenGate) CanReadChannel(context.Context, string, string) (bool, error) {
	return true, errStore
}

func (brokenGate) AreTeamMembers(context.Context, string, ...string) (bool, error) {
	return true, errStore
}

func (brokenGate) TeamExists(context.Context, string) (bool, error) { return true, errStore }

func TestTransientErrorsDrop(t *testing.T) {
	ctx := context.Background()
	f := &ChannelMessages{Gate: brokenGate{}, UserID: "alice", ChannelID: "c1", Log: zap.NewNop()}
	assert.False(t, f.Match(ctx, env(t, model.TopicChannelMessage, model.RoutingKeys{ChannelID: "c1"}, nil)))
}

func TestStreamForwardsMatchesAndCloses(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	sub := fx.hub.Subscribe(model.TopicChannelMessage, 8)
	s := NewStream(ctx, sub, &ChannelMessages{Gate: fx.gate, UserID: "alice", ChannelID: "general", Log: zap.NewNop()})

	require.NoError(t, fx.hub.Publish(ctx, env(t, model.TopicChannelMessage, model.RoutingKeys{ChannelID: "private"}, "skip")))
	require.NoError(t, fx.hub.Publish(ctx, env(t, model.TopicChannelMessage, model.RoutingKeys{ChannelID: "general"}, "keep")))

	select {
	case got := <-s.C:
		assert.JSONEq(t, `"keep"`, string(got.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no event forwarded")
	}

	s.Close()
	s.Close()
	assert.Equal(t, 0, fx.hub.Subscribers(model.TopicChannelMessage))
	_, ok := <-s.C
	assert.False(t, ok)
	<-s.Done()
}

func TestStreamEndsWhenBusCloses(t *testing.T) {
	fx := newFixture(t)
	s := NewStream(context.Background(), fx.hub.Subscribe(model.TopicTyping, 1),
		&Typing{Gate: fx.gate, UserID: "alice", ChannelID: "general", Log: zap.NewNop()})
	require.NoError(t, fx.hub.Close())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	s.Close()
}
