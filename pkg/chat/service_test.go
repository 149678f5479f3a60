package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/auth"
	"github.com/mahaj/teamchat/pkg/eventbus"
	"github.com/mahaj/teamchat/pkg/filter"
	"github.com/mahaj/teamchat/pkg/lifecycle"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/presence"
	"github.com/mahaj/teamchat/pkg/snowflake"
	"github.com/mahaj/teamchat/pkg/store/memory"
)

type fixture struct {
	svc     *Service
	store   *memory.Store
	hub     *eventbus.Hub
	issuer  *auth.Issuer
	manager *lifecycle.Manager
	team    *model.Team
	general *model.Channel
}

// newEnv creates a team "acme" owned by alice with bob and carol as members.
func newEnv(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	e := &fixture{
		store:  memory.New(),
		hub:    eventbus.NewHub(zap.NewNop()),
		issuer: auth.NewIssuer("a", "r", time.Minute, time.Hour),
	}
	ps := presence.NewMemory()
	e.svc = New(Deps{Store: e.store, Presence: ps, Bus: e.hub, IDs: node, Log: zap.NewNop()})
	e.manager = lifecycle.NewManager(e.issuer, e.store, ps, e.hub, zap.NewNop())

	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, e.store.CreateUser(ctx, &model.User{ID: name, Username: name}))
	}
	e.team, err = e.svc.CreateTeam(ctx, "alice", "acme")
	require.NoError(t, err)
	_, err = e.svc.AddTeamMember(ctx, "alice", e.team.ID, "bob")
	require.NoError(t, err)
	_, err = e.svc.AddTeamMember(ctx, "alice", e.team.ID, "carol")
	require.NoError(t, err)

	channels, err := e.svc.Channels(ctx, "alice", e.team.ID)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	e.general = &channels[0]
	return e
}

func (e *fixture) connect(t *testing.T, userID string) *lifecycle.Connection {
	t.Helper()
	tok, err := e.issuer.GenerateAccessToken(userID, userID)
	require.NoError(t, err)
	c := e.manager.Open()
	require.NoError(t, c.Authenticate(context.Background(), tok, ""))
	require.NoError(t, c.Activate(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func next(t *testing.T, s *filter.Stream) model.Envelope {
	t.Helper()
	select {
	case env, ok := <-s.C:
		require.True(t, ok, "stream closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.Envelope{}
	}
}

func quiet(t *testing.T, s *filter.Stream) {
	t.Helper()
	select {
	case env := <-s.C:
		t.Fatalf("unexpected event on %s: %s", env.Topic, env.Payload)
	case <-time.After(150 * time.Millisecond):
	}
}

func decode[T any](t *testing.T, env model.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func TestGeneralChannelHiScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	assert.Equal(t, GeneralChannel, e.general.Name)
	assert.Equal(t, model.VisibilityPublic, e.general.Visibility)

	bob := e.connect(t, "bob")
	stream, err := e.svc.SubscribeChannelMessages(ctx, bob, e.general.ID)
	require.NoError(t, err)

	m, err := e.svc.CreateMessage(ctx, "alice", e.team.ID, e.general.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, snowflake.Time(m.ID), m.CreatedAt)

	got := decode[model.Message](t, next(t, stream))
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, m.ID, got.ID)

	page, err := e.svc.PaginateMessages(ctx, "bob", e.general.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hi", page.Items[0].Text)
}

func TestCreateMessageValidationTouchesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.CreateMessage(ctx, "alice", e.team.ID, e.general.ID, "   ")
	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "text", fields[0].Field)

	page, err := e.svc.PaginateMessages(ctx, "alice", e.general.ID, "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestCreateMessageHidesForbiddenChannels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.CreateMessage(ctx, "dave", e.team.ID, e.general.ID, "let me in")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.svc.CreateMessage(ctx, "alice", e.team.ID, "no-such-channel", "hello")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.svc.CreateMessage(ctx, "alice", "other-team", e.general.ID, "hello")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChannelMembershipDoesNotOutliveTeamMembership(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.CreateChannel(ctx, "alice", ChannelInput{
		TeamID: e.team.ID, Name: "outside", Visibility: model.VisibilityPrivate, MemberIDs: []string{"dave"},
	})
	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "member_ids", fields[0].Field)

	// A channel row that still lists a non-member grants nothing.
	stale := &model.Channel{ID: "stale", TeamID: e.team.ID, Name: "stale", Visibility: model.VisibilityPrivate, MemberIDs: []string{"alice", "dave"}}
	require.NoError(t, e.store.CreateChannel(ctx, stale))
	_, err = e.svc.CreateMessage(ctx, "dave", e.team.ID, stale.ID, "still here?")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.store.CreateMessage(ctx, &model.Message{ID: 1, ChannelID: stale.ID, TeamID: e.team.ID, UserID: "dave", Text: "old"}))
	_, err = e.svc.EditMessage(ctx, "dave", stale.ID, 1, "new")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, e.svc.DeleteMessage(ctx, "dave", stale.ID, 1), ErrNotFound)

	page, err := e.svc.PaginateMessages(ctx, "alice", stale.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "old", page.Items[0].Text)
}

func TestTeamMembers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	users, err := e.svc.TeamMembers(ctx, "bob", e.team.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)

	_, err = e.svc.TeamMembers(ctx, "dave", e.team.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.svc.TeamMembers(ctx, "alice", "no-such-team")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetTypingIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.connect(t, "bob")
	stream, err := e.svc.SubscribeTyping(ctx, bob, e.general.ID)
	require.NoError(t, err)

	ev, err := e.svc.SetTyping(ctx, "alice", e.general.ID, true)
	require.NoError(t, err)
	require.NotNil(t, ev)
	again, err := e.svc.SetTyping(ctx, "alice", e.general.ID, true)
	require.NoError(t, err)
	assert.Equal(t, ev, again)

	// bob was never typing; stopping is a no-op that still reports his state.
	idle, err := e.svc.SetTyping(ctx, "bob", e.general.ID, false)
	require.NoError(t, err)
	require.NotNil(t, idle)
	assert.Equal(t, model.TypingEvent{ChannelID: e.general.ID, UserID: "bob", Username: "bob", Typing: false}, *idle)

	got := decode[model.TypingEvent](t, next(t, stream))
	assert.True(t, got.Typing)
	assert.Equal(t, "alice", got.Username)
	quiet(t, stream)

	users, err := e.svc.TypingUsers(ctx, "bob", e.general.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestTypingStartedThenStoppedIsTwoEvents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.connect(t, "bob")
	stream, err := e.svc.SubscribeTyping(ctx, bob, e.general.ID)
	require.NoError(t, err)

	_, err = e.svc.SetTyping(ctx, "alice", e.general.ID, true)
	require.NoError(t, err)
	_, err = e.svc.SetTyping(ctx, "alice", e.general.ID, false)
	require.NoError(t, err)
	_, err = e.svc.SetTyping(ctx, "alice", e.general.ID, false)
	require.NoError(t, err)

	assert.True(t, decode[model.TypingEvent](t, next(t, stream)).Typing)
	assert.False(t, decode[model.TypingEvent](t, next(t, stream)).Typing)
	quiet(t, stream)
}

func TestSendingStopsTyping(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.connect(t, "bob")
	stream, err := e.svc.SubscribeTyping(ctx, bob, e.general.ID)
	require.NoError(t, err)

	_, err = e.svc.SetTyping(ctx, "alice", e.general.ID, true)
	require.NoError(t, err)
	_, err = e.svc.CreateMessage(ctx, "alice", e.team.ID, e.general.ID, "done typing")
	require.NoError(t, err)

	assert.True(t, decode[model.TypingEvent](t, next(t, stream)).Typing)
	assert.False(t, decode[model.TypingEvent](t, next(t, stream)).Typing)
}

func TestRemovedMemberStopsReceiving(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	private, err := e.svc.CreateChannel(ctx, "alice", ChannelInput{
		TeamID: e.team.ID, Name: "secret", Visibility: model.VisibilityPrivate, MemberIDs: []string{"bob"},
	})
	require.NoError(t, err)

	bob := e.connect(t, "bob")
	stream, err := e.svc.SubscribeChannelMessages(ctx, bob, private.ID)
	require.NoError(t, err)

	_, err = e.svc.CreateMessage(ctx, "alice", e.team.ID, private.ID, "before")
	require.NoError(t, err)
	assert.Equal(t, "before", decode[model.Message](t, next(t, stream)).Text)

	require.NoError(t, e.svc.RemoveChannelMember(ctx, "alice", private.ID, "bob"))
	_, err = e.svc.CreateMessage(ctx, "alice", e.team.ID, private.ID, "after")
	require.NoError(t, err)
	quiet(t, stream)

	page, err := e.svc.PaginateMessages(ctx, "bob", private.ID, "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestDirectMessagesAreSymmetric(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceConn, bobConn, carolConn := e.connect(t, "alice"), e.connect(t, "bob"), e.connect(t, "carol")

	toBob, err := e.svc.SubscribeDirectMessages(ctx, aliceConn, e.team.ID, "bob")
	require.NoError(t, err)
	toAlice, err := e.svc.SubscribeDirectMessages(ctx, bobConn, e.team.ID, "alice")
	require.NoError(t, err)
	eavesdrop, err := e.svc.SubscribeDirectMessages(ctx, carolConn, e.team.ID, "alice")
	require.NoError(t, err)

	_, err = e.svc.CreateDirectMessage(ctx, "alice", e.team.ID, "bob", "psst")
	require.NoError(t, err)
	_, err = e.svc.CreateDirectMessage(ctx, "bob", e.team.ID, "alice", "what")
	require.NoError(t, err)

	for _, s := range []*filter.Stream{toBob, toAlice} {
		assert.Equal(t, "psst", decode[model.DirectMessage](t, next(t, s)).Text)
		assert.Equal(t, "what", decode[model.DirectMessage](t, next(t, s)).Text)
	}
	quiet(t, eavesdrop)

	fromAlice, err := e.svc.DirectMessages(ctx, "alice", e.team.ID, "bob", "", 0)
	require.NoError(t, err)
	fromBob, err := e.svc.DirectMessages(ctx, "bob", e.team.ID, "alice", "", 0)
	require.NoError(t, err)
	assert.Equal(t, fromAlice.Items, fromBob.Items)
	require.Len(t, fromAlice.Items, 2)
	assert.Equal(t, "psst", fromAlice.Items[0].Text)

	_, err = e.svc.CreateDirectMessage(ctx, "alice", e.team.ID, "dave", "hi stranger")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.svc.CreateDirectMessage(ctx, "alice", e.team.ID, "alice", "me")
	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
}

func TestPaginateHundredFiftyMessages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for i := 0; i < 150; i++ {
		_, err := e.svc.CreateMessage(ctx, "alice", e.team.ID, e.general.ID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	first, err := e.svc.PaginateMessages(ctx, "bob", e.general.ID, "", 100)
	require.NoError(t, err)
	require.Len(t, first.Items, 100)
	assert.True(t, first.HasMore)
	assert.Equal(t, "m50", first.Items[0].Text)
	assert.Equal(t, "m149", first.Items[99].Text)

	second, err := e.svc.PaginateMessages(ctx, "bob", e.general.ID, first.NextCursor, 100)
	require.NoError(t, err)
	require.Len(t, second.Items, 50)
	assert.False(t, second.HasMore)
	assert.Equal(t, "m0", second.Items[0].Text)
	assert.Equal(t, "m49", second.Items[49].Text)

	outsider, err := e.svc.PaginateMessages(ctx, "dave", e.general.ID, "", 100)
	require.NoError(t, err)
	assert.Empty(t, outsider.Items)
	assert.False(t, outsider.HasMore)
}

func TestDeliveryLostKeepsWrite(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.hub.Close())

	m, err := e.svc.CreateMessage(ctx, "alice", e.team.ID, e.general.ID, "anyone?")
	require.ErrorIs(t, err, ErrDeliveryLost)
	require.NotNil(t, m)

	page, err := e.svc.PaginateMessages(ctx, "alice", e.general.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, m.ID, page.Items[0].ID)
}

func TestEditAndDeleteAuthorOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.connect(t, "bob")
	edits, err := e.svc.SubscribeEditedMessages(ctx, bob, e.general.ID)
	require.NoError(t, err)
	deletes, err := e.svc.SubscribeDeletedMessages(ctx, bob, e.general.ID)
	require.NoError(t, err)

	m, err := e.svc.CreateMessage(ctx, "alice", e.team.ID, e.general.ID, "tpyo")
	require.NoError(t, err)

	_, err = e.svc.EditMessage(ctx, "bob", e.general.ID, m.ID, "hijack")
	require.ErrorIs(t, err, ErrNotFound)

	edited, err := e.svc.EditMessage(ctx, "alice", e.general.ID, m.ID, "typo")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "typo", decode[model.Message](t, next(t, edits)).Text)

	require.ErrorIs(t, e.svc.DeleteMessage(ctx, "bob", e.general.ID, m.ID), ErrNotFound)
	require.NoError(t, e.svc.DeleteMessage(ctx, "alice", e.general.ID, m.ID))
	assert.Equal(t, m.ID, decode[model.Message](t, next(t, deletes)).ID)
	require.ErrorIs(t, e.svc.DeleteMessage(ctx, "alice", e.general.ID, m.ID), ErrNotFound)
}

func TestPresenceSubscription(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.connect(t, "bob")
	stream, err := e.svc.SubscribePresence(ctx, bob, e.team.ID)
	require.NoError(t, err)

	alice := e.connect(t, "alice")
	change := decode[model.PresenceChange](t, next(t, stream))
	assert.Equal(t, "alice", change.UserID)
	assert.True(t, change.Online)

	// dave is not in the team
	e.connect(t, "dave")
	quiet(t, stream)

	online, err := e.svc.TeamPresence(ctx, "carol", e.team.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, online)
	_, err = e.svc.TeamPresence(ctx, "dave", e.team.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, alice.Close(ctx))
	change = decode[model.PresenceChange](t, next(t, stream))
	assert.False(t, change.Online)
}

func TestSubscribeRequiresActiveConnection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.manager.Open()
	_, err := e.svc.SubscribeChannelMessages(ctx, c, e.general.ID)
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.NoError(t, c.Close(ctx))
}

func TestClosingConnectionDetachesStreams(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.connect(t, "bob")
	stream, err := e.svc.SubscribeChannelMessages(ctx, bob, e.general.ID)
	require.NoError(t, err)
	require.Equal(t, 1, e.hub.Subscribers(model.TopicChannelMessage))

	require.NoError(t, bob.Close(ctx))
	assert.Equal(t, 0, e.hub.Subscribers(model.TopicChannelMessage))
	_, ok := <-stream.C
	assert.False(t, ok)
}

func TestTeamAndChannelManagement(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.CreateTeam(ctx, "alice", "acme")
	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "name", fields[0].Field)

	_, err = e.svc.CreateTeam(ctx, "alice", "x")
	require.ErrorAs(t, err, &fields)

	_, err = e.svc.AddTeamMember(ctx, "bob", e.team.ID, "dave")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.svc.AddTeamMember(ctx, "alice", e.team.ID, "bob")
	require.ErrorAs(t, err, &fields)
	_, err = e.svc.AddTeamMember(ctx, "alice", e.team.ID, "nobody")
	require.ErrorAs(t, err, &fields)

	_, err = e.svc.CreateChannel(ctx, "bob", ChannelInput{TeamID: e.team.ID, Name: "random", Visibility: model.VisibilityPublic})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.svc.CreateChannel(ctx, "alice", ChannelInput{TeamID: e.team.ID, Name: "general", Visibility: model.VisibilityPublic})
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "name", fields[0].Field)

	dm, err := e.svc.CreateChannel(ctx, "bob", ChannelInput{TeamID: e.team.ID, Visibility: model.VisibilityDirect, MemberIDs: []string{"carol"}})
	require.NoError(t, err)
	assert.Equal(t, "bob, carol", dm.Name)
	again, err := e.svc.CreateChannel(ctx, "carol", ChannelInput{TeamID: e.team.ID, Visibility: model.VisibilityDirect, MemberIDs: []string{"bob"}})
	require.NoError(t, err)
	assert.Equal(t, dm.ID, again.ID)

	require.ErrorAs(t, e.svc.RemoveChannelMember(ctx, "alice", dm.ID, "bob"), &fields)

	teams, err := e.svc.Teams(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, teams, 1)

	visible, err := e.svc.Channels(ctx, "dave", e.team.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, visible)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	u, err := e.svc.Register(ctx, "erin", "Erin@Example.com", "hunter22")
	require.NoError(t, err)
	got, err := e.svc.User(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "erin", got.Username)
	assert.Equal(t, "erin@example.com", got.Email)
	assert.NotEqual(t, "hunter22", got.PasswordHash)

	_, err = e.svc.Register(ctx, "x", "nope", "123")
	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.Len(t, fields, 3)

	_, err = e.svc.Register(ctx, "ERIN", "other@example.com", "hunter22")
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "username", fields[0].Field)

	_, err = e.svc.Register(ctx, "erin2", "erin@example.com", "hunter22")
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "email", fields[0].Field)

	require.NoError(t, e.svc.RevokeRefreshTokens(ctx, u.ID))
	_, err = e.svc.User(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterRejectsOverlongPassword(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Register(context.Background(), "zed", "zed@example.com", strings.Repeat("x", 80))
	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	require.Len(t, fields, 1)
	assert.Equal(t, "password", fields[0].Field)

	_, err = e.svc.Register(context.Background(), "zed", "zed@example.com", strings.Repeat("x", 72))
	require.NoError(t, err)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u, err := e.svc.Register(ctx, "erin", "erin@example.com", "hunter22")
	require.NoError(t, err)

	for _, login := range []string{"erin", "Erin", "ERIN@example.com"} {
		got, err := e.svc.Login(ctx, login, "hunter22")
		require.NoError(t, err, login)
		assert.Equal(t, u.ID, got.ID)
	}

	_, err = e.svc.Login(ctx, "erin", "wrong-password")
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = e.svc.Login(ctx, "nobody", "hunter22")
	var fields FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "usernameOrEmail", fields[0].Field)

	// Accounts created without a password can never log in.
	_, err = e.svc.Login(ctx, "alice", "anything")
	require.ErrorIs(t, err, ErrUnauthenticated)
}
