package scylla

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/teamchat/pkg/db/dbtest"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/store"
)

func TestTeamAndChannelReservations(t *testing.T) {
	ctx := context.Background()
	s := New(dbtest.Session(t))
	owner := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	team := &model.Team{ID: uuid.NewString(), Name: "acme", OwnerID: owner, CreatedAt: now}
	general := &model.Channel{ID: uuid.NewString(), TeamID: team.ID, Name: "general", Visibility: model.VisibilityPublic, CreatedAt: now}
	require.NoError(t, s.CreateTeam(ctx, team, general))

	var conflict *store.ConflictError
	err := s.CreateTeam(ctx, &model.Team{ID: uuid.NewString(), Name: "acme", OwnerID: owner, CreatedAt: now}, nil)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "name", conflict.Field)

	require.NoError(t, s.AddTeamMember(ctx, team.ID, "bob"))
	got, err := s.Team(ctx, team.ID)
	require.NoError(t, err)
	assert.True(t, got.HasMember("bob"))

	teams, err := s.TeamsForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, team.ID, teams[0].ID)

	err = s.CreateChannel(ctx, &model.Channel{ID: uuid.NewString(), TeamID: team.ID, Name: "general", Visibility: model.VisibilityPrivate, CreatedAt: now})
	require.ErrorAs(t, err, &conflict)

	dm := &model.Channel{ID: uuid.NewString(), TeamID: team.ID, Name: "a, b", Visibility: model.VisibilityDirect, MemberIDs: []string{"a", "b"}, CreatedAt: now}
	require.NoError(t, s.CreateChannel(ctx, dm))
	found, err := s.FindDirectChannel(ctx, team.ID, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, dm.ID, found.ID)

	channels, err := s.TeamChannels(ctx, team.ID)
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	require.ErrorIs(t, s.AddChannelMember(ctx, uuid.NewString(), "bob"), store.ErrNotFound)
}

func TestMessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New(dbtest.Session(t))
	channelID := uuid.NewString()
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: id, ChannelID: channelID, Text: "m", CreatedAt: time.Now().UTC()}))
	}

	page, err := s.MessagesBefore(ctx, channelID, 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.EqualValues(t, 3, page[0].ID)
	assert.EqualValues(t, 2, page[1].ID)

	m, err := s.UpdateMessageText(ctx, channelID, 5, "edited")
	require.NoError(t, err)
	assert.True(t, m.Edited)

	require.NoError(t, s.DeleteMessage(ctx, channelID, 5))
	require.ErrorIs(t, s.DeleteMessage(ctx, channelID, 5), store.ErrNotFound)
	_, err = s.Message(ctx, channelID, 5)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUserLogins(t *testing.T) {
	ctx := context.Background()
	s := New(dbtest.Session(t))
	name := "u" + uuid.NewString()[:8]
	u := &model.User{ID: uuid.NewString(), Username: name, Email: name + "@example.com", PasswordHash: "x", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.UserByLogin(ctx, strings.ToUpper(name))
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "x", got.PasswordHash)

	// The email clash must release the username taken on the way.
	other := "v" + uuid.NewString()[:8]
	var conflict *store.ConflictError
	err = s.CreateUser(ctx, &model.User{ID: uuid.NewString(), Username: other, Email: u.Email, CreatedAt: time.Now().UTC()})
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "email", conflict.Field)
	_, err = s.UserByLogin(ctx, other)
	require.ErrorIs(t, err, store.ErrNotFound)
}
