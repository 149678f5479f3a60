// Package store defines the durable store the chat core reads and writes.
// Implementations live in the memory and scylla subpackages.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mahaj/teamchat/pkg/model"
)

var ErrNotFound = errors.New("store: not found")

// ConflictError reports a unique-key violation on Field.
type ConflictError struct {
	Field string
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: %s %q already exists", e.Field, e.Value)
}

// Reader is the read side the authorization gate depends on.
type Reader interface {
	User(ctx context.Context, id string) (*model.User, error)
	Team(ctx context.Context, id string) (*model.Team, error)
	Channel(ctx context.Context, id string) (*model.Channel, error)
}

type Store interface {
	Reader

	// CreateUser fails with *ConflictError on a taken username or email,
	// compared case-insensitively.
	CreateUser(ctx context.Context, u *model.User) error
	// UserByLogin finds a user by username or email, case-insensitively.
	UserByLogin(ctx context.Context, login string) (*model.User, error)
	BumpTokenVersion(ctx context.Context, userID string) error

	// CreateTeam writes the team and its default channel atomically.
	CreateTeam(ctx context.Context, t *model.Team, general *model.Channel) error
	// AddTeamMember appends userID to the member list without rewriting it.
	AddTeamMember(ctx context.Context, teamID, userID string) error
	TeamsForUser(ctx context.Context, userID string) ([]model.Team, error)

	// CreateChannel fails with *ConflictError when the team already has a
	// channel of the same name, or a direct channel for the same participants.
	CreateChannel(ctx context.Context, c *model.Channel) error
	FindDirectChannel(ctx context.Context, teamID string, memberIDs []string) (*model.Channel, error)
	TeamChannels(ctx context.Context, teamID string) ([]model.Channel, error)
	AddChannelMember(ctx context.Context, channelID, userID string) error
	RemoveChannelMember(ctx context.Context, channelID, userID string) error

	CreateMessage(ctx context.Context, m *model.Message) error
	Message(ctx context.Context, channelID string, id int64) (*model.Message, error)
	UpdateMessageText(ctx context.Context, channelID string, id int64, text string) (*model.Message, error)
	DeleteMessage(ctx context.Context, channelID string, id int64) error
	// MessagesBefore returns up to limit messages with id < before, newest
	// first. before <= 0 means no upper bound.
	MessagesBefore(ctx context.Context, channelID string, before int64, limit int) ([]model.Message, error)

	CreateDirectMessage(ctx context.Context, m *model.DirectMessage) error
	// DirectMessagesBefore is MessagesBefore for the thread between a and b.
	DirectMessagesBefore(ctx context.Context, teamID, a, b string, before int64, limit int) ([]model.DirectMessage, error)
}
