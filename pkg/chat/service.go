// Package chat is the outward surface of the real-time core. Every mutation
// writes the durable store first and publishes on the bus second; a failed
// publish is reported as ErrDeliveryLost next to the persisted result.
package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/authz"
	"github.com/mahaj/teamchat/pkg/eventbus"
	"github.com/mahaj/teamchat/pkg/history"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/presence"
	"github.com/mahaj/teamchat/pkg/snowflake"
	"github.com/mahaj/teamchat/pkg/store"
)

const maxTextLength = 4000

type Deps struct {
	Store    store.Store
	Presence presence.Store
	Bus      eventbus.Bus
	IDs      *snowflake.Node
	Log      *zap.Logger
	// StreamBuffer sizes each live subscription; zero uses the bus default.
	StreamBuffer int
}

type Service struct {
	store    store.Store
	gate     *authz.Gate
	presence presence.Store
	bus      eventbus.Bus
	ids      *snowflake.Node
	log      *zap.Logger
	buffer   int
}

func New(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    d.Store,
		gate:     authz.NewGate(d.Store),
		presence: d.Presence,
		bus:      d.Bus,
		ids:      d.IDs,
		log:      log,
		buffer:   d.StreamBuffer,
	}
}

// Gate exposes the authorization checks for handlers that need them directly.
func (s *Service) Gate() *authz.Gate { return s.gate }

// fail maps a lower-layer error onto the service taxonomy.
func (s *Service) fail(op string, err error) error {
	var conflict *store.ConflictError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.As(err, &conflict):
		return fieldError(conflict.Field, conflictMessage(conflict))
	default:
		s.log.Error("Store operation failed", zap.String("op", op), zap.Error(err))
		return ErrUnavailable
	}
}

func conflictMessage(c *store.ConflictError) string {
	switch c.Field {
	case "name":
		return "name \"" + c.Value + "\" is already taken"
	default:
		return c.Field + " already exists"
	}
}

// allowed turns a gate answer into nil, ErrNotFound or ErrUnavailable.
func (s *Service) allowed(op string, ok bool, err error) error {
	if err != nil {
		return s.fail(op, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *Service) publish(ctx context.Context, topic model.Topic, keys model.RoutingKeys, payload any) error {
	env, err := model.NewEnvelope(topic, keys, payload)
	if err == nil {
		err = s.bus.Publish(ctx, env)
	}
	if err != nil {
		s.log.Warn("Live delivery lost",
			zap.String("topic", string(topic)),
			zap.String("channel_id", keys.ChannelID),
			zap.String("team_id", keys.TeamID),
			zap.Error(err))
		return ErrDeliveryLost
	}
	return nil
}

func (s *Service) username(ctx context.Context, userID string) string {
	u, err := s.store.User(ctx, userID)
	if err != nil {
		return ""
	}
	return u.Username
}

func validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fieldError("text", "Must not be empty")
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		return "", fieldError("text", "Message is too long")
	}
	return text, nil
}

// CreateMessage stores a message in a channel the actor can write to, clears
// the actor's typing state there and publishes the message. The actor must
// also still belong to the team; channel membership alone is not enough.
func (s *Service) CreateMessage(ctx context.Context, actor, teamID, channelID, text string) (*model.Message, error) {
	text, err := validateText(text)
	if err != nil {
		return nil, err
	}
	ok, err := s.gate.IsTeamMember(ctx, actor, teamID)
	if err := s.allowed("create message", ok, err); err != nil {
		return nil, err
	}
	ok, err = s.gate.CanWriteChannel(ctx, actor, channelID)
	if err := s.allowed("create message", ok, err); err != nil {
		return nil, err
	}
	ch, err := s.store.Channel(ctx, channelID)
	if err != nil {
		return nil, s.fail("create message", err)
	}
	if ch.TeamID != teamID {
		return nil, ErrNotFound
	}

	id := s.ids.Generate()
	created := snowflake.Time(id)
	m := &model.Message{
		ID:        id,
		ChannelID: channelID,
		TeamID:    teamID,
		UserID:    actor,
		Text:      text,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, s.fail("create message", err)
	}

	deliveryErr := s.publish(ctx, model.TopicChannelMessage,
		model.RoutingKeys{ChannelID: channelID, TeamID: teamID, SenderID: actor, UserID: actor}, m)

	// sending ends typing
	if _, err := s.stopTyping(ctx, actor, channelID); err != nil {
		s.log.Warn("Failed to clear typing on send", zap.String("channel_id", channelID), zap.String("user_id", actor), zap.Error(err))
	}
	return m, deliveryErr
}

// EditMessage replaces the text of the actor's own message.
func (s *Service) EditMessage(ctx context.Context, actor, channelID string, messageID int64, text string) (*model.Message, error) {
	text, err := validateText(text)
	if err != nil {
		return nil, err
	}
	if _, err := s.authoredMessage(ctx, actor, channelID, messageID); err != nil {
		return nil, err
	}
	m, err := s.store.UpdateMessageText(ctx, channelID, messageID, text)
	if err != nil {
		return nil, s.fail("edit message", err)
	}
	return m, s.publish(ctx, model.TopicEditedMessage,
		model.RoutingKeys{ChannelID: channelID, TeamID: m.TeamID, SenderID: actor, UserID: actor}, m)
}

// DeleteMessage removes the actor's own message.
func (s *Service) DeleteMessage(ctx context.Context, actor, channelID string, messageID int64) error {
	m, err := s.authoredMessage(ctx, actor, channelID, messageID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, channelID, messageID); err != nil {
		return s.fail("delete message", err)
	}
	return s.publish(ctx, model.TopicDeletedMessage,
		model.RoutingKeys{ChannelID: channelID, TeamID: m.TeamID, SenderID: actor, UserID: actor}, m)
}

func (s *Service) authoredMessage(ctx context.Context, actor, channelID string, messageID int64) (*model.Message, error) {
	ok, err := s.gate.CanWriteChannel(ctx, actor, channelID)
	if err := s.allowed("load message", ok, err); err != nil {
		return nil, err
	}
	m, err := s.store.Message(ctx, channelID, messageID)
	if err != nil {
		return nil, s.fail("load message", err)
	}
	if m.UserID != actor {
		return nil, ErrNotFound
	}
	ok, err = s.gate.IsTeamMember(ctx, actor, m.TeamID)
	if err := s.allowed("load message", ok, err); err != nil {
		return nil, err
	}
	return m, nil
}

// SetTyping records a typing state change and returns the resulting state.
// Setting the current state again returns it without publishing anything.
func (s *Service) SetTyping(ctx context.Context, actor, channelID string, typing bool) (*model.TypingEvent, error) {
	ok, err := s.gate.CanReadChannel(ctx, actor, channelID)
	if err := s.allowed("set typing", ok, err); err != nil {
		return nil, err
	}
	if !typing {
		return s.stopTyping(ctx, actor, channelID)
	}
	changed, err := s.presence.StartTyping(ctx, channelID, actor)
	if err != nil {
		s.log.Error("Typing update failed", zap.String("channel_id", channelID), zap.Error(err))
		return nil, ErrUnavailable
	}
	return s.typingResult(ctx, actor, channelID, true, changed)
}

func (s *Service) stopTyping(ctx context.Context, actor, channelID string) (*model.TypingEvent, error) {
	changed, err := s.presence.StopTyping(ctx, channelID, actor)
	if err != nil {
		s.log.Error("Typing update failed", zap.String("channel_id", channelID), zap.Error(err))
		return nil, ErrUnavailable
	}
	return s.typingResult(ctx, actor, channelID, false, changed)
}

// typingResult publishes the new state only when it changed.
func (s *Service) typingResult(ctx context.Context, actor, channelID string, typing, changed bool) (*model.TypingEvent, error) {
	ev := &model.TypingEvent{ChannelID: channelID, UserID: actor, Username: s.username(ctx, actor), Typing: typing}
	if !changed {
		return ev, nil
	}
	return ev, s.publish(ctx, model.TopicTyping, model.RoutingKeys{ChannelID: channelID, UserID: actor}, ev)
}

// TypingUsers lists who is typing in a channel the actor can read.
func (s *Service) TypingUsers(ctx context.Context, actor, channelID string) ([]string, error) {
	ok, err := s.gate.CanReadChannel(ctx, actor, channelID)
	if err := s.allowed("typing users", ok, err); err != nil {
		return nil, err
	}
	users, err := s.presence.Typing(ctx, channelID)
	if err != nil {
		s.log.Error("Typing lookup failed", zap.String("channel_id", channelID), zap.Error(err))
		return nil, ErrUnavailable
	}
	return users, nil
}

// CreateDirectMessage sends text from actor to receiverID; both must belong
// to the team.
func (s *Service) CreateDirectMessage(ctx context.Context, actor, teamID, receiverID, text string) (*model.DirectMessage, error) {
	text, err := validateText(text)
	if err != nil {
		return nil, err
	}
	if receiverID == "" || receiverID == actor {
		return nil, fieldError("receiver_id", "Must be another team member")
	}
	ok, err := s.gate.AreTeamMembers(ctx, teamID, actor, receiverID)
	if err := s.allowed("create direct message", ok, err); err != nil {
		return nil, err
	}

	id := s.ids.Generate()
	m := &model.DirectMessage{
		ID:         id,
		TeamID:     teamID,
		SenderID:   actor,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  snowflake.Time(id),
	}
	if err := s.store.CreateDirectMessage(ctx, m); err != nil {
		return nil, s.fail("create direct message", err)
	}
	return m, s.publish(ctx, model.TopicDirectMessage,
		model.RoutingKeys{TeamID: teamID, SenderID: actor, ReceiverID: receiverID, UserID: actor}, m)
}

// PaginateMessages pages backwards through a channel. A channel the actor
// cannot read looks empty.
func (s *Service) PaginateMessages(ctx context.Context, actor, channelID, cursor string, limit int) (history.Page[model.Message], error) {
	ok, err := s.gate.CanReadChannel(ctx, actor, channelID)
	if err != nil {
		return history.Page[model.Message]{}, s.fail("paginate messages", err)
	}
	if !ok {
		return history.Page[model.Message]{Items: []model.Message{}}, nil
	}
	page, err := history.Paginate(ctx, func(ctx context.Context, before int64, limit int) ([]model.Message, error) {
		return s.store.MessagesBefore(ctx, channelID, before, limit)
	}, func(m model.Message) int64 { return m.ID }, cursor, limit)
	if err != nil {
		return page, s.fail("paginate messages", err)
	}
	return page, nil
}

// DirectMessages pages backwards through the thread between actor and
// otherUserID. A team the actor is not in looks empty.
func (s *Service) DirectMessages(ctx context.Context, actor, teamID, otherUserID, cursor string, limit int) (history.Page[model.DirectMessage], error) {
	ok, err := s.gate.IsTeamMember(ctx, actor, teamID)
	if err != nil {
		return history.Page[model.DirectMessage]{}, s.fail("direct messages", err)
	}
	if !ok {
		return history.Page[model.DirectMessage]{Items: []model.DirectMessage{}}, nil
	}
	page, err := history.Paginate(ctx, func(ctx context.Context, before int64, limit int) ([]model.DirectMessage, error) {
		return s.store.DirectMessagesBefore(ctx, teamID, actor, otherUserID, before, limit)
	}, func(m model.DirectMessage) int64 { return m.ID }, cursor, limit)
	if err != nil {
		return page, s.fail("direct messages", err)
	}
	return page, nil
}
