package chat

import (
	"context"

	"github.com/mahaj/teamchat/pkg/filter"
	"github.com/mahaj/teamchat/pkg/lifecycle"
	"github.com/mahaj/teamchat/pkg/model"
)

// Conn is the live connection a subscription belongs to. Streams are tracked
// on it so they end when it closes.
type Conn interface {
	UserID() string
	State() lifecycle.State
	Track(key string, d lifecycle.Detacher) error
}

// Subscriptions are never rejected up front: access is checked on every
// event, so a user who gains access later starts receiving events and one
// who loses it stops, without resubscribing.
func (s *Service) subscribe(ctx context.Context, conn Conn, topic model.Topic, f filter.Filter) (*filter.Stream, error) {
	if conn.State() != lifecycle.Active {
		return nil, ErrUnauthenticated
	}
	stream := filter.NewStream(ctx, s.bus.Subscribe(topic, s.buffer), f)
	if err := conn.Track(stream.ID, stream); err != nil {
		return nil, ErrUnauthenticated
	}
	return stream, nil
}

func (s *Service) channelStream(ctx context.Context, conn Conn, topic model.Topic, channelID string) (*filter.Stream, error) {
	return s.subscribe(ctx, conn, topic, &filter.ChannelMessages{
		Gate:      s.gate,
		UserID:    conn.UserID(),
		ChannelID: channelID,
		Log:       s.log,
	})
}

func (s *Service) SubscribeChannelMessages(ctx context.Context, conn Conn, channelID string) (*filter.Stream, error) {
	return s.channelStream(ctx, conn, model.TopicChannelMessage, channelID)
}

func (s *Service) SubscribeEditedMessages(ctx context.Context, conn Conn, channelID string) (*filter.Stream, error) {
	return s.channelStream(ctx, conn, model.TopicEditedMessage, channelID)
}

func (s *Service) SubscribeDeletedMessages(ctx context.Context, conn Conn, channelID string) (*filter.Stream, error) {
	return s.channelStream(ctx, conn, model.TopicDeletedMessage, channelID)
}

func (s *Service) SubscribeDirectMessages(ctx context.Context, conn Conn, teamID, otherUserID string) (*filter.Stream, error) {
	return s.subscribe(ctx, conn, model.TopicDirectMessage, &filter.DirectMessages{
		Gate:        s.gate,
		UserID:      conn.UserID(),
		TeamID:      teamID,
		OtherUserID: otherUserID,
		Log:         s.log,
	})
}

func (s *Service) SubscribePresence(ctx context.Context, conn Conn, teamID string) (*filter.Stream, error) {
	return s.subscribe(ctx, conn, model.TopicUserStatus, &filter.Presence{
		Gate:   s.gate,
		UserID: conn.UserID(),
		TeamID: teamID,
		Log:    s.log,
	})
}

func (s *Service) SubscribeTyping(ctx context.Context, conn Conn, channelID string) (*filter.Stream, error) {
	return s.subscribe(ctx, conn, model.TopicTyping, &filter.Typing{
		Gate:      s.gate,
		UserID:    conn.UserID(),
		ChannelID: channelID,
		Log:       s.log,
	})
}
