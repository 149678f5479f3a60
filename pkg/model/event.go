package model

import (
	"encoding/json"
	"time"
)

// Topic is a coarse event category on the bus. Subscriptions narrow a topic
// down with their own bound arguments.
type Topic string

const (
	TopicChannelMessage Topic = "NEW_CHANNEL_MESSAGE"
	TopicEditedMessage  Topic = "EDITED_MESSAGE"
	TopicDeletedMessage Topic = "DELETED_MESSAGE"
	TopicDirectMessage  Topic = "NEW_DIRECT_MESSAGE"
	TopicTyping         Topic = "NEW_TYPING_USER"
	TopicUserStatus     Topic = "NEW_USER_STATUS"
)

// Topics lists every topic the bus carries.
var Topics = []Topic{
	TopicChannelMessage,
	TopicEditedMessage,
	TopicDeletedMessage,
	TopicDirectMessage,
	TopicTyping,
	TopicUserStatus,
}

// RoutingKeys holds the identity fields a filter needs without decoding the payload.
type RoutingKeys struct {
	ChannelID  string `json:"channel_id,omitempty"`
	TeamID     string `json:"team_id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

type Envelope struct {
	Topic      Topic           `json:"topic"`
	ProducedAt time.Time       `json:"produced_at"`
	Keys       RoutingKeys     `json:"keys"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope stamped with the current time.
func NewEnvelope(topic Topic, keys RoutingKeys, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Topic:      topic,
		ProducedAt: time.Now().UTC(),
		Keys:       keys,
		Payload:    data,
	}, nil
}
