package main

import (
	"encoding/json"

	"github.com/mahaj/teamchat/pkg/model"
)

// Client operations.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opSend        = "send"
	opEdit        = "edit"
	opDelete      = "delete"
	opDirect      = "dm"
	opTyping      = "typing"
	opTypingUsers = "typing_users"
	opPresence    = "presence"
)

// Subscription kinds.
const (
	kindChannel        = "channel"
	kindChannelEdited  = "channel_edited"
	kindChannelDeleted = "channel_deleted"
	kindDirect         = "direct"
	kindPresence       = "presence"
	kindTyping         = "typing"
)

// Server frame types.
const (
	frameAck   = "ack"
	frameError = "error"
	frameEvent = "event"
)

// request is a frame read from the client. Ref is echoed back on the reply so
// the client can match it.
type request struct {
	Op             string `json:"op"`
	Ref            string `json:"ref,omitempty"`
	Kind           string `json:"kind,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	MessageID      int64  `json:"message_id,string,omitempty"`
	Text           string `json:"text,omitempty"`
	Typing         bool   `json:"typing,omitempty"`
}

type frame struct {
	Type           string             `json:"type"`
	Ref            string             `json:"ref,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Topic          model.Topic        `json:"topic,omitempty"`
	Data           any                `json:"data,omitempty"`
	Error          string             `json:"error,omitempty"`
	Fields         []model.FieldError `json:"fields,omitempty"`
	Warning        string             `json:"warning,omitempty"`
}

func eventFrame(subscriptionID string, env model.Envelope) frame {
	return frame{
		Type:           frameEvent,
		SubscriptionID: subscriptionID,
		Topic:          env.Topic,
		Data:           json.RawMessage(env.Payload),
	}
}
