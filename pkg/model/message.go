package model

import (
	"sort"
	"strings"
	"time"
)

type Message struct {
	ID        int64     `json:"id,string"`
	ChannelID string    `json:"channel_id"`
	TeamID    string    `json:"team_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DirectMessage is a message between two members of a team, outside any channel.
type DirectMessage struct {
	ID         int64     `json:"id,string"`
	TeamID     string    `json:"team_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// ThreadKey identifies the direct-message thread between a and b in a team.
// The pair is unordered: ThreadKey(t, a, b) == ThreadKey(t, b, a).
func ThreadKey(teamID, a, b string) string {
	return teamID + ":" + PairKey(a, b)
}

// PairKey joins the sorted ids so that either party produces the same key.
func PairKey(ids ...string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

type TypingEvent struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Typing    bool   `json:"typing"`
}

type PresenceChange struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

// FieldError names the input field a validation or conflict failure refers to.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
