// Package conversations maintains the direct-message inbox: one row per
// conversation partner with its last activity, plus an unread counter.
package conversations

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mahaj/teamchat/pkg/db"
	"github.com/mahaj/teamchat/pkg/model"
)

type Conversation struct {
	UserID      string    `json:"user_id"`
	TeamID      string    `json:"team_id"`
	OtherUserID string    `json:"other_user_id"`
	LastUpdated time.Time `json:"last_updated"`
	UnreadCount int64     `json:"unread_count"`
}

type Store struct {
	session *db.Session
}

func New(session *db.Session) *Store {
	return &Store{session: session}
}

// Record indexes dm for both parties and bumps the receiver's unread count.
// Replaying a message moves last_updated to the same value but counts it
// twice; the counter is best effort.
func (s *Store) Record(ctx context.Context, dm *model.DirectMessage) error {
	const touch = `INSERT INTO user_conversations (user_id, team_id, other_user_id, last_updated) VALUES (?, ?, ?, ?)`
	if err := s.session.Query(touch, dm.SenderID, dm.TeamID, dm.ReceiverID, dm.CreatedAt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("touch conversation for %s: %w", dm.SenderID, err)
	}
	if dm.SenderID == dm.ReceiverID {
		return nil
	}
	if err := s.session.Query(touch, dm.ReceiverID, dm.TeamID, dm.SenderID, dm.CreatedAt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("touch conversation for %s: %w", dm.ReceiverID, err)
	}

	const bump = `UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND team_id = ? AND other_user_id = ?`
	if err := s.session.Query(bump, dm.ReceiverID, dm.TeamID, dm.SenderID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("increment unread count for %s: %w", dm.ReceiverID, err)
	}
	return nil
}

// List returns userID's conversations, most recent first.
func (s *Store) List(ctx context.Context, userID string) ([]Conversation, error) {
	iter := s.session.Query(`SELECT team_id, other_user_id, last_updated FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()

	conversations := []Conversation{}
	c := Conversation{UserID: userID}
	for iter.Scan(&c.TeamID, &c.OtherUserID, &c.LastUpdated) {
		conversations = append(conversations, c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	counts := map[[2]string]int64{}
	iter = s.session.Query(`SELECT team_id, other_user_id, unread_count FROM conversation_counters WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var teamID, otherID string
	var n int64
	for iter.Scan(&teamID, &otherID, &n) {
		counts[[2]string{teamID, otherID}] = n
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list unread counts: %w", err)
	}

	for i := range conversations {
		conversations[i].UnreadCount = counts[[2]string{conversations[i].TeamID, conversations[i].OtherUserID}]
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastUpdated.After(conversations[j].LastUpdated)
	})
	return conversations, nil
}

// MarkRead resets the unread count. Counter rows can only be reset by
// deleting them.
func (s *Store) MarkRead(ctx context.Context, userID, teamID, otherUserID string) error {
	err := s.session.Query(`DELETE FROM conversation_counters WHERE user_id = ? AND team_id = ? AND other_user_id = ?`,
		userID, teamID, otherUserID).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("reset unread count: %w", err)
	}
	return nil
}
