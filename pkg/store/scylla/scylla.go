// Package scylla implements store.Store on ScyllaDB. Unique names and direct
// channels are reserved with lightweight transactions; membership lists are
// set columns mutated with atomic append/remove.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/teamchat/pkg/db"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/store"
)

type Store struct {
	session *db.Session
}

var _ store.Store = (*Store)(nil)

func New(session *db.Session) *Store {
	return &Store{session: session}
}

func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) User(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{ID: id}
	err := s.session.Query(`SELECT username, email, password_hash, token_version, created_at FROM users WHERE id = ?`, id).
		WithContext(ctx).Scan(&u.Username, &u.Email, &u.PasswordHash, &u.TokenVersion, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// CreateUser reserves the lowercased username and email in user_logins
// before writing the user row. Reservations taken by a failed attempt are
// released.
func (s *Store) CreateUser(ctx context.Context, u *model.User) (err error) {
	var reserved []string
	defer func() {
		if err == nil {
			return
		}
		for _, login := range reserved {
			s.releaseLogin(login, u.ID)
		}
	}()

	for _, l := range []struct{ field, login string }{
		{"username", strings.ToLower(u.Username)},
		{"email", strings.ToLower(u.Email)},
	} {
		if l.login == "" {
			continue
		}
		applied, err := s.session.Query(`INSERT INTO user_logins (login, user_id) VALUES (?, ?) IF NOT EXISTS`, l.login, u.ID).
			WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return err
		}
		if !applied {
			return &store.ConflictError{Field: l.field, Value: l.login}
		}
		reserved = append(reserved, l.login)
	}

	applied, err := s.session.Query(`INSERT INTO users (id, username, email, password_hash, token_version, created_at) VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.TokenVersion, u.CreatedAt).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return &store.ConflictError{Field: "id", Value: u.ID}
	}
	return nil
}

func (s *Store) releaseLogin(login, userID string) {
	// Detached from the request context so a cancelled request still releases.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.session.Query(`DELETE FROM user_logins WHERE login = ? IF user_id = ?`, login, userID).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
}

func (s *Store) UserByLogin(ctx context.Context, login string) (*model.User, error) {
	var id string
	err := s.session.Query(`SELECT user_id FROM user_logins WHERE login = ?`, strings.ToLower(login)).
		WithContext(ctx).Scan(&id)
	if err != nil {
		return nil, notFound(err)
	}
	return s.User(ctx, id)
}

func (s *Store) BumpTokenVersion(ctx context.Context, userID string) error {
	u, err := s.User(ctx, userID)
	if err != nil {
		return err
	}
	applied, err := s.session.Query(`UPDATE users SET token_version = ? WHERE id = ? IF token_version = ?`,
		u.TokenVersion+1, userID, u.TokenVersion).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("token version changed concurrently for %s", userID)
	}
	return nil
}

func (s *Store) Team(ctx context.Context, id string) (*model.Team, error) {
	t := &model.Team{ID: id}
	err := s.session.Query(`SELECT name, owner_id, member_ids, created_at FROM teams WHERE id = ?`, id).
		WithContext(ctx).Scan(&t.Name, &t.OwnerID, &t.MemberIDs, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *Store) CreateTeam(ctx context.Context, t *model.Team, general *model.Channel) error {
	applied, err := s.session.Query(`INSERT INTO teams_by_owner (owner_id, name, team_id) VALUES (?, ?, ?) IF NOT EXISTS`,
		t.OwnerID, t.Name, t.ID).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return &store.ConflictError{Field: "name", Value: t.Name}
	}

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO teams (id, name, owner_id, member_ids, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.OwnerID, t.MemberIDs, t.CreatedAt)
	b.Query(`INSERT INTO team_memberships (user_id, team_id) VALUES (?, ?)`, t.OwnerID, t.ID)
	if general != nil {
		b.Query(`INSERT INTO channels (id, team_id, name, visibility, member_ids, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			general.ID, general.TeamID, general.Name, string(general.Visibility), general.MemberIDs, general.CreatedAt)
		b.Query(`INSERT INTO channels_by_team (team_id, name, channel_id) VALUES (?, ?, ?)`,
			general.TeamID, general.Name, general.ID)
	}
	if err := s.session.ExecuteBatch(b); err != nil {
		// release the name so the owner can retry
		_ = s.session.Query(`DELETE FROM teams_by_owner WHERE owner_id = ? AND name = ? IF team_id = ?`,
			t.OwnerID, t.Name, t.ID).WithContext(ctx).Exec()
		return err
	}
	return nil
}

func (s *Store) AddTeamMember(ctx context.Context, teamID, userID string) error {
	applied, err := s.session.Query(`UPDATE teams SET member_ids = member_ids + ? WHERE id = ? IF EXISTS`,
		[]string{userID}, teamID).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return store.ErrNotFound
	}
	return s.session.Query(`INSERT INTO team_memberships (user_id, team_id) VALUES (?, ?)`, userID, teamID).
		WithContext(ctx).Exec()
}

func (s *Store) TeamsForUser(ctx context.Context, userID string) ([]model.Team, error) {
	iter := s.session.Query(`SELECT team_id FROM team_memberships WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	teams := make([]model.Team, 0, len(ids))
	for _, id := range ids {
		t, err := s.Team(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, nil
}

func (s *Store) Channel(ctx context.Context, id string) (*model.Channel, error) {
	c := &model.Channel{ID: id}
	var visibility string
	err := s.session.Query(`SELECT team_id, name, visibility, member_ids, created_at FROM channels WHERE id = ?`, id).
		WithContext(ctx).Scan(&c.TeamID, &c.Name, &visibility, &c.MemberIDs, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.Visibility = model.Visibility(visibility)
	return c, nil
}

func (s *Store) CreateChannel(ctx context.Context, c *model.Channel) error {
	var reserve *gocql.Query
	var conflict *store.ConflictError
	if c.Visibility == model.VisibilityDirect {
		participants := model.PairKey(c.MemberIDs...)
		reserve = s.session.Query(`INSERT INTO direct_channels (team_id, participants, channel_id) VALUES (?, ?, ?) IF NOT EXISTS`,
			c.TeamID, participants, c.ID)
		conflict = &store.ConflictError{Field: "users", Value: participants}
	} else {
		reserve = s.session.Query(`INSERT INTO channels_by_team (team_id, name, channel_id) VALUES (?, ?, ?) IF NOT EXISTS`,
			c.TeamID, c.Name, c.ID)
		conflict = &store.ConflictError{Field: "name", Value: c.Name}
	}
	applied, err := reserve.WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return conflict
	}
	return s.session.Query(`INSERT INTO channels (id, team_id, name, visibility, member_ids, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TeamID, c.Name, string(c.Visibility), c.MemberIDs, c.CreatedAt).WithContext(ctx).Exec()
}

func (s *Store) FindDirectChannel(ctx context.Context, teamID string, memberIDs []string) (*model.Channel, error) {
	var id string
	err := s.session.Query(`SELECT channel_id FROM direct_channels WHERE team_id = ? AND participants = ?`,
		teamID, model.PairKey(memberIDs...)).WithContext(ctx).Scan(&id)
	if err != nil {
		return nil, notFound(err)
	}
	return s.Channel(ctx, id)
}

func (s *Store) TeamChannels(ctx context.Context, teamID string) ([]model.Channel, error) {
	var ids []string
	var id string
	iter := s.session.Query(`SELECT channel_id FROM channels_by_team WHERE team_id = ?`, teamID).WithContext(ctx).Iter()
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	iter = s.session.Query(`SELECT channel_id FROM direct_channels WHERE team_id = ?`, teamID).WithContext(ctx).Iter()
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	channels := make([]model.Channel, 0, len(ids))
	for _, id := range ids {
		c, err := s.Channel(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, nil
}

func (s *Store) AddChannelMember(ctx context.Context, channelID, userID string) error {
	return s.mutateChannelMembers(ctx, `UPDATE channels SET member_ids = member_ids + ? WHERE id = ? IF EXISTS`, channelID, userID)
}

func (s *Store) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	return s.mutateChannelMembers(ctx, `UPDATE channels SET member_ids = member_ids - ? WHERE id = ? IF EXISTS`, channelID, userID)
}

func (s *Store) mutateChannelMembers(ctx context.Context, stmt, channelID, userID string) error {
	applied, err := s.session.Query(stmt, []string{userID}, channelID).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return store.ErrNotFound
	}
	return nil
}

const messageColumns = `channel_id, id, team_id, user_id, text, edited, created_at, updated_at`

func scanMessage(scan func(dest ...interface{}) bool, m *model.Message) bool {
	return scan(&m.ChannelID, &m.ID, &m.TeamID, &m.UserID, &m.Text, &m.Edited, &m.CreatedAt, &m.UpdatedAt)
}

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	return s.session.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChannelID, m.ID, m.TeamID, m.UserID, m.Text, m.Edited, m.CreatedAt, m.UpdatedAt).
		WithContext(ctx).Exec()
}

func (s *Store) Message(ctx context.Context, channelID string, id int64) (*model.Message, error) {
	m := &model.Message{}
	err := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND id = ?`, channelID, id).
		WithContext(ctx).Scan(&m.ChannelID, &m.ID, &m.TeamID, &m.UserID, &m.Text, &m.Edited, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) UpdateMessageText(ctx context.Context, channelID string, id int64, text string) (*model.Message, error) {
	applied, err := s.session.Query(`UPDATE messages SET text = ?, edited = true, updated_at = ? WHERE channel_id = ? AND id = ? IF EXISTS`,
		text, time.Now().UTC(), channelID, id).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, store.ErrNotFound
	}
	return s.Message(ctx, channelID, id)
}

func (s *Store) DeleteMessage(ctx context.Context, channelID string, id int64) error {
	applied, err := s.session.Query(`DELETE FROM messages WHERE channel_id = ? AND id = ? IF EXISTS`, channelID, id).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MessagesBefore(ctx context.Context, channelID string, before int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var q *gocql.Query
	if before > 0 {
		q = s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND id < ? LIMIT ?`, channelID, before, limit)
	} else {
		q = s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? LIMIT ?`, channelID, limit)
	}
	iter := q.WithContext(ctx).Iter()
	msgs := make([]model.Message, 0, limit)
	var m model.Message
	for scanMessage(iter.Scan, &m) {
		msgs = append(msgs, m)
		m = model.Message{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return msgs, nil
}

const directColumns = `team_id, id, sender_id, receiver_id, text, created_at`

func (s *Store) CreateDirectMessage(ctx context.Context, m *model.DirectMessage) error {
	return s.session.Query(`INSERT INTO direct_messages (thread_key, `+directColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		model.ThreadKey(m.TeamID, m.SenderID, m.ReceiverID),
		m.TeamID, m.ID, m.SenderID, m.ReceiverID, m.Text, m.CreatedAt).WithContext(ctx).Exec()
}

func (s *Store) DirectMessagesBefore(ctx context.Context, teamID, a, b string, before int64, limit int) ([]model.DirectMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := model.ThreadKey(teamID, a, b)
	var q *gocql.Query
	if before > 0 {
		q = s.session.Query(`SELECT `+directColumns+` FROM direct_messages WHERE thread_key = ? AND id < ? LIMIT ?`, key, before, limit)
	} else {
		q = s.session.Query(`SELECT `+directColumns+` FROM direct_messages WHERE thread_key = ? LIMIT ?`, key, limit)
	}
	iter := q.WithContext(ctx).Iter()
	msgs := make([]model.DirectMessage, 0, limit)
	var m model.DirectMessage
	for iter.Scan(&m.TeamID, &m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.CreatedAt) {
		msgs = append(msgs, m)
		m = model.DirectMessage{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return msgs, nil
}
