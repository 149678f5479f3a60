// Package memory is an in-process store.Store used by tests and single-node
// development. Every method takes the store mutex, which gives the same
// single-document atomicity the scylla store gets from the database.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/store"
)

type Store struct {
	mu           sync.RWMutex
	users        map[string]model.User
	logins       map[string]string // lowercased username or email -> user_id
	teams        map[string]model.Team
	channels     map[string]model.Channel
	channelNames map[string]string // team_id/name -> channel_id
	directs      map[string]string // team_id/pair -> channel_id
	messages     map[string][]model.Message
	threads      map[string][]model.DirectMessage
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:        make(map[string]model.User),
		logins:       make(map[string]string),
		teams:        make(map[string]model.Team),
		channels:     make(map[string]model.Channel),
		channelNames: make(map[string]string),
		directs:      make(map[string]string),
		messages:     make(map[string][]model.Message),
		threads:      make(map[string][]model.DirectMessage),
	}
}

func (s *Store) User(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return &store.ConflictError{Field: "id", Value: u.ID}
	}
	keys := map[string]string{"username": strings.ToLower(u.Username), "email": strings.ToLower(u.Email)}
	for _, field := range []string{"username", "email"} {
		if _, taken := s.logins[keys[field]]; keys[field] != "" && taken {
			return &store.ConflictError{Field: field, Value: keys[field]}
		}
	}
	for _, key := range keys {
		if key != "" {
			s.logins[key] = u.ID
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) UserByLogin(_ context.Context, login string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.logins[strings.ToLower(login)]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) BumpTokenVersion(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.TokenVersion++
	s.users[userID] = u
	return nil
}

func (s *Store) Team(_ context.Context, id string) (*model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	t.MemberIDs = slices.Clone(t.MemberIDs)
	return &t, nil
}

func (s *Store) CreateTeam(_ context.Context, t *model.Team, general *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.teams {
		if existing.OwnerID == t.OwnerID && existing.Name == t.Name {
			return &store.ConflictError{Field: "name", Value: t.Name}
		}
	}
	team := *t
	team.MemberIDs = slices.Clone(t.MemberIDs)
	s.teams[t.ID] = team
	if general != nil {
		s.putChannelLocked(general)
	}
	return nil
}

func (s *Store) AddTeamMember(_ context.Context, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(t.MemberIDs, userID) {
		t.MemberIDs = append(slices.Clone(t.MemberIDs), userID)
	}
	s.teams[teamID] = t
	return nil
}

func (s *Store) TeamsForUser(_ context.Context, userID string) ([]model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Team
	for _, t := range s.teams {
		if t.HasMember(userID) {
			t.MemberIDs = slices.Clone(t.MemberIDs)
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Channel(_ context.Context, id string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.MemberIDs = slices.Clone(c.MemberIDs)
	return &c, nil
}

func (s *Store) CreateChannel(_ context.Context, c *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Visibility == model.VisibilityDirect {
		key := c.TeamID + "/" + model.PairKey(c.MemberIDs...)
		if _, ok := s.directs[key]; ok {
			return &store.ConflictError{Field: "users", Value: model.PairKey(c.MemberIDs...)}
		}
		s.directs[key] = c.ID
	} else if _, ok := s.channelNames[c.TeamID+"/"+c.Name]; ok {
		return &store.ConflictError{Field: "name", Value: c.Name}
	}
	s.putChannelLocked(c)
	return nil
}

func (s *Store) putChannelLocked(c *model.Channel) {
	ch := *c
	ch.MemberIDs = slices.Clone(c.MemberIDs)
	s.channels[c.ID] = ch
	if c.Visibility != model.VisibilityDirect {
		s.channelNames[c.TeamID+"/"+c.Name] = c.ID
	}
}

func (s *Store) FindDirectChannel(_ context.Context, teamID string, memberIDs []string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.directs[teamID+"/"+model.PairKey(memberIDs...)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := s.channels[id]
	c.MemberIDs = slices.Clone(c.MemberIDs)
	return &c, nil
}

func (s *Store) TeamChannels(_ context.Context, teamID string) ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Channel
	for _, c := range s.channels {
		if c.TeamID == teamID {
			c.MemberIDs = slices.Clone(c.MemberIDs)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) AddChannelMember(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(c.MemberIDs, userID) {
		c.MemberIDs = append(slices.Clone(c.MemberIDs), userID)
	}
	s.channels[channelID] = c
	return nil
}

func (s *Store) RemoveChannelMember(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return store.ErrNotFound
	}
	c.MemberIDs = slices.DeleteFunc(slices.Clone(c.MemberIDs), func(id string) bool { return id == userID })
	s.channels[channelID] = c
	return nil
}

func (s *Store) CreateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[m.ChannelID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= m.ID })
	if i < len(msgs) && msgs[i].ID == m.ID {
		return &store.ConflictError{Field: "id", Value: "message"}
	}
	s.messages[m.ChannelID] = slices.Insert(msgs, i, *m)
	return nil
}

func (s *Store) Message(_ context.Context, channelID string, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.findMessageLocked(channelID, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	m := s.messages[channelID][i]
	return &m, nil
}

func (s *Store) UpdateMessageText(_ context.Context, channelID string, id int64, text string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findMessageLocked(channelID, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	m := &s.messages[channelID][i]
	m.Text = text
	m.Edited = true
	m.UpdatedAt = nowUTC()
	out := *m
	return &out, nil
}

func (s *Store) DeleteMessage(_ context.Context, channelID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findMessageLocked(channelID, id)
	if !ok {
		return store.ErrNotFound
	}
	s.messages[channelID] = slices.Delete(s.messages[channelID], i, i+1)
	if len(s.messages[channelID]) == 0 {
		delete(s.messages, channelID)
	}
	return nil
}

func (s *Store) findMessageLocked(channelID string, id int64) (int, bool) {
	msgs := s.messages[channelID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= id })
	return i, i < len(msgs) && msgs[i].ID == id
}

func (s *Store) MessagesBefore(_ context.Context, channelID string, before int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	msgs := s.messages[channelID]
	end := len(msgs)
	if before > 0 {
		end = sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= before })
	}
	out := make([]model.Message, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

func (s *Store) CreateDirectMessage(_ context.Context, m *model.DirectMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.ThreadKey(m.TeamID, m.SenderID, m.ReceiverID)
	msgs := s.threads[key]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= m.ID })
	s.threads[key] = slices.Insert(msgs, i, *m)
	return nil
}

func (s *Store) DirectMessagesBefore(_ context.Context, teamID, a, b string, before int64, limit int) ([]model.DirectMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	msgs := s.threads[model.ThreadKey(teamID, a, b)]
	end := len(msgs)
	if before > 0 {
		end = sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= before })
	}
	out := make([]model.DirectMessage, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
