package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/authz"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/store"
)

// GeneralChannel is created with every team.
const GeneralChannel = "general"

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fieldError("name", "Must not be empty")
	}
	if len([]rune(name)) < 2 {
		return "", fieldError("name", "Name length must be at least 2 characters long")
	}
	return name, nil
}

// CreateTeam creates a team owned by actor together with its public general
// channel.
func (s *Service) CreateTeam(ctx context.Context, actor, name string) (*model.Team, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	team := &model.Team{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   actor,
		MemberIDs: []string{},
		CreatedAt: now,
	}
	general := &model.Channel{
		ID:         uuid.NewString(),
		TeamID:     team.ID,
		Name:       GeneralChannel,
		Visibility: model.VisibilityPublic,
		MemberIDs:  []string{},
		CreatedAt:  now,
	}
	if err := s.store.CreateTeam(ctx, team, general); err != nil {
		return nil, s.fail("create team", err)
	}
	return team, nil
}

// AddTeamMember is owner only. The member list is appended to atomically so
// concurrent invitations never overwrite each other.
func (s *Service) AddTeamMember(ctx context.Context, actor, teamID, userID string) (*model.User, error) {
	team, err := s.store.Team(ctx, teamID)
	if err != nil {
		return nil, s.fail("add team member", err)
	}
	if !authz.CanManageTeam(actor, team) {
		return nil, ErrNotFound
	}
	if userID == actor {
		return nil, fieldError("user_id", "A team owner cannot invite themselves")
	}
	if team.HasMember(userID) {
		return nil, fieldError("user_id", "User already in team")
	}
	u, err := s.store.User(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fieldError("user_id", "Could not find user")
	}
	if err != nil {
		return nil, s.fail("add team member", err)
	}
	if err := s.store.AddTeamMember(ctx, teamID, userID); err != nil {
		return nil, s.fail("add team member", err)
	}
	return u, nil
}

// Teams lists the teams actor owns or belongs to.
func (s *Service) Teams(ctx context.Context, actor string) ([]model.Team, error) {
	teams, err := s.store.TeamsForUser(ctx, actor)
	if err != nil {
		return nil, s.fail("list teams", err)
	}
	return teams, nil
}

// TeamMembers returns the owner followed by the members of a team the actor
// belongs to. Accounts that no longer resolve are left out.
func (s *Service) TeamMembers(ctx context.Context, actor, teamID string) ([]model.User, error) {
	ok, err := s.gate.IsTeamMember(ctx, actor, teamID)
	if err := s.allowed("team members", ok, err); err != nil {
		return nil, err
	}
	team, err := s.store.Team(ctx, teamID)
	if err != nil {
		return nil, s.fail("team members", err)
	}
	users := make([]model.User, 0, len(team.MemberIDs)+1)
	for _, id := range append([]string{team.OwnerID}, team.MemberIDs...) {
		u, err := s.store.User(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, s.fail("team members", err)
		}
		users = append(users, *u)
	}
	return users, nil
}

// Channels lists the channels of a team that actor can read.
func (s *Service) Channels(ctx context.Context, actor, teamID string) ([]model.Channel, error) {
	ok, err := s.gate.IsTeamMember(ctx, actor, teamID)
	if err := s.allowed("list channels", ok, err); err != nil {
		return nil, err
	}
	all, err := s.store.TeamChannels(ctx, teamID)
	if err != nil {
		return nil, s.fail("list channels", err)
	}
	visible := make([]model.Channel, 0, len(all))
	for _, c := range all {
		if authz.CanReadChannel(actor, &c) {
			visible = append(visible, c)
		}
	}
	return visible, nil
}

type ChannelInput struct {
	TeamID     string
	Name       string
	Visibility model.Visibility
	MemberIDs  []string
}

// CreateChannel creates a public or private channel (owner only) or returns
// the direct channel for a participant set, creating it on first use. Any
// team member may open a direct channel with other members.
func (s *Service) CreateChannel(ctx context.Context, actor string, in ChannelInput) (*model.Channel, error) {
	if in.Visibility == model.VisibilityDirect {
		return s.directChannel(ctx, actor, in)
	}
	if in.Visibility != model.VisibilityPublic && in.Visibility != model.VisibilityPrivate {
		return nil, fieldError("visibility", "Must be public, private or direct")
	}
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	ok, err := s.gate.CanManageTeam(ctx, actor, in.TeamID)
	if err := s.allowed("create channel", ok, err); err != nil {
		return nil, err
	}

	members := []string{}
	if in.Visibility == model.VisibilityPrivate {
		members = participants(actor, in.MemberIDs)
		ok, err := s.gate.AreTeamMembers(ctx, in.TeamID, members...)
		if err != nil {
			return nil, s.fail("create channel", err)
		}
		if !ok {
			return nil, fieldError("member_ids", "Every member must belong to this team")
		}
	}
	ch := &model.Channel{
		ID:         uuid.NewString(),
		TeamID:     in.TeamID,
		Name:       name,
		Visibility: in.Visibility,
		MemberIDs:  members,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateChannel(ctx, ch); err != nil {
		return nil, s.fail("create channel", err)
	}
	return ch, nil
}

func participants(actor string, ids []string) []string {
	out := []string{actor}
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) directChannel(ctx context.Context, actor string, in ChannelInput) (*model.Channel, error) {
	members := participants(actor, in.MemberIDs)
	if len(members) < 2 {
		return nil, fieldError("users", "Pick at least one other member")
	}
	ok, err := s.gate.AreTeamMembers(ctx, in.TeamID, members...)
	if err := s.allowed("direct channel", ok, err); err != nil {
		return nil, err
	}
	if existing, err := s.store.FindDirectChannel(ctx, in.TeamID, members); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, s.fail("direct channel", err)
	}

	names := make([]string, 0, len(members))
	for _, id := range members {
		names = append(names, s.username(ctx, id))
	}
	slices.Sort(names)
	ch := &model.Channel{
		ID:         uuid.NewString(),
		TeamID:     in.TeamID,
		Name:       strings.Join(names, ", "),
		Visibility: model.VisibilityDirect,
		MemberIDs:  members,
		CreatedAt:  time.Now().UTC(),
	}
	err = s.store.CreateChannel(ctx, ch)
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		// lost a race with another creator of the same channel
		existing, err := s.store.FindDirectChannel(ctx, in.TeamID, members)
		if err != nil {
			return nil, s.fail("direct channel", err)
		}
		return existing, nil
	}
	if err != nil {
		return nil, s.fail("direct channel", err)
	}
	return ch, nil
}

// AddChannelMember adds userID to a private channel (owner only).
func (s *Service) AddChannelMember(ctx context.Context, actor, channelID, userID string) error {
	ch, err := s.managedChannel(ctx, actor, channelID)
	if err != nil {
		return err
	}
	ok, err := s.gate.IsTeamMember(ctx, userID, ch.TeamID)
	if err != nil {
		return s.fail("add channel member", err)
	}
	if !ok {
		return fieldError("user_id", "User is not a member of this team")
	}
	if err := s.store.AddChannelMember(ctx, channelID, userID); err != nil {
		return s.fail("add channel member", err)
	}
	return nil
}

// RemoveChannelMember takes effect on the very next event delivered to the
// removed user's live subscriptions.
func (s *Service) RemoveChannelMember(ctx context.Context, actor, channelID, userID string) error {
	if _, err := s.managedChannel(ctx, actor, channelID); err != nil {
		return err
	}
	if err := s.store.RemoveChannelMember(ctx, channelID, userID); err != nil {
		return s.fail("remove channel member", err)
	}
	return nil
}

func (s *Service) managedChannel(ctx context.Context, actor, channelID string) (*model.Channel, error) {
	ch, err := s.store.Channel(ctx, channelID)
	if err != nil {
		return nil, s.fail("load channel", err)
	}
	ok, err := s.gate.CanManageTeam(ctx, actor, ch.TeamID)
	if err := s.allowed("load channel", ok, err); err != nil {
		return nil, err
	}
	if ch.Visibility == model.VisibilityDirect {
		return nil, fieldError("channel_id", "Direct channel members cannot change")
	}
	return ch, nil
}

// TeamPresence returns the members of a team, owner included, that are
// online right now.
func (s *Service) TeamPresence(ctx context.Context, actor, teamID string) ([]string, error) {
	team, err := s.store.Team(ctx, teamID)
	if err != nil {
		return nil, s.fail("team presence", err)
	}
	if !authz.IsTeamMember(actor, team) {
		return nil, ErrNotFound
	}
	online, err := s.presence.OnlineUsers(ctx, append([]string{team.OwnerID}, team.MemberIDs...))
	if err != nil {
		s.log.Error("Presence lookup failed", zap.String("team_id", teamID), zap.Error(err))
		return nil, ErrUnavailable
	}
	if online == nil {
		online = []string{}
	}
	return online, nil
}
