// Package authz answers whether a user may read or write a channel or act on a
// team. The pure predicates take already-loaded resources; Gate loads them from
// the store on every call and never caches.
package authz

import (
	"context"
	"errors"

	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/store"
)

// CanReadChannel is true for public channels and for listed members.
func CanReadChannel(userID string, c *model.Channel) bool {
	if c == nil || userID == "" {
		return false
	}
	return c.Public() || c.HasMember(userID)
}

// CanWriteChannel has the same rule as reading.
func CanWriteChannel(userID string, c *model.Channel) bool {
	return CanReadChannel(userID, c)
}

func IsTeamMember(userID string, t *model.Team) bool {
	return t.HasMember(userID)
}

func CanManageTeam(userID string, t *model.Team) bool {
	return t != nil && userID != "" && t.OwnerID == userID
}

// Gate is the store-backed form of the predicates. A missing resource is
// reported as false with a nil error; any other store failure is returned.
type Gate struct {
	store store.Reader
}

func NewGate(r store.Reader) *Gate {
	return &Gate{store: r}
}

// CanReadChannel loads the channel and, for public channels, the owning team:
// public means readable by any member of the team.
func (g *Gate) CanReadChannel(ctx context.Context, userID, channelID string) (bool, error) {
	c, err := g.store.Channel(ctx, channelID)
	if err != nil {
		return false, missing(err)
	}
	if c.HasMember(userID) {
		return true, nil
	}
	if !c.Public() {
		return false, nil
	}
	return g.IsTeamMember(ctx, userID, c.TeamID)
}

func (g *Gate) CanWriteChannel(ctx context.Context, userID, channelID string) (bool, error) {
	return g.CanReadChannel(ctx, userID, channelID)
}

func (g *Gate) IsTeamMember(ctx context.Context, userID, teamID string) (bool, error) {
	t, err := g.store.Team(ctx, teamID)
	if err != nil {
		return false, missing(err)
	}
	return IsTeamMember(userID, t), nil
}

func (g *Gate) CanManageTeam(ctx context.Context, userID, teamID string) (bool, error) {
	t, err := g.store.Team(ctx, teamID)
	if err != nil {
		return false, missing(err)
	}
	return CanManageTeam(userID, t), nil
}

// AreTeamMembers loads the team once and checks every user against it.
func (g *Gate) AreTeamMembers(ctx context.Context, teamID string, userIDs ...string) (bool, error) {
	t, err := g.store.Team(ctx, teamID)
	if err != nil {
		return false, missing(err)
	}
	for _, id := range userIDs {
		if !IsTeamMember(id, t) {
			return false, nil
		}
	}
	return true, nil
}

// TeamExists is used by the direct-message filter.
func (g *Gate) TeamExists(ctx context.Context, teamID string) (bool, error) {
	_, err := g.store.Team(ctx, teamID)
	if err != nil {
		return false, missing(err)
	}
	return true, nil
}

func missing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
