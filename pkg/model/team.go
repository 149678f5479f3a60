package model

import (
	"slices"
	"time"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	TokenVersion int       `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	MemberIDs []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether userID owns the team or is in its member list.
func (t *Team) HasMember(userID string) bool {
	if t == nil || userID == "" {
		return false
	}
	return t.OwnerID == userID || slices.Contains(t.MemberIDs, userID)
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityDirect  Visibility = "direct"
)

type Channel struct {
	ID         string     `json:"id"`
	TeamID     string     `json:"team_id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	MemberIDs  []string   `json:"member_ids"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (c *Channel) Public() bool {
	return c != nil && c.Visibility == VisibilityPublic
}

func (c *Channel) HasMember(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	return slices.Contains(c.MemberIDs, userID)
}
