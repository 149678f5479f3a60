// Package presence keeps the ephemeral online and typing state. Nothing here
// is written to the durable store.
package presence

import "context"

// Store tracks per-user live connection counts and per-channel typing sets.
// Records are created on first use and removed once they return to empty.
type Store interface {
	// Connect increments the user's connection count and reports whether it
	// went from zero to one.
	Connect(ctx context.Context, userID string) (bool, error)
	// Disconnect decrements the count and reports whether it reached zero.
	// Disconnecting a user with no connections is a no-op returning false.
	Disconnect(ctx context.Context, userID string) (bool, error)
	Online(ctx context.Context, userID string) (bool, error)
	// OnlineUsers returns the subset of userIDs that are online, in input order.
	OnlineUsers(ctx context.Context, userIDs []string) ([]string, error)

	// StartTyping reports whether the user was newly added to the channel set.
	StartTyping(ctx context.Context, channelID, userID string) (bool, error)
	// StopTyping reports whether the user was removed from the channel set.
	StopTyping(ctx context.Context, channelID, userID string) (bool, error)
	Typing(ctx context.Context, channelID string) ([]string, error)
	// ClearTyping removes the user from every typing set and returns the
	// channels they were removed from.
	ClearTyping(ctx context.Context, userID string) ([]string, error)
}
