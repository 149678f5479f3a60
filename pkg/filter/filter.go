// Package filter decides, per event and per subscriber, whether a bus event is
// delivered. Every decision re-reads authorization state: a subscriber who
// loses access stops receiving events on the next one, without resubscribing.
package filter

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/metrics"
	"github.com/mahaj/teamchat/pkg/model"
)

// Gate is the subset of authz.Gate the filters consult.
type Gate interface {
	CanReadChannel(ctx context.Context, userID, channelID string) (bool, error)
	AreTeamMembers(ctx context.Context, teamID string, userIDs ...string) (bool, error)
	TeamExists(ctx context.Context, teamID string) (bool, error)
}

type Filter interface {
	// Kind labels the filter in logs and metrics.
	Kind() string
	Match(ctx context.Context, env model.Envelope) bool
}

// decide turns a gate answer into a forward/drop decision. Store failures
// drop the event; a missing resource already arrives as ok == false.
func decide(log *zap.Logger, kind string, env model.Envelope, ok bool, err error) bool {
	if err != nil {
		metrics.EventsFiltered.WithLabelValues(kind, "error").Inc()
		log.Warn("Dropping event after authorization lookup failed",
			zap.String("kind", kind),
			zap.String("topic", string(env.Topic)),
			zap.Error(err))
		return false
	}
	if ok {
		metrics.EventsFiltered.WithLabelValues(kind, "forward").Inc()
	} else {
		metrics.EventsFiltered.WithLabelValues(kind, "drop").Inc()
	}
	return ok
}

func mismatch(kind string) bool {
	metrics.EventsFiltered.WithLabelValues(kind, "mismatch").Inc()
	return false
}

// ChannelMessages forwards created, edited or deleted messages of one channel
// while the subscriber can read it.
type ChannelMessages struct {
	Gate      Gate
	UserID    string
	ChannelID string
	Log       *zap.Logger
}

func (f *ChannelMessages) Kind() string { return "channel" }

func (f *ChannelMessages) Match(ctx context.Context, env model.Envelope) bool {
	if env.Keys.ChannelID != f.ChannelID {
		return mismatch(f.Kind())
	}
	ok, err := f.Gate.CanReadChannel(ctx, f.UserID, f.ChannelID)
	return decide(f.Log, f.Kind(), env, ok, err)
}

// DirectMessages forwards the thread between the subscriber and OtherUserID
// in one team, in either direction.
type DirectMessages struct {
	Gate        Gate
	UserID      string
	TeamID      string
	OtherUserID string
	Log         *zap.Logger
}

func (f *DirectMessages) Kind() string { return "direct" }

func (f *DirectMessages) Match(ctx context.Context, env model.Envelope) bool {
	if env.Keys.TeamID != f.TeamID {
		return mismatch(f.Kind())
	}
	if model.PairKey(env.Keys.SenderID, env.Keys.ReceiverID) != model.PairKey(f.UserID, f.OtherUserID) {
		return mismatch(f.Kind())
	}
	ok, err := f.Gate.TeamExists(ctx, f.TeamID)
	return decide(f.Log, f.Kind(), env, ok, err)
}

// Typing forwards typing state changes in one channel. It remembers who it
// last reported as typing and suppresses a repeated start. A forwarded stop
// forgets the user, so the set only holds users currently typing.
// Not safe for concurrent use; a Stream calls it from one goroutine.
type Typing struct {
	Gate      Gate
	UserID    string
	ChannelID string
	Log       *zap.Logger

	typing map[string]struct{}
}

func (f *Typing) Kind() string { return "typing" }

func (f *Typing) Match(ctx context.Context, env model.Envelope) bool {
	if env.Keys.ChannelID != f.ChannelID {
		return mismatch(f.Kind())
	}
	var ev model.TypingEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		f.Log.Warn("Dropping malformed typing event", zap.Error(err))
		return mismatch(f.Kind())
	}
	if _, seen := f.typing[ev.UserID]; seen && ev.Typing {
		metrics.EventsFiltered.WithLabelValues(f.Kind(), "duplicate").Inc()
		return false
	}
	ok, err := f.Gate.CanReadChannel(ctx, f.UserID, f.ChannelID)
	if !decide(f.Log, f.Kind(), env, ok, err) {
		return false
	}
	if !ev.Typing {
		delete(f.typing, ev.UserID)
		return true
	}
	if f.typing == nil {
		f.typing = make(map[string]struct{})
	}
	f.typing[ev.UserID] = struct{}{}
	return true
}

// Presence forwards online/offline changes of the subscriber's teammates.
// Both the subscriber and the changed user must belong to TeamID, and the
// subscriber never sees their own changes.
type Presence struct {
	Gate   Gate
	UserID string
	TeamID string
	Log    *zap.Logger
}

func (f *Presence) Kind() string { return "presence" }

func (f *Presence) Match(ctx context.Context, env model.Envelope) bool {
	changed := env.Keys.UserID
	if changed == "" || changed == f.UserID {
		return mismatch(f.Kind())
	}
	ok, err := f.Gate.AreTeamMembers(ctx, f.TeamID, f.UserID, changed)
	return decide(f.Log, f.Kind(), env, ok, err)
}
