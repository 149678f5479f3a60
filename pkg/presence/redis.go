package presence

import (
	"context"
	"errors"
	"slices"

	"github.com/redis/go-redis/v9"
)

// Connection counts live in one hash so HINCRBY keeps them atomic across
// gateway nodes. Typing uses a set per channel plus a reverse set per user.
var (
	disconnectScript = redis.NewScript(`
local n = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if n <= 0 then
	return -1
end
if n == 1 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 0
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
`)

	startTypingScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return added
`)

	stopTypingScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[2])
return removed
`)

	clearTypingScript = redis.NewScript(`
local chans = redis.call('SMEMBERS', KEYS[1])
local out = {}
for _, c in ipairs(chans) do
	if redis.call('SREM', ARGV[1] .. c, ARGV[2]) == 1 then
		table.insert(out, c)
	end
end
redis.call('DEL', KEYS[1])
return out
`)
)

// Redis is a Store shared by every gateway node.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) connsKey() string                   { return r.prefix + ":presence:conns" }
func (r *Redis) channelPrefix() string              { return r.prefix + ":typing:ch:" }
func (r *Redis) channelKey(channelID string) string { return r.channelPrefix() + channelID }
func (r *Redis) userKey(userID string) string       { return r.prefix + ":typing:user:" + userID }

func (r *Redis) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.HIncrBy(ctx, r.connsKey(), userID, 1).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := disconnectScript.Run(ctx, r.client, []string{r.connsKey()}, userID).Int64()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (r *Redis) Online(ctx context.Context, userID string) (bool, error) {
	return r.client.HExists(ctx, r.connsKey(), userID).Result()
}

func (r *Redis) OnlineUsers(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, r.connsKey(), userIDs...).Result()
	if err != nil {
		return nil, err
	}
	var online []string
	for i, v := range vals {
		if v != nil && !slices.Contains(online, userIDs[i]) {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

func (r *Redis) StartTyping(ctx context.Context, channelID, userID string) (bool, error) {
	n, err := startTypingScript.Run(ctx, r.client,
		[]string{r.channelKey(channelID), r.userKey(userID)}, userID, channelID).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) StopTyping(ctx context.Context, channelID, userID string) (bool, error) {
	n, err := stopTypingScript.Run(ctx, r.client,
		[]string{r.channelKey(channelID), r.userKey(userID)}, userID, channelID).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Typing(ctx context.Context, channelID string) ([]string, error) {
	users, err := r.client.SMembers(ctx, r.channelKey(channelID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(users)
	return users, nil
}

func (r *Redis) ClearTyping(ctx context.Context, userID string) ([]string, error) {
	chans, err := clearTypingScript.Run(ctx, r.client,
		[]string{r.userKey(userID)}, r.channelPrefix(), userID).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slices.Sort(chans)
	return chans, nil
}
