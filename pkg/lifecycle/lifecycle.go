// Package lifecycle binds a live connection to an identity and drives the
// presence and typing state that depends on it.
//
// A connection moves Connecting -> Authenticated -> Active -> Closed. Only
// Active connections count towards presence; Closed is terminal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/auth"
	"github.com/mahaj/teamchat/pkg/eventbus"
	"github.com/mahaj/teamchat/pkg/metrics"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/presence"
)

var (
	ErrUnauthenticated = errors.New("lifecycle: unauthenticated")
	ErrInvalidState    = errors.New("lifecycle: invalid state transition")
	ErrClosed          = errors.New("lifecycle: connection closed")
)

type State int

const (
	Connecting State = iota
	Authenticated
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type TokenVerifier interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
	ValidateRefreshToken(token string) (*auth.Claims, error)
}

// Users resolves the account behind a refresh token.
type Users interface {
	User(ctx context.Context, id string) (*model.User, error)
}

// Detacher is anything a connection owns and must release on close, such as
// a filtered subscription stream.
type Detacher interface {
	Close()
}

const lockShards = 64

type Manager struct {
	tokens   TokenVerifier
	users    Users
	presence presence.Store
	bus      eventbus.Publisher
	log      *zap.Logger
	now      func() time.Time

	// presence transitions and their publishes for one user never interleave
	locks [lockShards]sync.Mutex

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewManager(tokens TokenVerifier, users Users, ps presence.Store, bus eventbus.Publisher, log *zap.Logger) *Manager {
	return &Manager{
		tokens:   tokens,
		users:    users,
		presence: ps,
		bus:      bus,
		log:      log,
		now:      time.Now,
		conns:    make(map[string]*Connection),
	}
}

func (m *Manager) lockUser(userID string) func() {
	mu := &m.locks[xxhash.Sum64String(userID)%lockShards]
	mu.Lock()
	return mu.Unlock
}

// Open registers a new connection in the Connecting state.
func (m *Manager) Open() *Connection {
	c := &Connection{
		ID:       uuid.NewString(),
		m:        m,
		state:    Connecting,
		tracked:  make(map[string]Detacher),
		openedAt: m.now(),
	}
	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
	metrics.Connections.Inc()
	return c
}

// Len is the number of connections not yet closed.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown closes every open connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	delete(m.conns, c.ID)
	m.mu.Unlock()
	metrics.Connections.Dec()
}

func (m *Manager) publish(ctx context.Context, topic model.Topic, keys model.RoutingKeys, payload any) {
	env, err := model.NewEnvelope(topic, keys, payload)
	if err == nil {
		err = m.bus.Publish(ctx, env)
	}
	if err != nil {
		m.log.Warn("Live delivery lost",
			zap.String("topic", string(topic)),
			zap.String("user_id", keys.UserID),
			zap.Error(err))
	}
}

// Connection is one live client connection.
type Connection struct {
	ID string

	m        *Manager
	openedAt time.Time

	mu       sync.Mutex
	state    State
	userID   string
	username string
	tracked  map[string]Detacher
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Authenticate resolves the identity from the bearer access token, falling
// back to the refresh token from the nwid cookie. When both fail the
// connection is closed and ErrUnauthenticated is returned.
func (c *Connection) Authenticate(ctx context.Context, bearer, refreshCookie string) error {
	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.mu.Unlock()

	userID, username, err := c.m.identify(ctx, bearer, refreshCookie)
	if err != nil {
		c.m.log.Info("Connection rejected", zap.String("conn_id", c.ID), zap.Error(err))
		_ = c.Close(ctx)
		return ErrUnauthenticated
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting {
		return ErrClosed
	}
	c.userID, c.username = userID, username
	c.state = Authenticated
	return nil
}

func (m *Manager) identify(ctx context.Context, bearer, refreshCookie string) (string, string, error) {
	claims, accessErr := m.tokens.ValidateAccessToken(bearer)
	if accessErr == nil && claims.UserID != "" {
		return claims.UserID, claims.Username, nil
	}

	claims, err := m.tokens.ValidateRefreshToken(refreshCookie)
	if err != nil {
		return "", "", errors.Join(accessErr, err)
	}
	u, err := m.users.User(ctx, claims.UserID)
	if err != nil {
		return "", "", fmt.Errorf("refresh token user: %w", err)
	}
	if claims.TokenVersion < u.TokenVersion {
		return "", "", fmt.Errorf("refresh token revoked for %s", u.ID)
	}
	return u.ID, u.Username, nil
}

// Activate counts the connection towards the user's presence and announces
// the user online if this is their first live connection.
func (c *Connection) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Authenticated {
		return ErrInvalidState
	}

	unlock := c.m.lockUser(c.userID)
	defer unlock()
	crossed, err := c.m.presence.Connect(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("presence connect: %w", err)
	}
	c.state = Active
	if crossed {
		metrics.OnlineUsers.Inc()
		c.m.publish(ctx, model.TopicUserStatus, model.RoutingKeys{UserID: c.userID},
			model.PresenceChange{UserID: c.userID, Username: c.username, Online: true, At: c.m.now().UTC()})
	}
	c.m.log.Debug("Connection active", zap.String("conn_id", c.ID), zap.String("user_id", c.userID), zap.Bool("first", crossed))
	return nil
}

// Track registers d under key so Close releases it. A key already in use is
// replaced and the previous holder closed. On a closed connection d is closed
// immediately and ErrClosed returned.
func (c *Connection) Track(key string, d Detacher) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		d.Close()
		return ErrClosed
	}
	prev := c.tracked[key]
	c.tracked[key] = d
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Untrack closes and forgets the detacher under key.
func (c *Connection) Untrack(key string) bool {
	c.mu.Lock()
	d, ok := c.tracked[key]
	delete(c.tracked, key)
	c.mu.Unlock()
	if ok {
		d.Close()
	}
	return ok
}

// Close detaches every tracked subscription before touching presence, so no
// event is delivered on this connection after Close returns. Only a
// connection that reached Active decrements presence. Close is idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = Closed
	tracked := c.tracked
	c.tracked = make(map[string]Detacher)
	userID, username := c.userID, c.username
	c.mu.Unlock()

	for _, d := range tracked {
		d.Close()
	}
	defer c.m.forget(c)

	if prev != Active {
		return nil
	}

	var errs []error
	unlock := c.m.lockUser(userID)
	crossed, err := c.m.presence.Disconnect(ctx, userID)
	if err != nil {
		errs = append(errs, fmt.Errorf("presence disconnect: %w", err))
	} else if crossed {
		metrics.OnlineUsers.Dec()
		c.m.publish(ctx, model.TopicUserStatus, model.RoutingKeys{UserID: userID},
			model.PresenceChange{UserID: userID, Username: username, Online: false, At: c.m.now().UTC()})
	}
	unlock()

	channels, err := c.m.presence.ClearTyping(ctx, userID)
	if err != nil {
		errs = append(errs, fmt.Errorf("clear typing: %w", err))
	}
	for _, channelID := range channels {
		c.m.publish(ctx, model.TopicTyping, model.RoutingKeys{ChannelID: channelID, UserID: userID},
			model.TypingEvent{ChannelID: channelID, UserID: userID, Username: username, Typing: false})
	}

	c.m.log.Debug("Connection closed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", userID),
		zap.Duration("lifetime", c.m.now().Sub(c.openedAt)),
		zap.Bool("last", crossed))
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.m.log.Warn("Connection cleanup incomplete", zap.String("conn_id", c.ID), zap.Error(err))
		return err
	}
	return nil
}
