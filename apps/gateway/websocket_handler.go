package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mahaj/teamchat/pkg/auth"
	"github.com/mahaj/teamchat/pkg/chat"
	"github.com/mahaj/teamchat/pkg/filter"
	"github.com/mahaj/teamchat/pkg/lifecycle"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16 << 10

	// Outbound frames buffered per client before it counts as too slow.
	sendBuffer = 256

	// Sustained and burst request rate per client.
	requestRate  = 20
	requestBurst = 40

	closeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Client is a middleman between the websocket connection and the chat
// service.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// The authenticated lifecycle connection; owns presence and streams.
	session *lifecycle.Connection
	userID  string

	// Buffered channel of outbound frames. Never closed; done signals the end.
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once

	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, session *lifecycle.Connection) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:     hub,
		conn:    conn,
		session: session,
		userID:  session.UserID(),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(requestRate, requestBurst),
		ctx:     ctx,
		cancel:  cancel,
		log:     hub.log.With(zap.String("conn_id", session.ID), zap.String("user_id", session.UserID())),
	}
}

// stop asks writePump to close the socket, which in turn ends readPump.
func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// readPump pumps requests from the websocket connection to the chat service.
func (c *Client) readPump() {
	defer func() {
		c.stop()
		c.hub.remove(c)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := c.session.Close(ctx); err != nil {
			c.log.Warn("Session close failed", zap.Error(err))
		}
		cancel()
		c.cancel()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("Read failed", zap.Error(err))
			}
			return
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			c.enqueue(frame{Type: frameError, Error: "malformed request"})
			continue
		}
		if !c.limiter.Allow() {
			c.enqueue(frame{Type: frameError, Ref: req.Ref, Error: "rate limit exceeded"})
			continue
		}
		c.enqueue(c.handle(req))
	}
}

// writePump pumps frames to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue queues f for writePump. A client whose buffer is full is
// disconnected rather than allowed to stall its streams.
func (c *Client) enqueue(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("Failed to marshal frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("Client too slow, disconnecting")
		c.stop()
	}
}

// forward relays a stream's events until the stream is closed.
func (c *Client) forward(stream *filter.Stream) {
	for env := range stream.C {
		c.enqueue(eventFrame(stream.ID, env))
	}
}

func (c *Client) handle(req request) frame {
	ctx := c.ctx
	switch req.Op {
	case opSubscribe:
		stream, err := c.subscribe(ctx, req)
		if err != nil {
			return c.reply(req, nil, err)
		}
		go c.forward(stream)
		return frame{Type: frameAck, Ref: req.Ref, SubscriptionID: stream.ID}

	case opUnsubscribe:
		if !c.session.Untrack(req.SubscriptionID) {
			return c.reply(req, nil, chat.ErrNotFound)
		}
		return frame{Type: frameAck, Ref: req.Ref, SubscriptionID: req.SubscriptionID}

	case opSend:
		msg, err := c.hub.service.CreateMessage(ctx, c.userID, req.TeamID, req.ChannelID, req.Text)
		return c.reply(req, msg, err)

	case opEdit:
		msg, err := c.hub.service.EditMessage(ctx, c.userID, req.ChannelID, req.MessageID, req.Text)
		return c.reply(req, msg, err)

	case opDelete:
		return c.reply(req, nil, c.hub.service.DeleteMessage(ctx, c.userID, req.ChannelID, req.MessageID))

	case opDirect:
		dm, err := c.hub.service.CreateDirectMessage(ctx, c.userID, req.TeamID, req.UserID, req.Text)
		return c.reply(req, dm, err)

	case opTyping:
		ev, err := c.hub.service.SetTyping(ctx, c.userID, req.ChannelID, req.Typing)
		return c.reply(req, ev, err)

	case opTypingUsers:
		users, err := c.hub.service.TypingUsers(ctx, c.userID, req.ChannelID)
		return c.reply(req, users, err)

	case opPresence:
		users, err := c.hub.service.TeamPresence(ctx, c.userID, req.TeamID)
		return c.reply(req, users, err)

	default:
		return frame{Type: frameError, Ref: req.Ref, Error: "unknown op"}
	}
}

func (c *Client) subscribe(ctx context.Context, req request) (*filter.Stream, error) {
	svc := c.hub.service
	switch req.Kind {
	case kindChannel:
		return svc.SubscribeChannelMessages(ctx, c.session, req.ChannelID)
	case kindChannelEdited:
		return svc.SubscribeEditedMessages(ctx, c.session, req.ChannelID)
	case kindChannelDeleted:
		return svc.SubscribeDeletedMessages(ctx, c.session, req.ChannelID)
	case kindDirect:
		return svc.SubscribeDirectMessages(ctx, c.session, req.TeamID, req.UserID)
	case kindPresence:
		return svc.SubscribePresence(ctx, c.session, req.TeamID)
	case kindTyping:
		return svc.SubscribeTyping(ctx, c.session, req.ChannelID)
	default:
		return nil, chat.FieldErrors{{Field: "kind", Message: "Unknown subscription kind"}}
	}
}

// reply turns a service result into an ack or an error frame. A write whose
// live event was lost is still acknowledged, with a warning.
func (c *Client) reply(req request, data any, err error) frame {
	if err == nil {
		return frame{Type: frameAck, Ref: req.Ref, Data: data}
	}
	if errors.Is(err, chat.ErrDeliveryLost) {
		return frame{Type: frameAck, Ref: req.Ref, Data: data, Warning: err.Error()}
	}

	f := frame{Type: frameError, Ref: req.Ref}
	var fields chat.FieldErrors
	switch {
	case errors.As(err, &fields):
		f.Error = "invalid input"
		f.Fields = fields
	case errors.Is(err, chat.ErrNotFound):
		f.Error = "not found"
	case errors.Is(err, chat.ErrUnauthenticated):
		f.Error = "unauthenticated"
	case errors.Is(err, chat.ErrUnavailable):
		f.Error = "service temporarily unavailable"
	default:
		c.log.Error("Request failed", zap.String("op", req.Op), zap.Error(err))
		f.Error = "internal error"
	}
	return f
}

// serveWs authenticates the request, upgrades it and starts the pumps.
// Identity comes from the bearer token (header or token query parameter) or,
// failing that, the refresh cookie.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	bearer := auth.BearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		// Try query param as fallback (standard for some WS clients)
		bearer = r.URL.Query().Get("token")
	}
	var refresh string
	if cookie, err := r.Cookie(auth.RefreshCookieName); err == nil {
		refresh = cookie.Value
	}

	session := hub.manager.Open()
	if err := session.Authenticate(r.Context(), bearer, refresh); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Info("Upgrade failed", zap.Error(err))
		_ = session.Close(context.Background())
		return
	}

	abort := func(code int, reason string) {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		conn.Close()
		_ = session.Close(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := session.Activate(ctx); err != nil {
		hub.log.Error("Activation failed", zap.String("conn_id", session.ID), zap.Error(err))
		abort(websocket.CloseInternalServerErr, "presence unavailable")
		return
	}

	client := newClient(hub, conn, session)
	if !hub.add(client) {
		abort(websocket.CloseGoingAway, "shutting down")
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
