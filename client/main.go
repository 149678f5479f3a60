// Command client is a terminal chat client for manual testing against a
// running gateway and api.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/mahaj/teamchat/pkg/model"
)

type options struct {
	addr      string
	api       string
	login     string
	password  string
	teamID    string
	channelID string
	dmUser    string
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

type frame struct {
	Type           string             `json:"type"`
	Ref            string             `json:"ref,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Topic          model.Topic        `json:"topic,omitempty"`
	Data           json.RawMessage    `json:"data,omitempty"`
	Error          string             `json:"error,omitempty"`
	Fields         []model.FieldError `json:"fields,omitempty"`
	Warning        string             `json:"warning,omitempty"`
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive chat client",
		Long: "Logs in through the api, subscribes over the gateway websocket and sends each stdin line.\n" +
			"Commands: /typing, /stop, /edit <id> <text>, /delete <id>, /quit.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "localhost:8080", "gateway service address")
	f.StringVar(&opts.api, "api", "http://localhost:8081", "api service address")
	f.StringVar(&opts.login, "user", "", "username or email")
	f.StringVar(&opts.password, "password", os.Getenv("CHAT_PASSWORD"), "password (defaults to $CHAT_PASSWORD)")
	f.StringVar(&opts.teamID, "team", "", "team id")
	f.StringVar(&opts.channelID, "channel", "", "channel id")
	f.StringVar(&opts.dmUser, "dm", "", "user id to dm (overrides -channel)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("team")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func login(apiAddr, usernameOrEmail, password string) (*LoginResponse, error) {
	reqBody, _ := json.Marshal(map[string]string{"usernameOrEmail": usernameOrEmail, "password": password})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return nil, err
	}
	return &loginResp, nil
}

func run(opts options) error {
	if opts.dmUser == "" && opts.channelID == "" {
		return errors.New("one of --channel or --dm is required")
	}

	fmt.Printf("Logging in as %s...\n", opts.login)
	session, err := login(opts.api, opts.login, opts.password)
	if err != nil {
		return err
	}
	token := session.Token

	u := url.URL{Scheme: "ws", Host: opts.addr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	subs := []map[string]any{{"op": "subscribe", "ref": "presence", "kind": "presence", "team_id": opts.teamID}}
	if opts.dmUser != "" {
		subs = append(subs, map[string]any{"op": "subscribe", "ref": "dm", "kind": "direct", "team_id": opts.teamID, "user_id": opts.dmUser})
	} else {
		for _, kind := range []string{"channel", "channel_edited", "channel_deleted", "typing"} {
			subs = append(subs, map[string]any{"op": "subscribe", "ref": kind, "kind": kind, "channel_id": opts.channelID})
		}
	}
	for _, s := range subs {
		if err := c.WriteJSON(s); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f frame
			if err := c.ReadJSON(&f); err != nil {
				fmt.Println("read:", err)
				return
			}
			render(session.User.ID, f)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return closeConn(c, done)
			}
			req := request(opts, line)
			if req == nil {
				fmt.Print("> ")
				continue
			}
			if err := c.WriteJSON(req); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-interrupt:
			return closeConn(c, done)
		}
	}
}

// request turns an input line into a gateway request; nil means nothing to send.
func request(opts options, line string) map[string]any {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/typing", "/stop":
		if opts.channelID == "" {
			return nil
		}
		return map[string]any{"op": "typing", "channel_id": opts.channelID, "typing": cmd == "/typing"}
	case "/edit":
		id, text, _ := strings.Cut(rest, " ")
		return map[string]any{"op": "edit", "channel_id": opts.channelID, "message_id": id, "text": text}
	case "/delete":
		if _, err := strconv.ParseInt(rest, 10, 64); err != nil {
			fmt.Println("usage: /delete <id>")
			return nil
		}
		return map[string]any{"op": "delete", "channel_id": opts.channelID, "message_id": rest}
	}
	if opts.dmUser != "" {
		return map[string]any{"op": "dm", "team_id": opts.teamID, "user_id": opts.dmUser, "text": line}
	}
	return map[string]any{"op": "send", "team_id": opts.teamID, "channel_id": opts.channelID, "text": line}
}

func render(self string, f frame) {
	switch f.Type {
	case "error":
		fmt.Printf("\r! %s %s %v\n> ", f.Ref, f.Error, f.Fields)
	case "ack":
		if f.Warning != "" {
			fmt.Printf("\r! %s\n> ", f.Warning)
		}
	case "event":
		switch f.Topic {
		case model.TopicChannelMessage, model.TopicEditedMessage:
			var m model.Message
			if json.Unmarshal(f.Data, &m) == nil {
				mark := ""
				if m.Edited {
					mark = " (edited)"
				}
				fmt.Printf("\r[%d] %s: %s%s\n> ", m.ID, m.UserID, m.Text, mark)
			}
		case model.TopicDeletedMessage:
			var m model.Message
			if json.Unmarshal(f.Data, &m) == nil {
				fmt.Printf("\r[%d] deleted\n> ", m.ID)
			}
		case model.TopicDirectMessage:
			var m model.DirectMessage
			if json.Unmarshal(f.Data, &m) == nil {
				fmt.Printf("\r%s: %s\n> ", m.SenderID, m.Text)
			}
		case model.TopicTyping:
			var ev model.TypingEvent
			if json.Unmarshal(f.Data, &ev) == nil && ev.UserID != self && ev.Typing {
				fmt.Printf("\rUser %s is typing...      \n> ", ev.Username)
			}
		case model.TopicUserStatus:
			var ev model.PresenceChange
			if json.Unmarshal(f.Data, &ev) == nil {
				state := "offline"
				if ev.Online {
					state = "online"
				}
				fmt.Printf("\r%s is %s\n> ", ev.UserID, state)
			}
		}
	}
}

// closeConn sends a close message and then waits (with timeout) for the
// server to close the connection.
func closeConn(c *websocket.Conn, done <-chan struct{}) error {
	err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return fmt.Errorf("write close: %w", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
