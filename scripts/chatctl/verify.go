package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type authResponse struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) call(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// verifyCmd registers and logs in a throwaway user, creates a team and reads
// the empty history of its general channel.
func verifyCmd(get env) *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Smoke-test a running api",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log := get()
			c := &apiClient{base: apiAddr, http: &http.Client{Timeout: 10 * time.Second}}
			name := "verify" + uuid.NewString()[:8]

			password := uuid.NewString()

			var s authResponse
			if err := c.call(http.MethodPost, "/register", map[string]string{"username": name, "email": name + "@example.com", "password": password}, &s); err != nil {
				return err
			}
			log.Info("Registered", zap.String("user_id", s.User.ID))
			if err := c.call(http.MethodPost, "/login", map[string]string{"usernameOrEmail": name, "password": password}, &s); err != nil {
				return err
			}
			c.token = s.Token

			var team struct {
				ID string `json:"id"`
			}
			if err := c.call(http.MethodPost, "/teams", map[string]string{"name": name}, &team); err != nil {
				return err
			}
			var channels []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			}
			if err := c.call(http.MethodGet, "/channels?team_id="+team.ID, nil, &channels); err != nil {
				return err
			}
			if len(channels) == 0 {
				return fmt.Errorf("team %s has no channels", team.ID)
			}

			var page struct {
				Items   []json.RawMessage `json:"items"`
				HasMore bool              `json:"hasMore"`
			}
			if err := c.call(http.MethodGet, "/history?channel_id="+channels[0].ID, nil, &page); err != nil {
				return err
			}
			log.Info("History fetched",
				zap.String("team_id", team.ID),
				zap.String("channel", channels[0].Name),
				zap.Int("items", len(page.Items)))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "http://localhost:8081", "api service address")
	return cmd
}
