package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/florianilch/chatdesk/internal/gateway"
	"github.com/florianilch/chatdesk/internal/realtime"
	"github.com/florianilch/chatdesk/internal/session"
	"github.com/florianilch/chatdesk/internal/tokenstore"
)

const (
	loginPath  = "/auth/login"
	logoutPath = "/auth/logout"
	mePath     = "/auth/me"
)

// Client performs the authentication calls that start and end a session.
type Client struct {
	gateway *gateway.Gateway
	session *session.Coordinator
	channel *realtime.Channel
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginEnvelope struct {
	Data struct {
		User         *tokenstore.User `json:"user"`
		Token        string           `json:"token"`
		RefreshToken string           `json:"refreshToken"`
	} `json:"data"`
}

type meEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// Login authenticates with email and password and stores the new session.
func (c *Client) Login(ctx context.Context, email, password string) (*tokenstore.User, error) {
	req, err := gateway.NewJSONRequest(http.MethodPost, loginPath, loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	req.Anonymous = true

	resp, err := c.gateway.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	var env loginEnvelope
	if err := resp.Decode(&env); err != nil {
		return nil, err
	}
	if env.Data.Token == "" || env.Data.RefreshToken == "" {
		return nil, errors.New("login response carried no tokens")
	}

	creds := tokenstore.Credentials{
		AccessToken:  env.Data.Token,
		RefreshToken: env.Data.RefreshToken,
		User:         env.Data.User,
	}
	if err := c.session.Establish(ctx, creds); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	slog.InfoContext(ctx, "logged in", "user_id", userID(env.Data.User))
	return env.Data.User, nil
}

// Logout notifies the backend, then clears the session and the realtime
// channel regardless of the backend's answer.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.session.Current(ctx); err == nil {
		req := gateway.NewRequest(http.MethodPost, logoutPath)
		if _, err := c.gateway.Dispatch(ctx, req); err != nil {
			slog.DebugContext(ctx, "backend logout failed", "error", err)
		}
	}

	c.channel.Disconnect()
	if err := c.session.End(ctx); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	slog.InfoContext(ctx, "logged out")
	return nil
}

// Me returns the authenticated user as seen by the backend.
func (c *Client) Me(ctx context.Context) (*tokenstore.User, error) {
	var env meEnvelope
	if err := c.gateway.Get(ctx, mePath, &env); err != nil {
		return nil, err
	}

	// data is either {"user": {...}} or the user itself
	var wrapped struct {
		User *tokenstore.User `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}
	var u tokenstore.User
	if err := json.Unmarshal(env.Data, &u); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}
	return &u, nil
}

func userID(u *tokenstore.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
