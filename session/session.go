/*
The session package talks to the Parley REST API to exchange credentials
for a chat session: a bearer token the websocket handshake presents and the
endpoint to dial. relayctl login persists the session through storage so a
later relayctl run, possibly in another process, can pick it up.
*/
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleychat/relaykit/httpclient"
	"github.com/parleychat/relaykit/logger"
	"github.com/parleychat/relaykit/storage"
)

// the REST path exchanging credentials for a session
const loginEndpoint = "v1/sessions"

// Session is what the backend hands out at login. Token goes into the
// websocket hello; Endpoint is where the pool dials.
type Session struct {
	Token     string    `json:"token"`
	Endpoint  string    `json:"endpoint"`
	VisitorId string    `json:"visitorId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired is false for sessions without an expiry
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

type loginRequest struct {
	User string `json:"user"`
	Key  string `json:"key"`
}

type Client struct {
	logger *logger.Logger
	http   *httpclient.Client
}

// NewClient builds a session client against the given API base url.
// Transient login failures are retried with backoff.
func NewClient(logger *logger.Logger, apiUrl string) (*Client, error) {
	http, err := httpclient.NewWithBackoff(logger, apiUrl, httpclient.Options{
		Endpoint: loginEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build the session client: %w", err)
	}

	return &Client{
		logger: logger,
		http:   http,
	}, nil
}

func (c *Client) Login(ctx context.Context, user string, key string) (*Session, error) {
	c.logger.Infof("Logging %s in", user)

	var session Session
	if err := c.http.Post(ctx, loginRequest{User: user, Key: key}, &session); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if session.Token == "" || session.Endpoint == "" {
		return nil, fmt.Errorf("login response is missing a token or an endpoint")
	}

	c.logger.Infof("Logged in, session expires at %s", session.ExpiresAt)
	return &session, nil
}

// Save persists the session under the shared session key
func Save(store storage.Store, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return store.Put(storage.SessionKey, data)
}

// Load reads the persisted session back. A missing key surfaces as the
// storage package's KeyError.
func Load(store storage.Store) (*Session, error) {
	data, err := store.Get(storage.SessionKey)
	if err != nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}
