// Package lobby maintains the WebSocket link to the Tachyon lobby
// server, including the OAuth2 client-credentials handshake that
// authenticates it.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

const (
	wellKnownPath    = "/.well-known/oauth-authorization-server"
	tachyonPath      = "/tachyon"
	tokenScope       = "tachyon.lobby"
	handshakeTimeout = 10 * time.Second
	closeTimeout     = 5 * time.Second
)

// ErrNotConnected is returned by Send while no session is up.
var ErrNotConnected = errors.New("not connected to the lobby")

// Options configure a Client.
type Options struct {
	// Server is the lobby host or host:port, without a scheme.
	Server       string
	Secure       bool
	ClientID     string
	ClientSecret string

	// OnConnect runs after a session is established, before any
	// message is read. OnMessage runs on the session goroutine for
	// every parsed envelope.
	OnConnect func()
	OnMessage func(env tachyon.Envelope)
}

// Client dials the lobby and runs one session at a time.
type Client struct {
	opts       Options
	httpClient *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a lobby client; nothing connects until Run.
func NewClient(opts Options) *Client {
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: handshakeTimeout},
	}
}

// Run performs the token handshake, dials the lobby and processes
// messages until the connection drops or ctx is done. A nil return
// means ctx ended the session; any other outcome is an error so the
// caller can decide how to reconnect.
func (c *Client) Run(ctx context.Context) error {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return err
	}

	conn, err := c.dial(ctx, token)
	if err != nil {
		return err
	}
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		conn.Close()
	}()
	slog.Info("connected to lobby", "server", c.opts.Server)

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	// Unblock ReadMessage on shutdown with a close handshake.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			writeClose(conn, websocket.CloseNormalClosure, "shutting down")
			conn.Close()
		case <-sessionDone:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read lobby message: %w", err)
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "only text frames are supported")
			return errors.New("lobby sent a non-text frame")
		}
		env, err := tachyon.ParseEnvelope(data)
		if err != nil {
			writeClose(conn, websocket.CloseInvalidFramePayloadData, "malformed message")
			return fmt.Errorf("parse lobby message: %w", err)
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env)
		}
	}
}

// Send marshals the envelope and writes it as one text frame.
func (c *Client) Send(env tachyon.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write lobby message: %w", err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

type authServerMetadata struct {
	TokenEndpoint          string   `json:"token_endpoint"`
	ResponseTypesSupported []string `json:"response_types_supported"`
}

// fetchToken discovers the authorization server and runs the OAuth2
// client-credentials flow.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	meta, err := c.discover(ctx)
	if err != nil {
		return "", fmt.Errorf("discover auth server: %w", err)
	}

	cfg := clientcredentials.Config{
		ClientID:     c.opts.ClientID,
		ClientSecret: c.opts.ClientSecret,
		TokenURL:     meta.TokenEndpoint,
		Scopes:       []string{tokenScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := cfg.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
			return "", fmt.Errorf("token request rejected: %s: %s",
				retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
		}
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if !strings.EqualFold(token.TokenType, "Bearer") {
		return "", fmt.Errorf("unsupported token type %q", token.TokenType)
	}
	return token.AccessToken, nil
}

func (c *Client) discover(ctx context.Context) (authServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBaseURL()+wellKnownPath, nil)
	if err != nil {
		return authServerMetadata{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return authServerMetadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return authServerMetadata{}, fmt.Errorf("metadata endpoint returned %s", resp.Status)
	}

	var meta authServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return authServerMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.TokenEndpoint == "" {
		return authServerMetadata{}, errors.New("metadata has no token_endpoint")
	}
	supported := false
	for _, rt := range meta.ResponseTypesSupported {
		if rt == "token" {
			supported = true
			break
		}
	}
	if !supported {
		return authServerMetadata{}, errors.New("auth server does not support the token response type")
	}
	return meta, nil
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	wsURL := url.URL{Scheme: "ws", Host: c.opts.Server, Path: tachyonPath}
	if c.opts.Secure {
		wsURL.Scheme = "wss"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialer := websocket.Dialer{
		Subprotocols:     []string{tachyon.Subprotocol},
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", wsURL.String(), err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}
	if conn.Subprotocol() != tachyon.Subprotocol {
		conn.Close()
		return nil, fmt.Errorf("lobby did not accept subprotocol %s", tachyon.Subprotocol)
	}
	return conn, nil
}

func (c *Client) httpBaseURL() string {
	scheme := "http"
	if c.opts.Secure {
		scheme = "https"
	}
	return scheme + "://" + c.opts.Server
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(closeTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.Debug("writing close frame failed", "err", err)
	}
}
